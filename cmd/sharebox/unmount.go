package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/sharebox/sharebox/internal/config"
)

func newUnmountCmd() *cobra.Command {
	var mountPoint string

	cmd := &cobra.Command{
		Use:   "unmount",
		Short: "Unmount the filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnmount(mountPoint)
		},
	}
	cmd.Flags().StringVarP(&mountPoint, "mount-point", "m", "", "override the configured mount point")
	return cmd
}

func runUnmount(mountPointOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	mountPoint := cfg.Sync.MountPoint
	if mountPointOverride != "" {
		mountPoint = mountPointOverride
	}

	if err := unmountPath(mountPoint); err != nil {
		return fmt.Errorf("unmount %s: %w", mountPoint, err)
	}
	fmt.Printf("unmounted %s\n", mountPoint)
	return nil
}

// unmountPath tries fusermount first, falling back to umount, matching the
// original implementation's unmount sequence.
func unmountPath(mountPoint string) error {
	if err := exec.Command("fusermount", "-u", mountPoint).Run(); err == nil {
		return nil
	}
	return exec.Command("umount", mountPoint).Run()
}
