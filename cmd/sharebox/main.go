// Command sharebox mounts an S3-compatible bucket as a local FUSE
// filesystem with transparent client-side encryption and background sync.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "sharebox",
		Short:         "Mount an S3-compatible bucket as a synced, encrypted local filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(
		newMountCmd(),
		newUnmountCmd(),
		newStatusCmd(),
		newStopCmd(),
		newTestCmd(),
		newFixCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
