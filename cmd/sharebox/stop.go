package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/health"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running sharebox daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop()
		},
	}
}

func runStop() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !health.IsRunning(cfg.App.PidFile) {
		fmt.Println("sharebox is not running")
		return nil
	}

	pid := health.ReadPID(cfg.App.PidFile)
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !health.IsRunning(cfg.App.PidFile) {
			fmt.Println("stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for sharebox (pid %d) to stop", pid)
}
