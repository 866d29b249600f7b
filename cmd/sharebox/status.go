package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/health"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the sharebox daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if health.IsRunning(cfg.App.PidFile) {
		fmt.Println("Running")
		return nil
	}
	fmt.Println("Stopped")
	return nil
}
