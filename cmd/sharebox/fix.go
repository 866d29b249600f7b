package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const forceSyncTimeout = 300 * time.Second

func newFixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix",
		Short: "Re-queue downloads of remote files missing from the cache and block until the queue drains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFix()
		},
	}
}

func runFix() error {
	ctx, cancel := context.WithTimeout(context.Background(), forceSyncTimeout+10*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, configPath)
	if err != nil {
		return err
	}

	if err := rt.engine.Start(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	defer rt.engine.Stop()

	fmt.Println("re-queuing full sync...")
	if err := rt.engine.ForceSync(ctx, forceSyncTimeout); err != nil {
		return err
	}
	fmt.Println("sync queue drained")
	return nil
}
