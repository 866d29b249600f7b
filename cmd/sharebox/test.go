package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/crypto"
	"github.com/sharebox/sharebox/internal/store"
)

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Verify configuration, object store connectivity, and encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest()
		},
	}
}

func runTest() error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	fmt.Println("configuration: OK")

	if cfg.Encryption.Enabled {
		if _, err := crypto.New(cfg.Encryption.Password, zerolog.Nop()); err != nil {
			return fmt.Errorf("encryption: %w", err)
		}
		fmt.Println("encryption: OK")
	}

	// store.New runs HealthCheck internally, so a successful construction
	// already proves the bucket is reachable with these credentials.
	objectStore, err := store.New(ctx, cfg.R2.BucketName, cfg.App.DeviceName, store.Config{
		Region:          cfg.R2.Region,
		Endpoint:        cfg.R2.EndpointURL,
		AccessKeyID:     cfg.R2.AccessKeyID,
		SecretAccessKey: cfg.R2.SecretAccessKey,
		ForcePathStyle:  true,
	}, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	defer objectStore.Close()
	fmt.Println("object store: OK")

	fmt.Println("all checks passed")
	return nil
}
