package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/health"
	"github.com/sharebox/sharebox/internal/vfs"
)

const daemonEnvVar = "SHAREBOX_DAEMON_CHILD"

func newMountCmd() *cobra.Command {
	var foreground bool
	var mountPoint string

	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount the bucket and start background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(foreground, mountPoint)
		},
	}
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	cmd.Flags().StringVarP(&mountPoint, "mount-point", "m", "", "override the configured mount point")
	return cmd
}

func runMount(foreground bool, mountPointOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if health.IsRunning(cfg.App.PidFile) {
		return fmt.Errorf("sharebox is already running (pid file %s)", cfg.App.PidFile)
	}

	if !foreground && os.Getenv(daemonEnvVar) == "" {
		return daemonize(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, configPath)
	if err != nil {
		return err
	}

	mountPoint := rt.cfg.Sync.MountPoint
	if mountPointOverride != "" {
		mountPoint = mountPointOverride
	}
	if err := os.MkdirAll(mountPoint, 0750); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	if err := health.WritePIDFile(rt.cfg.App.PidFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer health.RemovePIDFile(rt.cfg.App.PidFile)

	if err := rt.engine.Start(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	defer rt.engine.Stop()

	healthSrv := health.NewServer(health.DefaultServerConfig(), statusAdapter{engine: rt.engine}, rt.metrics, rt.logger)
	healthSrv.StartBackground()
	defer healthSrv.Shutdown(context.Background())

	fsys := vfs.New(vfs.Config{CacheDir: rt.cfg.Sync.LocalCacheDir}, rt.store, rt.engine, rt.logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	opts := vfs.MountOptions{
		AllowOther:         rt.cfg.Fuse.AllowOther,
		AllowRoot:          rt.cfg.Fuse.AllowRoot,
		DefaultPermissions: rt.cfg.Fuse.DefaultPermissions,
		Foreground:         foreground,
	}
	if err := fsys.Mount(mountPoint, opts); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	rt.logger.Info().Str("mount_point", mountPoint).Msg("mounted")

	<-sigCh
	rt.logger.Info().Msg("received shutdown signal, unmounting")
	fsys.Unmount()
	return nil
}

// daemonize re-execs the current binary detached from the controlling
// terminal, mirroring the original app's reliance on its FUSE library to
// fork into the background. cgofuse's Mount does not fork, so ShareBox
// does its own self-re-exec instead.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	logFile, err := openDaemonLog(cfg)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonEnvVar+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdout = logFile
	child.Stderr = logFile
	child.Stdin = nil

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background process: %w", err)
	}
	fmt.Printf("sharebox started in background (pid %d)\n", child.Process.Pid)
	return nil
}

func openDaemonLog(cfg *config.Config) (*os.File, error) {
	if cfg.App.LogFile == "" {
		return os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.App.LogFile), 0750); err != nil {
		return nil, err
	}
	return os.OpenFile(cfg.App.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
