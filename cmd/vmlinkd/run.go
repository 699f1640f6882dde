package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/vmlink/internal/daemon"
	"grimm.is/vmlink/internal/logging"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the connection manager in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	cmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Time allowed for a graceful stop")
	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	return d.Run(ctx, timeout)
}
