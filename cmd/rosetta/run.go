package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dwickyfp/rosetta/internal/config"
	"github.com/dwickyfp/rosetta/internal/dlq"
	"github.com/dwickyfp/rosetta/internal/manager"
	"github.com/dwickyfp/rosetta/internal/monitor"
	"github.com/dwickyfp/rosetta/internal/server"
)

var (
	dlqPath    string
	statusPort int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the replication hub",
	Long: `Run connects to the control database, executes schema migrations, and
reconciles pipeline definitions into running replication tasks every five
seconds. Destinations that fail with transient connection errors are isolated
behind their dead letter queues and recovered automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		settings, err := config.FromEnv()
		if err != nil {
			return err
		}
		settings.Logging = logging
		if dlqPath != "" {
			settings.DLQPath = dlqPath
		}
		settings.StatusPort = statusPort

		logger.Info().Msg("starting rosetta pipeline manager")

		store, err := dlq.NewStore(settings.DLQPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		mgr, err := manager.New(ctx, settings, store, logger)
		if err != nil {
			return err
		}
		defer mgr.Close()

		monitor.Start(ctx, mgr.Pool(), logger)

		if settings.StatusPort > 0 {
			srv := server.New(mgr.DestinationStates, store, logger)
			go func() {
				if err := srv.Start(ctx, settings.StatusPort); err != nil {
					logger.Err(err).Msg("status server stopped")
				}
			}()
		}

		err = mgr.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&dlqPath, "dlq-path", "", "Directory for the dead letter queue (default ./dlq)")
	runCmd.Flags().IntVar(&statusPort, "status-port", 0, "Port for the read-only status API (0 disables it)")
	rootCmd.AddCommand(runCmd)
}
