package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileOnce bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sweep stale pending payments against the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		if reconcileOnce {
			healed, failed, err := env.Reconciler.Sweep(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("sweep complete", zap.Int("healed", healed), zap.Int("expired", failed))
			return nil
		}

		zap.L().Info("reconciler started")
		if err := env.Reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileOnce, "once", false, "run a single sweep and exit")
	rootCmd.AddCommand(reconcileCmd)
}
