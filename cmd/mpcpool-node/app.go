package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/config"
	"github.com/TNO-MPC/communication/pkg/observability"
	"github.com/TNO-MPC/communication/pkg/pool"
)

// app carries what every subcommand shares once the root command ran.
type app struct {
	configPath string
	grace      time.Duration

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "mpcpool-node",
		Short: "Exchange values with the other parties of a multi-party computation",
		Long: `mpcpool-node runs one party of a peer-addressed message pool. Peers, identity
mode and TLS material come from a YAML config (see --config) and MPCPOOL_*
environment variables.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.init,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().DurationVar(&a.grace, "grace", 10*time.Second, "Time allowed for pending sends on shutdown")

	root.AddCommand(newServeCommand(a))
	root.AddCommand(newSendCommand(a))
	root.AddCommand(newRecvCommand(a))
	return root
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	a.cfg, a.logger = cfg, logger
	logger.Debug("effective configuration", zap.Any("config", cfg))
	return nil
}

// start builds the pool and ties its lifetime to SIGINT/SIGTERM.
func (a *app) start(parent context.Context) (context.Context, *pool.Pool, func(), error) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	p, err := pool.FromConfig(ctx, a.cfg, a.logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	closeFn := func() {
		stop()
		sctx, cancel := context.WithTimeout(context.Background(), a.grace)
		defer cancel()
		if err := p.Shutdown(sctx); err != nil {
			a.logger.Warn("shutdown", zap.Error(err))
		}
	}
	return ctx, p, closeFn, nil
}
