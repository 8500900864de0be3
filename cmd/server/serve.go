package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/injector"
	"github.com/zeusync/scopesync/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Demo     int
	DemoSeed int64
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		Long: `Run the replication server until interrupted.

Example:
  scopesync serve --config scopesync.yaml
  scopesync serve --ws-addr 0.0.0.0:7778 --quic-addr off --demo 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Demo, "demo", 0, "spawn N wandering demo entities scoped by zone")
	cmd.Flags().Int64Var(&opts.DemoSeed, "demo-seed", 1, "seed for the demo world")
	return cmd
}

func serve(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}

	srv, cleanup, err := injector.InitializeServer(cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer cleanup()
	defer func() { _ = srv.Close() }()

	logger := log.Provide().With(log.String("component", "cmd"))
	if opts.Demo > 0 {
		demo, err := server.NewDemo(srv.World(), opts.Demo, opts.DemoSeed)
		if err != nil {
			return fmt.Errorf("demo world: %w", err)
		}
		srv.OnTick(demo.Step)
		srv.Manager().SetScopeEvaluator(server.DemoScope)
		logger.Info("Demo world ready", log.Int("entities", opts.Demo))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = srv.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = srv.Stop(shutdown); err != nil {
		logger.Warn("Shutdown incomplete", log.Error(err))
	}
	stats := srv.Manager().Stats()
	logger.Info("Server exited",
		log.Uint64("ticks", stats.Ticks),
		log.Uint64("sessions", stats.Opened),
		log.Uint64("datagrams_out", stats.DatagramsOut))
	return nil
}
