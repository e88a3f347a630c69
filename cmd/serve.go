// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/observability"
	"github.com/xkilldash9x/autoqa-cli/internal/server"
	"github.com/xkilldash9x/autoqa-cli/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var listenAddr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			logger := observability.GetLogger()

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			return serve(ctx, cfg.Server, components.Service, components.Shutdown, logger)
		},
	}

	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides server.listen_addr)")
	return serveCmd
}

// serve runs the control server until ctx is canceled or the listener fails.
// Either way the components are shut down, so live sessions are stopped and
// the store is closed on every exit path.
func serve(ctx context.Context, cfg config.ServerConfig, ctrl server.Controller, shutdown func(context.Context), logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(cfg, ctrl, logger)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("control server failed: %w", err)
	}
	logger.Info("Serve finished.")
	return nil
}
