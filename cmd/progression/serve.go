package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/api"
	"github.com/warp/progression-engine/config"
	"github.com/warp/progression-engine/coordinator"
	"github.com/warp/progression-engine/factory"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/ledger/store"
	"github.com/warp/progression-engine/metrics"
	"github.com/warp/progression-engine/store/sqlite"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the progression API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		router, closer, err := buildRouter(cfg, zap.L())
		if err != nil {
			return err
		}
		defer closer.Close()

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server",
				zap.Int("port", port),
				zap.String("store", cfg.Store.Driver),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return eris.Wrap(err, "server listen")
			}
			return nil
		case <-ctx.Done():
		}

		// Stop accepting connections, then let in-flight commits finish.
		zap.L().Info("shutting down server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "server shutdown")
		}
		zap.L().Info("server stopped")
		return nil
	},
}

// buildRouter wires store, catalog, metrics and coordinator from cfg. The
// returned closer releases the store.
func buildRouter(cfg *config.Config, logger *zap.Logger) (http.Handler, io.Closer, error) {
	st, closer, err := openStore(cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	bundle, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	coord := coordinator.New(bundle.Deps(st),
		coordinator.WithConfig(cfg.Coordinator),
		coordinator.WithLogger(logger.Named("coordinator")),
		coordinator.WithMetrics(metrics.Progression()),
	)

	router := api.NewRouter(api.NewHandler(coord, logger.Named("api")), api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      api.RateLimit{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
		Logger:         logger.Named("http"),
	})
	return router, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(sc config.StoreConfig) (ledger.Store, io.Closer, error) {
	switch sc.Driver {
	case "sqlite":
		s, err := sqlite.New(sc.Path)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "open sqlite store %s", sc.Path)
		}
		return s, s, nil
	case "memory", "":
		return store.NewMemory(), nopCloser{}, nil
	default:
		return nil, nil, eris.Errorf("unknown store driver %q", sc.Driver)
	}
}

func loadCatalog(path string) (*factory.Bundle, error) {
	f := factory.NewCatalogFactory()
	if path == "" {
		return f.Default()
	}
	return f.Load(path)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
