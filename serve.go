package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ankicommunity/ankisyncd/internal/auth"
	"github.com/ankicommunity/ankisyncd/internal/server"
	"github.com/ankicommunity/ankisyncd/internal/session"
	"github.com/ankicommunity/ankisyncd/internal/worker"
)

// shutdownTimeout bounds how long in-flight requests may run after a
// termination signal before the listener is torn down.
const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long:  "Listen for Anki clients and serve collection and media sync requests.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	logger := buildLogger()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(loadedCfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("creating data root: %w", err)
	}

	users, err := auth.NewSQLiteUserManager(ctx, loadedCfg.AuthDBPath, logger)
	if err != nil {
		return err
	}
	defer users.Close()

	sessions, err := newSessionStore(ctx, logger)
	if err != nil {
		return err
	}

	pool := worker.NewPool(logger)
	srv := server.New(loadedCfg, users, sessions, pool, logger)

	httpSrv := &http.Server{
		Addr:              loadedCfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			slog.String("addr", loadedCfg.Addr()),
			slog.String("base_url", loadedCfg.BaseURL),
			slog.String("base_media_url", loadedCfg.BaseMediaURL),
		)

		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}

		srv.Shutdown()

		return nil
	})

	return g.Wait()
}

func newSessionStore(ctx context.Context, logger *slog.Logger) (session.Store, error) {
	if loadedCfg.SessionManager == "sqlite" {
		return session.NewSQLiteStore(ctx, loadedCfg.SessionDBPath, logger)
	}

	return session.NewMemoryStore(), nil
}
