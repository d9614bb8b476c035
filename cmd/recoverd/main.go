package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/veilsafe/recoverd/internal/storage/sqlite"
	"github.com/veilsafe/recoverd/pkg/recovery"
	"github.com/veilsafe/recoverd/pkg/server"
	"github.com/veilsafe/recoverd/pkg/types"
)

func main() {
	cfg := loadConfig()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.GetString("log_level"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := sqlite.Open(cfg.GetString("data_path"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	svc, err := recovery.New(store,
		recovery.WithLogger(logger),
		recovery.WithDispatcher(logDispatcher{logger: logger}),
	)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(svc,
		server.WithAdminToken(cfg.GetString("admin_token")),
		server.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.GetString("listen_addr"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("recoverd listening", "addr", httpServer.Addr, "db", store.DBPath())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("recoverd exited", "error", err)
		os.Exit(1)
	}
	logger.Info("recoverd stopped")
}

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("recoverd")
	v.AutomaticEnv()
	v.SetDefault("data_path", "./data")
	v.SetDefault("listen_addr", ":8420")
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_token", "")
	return v
}

// logDispatcher stands in for the host ledger's dispatch engine: it records
// forwarded calls instead of executing them. Hosts embedding the service
// supply their own Dispatcher.
type logDispatcher struct {
	logger *slog.Logger
}

func (d logDispatcher) Dispatch(ctx context.Context, origin types.Origin, call recovery.Call) error {
	signer, _ := origin.Signer()
	d.logger.InfoContext(ctx, "dispatching forwarded call", "as", signer, "cost", call.Cost())
	return nil
}
