package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/api"
	"github.com/punchamoorthee/transferledger/internal/config"
	"github.com/punchamoorthee/transferledger/internal/logger"
	"github.com/punchamoorthee/transferledger/internal/service"
	"github.com/punchamoorthee/transferledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("Unable to open store", zap.Error(err))
	}
	defer st.Close()

	// Initialize Layers
	transfers := service.NewTransferService(st, service.WithLogger(lg.Named("engine")))
	handler := api.NewHandler(st, transfers, lg.Named("http"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("Server starting", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			lg.Fatal("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	lg.Info("Shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		lg.Warn("Using in-memory store; balances are lost on restart")
		return store.NewMemoryStore(cfg.LockTimeout), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DBSource, cfg.DBMaxConns, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := store.Migrate(pg.Db); err != nil {
			pg.Close()
			return nil, err
		}
		lg.Info("Schema migrations applied")
	}
	return pg, nil
}
