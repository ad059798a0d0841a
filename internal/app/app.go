// Package app собирает процессы eventchain из конфигурации: хранилище,
// RabbitMQ, реестр действий и связку координатора с воркером.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/eventchain/internal/config"
	"github.com/shaiso/eventchain/internal/mq"
	"github.com/shaiso/eventchain/internal/repo"
	"github.com/shaiso/eventchain/internal/repo/sqlite"
	"github.com/shaiso/eventchain/internal/telemetry"
)

// Runtime — общие ресурсы процесса.
type Runtime struct {
	Name   string
	Config *config.Config
	Logger *slog.Logger

	Store repo.Store
	// Pool — пул Postgres; nil для SQLite.
	Pool *pgxpool.Pool

	// MQ и Publisher — nil, если RabbitMQ выключен или недоступен.
	MQ        *mq.Connection
	Publisher *mq.Publisher

	closers []func()
}

// Bootstrap загружает конфигурацию (файлы из EVENTCHAIN_CONFIG через запятую),
// открывает хранилище и подключается к RabbitMQ.
// Недоступный RabbitMQ не ошибка: процесс работает в режиме polling.
func Bootstrap(ctx context.Context, name string) (*Runtime, error) {
	cfg, err := config.Load(strings.Split(os.Getenv("EVENTCHAIN_CONFIG"), ",")...)
	if err != nil {
		return nil, err
	}

	logger := telemetry.SetupLogger(cfg.Logging.Level, cfg.Logging.Format).With("service", name)
	logger.Info("starting " + name)

	rt := &Runtime{Name: name, Config: cfg, Logger: logger}
	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	rt.connectMQ(ctx)
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	db := rt.Config.Database

	switch db.Driver {
	case "sqlite":
		store, err := sqlite.Open(db.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		rt.Store = store
		rt.closers = append(rt.closers, func() { store.Close() })
		rt.Logger.Info("sqlite store opened", "path", db.SQLitePath)

	default:
		pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: db.URL, MaxConns: db.MaxConns})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)

		if db.Migrate {
			if err := repo.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		rt.Store = repo.NewPostgresStore(pool)
		rt.Logger.Info("database connected")
	}
	return nil
}

func (rt *Runtime) connectMQ(ctx context.Context) {
	if !rt.Config.RabbitMQ.Enabled {
		rt.Logger.Info("RabbitMQ disabled, running in polling-only mode")
		return
	}

	conn, err := mq.NewConnection(rt.Config.RabbitMQ.URL, rt.Name, rt.Logger)
	if err != nil {
		rt.Logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return
	}
	rt.closers = append(rt.closers, func() { conn.Close() })
	rt.Logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		rt.Logger.Warn("failed to setup topology", "error", err)
	}
	rt.MQ = conn
	rt.Publisher = mq.NewPublisher(conn, rt.Logger)
}

// Close освобождает ресурсы в обратном порядке.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Serve обслуживает mux на addr до отмены ctx, затем завершает сервер.
func (rt *Runtime) Serve(ctx context.Context, addr string, mux http.Handler, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.Logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
