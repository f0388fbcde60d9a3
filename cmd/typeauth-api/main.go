package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"typeauth/internal/keyid"
	"typeauth/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("typeauth-api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "server config file, YAML or JSON")
		listen     = flag.String("listen", "", "listen address, overrides the config")
		seedUser   = flag.Bool("seed-user", false, "create or update a console user, then exit")
		username   = flag.String("username", "", "console user name for -seed-user")
		password   = flag.String("password", "", "console user password for -seed-user")
		roleName   = flag.String("role", "admin", "console user role for -seed-user (admin|operator)")
	)
	flag.Parse()

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if cfg.KeyID.URL == "" || cfg.KeyID.License == "" {
		return errors.New("keyid url and license are required (config file or KEYID_URL/KEYID_LICENSE)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := server.ApplyMigrations(ctx, pool, cfg.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if applied > 0 {
		slog.Info("schema migrations applied", "count", applied)
	}

	if *seedUser {
		return seedConsoleUser(ctx, pool, *username, *password, *roleName)
	}

	obs, err := server.SetupObservability(ctx, cfg.Observer)
	if err != nil {
		return err
	}
	defer func() {
		obsCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = obs.Shutdown(obsCtx)
	}()

	store := server.NewPgStore(pool)
	auth := server.NewAuth(pool, store, cfg)
	client := keyid.NewClient(cfg.KeyID.ClientSettings())
	enroller := server.NewEnrollManager(cfg, store, client, obs)
	lockout := server.NewEntityLockout(cfg.Limits)
	api := server.NewAPI(cfg, auth, store, client, enroller, lockout, obs)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	slog.Info("typeauth API listening", "listen", cfg.ListenAddr, "keyid_url", cfg.KeyID.URL)

	select {
	case err := <-serveErr:
		enroller.Shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Drain in dependency order: stop accepting requests first, then let
	// the enrollment workers finish their queue.
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(drainCtx)
	enroller.Shutdown()
	return nil
}

func openPool(ctx context.Context, cfg server.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

func seedConsoleUser(ctx context.Context, pool *pgxpool.Pool, username, password, roleName string) error {
	if username == "" || password == "" {
		return errors.New("seed-user requires -username and -password")
	}
	role, err := server.ParseRole(roleName)
	if err != nil {
		return err
	}
	if err := server.SeedUser(ctx, pool, username, password, role); err != nil {
		return err
	}
	slog.Info("console user seeded", "username", username, "role", role)
	return nil
}
