package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/wirebot/internal/api"
	"github.com/org/wirebot/internal/audit"
	"github.com/org/wirebot/internal/auth"
	"github.com/org/wirebot/internal/backup"
	"github.com/org/wirebot/internal/config"
	"github.com/org/wirebot/internal/core"
	"github.com/org/wirebot/internal/gateway"
	"github.com/org/wirebot/internal/lifecycle"
	"github.com/org/wirebot/internal/storage"
	"github.com/org/wirebot/internal/wgconf"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := config.Path()
	cfg, found, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults and environment")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	orphans, err := core.ParseOrphanPolicy(cfg.OrphanPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Operator state and the operation log
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}
	defer store.Close()
	auditLog := audit.NewLogger(store, log.Logger)

	// WireGuard config and the lifecycle script
	wg := wgconf.NewStore(cfg.WireGuard.ConfigPath, wgconf.NewProfileDir(cfg.WireGuard.ProfileDirs...), log.Logger)
	script := gateway.NewScript(gateway.NewRunner(nil, log.Logger), cfg.Script)
	if !script.Available() {
		log.Warn().Str("script", script.Path()).Msg("lifecycle script not found, mutations will fail")
	}
	clients := lifecycle.NewManager(wg, script, log.Logger)

	authMgr := auth.NewManager(store, auditLog, clients, auth.Defaults{
		Limits:      cfg.Defaults.Limits,
		Permissions: cfg.Defaults.Permissions,
	}, log.Logger)
	if err := authMgr.Bootstrap(ctx, cfg.OwnerID, cfg.AuthorizedUsers); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap operators")
	}

	// Backups
	opts := []backup.Option{backup.WithPruner(auditLog)}
	if cfg.Backup.S3.Enabled() {
		mirror, err := backup.NewS3Mirror(ctx, cfg.Backup.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure S3 mirror")
		}
		opts = append(opts, backup.WithMirror(mirror))
		log.Info().Str("bucket", cfg.Backup.S3.Bucket).Msg("backups mirrored to S3")
	}
	backups := backup.NewCoordinator(wg, cfg.Backup.Dir, script, log.Logger, opts...)
	if cfg.Backup.Interval > 0 {
		go backups.Schedule(ctx, cfg.Backup.Interval, cfg.Backup.Keep)
	}

	svc := core.NewService(authMgr, clients, backups, auditLog, orphans, log.Logger)

	tokens, err := auth.NewTokenService([]byte(cfg.APISecret))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid api secret")
	}
	srv := api.NewServer(svc, tokens, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
	}, log.Logger)

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Int64("owner", cfg.OwnerID).Msg("wirebot started")
	<-quit

	log.Info().Msg("shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
