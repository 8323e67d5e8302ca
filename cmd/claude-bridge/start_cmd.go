package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tatsuya-oka/claude-bridge/internal/bridge"
	"github.com/tatsuya-oka/claude-bridge/internal/config"
	"github.com/tatsuya-oka/claude-bridge/internal/gateway"
	"github.com/tatsuya-oka/claude-bridge/internal/httpapi"
	"github.com/tatsuya-oka/claude-bridge/internal/logging"
	"github.com/tatsuya-oka/claude-bridge/internal/registry"
	"github.com/tatsuya-oka/claude-bridge/internal/statedb"
	"github.com/tatsuya-oka/claude-bridge/internal/tmux"
)

// handleStart runs the bridge daemon until SIGINT/SIGTERM.
func handleStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Println("Usage: claude-bridge start [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	if err := runDaemon(*debug); err != nil {
		fatal(err)
	}
}

func runDaemon(debug bool) error {
	if err := tmux.IsAvailable(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	token, err := config.Token()
	if err != nil {
		return err
	}
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	logging.Init(logging.Config{
		LogDir: filepath.Join(stateDir, "logs"),
		Level:  cfg.Logs.Level,
		Format: cfg.Logs.Format,
		Debug:  debug || cfg.Logs.Debug,
	})
	defer logging.Close()
	log := logging.Logger()

	db, err := statedb.Open(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := tmux.NewHost(cfg.Command)
	reg, err := registry.New(ctx, host, db, cfg.SessionPrefix, cfg.MaxSessions)
	if err != nil {
		return err
	}
	provisionConfigured(ctx, reg, cfg.Channels, log)
	reg.FinishSetup()

	attachDir, err := cfg.AttachmentsDir()
	if err != nil {
		return err
	}
	stager, err := gateway.NewStager(attachDir, cfg.Attachments.MaxSizeMB)
	if err != nil {
		return err
	}

	client := gateway.NewClient(token, stager)
	br := bridge.New(host, reg, client, cfg.PollInterval())
	api := httpapi.New(reg, br, client)

	log.Info("bridge_starting",
		slog.String("version", Version),
		slog.Int("sessions", len(reg.List())),
		slog.String("http_addr", cfg.HTTPAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return br.Run(gctx, client.Subscribe()) })
	g.Go(func() error { return api.Serve(gctx, cfg.HTTPAddr) })
	g.Go(func() error { return cleanupLoop(gctx, stager, cfg) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("bridge_stopped")
		return nil
	}
	return err
}

// provisionConfigured registers channels named in config.toml that don't
// have sessions yet. Failures are logged, not fatal: the daemon still
// serves whatever did come up.
func provisionConfigured(ctx context.Context, reg *registry.Registry, channels []string, log *slog.Logger) {
	for _, ch := range channels {
		_, err := reg.Register(ctx, ch)
		switch {
		case err == nil:
			log.Info("channel_provisioned", slog.String("channel", ch))
		case errors.Is(err, registry.ErrAlreadyRegistered):
			// Already bound from a previous run.
		default:
			log.Error("provision_failed", slog.String("channel", ch), slog.String("error", err.Error()))
		}
	}
}

// cleanupLoop periodically removes staged attachments past their max age.
func cleanupLoop(ctx context.Context, stager *gateway.Stager, cfg *config.Config) error {
	interval := time.Duration(cfg.Attachments.CleanupIntervalHours) * time.Hour
	maxAge := time.Duration(cfg.Attachments.MaxAgeHours) * time.Hour
	log := logging.ForComponent(logging.CompGateway)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := stager.CleanupOld(maxAge)
			if err != nil {
				log.Warn("attachment_cleanup_failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				log.Info("attachments_cleaned", slog.Int("removed", n))
			}
		}
	}
}
