package main

import (
	"context"
	"fmt"
	"insta-notifier/config"
	"insta-notifier/credentials"
	"insta-notifier/metrics"
	"insta-notifier/poll"
	"insta-notifier/scraper"
	"insta-notifier/storage"
	"insta-notifier/webhook"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/option"
)

// app holds the wired components of one process.
type app struct {
	cfg            *config.Config
	logger         *slog.Logger
	monitor        *poll.Monitor
	metricsHandler http.Handler
	closers        []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func setup(ctx context.Context, configPath string, dryRun bool) (*app, error) {
	logger := newLogger(os.Stdout, "json", slog.LevelInfo)

	cfg, err := config.Load(configPath, os.Getenv, logger)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		return nil, err
	}
	logger = newLogger(os.Stdout, cfg.Log.Format, cfg.LogLevel())
	slog.SetDefault(logger)

	creds, err := credentials.Resolve(cfg.CredentialSources(os.Getenv))
	if err != nil {
		logger.Error("No usable session credentials", "error", err)
		return nil, err
	}
	logger.Info("Credentials resolved", "tier", creds.Tier, "fields", creds.FieldNames())

	a := &app{cfg: cfg, logger: logger}

	var client *gcs.Client
	if cfg.State.Driver == "gcs" || cfg.Snapshots.Bucket != "" {
		client, err = newGCSClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
	}

	store, err := openStore(cfg.State, client, logger)
	if err != nil {
		a.close()
		logger.Error("Failed to open state store", "driver", cfg.State.Driver, "error", err)
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)
	a.metricsHandler = metrics.Handler(reg)

	sc, err := scraper.New(scraper.Config{
		Timeout:           cfg.RequestTimeout(),
		MinRequestSpacing: cfg.MinRequestSpacing(),
		SnapshotMaxBytes:  cfg.Snapshots.MaxBytes,
	}, newSnapshots(cfg.Snapshots, client, logger), rec, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create scraper: %w", err)
	}

	sender := webhook.New(newProvider(dryRun, cfg.RequestTimeout(), logger), logger, cfg.WebhookURL, cfg.CaptionMaxLength)

	opts := poll.Options{
		Targets:          cfg.Targets,
		Interval:         cfg.PollInterval(),
		TargetDelay:      cfg.InterTargetDelay(),
		MaxBackoff:       cfg.MaxBackoff(),
		NotifyOnFirstRun: cfg.NotifyOnFirstRun,
	}
	if cfg.Schedule != "" {
		opts.Schedule, err = poll.ParseSchedule(cfg.Schedule)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.monitor = poll.New(sc, store, sender, creds, opts, rec, logger)
	return a, nil
}

// newProvider returns the webhook transport. A dry run logs messages
// instead of posting them.
func newProvider(dryRun bool, timeout time.Duration, logger *slog.Logger) webhook.Provider {
	if dryRun {
		logger.Info("Dry-run mode enabled, notifications are logged only")
		return webhook.NewMockProvider(logger)
	}
	return webhook.NewHTTPProvider(timeout, logger)
}

func newGCSClient(ctx context.Context) (*gcs.Client, error) {
	var opts []option.ClientOption
	if js := os.Getenv("GOOGLE_CREDENTIALS_JSON"); js != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(js)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// openStore selects the state backend named by the configuration.
func openStore(cfg config.State, client *gcs.Client, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "gcs":
		logger.Info("Using Cloud Storage for state", "bucket", cfg.Bucket, "object", cfg.Object)
		return storage.NewGCS(client, cfg.Bucket, cfg.Object, logger), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		logger.Info("Using SQLite for state", "path", cfg.Path)
		return storage.OpenSQLite(cfg.Path, logger)
	case "file":
		logger.Info("Using local file for state", "path", cfg.Path)
		return storage.NewFile(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("unsupported state driver: %s", cfg.Driver)
	}
}

func newSnapshots(cfg config.Snapshots, client *gcs.Client, logger *slog.Logger) scraper.SnapshotSink {
	if cfg.Bucket != "" && client != nil {
		return scraper.NewGCSSnapshots(client, cfg.Bucket, "", cfg.MaxFiles, logger)
	}
	return scraper.NewLocalSnapshots(cfg.Dir, cfg.MaxFiles, logger)
}
