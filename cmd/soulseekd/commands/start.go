package commands

import (
	"context"
	"fmt"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/api"
	"github.com/soulseekd/soulseekd/pkg/config"
	"github.com/soulseekd/soulseekd/pkg/events"
	"github.com/soulseekd/soulseekd/pkg/metrics"
	"github.com/soulseekd/soulseekd/pkg/shares"
	"github.com/soulseekd/soulseekd/pkg/soul"
	"github.com/soulseekd/soulseekd/pkg/transfers"
	"github.com/soulseekd/soulseekd/pkg/uploads"
	"github.com/soulseekd/soulseekd/pkg/users"
)

const shutdownTimeout = 10 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start the upload daemon with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/soulseekd/config.yaml.

Examples:
  # Start with default config location
  soulseekd start

  # Start with custom config
  soulseekd start --config /etc/soulseekd/config.yaml

  # Override config with environment variables
  SOULSEEKD_LOGGING_LEVEL=DEBUG soulseekd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics must exist before any component creates collectors.
	if cfg.API.Metrics {
		metrics.InitRegistry()
		logger.Info("Metrics enabled")
	}

	store, err := transfers.NewStore(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open transfer store: %w", err)
	}

	// Records left in flight by an unclean shutdown become errored with
	// the shutdown exception before anything new is accepted.
	reconciled, err := store.StartupCleanup(ctx)
	if err != nil {
		return fmt.Errorf("startup cleanup failed: %w", err)
	}
	if reconciled > 0 {
		logger.Info("Reconciled interrupted transfers", "count", reconciled)
	}

	classifier, err := users.NewClassifier(cfg.Users, nil)
	if err != nil {
		return fmt.Errorf("invalid user configuration: %w", err)
	}

	index, err := shares.NewIndex(cfg.Shares)
	if err != nil {
		return fmt.Errorf("invalid share configuration: %w", err)
	}
	index.Start(ctx)
	defer index.Stop()
	logger.Info("Share index ready", "directories", len(cfg.Shares.Directories), "files", index.Len())

	bus := events.NewBus()
	client := newSoulClient(cfg.Soulseek)

	service, err := uploads.NewService(
		cfg.Uploads, store, classifier, index, client, bus, metrics.NewUploadMetrics(),
	)
	if err != nil {
		return err
	}
	service.Start(ctx)

	// The resolver callbacks answer incoming peer requests once a wire
	// client invokes them.
	client.RegisterHandlers(service.Handlers())

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API.Listen, store, service)
		g.Go(func() error {
			return apiServer.Start(gctx)
		})
	}

	g.Go(func() error {
		logEvents(gctx, bus)
		return nil
	})

	watchPath := configFile
	if watchPath == "" {
		watchPath = config.DefaultConfigPath()
	}
	prev := cfg
	var pending config.Pending
	err = config.Watch(gctx, watchPath, func(next *config.Config) {
		applyConfigChange(prev, next, &pending, service, classifier, index, bus)
		prev = next
	})
	if err != nil {
		logger.Warn("Config watch unavailable", logger.Err(err))
	}

	logger.Info("Daemon is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Upload service shutdown error", logger.Err(err))
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Daemon stopped gracefully")
	return nil
}

// applyConfigChange fans one reloaded configuration out to the running
// components. Changes to restart- or reconnect-requiring fields accumulate
// in pending and ride on every subsequent broadcast until the action
// happens.
func applyConfigChange(prev, next *config.Config, pending *config.Pending,
	service *uploads.Service, classifier *users.Classifier, index *shares.Index, bus *events.Bus) {

	pending.Observe(prev, next)

	if err := service.Reconfigure(next.Uploads); err != nil {
		logger.Error("Failed to apply upload configuration", logger.Err(err))
	}
	if err := classifier.Reconfigure(next.Users); err != nil {
		logger.Error("Failed to apply user configuration", logger.Err(err))
	}
	if reflect.DeepEqual(prev.Shares.Directories, next.Shares.Directories) {
		index.RequestScan()
	} else {
		logger.Warn("Changing shared directories requires a restart")
	}

	if reflect.DeepEqual(*prev, *next) {
		return
	}
	bus.Publish(events.OptionsChanged{
		Timestamp:        time.Now(),
		PendingRestart:   pending.Restart,
		PendingReconnect: pending.Reconnect,
	})
}

// logEvents drains the bus for the daemon log until ctx is cancelled.
func logEvents(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(events.KindUploadComplete, events.KindOptionsChanged)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			switch ev := e.(type) {
			case events.UploadComplete:
				logger.Info("Upload complete",
					logger.Username(ev.Transfer.Username),
					logger.Filename(ev.Transfer.Filename),
					"state", ev.Transfer.StateString,
				)
			case events.OptionsChanged:
				logger.Info("Options changed",
					"pending_restart", ev.PendingRestart,
					"pending_reconnect", ev.PendingReconnect,
				)
			}
		}
	}
}

// offlineClient stands in for the Soulseek wire client. The daemon's
// scheduling, pacing, and persistence run against the soul.Client contract;
// binding a protocol implementation replaces this with a connected client
// that invokes the registered resolver callbacks.
type offlineClient struct {
	cfg      config.SoulseekConfig
	handlers soul.Handlers
}

func newSoulClient(cfg config.SoulseekConfig) *offlineClient {
	logger.Warn("No wire client linked, running offline",
		logger.Username(cfg.Username), "listen_port", cfg.ListenPort)
	return &offlineClient{cfg: cfg}
}

// RegisterHandlers records the resolver callbacks a connected client would
// invoke for incoming peer requests.
func (c *offlineClient) RegisterHandlers(h soul.Handlers) {
	c.handlers = h
}

func (c *offlineClient) Upload(ctx context.Context, username, filename string, size int64, factory soul.StreamFactory, opts soul.UploadOptions) (*soul.CompletedUpload, error) {
	return nil, fmt.Errorf("no wire client connected")
}

func (c *offlineClient) SendUploadSpeed(ctx context.Context, bytesPerSecond int) error {
	return nil
}

func (c *offlineClient) Disconnect(reason string) {}
