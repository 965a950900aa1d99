package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"wfsync/internal/config"
	"wfsync/internal/feed"
	"wfsync/internal/identity"
	"wfsync/internal/logging"
	"wfsync/internal/manager"
	"wfsync/internal/metrics"
	"wfsync/internal/otel"
	"wfsync/internal/version"
)

const shutdownTimeout = 5 * time.Second

// dependencies replaces external collaborators in tests.
type dependencies struct {
	Broker feed.Broker
}

type app struct {
	out    io.Writer
	errOut io.Writer
	deps   dependencies

	configPath  string
	overrides   []string
	logLevel    string
	output      string
	showMetrics bool

	cfg      config.Config
	logger   *logging.Logger
	metrics  *metrics.Registry
	closers  []func()
	shutdown func(context.Context) error
}

func newApp(out, errOut io.Writer, deps dependencies) *app {
	return &app{
		out:     out,
		errOut:  errOut,
		deps:    deps,
		metrics: &metrics.Registry{},
		output:  outputText,
	}
}

// setup loads configuration and installs logging and telemetry. It runs
// before every command.
func (a *app) setup(ctx context.Context) error {
	overrides := append([]string(nil), a.overrides...)
	if a.logLevel != "" {
		overrides = append(overrides, "log.level="+a.logLevel)
	}
	cfg, err := config.Load(a.configPath, overrides)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if err := validateOutput(a.output); err != nil {
		return err
	}

	level, err := parseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.logger = logging.NewLoggerWithOutput(nil, level, a.errOut)

	shutdown, err := otel.SetupSDK(ctx, otel.SDKOptions{
		Enabled:            cfg.Telemetry.Enabled,
		HTTPEndpoint:       cfg.Telemetry.Endpoint,
		ServiceName:        cfg.Telemetry.ServiceName,
		ServiceVersion:     version.Version,
		ResourceAttributes: otel.ResourceAttributesFromEnv(),
	})
	if err != nil {
		a.logger.Warn("telemetry setup failed", map[string]string{"error": err.Error()})
		return nil
	}
	a.shutdown = shutdown
	return nil
}

func parseLogLevel(value string) (logging.Level, error) {
	level, ok := logging.ParseLevel(value)
	if !ok {
		return "", fmt.Errorf("invalid log level %q (want debug, info, warn or error)", value)
	}
	return level, nil
}

// finish releases resources in reverse order and flushes telemetry.
func (a *app) finish() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.showMetrics {
		if err := a.metrics.WritePrometheus(a.errOut); err != nil {
			fmt.Fprintf(a.errOut, "write metrics: %v\n", err)
		}
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			fmt.Fprintf(a.errOut, "telemetry shutdown: %v\n", err)
		}
		a.shutdown = nil
	}
}

func (a *app) openIdentity() (identity.Store, error) {
	switch a.cfg.Identity.Backend {
	case config.BackendFile:
		return identity.NewFileStore(a.cfg.Identity.Path, identity.FileStoreOptions{
			Logger: a.logger,
		})
	case config.BackendSQLite:
		store, err := identity.OpenSQLiteStore(a.cfg.Identity.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				a.logger.Warn("close identity database failed", map[string]string{"error": err.Error()})
			}
		})
		return store, nil
	default:
		return identity.NewMemoryStore(), nil
	}
}

// newManager builds a manager. withFeed selects whether the broker feed is
// wired; one-shot commands talk REST only.
func (a *app) newManager(ctx context.Context, withFeed bool) (*manager.Manager, error) {
	ids, err := a.openIdentity()
	if err != nil {
		return nil, err
	}
	cfg := a.cfg
	m, err := manager.New(ctx, manager.Options{
		Identity:   ids,
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.API.Timeout.Std()},
		Broker:     a.deps.Broker,
		BrokerConfig: feed.BrokerConfig{
			URL:            cfg.Broker.URL,
			ClientIDPrefix: cfg.Broker.ClientIDPrefix,
			Username:       cfg.Broker.Username,
			Password:       cfg.Broker.Password,
			KeepAlive:      cfg.Broker.KeepAlive.Std(),
			ConnectTimeout: cfg.Broker.ConnectTimeout.Std(),
			QoS:            byte(cfg.Broker.QoS),
		},
		DisableFeed:    !withFeed || !cfg.Feed.Enabled,
		LeadingSlash:   cfg.Feed.LeadingSlash,
		Scoped:         cfg.Feed.Scoped,
		ReconnectEvery: cfg.Feed.ReconnectInterval.Std(),
		Debounce:       cfg.Debounce.Std(),
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, m.Close)
	return m, nil
}
