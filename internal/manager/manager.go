// Package manager wires the identity store, the event feed, the store and
// the reconciliation service into one client-facing API.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"wfsync/internal/activity"
	"wfsync/internal/client"
	"wfsync/internal/event"
	"wfsync/internal/feed"
	"wfsync/internal/identity"
	"wfsync/internal/logging"
	"wfsync/internal/metrics"
	"wfsync/internal/reconcile"
	"wfsync/internal/schedule"
	"wfsync/internal/session"
	"wfsync/internal/store"
)

const refreshTimeout = 5 * time.Second

// identityWatcher is implemented by identity stores that can observe
// changes made by other processes.
type identityWatcher interface {
	Watch(ctx context.Context, fn func(identity.Identity)) error
}

type Options struct {
	Identity   identity.Store
	BaseURL    string
	HTTPClient *http.Client
	// API replaces the REST client built from BaseURL.
	API reconcile.API
	// Broker replaces the MQTT transport built from BrokerConfig. With
	// DisableFeed the manager works over REST only.
	Broker         feed.Broker
	BrokerConfig   feed.BrokerConfig
	DisableFeed    bool
	LeadingSlash   bool
	Scoped         bool
	ReconnectEvery time.Duration
	// Debounce is the quiet period of ScheduleFocus.
	Debounce       time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	TracerProvider trace.TracerProvider
}

type Manager struct {
	identity identity.Store
	store    *store.Store
	bus      *event.Bus[event.StoreEvent]
	feed     *feed.Feed
	service  *reconcile.Service
	session  *session.Manager
	focus    *schedule.Token
	logger   *logging.Logger
}

// New builds a manager. The store event bus closes when ctx is done.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Identity == nil {
		return nil, errors.New("manager: identity store is required")
	}
	logger := opts.Logger
	m := &Manager{
		identity: opts.Identity,
		focus:    schedule.New(opts.Debounce),
		logger:   logger,
	}
	m.bus = event.NewBus[event.StoreEvent](ctx, event.BusOptions{
		Name:   "store",
		OnDrop: opts.Metrics.IncEventDropped,
		Logger: logger,
	})
	m.store = store.New(store.Options{
		Publisher: m.bus,
		Logger:    logger.Named("store"),
		Metrics:   opts.Metrics,
	})

	sess, err := session.New(session.Options{
		Identity:   opts.Identity,
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	m.session = sess

	api := opts.API
	if api == nil {
		restClient, err := client.New(client.Options{
			BaseURL:        opts.BaseURL,
			HTTPClient:     opts.HTTPClient,
			Token:          sess.Token,
			Metrics:        opts.Metrics,
			TracerProvider: opts.TracerProvider,
		})
		if err != nil {
			return nil, err
		}
		api = restClient
	}
	m.service, err = reconcile.New(reconcile.Options{
		API:     api,
		Store:   m.store,
		Session: sess,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	if !opts.DisableFeed {
		broker := opts.Broker
		if broker == nil {
			cfg := opts.BrokerConfig
			if cfg.Token == nil {
				cfg.Token = sess.Token
			}
			broker, err = feed.NewPahoBroker(cfg)
			if err != nil {
				return nil, err
			}
		}
		m.feed, err = feed.New(feed.Options{
			Broker:            broker,
			Sink:              m.store,
			Identity:          sess.Identity,
			LeadingSlash:      opts.LeadingSlash,
			Scoped:            opts.Scoped,
			ReconnectInterval: opts.ReconnectEvery,
			OnConnectivity: func(connected bool) {
				m.store.Dispatch(store.ConnectivityChanged{Connected: connected})
			},
			Logger:  logger,
			Metrics: opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	sess.OnLogin(func(identity.Identity) {
		m.refreshFeed()
	})
	sess.OnLogout(func() {
		m.focus.Cancel()
		m.store.Dispatch(store.Reset{})
		m.refreshFeed()
	})
	return m, nil
}

// Run keeps the feed connected and follows identity changes made outside
// this process until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if m.feed != nil {
		group.Go(func() error {
			return m.feed.Run(groupCtx)
		})
	}
	if watcher, ok := m.identity.(identityWatcher); ok {
		if err := watcher.Watch(groupCtx, m.identityChanged); err != nil {
			m.logger.Warn("identity watch unavailable", map[string]string{"error": err.Error()})
		}
	}
	<-groupCtx.Done()
	m.focus.Cancel()
	return group.Wait()
}

// Close stops pending focus work and the feed. The event bus is closed
// with the context passed to New.
func (m *Manager) Close() {
	m.focus.Cancel()
	m.focus.Wait()
	if m.feed != nil {
		m.feed.Close()
	}
	m.bus.Close()
}

func (m *Manager) identityChanged(ids identity.Identity) {
	m.logger.Info("identity changed outside this process", map[string]string{
		"session_id": ids.SessionID,
		"actor_id":   ids.ActorID,
	})
	if !ids.Authenticated() {
		m.focus.Cancel()
		m.store.Dispatch(store.Reset{})
	}
	m.refreshFeed()
}

func (m *Manager) refreshFeed() {
	if m.feed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := m.feed.Refresh(ctx); err != nil {
		m.logger.Warn("feed refresh failed", map[string]string{"error": err.Error()})
	}
}

func (m *Manager) StartWorkflow(ctx context.Context, name string, payload any, setFocus bool) (client.StartResult, error) {
	return m.service.StartWorkflow(ctx, name, payload, setFocus)
}

func (m *Manager) SubmitActivity(ctx context.Context, activityManagerID string, payload any) error {
	return m.service.SubmitActivity(ctx, activityManagerID, payload)
}

func (m *Manager) FetchForProcess(ctx context.Context, processID, fallbackWorkflow string) error {
	return m.service.FetchActivityManagerForProcess(ctx, processID, fallbackWorkflow)
}

func (m *Manager) FetchAvailable(ctx context.Context, filter string) error {
	return m.service.FetchAvailableActivityManagers(ctx, filter)
}

func (m *Manager) FetchWorkflows(ctx context.Context) error {
	return m.service.FetchWorkflows(ctx)
}

func (m *Manager) FocusAndFetch(ctx context.Context, processID, fallbackWorkflow string) error {
	return m.service.FocusAndFetch(ctx, processID, fallbackWorkflow)
}

// ScheduleFocus debounces navigation: only the last call within the quiet
// period focuses and fetches. The returned value reports whether an earlier
// call was superseded.
func (m *Manager) ScheduleFocus(processID, fallbackWorkflow string) bool {
	return m.focus.Schedule(func(ctx context.Context) {
		if err := m.service.FocusAndFetch(ctx, processID, fallbackWorkflow); err != nil {
			m.logger.Debug("scheduled focus failed", map[string]string{
				"process_id": processID,
				"error":      err.Error(),
			})
		}
	})
}

// FocusPending reports whether scheduled navigation work is pending or
// running.
func (m *Manager) FocusPending() bool {
	return m.focus.InFlight()
}

// WaitFocus blocks until scheduled navigation work has finished.
func (m *Manager) WaitFocus() {
	m.focus.Wait()
}

func (m *Manager) SetDefaultProcess(processID string) {
	m.store.Dispatch(store.DefaultProcessSet{ProcessID: processID})
}

// SelectCurrent selects a known activity manager.
func (m *Manager) SelectCurrent(activityManagerID string) error {
	if _, ok := m.store.Get(activityManagerID); !ok {
		return fmt.Errorf("unknown activity manager %q", activityManagerID)
	}
	m.store.Dispatch(store.CurrentSelected{ID: activityManagerID})
	return nil
}

func (m *Manager) Login(ctx context.Context, url string, body any) (session.Result, error) {
	return m.session.Login(ctx, url, body)
}

func (m *Manager) AnonymousLogin(ctx context.Context, url string) (session.Result, error) {
	return m.session.AnonymousLogin(ctx, url)
}

func (m *Manager) Logout() error {
	return m.session.Logout()
}

func (m *Manager) SessionState() session.State {
	return m.session.State()
}

func (m *Manager) Identity() identity.Identity {
	return m.session.Identity()
}

func (m *Manager) Current() (activity.Manager, bool) {
	return m.store.Current()
}

func (m *Manager) Ordered() []activity.Manager {
	return m.store.Snapshot().Managers
}

func (m *Manager) FocusedProcess() string {
	return m.store.FocusedProcessID()
}

func (m *Manager) DefaultProcess() string {
	return m.store.DefaultProcessID()
}

func (m *Manager) Workflows() []string {
	return m.store.Snapshot().Workflows
}

func (m *Manager) Snapshot() store.Snapshot {
	return m.store.Snapshot()
}

// Subscribe delivers one event per store transition.
func (m *Manager) Subscribe() (<-chan event.StoreEvent, func()) {
	return m.bus.Subscribe()
}

// FeedPhase reports the subscription phase, or disconnected without a feed.
func (m *Manager) FeedPhase() feed.Phase {
	if m.feed == nil {
		return feed.PhaseDisconnected
	}
	return m.feed.Phase()
}

// Store exposes the underlying store for direct dispatch.
func (m *Manager) Store() *store.Store {
	return m.store
}
