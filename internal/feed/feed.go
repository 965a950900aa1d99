// Package feed keeps a broker subscription alive and hands routed events to
// a sink.
//
// The subscription has two phases. Before the session and actor ids are
// known the feed subscribes to wildcard filters; once they are known it
// narrows to the caller's ids. Narrowing subscribes the new filters before
// dropping the old ones, and every message is checked against the identity
// current at dispatch time, so a message arriving mid-transition is neither
// lost nor misdelivered.
package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wfsync/internal/identity"
	"wfsync/internal/logging"
	"wfsync/internal/metrics"
	"wfsync/internal/topic"
)

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseUnscoped
	PhaseScoped
)

func (p Phase) String() string {
	switch p {
	case PhaseUnscoped:
		return "unscoped"
	case PhaseScoped:
		return "scoped"
	default:
		return "disconnected"
	}
}

// Sink receives routed events. The store implements it.
type Sink interface {
	Apply(topic.Event)
}

const DefaultReconnectInterval = 2 * time.Second

type Options struct {
	Broker   Broker
	Sink     Sink
	Identity func() identity.Identity
	// LeadingSlash selects "/session/..." topics over "session/...".
	LeadingSlash bool
	// Scoped enables narrowing once ids are known. When false the feed
	// stays on wildcard filters and relies on dispatch-time filtering.
	Scoped            bool
	ReconnectInterval time.Duration
	OnConnectivity    func(connected bool)
	Logger            *logging.Logger
	Metrics           *metrics.Registry
}

type Feed struct {
	broker         Broker
	sink           Sink
	identity       func() identity.Identity
	prefix         string
	scoped         bool
	limiter        *rate.Limiter
	onConnectivity func(bool)
	logger         *logging.Logger
	metrics        *metrics.Registry

	mu      sync.Mutex
	phase   Phase
	filters []string
	lost    chan error
}

func New(opts Options) (*Feed, error) {
	if opts.Broker == nil {
		return nil, errors.New("feed: broker is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("feed: sink is required")
	}
	identitySource := opts.Identity
	if identitySource == nil {
		identitySource = func() identity.Identity { return identity.Identity{} }
	}
	interval := opts.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	prefix := ""
	if opts.LeadingSlash {
		prefix = "/"
	}
	return &Feed{
		broker:         opts.Broker,
		sink:           opts.Sink,
		identity:       identitySource,
		prefix:         prefix,
		scoped:         opts.Scoped,
		limiter:        rate.NewLimiter(rate.Every(interval), 1),
		onConnectivity: opts.OnConnectivity,
		logger:         opts.Logger.Named("feed"),
		metrics:        opts.Metrics,
	}, nil
}

// Run connects, subscribes and reconnects after connection loss until ctx
// is done. Connection attempts are paced by the reconnect interval. Events
// published while disconnected are lost; callers reconcile over REST.
func (f *Feed) Run(ctx context.Context) error {
	defer f.Close()
	first := true
	for {
		lost, err := f.connect(ctx, first)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		first = false

		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			f.setDisconnected()
			fields := map[string]string{}
			if err != nil {
				fields["error"] = err.Error()
			}
			f.logger.Warn("broker connection lost", fields)
		}
	}
}

func (f *Feed) connect(ctx context.Context, first bool) (<-chan error, error) {
	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			// The limiter fails early when the next slot is past the deadline.
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if !first || attempt > 1 {
			f.metrics.IncFeedReconnect()
		}
		lost := make(chan error, 1)
		err := f.broker.Connect(ctx, func(err error) {
			select {
			case lost <- err:
			default:
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warn("broker connect failed", map[string]string{
				"error":   err.Error(),
				"attempt": fmt.Sprint(attempt),
			})
			continue
		}

		f.mu.Lock()
		f.lost = lost
		f.filters = nil
		f.mu.Unlock()
		if err := f.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warn("broker subscribe failed", map[string]string{"error": err.Error()})
			f.broker.Disconnect()
			continue
		}
		f.metrics.SetFeedConnected(true)
		if f.onConnectivity != nil {
			f.onConnectivity(true)
		}
		f.logger.Info("broker connected", map[string]string{"phase": f.Phase().String()})
		return lost, nil
	}
}

// Refresh recomputes the subscription from the current identity. Call it
// whenever the identity changes. New filters are subscribed before old ones
// are dropped.
func (f *Feed) Refresh(ctx context.Context) error {
	ids := f.identity()
	want, phase := f.plan(ids)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost == nil {
		return nil
	}
	if slices.Equal(want, f.filters) && f.phase == phase {
		return nil
	}

	added := difference(want, f.filters)
	removed := difference(f.filters, want)
	if err := f.broker.Subscribe(ctx, added, f.handle); err != nil {
		return err
	}
	previous := f.phase
	f.filters = want
	f.phase = phase
	if err := f.broker.Unsubscribe(ctx, removed); err != nil {
		f.logger.Warn("broker unsubscribe failed", map[string]string{"error": err.Error()})
	}
	if previous != phase {
		f.logger.Info("subscription phase changed", map[string]string{
			"from": previous.String(),
			"to":   phase.String(),
		})
	}
	return nil
}

// plan narrows only once both ids are known; a half-known identity keeps
// the wildcard set so the phase never overstates the narrowing.
func (f *Feed) plan(ids identity.Identity) ([]string, Phase) {
	if f.scoped && ids.Scoped() {
		return topic.ScopedFilters(f.prefix, ids), PhaseScoped
	}
	return topic.WildcardFilters(f.prefix), PhaseUnscoped
}

func (f *Feed) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *Feed) Filters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.filters...)
}

// Close unsubscribes and disconnects. The broker is only touched when it
// reports a live connection.
func (f *Feed) Close() {
	f.mu.Lock()
	filters := f.filters
	wasOpen := f.lost != nil
	f.filters = nil
	f.lost = nil
	f.phase = PhaseDisconnected
	f.mu.Unlock()

	if f.broker.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := f.broker.Unsubscribe(ctx, filters); err != nil {
			f.logger.Debug("unsubscribe on close failed", map[string]string{"error": err.Error()})
		}
		cancel()
		f.broker.Disconnect()
	}
	if wasOpen {
		f.metrics.SetFeedConnected(false)
		if f.onConnectivity != nil {
			f.onConnectivity(false)
		}
	}
}

func (f *Feed) setDisconnected() {
	f.mu.Lock()
	f.filters = nil
	f.lost = nil
	f.phase = PhaseDisconnected
	f.mu.Unlock()
	f.metrics.SetFeedConnected(false)
	if f.onConnectivity != nil {
		f.onConnectivity(false)
	}
}

// handle routes one message with the identity read at dispatch time.
// Malformed or foreign messages are dropped and counted.
func (f *Feed) handle(raw string, payload []byte) {
	ev, err := topic.Route(raw, payload, f.identity())
	if err != nil {
		switch {
		case errors.Is(err, topic.ErrMalformedPayload):
			f.metrics.IncFeedMessage(metrics.OutcomeMalformed)
			f.logger.Warn("dropped malformed message", map[string]string{"topic": raw, "error": err.Error()})
		default:
			f.metrics.IncFeedMessage(metrics.OutcomeUnrouted)
			f.logger.Debug("dropped message", map[string]string{"topic": raw, "error": err.Error()})
		}
		return
	}
	f.metrics.IncFeedMessage(metrics.OutcomeRouted)
	f.sink.Apply(ev)
}

func difference(a, b []string) []string {
	var out []string
	for _, value := range a {
		if !slices.Contains(b, value) {
			out = append(out, value)
		}
	}
	return out
}
