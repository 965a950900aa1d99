package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"wfsync/internal/identity"
	"wfsync/internal/logging"
	"wfsync/internal/metrics"
	"wfsync/internal/topic"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBroker struct {
	mu          sync.Mutex
	connected   bool
	connectErrs []error
	connects    int
	disconnects int
	ops         []string
	handler     MessageHandler
	onLost      func(error)
}

func (b *fakeBroker) Connect(_ context.Context, onLost func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		return err
	}
	b.connected = true
	b.onLost = onLost
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, filters []string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(filters) > 0 {
		b.ops = append(b.ops, "sub "+strings.Join(filters, ","))
	}
	b.handler = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, filters []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(filters) > 0 {
		b.ops = append(b.ops, "unsub "+strings.Join(filters, ","))
	}
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.disconnects++
}

func (b *fakeBroker) deliver(topic string, payload string) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	handler(topic, []byte(payload))
}

func (b *fakeBroker) drop(err error) {
	b.mu.Lock()
	b.connected = false
	onLost := b.onLost
	b.mu.Unlock()
	onLost(err)
}

func (b *fakeBroker) snapshot() (ops []string, connects, disconnects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...), b.connects, b.disconnects
}

type recordingSink struct {
	mu     sync.Mutex
	events []topic.Event
}

func (s *recordingSink) Apply(ev topic.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []topic.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]topic.Event(nil), s.events...)
}

type identityBox struct {
	mu  sync.Mutex
	ids identity.Identity
}

func (b *identityBox) Get() identity.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ids
}

func (b *identityBox) Set(ids identity.Identity) {
	b.mu.Lock()
	b.ids = ids
	b.mu.Unlock()
}

type harness struct {
	broker   *fakeBroker
	sink     *recordingSink
	ids      *identityBox
	metrics  *metrics.Registry
	feed     *Feed
	cancel   context.CancelFunc
	done     chan error
	statuses atomic.Int32
}

func startHarness(t *testing.T, broker *fakeBroker, ids identity.Identity, scoped bool) *harness {
	t.Helper()
	h := &harness{
		broker:  broker,
		sink:    &recordingSink{},
		ids:     &identityBox{ids: ids},
		metrics: &metrics.Registry{},
		done:    make(chan error, 1),
	}
	feed, err := New(Options{
		Broker:            broker,
		Sink:              h.sink,
		Identity:          h.ids.Get,
		LeadingSlash:      true,
		Scoped:            scoped,
		ReconnectInterval: time.Millisecond,
		OnConnectivity: func(connected bool) {
			if connected {
				h.statuses.Add(1)
			}
		},
		Logger:  logging.Discard(),
		Metrics: h.metrics,
	})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	h.feed = feed
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- feed.Run(ctx) }()
	t.Cleanup(h.stop)
	waitFor(t, func() bool { return h.statuses.Load() >= 1 })
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.done <- nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRunStartsUnscopedWithoutIdentity(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{}, true)

	if h.feed.Phase() != PhaseUnscoped {
		t.Fatalf("expected unscoped phase, got %s", h.feed.Phase())
	}
	if diff := cmp.Diff(topic.WildcardFilters("/"), h.feed.Filters()); diff != "" {
		t.Fatalf("filters mismatch (-want +got):\n%s", diff)
	}
	if !h.metrics.FeedConnected() {
		t.Fatalf("expected connected gauge set")
	}
}

func TestRefreshNarrowsBeforeDroppingWildcards(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{}, true)

	h.ids.Set(identity.Identity{SessionID: "S1", ActorID: "U1"})
	if err := h.feed.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if h.feed.Phase() != PhaseScoped {
		t.Fatalf("expected scoped phase, got %s", h.feed.Phase())
	}
	ops, _, _ := h.broker.snapshot()
	want := []string{
		"sub " + strings.Join(topic.WildcardFilters("/"), ","),
		"sub /session/S1/am/#,/session/S1/process/#,/actor/U1/am/#,/actor/U1/process/#",
		"unsub " + strings.Join(topic.WildcardFilters("/"), ","),
	}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}

	if err := h.feed.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	again, _, _ := h.broker.snapshot()
	if len(again) != len(ops) {
		t.Fatalf("expected unchanged identity to be a no-op, got %v", again)
	}
}

func TestHalfKnownIdentityStaysUnscoped(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{}, true)

	h.ids.Set(identity.Identity{SessionID: "S1"})
	if err := h.feed.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.feed.Phase() != PhaseUnscoped {
		t.Fatalf("expected unscoped phase with only a session id, got %s", h.feed.Phase())
	}
	if diff := cmp.Diff(topic.WildcardFilters("/"), h.feed.Filters()); diff != "" {
		t.Fatalf("filters mismatch (-want +got):\n%s", diff)
	}

	h.ids.Set(identity.Identity{SessionID: "S1", ActorID: "U1"})
	if err := h.feed.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.feed.Phase() != PhaseScoped {
		t.Fatalf("expected scoped phase once both ids are known, got %s", h.feed.Phase())
	}
}

func TestLogoutWidensSubscription(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{SessionID: "S1", ActorID: "U1"}, true)
	if h.feed.Phase() != PhaseScoped {
		t.Fatalf("expected scoped phase, got %s", h.feed.Phase())
	}

	h.ids.Set(identity.Identity{})
	if err := h.feed.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.feed.Phase() != PhaseUnscoped {
		t.Fatalf("expected unscoped phase, got %s", h.feed.Phase())
	}
}

func TestUnscopedConfigurationNeverNarrows(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{SessionID: "S1", ActorID: "U1"}, false)

	if h.feed.Phase() != PhaseUnscoped {
		t.Fatalf("expected unscoped phase, got %s", h.feed.Phase())
	}
	h.broker.deliver("/session/S2/am/create", `{"id":"A9"}`)
	h.broker.deliver("/session/S1/am/create", `{"id":"A1","process_id":"P1"}`)

	events := h.sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected only own session routed, got %v", events)
	}
}

func TestMessageArrivingBeforeNarrowingIsRouted(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{}, true)

	h.ids.Set(identity.Identity{SessionID: "S1", ActorID: "U1"})
	h.broker.deliver("/session/S1/am/create", `{"id":"A1","process_id":"P1"}`)

	events := h.sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected message routed with the new identity, got %v", events)
	}
	created, ok := events[0].(topic.ActivityManagerCreated)
	if !ok || created.Manager.ID != "A1" {
		t.Fatalf("unexpected event %#v", events[0])
	}
}

func TestHandleCountsOutcomes(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{SessionID: "S1", ActorID: "U1"}, true)

	h.broker.deliver("/session/S1/am/remove", `{"activity_manager_id":"A1"}`)
	h.broker.deliver("/actor/U1/process/focus", `{"process_id":"P1"}`)
	h.broker.deliver("/session/S1/am/create", `not json`)
	h.broker.deliver("/session/S1/widget/create", `{}`)

	if got := h.metrics.FeedMessages(metrics.OutcomeRouted); got != 2 {
		t.Fatalf("expected 2 routed, got %d", got)
	}
	if got := h.metrics.FeedMessages(metrics.OutcomeMalformed); got != 1 {
		t.Fatalf("expected 1 malformed, got %d", got)
	}
	if got := h.metrics.FeedMessages(metrics.OutcomeUnrouted); got != 1 {
		t.Fatalf("expected 1 unrouted, got %d", got)
	}
	want := []topic.Event{
		topic.ActivityManagerRemoved{ID: "A1"},
		topic.ProcessFocused{ProcessID: "P1"},
	}
	if diff := cmp.Diff(want, h.sink.Events()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	h := startHarness(t, &fakeBroker{}, identity.Identity{SessionID: "S1", ActorID: "U1"}, true)

	h.broker.drop(errors.New("keepalive timeout"))
	waitFor(t, func() bool {
		_, connects, _ := h.broker.snapshot()
		return connects == 2 && h.statuses.Load() == 2
	})

	ops, _, _ := h.broker.snapshot()
	scoped := "sub /session/S1/am/#,/session/S1/process/#,/actor/U1/am/#,/actor/U1/process/#"
	if diff := cmp.Diff([]string{scoped, scoped}, ops); diff != "" {
		t.Fatalf("expected resubscribe after reconnect (-want +got):\n%s", diff)
	}
	if h.metrics.FeedReconnects() != 1 {
		t.Fatalf("expected one reconnect, got %d", h.metrics.FeedReconnects())
	}
	if h.statuses.Load() != 2 {
		t.Fatalf("expected two connected notifications, got %d", h.statuses.Load())
	}
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	broker := &fakeBroker{connectErrs: []error{errors.New("refused"), errors.New("refused")}}
	h := startHarness(t, broker, identity.Identity{}, true)

	_, connects, _ := broker.snapshot()
	if connects != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", connects)
	}
	if h.metrics.FeedReconnects() != 2 {
		t.Fatalf("expected 2 retries counted, got %d", h.metrics.FeedReconnects())
	}
}

func TestStopDisconnectsLiveConnection(t *testing.T) {
	broker := &fakeBroker{}
	h := startHarness(t, broker, identity.Identity{}, true)

	h.stop()

	ops, _, disconnects := broker.snapshot()
	if disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", disconnects)
	}
	if !strings.HasPrefix(ops[len(ops)-1], "unsub ") {
		t.Fatalf("expected unsubscribe before disconnect, got %v", ops)
	}
	if h.feed.Phase() != PhaseDisconnected {
		t.Fatalf("expected disconnected phase")
	}
}

func TestCloseSkipsDeadConnection(t *testing.T) {
	broker := &fakeBroker{}
	h := startHarness(t, broker, identity.Identity{}, true)

	broker.mu.Lock()
	broker.connected = false
	broker.mu.Unlock()
	h.feed.Close()

	_, _, disconnects := broker.snapshot()
	if disconnects != 0 {
		t.Fatalf("expected no disconnect on a dead connection, got %d", disconnects)
	}
}

func TestRunStopsWhileConnecting(t *testing.T) {
	broker := &fakeBroker{}
	for i := 0; i < 1000; i++ {
		broker.connectErrs = append(broker.connectErrs, errors.New("refused"))
	}
	feed, err := New(Options{Broker: broker, Sink: &recordingSink{}, ReconnectInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := feed.Run(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Sink: &recordingSink{}}); err == nil {
		t.Fatalf("expected broker error")
	}
	if _, err := New(Options{Broker: &fakeBroker{}}); err == nil {
		t.Fatalf("expected sink error")
	}
}

func TestPhaseString(t *testing.T) {
	for phase, want := range map[Phase]string{
		PhaseDisconnected: "disconnected",
		PhaseUnscoped:     "unscoped",
		PhaseScoped:       "scoped",
	} {
		if phase.String() != want {
			t.Fatalf("expected %q, got %q", want, phase.String())
		}
	}
}
