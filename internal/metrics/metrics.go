package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Feed message outcomes.
const (
	OutcomeRouted    = "routed"
	OutcomeUnrouted  = "unrouted"
	OutcomeMalformed = "malformed"
)

type Registry struct {
	feedReconnects atomic.Int64
	feedConnected  atomic.Int64
	feedMessages   sync.Map
	storeActions   sync.Map
	restRequests   sync.Map
	sessionResets  atomic.Int64
	eventsDropped  atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncFeedMessage(outcome string) {
	if r == nil {
		return
	}
	counter(&r.feedMessages, labelOrUnknown(outcome)).Add(1)
}

func (r *Registry) IncFeedReconnect() {
	if r == nil {
		return
	}
	r.feedReconnects.Add(1)
}

func (r *Registry) SetFeedConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.feedConnected.Store(1)
		return
	}
	r.feedConnected.Store(0)
}

func (r *Registry) IncStoreAction(kind string) {
	if r == nil {
		return
	}
	counter(&r.storeActions, labelOrUnknown(kind)).Add(1)
}

// RecordRequest counts one REST call; status 0 means a transport failure.
func (r *Registry) RecordRequest(route string, status int) {
	if r == nil {
		return
	}
	key := labelOrUnknown(route) + "\x00" + strconv.Itoa(status)
	counter(&r.restRequests, key).Add(1)
}

func (r *Registry) IncSessionReset() {
	if r == nil {
		return
	}
	r.sessionResets.Add(1)
}

// IncEventDropped counts a store event a slow subscriber did not receive.
func (r *Registry) IncEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Add(1)
}

// FeedMessages returns the count for one outcome label.
func (r *Registry) FeedMessages(outcome string) int64 {
	if r == nil {
		return 0
	}
	return load(&r.feedMessages, outcome)
}

func (r *Registry) StoreActions(kind string) int64 {
	if r == nil {
		return 0
	}
	return load(&r.storeActions, kind)
}

func (r *Registry) Requests(route string, status int) int64 {
	if r == nil {
		return 0
	}
	return load(&r.restRequests, route+"\x00"+strconv.Itoa(status))
}

func (r *Registry) FeedReconnects() int64 {
	if r == nil {
		return 0
	}
	return r.feedReconnects.Load()
}

func (r *Registry) FeedConnected() bool {
	if r == nil {
		return false
	}
	return r.feedConnected.Load() == 1
}

func (r *Registry) SessionResets() int64 {
	if r == nil {
		return 0
	}
	return r.sessionResets.Load()
}

func (r *Registry) EventsDropped() int64 {
	if r == nil {
		return 0
	}
	return r.eventsDropped.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "wfsync_feed_reconnects_total", "Broker reconnect attempts", r.feedReconnects.Load())
	writeHelp(writer, "wfsync_feed_connected", "Broker connectivity (1 connected, 0 disconnected)")
	fmt.Fprintln(writer, "# TYPE wfsync_feed_connected gauge")
	fmt.Fprintf(writer, "wfsync_feed_connected %d\n", r.feedConnected.Load())
	writeCounter(writer, "wfsync_session_resets_total", "Forced logouts after authorization failures", r.sessionResets.Load())
	writeCounter(writer, "wfsync_store_events_dropped_total", "Store events not delivered to a full subscriber", r.eventsDropped.Load())

	writeHelp(writer, "wfsync_feed_messages_total", "Broker messages by routing outcome")
	fmt.Fprintln(writer, "# TYPE wfsync_feed_messages_total counter")
	for _, outcome := range keys(&r.feedMessages) {
		fmt.Fprintf(writer, "wfsync_feed_messages_total{outcome=%s} %d\n", formatLabel(outcome), load(&r.feedMessages, outcome))
	}

	writeHelp(writer, "wfsync_store_actions_total", "Store transitions applied by kind")
	fmt.Fprintln(writer, "# TYPE wfsync_store_actions_total counter")
	for _, kind := range keys(&r.storeActions) {
		fmt.Fprintf(writer, "wfsync_store_actions_total{kind=%s} %d\n", formatLabel(kind), load(&r.storeActions, kind))
	}

	writeHelp(writer, "wfsync_rest_requests_total", "REST requests by route and status")
	fmt.Fprintln(writer, "# TYPE wfsync_rest_requests_total counter")
	for _, key := range keys(&r.restRequests) {
		route, status, _ := strings.Cut(key, "\x00")
		fmt.Fprintf(writer, "wfsync_rest_requests_total{route=%s,status=%s} %d\n", formatLabel(route), formatLabel(status), load(&r.restRequests, key))
	}
	return nil
}

func counter(values *sync.Map, key string) *atomic.Int64 {
	value, _ := values.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func load(values *sync.Map, key string) int64 {
	value, ok := values.Load(key)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func keys(values *sync.Map) []string {
	var names []string
	values.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func labelOrUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
