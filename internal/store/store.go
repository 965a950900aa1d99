// Package store holds the client's view of activity managers: the ordered
// set of known managers, the focused process and the current manager.
//
// All transitions go through Dispatch and are applied under one lock, so a
// transition never observes a partially applied predecessor. Transitions
// never fail: unknown ids are ignored, since feed events can arrive late,
// duplicated or out of order.
package store

import (
	"sync"

	"wfsync/internal/activity"
	"wfsync/internal/event"
	"wfsync/internal/logging"
	"wfsync/internal/metrics"
	"wfsync/internal/topic"
)

// Publisher receives one event per applied transition, in application order.
type Publisher interface {
	Publish(event.StoreEvent)
}

type Options struct {
	Publisher Publisher
	Logger    *logging.Logger
	Metrics   *metrics.Registry
}

type Store struct {
	mu sync.Mutex

	byID             map[string]activity.Manager
	order            []string
	focusedProcessID string
	currentID        string
	defaultProcessID string
	workflows        []string
	connected        bool

	publisher Publisher
	logger    *logging.Logger
	metrics   *metrics.Registry
}

func New(opts Options) *Store {
	return &Store{
		byID:      make(map[string]activity.Manager),
		publisher: opts.Publisher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Apply is the feed sink: it converts a routed event and dispatches it.
func (s *Store) Apply(ev topic.Event) {
	action, ok := FromEvent(ev)
	if !ok {
		return
	}
	s.Dispatch(action)
}

// Dispatch applies one transition atomically.
func (s *Store) Dispatch(action Action) {
	if s == nil || action == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ev event.StoreEvent
	switch a := action.(type) {
	case Created:
		ev = s.createLocked(a.Manager)
	case Removed:
		ev = s.removeLocked(a.ID)
	case ActivityFocused:
		s.focusedProcessID = a.ProcessID
		if _, ok := s.byID[a.ID]; ok {
			s.currentID = a.ID
		} else {
			s.currentID = ""
		}
		ev = event.NewStoreEvent(event.TypeActivityFocused, a.ID, a.ProcessID, s.currentID)
	case ProcessFocused:
		s.focusedProcessID = a.ProcessID
		ev = event.NewStoreEvent(event.TypeProcessFocused, "", a.ProcessID, s.currentID)
	case Refreshed:
		s.refreshLocked(a.Managers)
		ev = event.NewStoreEvent(event.TypeActivityManagersRefresh, "", s.focusedProcessID, s.currentID)
	case CurrentSelected:
		if _, ok := s.byID[a.ID]; !ok {
			s.logger.Debug("select unknown activity manager ignored", map[string]string{"activity_manager_id": a.ID})
			return
		}
		s.currentID = a.ID
		s.focusedProcessID = s.byID[a.ID].ProcessID
		ev = event.NewStoreEvent(event.TypeCurrentSelected, a.ID, s.focusedProcessID, s.currentID)
	case DefaultProcessSet:
		s.defaultProcessID = a.ProcessID
		ev = event.NewStoreEvent(event.TypeDefaultProcessSet, "", a.ProcessID, s.currentID)
	case WorkflowsLoaded:
		s.workflows = append([]string(nil), a.Names...)
		ev = event.NewStoreEvent(event.TypeWorkflowsLoaded, "", "", s.currentID)
	case ConnectivityChanged:
		s.connected = a.Connected
		ev = event.NewStoreEvent(event.TypeConnectivityChanged, "", "", s.currentID)
	case Reset:
		s.byID = make(map[string]activity.Manager)
		s.order = nil
		s.focusedProcessID = ""
		s.currentID = ""
		s.defaultProcessID = ""
		s.workflows = nil
		ev = event.NewStoreEvent(event.TypeStoreReset, "", "", "")
	default:
		return
	}

	s.metrics.IncStoreAction(action.kind())
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

func (s *Store) createLocked(m activity.Manager) event.StoreEvent {
	if _, ok := s.byID[m.ID]; !ok {
		s.byID[m.ID] = m.Clone()
	}
	if indexOf(s.order, m.ID) < 0 {
		s.order = append(s.order, m.ID)
	}
	if s.focusedProcessID != "" && m.ProcessID == s.focusedProcessID {
		s.currentID = m.ID
	}
	return event.NewStoreEvent(event.TypeActivityManagerCreated, m.ID, m.ProcessID, s.currentID)
}

func (s *Store) removeLocked(id string) event.StoreEvent {
	processID := s.byID[id].ProcessID
	delete(s.byID, id)
	if idx := indexOf(s.order, id); idx >= 0 {
		s.order = append(s.order[:idx:idx], s.order[idx+1:]...)
	}
	if id != "" && id == s.currentID {
		s.currentID = ""
	}
	return event.NewStoreEvent(event.TypeActivityManagerRemoved, id, processID, s.currentID)
}

func (s *Store) refreshLocked(managers []activity.Manager) {
	byID := make(map[string]activity.Manager, len(managers))
	order := make([]string, 0, len(managers))
	for _, m := range managers {
		if m.ID == "" {
			continue
		}
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = m.Clone()
		order = append(order, m.ID)
	}
	s.byID = byID
	s.order = order

	s.currentID = ""
	if s.focusedProcessID == "" {
		return
	}
	for _, id := range order {
		if byID[id].ProcessID == s.focusedProcessID {
			s.currentID = id
			return
		}
	}
}

func indexOf(ids []string, id string) int {
	for i, existing := range ids {
		if existing == id {
			return i
		}
	}
	return -1
}
