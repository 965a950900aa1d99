package store

import "wfsync/internal/activity"

// Snapshot is a point-in-time copy of the store. It shares no memory with
// the store and is safe to hand to other goroutines.
type Snapshot struct {
	Managers         []activity.Manager
	CurrentID        string
	FocusedProcessID string
	DefaultProcessID string
	Workflows        []string
	Connected        bool
}

// Current returns the current manager, if one is selected.
func (s Snapshot) Current() (activity.Manager, bool) {
	if s.CurrentID == "" {
		return activity.Manager{}, false
	}
	for _, m := range s.Managers {
		if m.ID == s.CurrentID {
			return m, true
		}
	}
	return activity.Manager{}, false
}

// ForProcess returns the managers bound to processID, in store order.
func (s Snapshot) ForProcess(processID string) []activity.Manager {
	var out []activity.Manager
	for _, m := range s.Managers {
		if m.ProcessID == processID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	managers := make([]activity.Manager, 0, len(s.order))
	for _, id := range s.order {
		managers = append(managers, s.byID[id].Clone())
	}
	return Snapshot{
		Managers:         managers,
		CurrentID:        s.currentID,
		FocusedProcessID: s.focusedProcessID,
		DefaultProcessID: s.defaultProcessID,
		Workflows:        append([]string(nil), s.workflows...),
		Connected:        s.connected,
	}
}

// Current returns the current manager, if one is selected.
func (s *Store) Current() (activity.Manager, bool) {
	if s == nil {
		return activity.Manager{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID == "" {
		return activity.Manager{}, false
	}
	m, ok := s.byID[s.currentID]
	if !ok {
		return activity.Manager{}, false
	}
	return m.Clone(), true
}

// Get looks up a manager by id.
func (s *Store) Get(id string) (activity.Manager, bool) {
	if s == nil {
		return activity.Manager{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return activity.Manager{}, false
	}
	return m.Clone(), true
}

func (s *Store) FocusedProcessID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusedProcessID
}

func (s *Store) DefaultProcessID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultProcessID
}
