package store

import (
	"wfsync/internal/activity"
	"wfsync/internal/topic"
)

// Action is a store transition. Feed events and reconciliation results are
// both expressed as actions so they share one dispatch path.
type Action interface {
	kind() string
}

// Created inserts a manager, keyed by id. Re-creating a known id keeps
// the stored record.
type Created struct {
	Manager activity.Manager
}

// Removed deletes a manager; unknown ids are ignored.
type Removed struct {
	ID string
}

// ActivityFocused moves focus to a process and selects one of its managers.
type ActivityFocused struct {
	ProcessID string
	ID        string
}

// ProcessFocused only moves focus. The current manager is resolved later by
// a create event or a bulk refresh.
type ProcessFocused struct {
	ProcessID string
}

// Refreshed replaces the whole set with an authoritative list, in response
// order.
type Refreshed struct {
	Managers []activity.Manager
}

// CurrentSelected selects a known manager and focuses its process, so the
// current manager always belongs to the focused process.
type CurrentSelected struct {
	ID string
}

type DefaultProcessSet struct {
	ProcessID string
}

type WorkflowsLoaded struct {
	Names []string
}

type ConnectivityChanged struct {
	Connected bool
}

// Reset returns the store to its initial state (logout, session reset).
type Reset struct{}

func (Created) kind() string             { return "created" }
func (Removed) kind() string             { return "removed" }
func (ActivityFocused) kind() string     { return "activity_focused" }
func (ProcessFocused) kind() string      { return "process_focused" }
func (Refreshed) kind() string           { return "refreshed" }
func (CurrentSelected) kind() string     { return "current_selected" }
func (DefaultProcessSet) kind() string   { return "default_process_set" }
func (WorkflowsLoaded) kind() string     { return "workflows_loaded" }
func (ConnectivityChanged) kind() string { return "connectivity_changed" }
func (Reset) kind() string               { return "reset" }

// FromEvent converts a routed feed event into its store action.
func FromEvent(ev topic.Event) (Action, bool) {
	switch e := ev.(type) {
	case topic.ActivityManagerCreated:
		return Created{Manager: e.Manager}, true
	case topic.ActivityManagerRemoved:
		return Removed{ID: e.ID}, true
	case topic.ActivityFocused:
		return ActivityFocused{ProcessID: e.ProcessID, ID: e.ActivityManagerID}, true
	case topic.ProcessFocused:
		return ProcessFocused{ProcessID: e.ProcessID}, true
	default:
		return nil, false
	}
}
