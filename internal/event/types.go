package event

import "time"

// Store event types, one per applied transition.
const (
	TypeActivityManagerCreated  = "activity_manager_created"
	TypeActivityManagerRemoved  = "activity_manager_removed"
	TypeActivityFocused         = "activity_focused"
	TypeProcessFocused          = "process_focused"
	TypeActivityManagersRefresh = "activity_managers_refreshed"
	TypeCurrentSelected         = "current_selected"
	TypeDefaultProcessSet       = "default_process_set"
	TypeWorkflowsLoaded         = "workflows_loaded"
	TypeConnectivityChanged     = "connectivity_changed"
	TypeStoreReset              = "store_reset"
)

// StoreEvent is published after the store applied a transition. It carries
// the ids touched by the transition and the resulting current selection so
// subscribers can decide whether to re-read a snapshot.
type StoreEvent struct {
	EventType         string
	ActivityManagerID string
	ProcessID         string
	CurrentID         string
	OccurredAt        time.Time
}

func NewStoreEvent(eventType, activityManagerID, processID, currentID string) StoreEvent {
	return StoreEvent{
		EventType:         eventType,
		ActivityManagerID: activityManagerID,
		ProcessID:         processID,
		CurrentID:         currentID,
		OccurredAt:        time.Now().UTC(),
	}
}

func (e StoreEvent) Type() string {
	return e.EventType
}

func (e StoreEvent) Timestamp() time.Time {
	return e.OccurredAt
}
