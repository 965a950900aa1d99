package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wfsync/internal/activity"
	"wfsync/internal/identity"
)

// Event is a normalized inbound feed message. The set of implementations
// is closed: exactly one per row of the routing table.
type Event interface {
	Kind() string
	isEvent()
}

type ActivityManagerCreated struct {
	Manager activity.Manager
}

type ActivityManagerRemoved struct {
	ID string
}

type ActivityFocused struct {
	ProcessID         string
	ActivityManagerID string
}

type ProcessFocused struct {
	ProcessID string
}

func (ActivityManagerCreated) Kind() string { return "activity_manager_created" }
func (ActivityManagerRemoved) Kind() string { return "activity_manager_removed" }
func (ActivityFocused) Kind() string        { return "activity_focused" }
func (ProcessFocused) Kind() string         { return "process_focused" }

func (ActivityManagerCreated) isEvent() {}
func (ActivityManagerRemoved) isEvent() {}
func (ActivityFocused) isEvent()        {}
func (ProcessFocused) isEvent()         {}

// RemovePayload is the body of an am/remove message.
type RemovePayload struct {
	ActivityManagerID string `json:"activity_manager_id"`
}

// FocusPayload is the body of am/focus and process/focus messages.
type FocusPayload struct {
	ProcessID string `json:"process_id"`
	ID        string `json:"id"`
}

// Route maps one broker message to a domain event. The identity is the one
// current at dispatch time, so messages matched by a wildcard subscription
// are still filtered to the caller. A nil event is always paired with an
// error wrapping ErrUnknownTopic, ErrForeignScope or ErrMalformedPayload;
// Route never panics on bad input.
func Route(raw string, payload []byte, ids identity.Identity) (Event, error) {
	t, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if !t.MatchesIdentity(ids) {
		return nil, fmt.Errorf("%w: %s", ErrForeignScope, raw)
	}

	switch {
	case t.Resource == ResourceActivityManager && t.Action == ActionCreate:
		manager, err := activity.Decode(payload)
		if err != nil {
			return nil, malformed(raw, err)
		}
		return ActivityManagerCreated{Manager: manager}, nil

	case t.Resource == ResourceActivityManager && t.Action == ActionRemove:
		var body RemovePayload
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, malformed(raw, err)
		}
		id := strings.TrimSpace(body.ActivityManagerID)
		if id == "" {
			return nil, malformed(raw, errors.New("activity_manager_id is required"))
		}
		return ActivityManagerRemoved{ID: id}, nil

	case t.Resource == ResourceActivityManager && t.Action == ActionFocus:
		body, err := decodeFocus(payload)
		if err != nil {
			return nil, malformed(raw, err)
		}
		return ActivityFocused{ProcessID: body.ProcessID, ActivityManagerID: body.ID}, nil

	case t.Resource == ResourceProcess && t.Action == ActionFocus:
		body, err := decodeFocus(payload)
		if err != nil {
			return nil, malformed(raw, err)
		}
		return ProcessFocused{ProcessID: body.ProcessID}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, raw)
}

func decodeFocus(payload []byte) (FocusPayload, error) {
	var body FocusPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return FocusPayload{}, err
	}
	body.ProcessID = strings.TrimSpace(body.ProcessID)
	body.ID = strings.TrimSpace(body.ID)
	if body.ProcessID == "" {
		return FocusPayload{}, errors.New("process_id is required")
	}
	return body, nil
}

func malformed(raw string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, raw, err)
}
