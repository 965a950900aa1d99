// Package activity defines the activity manager record shared by the feed,
// the REST client and the store.
package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMissingID = errors.New("activity manager id is required")

// Manager is a unit of pending workflow work bound to a process. Only the
// fields below are interpreted; the original JSON object is retained in Raw
// so every other field reaches presentation layers untouched.
type Manager struct {
	ID        string
	ProcessID string
	Props     Props
	Raw       json.RawMessage
}

type Props struct {
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
}

type wireManager struct {
	ID        string `json:"id"`
	ProcessID string `json:"process_id"`
	Props     Props  `json:"props"`
}

func (m *Manager) UnmarshalJSON(data []byte) error {
	var wire wireManager
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = strings.TrimSpace(wire.ID)
	m.ProcessID = strings.TrimSpace(wire.ProcessID)
	m.Props = wire.Props
	m.Raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

func (m Manager) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(wireManager{ID: m.ID, ProcessID: m.ProcessID, Props: m.Props})
}

// Decode parses one activity manager and requires an id.
func Decode(data []byte) (Manager, error) {
	var m Manager
	if err := json.Unmarshal(data, &m); err != nil {
		return Manager{}, fmt.Errorf("decode activity manager: %w", err)
	}
	if m.ID == "" {
		return Manager{}, ErrMissingID
	}
	return m, nil
}

// DecodeList parses a JSON array of activity managers. Entries without an
// id are skipped; order is preserved.
func DecodeList(data []byte) ([]Manager, error) {
	var list []Manager
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode activity manager list: %w", err)
	}
	out := list[:0]
	for _, m := range list {
		if m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Clone returns a copy that shares no memory with m.
func (m Manager) Clone() Manager {
	out := m
	if m.Raw != nil {
		out.Raw = append(json.RawMessage(nil), m.Raw...)
	}
	return out
}

// Fields returns the full decoded object, including fields the sync layer
// does not interpret.
func (m Manager) Fields() map[string]any {
	data, err := m.MarshalJSON()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
