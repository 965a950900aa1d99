package event

import (
	"testing"
	"time"
)

func TestNewStoreEvent(t *testing.T) {
	event := NewStoreEvent(TypeActivityManagerCreated, "A1", "P1", "A1")

	if event.Type() != TypeActivityManagerCreated {
		t.Fatalf("expected %s, got %q", TypeActivityManagerCreated, event.Type())
	}
	if event.ActivityManagerID != "A1" || event.ProcessID != "P1" || event.CurrentID != "A1" {
		t.Fatalf("unexpected event fields: %#v", event)
	}
	if event.Timestamp().Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", event.Timestamp().Location())
	}
	if time.Since(event.Timestamp()) > time.Minute {
		t.Fatalf("timestamp too old: %v", event.Timestamp())
	}
}
