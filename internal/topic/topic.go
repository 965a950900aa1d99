// Package topic parses broker topics of the form
// {scope}/{scopeId}/{resource}/{action} and maps them to domain events.
package topic

import (
	"errors"
	"fmt"
	"strings"

	"wfsync/internal/identity"
)

type Scope string

const (
	ScopeSession Scope = "session"
	ScopeActor   Scope = "actor"
)

type Resource string

const (
	ResourceActivityManager Resource = "am"
	ResourceProcess         Resource = "process"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionRemove Action = "remove"
	ActionFocus  Action = "focus"
)

var (
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrForeignScope     = errors.New("topic scope does not match current identity")
	ErrMalformedPayload = errors.New("malformed payload")
)

var (
	scopes    = []Scope{ScopeSession, ScopeActor}
	resources = []Resource{ResourceActivityManager, ResourceProcess}
)

// Topic is a parsed broker topic.
type Topic struct {
	Scope    Scope
	ScopeID  string
	Resource Resource
	Action   Action
}

// Parse splits a topic string. One leading slash is accepted because the
// workflow engine publishes rooted topics.
func Parse(raw string) (Topic, error) {
	trimmed := strings.TrimPrefix(raw, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 4 {
		return Topic{}, fmt.Errorf("%w: %q", ErrUnknownTopic, raw)
	}
	t := Topic{
		Scope:    Scope(parts[0]),
		ScopeID:  parts[1],
		Resource: Resource(parts[2]),
		Action:   Action(parts[3]),
	}
	switch t.Scope {
	case ScopeSession, ScopeActor:
	default:
		return Topic{}, fmt.Errorf("%w: scope %q", ErrUnknownTopic, parts[0])
	}
	switch t.Resource {
	case ResourceActivityManager, ResourceProcess:
	default:
		return Topic{}, fmt.Errorf("%w: resource %q", ErrUnknownTopic, parts[2])
	}
	switch t.Action {
	case ActionCreate, ActionRemove, ActionFocus:
	default:
		return Topic{}, fmt.Errorf("%w: action %q", ErrUnknownTopic, parts[3])
	}
	if t.ScopeID == "" || t.ScopeID == "+" || t.ScopeID == "#" {
		return Topic{}, fmt.Errorf("%w: scope id %q", ErrUnknownTopic, t.ScopeID)
	}
	return t, nil
}

// Format renders the topic with the given prefix ("/" or "").
func (t Topic) Format(prefix string) string {
	return prefix + string(t.Scope) + "/" + t.ScopeID + "/" + string(t.Resource) + "/" + string(t.Action)
}

// MatchesIdentity reports whether the topic is addressed to the caller.
// Empty ids never match.
func (t Topic) MatchesIdentity(ids identity.Identity) bool {
	switch t.Scope {
	case ScopeSession:
		return ids.SessionID != "" && t.ScopeID == ids.SessionID
	case ScopeActor:
		return ids.ActorID != "" && t.ScopeID == ids.ActorID
	default:
		return false
	}
}

// WildcardFilters subscribes to every session and actor. Used before the
// concrete ids are known.
func WildcardFilters(prefix string) []string {
	filters := make([]string, 0, len(scopes)*len(resources))
	for _, scope := range scopes {
		for _, resource := range resources {
			filters = append(filters, prefix+string(scope)+"/+/"+string(resource)+"/#")
		}
	}
	return filters
}

// ScopedFilters narrows the subscription to the caller's session and actor.
// A scope whose id is unknown keeps its wildcard.
func ScopedFilters(prefix string, ids identity.Identity) []string {
	filters := make([]string, 0, len(scopes)*len(resources))
	for _, scope := range scopes {
		id := "+"
		switch scope {
		case ScopeSession:
			if ids.SessionID != "" {
				id = ids.SessionID
			}
		case ScopeActor:
			if ids.ActorID != "" {
				id = ids.ActorID
			}
		}
		for _, resource := range resources {
			filters = append(filters, prefix+string(scope)+"/"+id+"/"+string(resource)+"/#")
		}
	}
	return filters
}
