// Package identity holds the session id, actor id and bearer token that scope
// the feed subscription and authorize REST calls.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Well-known keys.
const (
	KeySessionID = "session_id"
	KeyActorID   = "actor_id"
	KeyToken     = "token"
)

var Keys = []string{KeySessionID, KeyActorID, KeyToken}

var ErrClosed = errors.New("identity store closed")

// Store is the narrow key/value contract the sync layer needs. A missing
// key is reported with ok=false rather than an error.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Identity is a point-in-time read of all keys.
type Identity struct {
	SessionID string
	ActorID   string
	Token     string
}

// Authenticated reports whether a bearer token is present.
func (i Identity) Authenticated() bool {
	return strings.TrimSpace(i.Token) != ""
}

// Scoped reports whether both ids needed for a narrowed subscription are known.
func (i Identity) Scoped() bool {
	return i.SessionID != "" && i.ActorID != ""
}

// Snapshot reads every key. Read failures are returned alongside whatever
// could be read; callers treat missing values as unauthenticated.
func Snapshot(store Store) (Identity, error) {
	if store == nil {
		return Identity{}, nil
	}
	var (
		out  Identity
		errs []error
	)
	read := func(key string) string {
		value, ok, err := store.Get(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", key, err))
			return ""
		}
		if !ok {
			return ""
		}
		return strings.TrimSpace(value)
	}
	out.SessionID = read(KeySessionID)
	out.ActorID = read(KeyActorID)
	out.Token = read(KeyToken)
	return out, errors.Join(errs...)
}

// Save writes all non-empty fields and removes the empty ones.
func Save(store Store, id Identity) error {
	values := map[string]string{
		KeySessionID: id.SessionID,
		KeyActorID:   id.ActorID,
		KeyToken:     id.Token,
	}
	for _, key := range Keys {
		value := values[key]
		var err error
		if value == "" {
			err = store.Remove(key)
		} else {
			err = store.Set(key, value)
		}
		if err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}

// Clear removes every key.
func Clear(store Store) error {
	var errs []error
	for _, key := range Keys {
		if err := store.Remove(key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
