package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	file, err := NewFileStore(filepath.Join(dir, "identity.json"), FileStoreOptions{})
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	db, err := OpenSQLiteStore(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   file,
		"sqlite": db,
	}
}

func TestStoresGetSetRemove(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Get(KeySessionID); err != nil || ok {
				t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
			}
			if err := store.Set(KeySessionID, "S1"); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := store.Set(KeySessionID, "S2"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			value, ok, err := store.Get(KeySessionID)
			if err != nil || !ok || value != "S2" {
				t.Fatalf("expected S2, got %q ok=%v err=%v", value, ok, err)
			}
			if err := store.Remove(KeySessionID); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if err := store.Remove(KeySessionID); err != nil {
				t.Fatalf("remove missing: %v", err)
			}
			if _, ok, _ := store.Get(KeySessionID); ok {
				t.Fatal("expected key removed")
			}
		})
	}
}

func TestSnapshotSaveClear(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			want := Identity{SessionID: "S1", ActorID: "U1", Token: "tok"}
			if err := Save(store, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := Snapshot(store)
			if err != nil || got != want {
				t.Fatalf("expected %#v, got %#v (%v)", want, got, err)
			}
			if !got.Authenticated() || !got.Scoped() {
				t.Fatalf("expected authenticated scoped identity")
			}

			if err := Save(store, Identity{SessionID: "S2"}); err != nil {
				t.Fatalf("partial save: %v", err)
			}
			got, _ = Snapshot(store)
			if got != (Identity{SessionID: "S2"}) {
				t.Fatalf("expected only session id, got %#v", got)
			}

			if err := Clear(store); err != nil {
				t.Fatalf("clear: %v", err)
			}
			got, _ = Snapshot(store)
			if got.Authenticated() || got.Scoped() || got.SessionID != "" {
				t.Fatalf("expected empty identity, got %#v", got)
			}
		})
	}
}

func TestSnapshotNilStore(t *testing.T) {
	got, err := Snapshot(nil)
	if err != nil || got != (Identity{}) {
		t.Fatalf("expected empty identity, got %#v %v", got, err)
	}
}

func TestFileStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.json")
	store, err := NewFileStore(path, FileStoreOptions{})
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if err := store.Set(KeyToken, "secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := NewFileStore(path, FileStoreOptions{})
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if _, _, err := store.Get(KeySessionID); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFileStoreWatchReportsExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	store, err := NewFileStore(path, FileStoreOptions{Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Identity, 4)
	if err := store.Watch(ctx, func(id Identity) { changes <- id }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	other, err := NewFileStore(path, FileStoreOptions{})
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if err := Save(other, Identity{SessionID: "S9", ActorID: "U9"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-changes:
			if got.SessionID != "S9" {
				t.Fatalf("unexpected identity %#v", got)
			}
			if got.ActorID == "U9" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for identity change")
		}
	}
}

func TestSQLiteStoreClosed(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Set(KeyToken, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
