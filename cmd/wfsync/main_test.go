package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"wfsync/internal/feed"
	"wfsync/internal/identity"
	"wfsync/internal/logging"
	"wfsync/internal/session"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, entry := range os.Environ() {
		name, _, _ := strings.Cut(entry, "=")
		if strings.HasPrefix(name, "WFSYNC_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func startServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skip("local listener unavailable for httptest")
	}
	_ = listener.Close()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func runCLI(t *testing.T, deps dependencies, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runWith(args, &stdout, &stderr, deps)
	return code, stdout.String(), stderr.String()
}

func seedIdentity(t *testing.T, path string, ids identity.Identity) {
	t.Helper()
	store, err := identity.NewFileStore(path, identity.FileStoreOptions{})
	if err != nil {
		t.Fatalf("open identity file: %v", err)
	}
	if err := identity.Save(store, ids); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
}

func TestVersion(t *testing.T) {
	isolate(t)
	code, stdout, stderr := runCLI(t, dependencies{}, "version")
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if !strings.HasPrefix(stdout, "wfsync ") {
		t.Fatalf("unexpected version output %q", stdout)
	}
}

func TestConfigShowsOverridesAndSources(t *testing.T) {
	isolate(t)
	code, stdout, stderr := runCLI(t, dependencies{}, "config", "--sources", "--set", "broker.url=tcp://localhost:1883")
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, `url = "tcp://localhost:1883"`) {
		t.Fatalf("expected broker override in output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "# broker.url: flag") {
		t.Fatalf("expected flag source in output:\n%s", stdout)
	}
}

func TestInvalidConfigIsUsageError(t *testing.T) {
	isolate(t)
	code, _, stderr := runCLI(t, dependencies{}, "version", "--set", "broker.url=http://nope")
	if code != exitCodeUsage {
		t.Fatalf("expected usage exit, got %d", code)
	}
	if !strings.Contains(stderr, "unsupported scheme") {
		t.Fatalf("expected scheme error, got %q", stderr)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		value   string
		want    logging.Level
		wantErr bool
	}{
		{value: "debug", want: logging.LevelDebug},
		{value: " WARN ", want: logging.LevelWarning},
		{value: "error", want: logging.LevelError},
		{value: "loud", wantErr: true},
		{value: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.value)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseLogLevel(%q): expected error", tt.value)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("parseLogLevel(%q) = %q, %v; want %q", tt.value, got, err, tt.want)
		}
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	isolate(t)
	code, _, stderr := runCLI(t, dependencies{}, "version", "-o", "xml")
	if code != exitCodeUsage || !strings.Contains(stderr, "unknown output format") {
		t.Fatalf("expected output format error, got %d %q", code, stderr)
	}
}

func TestWorkflows(t *testing.T) {
	isolate(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workflows", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{{"name": "onboarding"}, {"name": "refund"}})
	})
	server := startServer(t, mux)

	code, stdout, stderr := runCLI(t, dependencies{}, "workflows", "--set", "api.base_url="+server.URL)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if stdout != "onboarding\nrefund\n" {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestStartWithFocusLoadsActivity(t *testing.T) {
	isolate(t)
	var gotPayload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows/name/{name}/start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]string{"process_id": "P1"})
	})
	mux.HandleFunc("GET /processes/{id}/activity", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "AM1",
			"process_id": r.PathValue("id"),
			"props":      map[string]string{"action": "USER_TASK"},
		})
	})
	server := startServer(t, mux)

	code, stdout, stderr := runCLI(t, dependencies{},
		"start", "onboarding", "--focus", "--payload", `{"plan":"basic"}`,
		"--set", "api.base_url="+server.URL)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if gotPayload["plan"] != "basic" {
		t.Fatalf("unexpected payload %v", gotPayload)
	}
	if stdout != "started onboarding process=P1\ncurrent AM1\n" {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestStartJSONListsProcessManagers(t *testing.T) {
	isolate(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows/name/{name}/start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"process_id": "P1"})
	})
	mux.HandleFunc("GET /processes/{id}/activity", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "AM1", "process_id": r.PathValue("id")})
	})
	server := startServer(t, mux)

	code, stdout, stderr := runCLI(t, dependencies{},
		"start", "onboarding", "--focus", "-o", "json", "--set", "api.base_url="+server.URL)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	var got struct {
		ProcessID       string `json:"process_id"`
		ProcessManagers []struct {
			ID string `json:"id"`
		} `json:"process_managers"`
	}
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if got.ProcessID != "P1" || len(got.ProcessManagers) != 1 || got.ProcessManagers[0].ID != "AM1" {
		t.Fatalf("unexpected output %+v", got)
	}
}

func TestStartRejectsBadPayload(t *testing.T) {
	isolate(t)
	code, _, stderr := runCLI(t, dependencies{}, "start", "onboarding", "--payload", "{")
	if code != exitCodeUsage || !strings.Contains(stderr, "invalid --payload JSON") {
		t.Fatalf("expected payload error, got %d %q", code, stderr)
	}
}

func TestSubmitWithEmptyRepliesSucceeds(t *testing.T) {
	isolate(t)
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /activity_manager/A1/submit", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "submit")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /processes/activity_manager/A1", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "status")
		w.WriteHeader(http.StatusNoContent)
	})
	server := startServer(t, mux)

	code, stdout, stderr := runCLI(t, dependencies{}, "submit", "A1", "--payload", `{"answer":"yes"}`, "--set", "api.base_url="+server.URL)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if stdout != "submitted A1\n" {
		t.Fatalf("unexpected output %q", stdout)
	}
	if len(calls) != 2 {
		t.Fatalf("expected submit and status calls, got %v", calls)
	}
}

func TestListYAML(t *testing.T) {
	isolate(t)
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /processes/available", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"id":"A1","process_id":"P1","props":{"action":"USER_TASK"},"due":"today"},{"id":"A2","process_id":"P2"}]`))
	})
	server := startServer(t, mux)

	code, stdout, stderr := runCLI(t, dependencies{},
		"list", "--filter", "status=open", "-o", "yaml", "--set", "api.base_url="+server.URL)
	if code != exitCodeSuccess {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if gotQuery != "status=open" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	var views []managerView
	if err := yaml.Unmarshal([]byte(stdout), &views); err != nil {
		t.Fatalf("decode yaml: %v\n%s", err, stdout)
	}
	if len(views) != 2 || views[0].ID != "A1" || views[0].Action != "USER_TASK" || views[0].Fields["due"] != "today" {
		t.Fatalf("unexpected views %+v", views)
	}
}

func TestUnauthorizedExitCode(t *testing.T) {
	isolate(t)
	server := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"token expired"}`, http.StatusUnauthorized)
	}))
	code, _, stderr := runCLI(t, dependencies{}, "workflows", "--set", "api.base_url="+server.URL)
	if code != exitCodeUnauthorized {
		t.Fatalf("expected unauthorized exit, got %d: %s", code, stderr)
	}
}

func TestRejectedAndNetworkExitCodes(t *testing.T) {
	isolate(t)
	server := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	if code, _, _ := runCLI(t, dependencies{}, "workflows", "--set", "api.base_url="+server.URL); code != exitCodeRejected {
		t.Fatalf("expected rejected exit, got %d", code)
	}
	if code, _, _ := runCLI(t, dependencies{}, "workflows", "--set", "api.base_url=http://127.0.0.1:1"); code != exitCodeNetwork {
		t.Fatalf("expected network exit, got %d", code)
	}
}

func TestLoginPersistsIdentityForLaterCommands(t *testing.T) {
	isolate(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, session.Claims{
		AccountID: "ACC", ActorID: "U1", SessionID: "S1",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var (
		mu      sync.Mutex
		gotAuth string
		gotBody map[string]string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"token": token, "claims": []string{"user"}})
	})
	mux.HandleFunc("GET /workflows", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})
	server := startServer(t, mux)
	identityPath := filepath.Join(t.TempDir(), "identity.json")
	common := []string{
		"--set", "api.base_url=" + server.URL,
		"--set", "identity.backend=file",
		"--set", "identity.path=" + identityPath,
	}

	args := append([]string{"login", "--url", server.URL + "/login", "--field", "user=alice"}, common...)
	code, stdout, stderr := runCLI(t, dependencies{}, args...)
	if code != exitCodeSuccess {
		t.Fatalf("login failed %d: %s", code, stderr)
	}
	if stdout != "logged in session=S1 actor=U1\n" {
		t.Fatalf("unexpected login output %q", stdout)
	}

	code, _, stderr = runCLI(t, dependencies{}, append([]string{"workflows"}, common...)...)
	if code != exitCodeSuccess {
		t.Fatalf("workflows failed %d: %s", code, stderr)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotBody["user"] != "alice" {
		t.Fatalf("unexpected login body %v", gotBody)
	}
	if gotAuth != "Bearer "+token {
		t.Fatalf("expected stored bearer token, got %q", gotAuth)
	}

	code, stdout, _ = runCLI(t, dependencies{}, append([]string{"logout"}, common...)...)
	if code != exitCodeSuccess || stdout != "logged out\n" {
		t.Fatalf("logout failed %d %q", code, stdout)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	isolate(t)
	server := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	code, _, _ := runCLI(t, dependencies{}, "login", "--url", server.URL, "--body", `{"user":"x"}`)
	if code != exitCodeUnauthorized {
		t.Fatalf("expected unauthorized exit, got %d", code)
	}
}

type deliveringBroker struct {
	mu        sync.Mutex
	connected bool
	delivered bool
}

func (b *deliveringBroker) Connect(context.Context, func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *deliveringBroker) Subscribe(_ context.Context, filters []string, handler feed.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delivered || len(filters) == 0 {
		return nil
	}
	b.delivered = true
	go handler("/session/S1/am/create", []byte(`{"id":"A1","process_id":"P1"}`))
	return nil
}

func (b *deliveringBroker) Unsubscribe(context.Context, []string) error { return nil }

func (b *deliveringBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *deliveringBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func TestWatchPrintsFeedEvents(t *testing.T) {
	isolate(t)
	identityPath := filepath.Join(t.TempDir(), "identity.json")
	seedIdentity(t, identityPath, identity.Identity{SessionID: "S1", ActorID: "U1", Token: "tok"})

	code, stdout, stderr := runCLI(t, dependencies{Broker: &deliveringBroker{}},
		"watch", "--for", "300ms",
		"--set", "identity.backend=file",
		"--set", "identity.path="+identityPath,
	)
	if code != exitCodeSuccess {
		t.Fatalf("watch failed %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "connectivity_changed") {
		t.Fatalf("expected connectivity event, got %q", stdout)
	}
	if !strings.Contains(stdout, "activity_manager_created am=A1 process=P1") {
		t.Fatalf("expected created event, got %q", stdout)
	}
}

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitCodeSuccess},
		{name: "invalid credentials", err: session.ErrInvalidCredentials, want: exitCodeUnauthorized},
		{name: "plain", err: os.ErrInvalid, want: exitCodeUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
