// Package session logs the client in and out. Login stores the token and the
// session and actor ids read from its claims; logout clears them and runs
// the registered reset hooks.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"wfsync/internal/client"
	"wfsync/internal/identity"
	"wfsync/internal/logging"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type State string

const (
	StateLoggedOut State = "logged_out"
	StateLoggedIn  State = "logged_in"
)

// Claims are the token claims the sync layer reads. The token signature is
// not checked here; the server does that on every request.
type Claims struct {
	AccountID string `json:"account_id"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Result is what a successful login returns.
type Result struct {
	Identity     identity.Identity
	AccountID    string
	RefreshToken string
	Claims       []string
}

type Options struct {
	Identity   identity.Store
	HTTPClient *http.Client
	Logger     *logging.Logger
}

type Manager struct {
	identity identity.Store
	http     *http.Client
	logger   *logging.Logger

	mu          sync.Mutex
	loginHooks  []func(identity.Identity)
	logoutHooks []func()
}

func New(opts Options) (*Manager, error) {
	if opts.Identity == nil {
		return nil, errors.New("session: identity store is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		identity: opts.Identity,
		http:     httpClient,
		logger:   opts.Logger.Named("session"),
	}, nil
}

// OnLogin registers fn to run after each successful login.
func (m *Manager) OnLogin(fn func(identity.Identity)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.loginHooks = append(m.loginHooks, fn)
	m.mu.Unlock()
}

// OnLogout registers fn to run after each logout, forced or not.
func (m *Manager) OnLogout(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.logoutHooks = append(m.logoutHooks, fn)
	m.mu.Unlock()
}

type loginResponse struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	Claims       []string `json:"claims"`
}

// Login posts credentials to url. A 401 is reported as ErrInvalidCredentials.
func (m *Manager) Login(ctx context.Context, url string, body any) (Result, error) {
	var response loginResponse
	if err := m.post(ctx, url, body, &response); err != nil {
		return Result{}, err
	}
	return m.establish(response.Token, response.RefreshToken, response.Claims)
}

type anonymousResponse struct {
	JWTToken string `json:"jwtToken"`
	Payload  struct {
		Claims []string `json:"claims"`
	} `json:"payload"`
}

// AnonymousLogin requests a token carrying only the anonymous claim.
func (m *Manager) AnonymousLogin(ctx context.Context, url string) (Result, error) {
	var response anonymousResponse
	request := map[string][]string{"claims": {"anonymous"}}
	if err := m.post(ctx, url, request, &response); err != nil {
		return Result{}, err
	}
	return m.establish(response.JWTToken, "", response.Payload.Claims)
}

// Logout clears the stored identity and runs the logout hooks. Hooks run
// even when clearing fails so local state never outlives the session.
func (m *Manager) Logout() error {
	err := identity.Clear(m.identity)
	if err != nil {
		m.logger.Error("clear identity failed", map[string]string{"error": err.Error()})
	}
	m.mu.Lock()
	hooks := append([]func(){}, m.logoutHooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
	m.logger.Info("logged out", nil)
	return err
}

func (m *Manager) Identity() identity.Identity {
	ids, err := identity.Snapshot(m.identity)
	if err != nil {
		m.logger.Warn("read identity failed", map[string]string{"error": err.Error()})
	}
	return ids
}

// Token returns the bearer token, or "" when logged out.
func (m *Manager) Token() string {
	return m.Identity().Token
}

func (m *Manager) State() State {
	if m.Identity().Authenticated() {
		return StateLoggedIn
	}
	return StateLoggedOut
}

// ParseClaims decodes the claims of a token without verifying it.
func ParseClaims(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, errors.New("token is empty")
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("parse token claims: %w", err)
	}
	claims.AccountID = strings.TrimSpace(claims.AccountID)
	claims.ActorID = strings.TrimSpace(claims.ActorID)
	claims.SessionID = strings.TrimSpace(claims.SessionID)
	return claims, nil
}

func (m *Manager) establish(token, refreshToken string, grants []string) (Result, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return Result{}, err
	}
	ids := identity.Identity{
		SessionID: claims.SessionID,
		ActorID:   claims.ActorID,
		Token:     strings.TrimSpace(token),
	}
	if err := identity.Clear(m.identity); err != nil {
		return Result{}, fmt.Errorf("clear identity: %w", err)
	}
	if err := identity.Save(m.identity, ids); err != nil {
		return Result{}, err
	}
	m.logger.Info("logged in", map[string]string{
		"session_id": ids.SessionID,
		"actor_id":   ids.ActorID,
	})

	m.mu.Lock()
	hooks := append([]func(identity.Identity){}, m.loginHooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(ids)
	}
	return Result{
		Identity:     ids,
		AccountID:    claims.AccountID,
		RefreshToken: refreshToken,
		Claims:       grants,
	}, nil
}

func (m *Manager) post(ctx context.Context, url string, body any, out any) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("login URL is required")
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := m.http.Do(request)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return ErrInvalidCredentials
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return client.NewHTTPError(response)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	return nil
}
