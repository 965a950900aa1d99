// Package client talks to the workflow engine's REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wfsync/internal/activity"
	"wfsync/internal/metrics"
)

const tracerName = "wfsync/client"

// Route labels, used for spans and request metrics.
const (
	RouteListWorkflows  = "workflows.list"
	RouteListAvailable  = "processes.available"
	RouteProcessActive  = "processes.activity"
	RouteStartWorkflow  = "workflows.start"
	RouteSubmitActivity = "activity_manager.submit"
	RouteManagerStatus  = "activity_manager.status"
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError consumes the body of a failed response.
func NewHTTPError(response *http.Response) *HTTPError {
	if response == nil {
		return &HTTPError{Message: "request failed"}
	}
	return &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

type Workflow struct {
	Name string `json:"name"`
}

type StartResult struct {
	ProcessID string `json:"process_id"`
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is read on every request so a login or logout takes effect
	// without rebuilding the client.
	Token          func() string
	Metrics        *metrics.Registry
	TracerProvider trace.TracerProvider
}

type Client struct {
	baseURL string
	http    *http.Client
	token   func() string
	metrics *metrics.Registry
	tracer  trace.Tracer
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	provider := opts.TracerProvider
	if provider == nil {
		provider = otelapi.GetTracerProvider()
	}
	return &Client{
		baseURL: baseURL,
		http:    ensureClient(opts.HTTPClient),
		token:   opts.Token,
		metrics: opts.Metrics,
		tracer:  provider.Tracer(tracerName),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var payload []Workflow
	if err := c.do(ctx, http.MethodGet, RouteListWorkflows, "/workflows", nil, &payload); err != nil {
		return nil, err
	}
	workflows := make([]Workflow, 0, len(payload))
	for _, workflow := range payload {
		name := strings.TrimSpace(workflow.Name)
		if name == "" {
			continue
		}
		workflows = append(workflows, Workflow{Name: name})
	}
	return workflows, nil
}

// ListAvailable returns the authoritative list of activity managers for the
// caller. filter is an optional raw query string.
func (c *Client) ListAvailable(ctx context.Context, filter string) ([]activity.Manager, error) {
	path := "/processes/available"
	filter = strings.TrimPrefix(strings.TrimSpace(filter), "?")
	if filter != "" {
		if _, err := url.ParseQuery(filter); err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
		}
		path += "?" + filter
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, RouteListAvailable, path, nil, &raw); err != nil {
		return nil, err
	}
	return activity.DecodeList(raw)
}

func (c *Client) ActivityForProcess(ctx context.Context, processID string) (activity.Manager, error) {
	processID = strings.TrimSpace(processID)
	if processID == "" {
		return activity.Manager{}, errors.New("process id is required")
	}
	var raw json.RawMessage
	path := "/processes/" + url.PathEscape(processID) + "/activity"
	if err := c.do(ctx, http.MethodGet, RouteProcessActive, path, nil, &raw); err != nil {
		return activity.Manager{}, err
	}
	return activity.Decode(raw)
}

// StartWorkflow starts a workflow by name. A nil payload is sent as {}.
func (c *Client) StartWorkflow(ctx context.Context, name string, payload any) (StartResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return StartResult{}, errors.New("workflow name is required")
	}
	var result StartResult
	path := "/workflows/name/" + url.PathEscape(name) + "/start"
	if err := c.do(ctx, http.MethodPost, RouteStartWorkflow, path, bodyOrEmpty(payload), &result); err != nil {
		return StartResult{}, err
	}
	result.ProcessID = strings.TrimSpace(result.ProcessID)
	return result, nil
}

func (c *Client) SubmitActivity(ctx context.Context, activityManagerID string, payload any) error {
	activityManagerID = strings.TrimSpace(activityManagerID)
	if activityManagerID == "" {
		return errors.New("activity manager id is required")
	}
	path := "/activity_manager/" + url.PathEscape(activityManagerID) + "/submit"
	return c.do(ctx, http.MethodPost, RouteSubmitActivity, path, bodyOrEmpty(payload), nil)
}

// ActivityManagerStatus checks an activity manager after a submit. Only the
// status matters: a 404 means the manager no longer exists.
func (c *Client) ActivityManagerStatus(ctx context.Context, activityManagerID string) error {
	activityManagerID = strings.TrimSpace(activityManagerID)
	if activityManagerID == "" {
		return errors.New("activity manager id is required")
	}
	path := "/processes/activity_manager/" + url.PathEscape(activityManagerID)
	return c.do(ctx, http.MethodGet, RouteManagerStatus, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, route, path string, body any, out any) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "wfsync.rest "+route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
	status := 0
	defer func() {
		c.metrics.RecordRequest(route, status)
		if status != 0 {
			span.SetAttributes(attribute.Int("http.status_code", status))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", route, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", route, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.token != nil {
		addToken(request, c.token())
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", route, err)
	}
	defer response.Body.Close()
	status = response.StatusCode

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return NewHTTPError(response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	// An empty 2xx body (204, or a bare 201) leaves out untouched.
	if err := json.NewDecoder(response.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

func bodyOrEmpty(payload any) any {
	if payload == nil {
		return struct{}{}
	}
	return payload
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

func addToken(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}

func readErrorMessage(response *http.Response) string {
	if response == nil {
		return "request failed"
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, 64<<10))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return response.Status
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
		if strings.TrimSpace(payload.Message) != "" {
			return payload.Message
		}
	}
	return text
}
