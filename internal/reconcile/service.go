// Package reconcile pulls authoritative state from the REST API and turns
// responses into store actions. It is the only consistency backstop for
// feed events lost while disconnected.
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"wfsync/internal/activity"
	"wfsync/internal/client"
	"wfsync/internal/logging"
	"wfsync/internal/metrics"
	"wfsync/internal/store"
)

// API is the subset of the REST client the service calls.
type API interface {
	ListWorkflows(ctx context.Context) ([]client.Workflow, error)
	ListAvailable(ctx context.Context, filter string) ([]activity.Manager, error)
	ActivityForProcess(ctx context.Context, processID string) (activity.Manager, error)
	StartWorkflow(ctx context.Context, name string, payload any) (client.StartResult, error)
	SubmitActivity(ctx context.Context, activityManagerID string, payload any) error
	ActivityManagerStatus(ctx context.Context, activityManagerID string) error
}

type Dispatcher interface {
	Dispatch(store.Action)
	Current() (activity.Manager, bool)
}

// SessionResetter forces the session back to logged out. Implementations
// clear the identity and reset the store.
type SessionResetter interface {
	Logout() error
}

type Service struct {
	api     API
	store   Dispatcher
	session SessionResetter
	logger  *logging.Logger
	metrics *metrics.Registry
}

type Options struct {
	API     API
	Store   Dispatcher
	Session SessionResetter
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

func New(opts Options) (*Service, error) {
	if opts.API == nil {
		return nil, errors.New("reconcile: api is required")
	}
	if opts.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	return &Service{
		api:     opts.API,
		store:   opts.Store,
		session: opts.Session,
		logger:  opts.Logger.Named("reconcile"),
		metrics: opts.Metrics,
	}, nil
}

// StartWorkflow starts a named workflow. With setFocus the returned process
// becomes the focused process.
func (s *Service) StartWorkflow(ctx context.Context, name string, payload any, setFocus bool) (client.StartResult, error) {
	result, err := s.api.StartWorkflow(ctx, name, payload)
	if err != nil {
		return client.StartResult{}, s.fail("start_workflow", err)
	}
	if !setFocus {
		return result, nil
	}
	if result.ProcessID == "" {
		s.logger.Warn("start workflow response without process id", map[string]string{"workflow": name})
		return result, nil
	}
	s.store.Dispatch(store.ProcessFocused{ProcessID: result.ProcessID})
	return result, nil
}

// SubmitActivity posts a payload to an activity manager and then checks
// whether the manager still exists. A not-found status removes it locally.
// Once the submit is accepted, a failed status check is only logged: the
// returned error always means the submit itself was not applied, except
// for an unauthorized status check, which still logs the session out.
func (s *Service) SubmitActivity(ctx context.Context, activityManagerID string, payload any) error {
	if err := s.api.SubmitActivity(ctx, activityManagerID, payload); err != nil {
		return s.fail("submit_activity", err)
	}
	err := s.api.ActivityManagerStatus(ctx, activityManagerID)
	switch {
	case err == nil:
		return nil
	case client.IsNotFound(err):
		s.store.Dispatch(store.Removed{ID: activityManagerID})
		return nil
	case client.IsUnauthorized(err):
		return s.fail("activity_manager_status", err)
	default:
		s.logger.Warn("status check after submit failed", map[string]string{
			"activity_manager_id": activityManagerID,
			"error":               err.Error(),
		})
		return nil
	}
}

// FetchActivityManagerForProcess loads the pending manager of a process. When
// the process has none, the fallback workflow is started and focused
// instead; the store learns about its manager from the feed.
func (s *Service) FetchActivityManagerForProcess(ctx context.Context, processID, fallbackWorkflow string) error {
	manager, err := s.api.ActivityForProcess(ctx, processID)
	if err != nil {
		if client.IsNotFound(err) {
			fallbackWorkflow = strings.TrimSpace(fallbackWorkflow)
			if fallbackWorkflow == "" {
				s.logger.Debug("no activity for process and no fallback workflow", map[string]string{"process_id": processID})
				return nil
			}
			_, err := s.StartWorkflow(ctx, fallbackWorkflow, nil, true)
			return err
		}
		return s.fail("activity_for_process", err)
	}
	s.store.Dispatch(store.ProcessFocused{ProcessID: processID})
	s.store.Dispatch(store.Created{Manager: manager})
	return nil
}

// FetchAvailableActivityManagers replaces the store contents with the
// server's list.
func (s *Service) FetchAvailableActivityManagers(ctx context.Context, filter string) error {
	managers, err := s.api.ListAvailable(ctx, filter)
	if err != nil {
		return s.fail("list_available", err)
	}
	s.store.Dispatch(store.Refreshed{Managers: managers})
	return nil
}

func (s *Service) FetchWorkflows(ctx context.Context) error {
	workflows, err := s.api.ListWorkflows(ctx)
	if err != nil {
		return s.fail("list_workflows", err)
	}
	names := make([]string, 0, len(workflows))
	for _, workflow := range workflows {
		names = append(names, workflow.Name)
	}
	s.store.Dispatch(store.WorkflowsLoaded{Names: names})
	return nil
}

// FocusAndFetch focuses a process before fetching its activity manager, so a
// create event racing the fetch is already matched against the new focus.
func (s *Service) FocusAndFetch(ctx context.Context, processID, fallbackWorkflow string) error {
	s.store.Dispatch(store.ProcessFocused{ProcessID: processID})
	return s.FetchActivityManagerForProcess(ctx, processID, fallbackWorkflow)
}

// fail applies the error rule shared by every operation. Unauthorized drops
// the current manager and logs the session out. Everything else is logged
// and leaves state untouched. The error is always returned so the caller
// can decide to re-trigger.
func (s *Service) fail(operation string, err error) error {
	fields := map[string]string{
		"operation": operation,
		"error":     err.Error(),
	}
	if status := client.StatusCode(err); status != 0 {
		fields["status"] = strconv.Itoa(status)
	}

	if !client.IsUnauthorized(err) {
		if errors.Is(err, context.Canceled) {
			s.logger.Debug("request canceled", fields)
			return err
		}
		s.logger.Warn("request failed", fields)
		return err
	}

	s.logger.Warn("server rejected session, logging out", fields)
	if current, ok := s.store.Current(); ok {
		s.store.Dispatch(store.Removed{ID: current.ID})
	}
	s.metrics.IncSessionReset()
	if s.session == nil {
		s.store.Dispatch(store.Reset{})
		return err
	}
	if logoutErr := s.session.Logout(); logoutErr != nil {
		s.logger.Error("logout after unauthorized failed", map[string]string{"error": logoutErr.Error()})
		s.store.Dispatch(store.Reset{})
	}
	return err
}
