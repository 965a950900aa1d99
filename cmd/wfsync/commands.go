package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wfsync/internal/config"
	"wfsync/internal/session"
	"wfsync/internal/store"
	"wfsync/internal/version"
)

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "wfsync",
		Short: "Keep a local view of workflow activity managers in sync",
		Long: `wfsync follows the activity managers a workflow engine assigns to this
session. It listens to the engine's MQTT feed and reconciles over REST.

Examples:
  wfsync login --field user=alice --field password=secret
  wfsync watch --focus P1 --fallback onboarding
  wfsync start onboarding --payload '{"plan":"basic"}' --focus
  wfsync list --output yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to the TOML config file (default $"+config.EnvConfigPath+")")
	flags.StringArrayVar(&a.overrides, "set", nil, "Override a config key (key=value, repeatable)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warning, error)")
	flags.StringVarP(&a.output, "output", "o", outputText, "Output format (text, yaml, json)")
	flags.BoolVar(&a.showMetrics, "metrics", false, "Print Prometheus metrics to stderr on exit")

	root.AddCommand(
		newWatchCommand(a),
		newLoginCommand(a),
		newLogoutCommand(a),
		newStartCommand(a),
		newSubmitCommand(a),
		newListCommand(a),
		newWorkflowsCommand(a),
		newConfigCommand(a),
		newVersionCommand(a),
	)
	return root
}

func newWatchCommand(a *app) *cobra.Command {
	var (
		focus     string
		fallback  string
		filter    string
		available bool
		duration  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the event feed and print every store change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			m, err := a.newManager(ctx, true)
			if err != nil {
				return err
			}
			events, unsubscribe := m.Subscribe()
			defer unsubscribe()

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return m.Run(groupCtx)
			})
			group.Go(func() error {
				for {
					select {
					case <-groupCtx.Done():
						return nil
					case ev, ok := <-events:
						if !ok {
							return nil
						}
						if err := writeEvent(a.out, a.output, ev, m.Snapshot()); err != nil {
							return err
						}
					}
				}
			})
			if available {
				group.Go(func() error {
					if err := m.FetchAvailable(groupCtx, filter); err != nil {
						a.logger.Warn("initial fetch failed", map[string]string{"error": err.Error()})
					}
					return nil
				})
			}
			if focus != "" {
				m.ScheduleFocus(focus, fallback)
			}
			return group.Wait()
		},
	}
	cmd.Flags().StringVar(&focus, "focus", "", "Process to focus once the feed is up")
	cmd.Flags().StringVar(&fallback, "fallback", "", "Workflow to start when the focused process has no activity")
	cmd.Flags().BoolVar(&available, "available", false, "Load the available activity managers on start")
	cmd.Flags().StringVar(&filter, "filter", "", "Query filter for --available")
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (default: until interrupted)")
	return cmd
}

func newLoginCommand(a *app) *cobra.Command {
	var (
		url       string
		anonymous bool
		body      string
		fields    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Identity.Backend == config.BackendMemory {
				a.logger.Warn("identity backend is memory, the session will not outlive this command", nil)
			}
			m, err := a.newManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			var result session.Result
			if anonymous {
				target := firstNonEmpty(url, a.cfg.API.AnonymousURL)
				if target == "" {
					return errors.New("anonymous login URL is required (--url or api.anonymous_url)")
				}
				result, err = m.AnonymousLogin(cmd.Context(), target)
			} else {
				target := firstNonEmpty(url, a.cfg.API.LoginURL)
				if target == "" {
					return errors.New("login URL is required (--url or api.login_url)")
				}
				payload, perr := loginPayload(body, fields)
				if perr != nil {
					return perr
				}
				result, err = m.Login(cmd.Context(), target, payload)
			}
			if err != nil {
				return err
			}
			view := struct {
				SessionID string   `json:"session_id" yaml:"session_id"`
				ActorID   string   `json:"actor_id" yaml:"actor_id"`
				AccountID string   `json:"account_id,omitempty" yaml:"account_id,omitempty"`
				Claims    []string `json:"claims,omitempty" yaml:"claims,omitempty"`
			}{
				SessionID: result.Identity.SessionID,
				ActorID:   result.Identity.ActorID,
				AccountID: result.AccountID,
				Claims:    result.Claims,
			}
			if a.output != outputText {
				return encode(a.out, a.output, view)
			}
			_, err = fmt.Fprintf(a.out, "logged in session=%s actor=%s\n", orDash(view.SessionID), orDash(view.ActorID))
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Login endpoint (default api.login_url or api.anonymous_url)")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "Request an anonymous token")
	cmd.Flags().StringVar(&body, "body", "", "JSON credentials body")
	cmd.Flags().StringToStringVar(&fields, "field", nil, "Credential field (key=value, repeatable)")
	return cmd
}

func loginPayload(body string, fields map[string]string) (any, error) {
	if strings.TrimSpace(body) != "" {
		if len(fields) > 0 {
			return nil, errors.New("use either --body or --field, not both")
		}
		return parseJSON("--body", body)
	}
	if len(fields) == 0 {
		return nil, errors.New("credentials are required (--body or --field)")
	}
	return fields, nil
}

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := m.Logout(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, "logged out")
			return err
		},
	}
}

func newStartCommand(a *app) *cobra.Command {
	var (
		payload string
		focus   bool
	)
	cmd := &cobra.Command{
		Use:   "start WORKFLOW",
		Short: "Start a workflow by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parseJSON("--payload", payload)
			if err != nil {
				return err
			}
			m, err := a.newManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			result, err := m.StartWorkflow(cmd.Context(), args[0], body, focus)
			if err != nil {
				return err
			}
			if focus && result.ProcessID != "" {
				if err := m.FetchForProcess(cmd.Context(), result.ProcessID, ""); err != nil {
					return err
				}
			}
			if a.output != outputText {
				return encode(a.out, a.output, viewSnapshotWithProcess(m.Snapshot(), result.ProcessID))
			}
			if _, err := fmt.Fprintf(a.out, "started %s process=%s\n", args[0], orDash(result.ProcessID)); err != nil {
				return err
			}
			if current, ok := m.Current(); ok {
				_, err = fmt.Fprintf(a.out, "current %s\n", current.ID)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON start payload")
	cmd.Flags().BoolVar(&focus, "focus", false, "Focus the new process and load its activity manager")
	return cmd
}

func newSubmitCommand(a *app) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "submit ACTIVITY_MANAGER_ID",
		Short: "Submit a payload to an activity manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parseJSON("--payload", payload)
			if err != nil {
				return err
			}
			m, err := a.newManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := m.SubmitActivity(cmd.Context(), args[0], body); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "submitted %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON submission payload")
	return cmd
}

func newListCommand(a *app) *cobra.Command {
	var (
		filter   string
		process  string
		fallback string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available activity managers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			if process != "" {
				err = m.FocusAndFetch(cmd.Context(), process, fallback)
			} else {
				err = m.FetchAvailable(cmd.Context(), filter)
			}
			if err != nil {
				return err
			}
			snapshot := m.Snapshot()
			return writeManagers(a.out, a.output, snapshot.Managers, snapshot.CurrentID)
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Query string passed to the available endpoint")
	cmd.Flags().StringVar(&process, "process", "", "Load the activity manager of one process instead")
	cmd.Flags().StringVar(&fallback, "fallback", "", "Workflow to start when --process has no activity")
	return cmd
}

func newWorkflowsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the workflows that can be started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := m.FetchWorkflows(cmd.Context()); err != nil {
				return err
			}
			names := m.Workflows()
			if a.output != outputText {
				return encode(a.out, a.output, names)
			}
			for _, name := range names {
				if _, err := fmt.Fprintln(a.out, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newConfigCommand(a *app) *cobra.Command {
	var showSources bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.output != outputText {
				return encode(a.out, a.output, a.cfg)
			}
			data, err := a.cfg.Encode()
			if err != nil {
				return err
			}
			if _, err := a.out.Write(data); err != nil {
				return err
			}
			if !showSources {
				return nil
			}
			fmt.Fprintln(a.out)
			for _, key := range config.Keys() {
				fmt.Fprintf(a.out, "# %s: %s\n", key, a.cfg.Source(key))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSources, "sources", false, "Show where each value came from")
	return cmd
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if a.output != outputText {
				return encode(a.out, a.output, info)
			}
			_, err := fmt.Fprintln(a.out, info.String())
			return err
		},
	}
}

func viewSnapshotWithProcess(s store.Snapshot, processID string) any {
	processManagers := make([]managerView, 0)
	for _, m := range s.ForProcess(processID) {
		processManagers = append(processManagers, viewManager(m))
	}
	return struct {
		ProcessID       string        `json:"process_id" yaml:"process_id"`
		ProcessManagers []managerView `json:"process_managers" yaml:"process_managers"`
		Snapshot        snapshotView  `json:"snapshot" yaml:"snapshot"`
	}{
		ProcessID:       processID,
		ProcessManagers: processManagers,
		Snapshot:        viewSnapshot(s),
	}
}

func parseJSON(flag, raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("invalid %s JSON: %w", flag, err)
	}
	return value, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
