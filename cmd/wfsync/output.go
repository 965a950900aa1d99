package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"wfsync/internal/activity"
	"wfsync/internal/event"
	"wfsync/internal/store"
)

const (
	outputText = "text"
	outputYAML = "yaml"
	outputJSON = "json"
)

func validateOutput(format string) error {
	switch format {
	case outputText, outputYAML, outputJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, yaml or json)", format)
	}
}

type managerView struct {
	ID        string         `json:"id" yaml:"id"`
	ProcessID string         `json:"process_id,omitempty" yaml:"process_id,omitempty"`
	Action    string         `json:"action,omitempty" yaml:"action,omitempty"`
	Fields    map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

type snapshotView struct {
	Current        string        `json:"current,omitempty" yaml:"current,omitempty"`
	FocusedProcess string        `json:"focused_process,omitempty" yaml:"focused_process,omitempty"`
	DefaultProcess string        `json:"default_process,omitempty" yaml:"default_process,omitempty"`
	Connected      bool          `json:"connected" yaml:"connected"`
	Workflows      []string      `json:"workflows,omitempty" yaml:"workflows,omitempty"`
	Managers       []managerView `json:"managers" yaml:"managers"`
}

func viewManager(m activity.Manager) managerView {
	fields := m.Fields()
	delete(fields, "id")
	delete(fields, "process_id")
	delete(fields, "props")
	if len(fields) == 0 {
		fields = nil
	}
	return managerView{
		ID:        m.ID,
		ProcessID: m.ProcessID,
		Action:    m.Props.Action,
		Fields:    fields,
	}
}

func viewSnapshot(s store.Snapshot) snapshotView {
	view := snapshotView{
		Current:        s.CurrentID,
		FocusedProcess: s.FocusedProcessID,
		DefaultProcess: s.DefaultProcessID,
		Connected:      s.Connected,
		Workflows:      s.Workflows,
		Managers:       make([]managerView, 0, len(s.Managers)),
	}
	for _, m := range s.Managers {
		view.Managers = append(view.Managers, viewManager(m))
	}
	return view
}

// encode writes value as YAML or JSON. Text rendering is done by callers.
func encode(out io.Writer, format string, value any) error {
	switch format {
	case outputJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	default:
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return err
		}
		return encoder.Close()
	}
}

func writeManagers(out io.Writer, format string, managers []activity.Manager, currentID string) error {
	if format != outputText {
		views := make([]managerView, 0, len(managers))
		for _, m := range managers {
			views = append(views, viewManager(m))
		}
		return encode(out, format, views)
	}
	if len(managers) == 0 {
		_, err := fmt.Fprintln(out, "no activity managers")
		return err
	}
	for _, m := range managers {
		marker := " "
		if m.ID == currentID {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s\tprocess=%s", marker, m.ID, m.ProcessID)
		if m.Props.Action != "" {
			line += "\taction=" + m.Props.Action
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

func writeEvent(out io.Writer, format string, ev event.StoreEvent, snapshot store.Snapshot) error {
	if format != outputText {
		return encode(out, format, struct {
			Event    string       `json:"event" yaml:"event"`
			At       string       `json:"at" yaml:"at"`
			Snapshot snapshotView `json:"snapshot" yaml:"snapshot"`
		}{
			Event:    ev.Type(),
			At:       ev.Timestamp().Format("2006-01-02T15:04:05.000Z07:00"),
			Snapshot: viewSnapshot(snapshot),
		})
	}
	parts := []string{ev.Type()}
	if ev.ActivityManagerID != "" {
		parts = append(parts, "am="+ev.ActivityManagerID)
	}
	if ev.ProcessID != "" {
		parts = append(parts, "process="+ev.ProcessID)
	}
	parts = append(parts, "current="+orDash(ev.CurrentID))
	_, err := fmt.Fprintln(out, strings.Join(parts, " "))
	return err
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
