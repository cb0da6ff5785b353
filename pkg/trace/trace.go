// Package trace implements the run's append-only JSONL event stream.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// EventType enumerates all replay trace event types.
type EventType string

const (
	EventRunStart         EventType = "run_start"
	EventRunComplete      EventType = "run_complete"
	EventVariableResolved EventType = "variable_resolved"
	EventStepStart        EventType = "step_start"
	EventStepComplete     EventType = "step_complete"
	EventSurfaceSwitch    EventType = "surface_switch"
	EventCookieSync       EventType = "cookie_sync"
	EventHealPhase1       EventType = "heal_phase1"
	EventHealSelector     EventType = "heal_selector"
	EventHealPhase2       EventType = "heal_phase2"
	EventDownloadSaved    EventType = "download_saved"
	EventExtracted        EventType = "extracted"
)

// StepStatus is the execution status of a step.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
	StatusHealed  StepStatus = "healed"
)

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Failure describes why a step failed.
type Failure struct {
	Kind    string `json:"kind"` // guard, effect, selector, http, template, capture, ...
	Message string `json:"message"`
}

// Writer writes trace events to an append-only JSONL stream.
// A nil *Writer is valid and discards everything.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	runID   string
	enc     *json.Encoder
	secrets []string // resolved secret values redacted from event data
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	enc := json.NewEncoder(w)
	// Trace output is machine-read JSONL, not HTML; keep markers like
	// <REDACTED> literal instead of <-escaped.
	enc.SetEscapeHTML(false)
	return &Writer{
		w:     w,
		runID: runID,
		enc:   enc,
	}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return NewWriter(f, runID), nil
}

// SetSecrets configures the writer to redact the given values from trace output.
func (tw *Writer) SetSecrets(values []string) {
	if tw == nil {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.secrets = nil
	for _, v := range values {
		if v != "" {
			tw.secrets = append(tw.secrets, v)
		}
	}
}

func (tw *Writer) redact(s string) string {
	for _, v := range tw.secrets {
		s = strings.ReplaceAll(s, v, "<REDACTED>")
	}
	return s
}

// redactData rewrites string values anywhere in the payload, including
// nested maps and slices, so events like run_start with a vars map never
// carry resolved secrets.
func (tw *Writer) redactData(data map[string]any) map[string]any {
	clean := make(map[string]any, len(data))
	for k, v := range data {
		clean[k] = tw.redactValue(v)
	}
	return clean
}

func (tw *Writer) redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return tw.redact(t)
	case map[string]any:
		return tw.redactData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = tw.redactValue(e)
		}
		return out
	default:
		return v
	}
}

// Emit writes a single trace event.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if len(tw.secrets) > 0 {
		data = tw.redactData(data)
	}

	return tw.enc.Encode(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		Data:      data,
	})
}

// EmitRunStart emits a run_start event with recipe identity and inputs.
func (tw *Writer) EmitRunStart(recipe string, version int, vars map[string]string) error {
	data := map[string]any{
		"recipe":  recipe,
		"version": version,
	}
	if len(vars) > 0 {
		clean := make(map[string]any, len(vars))
		for k, v := range vars {
			clean[k] = v
		}
		data["vars"] = clean
	}
	return tw.Emit(EventRunStart, data)
}

// EmitRunComplete emits a run_complete event.
func (tw *Writer) EmitRunComplete(success bool, phase string, duration time.Duration, errMsg string) error {
	data := map[string]any{
		"success":  success,
		"phase":    phase,
		"duration": duration.String(),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return tw.Emit(EventRunComplete, data)
}

// EmitVariableResolved emits a variable_resolved event. The value itself is
// never written, only its origin.
func (tw *Writer) EmitVariableResolved(name, source string) error {
	return tw.Emit(EventVariableResolved, map[string]any{
		"variable": name,
		"source":   source,
	})
}

// EmitStepStart emits a step_start event.
func (tw *Writer) EmitStepStart(stepID, mode, action string) error {
	return tw.Emit(EventStepStart, map[string]any{
		"step_id": stepID,
		"mode":    mode,
		"action":  action,
	})
}

// EmitStepComplete emits a step_complete event.
func (tw *Writer) EmitStepComplete(stepID string, status StepStatus, duration time.Duration, failure *Failure) error {
	data := map[string]any{
		"step_id":  stepID,
		"status":   string(status),
		"duration": duration.String(),
	}
	if failure != nil {
		data["failure"] = map[string]any{
			"kind":    failure.Kind,
			"message": failure.Message,
		}
	}
	return tw.Emit(EventStepComplete, data)
}

// EmitSurfaceSwitch emits a surface_switch event.
func (tw *Writer) EmitSurfaceSwitch(from, to string) error {
	return tw.Emit(EventSurfaceSwitch, map[string]any{
		"from": from,
		"to":   to,
	})
}

// EmitCookieSync emits a cookie_sync event. Sync is best-effort, so
// failures are traced rather than surfaced.
func (tw *Writer) EmitCookieSync(direction string, count int, err error) error {
	data := map[string]any{
		"direction": direction,
		"cookies":   count,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return tw.Emit(EventCookieSync, data)
}

// EmitDownloadSaved emits a download_saved event.
func (tw *Writer) EmitDownloadSaved(stepID, path string, bytes int64) error {
	return tw.Emit(EventDownloadSaved, map[string]any{
		"step_id": stepID,
		"path":    path,
		"bytes":   bytes,
	})
}

// EmitExtracted emits an extracted event.
func (tw *Writer) EmitExtracted(stepID, selector, text string) error {
	return tw.Emit(EventExtracted, map[string]any{
		"step_id":  stepID,
		"selector": selector,
		"text":     text,
	})
}

// EmitHealPhase1 emits a heal_phase1 event.
func (tw *Writer) EmitHealPhase1(stepID, outcome string) error {
	return tw.Emit(EventHealPhase1, map[string]any{
		"step_id": stepID,
		"outcome": outcome,
	})
}

// EmitHealSelector emits a heal_selector event for a winning candidate.
func (tw *Writer) EmitHealSelector(stepID, selector, origin string) error {
	return tw.Emit(EventHealSelector, map[string]any{
		"step_id":  stepID,
		"selector": selector,
		"origin":   origin, // heuristic | suggested
	})
}

// EmitHealPhase2 emits a heal_phase2 event.
func (tw *Writer) EmitHealPhase2(stepID string, capturedSteps int) error {
	return tw.Emit(EventHealPhase2, map[string]any{
		"step_id":        stepID,
		"captured_steps": capturedSteps,
	})
}
