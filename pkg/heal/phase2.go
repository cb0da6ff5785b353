package heal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ormasoftchile/reprise/pkg/schema"
)

// Continuation delivers the operator's single "done" signal that ends a
// manual re-capture pause. There is deliberately no timeout; abandoning a
// stuck session means terminating the process.
type Continuation interface {
	Wait(ctx context.Context) error
}

// StdinContinuation releases on the next line read from R.
type StdinContinuation struct {
	R io.Reader
}

func (c *StdinContinuation) Wait(ctx context.Context) error {
	r := c.R
	if r == nil {
		r = os.Stdin
	}
	done := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		if scanner.Scan() {
			done <- nil
			return
		}
		if err := scanner.Err(); err != nil {
			done <- err
			return
		}
		done <- io.EOF
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// RawEvent is one low-level browser event captured while execution is
// paused. The external capture tool produces them; the classifier turns
// them into replayable steps.
type RawEvent struct {
	Kind     string    `json:"kind"` // navigate | click | input | keypress
	URL      string    `json:"url,omitempty"`
	Selector string    `json:"selector,omitempty"`
	Value    string    `json:"value,omitempty"`
	Key      string    `json:"key,omitempty"`
	Time     time.Time `json:"time,omitempty"`
}

// Recorder arms event capture for the duration of a manual pause.
type Recorder interface {
	Arm(ctx context.Context) error
	Disarm() ([]RawEvent, error)
}

// FileRecorder tails the JSONL event log the capture tool appends to.
// Arm notes the current end of file; Disarm returns the events appended
// since.
type FileRecorder struct {
	Path   string
	offset int64
}

func (f *FileRecorder) Arm(ctx context.Context) error {
	info, err := os.Stat(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			f.offset = 0
			return nil
		}
		return fmt.Errorf("arm capture: %w", err)
	}
	f.offset = info.Size()
	return nil
}

func (f *FileRecorder) Disarm() ([]RawEvent, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read capture: %w", err)
	}
	defer file.Close()
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}

	var events []RawEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev RawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Partial trailing writes are not fatal; skip them.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return events, nil
}

// Classifier turns captured events into replayable steps.
type Classifier interface {
	Classify(events []RawEvent) ([]schema.Step, error)
}

// EventClassifier is the built-in classifier: navigations become goto
// steps, clicks become click steps, consecutive inputs on one selector
// coalesce into a single fill with the final value, keypresses become
// press steps. Unknown event kinds are dropped.
type EventClassifier struct{}

func (EventClassifier) Classify(events []RawEvent) ([]schema.Step, error) {
	var steps []schema.Step
	flushFill := func(sel, value string) {
		if sel == "" {
			return
		}
		steps = append(steps, schema.Step{
			Mode: schema.ModeBrowser, Action: schema.ActionFill,
			SelectorVariants: []string{sel}, Value: value,
		})
	}

	pendingSel, pendingVal := "", ""
	for _, ev := range events {
		if ev.Kind != "input" && pendingSel != "" {
			flushFill(pendingSel, pendingVal)
			pendingSel, pendingVal = "", ""
		}
		switch ev.Kind {
		case "navigate":
			if ev.URL == "" {
				continue
			}
			steps = append(steps, schema.Step{
				Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: ev.URL,
			})
		case "click":
			if ev.Selector == "" {
				continue
			}
			steps = append(steps, schema.Step{
				Mode: schema.ModeBrowser, Action: schema.ActionClick,
				SelectorVariants: []string{ev.Selector},
			})
		case "input":
			if ev.Selector == "" {
				continue
			}
			if pendingSel != "" && pendingSel != ev.Selector {
				flushFill(pendingSel, pendingVal)
			}
			pendingSel, pendingVal = ev.Selector, ev.Value
		case "keypress":
			if ev.Key == "" {
				continue
			}
			steps = append(steps, schema.Step{
				Mode: schema.ModeBrowser, Action: schema.ActionPress, Key: ev.Key,
			})
		}
	}
	flushFill(pendingSel, pendingVal)
	return steps, nil
}

// RenumberSteps rewrites captured step ids as <baseID>-healed-<n>.
func RenumberSteps(baseID string, steps []schema.Step) []schema.Step {
	out := make([]schema.Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
		out[i].ID = fmt.Sprintf("%s-healed-%d", baseID, i+1)
	}
	return out
}
