// Package model defines the core data types and structures of the taskforge
// task queue: the Task entity, its status taxonomy, and the error types
// exposed at the engine boundary.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task is the unit of work produced by jobs and periodic jobs. A task is
// identified by an opaque id which may be deterministic in the job name and
// arguments, so identical requests collide.
type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Args         []any          `json:"args"`
	Kwargs       map[string]any `json:"kwargs"`
	Status       Status         `json:"status"`
	TimeExecuted time.Time      `json:"time_executed"`
	TimeStarted  *time.Time     `json:"time_started,omitempty"`
	TimeEnded    *time.Time     `json:"time_ended,omitempty"`
	Expiry       *time.Time     `json:"expiry,omitempty"`
	Result       any            `json:"result,omitempty"`
	FromTask     string         `json:"from_task,omitempty"`
}

func (t *Task) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, t.ID)
}

// StatusCode returns the precedence code of the current status.
// Lower number, higher precedence.
func (t *Task) StatusCode() int {
	return t.Status.Code()
}

// Done returns true if the task has finished (its status is one of the
// ready states).
func (t *Task) Done() bool {
	return t.Status.Ready()
}

// ExecuteToStart returns the time between materialisation and start.
func (t *Task) ExecuteToStart() (time.Duration, bool) {
	if t.TimeStarted == nil {
		return 0, false
	}
	return t.TimeStarted.Sub(t.TimeExecuted), true
}

// ExecuteToEnd returns the time between materialisation and the terminal
// transition.
func (t *Task) ExecuteToEnd() (time.Duration, bool) {
	if t.TimeEnded == nil {
		return 0, false
	}
	return t.TimeEnded.Sub(t.TimeExecuted), true
}

// Duration returns how long the task body ran. Only available once the task
// has both started and ended.
func (t *Task) Duration() (time.Duration, bool) {
	if t.TimeStarted == nil || t.TimeEnded == nil {
		return 0, false
	}
	return t.TimeEnded.Sub(t.TimeStarted), true
}

// Expired reports whether the task's expiry deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return t.Expiry != nil && now.After(*t.Expiry)
}

// Clone returns a shallow copy of the task with its own args slice and
// kwargs map, so store implementations never hand out aliased state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Args != nil {
		c.Args = append([]any(nil), t.Args...)
	}
	if t.Kwargs != nil {
		c.Kwargs = make(map[string]any, len(t.Kwargs))
		for k, v := range t.Kwargs {
			c.Kwargs[k] = v
		}
	}
	return &c
}

// taskJSON is the persisted wire layout: ISO-8601 timestamps, upper-case
// status token, JSON-representable result. This is the on-the-wire form for
// remote stores.
type taskJSON struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Args         []any          `json:"args"`
	Kwargs       map[string]any `json:"kwargs"`
	Status       string         `json:"status"`
	TimeExecuted string         `json:"time_executed"`
	TimeStarted  *string        `json:"time_started,omitempty"`
	TimeEnded    *string        `json:"time_ended,omitempty"`
	Expiry       *string        `json:"expiry,omitempty"`
	Result       any            `json:"result,omitempty"`
	FromTask     string         `json:"from_task,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// MarshalJSON implements json.Marshaler using the persisted wire layout.
func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{
		ID:           t.ID,
		Name:         t.Name,
		Args:         t.Args,
		Kwargs:       t.Kwargs,
		Status:       string(t.Status),
		TimeExecuted: formatTime(t.TimeExecuted),
		TimeStarted:  formatTimePtr(t.TimeStarted),
		TimeEnded:    formatTimePtr(t.TimeEnded),
		Expiry:       formatTimePtr(t.Expiry),
		Result:       t.Result,
		FromTask:     t.FromTask,
	})
}

// UnmarshalJSON implements json.Unmarshaler for the persisted wire layout.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	executed, err := time.Parse(time.RFC3339Nano, w.TimeExecuted)
	if err != nil {
		return fmt.Errorf("parse time_executed: %w", err)
	}
	started, err := parseTimePtr(w.TimeStarted)
	if err != nil {
		return fmt.Errorf("parse time_started: %w", err)
	}
	ended, err := parseTimePtr(w.TimeEnded)
	if err != nil {
		return fmt.Errorf("parse time_ended: %w", err)
	}
	expiry, err := parseTimePtr(w.Expiry)
	if err != nil {
		return fmt.Errorf("parse expiry: %w", err)
	}

	var status Status
	if err := status.UnmarshalText([]byte(w.Status)); err != nil {
		return err
	}

	*t = Task{
		ID:           w.ID,
		Name:         w.Name,
		Args:         w.Args,
		Kwargs:       w.Kwargs,
		Status:       status,
		TimeExecuted: executed.UTC(),
		TimeStarted:  started,
		TimeEnded:    ended,
		Expiry:       expiry,
		Result:       w.Result,
		FromTask:     w.FromTask,
	}
	return nil
}

// NiceMessage renders a short human-readable summary of a task, suitable for
// log lines and admin listings.
func (t *Task) NiceMessage() string {
	short := t.ID
	if len(short) > 8 {
		short = short[:8]
	}
	ti := t.TimeExecuted
	if t.TimeStarted != nil {
		ti = *t.TimeStarted
	}
	status := strings.ToLower(string(t.Status))
	return fmt.Sprintf("%s (%s) %s at %s", t.Name, short, status, formatTime(ti))
}
