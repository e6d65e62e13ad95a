// Package task holds the task aggregate: identity, priority, activation
// window, owned schedule rules and associations, and the status state
// machine.
package task

import (
	"errors"
	"fmt"
	"time"

	"notifyd/internal/assoc"
	"notifyd/internal/rule"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

// Priority orders tasks in conflicts.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Score maps a priority to its numeric conflict score.
func (p Priority) Score() int {
	switch p {
	case PriorityHigh:
		return 100
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

func (p Priority) valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Status is the task lifecycle state. Expired is terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusExpired Status = "expired"
)

func (s Status) valid() bool {
	return s == StatusActive || s == StatusPaused || s == StatusExpired
}

// Format is the message body format of a notification.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// TargetKind selects the delivery channel of a notification config.
type TargetKind string

const (
	TargetWebhook  TargetKind = "webhook"
	TargetTelegram TargetKind = "telegram"
)

// NotificationConfig describes where and how a task's messages go out.
type NotificationConfig struct {
	Kind       TargetKind `json:"kind"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	ChatID     int64      `json:"chat_id,omitempty"`
	Format     Format     `json:"format"`
	Template   string     `json:"template,omitempty"`
	Mentions   []string   `json:"mentions,omitempty"`
}

func (c NotificationConfig) Validate() error {
	switch c.Kind {
	case TargetWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("%w: webhook target requires a url", ErrInvalidConfiguration)
		}
	case TargetTelegram:
		if c.ChatID == 0 {
			return fmt.Errorf("%w: telegram target requires a chat id", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidConfiguration, c.Kind)
	}
	switch c.Format {
	case FormatText, FormatMarkdown:
	default:
		return fmt.Errorf("%w: unknown message format %q", ErrInvalidConfiguration, c.Format)
	}
	return nil
}

// Task is the aggregate root. Mutators validate sub-objects before
// accepting them; malformed rules/associations are never stored.
type Task struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// Optional activation window. Either bound may be open.
	EnableTime  *time.Time `json:"enable_time,omitempty"`
	DisableTime *time.Time `json:"disable_time,omitempty"`

	GroupID string `json:"group_id,omitempty"`

	Rules        []rule.Rule         `json:"rules,omitempty"`
	Associations []assoc.Association `json:"associations,omitempty"`
	Notification *NotificationConfig `json:"notification,omitempty"`
}

// Validate checks the aggregate's own invariants (not its sub-objects;
// those are validated on the way in by the mutators).
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidConfiguration)
	}
	if !t.Priority.valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidConfiguration, t.Priority)
	}
	if !t.Status.valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidConfiguration, t.Status)
	}
	if t.EnableTime != nil && t.DisableTime != nil && !t.EnableTime.Before(*t.DisableTime) {
		return fmt.Errorf("%w: enable_time must be before disable_time", ErrInvalidConfiguration)
	}
	return nil
}

// IsActive reports whether the task is schedulable at now: status active
// and now inside the activation window.
func (t *Task) IsActive(now time.Time) bool {
	if t.Status != StatusActive {
		return false
	}
	if t.EnableTime != nil && now.Before(*t.EnableTime) {
		return false
	}
	if t.DisableTime != nil && !now.Before(*t.DisableTime) {
		return false
	}
	return true
}

// CanScheduleAt reports whether the task could be planned at the given
// instant. The reason string is diagnostic output, not an error.
func (t *Task) CanScheduleAt(at time.Time) (bool, string) {
	if t.Status != StatusActive {
		return false, fmt.Sprintf("task status is %s", t.Status)
	}
	if t.EnableTime != nil && at.Before(*t.EnableTime) {
		return false, fmt.Sprintf("before activation window (enables %s)", t.EnableTime.Format(time.RFC3339))
	}
	if t.DisableTime != nil && !at.Before(*t.DisableTime) {
		return false, fmt.Sprintf("after activation window (disabled %s)", t.DisableTime.Format(time.RFC3339))
	}
	if len(t.Rules) == 0 {
		return false, "task has no schedule rules"
	}
	return true, ""
}

// ---- Mutators ----

func (t *Task) AddRule(r rule.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.TaskID != "" && r.TaskID != t.ID {
		return fmt.Errorf("%w: rule belongs to task %s", ErrInvalidConfiguration, r.TaskID)
	}
	r.TaskID = t.ID
	t.Rules = append(t.Rules, r)
	return nil
}

func (t *Task) RemoveRule(ruleID string) bool {
	n := 0
	removed := false
	for _, r := range t.Rules {
		if r.ID == ruleID {
			removed = true
			continue
		}
		t.Rules[n] = r
		n++
	}
	t.Rules = t.Rules[:n]
	return removed
}

func (t *Task) AddAssociation(a assoc.Association) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.PrimaryTaskID != t.ID && a.AssociatedTaskID != t.ID {
		return fmt.Errorf("%w: association does not reference this task", ErrInvalidConfiguration)
	}
	t.Associations = append(t.Associations, a)
	return nil
}

func (t *Task) RemoveAssociation(assocID string) bool {
	n := 0
	removed := false
	for _, a := range t.Associations {
		if a.ID == assocID {
			removed = true
			continue
		}
		t.Associations[n] = a
		n++
	}
	t.Associations = t.Associations[:n]
	return removed
}

func (t *Task) SetNotificationConfig(c NotificationConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	t.Notification = &c
	return nil
}

// ---- Status state machine ----

func (t *Task) Pause() error  { return t.transition(StatusPaused) }
func (t *Task) Resume() error { return t.transition(StatusActive) }
func (t *Task) Expire() error { return t.transition(StatusExpired) }

func (t *Task) transition(to Status) error {
	if t.Status == to {
		return nil
	}
	if t.Status == StatusExpired {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, StatusExpired)
	}
	switch to {
	case StatusActive, StatusPaused, StatusExpired:
		t.Status = to
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
}
