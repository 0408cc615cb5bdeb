package domain

import (
	"encoding/json"
	"time"
)

// State represents the lifecycle states a task can be in.
// The integer values are persisted and must not change.
type State int

const (
	StateScheduled State = 0
	StateStarted   State = 1
	StateRetry     State = 2
	StateCompleted State = 10
	StateFailed    State = -1
	StateCanceled  State = -2
)

// MaxReasonLength bounds Task.Reason (in runes).
const MaxReasonLength = 250

// Reasons written by the queue itself.
const (
	ReasonStale              = "stale"
	ReasonNoHandler          = "failed to find handler"
	ReasonCanceled           = "task canceled"
	ReasonUnsupportedChannel = "unsupported channel on this worker"
	ReasonEngineRestarting   = "worker engine restarting"
	ReasonKilled             = "killed because task is taking to long to run"
	ReasonUnfinished         = "handler returned without completing"
)

var stateNames = map[State]string{
	StateScheduled: "scheduled",
	StateStarted:   "started",
	StateRetry:     "retry",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateCanceled:  "canceled",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseState maps a state name back to its State.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// ActiveStates are the states a manager is still allowed to execute.
var ActiveStates = []State{StateScheduled, StateStarted, StateRetry}

// Task is a persisted unit of asynchronous work.
type Task struct {
	ID              int64           `json:"id"`
	CreatedAt       time.Time       `json:"created"`
	ModifiedAt      time.Time       `json:"modified"`
	Channel         string          `json:"channel"`
	Namespace       string          `json:"namespace"`
	FunctionName    string          `json:"function_name"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	StaleAfter      *time.Time      `json:"stale_after,omitempty"`
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	State           State           `json:"state"`
	Attempts        int             `json:"attempts"`
	RuntimeSeconds  int             `json:"runtime"`
	Reason          string          `json:"reason,omitempty"`
}

// IsStale reports whether the task's absolute deadline has passed.
func (t *Task) IsStale(now time.Time) bool {
	return t.StaleAfter != nil && now.After(*t.StaleAfter)
}

// Runtime returns the recorded runtime for finished tasks and the elapsed
// time since start for running ones.
func (t *Task) Runtime(now time.Time) time.Duration {
	if t.State.IsTerminal() || t.StartedAt == nil {
		return time.Duration(t.RuntimeSeconds) * time.Second
	}
	return now.Sub(*t.StartedAt)
}

// Clone returns a deep copy safe to mutate independently.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.StaleAfter = cloneTime(t.StaleAfter)
	c.ScheduledFor = cloneTime(t.ScheduledFor)
	return &c
}

// MarkStarted moves the task into started and counts the attempt.
func (t *Task) MarkStarted(now time.Time) {
	t.State = StateStarted
	t.StartedAt = &now
	t.Attempts++
}

// MarkCompleted records a successful finish.
func (t *Task) MarkCompleted(now time.Time) {
	t.State = StateCompleted
	t.CompletedAt = &now
	t.RuntimeSeconds = t.elapsedSeconds(now)
}

// MarkFailed records a terminal failure.
func (t *Task) MarkFailed(reason string, now time.Time) {
	t.State = StateFailed
	t.CompletedAt = nil
	t.RuntimeSeconds = t.elapsedSeconds(now)
	t.SetReason(reason)
}

// MarkRetry defers the task until at. A nil at means as soon as possible.
func (t *Task) MarkRetry(reason string, at *time.Time) {
	t.State = StateRetry
	t.ScheduledFor = cloneTime(at)
	t.CancelRequested = false
	t.CompletedAt = nil
	if reason != "" {
		t.SetReason(reason)
	}
}

// MarkScheduled puts a deferred task back into the dispatchable state.
func (t *Task) MarkScheduled() {
	t.State = StateScheduled
	t.ScheduledFor = nil
	t.CancelRequested = false
}

// MarkCanceled records a terminal cancellation.
func (t *Task) MarkCanceled(reason string) {
	t.State = StateCanceled
	t.CompletedAt = nil
	t.SetReason(reason)
}

// SetReason stores reason truncated to MaxReasonLength runes.
func (t *Task) SetReason(reason string) {
	t.Reason = Truncate(reason, MaxReasonLength)
}

func (t *Task) elapsedSeconds(now time.Time) int {
	if t.StartedAt == nil {
		return 0
	}
	d := now.Sub(*t.StartedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Truncate cuts s down to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// LogKind classifies a task log entry.
type LogKind string

const (
	LogInfo      LogKind = "info"
	LogError     LogKind = "error"
	LogException LogKind = "exception"
)

// TaskLogEntry is an append-only note attached to a task.
type TaskLogEntry struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	CreatedAt time.Time `json:"created"`
	Kind      LogKind   `json:"kind"`
	Text      string    `json:"text"`
}

// TaskFilter selects tasks for List, Count and Delete.
// Zero-valued fields do not constrain the query.
type TaskFilter struct {
	IDs      []int64
	States   []State
	Channels []string
	// Due matches tasks whose scheduled_for is null or not after Due.
	Due *time.Time
	// CreatedBefore matches tasks created strictly before the instant.
	CreatedBefore *time.Time
	Limit         int
}
