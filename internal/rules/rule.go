package rules

import (
	"context"
	"time"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/subscriber"
)

// HistoryView is the read-only window into recent events a rule may
// consult during evaluation.
type HistoryView interface {
	Query(programID string, from, to time.Time) []*subscriber.ProgramEvent
}

// Description is the static shape of a rule.
type Description struct {
	Description     string            `json:"description"`
	DefaultSeverity alerts.Severity   `json:"default_severity"`
	// Program restricts evaluation to one program id; empty matches
	// every program.
	Program       string            `json:"program,omitempty"`
	WindowSeconds int               `json:"window_seconds,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

// Error kinds recorded in rule_errors{rule, kind}.
const (
	ErrKindTimeout  = "timeout"
	ErrKindPanic    = "panic"
	ErrKindBadInput = "bad_input"
	ErrKindInternal = "internal"
)

// EvalError is a rule failure surfaced to the engine.
type EvalError struct {
	Kind    string
	Message string
}

// Result is the outcome of one evaluation: no alert, an alert, or an
// error. Alert and Err are mutually exclusive.
type Result struct {
	Alert *alerts.Alert
	Err   *EvalError
}

// NoAlert is the quiet outcome.
func NoAlert() Result {
	return Result{}
}

// Triggered wraps an alert outcome.
func Triggered(a *alerts.Alert) Result {
	return Result{Alert: a}
}

// Failed wraps an error outcome.
func Failed(kind, message string) Result {
	return Result{Err: &EvalError{Kind: kind, Message: message}}
}

// Rule is the evaluator capability set. Evaluate must be safe for
// concurrent invocation on the same rule; stateful rules guard their
// own state. Rules read history through the view and never write it.
type Rule interface {
	Name() string
	Describe() Description
	Evaluate(ctx context.Context, event *subscriber.ProgramEvent, view HistoryView, now time.Time) Result
}
