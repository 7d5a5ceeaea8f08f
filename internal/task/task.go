// Package task holds the data model shared by every stage of a fan-out run:
// the immutable Request sent to a remote automation agent, the Frames decoded
// from its event stream, the per-task State those frames drive, and the
// aggregate RunState observers receive.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle position of one task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// rank orders statuses so transitions can be checked for monotonicity.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusConnecting:
		return 1
	case StatusRunning:
		return 2
	case StatusComplete, StatusError:
		return 3
	default:
		return -1
	}
}

// Precedes reports whether moving from s to next is a forward transition.
func (s Status) Precedes(next Status) bool {
	return s.rank() >= 0 && next.rank() > s.rank()
}

// ErrInvalidRequest is returned by Request.Validate.
var ErrInvalidRequest = errors.New("invalid task request")

// Request is the immutable input for one remote job. Options is passed
// through to the remote collaborator untouched.
type Request struct {
	Target      string         `json:"target" yaml:"target"`
	Instruction string         `json:"instruction" yaml:"instruction"`
	Options     map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Validate checks the fields the orchestrator itself depends on.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	return nil
}

func (r Request) clone() Request {
	if r.Options == nil {
		return r
	}
	opts := make(map[string]any, len(r.Options))
	for k, v := range r.Options {
		opts[k] = v
	}
	r.Options = opts
	return r
}

// Kind discriminates Frame variants.
type Kind string

const (
	KindProgress Kind = "progress"
	KindPreview  Kind = "preview"
	KindResult   Kind = "result"
	KindFailure  Kind = "failure"
)

// Frame is one decoded event from a task's stream. Only the field matching
// Kind is meaningful.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Message string          `json:"message,omitempty"`
	Preview string          `json:"preview,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

func Progress(message string) Frame {
	return Frame{Kind: KindProgress, Message: message}
}

func Preview(reference string) Frame {
	return Frame{Kind: KindPreview, Preview: reference}
}

func Result(payload json.RawMessage) Frame {
	return Frame{Kind: KindResult, Result: payload}
}

func Failure(reason string) Frame {
	return Frame{Kind: KindFailure, Reason: reason}
}

// State is everything known about one task at a point in time.
type State struct {
	ID          string          `json:"id"`
	Request     Request         `json:"request"`
	Status      Status          `json:"status"`
	History     []string        `json:"history"`
	Preview     string          `json:"preview,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewState returns a pending state for a freshly registered task.
func NewState(id string, req Request, now time.Time) State {
	return State{
		ID:        id,
		Request:   req.clone(),
		Status:    StatusPending,
		History:   []string{},
		StartedAt: now,
	}
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s State) Clone() State {
	out := s
	out.Request = s.Request.clone()
	out.History = append(make([]string, 0, len(s.History)), s.History...)
	if s.Result != nil {
		out.Result = append(json.RawMessage(nil), s.Result...)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
