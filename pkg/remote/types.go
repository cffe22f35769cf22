// Package remote submits shell commands to a remote execution backend,
// polls them to completion and returns the captured output.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of one remote command invocation.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
	StatusTimedOut
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:   "Pending",
	StatusSuccess:   "Success",
	StatusFailed:    "Failed",
	StatusTimedOut:  "TimedOut",
	StatusCancelled: "Cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool { return s != StatusPending }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	for k, v := range statusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// CommandRequest describes one shell script to run on a target.
type CommandRequest struct {
	Target  string            `json:"target" validate:"required"`
	Command string            `json:"command" validate:"required"`
	Timeout time.Duration     `json:"timeout" validate:"gte=0"`
	Params  map[string]string `json:"params,omitempty"`
	Comment string            `json:"comment,omitempty" validate:"max=100"`
	// SecretEnv maps an environment variable name to a secret reference that
	// the backend resolves on the remote side. Values never appear in Command.
	SecretEnv map[string]string `json:"secretEnv,omitempty" validate:"omitempty,dive,keys,envname,endkeys,required"`
}

// Handle identifies one acknowledged invocation. Only backends create them.
type Handle struct {
	ID     string `json:"id"`
	Target string `json:"target"`
}

func (h Handle) String() string { return h.Target + "/" + h.ID }

// IsZero reports whether h was never issued by a backend.
func (h Handle) IsZero() bool { return h.ID == "" }

// Result is the captured outcome of an invocation. Code is the backend's
// status code (exit code or response code), -1 when unknown.
type Result struct {
	Handle     Handle    `json:"handle"`
	Status     Status    `json:"status"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Code       int       `json:"code"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Backend is the transport-specific half of the client: anything that can
// accept a command for a target and later report on it.
type Backend interface {
	// Send submits req and returns once the backend acknowledged it.
	Send(ctx context.Context, req CommandRequest) (Handle, error)
	// Invocation reports the current state of h. A Pending result is not an
	// error at this level.
	Invocation(ctx context.Context, h Handle) (Result, error)
}
