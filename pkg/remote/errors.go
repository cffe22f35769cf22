package remote

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTargetUnreachable means the backend or the target could not be contacted.
	ErrTargetUnreachable = errors.New("target unreachable")
	// ErrInvalidCommand means the request was malformed (empty body, no target).
	ErrInvalidCommand = errors.New("invalid command")
	// ErrNotFound means the handle is unknown to the backend or has expired.
	ErrNotFound = errors.New("command not found")
	// ErrStillRunning is transient: the invocation has not reached a terminal status.
	ErrStillRunning = errors.New("command still running")
	// ErrPollTimeout means the local wait budget ran out. The remote command
	// may still be running.
	ErrPollTimeout = errors.New("poll timeout")
)

// PollTimeoutError is returned by Await when no terminal status was observed
// in time, or when the caller abandoned polling through its context.
type PollTimeoutError struct {
	Handle    Handle
	Waited    time.Duration
	Last      Result // last partial result, zero if none was observed
	Abandoned bool
	Cause     error // context error when Abandoned
}

func (e *PollTimeoutError) Error() string {
	last := "no status observed"
	if !e.Last.Handle.IsZero() {
		last = "last status " + e.Last.Status.String()
		if e.Last.Detail != "" {
			last += " (" + e.Last.Detail + ")"
		}
	}
	if e.Abandoned {
		return fmt.Sprintf("polling %s abandoned after %s: %v; %s; remote command may still be running",
			e.Handle, e.Waited.Round(time.Millisecond), e.Cause, last)
	}
	return fmt.Sprintf("%s waiting for %s after %s; %s; remote command may still be running",
		ErrPollTimeout, e.Handle, e.Waited.Round(time.Millisecond), last)
}

func (e *PollTimeoutError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrPollTimeout, e.Cause}
	}
	return []error{ErrPollTimeout}
}
