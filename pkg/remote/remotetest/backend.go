// Package remotetest provides a scripted in-memory remote.Backend.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/andrej220/remotectl/pkg/remote"
)

// Script describes how one submitted command behaves: how many polls report
// Pending before Final is returned.
type Script struct {
	Pending int
	Final   remote.Result
	SendErr error
}

// Succeed returns a Script that finishes with Success and the given stdout.
func Succeed(stdout string) Script {
	return Script{Final: remote.Result{Status: remote.StatusSuccess, Stdout: stdout, Code: 0}}
}

// Fail returns a Script that finishes with Failed, the given stderr and code.
func Fail(stderr string, code int) Script {
	return Script{Final: remote.Result{Status: remote.StatusFailed, Stderr: stderr, Code: code}}
}

type invocation struct {
	pending int
	final   remote.Result
}

// Backend caches terminal results so repeated fetches return equal values.
type Backend struct {
	mu          sync.Mutex
	responder   func(remote.CommandRequest) Script
	unreachable map[string]bool
	invocations map[string]*invocation
	requests    []remote.CommandRequest
	seq         int
	sends       int
	polls       int
}

func New() *Backend {
	return &Backend{
		responder:   func(remote.CommandRequest) Script { return Succeed("") },
		unreachable: make(map[string]bool),
		invocations: make(map[string]*invocation),
	}
}

// Respond installs fn to decide the behaviour of every submitted request.
func (b *Backend) Respond(fn func(remote.CommandRequest) Script) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responder = fn
	return b
}

// Always makes every request behave like s.
func (b *Backend) Always(s Script) *Backend {
	return b.Respond(func(remote.CommandRequest) Script { return s })
}

// Match makes requests whose command contains substr behave like s, and
// everything else like before.
func (b *Backend) Match(substr string, s Script) *Backend {
	b.mu.Lock()
	prev := b.responder
	b.mu.Unlock()
	return b.Respond(func(req remote.CommandRequest) Script {
		if strings.Contains(req.Command, substr) {
			return s
		}
		return prev(req)
	})
}

func (b *Backend) SetUnreachable(target string) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable[target] = true
	return b
}

// Expire forgets h, as a backend does after its retention period.
func (b *Backend) Expire(h remote.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.invocations, h.ID)
}

func (b *Backend) Send(_ context.Context, req remote.CommandRequest) (remote.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends++
	if b.unreachable[req.Target] {
		return remote.Handle{}, fmt.Errorf("%w: %s: connection refused", remote.ErrTargetUnreachable, req.Target)
	}
	s := b.responder(req)
	if s.SendErr != nil {
		return remote.Handle{}, s.SendErr
	}
	b.seq++
	h := remote.Handle{ID: fmt.Sprintf("cmd-%04d", b.seq), Target: req.Target}
	final := s.Final
	final.Handle = h
	if !final.Status.Terminal() {
		final.Status = remote.StatusSuccess
	}
	b.invocations[h.ID] = &invocation{pending: s.Pending, final: final}
	b.requests = append(b.requests, req)
	return h, nil
}

func (b *Backend) Invocation(_ context.Context, h remote.Handle) (remote.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	inv, ok := b.invocations[h.ID]
	if !ok || h.Target != inv.final.Handle.Target {
		return remote.Result{}, fmt.Errorf("%w: %s", remote.ErrNotFound, h)
	}
	if inv.pending > 0 {
		inv.pending--
		return remote.Result{Handle: h, Status: remote.StatusPending, Detail: "InProgress", Code: -1}, nil
	}
	return inv.final, nil
}

// Sends returns the number of Send calls, including rejected ones.
func (b *Backend) Sends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

// Polls returns the number of Invocation calls.
func (b *Backend) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

// Requests returns the accepted requests in submission order.
func (b *Backend) Requests() []remote.CommandRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]remote.CommandRequest(nil), b.requests...)
}
