package sshbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type outcome struct {
	stdout string
	stderr string
	exit   int
	hang   bool
}

type exitErr int

func (e exitErr) Error() string   { return fmt.Sprintf("Process exited with status %d", int(e)) }
func (e exitErr) ExitStatus() int { return int(e) }

type fakeSession struct {
	run        func(cmd string) outcome
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	closed     chan struct{}
	closeOnce  sync.Once
	exited     chan error
}

func newFakeSession(run func(string) outcome) *fakeSession {
	s := &fakeSession{run: run, closed: make(chan struct{}), exited: make(chan error, 1)}
	s.outR, s.outW = io.Pipe()
	s.errR, s.errW = io.Pipe()
	return s
}

func (s *fakeSession) StdoutPipe() (io.Reader, error) { return s.outR, nil }
func (s *fakeSession) StderrPipe() (io.Reader, error) { return s.errR, nil }

func (s *fakeSession) Start(cmd string) error {
	go func() {
		o := s.run(cmd)
		_, _ = io.WriteString(s.outW, o.stdout)
		_, _ = io.WriteString(s.errW, o.stderr)
		if o.hang {
			<-s.closed
			_ = s.outW.Close()
			_ = s.errW.Close()
			s.exited <- errors.New("session closed")
			return
		}
		_ = s.outW.Close()
		_ = s.errW.Close()
		if o.exit != 0 {
			s.exited <- exitErr(o.exit)
			return
		}
		s.exited <- nil
	}()
	return nil
}

func (s *fakeSession) Wait() error { return <-s.exited }

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeConn struct {
	mu       sync.Mutex
	run      func(string) outcome
	commands []string
	closed   bool
}

func (c *fakeConn) NewSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection closed")
	}
	return newFakeSession(func(cmd string) outcome {
		c.mu.Lock()
		c.commands = append(c.commands, cmd)
		c.mu.Unlock()
		return c.run(cmd)
	}), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBackend(t *testing.T, conn *fakeConn, opts ...Option) (*Backend, *int) {
	t.Helper()
	dials := 0
	var mu sync.Mutex
	base := []Option{
		WithDialer(func(context.Context, string) (Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			return conn, nil
		}),
		WithDialBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
	b, err := New(Config{User: "deploy"}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, &dials
}

func waitTerminal(t *testing.T, b *Backend, h remote.Handle) remote.Result {
	t.Helper()
	var res remote.Result
	require.Eventually(t, func() bool {
		r, err := b.Invocation(context.Background(), h)
		if err != nil {
			return false
		}
		res = r
		return r.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return res
}

func TestSendSuccess(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{stdout: "{\"status\":\"ok\"}\n"} }}
	b, _ := newTestBackend(t, conn)

	h, err := b.Send(context.Background(), remote.CommandRequest{Target: "10.0.0.5", Command: "echo ok"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", h.Target)
	assert.NotEmpty(t, h.ID)

	res := waitTerminal(t, b, h)
	assert.Equal(t, remote.StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "{\"status\":\"ok\"}\n", res.Stdout)
	assert.False(t, res.FinishedAt.IsZero())
	assert.Equal(t, []string{"echo ok"}, conn.Commands())

	again, err := b.Invocation(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestSendNonZeroExit(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome {
		return outcome{stdout: "checking\n", stderr: "Health check failed\n", exit: 22}
	}}
	b, _ := newTestBackend(t, conn)

	h, err := b.Send(context.Background(), remote.CommandRequest{Target: "app1", Command: "curl -fsS localhost:4000/health"})
	require.NoError(t, err)

	res := waitTerminal(t, b, h)
	assert.Equal(t, remote.StatusFailed, res.Status)
	assert.Equal(t, 22, res.Code)
	assert.Equal(t, "Health check failed\n", res.Stderr)
	assert.Equal(t, "checking\n", res.Stdout)
}

func TestSendTimeoutMarksTimedOut(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{stdout: "starting\n", hang: true} }}
	b, _ := newTestBackend(t, conn)

	h, err := b.Send(context.Background(), remote.CommandRequest{
		Target: "app1", Command: "sleep 600", Timeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	res := waitTerminal(t, b, h)
	assert.Equal(t, remote.StatusTimedOut, res.Status)
	assert.Equal(t, -1, res.Code)
	assert.Equal(t, "starting\n", res.Stdout)
}

func TestCloseCancelsRunningCommands(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{hang: true} }}
	b, _ := newTestBackend(t, conn)

	h, err := b.Send(context.Background(), remote.CommandRequest{Target: "app1", Command: "tail -f log"})
	require.NoError(t, err)

	pending, err := b.Invocation(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusPending, pending.Status)

	require.NoError(t, b.Close())
	res, err := b.Invocation(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusCancelled, res.Status)
	assert.True(t, conn.Closed())

	_, err = b.Send(context.Background(), remote.CommandRequest{Target: "app1", Command: "true"})
	assert.ErrorIs(t, err, remote.ErrTargetUnreachable)
}

func TestResultsExpireAfterTTL(t *testing.T) {
	clk := &clock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	conn := &fakeConn{run: func(string) outcome { return outcome{stdout: "ok"} }}
	b, _ := newTestBackend(t, conn, WithClock(clk.Now))

	h, err := b.Send(context.Background(), remote.CommandRequest{Target: "app1", Command: "true"})
	require.NoError(t, err)
	waitTerminal(t, b, h)

	clk.Advance(59 * time.Minute)
	_, err = b.Invocation(context.Background(), h)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = b.Invocation(context.Background(), h)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestInvocationUnknownHandle(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{} }}
	b, _ := newTestBackend(t, conn)

	_, err := b.Invocation(context.Background(), remote.Handle{ID: "nope", Target: "app1"})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	h, err := b.Send(context.Background(), remote.CommandRequest{Target: "app1", Command: "true"})
	require.NoError(t, err)
	waitTerminal(t, b, h)
	_, err = b.Invocation(context.Background(), remote.Handle{ID: h.ID, Target: "app2"})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestConnectionReusedPerTarget(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{} }}
	b, dials := newTestBackend(t, conn)

	for i := 0; i < 3; i++ {
		h, err := b.Send(context.Background(), remote.CommandRequest{Target: "app1:2222", Command: "true"})
		require.NoError(t, err)
		waitTerminal(t, b, h)
	}
	assert.Equal(t, 1, *dials)
}

func TestDialIsRetriedButCommandIsNot(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{exit: 1} }}
	attempts := 0
	var addrs []string
	b, err := New(Config{User: "deploy", DialAttempts: 3},
		WithDialBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithDialer(func(_ context.Context, addr string) (Conn, error) {
			attempts++
			addrs = append(addrs, addr)
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return conn, nil
		}))
	require.NoError(t, err)
	defer b.Close()

	h, err := b.Send(context.Background(), remote.CommandRequest{Target: "app1", Command: "false"})
	require.NoError(t, err)
	res := waitTerminal(t, b, h)
	assert.Equal(t, remote.StatusFailed, res.Status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "app1:22", addrs[0])
	assert.Len(t, conn.Commands(), 1)
}

func TestDialExhaustedIsUnreachable(t *testing.T) {
	attempts := 0
	b, err := New(Config{User: "deploy", DialAttempts: 2},
		WithDialBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithDialer(func(context.Context, string) (Conn, error) {
			attempts++
			return nil, errors.New("no route to host")
		}))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Send(context.Background(), remote.CommandRequest{Target: "10.9.9.9", Command: "uptime"})
	assert.ErrorIs(t, err, remote.ErrTargetUnreachable)
	assert.Contains(t, err.Error(), "no route to host")
	assert.Equal(t, 2, attempts)
}

func TestSecretsAndWorkingDirectoryPrelude(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{} }}
	b, _ := newTestBackend(t, conn)

	h, err := b.Send(context.Background(), remote.CommandRequest{
		Target:    "app1",
		Command:   `curl -s -H "Authorization: Bearer $API_TOKEN" localhost:4000/api/chats`,
		Params:    map[string]string{ParamWorkingDirectory: "/srv/summit app"},
		SecretEnv: map[string]string{"API_TOKEN": "/etc/summit/token", "ADMIN_PASS": "/etc/summit/admin"},
	})
	require.NoError(t, err)
	waitTerminal(t, b, h)

	cmds := conn.Commands()
	require.Len(t, cmds, 1)
	want := strings.Join([]string{
		`ADMIN_PASS="$(cat /etc/summit/admin)" || exit 97`,
		`export ADMIN_PASS`,
		`API_TOKEN="$(cat /etc/summit/token)" || exit 97`,
		`export API_TOKEN`,
		`cd '/srv/summit app' || exit 98`,
		`curl -s -H "Authorization: Bearer $API_TOKEN" localhost:4000/api/chats`,
	}, "\n")
	assert.Equal(t, want, cmds[0])
}

func TestUnsupportedParamIsInvalid(t *testing.T) {
	conn := &fakeConn{run: func(string) outcome { return outcome{} }}
	b, dials := newTestBackend(t, conn)

	_, err := b.Send(context.Background(), remote.CommandRequest{
		Target: "app1", Command: "true", Params: map[string]string{"executionTimeout": "60"},
	})
	assert.ErrorIs(t, err, remote.ErrInvalidCommand)
	assert.Zero(t, *dials)
}

func TestThroughClient(t *testing.T) {
	conn := &fakeConn{run: func(cmd string) outcome {
		return outcome{stdout: "Logging in...\n{\"token\":\"abc123\"}\nDone\n"}
	}}
	b, _ := newTestBackend(t, conn)
	c := remote.NewClient(b)

	h, err := c.Submit(context.Background(), "app1", "./login.sh", time.Minute)
	require.NoError(t, err)
	res, err := c.AwaitCompletion(context.Background(), h, 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusSuccess, res.Status)
	assert.Contains(t, res.Stdout, "abc123")
}
