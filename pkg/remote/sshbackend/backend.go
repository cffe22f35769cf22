// Package sshbackend runs remote commands over plain SSH. Each command gets
// its own session on a per-target connection and runs in the background; the
// outcome is kept for a while so it can be fetched repeatedly.
package sshbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	User                  string        `yaml:"user" json:"user" validate:"required"`
	Port                  int           `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Password              string        `yaml:"password" json:"password"`
	KeyPath               string        `yaml:"keyPath" json:"keyPath"`
	Passphrase            string        `yaml:"passphrase" json:"passphrase"`
	UseAgent              bool          `yaml:"useAgent" json:"useAgent"`
	KnownHosts            string        `yaml:"knownHosts" json:"knownHosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecureIgnoreHostKey" json:"insecureIgnoreHostKey"`
	DialTimeout           time.Duration `yaml:"dialTimeout" json:"dialTimeout" validate:"gte=0"`
	DialAttempts          uint64        `yaml:"dialAttempts" json:"dialAttempts"`
	DefaultTimeout        time.Duration `yaml:"defaultTimeout" json:"defaultTimeout" validate:"gte=0"`
	ResultTTL             time.Duration `yaml:"resultTTL" json:"resultTTL" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Port:           22,
		UseAgent:       true,
		DialTimeout:    10 * time.Second,
		DialAttempts:   4,
		DefaultTimeout: time.Hour,
		ResultTTL:      time.Hour,
	}
}

type Option func(*Backend)

func WithLogger(l lg.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithDialer replaces the network dialer, mostly for tests.
func WithDialer(d Dialer) Option {
	return func(b *Backend) { b.dial = d }
}

// WithDialBackOff replaces the exponential backoff used between dial attempts.
func WithDialBackOff(newBackOff func() backoff.BackOff) Option {
	return func(b *Backend) { b.newBackOff = newBackOff }
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

type invocation struct {
	result  remote.Result
	expires time.Time // zero while running
}

// Backend implements remote.Backend over SSH.
type Backend struct {
	cfg        Config
	dial       Dialer
	closer     io.Closer
	newBackOff func() backoff.BackOff
	logger     lg.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	conns       map[string]Conn
	invocations map[string]*invocation
}

// New returns a Backend. Without WithDialer the ssh client configuration is
// built from cfg, which fails fast on unreadable keys or known_hosts.
func New(cfg Config, opts ...Option) (*Backend, error) {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = def.DialAttempts
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = def.ResultTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:         cfg,
		closer:      nopCloser{},
		logger:      lg.Discard,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]Conn),
		invocations: make(map[string]*invocation),
		newBackOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				MaxInterval:         5 * time.Second,
				Multiplier:          1.5,
				RandomizationFactor: 0.5,
				Stop:                backoff.Stop,
				Clock:               backoff.SystemClock,
			}
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dial == nil {
		dial, closer, err := NewDialer(cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		b.dial, b.closer = dial, closer
	}
	return b, nil
}

func (b *Backend) Send(ctx context.Context, req remote.CommandRequest) (remote.Handle, error) {
	script, err := buildScript(req)
	if err != nil {
		return remote.Handle{}, err
	}
	addr := normalizeAddr(req.Target, b.cfg.Port)

	conn, err := b.connect(ctx, addr)
	if err != nil {
		return remote.Handle{}, err
	}
	sess, err := conn.NewSession()
	if err != nil {
		// the connection is probably dead; the next Send redials
		b.dropConn(addr, conn)
		return remote.Handle{}, fmt.Errorf("%w: %s: new session: %v", remote.ErrTargetUnreachable, req.Target, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return remote.Handle{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return remote.Handle{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(script); err != nil {
		_ = sess.Close()
		return remote.Handle{}, fmt.Errorf("%w: %s: start: %v", remote.ErrTargetUnreachable, req.Target, err)
	}

	h := remote.Handle{ID: uuid.NewString(), Target: req.Target}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sess.Close()
		return remote.Handle{}, fmt.Errorf("%w: backend closed", remote.ErrTargetUnreachable)
	}
	b.invocations[h.ID] = &invocation{result: remote.Result{
		Handle:    h,
		Status:    remote.StatusPending,
		Code:      -1,
		Detail:    "InProgress",
		StartedAt: b.now(),
	}}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.watch(h, sess, stdout, stderr, timeout)
	b.logger.Debug("ssh command started", lg.String("handle", h.String()), lg.Duration("timeout", timeout))
	return h, nil
}

func (b *Backend) Invocation(_ context.Context, h remote.Handle) (remote.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	inv, ok := b.invocations[h.ID]
	if !ok || inv.result.Handle.Target != h.Target {
		return remote.Result{}, fmt.Errorf("%w: %s", remote.ErrNotFound, h)
	}
	return inv.result, nil
}

// Close cancels every running session, marking it Cancelled, and closes the
// connections. Results already collected stay readable.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]Conn)
	b.mu.Unlock()

	var errs []error
	for addr, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	if err := b.closer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// connect returns the cached connection for addr or dials a new one. Only
// the dial is retried; a started command is never re-run.
func (b *Backend) connect(ctx context.Context, addr string) (Conn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: backend closed", remote.ErrTargetUnreachable)
	}
	if c, ok := b.conns[addr]; ok {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	var conn Conn
	operation := func() error {
		c, err := b.dial(ctx, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		b.logger.Warn("ssh dial failed, retrying",
			lg.String("addr", addr), lg.Err(err), lg.Duration("next", next))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), b.cfg.DialAttempts-1), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", remote.ErrTargetUnreachable, addr, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.conns[addr]; ok {
		_ = conn.Close()
		return existing, nil
	}
	b.conns[addr] = conn
	return conn, nil
}

func (b *Backend) dropConn(addr string, c Conn) {
	b.mu.Lock()
	if b.conns[addr] == c {
		delete(b.conns, addr)
	}
	b.mu.Unlock()
	_ = c.Close()
}

// watch drains the session output and records the outcome. It owns sess.
func (b *Backend) watch(h remote.Handle, sess Session, stdout, stderr io.Reader, timeout time.Duration) {
	defer b.wg.Done()
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		g.Go(func() error { _, err := io.Copy(&outBuf, stdout); return err })
		g.Go(func() error { _, err := io.Copy(&errBuf, stderr); return err })
		drainErr := g.Wait()
		err := sess.Wait()
		if err == nil && drainErr != nil {
			err = drainErr
		}
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		status remote.Status
		code   = -1
		detail string
	)
	select {
	case err := <-done:
		status, code, detail = exitStatus(err)
	case <-timer.C:
		_ = sess.Close()
		<-done
		status, detail = remote.StatusTimedOut, fmt.Sprintf("no exit after %s", timeout)
	case <-b.ctx.Done():
		_ = sess.Close()
		<-done
		status, detail = remote.StatusCancelled, "backend closed"
	}

	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invocations[h.ID]
	if !ok {
		return
	}
	inv.result.Status = status
	inv.result.Code = code
	inv.result.Detail = detail
	inv.result.Stdout = outBuf.String()
	inv.result.Stderr = errBuf.String()
	inv.result.FinishedAt = now
	inv.expires = now.Add(b.cfg.ResultTTL)
	b.logger.Debug("ssh command finished",
		lg.String("handle", h.String()),
		lg.String("status", status.String()),
		lg.Int("code", code))
}

// exitStatus maps the error from Session.Wait to a terminal status.
func exitStatus(err error) (remote.Status, int, string) {
	if err == nil {
		return remote.StatusSuccess, 0, ""
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return remote.StatusFailed, -1, "exit status missing"
	}
	var exit interface{ ExitStatus() int }
	if errors.As(err, &exit) {
		return remote.StatusFailed, exit.ExitStatus(), ""
	}
	return remote.StatusFailed, -1, err.Error()
}

func (b *Backend) expireLocked() {
	now := b.now()
	for id, inv := range b.invocations {
		if !inv.expires.IsZero() && now.After(inv.expires) {
			delete(b.invocations, id)
		}
	}
}
