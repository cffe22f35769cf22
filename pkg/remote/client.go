package remote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("envname", func(fl validator.FieldLevel) bool {
		return envNamePattern.MatchString(fl.Field().String())
	})
}

// ValidEnvName reports whether name can be exported as a shell variable.
func ValidEnvName(name string) bool { return envNamePattern.MatchString(name) }

// BreakerSettings controls the per-target circuit breaker around Send.
type BreakerSettings struct {
	// ConsecutiveFailures of ErrTargetUnreachable before the breaker opens.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a trial request through.
	OpenTimeout time.Duration
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: 30 * time.Second}
}

type Option func(*Client)

func WithLogger(l lg.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithBreaker(s BreakerSettings) Option {
	return func(c *Client) { c.breakerCfg = s }
}

// Client validates requests, guards submission with a circuit breaker per
// target and turns backend results into the Pending/terminal contract.
// It holds no command text or results.
type Client struct {
	backend    Backend
	logger     lg.Logger
	breakerCfg BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:    backend,
		logger:     lg.Discard,
		breakerCfg: DefaultBreakerSettings(),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends command to target with the given remote timeout.
func (c *Client) Submit(ctx context.Context, target, command string, timeout time.Duration) (Handle, error) {
	return c.SubmitRequest(ctx, CommandRequest{Target: target, Command: command, Timeout: timeout})
}

// SubmitRequest is Submit with the full request.
func (c *Client) SubmitRequest(ctx context.Context, req CommandRequest) (Handle, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Handle{}, fmt.Errorf("%w: empty command body", ErrInvalidCommand)
	}
	if err := validate.Struct(req); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	res, err := c.breaker(req.Target).Execute(func() (any, error) {
		return c.backend.Send(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: %v", ErrTargetUnreachable, req.Target, err)
		}
		c.logger.Warn("submit failed", lg.String("target", req.Target), lg.Err(err))
		return Handle{}, err
	}
	h := res.(Handle)
	if h.IsZero() {
		return Handle{}, fmt.Errorf("backend returned an empty handle for %s", req.Target)
	}
	c.logger.Info("command submitted",
		lg.String("target", req.Target),
		lg.String("handle", h.ID),
		lg.Duration("timeout", req.Timeout))
	return h, nil
}

// FetchResult returns the terminal result of h, or the partial result
// together with ErrStillRunning.
func (c *Client) FetchResult(ctx context.Context, h Handle) (Result, error) {
	if h.IsZero() {
		return Result{}, fmt.Errorf("%w: empty handle", ErrNotFound)
	}
	res, err := c.backend.Invocation(ctx, h)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", h, err)
	}
	if !res.Status.Terminal() {
		return res, fmt.Errorf("%s: %w", h, ErrStillRunning)
	}
	c.logger.Debug("command finished",
		lg.String("handle", h.String()),
		lg.String("status", res.Status.String()),
		lg.Int("code", res.Code))
	return res, nil
}

// AwaitCompletion polls h every interval for at most maxWait.
func (c *Client) AwaitCompletion(ctx context.Context, h Handle, interval, maxWait time.Duration) (Result, error) {
	return Policy{Interval: interval, MaxWait: maxWait}.Await(ctx, c, h)
}

func (c *Client) breaker(target string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[target]; ok {
		return cb
	}
	limit := c.breakerCfg.ConsecutiveFailures
	logger := c.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "submit:" + target,
		MaxRequests: 1,
		Timeout:     c.breakerCfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTargetUnreachable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				lg.String("breaker", name),
				lg.String("from", from.String()),
				lg.String("to", to.String()))
		},
	})
	c.breakers[target] = cb
	return cb
}
