package runbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/parse"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/andrej220/remotectl/pkg/workerpool"
	"github.com/google/uuid"
)

// State is where a run or a step is in its lifecycle.
type State string

const (
	StateIdle       State = "Idle"
	StateSubmitting State = "Submitting"
	StatePolling    State = "Polling"
	StateSucceeded  State = "Succeeded"
	StateFailed     State = "Failed"
	StateTimedOut   State = "TimedOut"
	StateSkipped    State = "Skipped"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateSkipped:
		return true
	}
	return false
}

type StepReport struct {
	Name     string        `json:"name" bson:"name"`
	Kind     string        `json:"kind" bson:"kind"`
	State    State         `json:"state" bson:"state"`
	Result   remote.Result `json:"result" bson:"result"`
	Captured []string      `json:"captured,omitempty" bson:"captured,omitempty"` // names only
	Error    string        `json:"error,omitempty" bson:"error,omitempty"`
	Started  time.Time     `json:"started" bson:"started"`
	Finished time.Time     `json:"finished" bson:"finished"`
}

// Report is the outcome of one runbook on one target.
type Report struct {
	RunID    string       `json:"runId" bson:"runId"`
	Runbook  string       `json:"runbook" bson:"runbook"`
	Target   string       `json:"target" bson:"target"`
	State    State        `json:"state" bson:"state"`
	Steps    []StepReport `json:"steps" bson:"steps"`
	Error    string       `json:"error,omitempty" bson:"error,omitempty"`
	Started  time.Time    `json:"started" bson:"started"`
	Finished time.Time    `json:"finished" bson:"finished"`
}

// Key identifies the report across sinks.
func (r Report) Key() string { return r.RunID + "_" + r.Target }

// LastResult is the result of the last step that reached the backend.
func (r Report) LastResult() (remote.Result, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].State != StateSkipped && !r.Steps[i].Result.Handle.IsZero() {
			return r.Steps[i].Result, true
		}
	}
	return remote.Result{}, false
}

// StepError is returned when a step halts the run.
type StepError struct {
	Runbook string
	Target  string
	Index   int
	Step    string
	Command string
	Result  remote.Result
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s on %s: step %d %q: %v", e.Runbook, e.Target, e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Event is a progress notification for interactive output.
type Event struct {
	Target string
	Step   string
	State  State
	Result remote.Result
	Next   time.Duration // wait before the next poll, when polling
}

// Recorder stores finished reports. Failures are logged, never fatal.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

type Option func(*Runner)

func WithLogger(l lg.Logger) Option { return func(r *Runner) { r.logger = l } }

func WithRecorder(rec Recorder) Option { return func(r *Runner) { r.recorder = rec } }

func WithEvents(fn func(Event)) Option { return func(r *Runner) { r.onEvent = fn } }

// WithPolicy sets the poll policy used when a runbook does not set its own
// interval or max wait.
func WithPolicy(p remote.Policy) Option { return func(r *Runner) { r.policy = p } }

func WithMaxParallel(n int) Option { return func(r *Runner) { r.maxParallel = n } }

// Runner executes runbooks through a remote.Client. It keeps no state between
// runs.
type Runner struct {
	client      *remote.Client
	logger      lg.Logger
	recorder    Recorder
	onEvent     func(Event)
	policy      remote.Policy
	maxParallel int
	chain       *parse.Chain
	now         func() time.Time
}

func NewRunner(client *remote.Client, opts ...Option) *Runner {
	r := &Runner{
		client:      client,
		logger:      lg.Discard,
		policy:      remote.DefaultPolicy(),
		maxParallel: workerpool.TotalMaxWorkers,
		chain:       parse.NewChain(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes rb on target, one step at a time. The first failing step stops
// the run; its error is a *StepError and the report keeps its result.
func (r *Runner) Run(ctx context.Context, rb *Runbook, target string) (Report, error) {
	return r.run(ctx, rb, target, uuid.NewString())
}

// RunAll runs rb on every target (rb.Targets when none are given) in
// parallel, one isolated run per target. Reports are in target order; the
// error joins the per-target failures.
func (r *Runner) RunAll(ctx context.Context, rb *Runbook, targets ...string) ([]Report, error) {
	if len(targets) == 0 {
		targets = rb.Targets
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrInvalidRunbook)
	}
	runID := uuid.NewString()
	reports := make([]Report, len(targets))
	errs := make([]error, len(targets))

	pool := workerpool.NewPool[int](r.maxParallel)
	for i := range targets {
		err := pool.Submit(workerpool.Job[int]{
			Payload: i,
			Ctx:     lg.Attach(ctx, r.logger.With(lg.String("target", targets[i]))),
			Fn: func(ctx context.Context, i int) error {
				rep, err := r.run(ctx, rb, targets[i], runID)
				reports[i] = rep
				return err
			},
			Done: func(i int, err error) { errs[i] = err },
		})
		if err != nil {
			errs[i] = err
		}
	}
	pool.Stop()

	for i, rep := range reports {
		if rep.Target == "" {
			// the job never started
			reports[i] = Report{RunID: runID, Runbook: rb.Name, Target: targets[i], State: StateFailed}
			if errs[i] != nil {
				reports[i].Error = errs[i].Error()
			}
		}
	}
	return reports, errors.Join(errs...)
}

func (r *Runner) run(ctx context.Context, rb *Runbook, target, runID string) (Report, error) {
	rep := Report{RunID: runID, Runbook: rb.Name, Target: target, State: StateIdle, Started: r.now()}
	logger := r.logger.With(lg.String("run", runID), lg.String("runbook", rb.Name), lg.String("target", target))

	err := r.steps(ctx, rb, target, &rep, logger)
	rep.Finished = r.now()
	if err != nil {
		rep.Error = err.Error()
		logger.Warn("run failed", lg.Err(err))
	} else {
		rep.State = StateSucceeded
		logger.Info("run succeeded", lg.Int("steps", len(rep.Steps)))
	}
	if r.recorder != nil {
		if rerr := r.recorder.Record(ctx, rep); rerr != nil {
			logger.Warn("recording run failed", lg.Err(rerr))
		}
	}
	return rep, err
}

func (r *Runner) steps(ctx context.Context, rb *Runbook, target string, rep *Report, logger lg.Logger) error {
	vars := newHostVars(rep.RunID)
	for i, st := range rb.Steps {
		sr := StepReport{Name: st.Name, State: StateIdle, Started: r.now()}
		action := st.Action()
		if action == nil {
			return r.fail(rep, sr, &StepError{Runbook: rb.Name, Target: target, Index: i, Step: st.Name,
				Err: fmt.Errorf("%w: step has no single kind", ErrInvalidRunbook)}, StateFailed)
		}
		sr.Kind = action.Kind()

		if st.If != "" && vars.Value(st.If) == "" {
			sr.State, sr.Finished = StateSkipped, r.now()
			rep.Steps = append(rep.Steps, sr)
			r.emit(Event{Target: target, Step: st.Name, State: StateSkipped})
			logger.Info("step skipped", lg.String("step", st.Name), lg.String("if", st.If))
			continue
		}

		res, command, err := r.step(ctx, rb, i, action, target, vars, rep, &sr)
		sr.Result, sr.Finished = res, r.now()
		if err != nil {
			state := StateFailed
			if errors.Is(err, remote.ErrPollTimeout) || errors.Is(err, ErrCommandTimedOut) {
				state = StateTimedOut
			}
			return r.fail(rep, sr, &StepError{Runbook: rb.Name, Target: target, Index: i, Step: st.Name,
				Command: command, Result: res, Err: err}, state)
		}
		sr.State = StateSucceeded
		rep.Steps = append(rep.Steps, sr)
		r.emit(Event{Target: target, Step: st.Name, State: StateSucceeded, Result: res})
		logger.Info("step succeeded", lg.String("step", st.Name), lg.String("handle", res.Handle.ID))
	}
	return nil
}

func (r *Runner) fail(rep *Report, sr StepReport, err *StepError, state State) error {
	sr.State = state
	sr.Error = err.Err.Error()
	if sr.Finished.IsZero() {
		sr.Finished = r.now()
	}
	rep.Steps = append(rep.Steps, sr)
	rep.State = state
	r.emit(Event{Target: err.Target, Step: err.Step, State: state, Result: err.Result})
	return err
}

// step submits one step, polls it and applies its checks and captures.
func (r *Runner) step(ctx context.Context, rb *Runbook, i int, action Action, target string,
	vars *hostVars, rep *Report, sr *StepReport) (remote.Result, string, error) {
	st := rb.Steps[i]
	body, err := action.Script()
	if err != nil {
		return remote.Result{}, "", fmt.Errorf("%w: %v", remote.ErrInvalidCommand, err)
	}
	command := vars.Command(body, i, len(st.Capture) > 0, i == len(rb.Steps)-1)

	sr.State, rep.State = StateSubmitting, StateSubmitting
	r.emit(Event{Target: target, Step: st.Name, State: StateSubmitting})
	timeout := st.Timeout
	if timeout == 0 {
		timeout = rb.Timeout
	}
	h, err := r.client.SubmitRequest(ctx, remote.CommandRequest{
		Target:    target,
		Command:   command,
		Timeout:   timeout,
		Comment:   comment(rb.Name, st.Name),
		SecretEnv: mergeEnv(rb.SecretEnv, st.SecretEnv),
	})
	if err != nil {
		return remote.Result{}, command, err
	}

	sr.State, rep.State = StatePolling, StatePolling
	policy := r.policy
	if rb.PollEvery > 0 {
		policy.Interval = rb.PollEvery
	}
	if rb.MaxWait > 0 {
		policy.MaxWait = rb.MaxWait
	}
	if st.MaxWait > 0 {
		policy.MaxWait = st.MaxWait
	}
	policy.Progress = func(last remote.Result, next time.Duration) {
		r.emit(Event{Target: target, Step: st.Name, State: StatePolling, Result: last, Next: next})
	}
	res, err := policy.Await(ctx, r.client, h)
	if err != nil {
		var pte *remote.PollTimeoutError
		if errors.As(err, &pte) {
			res = pte.Last
		}
		return res, command, err
	}

	processed := res
	if res.Status == remote.StatusSuccess {
		if processed.Stdout, err = r.chain.Apply(res.Stdout, st.Process...); err != nil {
			return res, command, err
		}
	}
	out, err := action.Check(processed)
	if err != nil {
		return res, command, err
	}
	names := make([]string, 0, len(st.Capture))
	for name := range st.Capture {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := parse.ExtractField(out, st.Capture[name])
		if err != nil {
			return res, command, fmt.Errorf("capture %s: %w", name, err)
		}
		if err := vars.Set(name, v, i, res.Stdout); err != nil {
			return res, command, fmt.Errorf("capture %s: %w", name, err)
		}
		sr.Captured = append(sr.Captured, name)
	}
	return res, command, nil
}

func (r *Runner) emit(e Event) {
	if r.onEvent != nil {
		r.onEvent(e)
	}
}

func mergeEnv(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// maxComment is the SSM limit on a command comment, in characters.
const maxComment = 100

func comment(runbook, step string) string {
	c := []rune(runbook + "/" + step)
	if len(c) > maxComment {
		c = c[:maxComment]
	}
	return string(c)
}
