package runbook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/andrej220/remotectl/pkg/parse"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/andrej220/remotectl/pkg/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() remote.Policy {
	return remote.Policy{Interval: time.Millisecond, MaxWait: time.Second}
}

type memRecorder struct {
	mu      sync.Mutex
	reports []Report
}

func (m *memRecorder) Record(_ context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func loginRunbook() *Runbook {
	return &Runbook{
		Name:    "check-chats",
		Timeout: 30 * time.Second,
		Steps: []Step{
			{
				Name:    "login",
				Shell:   &ShellStep{Run: "./login.sh"},
				Capture: map[string]string{"TOKEN": "token"},
			},
			{
				Name: "chats",
				If:   "TOKEN",
				Verify: &VerifyStep{
					URL:    "http://localhost:4000/api/chats",
					Header: map[string]string{"Authorization": "Bearer $TOKEN"},
					Field:  "0.id",
					Equals: "c1",
				},
			},
		},
	}
}

func TestRunCapturesFlowIntoLaterSteps(t *testing.T) {
	be := remotetest.New().
		Match("login.sh", remotetest.Succeed("Logging in...\n{\"token\":\"abc123\"}\nDone\n")).
		Match("curl", remotetest.Succeed("[{\"id\":\"c1\"},{\"id\":\"c2\"}]\n__HTTP_STATUS__:200\n"))
	rec := &memRecorder{}
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()), WithRecorder(rec))

	rep, err := r.Run(context.Background(), loginRunbook(), "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, rep.State)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, []string{"TOKEN"}, rep.Steps[0].Captured)
	assert.Equal(t, "verify", rep.Steps[1].Kind)
	assert.Equal(t, StateSucceeded, rep.Steps[1].State)

	reqs := be.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].Command, "./login.sh")
	assert.Contains(t, reqs[0].Command, `> "$RCTL_RUN_DIR/0.out"`)
	assert.Contains(t, reqs[1].Command, "remotectl-"+rep.RunID)
	assert.Contains(t, reqs[1].Command, `export TOKEN="$(tail -c +25 "$RCTL_RUN_DIR/0.out" | head -c 6)"`)
	assert.Contains(t, reqs[1].Command, `trap 'rm -rf "$RCTL_RUN_DIR"' EXIT`)
	for _, req := range reqs {
		assert.NotContains(t, req.Command, "abc123")
	}
	assert.Contains(t, reqs[1].Command, `-H "Authorization: Bearer $TOKEN"`)
	assert.Equal(t, "check-chats/chats", reqs[1].Comment)
	assert.Equal(t, 30*time.Second, reqs[1].Timeout)

	require.Len(t, rec.reports, 1)
	assert.Equal(t, rep.RunID, rec.reports[0].RunID)
}

func TestRunSkipsStepWhenCaptureIsEmpty(t *testing.T) {
	be := remotetest.New().Match("login.sh", remotetest.Succeed(`{"token":""}`))
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	rep, err := r.Run(context.Background(), loginRunbook(), "i-0abc")
	require.NoError(t, err)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, StateSkipped, rep.Steps[1].State)
	assert.Len(t, be.Requests(), 1)
}

func TestRunHaltsOnFirstFailure(t *testing.T) {
	rb := &Runbook{Name: "deploy", Steps: []Step{
		{Name: "backup", Shell: &ShellStep{Run: "cp -r /srv/app /srv/app.bak"}},
		{Name: "health", Shell: &ShellStep{Run: "curl -fsS localhost:4000/health"}},
		{Name: "restart", Restart: &RestartStep{Service: "summit"}},
	}}
	be := remotetest.New().Match("health", remotetest.Fail("curl: (7) Failed to connect", 7))
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	rep, err := r.Run(context.Background(), rb, "i-0abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, "health", se.Step)
	assert.Equal(t, "curl -fsS localhost:4000/health", se.Command)
	assert.Equal(t, 7, se.Result.Code)
	assert.Equal(t, "curl: (7) Failed to connect", se.Result.Stderr)

	assert.Equal(t, StateFailed, rep.State)
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, StateFailed, rep.Steps[1].State)
	last, ok := rep.LastResult()
	require.True(t, ok)
	assert.Equal(t, remote.StatusFailed, last.Status)
	assert.Len(t, be.Requests(), 2)
}

func TestRunCheckFailureHalts(t *testing.T) {
	rb := &Runbook{Name: "smoke", Steps: []Step{
		{Name: "status", Shell: &ShellStep{Run: "pm2 status", Expect: "online"}},
		{Name: "never", Shell: &ShellStep{Run: "true"}},
	}}
	be := remotetest.New().Always(remotetest.Succeed("│ summit │ stopped │"))
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	rep, err := r.Run(context.Background(), rb, "i-0abc")
	assert.ErrorIs(t, err, ErrCheckFailed)
	assert.Equal(t, StateFailed, rep.State)
	assert.Len(t, be.Requests(), 1)
}

func TestRunPollTimeoutIsTimedOut(t *testing.T) {
	rb := &Runbook{Name: "slow", MaxWait: 10 * time.Millisecond, Steps: []Step{
		{Name: "build", Shell: &ShellStep{Run: "npm run build"}},
	}}
	be := remotetest.New().Always(remotetest.Script{Pending: 1 << 20})
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	rep, err := r.Run(context.Background(), rb, "i-0abc")
	assert.ErrorIs(t, err, remote.ErrPollTimeout)
	assert.Equal(t, StateTimedOut, rep.State)
	require.Len(t, rep.Steps, 1)
	assert.Equal(t, remote.StatusPending, rep.Steps[0].Result.Status)
}

func TestRunRemoteTimeoutIsTimedOut(t *testing.T) {
	rb := &Runbook{Name: "slow", Steps: []Step{{Name: "build", Shell: &ShellStep{Run: "npm run build"}}}}
	be := remotetest.New().Always(remotetest.Script{Final: remote.Result{Status: remote.StatusTimedOut, Code: -1}})
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	rep, err := r.Run(context.Background(), rb, "i-0abc")
	assert.ErrorIs(t, err, ErrCommandTimedOut)
	assert.Equal(t, StateTimedOut, rep.State)
}

func TestRunUnreachableNeverPolls(t *testing.T) {
	rb := &Runbook{Name: "r", Steps: []Step{{Name: "a", Shell: &ShellStep{Run: "uptime"}}}}
	be := remotetest.New().SetUnreachable("i-dead")
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	rep, err := r.Run(context.Background(), rb, "i-dead")
	assert.ErrorIs(t, err, remote.ErrTargetUnreachable)
	assert.Equal(t, StateFailed, rep.State)
	assert.Zero(t, be.Polls())
}

func TestRunMissingCaptureFails(t *testing.T) {
	be := remotetest.New().Match("login.sh", remotetest.Succeed(`{"error":"bad credentials"}`))
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	_, err := r.Run(context.Background(), loginRunbook(), "i-0abc")
	assert.ErrorContains(t, err, "capture TOKEN")
	assert.Len(t, be.Requests(), 1)
}

func TestRunEmitsEvents(t *testing.T) {
	rb := &Runbook{Name: "r", Steps: []Step{{Name: "a", Shell: &ShellStep{Run: "uptime"}}}}
	be := remotetest.New().Always(remotetest.Script{Pending: 2, Final: remote.Result{Status: remote.StatusSuccess}})
	var states []State
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()), WithEvents(func(e Event) { states = append(states, e.State) }))

	_, err := r.Run(context.Background(), rb, "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, []State{StateSubmitting, StatePolling, StatePolling, StateSucceeded}, states)
}

func TestRunAllIsolatesTargets(t *testing.T) {
	rb := &Runbook{Name: "health", Targets: []string{"app1", "app2", "app3"}, Steps: []Step{
		{Name: "ping", Shell: &ShellStep{Run: "curl -s localhost:4000/health", Expect: "ok"}},
	}}
	be := remotetest.New().Always(remotetest.Succeed(`{"status":"ok"}`)).SetUnreachable("app2")
	rec := &memRecorder{}
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()), WithRecorder(rec), WithMaxParallel(2))

	reports, err := r.RunAll(context.Background(), rb)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrTargetUnreachable)

	require.Len(t, reports, 3)
	for i, target := range rb.Targets {
		assert.Equal(t, target, reports[i].Target)
	}
	assert.Equal(t, StateSucceeded, reports[0].State)
	assert.Equal(t, StateFailed, reports[1].State)
	assert.Equal(t, StateSucceeded, reports[2].State)
	assert.Equal(t, reports[0].RunID, reports[2].RunID)
	assert.Len(t, rec.reports, 3)
}

func TestRunAllNeedsTargets(t *testing.T) {
	r := NewRunner(remote.NewClient(remotetest.New()))
	_, err := r.RunAll(context.Background(), &Runbook{Name: "x", Steps: []Step{{Name: "a", Shell: &ShellStep{Run: "true"}}}})
	assert.ErrorIs(t, err, ErrInvalidRunbook)
}

func TestSecretEnvMergedIntoRequest(t *testing.T) {
	rb := &Runbook{
		Name:      "login",
		SecretEnv: map[string]string{"ADMIN_PASS": "/summit/admin"},
		Steps: []Step{{
			Name:      "login",
			Shell:     &ShellStep{Run: `curl -s -d "{\"password\":\"$ADMIN_PASS\"}" localhost:4000/api/auth/login`},
			SecretEnv: map[string]string{"JWT_SECRET": "/summit/jwt"},
		}},
	}
	be := remotetest.New()
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))
	_, err := r.Run(context.Background(), rb, "i-0abc")
	require.NoError(t, err)

	req := be.Requests()[0]
	assert.Equal(t, map[string]string{"ADMIN_PASS": "/summit/admin", "JWT_SECRET": "/summit/jwt"}, req.SecretEnv)
	assert.NotContains(t, req.Command, "/summit/admin")
}

func TestCommentTruncatesByRune(t *testing.T) {
	c := comment("überprüfung", strings.Repeat("ä", 120))
	assert.True(t, utf8.ValidString(c))
	assert.Equal(t, maxComment, utf8.RuneCountInString(c))
	assert.Equal(t, "deploy/health", comment("deploy", "health"))
}

func TestRunAppliesStepProcessors(t *testing.T) {
	rb := &Runbook{Name: "pm2", Steps: []Step{
		{
			Name:    "describe",
			Shell:   &ShellStep{Run: "pm2 jlist", Expect: "status: online\n"},
			Process: []string{parse.ProcessorStripANSI, "trim", "drop_empty"},
		},
	}}
	raw := "\x1b[32m  status: online  \x1b[39m\n\n"
	be := remotetest.New().Always(remotetest.Succeed(raw))
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	rep, err := r.Run(context.Background(), rb, "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, raw, rep.Steps[0].Result.Stdout)
}

func TestRunProcessorErrorFailsStep(t *testing.T) {
	rb := &Runbook{Name: "kv", Steps: []Step{
		{Name: "env", Shell: &ShellStep{Run: "env"}, Process: []string{"key_value"}},
	}}
	be := remotetest.New().Always(remotetest.Succeed(": orphan value\n"))
	r := NewRunner(remote.NewClient(be), WithPolicy(fastPolicy()))

	_, err := r.Run(context.Background(), rb, "i-0abc")
	assert.ErrorIs(t, err, parse.ErrParse)
}
