package runbook

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/remotectl/pkg/parse"
	"github.com/andrej220/remotectl/pkg/remote"
)

var (
	// ErrCheckFailed means the command ran but its output did not satisfy the
	// step's success contract.
	ErrCheckFailed = errors.New("step check failed")
	// ErrCommandFailed means the remote command ended Failed or Cancelled.
	ErrCommandFailed = errors.New("remote command failed")
	// ErrCommandTimedOut means the backend reported TimedOut.
	ErrCommandTimedOut = errors.New("remote command timed out")
)

// Action is a step kind: it builds the shell script and judges the result.
type Action interface {
	Kind() string
	Script() (string, error)
	// Check returns nil when res satisfies the step, together with the text
	// that captures are extracted from.
	Check(res remote.Result) (string, error)
}

// statusError maps a non-successful terminal status to an error.
func statusError(res remote.Result) error {
	switch res.Status {
	case remote.StatusSuccess:
		return nil
	case remote.StatusTimedOut:
		return fmt.Errorf("%w (%s)", ErrCommandTimedOut, res.Detail)
	default:
		return fmt.Errorf("%w: %s, code %d", ErrCommandFailed, res.Status, res.Code)
	}
}

type ShellStep struct {
	Run string `yaml:"run" json:"run" validate:"required"`
	// Expect, when set, must appear in stdout.
	Expect string `yaml:"expect,omitempty" json:"expect,omitempty"`
}

func (s *ShellStep) Kind() string { return "shell" }

func (s *ShellStep) Script() (string, error) { return s.Run, nil }

func (s *ShellStep) Check(res remote.Result) (string, error) {
	if err := statusError(res); err != nil {
		return "", err
	}
	if s.Expect != "" && !strings.Contains(parse.Clean(res.Stdout), s.Expect) {
		return "", fmt.Errorf("%w: stdout does not contain %q", ErrCheckFailed, s.Expect)
	}
	return res.Stdout, nil
}

// PatchStep replaces literal text in a file on the host with Node, which is
// present wherever the operated application runs. It is idempotent: when the
// text to replace is gone but the replacement is there, the file is left alone.
type PatchStep struct {
	Path    string `yaml:"path" json:"path" validate:"required"`
	Find    string `yaml:"find" json:"find" validate:"required"`
	Replace string `yaml:"replace" json:"replace"`
	// NoBackup skips the <path>.bak.<unix> copy taken before writing.
	NoBackup bool `yaml:"noBackup,omitempty" json:"noBackup,omitempty"`
	// Count limits the number of replacements, 0 replaces all.
	Count int `yaml:"count,omitempty" json:"count,omitempty" validate:"gte=0"`
}

const patchJS = `const fs = require("fs");
const [file, fa, fb, limit, backup] = process.argv.slice(1);
const find = Buffer.from(fa, "base64").toString("utf8");
const repl = Buffer.from(fb, "base64").toString("utf8");
let src = fs.readFileSync(file, "utf8");
if (!src.includes(find)) {
  console.log(repl !== "" && src.includes(repl) ? "ALREADY" : "NOMATCH");
  process.exit(0);
}
const max = Number(limit);
let out = "", i = 0, n = 0, j;
while ((max === 0 || n < max) && (j = src.indexOf(find, i)) !== -1) {
  out += src.slice(i, j) + repl; i = j + find.length; n++;
}
out += src.slice(i);
if (backup === "1") fs.copyFileSync(file, file + ".bak." + Math.floor(Date.now() / 1000));
fs.writeFileSync(file, out);
console.log("PATCHED " + n);`

func (s *PatchStep) Kind() string { return "patch" }

func (s *PatchStep) Script() (string, error) {
	backup := "1"
	if s.NoBackup {
		backup = "0"
	}
	enc := base64.StdEncoding
	return fmt.Sprintf("test -f %[1]s || { echo \"no such file\" >&2; exit 2; }\nnode -e %[2]s %[1]s %[3]s %[4]s %[5]d %[6]s",
		remote.ShellQuote(s.Path),
		remote.ShellQuote(patchJS),
		enc.EncodeToString([]byte(s.Find)),
		enc.EncodeToString([]byte(s.Replace)),
		s.Count,
		backup,
	), nil
}

// PatchOutcome reads the marker line printed by a patch step.
func PatchOutcome(stdout string) (outcome string, replaced int) {
	lines := parse.Lines(parse.Clean(stdout))
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		switch {
		case line == "ALREADY", line == "NOMATCH":
			return line, 0
		case strings.HasPrefix(line, "PATCHED "):
			n, _ := strconv.Atoi(strings.TrimPrefix(line, "PATCHED "))
			return "PATCHED", n
		}
	}
	return "", 0
}

func (s *PatchStep) Check(res remote.Result) (string, error) {
	if err := statusError(res); err != nil {
		return "", err
	}
	switch outcome, n := PatchOutcome(res.Stdout); outcome {
	case "ALREADY":
		return res.Stdout, nil
	case "PATCHED":
		if n == 0 {
			return "", fmt.Errorf("%w: nothing replaced in %s", ErrCheckFailed, s.Path)
		}
		return res.Stdout, nil
	case "NOMATCH":
		return "", fmt.Errorf("%w: text to replace not found in %s", ErrCheckFailed, s.Path)
	default:
		return "", fmt.Errorf("%w: no patch outcome in output", ErrCheckFailed)
	}
}

const (
	ManagerPM2     = "pm2"
	ManagerSystemd = "systemd"
)

type RestartStep struct {
	Service string `yaml:"service" json:"service" validate:"required"`
	Manager string `yaml:"manager,omitempty" json:"manager,omitempty" validate:"omitempty,oneof=pm2 systemd"`
	// Settle is how long to wait after the restart before checking state.
	Settle time.Duration `yaml:"settle,omitempty" json:"settle,omitempty" validate:"gte=0"`
}

func (s *RestartStep) Kind() string { return "restart" }

func (s *RestartStep) manager() string {
	if s.Manager == "" {
		return ManagerPM2
	}
	return s.Manager
}

func (s *RestartStep) Script() (string, error) {
	svc := remote.ShellQuote(s.Service)
	var b strings.Builder
	switch s.manager() {
	case ManagerSystemd:
		fmt.Fprintf(&b, "systemctl restart %s", svc)
	default:
		fmt.Fprintf(&b, "pm2 restart %s --update-env", svc)
	}
	if secs := int(math.Ceil(s.Settle.Seconds())); secs > 0 {
		fmt.Fprintf(&b, " && sleep %d", secs)
	}
	switch s.manager() {
	case ManagerSystemd:
		fmt.Fprintf(&b, " && systemctl is-active %s", svc)
	default:
		fmt.Fprintf(&b, " && pm2 describe %s", svc)
	}
	return b.String(), nil
}

func (s *RestartStep) Check(res remote.Result) (string, error) {
	if err := statusError(res); err != nil {
		return "", err
	}
	if s.manager() == ManagerSystemd {
		lines := parse.Lines(parse.Clean(res.Stdout))
		if len(lines) == 0 || strings.TrimSpace(lines[len(lines)-1]) != "active" {
			return "", fmt.Errorf("%w: %s is not active", ErrCheckFailed, s.Service)
		}
		return res.Stdout, nil
	}
	kv, err := parse.KeyValues(res.Stdout)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	if status := kv["status"]; status != "online" {
		return "", fmt.Errorf("%w: %s status is %q, want online", ErrCheckFailed, s.Service, status)
	}
	return res.Stdout, nil
}

// httpStatusMarker precedes the HTTP status code curl prints after the body.
const httpStatusMarker = "__HTTP_STATUS__:"

// VerifyStep calls an HTTP endpoint from the host itself, for example the
// application's health route on localhost. URL, header values and body may
// reference exported variables as $NAME.
type VerifyStep struct {
	URL     string            `yaml:"url" json:"url" validate:"required"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Header  map[string]string `yaml:"header,omitempty" json:"header,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
	Status  int               `yaml:"status,omitempty" json:"status,omitempty" validate:"omitempty,gte=100,lte=599"`
	Field   string            `yaml:"field,omitempty" json:"field,omitempty"`
	Equals  string            `yaml:"equals,omitempty" json:"equals,omitempty"`
	Retries int               `yaml:"retries,omitempty" json:"retries,omitempty" validate:"gte=0,lte=60"`
	// RetryDelay between attempts, default 2s.
	RetryDelay time.Duration `yaml:"retryDelay,omitempty" json:"retryDelay,omitempty" validate:"gte=0"`
}

func (s *VerifyStep) Kind() string { return "verify" }

func (s *VerifyStep) wantStatus() int {
	if s.Status == 0 {
		return 200
	}
	return s.Status
}

func (s *VerifyStep) Script() (string, error) {
	method := s.Method
	if method == "" {
		method = "GET"
	}
	args := []string{"curl", "-sS", "-X", method}
	keys := make([]string, 0, len(s.Header))
	for k := range s.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-H", dquote(k+": "+s.Header[k]))
	}
	if s.Body != "" {
		args = append(args, "--data", dquote(s.Body))
	}
	args = append(args, "-w", remote.ShellQuote(`\n`+httpStatusMarker+`%{http_code}`), dquote(s.URL))
	curl := strings.Join(args, " ")

	delay := s.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	attempts := s.Retries + 1
	return fmt.Sprintf(`n=0
while :; do
  out="$(%s)"; rc=$?
  case "$out" in *"%s%d") break ;; esac
  n=$((n+1)); [ "$n" -ge %d ] && break
  sleep %d
done
printf '%%s\n' "$out"
exit $rc`, curl, httpStatusMarker, s.wantStatus(), attempts, int(math.Ceil(delay.Seconds()))), nil
}

// SplitHTTPOutput separates the response body from the status code printed
// by a verify step. The code is 0 when the marker is missing.
func SplitHTTPOutput(stdout string) (body string, code int) {
	text := parse.Clean(stdout)
	i := strings.LastIndex(text, httpStatusMarker)
	if i < 0 {
		return text, 0
	}
	code, _ = strconv.Atoi(strings.TrimSpace(text[i+len(httpStatusMarker):]))
	return strings.TrimSuffix(text[:i], "\n"), code
}

func (s *VerifyStep) Check(res remote.Result) (string, error) {
	if err := statusError(res); err != nil {
		return "", err
	}
	body, code := SplitHTTPOutput(res.Stdout)
	if code != s.wantStatus() {
		return "", fmt.Errorf("%w: %s returned HTTP %d, want %d", ErrCheckFailed, s.URL, code, s.wantStatus())
	}
	if s.Field == "" {
		return body, nil
	}
	got, err := parse.ExtractField(body, s.Field)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckFailed, err)
	}
	if s.Equals != "" && got != s.Equals {
		return "", fmt.Errorf("%w: %s is %q, want %q", ErrCheckFailed, s.Field, got, s.Equals)
	}
	return body, nil
}

// dquote double-quotes s for the shell, keeping $NAME expansion.
func dquote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
}
