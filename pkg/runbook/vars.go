package runbook

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// runDirVar names the shell variable holding the per-run directory on the host.
const runDirVar = "RCTL_RUN_DIR"

var errCaptureNotLiteral = errors.New("value does not appear verbatim in the step output")

// captured is one value saved on the host: it sits at byte offset off in the
// saved stdout of step.
type captured struct {
	value string
	step  int
	off   int
}

// hostVars tracks captured values for one run on one target. A capturing step
// tees its stdout into a private file under the run directory and later steps
// read each value back by byte range, so values never appear in command text.
type hostVars struct {
	runID string
	vars  map[string]captured
}

func newHostVars(runID string) *hostVars {
	return &hostVars{runID: runID, vars: map[string]captured{}}
}

// Value is the locally known value of a captured variable, "" when unset.
func (h *hostVars) Value(name string) string { return h.vars[name].value }

// Set records name as captured from the stdout of step.
func (h *hostVars) Set(name, value string, step int, stdout string) error {
	off := 0
	if value != "" {
		off = strings.Index(stdout, value)
		if off < 0 || strings.HasSuffix(value, "\n") {
			return errCaptureNotLiteral
		}
	}
	h.vars[name] = captured{value: value, step: step, off: off}
	return nil
}

func outFile(step int) string { return fmt.Sprintf(`"$%s/%d.out"`, runDirVar, step) }

// Command wraps body for step. Earlier captures are exported first. When
// capturing, stdout is also saved for later steps. The run directory is
// removed when the last step exits, or when any step exits non-zero.
func (h *hostVars) Command(body string, step int, capturing, last bool) string {
	if !capturing && len(h.vars) == 0 {
		return body
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s=\"${TMPDIR:-/tmp}/remotectl-%s\"\n", runDirVar, h.runID)
	names := make([]string, 0, len(h.vars))
	for name := range h.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := h.vars[name]
		fmt.Fprintf(&b, "export %s=\"$(tail -c +%d %s | head -c %d)\"\n", name, v.off+1, outFile(v.step), len(v.value))
	}
	if last {
		fmt.Fprintf(&b, "trap 'rm -rf \"$%s\"' EXIT\n", runDirVar)
	} else {
		fmt.Fprintf(&b, "trap '[ $? -eq 0 ] || rm -rf \"$%s\"' EXIT\n", runDirVar)
	}
	if !capturing {
		return b.String() + body
	}
	out := outFile(step)
	fmt.Fprintf(&b, "(umask 077 && mkdir -p \"$%s\" && : > %s) || exit 1\n", runDirVar, out)
	fmt.Fprintf(&b, "(\n%s\n) > %s\nrc=$?\ncat %s\nexit $rc", body, out, out)
	return b.String()
}
