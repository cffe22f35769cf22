package runbook

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(stdout string) remote.Result {
	return remote.Result{Status: remote.StatusSuccess, Stdout: stdout}
}

func TestStatusErrors(t *testing.T) {
	s := &ShellStep{Run: "true"}
	_, err := s.Check(remote.Result{Status: remote.StatusFailed, Code: 1})
	assert.ErrorIs(t, err, ErrCommandFailed)
	_, err = s.Check(remote.Result{Status: remote.StatusCancelled})
	assert.ErrorIs(t, err, ErrCommandFailed)
	_, err = s.Check(remote.Result{Status: remote.StatusTimedOut})
	assert.ErrorIs(t, err, ErrCommandTimedOut)
}

func TestShellExpectIgnoresColor(t *testing.T) {
	s := &ShellStep{Run: "pm2 status", Expect: "online"}
	_, err := s.Check(ok("\x1b[32monline\x1b[39m"))
	assert.NoError(t, err)
}

func TestPatchScriptCarriesArgumentsEncoded(t *testing.T) {
	s := &PatchStep{
		Path:    "/var/www/summit/server/index.js",
		Find:    `app.use(express.json());`,
		Replace: `app.use(express.json({ limit: '10mb' }));`,
	}
	script, err := s.Script()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(script, "test -f /var/www/summit/server/index.js || "))
	assert.Contains(t, script, "node -e '")
	assert.Contains(t, script, base64.StdEncoding.EncodeToString([]byte(s.Find)))
	assert.Contains(t, script, base64.StdEncoding.EncodeToString([]byte(s.Replace)))
	assert.True(t, strings.HasSuffix(script, " 0 1"), script)
	assert.NotContains(t, script, "limit: '10mb'")

	s.NoBackup, s.Count = true, 1
	script, err = s.Script()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(script, " 1 0"), script)
}

func TestPatchOutcome(t *testing.T) {
	tests := []struct {
		stdout  string
		outcome string
		n       int
	}{
		{"PATCHED 2\n", "PATCHED", 2},
		{"ALREADY\n", "ALREADY", 0},
		{"warning: something\nNOMATCH\n", "NOMATCH", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		outcome, n := PatchOutcome(tt.stdout)
		assert.Equal(t, tt.outcome, outcome, tt.stdout)
		assert.Equal(t, tt.n, n, tt.stdout)
	}
}

func TestPatchCheck(t *testing.T) {
	s := &PatchStep{Path: "/srv/app.js", Find: "a", Replace: "b"}
	_, err := s.Check(ok("PATCHED 1\n"))
	assert.NoError(t, err)
	_, err = s.Check(ok("ALREADY\n"))
	assert.NoError(t, err)
	_, err = s.Check(ok("NOMATCH\n"))
	assert.ErrorIs(t, err, ErrCheckFailed)
	_, err = s.Check(ok("PATCHED 0\n"))
	assert.ErrorIs(t, err, ErrCheckFailed)
	_, err = s.Check(ok("node: not found\n"))
	assert.ErrorIs(t, err, ErrCheckFailed)
}

func TestRestartScripts(t *testing.T) {
	pm2 := &RestartStep{Service: "summit", Settle: 1500 * time.Millisecond}
	script, err := pm2.Script()
	require.NoError(t, err)
	assert.Equal(t, "pm2 restart summit --update-env && sleep 2 && pm2 describe summit", script)

	sd := &RestartStep{Service: "nginx", Manager: ManagerSystemd}
	script, err = sd.Script()
	require.NoError(t, err)
	assert.Equal(t, "systemctl restart nginx && systemctl is-active nginx", script)
}

func TestRestartCheckPM2(t *testing.T) {
	s := &RestartStep{Service: "summit"}
	online := "│ status            │ \x1b[32monline\x1b[39m │\n│ name              │ summit │\n"
	_, err := s.Check(ok(online))
	assert.NoError(t, err)

	_, err = s.Check(ok("│ status │ errored │\n"))
	assert.ErrorIs(t, err, ErrCheckFailed)
	assert.ErrorContains(t, err, `"errored"`)
}

func TestRestartCheckSystemd(t *testing.T) {
	s := &RestartStep{Service: "nginx", Manager: ManagerSystemd}
	_, err := s.Check(ok("active\n"))
	assert.NoError(t, err)
	_, err = s.Check(ok("activating\n"))
	assert.ErrorIs(t, err, ErrCheckFailed)
}

func TestVerifyScript(t *testing.T) {
	s := &VerifyStep{
		URL:     "http://localhost:4000/api/auth/login",
		Method:  "POST",
		Header:  map[string]string{"Content-Type": "application/json", "Authorization": "Bearer $TOKEN"},
		Body:    `{"email":"ops@example.com"}`,
		Retries: 2,
	}
	script, err := s.Script()
	require.NoError(t, err)
	assert.Contains(t, script, `curl -sS -X POST -H "Authorization: Bearer $TOKEN" -H "Content-Type: application/json" --data "{\"email\":\"ops@example.com\"}" -w '\n__HTTP_STATUS__:%{http_code}' "http://localhost:4000/api/auth/login"`)
	assert.Contains(t, script, `*"__HTTP_STATUS__:200") break`)
	assert.Contains(t, script, `[ "$n" -ge 3 ] && break`)
	assert.Contains(t, script, "sleep 2")
}

func TestSplitHTTPOutput(t *testing.T) {
	body, code := SplitHTTPOutput("{\"status\":\"ok\"}\n__HTTP_STATUS__:200\n")
	assert.Equal(t, `{"status":"ok"}`, body)
	assert.Equal(t, 200, code)

	body, code = SplitHTTPOutput("curl: (7) Failed to connect")
	assert.Equal(t, "curl: (7) Failed to connect", body)
	assert.Zero(t, code)
}

func TestVerifyCheck(t *testing.T) {
	s := &VerifyStep{URL: "http://localhost:4000/health", Field: "status", Equals: "ok"}

	body, err := s.Check(ok("{\"status\":\"ok\"}\n__HTTP_STATUS__:200"))
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, body)

	_, err = s.Check(ok("{\"status\":\"degraded\"}\n__HTTP_STATUS__:200"))
	assert.ErrorIs(t, err, ErrCheckFailed)

	_, err = s.Check(ok("<html>Bad Gateway</html>\n__HTTP_STATUS__:502"))
	assert.ErrorIs(t, err, ErrCheckFailed)
	assert.ErrorContains(t, err, "HTTP 502")

	_, err = s.Check(ok("Health check failed\n__HTTP_STATUS__:200"))
	assert.ErrorIs(t, err, ErrCheckFailed)

	created := &VerifyStep{URL: "http://localhost:4000/api/chats", Status: 201}
	_, err = created.Check(ok("{}\n__HTTP_STATUS__:201"))
	assert.NoError(t, err)
}

func TestDquoteKeepsVariables(t *testing.T) {
	assert.Equal(t, `"Bearer $TOKEN"`, dquote("Bearer $TOKEN"))
	assert.Equal(t, `"a\"b\\c\`+"`"+`"`, dquote("a\"b\\c`"))
}
