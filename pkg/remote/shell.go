package remote

import (
	"fmt"
	"sort"
	"strings"
)

// ShellQuote quotes s for a POSIX shell. Common safe strings are left as is;
// everything else is single-quoted with the usual '\'' escape.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		switch r {
		case '-', '_', '.', '/', '@', ':', ',', '+', '=':
			return false
		}
		return true
	}) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExitSecretUnavailable is the exit code of a script whose secret could not be
// resolved on the host.
const ExitSecretUnavailable = 97

// SecretPrelude returns shell lines that export each variable in env, sorted
// by name. lookup turns a secret reference into the shell command that prints
// the secret on the host, so only the reference appears in the script.
func SecretPrelude(env map[string]string, lookup func(ref string) string) (string, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		if !ValidEnvName(name) {
			return "", fmt.Errorf("%w: bad variable name %q", ErrInvalidCommand, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=\"$(%s)\" || exit %d\nexport %s\n", name, lookup(env[name]), ExitSecretUnavailable, name)
	}
	return b.String(), nil
}
