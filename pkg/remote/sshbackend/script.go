package sshbackend

import (
	"fmt"

	"github.com/andrej220/remotectl/pkg/remote"
)

// ParamWorkingDirectory is the only request parameter the SSH backend knows.
const ParamWorkingDirectory = "workingDirectory"

// buildScript prepends the secret and working directory prelude to the
// command body. SecretEnv references are remote file paths read on the host.
func buildScript(req remote.CommandRequest) (string, error) {
	for k := range req.Params {
		if k != ParamWorkingDirectory {
			return "", fmt.Errorf("%w: unsupported parameter %q for ssh backend", remote.ErrInvalidCommand, k)
		}
	}
	script, err := remote.SecretPrelude(req.SecretEnv, func(ref string) string {
		return "cat " + remote.ShellQuote(ref)
	})
	if err != nil {
		return "", err
	}
	if dir := req.Params[ParamWorkingDirectory]; dir != "" {
		script += fmt.Sprintf("cd %s || exit 98\n", remote.ShellQuote(dir))
	}
	return script + req.Command, nil
}
