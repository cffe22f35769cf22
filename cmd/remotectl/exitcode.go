package main

import (
	"errors"

	"github.com/andrej220/remotectl/pkg/config"
	"github.com/andrej220/remotectl/pkg/parse"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/andrej220/remotectl/pkg/runbook"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitTimeout     = 2
	exitUnreachable = 3
	exitUsage       = 4
)

var (
	errUsage = errors.New("usage")
	// errRemoteFailed and errRemoteTimedOut describe a terminal status other
	// than Success reported for a single exec.
	errRemoteFailed   = errors.New("remote command failed")
	errRemoteTimedOut = errors.New("remote command timed out")
)

// exitCode maps an error to the process exit status. When several
// failures are joined the most specific class wins: usage, then
// unreachable, then timeout.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, parse.ErrParse),
		errors.Is(err, parse.ErrFieldNotFound),
		errors.Is(err, parse.ErrUnknownProcessor),
		errors.Is(err, remote.ErrInvalidCommand),
		errors.Is(err, runbook.ErrInvalidRunbook):
		return exitUsage
	case errors.Is(err, remote.ErrTargetUnreachable):
		return exitUnreachable
	case errors.Is(err, remote.ErrPollTimeout),
		errors.Is(err, runbook.ErrCommandTimedOut),
		errors.Is(err, errRemoteTimedOut):
		return exitTimeout
	}
	return exitFailed
}
