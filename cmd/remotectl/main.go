// Command remotectl runs shell commands and runbooks on remote hosts through
// SSH or AWS Systems Manager and waits for their results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// exitFunc is replaced in tests.
var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr}, defaultBackend)
	stop()
	exitFunc(code)
}
