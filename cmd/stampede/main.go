package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.3.0"

// interruptedExitCode is returned when a signal cancelled the command.
const interruptedExitCode = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and maps the outcome to a process exit code. Build
// commands exit with the build's own exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", ec.err)
		}
		return ec.code
	}
	if ctx.Err() != nil {
		fmt.Fprintln(stderr, "interrupted")
		return interruptedExitCode
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

// exitCodeError carries a build exit code, and optionally the error that
// came with it, out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("exit code %d: %v", e.code, e.err)
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// buildResult turns a runner outcome into a command error: nil for a clean
// success, an exitCodeError otherwise.
func buildResult(code int, err error) error {
	if code == 0 && err == nil {
		return nil
	}
	if code == 0 {
		code = 1
	}
	return &exitCodeError{code: code, err: err}
}
