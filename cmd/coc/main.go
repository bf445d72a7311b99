// Package main is the entry point for the coc CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cocdev/coc/pkg/copilot"
)

// Exit codes reported by the binary.
const (
	exitFailure     = 1
	exitConfigIO    = 2
	exitUnavailable = 3
)

// codedError pins an exit code onto an error chain.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// withExitCode wraps err so main exits with the given code.
func withExitCode(code int, err error) error {
	return &codedError{code: code, err: err}
}

func exitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	if copilot.IsUnavailable(err) {
		return exitUnavailable
	}
	return exitFailure
}

// renderError formats err for stderr. NO_COLOR suppresses the ANSI prefix.
func renderError(err error) string {
	if os.Getenv("NO_COLOR") != "" {
		return "Error: " + err.Error()
	}
	return "\x1b[31mError:\x1b[0m " + err.Error()
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(exitCode(err))
	}
}
