package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args[1:], os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// exitError carries a process exit code out of a cobra RunE.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func fail(code int, msg string) error { return &exitError{code: code, msg: msg} }

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			_, _ = io.WriteString(stderr, ee.msg+"\n")
		}
		return ee.code
	}
	_, _ = io.WriteString(stderr, err.Error()+"\n")
	return 2
}

func newRootCmd(stdout io.Writer, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "sovctl",
		Short:         "Operator CLI for the sovereignty kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newManifestCmd(),
		newLedgerCmd(),
		newKeygenCmd(),
		newTokenCmd(),
		newEvaluateCmd(),
	)
	return root
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
