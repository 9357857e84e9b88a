// Package transport implements the pooled remote SSH command executor
// every manager in the core drives the remote host through: a single
// exec(command, opts) operation, command logging with PEM redaction, and
// the shared shell-quoting helper used for building `docker` invocations
// and other remote argv.
package transport

import (
	"github.com/kballard/go-shellquote"
)

// Quote makes arg safe for inclusion in a shell command: an arg containing
// whitespace is single-quoted (embedded single quotes become '\''), other
// shell metacharacters are backslash-escaped, and a plain arg is returned
// as is. This is the one quoting helper the container runtime driver
// (building `docker ... -e KEY=VALUE ...`) and the other managers use; the
// SSH transport passes the already-composed command through unchanged.
func Quote(arg string) string {
	return shellquote.Join(arg)
}

// QuoteArgs joins args with spaces, quoting each individually.
func QuoteArgs(args []string) string {
	return shellquote.Join(args...)
}

// Split parses a shell-like command string (e.g. a declarative
// `healthCheck` field) into argv, the inverse of QuoteArgs. Used where a
// caller needs to exec a user-supplied command line directly rather than
// via `sh -c`.
func Split(cmd string) ([]string, error) {
	return shellquote.Split(cmd)
}
