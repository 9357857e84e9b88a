package transport

import (
	"context"
	"time"
)

// CommandLogEntry is a single row of the command log: a record of one
// remote command's invocation and, once it completes, its result. Entries
// are inserted before execution (with Stdout/Stderr/ExitCode/DurationMS
// zero-valued) and updated in place once the command returns, so a crashed
// orchestrator still leaves a trail of what it was attempting.
type CommandLogEntry struct {
	ID               string
	PodID            string
	Command          string // masked
	ContainerCommand string // masked, empty if this wasn't a container exec
	Label            string
	Stdout           string
	Stderr           string
	ExitCode         *int
	DurationMS       *int64
	Timestamp        time.Time
}

// CommandLogStore persists CommandLogEntry rows. Implementations must
// tolerate Update being called for an ID that was never Inserted (e.g. the
// store is disabled or unavailable) without that affecting Exec's result.
type CommandLogStore interface {
	InsertCommandLog(ctx context.Context, entry CommandLogEntry) error
	UpdateCommandLog(ctx context.Context, id string, stdout, stderr string, exitCode int, durationMS int64) error
}

// NopCommandLogStore discards everything. It's the default when a Transport
// is constructed without an explicit store, and is useful in tests that
// don't care about log persistence.
type NopCommandLogStore struct{}

func (NopCommandLogStore) InsertCommandLog(context.Context, CommandLogEntry) error { return nil }

func (NopCommandLogStore) UpdateCommandLog(context.Context, string, string, string, int, int64) error {
	return nil
}
