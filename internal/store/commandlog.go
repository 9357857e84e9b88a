package store

import (
	"context"
	"fmt"

	"github.com/pinacle/podcore/internal/transport"
)

// InsertCommandLog implements transport.CommandLogStore: a pod_log row is
// written before the command runs so a crashed orchestrator still leaves a
// trail of what it was attempting.
func (s *Store) InsertCommandLog(ctx context.Context, entry transport.CommandLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pod_log (id, pod_id, command, container_command, label, stdout, stderr, exit_code, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PodID, entry.Command, entry.ContainerCommand, entry.Label,
		entry.Stdout, entry.Stderr, nullInt(entry.ExitCode), nullInt64(entry.DurationMS), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert command log %s: %w", entry.ID, err)
	}
	return nil
}

// UpdateCommandLog implements transport.CommandLogStore. Per its contract,
// an id that was never inserted (store disabled, or inserted against a
// different store instance) is tolerated silently.
func (s *Store) UpdateCommandLog(ctx context.Context, id string, stdout, stderr string, exitCode int, durationMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pod_log SET stdout = ?, stderr = ?, exit_code = ?, duration_ms = ? WHERE id = ?`,
		stdout, stderr, exitCode, durationMS, id)
	if err != nil {
		return fmt.Errorf("failed to update command log %s: %w", id, err)
	}
	return nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
