package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ServerStatus is the host's availability for new pod assignment.
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
)

func (s ServerStatus) IsValid() bool {
	switch s {
	case ServerOnline, ServerOffline:
		return true
	default:
		return false
	}
}

// ServerRecord is a remote host pods can be scheduled onto: an SSH address
// plus the credential the Remote Transport dials with.
type ServerRecord struct {
	ID            string
	Label         string
	Address       string
	SSHUser       string
	SSHPrivateKey string // PEM
	Status        ServerStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Store) InsertServer(ctx context.Context, rec ServerRecord) error {
	if rec.Status == "" {
		rec.Status = ServerOffline
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server (id, label, address, ssh_user, ssh_private_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Label, rec.Address, rec.SSHUser, rec.SSHPrivateKey, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert server %s: %w", rec.ID, err)
	}
	return nil
}

const serverColumns = `id, label, address, ssh_user, ssh_private_key, status, created_at, updated_at`

func scanServer(row interface{ Scan(...any) error }) (*ServerRecord, error) {
	var rec ServerRecord
	if err := row.Scan(&rec.ID, &rec.Label, &rec.Address, &rec.SSHUser, &rec.SSHPrivateKey, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetServer loads a server record by id, for resolving a pod's assigned
// host connection.
func (s *Store) GetServer(ctx context.Context, id string) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM server WHERE id = ?`, id)
	rec, err := scanServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: server %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load server %s: %w", id, err)
	}
	return rec, nil
}

// NextAvailableServer picks any online server, per the orchestrator's "the
// capacity predicate is out of scope; picks any online" host-selection
// step. Deterministic ordering (by id) keeps test assertions stable;
// load-aware placement is intentionally not this core's job.
func (s *Store) NextAvailableServer(ctx context.Context) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM server WHERE status = ? ORDER BY id LIMIT 1`, ServerOnline)
	rec, err := scanServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: no online server available", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to select a server: %w", err)
	}
	return rec, nil
}

// SetServerStatus flips a server's availability, e.g. when a transport
// health probe fails.
func (s *Store) SetServerStatus(ctx context.Context, id string, status ServerStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE server SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return fmt.Errorf("failed to update server %s status: %w", id, err)
	}
	return requireRowAffected(res, "server", id)
}
