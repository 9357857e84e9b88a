package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PodStatus is the persisted pod record's lifecycle status, per spec's
// `status ∈ {creating, provisioning, running, stopped, error, archived}`
// invariant. It is intentionally distinct from podmgr.PodStatus: the
// record's status is coarser and survives process restarts, the in-memory
// one doesn't.
type PodStatus string

const (
	PodStatusCreating     PodStatus = "creating"
	PodStatusProvisioning PodStatus = "provisioning"
	PodStatusRunning      PodStatus = "running"
	PodStatusStopped      PodStatus = "stopped"
	PodStatusError        PodStatus = "error"
	PodStatusArchived     PodStatus = "archived"
)

func (s PodStatus) IsValid() bool {
	switch s {
	case PodStatusCreating, PodStatusProvisioning, PodStatusRunning, PodStatusStopped, PodStatusError, PodStatusArchived:
		return true
	default:
		return false
	}
}

// PodRecord is the persisted pod row: the input and output of the
// orchestrator. ServerID/ContainerID/InternalIP/PublicURL are unset until
// provisioning reaches the relevant step; invariant (2) of the Pod Record
// (containerId non-null ⇒ host id non-null) is enforced by the order
// AssignHost/MarkRunning are called in, not by the schema.
type PodRecord struct {
	ID          string
	Slug        string
	Name        string
	Description string
	OwnerID     string
	TeamID      string

	Config       string // serialized declarative config (pinacle.yaml text)
	DotenvID     *string
	GithubRepo   string
	GithubBranch string

	ServerID    *string
	ContainerID *string
	InternalIP  *string
	PublicURL   *string
	Ports       string // serialized port map JSON

	Status PodStatus

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastStartedAt *time.Time
	LastStoppedAt *time.Time
	ArchivedAt    *time.Time
}

// InsertPod inserts a new pod record in the `creating` status, per the
// orchestrator contract (the caller inserts before provisionPod runs).
func (s *Store) InsertPod(ctx context.Context, rec PodRecord) error {
	if rec.Status == "" {
		rec.Status = PodStatusCreating
	}
	if rec.Ports == "" {
		rec.Ports = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pod (id, slug, name, description, owner_id, team_id, config, dotenv_id,
			github_repo, github_branch, server_id, container_id, internal_ip, public_url,
			ports, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Slug, rec.Name, rec.Description, rec.OwnerID, rec.TeamID, rec.Config, nullStr(rec.DotenvID),
		rec.GithubRepo, rec.GithubBranch, nullStr(rec.ServerID), nullStr(rec.ContainerID), nullStr(rec.InternalIP), nullStr(rec.PublicURL),
		rec.Ports, rec.Status, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pod %s: %w", rec.ID, err)
	}
	return nil
}

const podColumns = `id, slug, name, description, owner_id, team_id, config, dotenv_id,
	github_repo, github_branch, server_id, container_id, internal_ip, public_url,
	ports, status, created_at, updated_at, last_started_at, last_stopped_at, archived_at`

func scanPod(row interface{ Scan(...any) error }) (*PodRecord, error) {
	var rec PodRecord
	var dotenvID, serverID, containerID, internalIP, publicURL sql.NullString
	var lastStarted, lastStopped, archived sql.NullTime

	if err := row.Scan(
		&rec.ID, &rec.Slug, &rec.Name, &rec.Description, &rec.OwnerID, &rec.TeamID, &rec.Config, &dotenvID,
		&rec.GithubRepo, &rec.GithubBranch, &serverID, &containerID, &internalIP, &publicURL,
		&rec.Ports, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &lastStarted, &lastStopped, &archived,
	); err != nil {
		return nil, err
	}

	rec.DotenvID = strPtr(dotenvID)
	rec.ServerID = strPtr(serverID)
	rec.ContainerID = strPtr(containerID)
	rec.InternalIP = strPtr(internalIP)
	rec.PublicURL = strPtr(publicURL)
	rec.LastStartedAt = timePtr(lastStarted)
	rec.LastStoppedAt = timePtr(lastStopped)
	rec.ArchivedAt = timePtr(archived)

	return &rec, nil
}

// GetPod loads a pod record by id, per the orchestrator's "load pod record;
// fail if absent" first step.
func (s *Store) GetPod(ctx context.Context, id string) (*PodRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+podColumns+` FROM pod WHERE id = ?`, id)
	rec, err := scanPod(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: pod %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load pod %s: %w", id, err)
	}
	return rec, nil
}

// AssignHost persists the orchestrator's host-selection step: record
// transitions to `provisioning` and gets a server id, per step 4 of the
// provision sequence.
func (s *Store) AssignHost(ctx context.Context, podID, serverID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pod SET server_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		serverID, PodStatusProvisioning, now, podID)
	if err != nil {
		return fmt.Errorf("failed to assign host for pod %s: %w", podID, err)
	}
	return requireRowAffected(res, "pod", podID)
}

// MarkRunning persists the successful outcome of provisionPod: container
// id, internal ip, derived public URL, serialized port map, and
// lastStartedAt, transitioning the record to `running`.
func (s *Store) MarkRunning(ctx context.Context, podID, containerID, internalIP, publicURL, config, ports string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pod SET container_id = ?, internal_ip = ?, public_url = ?, config = ?, ports = ?,
			status = ?, updated_at = ?, last_started_at = ?
		WHERE id = ?`,
		containerID, internalIP, publicURL, config, ports, PodStatusRunning, now, now, podID)
	if err != nil {
		return fmt.Errorf("failed to mark pod %s running: %w", podID, err)
	}
	return requireRowAffected(res, "pod", podID)
}

// MarkStopped persists stopPod's outcome.
func (s *Store) MarkStopped(ctx context.Context, podID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pod SET status = ?, updated_at = ?, last_stopped_at = ? WHERE id = ?`,
		PodStatusStopped, now, now, podID)
	if err != nil {
		return fmt.Errorf("failed to mark pod %s stopped: %w", podID, err)
	}
	return requireRowAffected(res, "pod", podID)
}

// MarkError persists the failure-teardown outcome: the orchestrator's
// best-effort teardown always ends with the record marked `error`.
func (s *Store) MarkError(ctx context.Context, podID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pod SET status = ?, updated_at = ? WHERE id = ?`,
		PodStatusError, now, podID)
	if err != nil {
		return fmt.Errorf("failed to mark pod %s error: %w", podID, err)
	}
	return requireRowAffected(res, "pod", podID)
}

// Archive sets archivedAt if it isn't already set, per the archive-is-
// monotonic invariant — a pod can't be un-archived by calling this again.
func (s *Store) Archive(ctx context.Context, podID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pod SET status = ?, archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		PodStatusArchived, now, now, podID)
	if err != nil {
		return fmt.Errorf("failed to archive pod %s: %w", podID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to archive pod %s: %w", podID, err)
	}
	if n == 0 {
		// already archived, or absent — Archive is idempotent either way
		if _, err := s.GetPod(ctx, podID); err != nil {
			return err
		}
	}
	return nil
}

// DeletePod removes the row. Per the deprovision contract, the caller only
// calls this after remote teardown has completed.
func (s *Store) DeletePod(ctx context.Context, podID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pod WHERE id = ?`, podID)
	if err != nil {
		return fmt.Errorf("failed to delete pod %s: %w", podID, err)
	}
	return requireRowAffected(res, "pod", podID)
}

func requireRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm %s %s update: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}
