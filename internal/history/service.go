package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/jobs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

var (
	ErrInvalidID   = errors.New("invalid id")
	ErrJobNotFound = errors.New("archived job not found")
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service archives finished jobs and the agent connection log in PostgreSQL.
type Service struct {
	db DBTX
}

func NewService(db DBTX) *Service {
	return &Service{db: db}
}

const insertJobRun = `
INSERT INTO job_runs (
    id, device_id, status, language, script, timeout_sec, exit_code, reason,
    stdout, stderr, log, requested_by, created_at, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING`

// RecordJob stores a terminal job snapshot. Recording the same job twice is a no-op.
func (s *Service) RecordJob(ctx context.Context, job jobs.Snapshot) error {
	id, err := parseID(job.ID)
	if err != nil {
		return err
	}
	if job.FinishedAt == nil {
		return fmt.Errorf("job %s is not finished", job.ID)
	}

	logJSON, err := json.Marshal(job.Log)
	if err != nil {
		return fmt.Errorf("failed to encode job log: %w", err)
	}

	var exitCode pgtype.Int4
	if job.ExitCode != nil {
		exitCode = pgtype.Int4{Int32: int32(*job.ExitCode), Valid: true}
	}

	if _, err := s.db.Exec(ctx, insertJobRun,
		id,
		job.DeviceID,
		string(job.Status),
		job.Language,
		job.Script,
		job.TimeoutSec,
		exitCode,
		pgtype.Text{String: job.Reason, Valid: job.Reason != ""},
		job.Stdout,
		job.Stderr,
		logJSON,
		pgtype.Text{String: job.RequestedBy, Valid: job.RequestedBy != ""},
		job.CreatedAt,
		optionalTime(job.StartedAt),
		*job.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

const selectJobRun = `
SELECT id, device_id, status, language, script, timeout_sec, exit_code, reason,
       stdout, stderr, log, requested_by, created_at, started_at, finished_at
FROM job_runs`

// GetJob returns an archived job.
func (s *Service) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	id, err := parseID(jobID)
	if err != nil {
		return nil, err
	}

	record, err := scanJobRecord(s.db.QueryRow(ctx, selectJobRun+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return record, nil
}

// ListJobsByDevice returns archived jobs of a device, newest first.
func (s *Service) ListJobsByDevice(ctx context.Context, deviceID string, limit, offset int) ([]JobRecord, error) {
	rows, err := s.db.Query(ctx,
		selectJobRun+` WHERE device_id = $1 ORDER BY finished_at DESC LIMIT $2 OFFSET $3`,
		deviceID, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	result := make([]JobRecord, 0)
	for rows.Next() {
		record, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		result = append(result, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return result, nil
}

func scanJobRecord(row pgx.Row) (*JobRecord, error) {
	var (
		id          pgtype.UUID
		exitCode    pgtype.Int4
		reason      pgtype.Text
		requestedBy pgtype.Text
		startedAt   pgtype.Timestamptz
		logJSON     []byte
		record      JobRecord
	)

	if err := row.Scan(
		&id,
		&record.DeviceID,
		&record.Status,
		&record.Language,
		&record.Script,
		&record.TimeoutSec,
		&exitCode,
		&reason,
		&record.Stdout,
		&record.Stderr,
		&logJSON,
		&requestedBy,
		&record.CreatedAt,
		&startedAt,
		&record.FinishedAt,
	); err != nil {
		return nil, err
	}

	record.ID = uuid.UUID(id.Bytes).String()
	record.Reason = reason.String
	record.RequestedBy = requestedBy.String
	if exitCode.Valid {
		code := int(exitCode.Int32)
		record.ExitCode = &code
	}
	if startedAt.Valid {
		t := startedAt.Time
		record.StartedAt = &t
	}
	record.Log = make([]jobs.LogChunk, 0)
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &record.Log); err != nil {
			return nil, fmt.Errorf("failed to decode job log: %w", err)
		}
	}
	return &record, nil
}

// CreateConnectionLog records the start of an agent session.
func (s *Service) CreateConnectionLog(ctx context.Context, agentID, sessionID, remoteAddr string, connectedAt time.Time) error {
	id, err := parseID(sessionID)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx,
		`INSERT INTO agent_connections (session_id, agent_id, remote_addr, connected_at) VALUES ($1, $2, $3, $4)`,
		id, agentID, pgtype.Text{String: remoteAddr, Valid: remoteAddr != ""}, connectedAt,
	); err != nil {
		return fmt.Errorf("failed to create connection log: %w", err)
	}
	return nil
}

// UpdateConnectionLog records the end of an agent session.
func (s *Service) UpdateConnectionLog(ctx context.Context, sessionID string, disconnectedAt time.Time, reason string) error {
	id, err := parseID(sessionID)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE agent_connections SET disconnected_at = $2, disconnect_reason = $3 WHERE session_id = $1 AND disconnected_at IS NULL`,
		id, disconnectedAt, pgtype.Text{String: reason, Valid: reason != ""},
	); err != nil {
		return fmt.Errorf("failed to update connection log: %w", err)
	}
	return nil
}

// GetAgentConnectionHistory returns the agent's sessions, newest first.
func (s *Service) GetAgentConnectionHistory(ctx context.Context, agentID string, limit, offset int) ([]ConnectionLog, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_id, agent_id, remote_addr, connected_at, disconnected_at, disconnect_reason
		 FROM agent_connections WHERE agent_id = $1 ORDER BY connected_at DESC LIMIT $2 OFFSET $3`,
		agentID, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to get connection history: %w", err)
	}
	defer rows.Close()

	result := make([]ConnectionLog, 0)
	for rows.Next() {
		var (
			id             pgtype.UUID
			remoteAddr     pgtype.Text
			disconnectedAt pgtype.Timestamptz
			reason         pgtype.Text
			entry          ConnectionLog
		)
		if err := rows.Scan(&id, &entry.AgentID, &remoteAddr, &entry.ConnectedAt, &disconnectedAt, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan connection log: %w", err)
		}
		entry.SessionID = uuid.UUID(id.Bytes).String()
		entry.RemoteAddr = remoteAddr.String
		entry.DisconnectReason = reason.String
		if disconnectedAt.Valid {
			t := disconnectedAt.Time
			entry.DisconnectedAt = &t
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get connection history: %w", err)
	}
	return result, nil
}

func parseID(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("%w: %s", ErrInvalidID, id)
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func optionalTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
