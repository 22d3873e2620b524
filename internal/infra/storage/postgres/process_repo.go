package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
)

// ProcessRepo implements storage.ProcessRepository using PostgreSQL.
type ProcessRepo struct {
	db *DB
}

// NewProcessRepo creates a new PostgreSQL process repository.
func NewProcessRepo(db *DB) *ProcessRepo {
	return &ProcessRepo{db: db}
}

type processRow struct {
	ID        string    `db:"id"`
	CreatedBy string    `db:"created_by"`
	Target    string    `db:"target"`
	Status    string    `db:"status"`
	Priority  int       `db:"priority"`
	Details   []byte    `db:"details"`
	Progress  []byte    `db:"progress"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row processRow) toDomain() (*domain.Process, error) {
	p := &domain.Process{
		ID:        row.ID,
		CreatedBy: row.CreatedBy,
		Target:    row.Target,
		Status:    domain.ProcessStatus(row.Status),
		Priority:  row.Priority,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Details, &p.Details); err != nil {
		return nil, fmt.Errorf("failed to decode details of process %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Progress, &p.Progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress of process %s: %w", row.ID, err)
	}
	return p, nil
}

const processColumns = `id, created_by, target, status, priority, details, progress, created_at, updated_at`

// Create stores a new process.
func (r *ProcessRepo) Create(ctx context.Context, p *domain.Process) (string, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := p.Status
	if status == "" {
		status = domain.ProcessStatusActive
	}

	details, err := json.Marshal(p.Details)
	if err != nil {
		return "", fmt.Errorf("failed to encode details: %w", err)
	}
	progress, err := json.Marshal(p.Progress)
	if err != nil {
		return "", fmt.Errorf("failed to encode progress: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO processes (id, created_by, target, status, priority, details, progress)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, p.CreatedBy, p.Target, string(status), p.Priority, details, progress,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create process: %w", err)
	}
	return id, nil
}

// GetByID retrieves a process by id.
func (r *ProcessRepo) GetByID(ctx context.Context, id string) (*domain.Process, error) {
	var row processRow
	err := r.db.GetContext(ctx, &row, `SELECT `+processColumns+` FROM processes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrProcessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process: %w", err)
	}
	return row.toDomain()
}

// UpdateProgress rewrites the progress document.
func (r *ProcessRepo) UpdateProgress(ctx context.Context, id string, progress domain.Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE processes SET progress = $1, updated_at = now() WHERE id = $2`, data, id)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return expectRow(res, storage.ErrProcessNotFound)
}

// UpdateStatus sets the lifecycle status.
func (r *ProcessRepo) UpdateStatus(ctx context.Context, id string, status domain.ProcessStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE processes SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return expectRow(res, storage.ErrProcessNotFound)
}

// ListByStatus returns processes in the given statuses, oldest first.
func (r *ProcessRepo) ListByStatus(ctx context.Context, statuses ...domain.ProcessStatus) ([]*domain.Process, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var rows []processRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+processColumns+` FROM processes WHERE status = ANY($1) ORDER BY created_at`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return toProcesses(rows)
}

// ListRecent returns the newest processes.
func (r *ProcessRepo) ListRecent(ctx context.Context, limit int) ([]*domain.Process, error) {
	var rows []processRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+processColumns+` FROM processes ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return toProcesses(rows)
}

// DeleteFinishedBefore removes completed and failed processes last updated
// before cutoff.
func (r *ProcessRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM processes WHERE status = ANY($1) AND updated_at < $2`,
		pq.Array([]string{string(domain.ProcessStatusCompleted), string(domain.ProcessStatusFailed)}), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted processes: %w", err)
	}
	return int(n), nil
}

func toProcesses(rows []processRow) ([]*domain.Process, error) {
	out := make([]*domain.Process, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
