package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
)

const codeColumns = `code, expires_on, status, is_vip, source, pushed, validated_at, created_at`

// pq error code for unique_violation
const uniqueViolation = "23505"

// GiftCodeRepo implements storage.GiftCodeRepository using PostgreSQL.
type GiftCodeRepo struct {
	db *DB
}

// NewGiftCodeRepo creates a new PostgreSQL gift code repository.
func NewGiftCodeRepo(db *DB) *GiftCodeRepo {
	return &GiftCodeRepo{db: db}
}

func (r *GiftCodeRepo) Get(ctx context.Context, code string) (*domain.GiftCode, error) {
	var c domain.GiftCode
	err := r.db.GetContext(ctx, &c, `SELECT `+codeColumns+` FROM gift_codes WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gift code: %w", err)
	}
	return &c, nil
}

func (r *GiftCodeRepo) Create(ctx context.Context, c *domain.GiftCode) error {
	status := c.Status
	if status == "" {
		status = domain.CodeStatusActive
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gift_codes (code, expires_on, status, is_vip, source, pushed, validated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.Code, c.ExpiresOn, string(status), c.IsVIP, string(c.Source), c.Pushed, c.ValidatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", storage.ErrCodeExists, c.Code)
	}
	if err != nil {
		return fmt.Errorf("failed to create gift code: %w", err)
	}
	return nil
}

func (r *GiftCodeRepo) ListActive(ctx context.Context) ([]*domain.GiftCode, error) {
	var out []*domain.GiftCode
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+codeColumns+` FROM gift_codes WHERE status = $1 ORDER BY code`, string(domain.CodeStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list gift codes: %w", err)
	}
	return out, nil
}

func (r *GiftCodeRepo) ListUnpushed(ctx context.Context) ([]*domain.GiftCode, error) {
	var out []*domain.GiftCode
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+codeColumns+` FROM gift_codes
		 WHERE source = $1 AND NOT pushed AND status = $2 ORDER BY code`,
		string(domain.CodeSourceManual), string(domain.CodeStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list unpushed gift codes: %w", err)
	}
	return out, nil
}

func (r *GiftCodeRepo) exec(ctx context.Context, query, code string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, append([]any{code}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update gift code %s: %w", code, err)
	}
	return expectRow(res, storage.ErrCodeNotFound)
}

func (r *GiftCodeRepo) MarkInvalid(ctx context.Context, code string) error {
	return r.exec(ctx, `UPDATE gift_codes SET status = $2 WHERE code = $1`, code, string(domain.CodeStatusInvalid))
}

func (r *GiftCodeRepo) MarkVIP(ctx context.Context, code string) error {
	return r.exec(ctx, `UPDATE gift_codes SET is_vip = TRUE WHERE code = $1`, code)
}

func (r *GiftCodeRepo) MarkValidated(ctx context.Context, code string) error {
	return r.exec(ctx, `UPDATE gift_codes SET validated_at = now() WHERE code = $1`, code)
}

func (r *GiftCodeRepo) MarkPushed(ctx context.Context, code string) error {
	return r.exec(ctx, `UPDATE gift_codes SET pushed = TRUE WHERE code = $1`, code)
}

func (r *GiftCodeRepo) RecordUsage(ctx context.Context, u domain.Usage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gift_code_usages (player_id, code, status)
		 VALUES ($1, $2, $3) ON CONFLICT (code, player_id) DO NOTHING`,
		u.PlayerID, u.Code, string(u.Status))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (r *GiftCodeRepo) UsedBy(ctx context.Context, code string, ids []string) (map[string]bool, error) {
	var used []string
	err := r.db.SelectContext(ctx, &used,
		`SELECT player_id FROM gift_code_usages WHERE code = $1 AND player_id = ANY($2)`,
		code, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query usages: %w", err)
	}
	out := make(map[string]bool, len(used))
	for _, id := range used {
		out[id] = true
	}
	return out, nil
}
