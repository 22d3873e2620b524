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

const playerColumns = `id, nickname, alliance_id, furnace_level, is_rich, vip_count, poor, not_found_count, created_at`

// PlayerRepo implements storage.PlayerRepository using PostgreSQL.
type PlayerRepo struct {
	db *DB
}

// NewPlayerRepo creates a new PostgreSQL player repository.
func NewPlayerRepo(db *DB) *PlayerRepo {
	return &PlayerRepo{db: db}
}

func (r *PlayerRepo) GetByID(ctx context.Context, id string) (*domain.Player, error) {
	var p domain.Player
	err := r.db.GetContext(ctx, &p, `SELECT `+playerColumns+` FROM players WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get player: %w", err)
	}
	return &p, nil
}

func (r *PlayerRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Player, error) {
	var players []domain.Player
	err := r.db.SelectContext(ctx, &players,
		`SELECT `+playerColumns+` FROM players WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get players: %w", err)
	}
	out := make(map[string]*domain.Player, len(players))
	for i := range players {
		out[players[i].ID] = &players[i]
	}
	return out, nil
}

func (r *PlayerRepo) ListByAlliance(ctx context.Context, allianceID int64) ([]*domain.Player, error) {
	var players []*domain.Player
	err := r.db.SelectContext(ctx, &players,
		`SELECT `+playerColumns+` FROM players WHERE alliance_id = $1 ORDER BY id`, allianceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	return players, nil
}

func (r *PlayerRepo) Save(ctx context.Context, p *domain.Player) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO players (id, nickname, alliance_id, furnace_level, is_rich, vip_count, poor, not_found_count)
		 VALUES (:id, :nickname, :alliance_id, :furnace_level, :is_rich, :vip_count, :poor, :not_found_count)
		 ON CONFLICT (id) DO UPDATE SET
		   nickname = EXCLUDED.nickname,
		   alliance_id = EXCLUDED.alliance_id,
		   furnace_level = EXCLUDED.furnace_level,
		   is_rich = EXCLUDED.is_rich,
		   vip_count = EXCLUDED.vip_count,
		   poor = EXCLUDED.poor,
		   not_found_count = EXCLUDED.not_found_count`, p)
	if err != nil {
		return fmt.Errorf("failed to save player: %w", err)
	}
	return nil
}

func (r *PlayerRepo) IncrementNotFound(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`UPDATE players SET not_found_count = not_found_count + 1 WHERE id = $1 RETURNING not_found_count`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrPlayerNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment not-found counter: %w", err)
	}
	return count, nil
}

func (r *PlayerRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM players WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete player: %w", err)
	}
	return nil
}

// AllianceRepo implements storage.AllianceRepository using PostgreSQL.
type AllianceRepo struct {
	db *DB
}

// NewAllianceRepo creates a new PostgreSQL alliance repository.
func NewAllianceRepo(db *DB) *AllianceRepo {
	return &AllianceRepo{db: db}
}

const allianceColumns = `id, name, auto_redeem, auto_delete_not_found, redeem_priority`

func (r *AllianceRepo) GetByID(ctx context.Context, id int64) (*domain.Alliance, error) {
	var a domain.Alliance
	err := r.db.GetContext(ctx, &a, `SELECT `+allianceColumns+` FROM alliances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAllianceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alliance: %w", err)
	}
	return &a, nil
}

func (r *AllianceRepo) ListAutoRedeem(ctx context.Context) ([]*domain.Alliance, error) {
	var out []*domain.Alliance
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+allianceColumns+` FROM alliances WHERE auto_redeem ORDER BY redeem_priority, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alliances: %w", err)
	}
	return out, nil
}

func (r *AllianceRepo) Save(ctx context.Context, a *domain.Alliance) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO alliances (id, name, auto_redeem, auto_delete_not_found, redeem_priority)
		 VALUES (:id, :name, :auto_redeem, :auto_delete_not_found, :redeem_priority)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   auto_redeem = EXCLUDED.auto_redeem,
		   auto_delete_not_found = EXCLUDED.auto_delete_not_found,
		   redeem_priority = EXCLUDED.redeem_priority`, a)
	if err != nil {
		return fmt.Errorf("failed to save alliance: %w", err)
	}
	return nil
}
