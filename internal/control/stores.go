package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/redeemer/internal/infra/storage"
	"github.com/vietddude/redeemer/internal/infra/storage/memory"
	"github.com/vietddude/redeemer/internal/infra/storage/postgres"
)

// Stores bundles the repositories behind one backend.
type Stores struct {
	Processes storage.ProcessRepository
	Players   storage.PlayerRepository
	Alliances storage.AllianceRepository
	Codes     storage.GiftCodeRepository

	db *postgres.DB
}

// OpenStores connects to PostgreSQL when a URL is configured and falls back
// to memory otherwise. migrate applies the embedded migrations first.
func OpenStores(ctx context.Context, cfg postgres.Config, migrate bool) (*Stores, error) {
	if cfg.URL == "" {
		store := memory.NewMemoryStorage()
		slog.Info("Using Memory storage")
		return &Stores{
			Processes: memory.NewProcessRepo(store),
			Players:   memory.NewPlayerRepo(store),
			Alliances: memory.NewAllianceRepo(store),
			Codes:     memory.NewGiftCodeRepo(store),
		}, nil
	}

	if migrate {
		if err := Migrate(cfg.URL); err != nil {
			return nil, err
		}
	}

	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	slog.Info("Using PostgreSQL storage")
	return &Stores{
		Processes: postgres.NewProcessRepo(db),
		Players:   postgres.NewPlayerRepo(db),
		Alliances: postgres.NewAllianceRepo(db),
		Codes:     postgres.NewGiftCodeRepo(db),
		db:        db,
	}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string) error {
	admin, err := postgres.NewAdminDB(dsn)
	if err != nil {
		return fmt.Errorf("failed to open admin db: %w", err)
	}
	defer func() {
		_ = admin.Close()
	}()
	if err := admin.Migrate(); err != nil {
		return err
	}
	return nil
}

// Close releases the database connection, if any.
func (s *Stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
