package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
)

var (
	// ErrProcessNotFound is returned when a process record doesn't exist
	ErrProcessNotFound = errors.New("process not found")

	// ErrPlayerNotFound is returned when a player doesn't exist
	ErrPlayerNotFound = errors.New("player not found")

	// ErrAllianceNotFound is returned when an alliance doesn't exist
	ErrAllianceNotFound = errors.New("alliance not found")

	// ErrCodeNotFound is returned when a gift code doesn't exist
	ErrCodeNotFound = errors.New("gift code not found")

	// ErrCodeExists is returned when creating a gift code that is already stored
	ErrCodeExists = errors.New("gift code already exists")
)

// ProcessRepository persists batch processes and their progress documents
type ProcessRepository interface {
	// Create stores a new process and returns its assigned id
	Create(ctx context.Context, process *domain.Process) (string, error)

	// GetByID retrieves a process, or ErrProcessNotFound
	GetByID(ctx context.Context, id string) (*domain.Process, error)

	// UpdateProgress rewrites the whole progress document (one checkpoint)
	UpdateProgress(ctx context.Context, id string, progress domain.Progress) error

	// UpdateStatus sets the lifecycle status
	UpdateStatus(ctx context.Context, id string, status domain.ProcessStatus) error

	// ListByStatus returns processes in any of the given statuses, oldest first
	ListByStatus(ctx context.Context, statuses ...domain.ProcessStatus) ([]*domain.Process, error)

	// ListRecent returns the newest processes
	ListRecent(ctx context.Context, limit int) ([]*domain.Process, error)

	// DeleteFinishedBefore removes completed and failed processes last
	// updated before the cutoff and returns how many were removed
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PlayerRepository handles identity storage
type PlayerRepository interface {
	// GetByID retrieves a player, or ErrPlayerNotFound
	GetByID(ctx context.Context, id string) (*domain.Player, error)

	// GetByIDs retrieves the players that exist among ids
	GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Player, error)

	// ListByAlliance returns all players of an alliance
	ListByAlliance(ctx context.Context, allianceID int64) ([]*domain.Player, error)

	// Save inserts or updates a player
	Save(ctx context.Context, player *domain.Player) error

	// IncrementNotFound bumps the not-found counter and returns the new value
	IncrementNotFound(ctx context.Context, id string) (int, error)

	// Delete removes a player
	Delete(ctx context.Context, id string) error
}

// AllianceRepository handles alliance settings
type AllianceRepository interface {
	// GetByID retrieves an alliance, or ErrAllianceNotFound
	GetByID(ctx context.Context, id int64) (*domain.Alliance, error)

	// ListAutoRedeem returns alliances with auto-redeem enabled
	ListAutoRedeem(ctx context.Context) ([]*domain.Alliance, error)

	// Save inserts or updates an alliance
	Save(ctx context.Context, alliance *domain.Alliance) error
}

// GiftCodeRepository handles gift codes and their usage records
type GiftCodeRepository interface {
	// Get retrieves a code, or ErrCodeNotFound
	Get(ctx context.Context, code string) (*domain.GiftCode, error)

	// Create stores a new code, or ErrCodeExists
	Create(ctx context.Context, code *domain.GiftCode) error

	// ListActive returns all codes with status active
	ListActive(ctx context.Context) ([]*domain.GiftCode, error)

	// ListUnpushed returns manual codes not yet pushed to the shared feed
	ListUnpushed(ctx context.Context) ([]*domain.GiftCode, error)

	// MarkInvalid sets status invalid
	MarkInvalid(ctx context.Context, code string) error

	// MarkVIP flags the code as VIP-restricted
	MarkVIP(ctx context.Context, code string) error

	// MarkValidated stamps the last validation time
	MarkValidated(ctx context.Context, code string) error

	// MarkPushed sets the push-state flag
	MarkPushed(ctx context.Context, code string) error

	// RecordUsage stores a usage row (idempotent per player/code)
	RecordUsage(ctx context.Context, usage domain.Usage) error

	// UsedBy returns the set of player ids among ids that have a usage row for code
	UsedBy(ctx context.Context, code string, ids []string) (map[string]bool, error)
}
