package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
)

var (
	// ErrNoPlayers is returned when an alliance has nobody to redeem for.
	ErrNoPlayers = errors.New("no players to redeem for")
	// ErrNoValidationPlayer is returned when validation is requested but no
	// validation player is configured.
	ErrNoValidationPlayer = errors.New("no validation player configured")
)

// Planner builds and stores new processes.
type Planner struct {
	processes          storage.ProcessRepository
	players            storage.PlayerRepository
	codes              storage.GiftCodeRepository
	validationPlayerID string
	now                func() time.Time
}

// NewPlanner creates a planner. validationPlayerID may be empty.
func NewPlanner(processes storage.ProcessRepository, players storage.PlayerRepository, codes storage.GiftCodeRepository, validationPlayerID string) *Planner {
	return &Planner{
		processes:          processes,
		players:            players,
		codes:              codes,
		validationPlayerID: validationPlayerID,
		now:                time.Now,
	}
}

// Redeem creates a process redeeming code for every player of an alliance.
// The validation item, when configured, runs first. Players with a usage row
// for the code start in existing.
func (p *Planner) Redeem(ctx context.Context, code string, allianceID int64, createdBy string, priority int) (*domain.Process, error) {
	players, err := p.players.ListByAlliance(ctx, allianceID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	if len(players) == 0 {
		return nil, fmt.Errorf("alliance %d: %w", allianceID, ErrNoPlayers)
	}

	items := make([]domain.RedeemItem, 0, len(players)+1)
	if p.validationPlayerID != "" {
		items = append(items, domain.RedeemItem{
			PlayerID:  p.validationPlayerID,
			Code:      code,
			Operation: domain.OperationValidation,
		})
	}
	ids := make([]string, 0, len(players))
	for _, pl := range players {
		ids = append(ids, pl.ID)
		items = append(items, domain.RedeemItem{
			PlayerID:  pl.ID,
			Code:      code,
			Operation: domain.OperationRedeem,
		})
	}

	progress := NewProgress(items)
	used, err := p.codes.UsedBy(ctx, code, ids)
	if err != nil {
		return nil, fmt.Errorf("load usages: %w", err)
	}
	now := p.now()
	for _, it := range items {
		if it.Operation == domain.OperationRedeem && used[it.PlayerID] {
			markExisting(&progress, it.Key(), preFilteredResult(it, now))
		}
	}

	return p.create(ctx, &domain.Process{
		CreatedBy: createdBy,
		Target:    strconv.FormatInt(allianceID, 10),
		Priority:  priority,
		Details:   domain.ProcessDetails{Code: code, Items: items},
		Progress:  progress,
	})
}

// Validation creates a single-item validation process for code.
func (p *Planner) Validation(ctx context.Context, code, createdBy string) (*domain.Process, error) {
	if p.validationPlayerID == "" {
		return nil, ErrNoValidationPlayer
	}
	items := []domain.RedeemItem{{
		PlayerID:  p.validationPlayerID,
		Code:      code,
		Operation: domain.OperationValidation,
	}}
	return p.create(ctx, &domain.Process{
		CreatedBy: createdBy,
		Target:    domain.TargetSystem,
		Priority:  domain.PriorityValidation,
		Details:   domain.ProcessDetails{Code: code, Items: items},
		Progress:  NewProgress(items),
	})
}

func (p *Planner) create(ctx context.Context, proc *domain.Process) (*domain.Process, error) {
	proc.Status = domain.ProcessStatusActive
	id, err := p.processes.Create(ctx, proc)
	if err != nil {
		return nil, fmt.Errorf("create process: %w", err)
	}
	proc.ID = id
	return proc, nil
}
