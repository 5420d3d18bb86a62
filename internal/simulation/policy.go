package simulation

import (
	"context"
	"fmt"

	"github.com/rsclarke/mspsim/internal/models"
	"go.uber.org/zap"
)

// Store persists the error simulation singleton.
type Store interface {
	LoadErrorSimulation(ctx context.Context) (*models.ErrorSimulation, error)
	SaveErrorSimulation(ctx context.Context, s *models.ErrorSimulation) error
}

// Policy owns the global force-401 and force-403 switches.
type Policy struct {
	store  Store
	logger *zap.Logger
}

// NewPolicy creates a Policy backed by store.
func NewPolicy(store Store, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{store: store, logger: logger}
}

// Settings returns the current singleton, creating it with both flags off
// on first access.
func (p *Policy) Settings(ctx context.Context) (*models.ErrorSimulation, error) {
	s, err := p.store.LoadErrorSimulation(ctx)
	if err != nil {
		return nil, fmt.Errorf("load error simulation: %w", err)
	}
	return s, nil
}

// Flags returns the global switches as decision input.
func (p *Policy) Flags(ctx context.Context) (Flags, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return Flags{}, err
	}
	return Flags{Unauthorized: s.ForceUnauthorized, Forbidden: s.ForceForbidden}, nil
}

// SetUnauthorized sets the global force-401 switch.
func (p *Policy) SetUnauthorized(ctx context.Context, force bool) (*models.ErrorSimulation, error) {
	return p.update(ctx, func(s *models.ErrorSimulation) { s.ForceUnauthorized = force },
		zap.Bool("force_unauthorized", force))
}

// SetForbidden sets the global force-403 switch.
func (p *Policy) SetForbidden(ctx context.Context, force bool) (*models.ErrorSimulation, error) {
	return p.update(ctx, func(s *models.ErrorSimulation) { s.ForceForbidden = force },
		zap.Bool("force_forbidden", force))
}

// SetBoth sets both global switches in one write.
func (p *Policy) SetBoth(ctx context.Context, unauthorized, forbidden bool) (*models.ErrorSimulation, error) {
	return p.update(ctx, func(s *models.ErrorSimulation) {
		s.ForceUnauthorized = unauthorized
		s.ForceForbidden = forbidden
	}, zap.Bool("force_unauthorized", unauthorized), zap.Bool("force_forbidden", forbidden))
}

// Reset turns both global switches off.
func (p *Policy) Reset(ctx context.Context) (*models.ErrorSimulation, error) {
	return p.SetBoth(ctx, false, false)
}

func (p *Policy) update(ctx context.Context, apply func(*models.ErrorSimulation), fields ...zap.Field) (*models.ErrorSimulation, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return nil, err
	}
	apply(s)
	if err := p.store.SaveErrorSimulation(ctx, s); err != nil {
		return nil, fmt.Errorf("save error simulation: %w", err)
	}
	p.logger.Info("global error simulation updated", fields...)
	return s, nil
}
