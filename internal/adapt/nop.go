package adapt

import (
	"context"

	"TradeGuard/internal/domain/models"
	"TradeGuard/pkg/logger"
)

// NopModelRegistry is the registry used when no external registry is
// configured. It never offers candidates, so the active model is permanent.
type NopModelRegistry struct {
	log *logger.Logger
}

func NewNopModelRegistry(lgr *logger.Logger) *NopModelRegistry {
	return &NopModelRegistry{log: lgr}
}

func (n *NopModelRegistry) GetActive(ctx context.Context) (models.ModelHandle, error) {
	return models.ModelHandle{}, nil
}

func (n *NopModelRegistry) ProposeCandidate(ctx context.Context, criteria map[string]string) (models.ModelHandle, error) {
	n.log.Debug("model registry disabled, no candidate proposed")
	return models.ModelHandle{}, nil
}

func (n *NopModelRegistry) Promote(ctx context.Context, h models.ModelHandle) error { return nil }

func (n *NopModelRegistry) Rollback(ctx context.Context) error { return nil }

// NopExecutionControl is the execution surface used when no external endpoint
// is configured. Actions are logged and succeed immediately.
type NopExecutionControl struct {
	log *logger.Logger
}

func NewNopExecutionControl(lgr *logger.Logger) *NopExecutionControl {
	return &NopExecutionControl{log: lgr}
}

func (n *NopExecutionControl) Halt(ctx context.Context) error {
	n.log.Warn("execution control disabled, halt is local only")
	return nil
}

func (n *NopExecutionControl) Resume(ctx context.Context, limits models.RiskLimits) error {
	n.log.Info("execution control disabled, resume is local only",
		logger.Any("max_position_usd", limits.MaxPositionUSD))
	return nil
}
