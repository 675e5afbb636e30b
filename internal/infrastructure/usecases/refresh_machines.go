package usecases

import (
	"context"

	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
)

// RefreshMachinesUseCase forces a probe on behalf of a client, rate limited per client.
type RefreshMachinesUseCase struct {
	buffer      MachineBuffer
	rateLimiter ports.RateLimiter
	logger      ports.Logger
}

// NewRefreshMachinesUseCase creates a new use case.
func NewRefreshMachinesUseCase(buffer MachineBuffer, rateLimiter ports.RateLimiter, logger ports.Logger) *RefreshMachinesUseCase {
	return &RefreshMachinesUseCase{
		buffer:      buffer,
		rateLimiter: rateLimiter,
		logger:      logger,
	}
}

// Execute refreshes the buffer. When clientKey is over its limit the cached view
// is returned together with ErrRateLimited.
func (uc *RefreshMachinesUseCase) Execute(ctx context.Context, clientKey string) (MachineList, error) {
	if !uc.rateLimiter.Allow(ctx, clientKey) {
		uc.logger.Debug("forced refresh rate limited", "client", clientKey)
		return newMachineList(uc.buffer.Snapshot()), ErrRateLimited
	}

	list := newMachineList(uc.buffer.Refresh(ctx))
	uc.logger.Info("forced refresh", "client", clientKey, "machines", len(list.Machines), "source", string(list.Source))
	return list, nil
}
