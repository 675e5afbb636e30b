package usecases

import (
	"context"
	"errors"
	"fmt"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
)

// ProbeTargetsUseCase probes explicit addresses once, outside the buffer.
type ProbeTargetsUseCase struct {
	buffer MachineBuffer
	logger ports.Logger
}

// NewProbeTargetsUseCase creates a new use case.
func NewProbeTargetsUseCase(buffer MachineBuffer, logger ports.Logger) *ProbeTargetsUseCase {
	return &ProbeTargetsUseCase{buffer: buffer, logger: logger}
}

// Execute parses addrs ("ip" or "ip:port", the configured machine port by
// default) and probes them. Any unparsable address fails the whole request.
func (uc *ProbeTargetsUseCase) Execute(ctx context.Context, addrs []string) (MachineList, error) {
	if len(addrs) == 0 {
		return MachineList{}, ErrNoTargets
	}

	targets, errs := machine.ParseTargets(addrs, uc.buffer.Settings().MachinePort)
	if len(errs) > 0 {
		return MachineList{}, fmt.Errorf("%w: %w", ErrInvalidAddress, errors.Join(errs...))
	}

	list := newMachineList(uc.buffer.QueryTargets(ctx, targets))
	uc.logger.Debug("targeted probe", "targets", machine.TargetStrings(targets), "machines", len(list.Machines))
	return list, nil
}
