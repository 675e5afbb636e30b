package usecases

import (
	"context"
	"fmt"

	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/services"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ListRequest narrows a machine listing.
type ListRequest struct {
	Filter   string
	JSONPath string
	Page     services.PageParams
}

// ListMachinesUseCase serves the machine list through the buffer, then filters,
// pages and optionally projects it.
type ListMachinesUseCase struct {
	buffer  MachineBuffer
	filters *services.FilterCompiler
	logger  ports.Logger
}

// NewListMachinesUseCase creates a new use case.
func NewListMachinesUseCase(buffer MachineBuffer, filters *services.FilterCompiler, logger ports.Logger) *ListMachinesUseCase {
	return &ListMachinesUseCase{
		buffer:  buffer,
		filters: filters,
		logger:  logger,
	}
}

// Execute runs the listing. A bad filter is reported before anything is probed.
func (uc *ListMachinesUseCase) Execute(ctx context.Context, req ListRequest) (MachineList, error) {
	filter, err := uc.filters.Compile(req.Filter)
	if err != nil {
		return MachineList{}, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	result := uc.buffer.Query(ctx)
	total := len(result.Records)

	kept, err := services.FilterRecords(result.Records, filter)
	if err != nil {
		return MachineList{}, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	offset, limit := services.ResolveSliceBounds(req.Page, defaultPageSize, maxPageSize)
	page, info := services.Paginate(kept, offset, limit)

	result.Records = page
	list := newMachineList(result)
	list.Pagination = info

	if req.JSONPath != "" {
		projected, err := services.Project(list.Machines, req.JSONPath)
		if err != nil {
			return MachineList{}, fmt.Errorf("%w: %w", ErrInvalidProjection, err)
		}
		list.Projection = projected
	}

	uc.logger.Debug("listed machines",
		"source", string(list.Source),
		"total", total,
		"matched", info.TotalItems,
		"returned", len(page),
	)
	return list, nil
}
