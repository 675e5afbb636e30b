package usecases

import (
	"context"
	"time"

	"github.com/sophialabs/kbeconsole/internal/domain/discovery"
	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/services"
)

// MachineBuffer is the part of the discovery buffer the use cases drive.
type MachineBuffer interface {
	Query(ctx context.Context) services.QueryResult
	Refresh(ctx context.Context) services.QueryResult
	QueryTargets(ctx context.Context, targets []machine.Target) services.QueryResult
	Snapshot() services.QueryResult
	Settings() discovery.Settings
}

var _ MachineBuffer = (*services.Buffer)(nil)

// MachineList is a listing as returned to API clients.
type MachineList struct {
	Machines   []machine.Record  `json:"machines"`
	Projection any               `json:"projection,omitempty"`
	Pagination services.PageInfo `json:"pagination"`
	ProbedAt   time.Time         `json:"probedAt"`
	Source     services.Source   `json:"source"`
	Stale      bool              `json:"stale"`
}

func newMachineList(r services.QueryResult) MachineList {
	records := r.Records
	if records == nil {
		records = []machine.Record{}
	}
	return MachineList{
		Machines: records,
		ProbedAt: r.ProbedAt,
		Source:   r.Source,
		Stale:    r.Stale,
	}
}
