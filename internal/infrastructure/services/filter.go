package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
)

// MachineFilter reports whether a record should be kept.
type MachineFilter func(machine.Record) (bool, error)

// filterEnv is what filter expressions can reference.
type filterEnv struct {
	Component    string  `expr:"component"`
	ComponentID  uint64  `expr:"componentID"`
	UID          int32   `expr:"uid"`
	Username     string  `expr:"username"`
	GlobalOrder  int32   `expr:"globalOrder"`
	GroupOrder   int32   `expr:"groupOrder"`
	Host         string  `expr:"host"`
	Port         uint16  `expr:"port"`
	ExternalHost string  `expr:"externalHost"`
	ExternalPort uint16  `expr:"externalPort"`
	PID          uint32  `expr:"pid"`
	CPU          float32 `expr:"cpu"`
	Mem          float32 `expr:"mem"`
	UsedMem      uint32  `expr:"usedMem"`
	State        string  `expr:"state"`
	MachineID    uint32  `expr:"machineID"`
}

func newFilterEnv(r machine.Record) filterEnv {
	env := filterEnv{
		Component:    r.ComponentType.String(),
		ComponentID:  r.ComponentID,
		UID:          r.UID,
		Username:     r.Username,
		GlobalOrder:  r.GlobalOrder,
		GroupOrder:   r.GroupOrder,
		Port:         r.InternalPort,
		ExternalHost: r.ExternalHost,
		ExternalPort: r.ExternalPort,
		PID:          r.PID,
		CPU:          r.CPU,
		Mem:          r.Mem,
		UsedMem:      r.UsedMem,
		State:        r.State.String(),
		MachineID:    r.MachineID,
	}
	if r.Host.IsValid() {
		env.Host = r.Host.String()
	}
	return env
}

// FilterCompiler compiles filter expressions and caches the programs by source.
type FilterCompiler struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
	max      int
}

// NewFilterCompiler creates a compiler caching up to size programs.
func NewFilterCompiler(size int) *FilterCompiler {
	if size <= 0 {
		size = 128
	}
	return &FilterCompiler{programs: make(map[string]*vm.Program), max: size}
}

// Compile turns source into a filter. An empty source keeps everything.
func (c *FilterCompiler) Compile(source string) (MachineFilter, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return func(machine.Record) (bool, error) { return true, nil }, nil
	}

	program, err := c.program(source)
	if err != nil {
		return nil, err
	}

	return func(r machine.Record) (bool, error) {
		out, err := expr.Run(program, newFilterEnv(r))
		if err != nil {
			return false, fmt.Errorf("filter evaluation failed: %w", err)
		}
		keep, _ := out.(bool)
		return keep, nil
	}, nil
}

// Cached returns how many compiled programs are held.
func (c *FilterCompiler) Cached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

func (c *FilterCompiler) program(source string) (*vm.Program, error) {
	c.mu.Lock()
	if p, ok := c.programs[source]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := expr.Compile(source, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", source, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.programs) >= c.max {
		// Full: start over rather than track recency.
		clear(c.programs)
	}
	c.programs[source] = p
	return p, nil
}

// FilterRecords returns the records f keeps, in order.
func FilterRecords(records []machine.Record, f MachineFilter) ([]machine.Record, error) {
	kept := make([]machine.Record, 0, len(records))
	for _, r := range records {
		ok, err := f(r)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, r)
		}
	}
	return kept, nil
}
