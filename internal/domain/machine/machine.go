package machine

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// ComponentType identifies the kind of server process a machine daemon reports.
type ComponentType int32

const (
	UnknownComponent ComponentType = iota
	DBMgr
	LoginApp
	BaseAppMgr
	CellAppMgr
	CellApp
	BaseApp
	Client
	MachineDaemon
	Console
	Logger
	Bots
	Watcher
	Interfaces
	componentEnd
)

var componentNames = [...]string{
	"unknown",
	"dbmgr",
	"loginapp",
	"baseappmgr",
	"cellappmgr",
	"cellapp",
	"baseapp",
	"client",
	"machine",
	"console",
	"logger",
	"bots",
	"watcher",
	"interfaces",
}

// String returns the lower-case component name, "unknown" for out-of-range values.
func (t ComponentType) String() string {
	if t < 0 || t >= componentEnd {
		return componentNames[UnknownComponent]
	}
	return componentNames[t]
}

// Valid reports whether t names a real component.
func (t ComponentType) Valid() bool {
	return t > UnknownComponent && t < componentEnd
}

// ParseComponentType maps a name (case-insensitive) to its ComponentType.
func ParseComponentType(name string) ComponentType {
	for i, n := range componentNames {
		if strings.EqualFold(n, name) {
			return ComponentType(i)
		}
	}
	return UnknownComponent
}

func (t ComponentType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ComponentType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*t = ParseComponentType(name)
	return nil
}

// ComponentState is the lifecycle state a component reports.
type ComponentState int8

const (
	StateInit ComponentState = iota
	StateRunning
	StateShuttingDownBegin
	StateShuttingDownRunning
	StateStopped
)

var stateNames = map[ComponentState]string{
	StateInit:                "init",
	StateRunning:             "running",
	StateShuttingDownBegin:   "shutting_down_begin",
	StateShuttingDownRunning: "shutting_down_running",
	StateStopped:             "stopped",
}

func (s ComponentState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int8(s))
}

func (s ComponentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ComponentState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown component state %q", name)
}

// Record is one component reported by a machine daemon in reply to a probe.
type Record struct {
	UID           int32          `json:"uid"`
	Username      string         `json:"username"`
	ComponentType ComponentType  `json:"componentType"`
	ComponentID   uint64         `json:"componentID"`
	ComponentIDEx uint64         `json:"componentIDEx"`
	GlobalOrder   int32          `json:"globalOrder"`
	GroupOrder    int32          `json:"groupOrder"`
	GUS           int32          `json:"gus"`
	Host          netip.Addr     `json:"host"`
	InternalPort  uint16         `json:"internalPort"`
	ExternalAddr  netip.Addr     `json:"externalAddr"`
	ExternalPort  uint16         `json:"externalPort"`
	ExternalHost  string         `json:"externalHost,omitempty"`
	PID           uint32         `json:"pid"`
	CPU           float32        `json:"cpu"`
	Mem           float32        `json:"mem"`
	UsedMem       uint32         `json:"usedMem"`
	State         ComponentState `json:"state"`
	MachineID     uint32         `json:"machineID"`
	ExtraData     [4]uint64      `json:"extraData"`
	// BackRecv is where the component asked replies to be sent; routing only.
	BackRecv      netip.AddrPort `json:"-"`
	Responder     netip.AddrPort `json:"responder"`
	RefreshedAt   time.Time      `json:"refreshedAt"`
}

// Key identifies the component independent of which interface it answered on.
func (r Record) Key() string {
	return fmt.Sprintf("%d/%d/%d", r.MachineID, r.ComponentType, r.ComponentID)
}

// Dedupe keeps the most recently refreshed record per Key and returns them
// ordered by host, component type, then component id.
func Dedupe(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}

	latest := make(map[string]Record, len(records))
	for _, r := range records {
		k := r.Key()
		if prev, ok := latest[k]; ok && prev.RefreshedAt.After(r.RefreshedAt) {
			continue
		}
		latest[k] = r
	}

	out := make([]Record, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Host.Compare(out[j].Host); c != 0 {
			return c < 0
		}
		if out[i].ComponentType != out[j].ComponentType {
			return out[i].ComponentType < out[j].ComponentType
		}
		return out[i].ComponentID < out[j].ComponentID
	})
	return out
}
