package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
)

// DefaultMachinePort is the UDP port machine daemons listen on for queries.
const DefaultMachinePort uint16 = 20086

// Settings governs how the console probes machine daemons and buffers the results.
type Settings struct {
	// UseBuffer enables the cached, background-refreshed query path.
	UseBuffer bool
	// StopBufferTime is the query inactivity after which background refresh halts.
	StopBufferTime time.Duration
	// FlushTime is the background refresh interval and the maximum cache age served.
	FlushTime time.Duration
	// QueryWaitTime bounds how long a single probe waits for replies.
	QueryWaitTime time.Duration

	// Addresses are the raw fixed probe targets; empty means broadcast.
	Addresses []string
	// Targets is Addresses after Normalize, malformed entries excluded.
	Targets []machine.Target

	MachinePort uint16
	UID         int32
	Username    string

	// StaleProbeLimit is how many consecutive empty or failed probes keep serving
	// the previous records before the cache is emptied.
	StaleProbeLimit int

	// RefreshRate and RefreshBurst limit forced refreshes per client.
	RefreshRate  float64
	RefreshBurst int
}

// DefaultSettings returns the stock console settings.
func DefaultSettings() Settings {
	return Settings{
		UseBuffer:       true,
		StopBufferTime:  300 * time.Second,
		FlushTime:       time.Second,
		QueryWaitTime:   time.Second,
		MachinePort:     DefaultMachinePort,
		StaleProbeLimit: 3,
		RefreshRate:     0.5,
		RefreshBurst:    2,
	}
}

// Seconds converts a float number of seconds to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Normalize replaces out-of-range values with defaults and parses Addresses into
// Targets. Every problem found is returned; none of them is fatal.
func (s *Settings) Normalize() []error {
	def := DefaultSettings()
	var problems []error

	if s.StopBufferTime <= 0 {
		problems = append(problems, fmt.Errorf("stop_buffer_time must be positive, using %s", def.StopBufferTime))
		s.StopBufferTime = def.StopBufferTime
	}
	if s.FlushTime <= 0 {
		problems = append(problems, fmt.Errorf("machines_buffer_flush_time must be positive, using %s", def.FlushTime))
		s.FlushTime = def.FlushTime
	}
	if s.QueryWaitTime <= 0 {
		problems = append(problems, fmt.Errorf("machines_query_wait_time must be positive, using %s", def.QueryWaitTime))
		s.QueryWaitTime = def.QueryWaitTime
	}
	if s.MachinePort == 0 {
		s.MachinePort = def.MachinePort
	}
	if s.StaleProbeLimit <= 0 {
		s.StaleProbeLimit = def.StaleProbeLimit
	}
	if s.RefreshRate <= 0 {
		s.RefreshRate = def.RefreshRate
	}
	if s.RefreshBurst <= 0 {
		s.RefreshBurst = def.RefreshBurst
	}

	targets, errs := machine.ParseTargets(s.Addresses, s.MachinePort)
	for _, err := range errs {
		problems = append(problems, fmt.Errorf("machines_address: %w (entry excluded)", err))
	}
	s.Targets = targets
	if s.Unreachable() {
		problems = append(problems, errors.New("machines_address: no usable entry, nothing will be probed"))
	}

	return problems
}

// Broadcast reports whether probes go out as broadcasts. Only an empty
// machines_address selects broadcast; a list whose entries were all excluded
// does not.
func (s Settings) Broadcast() bool {
	return len(s.Addresses) == 0 && len(s.Targets) == 0
}

// Unreachable reports whether fixed addresses were configured but none of them
// parsed, so there is nothing to probe.
func (s Settings) Unreachable() bool {
	return !s.Broadcast() && len(s.Targets) == 0
}

// SameProbe reports whether two settings would probe identically, i.e. a cache
// built under one is still valid under the other.
func (s Settings) SameProbe(o Settings) bool {
	if s.MachinePort != o.MachinePort || s.UID != o.UID || s.Username != o.Username || s.Broadcast() != o.Broadcast() {
		return false
	}
	if len(s.Targets) != len(o.Targets) {
		return false
	}
	for i := range s.Targets {
		if s.Targets[i] != o.Targets[i] {
			return false
		}
	}
	return true
}
