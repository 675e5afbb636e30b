package probelog

import "time"

// Trigger names what caused a probe.
type Trigger string

const (
	TriggerQuery      Trigger = "query"
	TriggerBackground Trigger = "background"
	TriggerForced     Trigger = "forced"
	TriggerTargeted   Trigger = "targeted"
)

// Entry records one probe round.
type Entry struct {
	Timestamp time.Time     `json:"timestamp"`
	Trigger   Trigger       `json:"trigger"`
	Broadcast bool          `json:"broadcast"`
	Targets   []string      `json:"targets"`
	Records   int           `json:"records"`
	Duration  time.Duration `json:"durationNs"`
	Empty     bool          `json:"empty"`
	Error     string        `json:"error,omitempty"`
}
