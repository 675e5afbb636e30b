package ports

import (
	"context"
	"time"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
)

// Clock provides the current time (for testing).
type Clock interface {
	Now() time.Time
	// SleepContext blocks for d or until ctx is cancelled. Returns ctx.Err() if cancelled.
	SleepContext(ctx context.Context, d time.Duration) error
}

// Logger provides structured logging.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// RateLimiter checks whether a caller identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Prober asks machine daemons which components they host.
type Prober interface {
	// Probe sends a query to every target (broadcast when targets is empty) and
	// collects replies until ctx is done. Replies gathered before the deadline
	// are returned; the error is non-nil only when nothing could be sent.
	Probe(ctx context.Context, q ProbeQuery) ([]machine.Record, error)
}

// ProbeQuery describes one probe round.
type ProbeQuery struct {
	Targets  []machine.Target
	Port     uint16
	UID      int32
	Username string
}
