package wiring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sophialabs/kbeconsole/internal/domain/discovery"
	"github.com/sophialabs/kbeconsole/internal/domain/probelog"
	inboundhttp "github.com/sophialabs/kbeconsole/internal/infrastructure/inbound/http"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/clock"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/filesystem"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/ratelimit"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/udp"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/services"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/usecases"
)

// Params holds the subset of configuration needed to construct infrastructure components.
type Params struct {
	SettingsPath   string // "" = built-in defaults
	ProbeLogSize   int
	RateLimiterTTL time.Duration
	Logger         ports.Logger
	Prober         ports.Prober // nil = UDP prober
}

// Container owns the construction and lifecycle of all infrastructure components.
type Container struct {
	logger   ports.Logger
	repo     *filesystem.SettingsRepository
	server   *inboundhttp.Server
	buffer   *services.Buffer
	limiter  *ratelimit.ClientLimiter
	probeLog *probelog.RingBuffer

	reloadMu  sync.Mutex
	closeOnce sync.Once
}

// New constructs all infrastructure components. Settings are loaded before any
// goroutine-starting component is built so a bad file leaks nothing.
func New(p Params) (*Container, error) {
	repo, err := filesystem.NewSettingsRepository(p.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings repository: %w", err)
	}

	settings, err := loadSettings(context.Background(), repo, p.Logger)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	prober := p.Prober
	if prober == nil {
		prober = udp.NewProber(clk, p.Logger)
	}
	probeLog := probelog.NewRingBuffer(p.ProbeLogSize)
	buffer := services.NewBuffer(settings, prober, clk, p.Logger, probeLog)
	limiter := ratelimit.NewClientLimiter(settings.RefreshRate, settings.RefreshBurst, p.RateLimiterTTL)

	listUC := usecases.NewListMachinesUseCase(buffer, services.NewFilterCompiler(0), p.Logger)
	refreshUC := usecases.NewRefreshMachinesUseCase(buffer, limiter, p.Logger)
	probeUC := usecases.NewProbeTargetsUseCase(buffer, p.Logger)

	c := &Container{
		logger:   p.Logger,
		repo:     repo,
		buffer:   buffer,
		limiter:  limiter,
		probeLog: probeLog,
	}
	c.server = inboundhttp.NewServer(listUC, refreshUC, probeUC, buffer, probeLog, p.Logger)
	c.server.SetReloader(c.Reload)

	p.Logger.Info("machines buffer configured",
		"buffer", settings.UseBuffer,
		"flush", settings.FlushTime.String(),
		"wait", settings.QueryWaitTime.String(),
		"stop", settings.StopBufferTime.String(),
		"broadcast", settings.Broadcast(),
	)
	return c, nil
}

// loadSettings reads the settings file and logs every problem once. A missing
// file is not an error.
func loadSettings(ctx context.Context, repo *filesystem.SettingsRepository, logger ports.Logger) (discovery.Settings, error) {
	settings, problems, err := repo.Load(ctx)
	switch {
	case errors.Is(err, filesystem.ErrNoSettings):
		logger.Info("no settings file, using defaults", "path", repo.Path())
	case err != nil:
		return discovery.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	for _, problem := range problems {
		logger.Warn("settings problem", "path", repo.Path(), "problem", problem.Error())
	}
	return settings, nil
}

// Reload re-reads the settings file and applies it to the buffer and the
// refresh limiter. On failure, or if the file is gone, the current settings stay.
func (c *Container) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	settings, problems, err := c.repo.Load(ctx)
	if errors.Is(err, filesystem.ErrNoSettings) {
		c.logger.Warn("settings file missing, keeping current settings", "path", c.repo.Path())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reload settings: %w", err)
	}
	for _, problem := range problems {
		c.logger.Warn("settings problem", "path", c.repo.Path(), "problem", problem.Error())
	}

	c.buffer.Reconfigure(settings)
	c.limiter.SetLimit(settings.RefreshRate, settings.RefreshBurst)
	return nil
}

// Close releases resources held by the container. It is idempotent.
func (c *Container) Close() {
	c.closeOnce.Do(func() {
		c.buffer.Close()
		c.limiter.Stop()
	})
}

// Logger returns the logger passed at construction time.
func (c *Container) Logger() ports.Logger {
	return c.logger
}

// Server returns the HTTP API server.
func (c *Container) Server() *inboundhttp.Server {
	return c.server
}

// Buffer returns the machines buffer.
func (c *Container) Buffer() *services.Buffer {
	return c.buffer
}

// SettingsPath returns the absolute settings file path, or "" when none is configured.
func (c *Container) SettingsPath() string {
	return c.repo.Path()
}

// RateLimiter returns the per-client forced refresh limiter.
func (c *Container) RateLimiter() *ratelimit.ClientLimiter {
	return c.limiter
}

// ProbeLog returns the probe log ring buffer.
func (c *Container) ProbeLog() *probelog.RingBuffer {
	return c.probeLog
}
