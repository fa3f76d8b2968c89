package registry

import (
	"context"
	"log/slog"
	"time"
)

// ProbeFunc checks whether a tool server endpoint is alive. The production
// wiring uses an MCP ping; tests inject fakes.
type ProbeFunc func(ctx context.Context, endpoint string) error

// ProberConfig tunes the background health loop.
type ProberConfig struct {
	// Interval between probe passes.
	Interval time.Duration

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	// StaleAfter is how long an endpoint may go unseen before it is dropped.
	StaleAfter time.Duration
}

// DefaultProberConfig returns the standard probe cadence.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 10 * time.Second,
		StaleAfter:   time.Hour,
	}
}

// Prober periodically probes every registered endpoint and sweeps entries
// whose heartbeats stopped long ago.
type Prober struct {
	registry *Registry
	probe    ProbeFunc
	config   ProberConfig
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober over the registry.
func NewProber(registry *Registry, probe ProbeFunc, config ProberConfig, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{registry: registry, probe: probe, config: config, logger: logger}
}

// Start launches the background loop. Calling Start on a running prober is a
// no-op.
func (p *Prober) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.loop(ctx)
	p.logger.Info("Registry prober started",
		"interval", p.config.Interval, "stale_after", p.config.StaleAfter)
}

// Stop shuts the loop down and waits for it to finish.
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runPass(ctx)
		}
	}
}

// RunPass probes every endpoint once and sweeps stale entries. Exported for
// tests; the loop calls it on each tick.
func (p *Prober) RunPass(ctx context.Context) {
	p.runPass(ctx)
}

func (p *Prober) runPass(ctx context.Context) {
	for _, endpoint := range p.registry.Endpoints() {
		probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
		err := p.probe(probeCtx, endpoint)
		cancel()

		p.registry.RecordProbe(endpoint, err == nil)
		if err != nil {
			p.logger.Warn("Tool server probe failed", "endpoint", endpoint, "error", err)
		}
	}

	if count := p.registry.SweepStale(p.config.StaleAfter); count > 0 {
		p.logger.Info("Swept stale tool server registrations", "count", count)
	}
}
