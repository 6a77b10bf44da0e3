// Package degradation tracks backend health and drives the engine's
// operating mode. Probes run on an interval; consecutive-failure and
// consecutive-success hysteresis keeps a flapping backend from toggling
// the mode on every tick.
package degradation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contexhq/contex/pkg/observability"
)

// Mode is the engine's operating state.
type Mode int32

const (
	// ModeNormal accepts all operations.
	ModeNormal Mode = iota
	// ModeDegraded accepts reads and queues deliveries for replay; a
	// non-critical backend (broker, embedding service) is down.
	ModeDegraded
	// ModeUnavailable rejects writes; a critical backend is down.
	ModeUnavailable
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Hysteresis thresholds: demote after failThreshold consecutive probe
// failures, promote after okThreshold consecutive successes.
const (
	failThreshold = 3
	okThreshold   = 2
)

// Probe checks one backend. A nil return means healthy.
type Probe func(ctx context.Context) error

type probeState struct {
	name     string
	critical bool
	probe    Probe

	consecutiveFails int
	consecutiveOKs   int
	down             bool
}

// ChangeFunc observes mode transitions.
type ChangeFunc func(from, to Mode)

// Controller evaluates probes and exposes the current Mode. Mode reads
// are lock-free so hot paths can consult it per operation.
type Controller struct {
	mu        sync.Mutex
	probes    []*probeState
	listeners []ChangeFunc
	interval  time.Duration
	mode      atomic.Int32
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewController creates a controller checking probes every interval.
func NewController(interval time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Controller {
	if logger == nil {
		logger = observability.NewStandardLogger("degradation")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Controller{interval: interval, logger: logger, metrics: metrics}
}

// RegisterProbe adds a backend check. Critical probes gate writes: when
// one is down the mode is unavailable rather than degraded.
func (c *Controller) RegisterProbe(name string, critical bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, &probeState{name: name, critical: critical, probe: probe})
}

// OnChange registers a transition listener. Listeners run synchronously
// from the evaluation goroutine, after the mode value is updated.
func (c *Controller) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Run evaluates probes until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// Evaluate runs every probe once and applies hysteresis. It returns the
// resulting mode.
func (c *Controller) Evaluate(ctx context.Context) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ps := range c.probes {
		err := ps.probe(ctx)
		if err != nil {
			ps.consecutiveOKs = 0
			ps.consecutiveFails++
			if !ps.down && ps.consecutiveFails >= failThreshold {
				ps.down = true
				c.logger.Warn("Backend marked down", map[string]interface{}{
					"probe": ps.name,
					"error": err.Error(),
				})
			}
		} else {
			ps.consecutiveFails = 0
			ps.consecutiveOKs++
			if ps.down && ps.consecutiveOKs >= okThreshold {
				ps.down = false
				c.logger.Info("Backend recovered", map[string]interface{}{"probe": ps.name})
			}
		}
	}

	next := ModeNormal
	for _, ps := range c.probes {
		if !ps.down {
			continue
		}
		if ps.critical {
			next = ModeUnavailable
			break
		}
		next = ModeDegraded
	}

	prev := Mode(c.mode.Swap(int32(next)))
	if prev != next {
		c.logger.Warn("Operating mode changed", map[string]interface{}{
			"from": prev.String(),
			"to":   next.String(),
		})
		c.metrics.RecordGauge("degradation.mode", float64(next), nil)
		for _, fn := range c.listeners {
			fn(prev, next)
		}
	}
	return next
}
