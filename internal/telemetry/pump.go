package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Pump polls a Provider on an interval and forwards readings to a Sink.
type Pump struct {
	// Atomic fields first for ARM32 alignment
	polls    int64
	failures int64

	provider Provider
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPump creates a stopped pump
func NewPump(provider Provider, sink Sink, interval time.Duration, logger zerolog.Logger) *Pump {
	if interval <= 0 {
		interval = time.Second
	}
	return &Pump{
		provider: provider,
		sink:     sink,
		interval: interval,
		logger:   logger.With().Str("component", "telemetry-pump").Logger(),
	}
}

// Start launches the polling loop. Calling Start on a running pump is a no-op.
func (p *Pump) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(ctx, p.done)
	p.logger.Info().Dur("interval", p.interval).Msg("telemetry pump started")
}

func (p *Pump) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("telemetry poll failed")
			}
		}
	}
}

// Stop ends the polling loop and waits for it to exit
func (p *Pump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info().Int64("polls", atomic.LoadInt64(&p.polls)).Msg("telemetry pump stopped")
}

// PollOnce reads every signal once. Each read is bounded by the poll
// interval; a failed read is skipped and reported without stopping the others.
func (p *Pump) PollOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	atomic.AddInt64(&p.polls, 1)

	var result *multierror.Error

	if battery, err := p.provider.Battery(ctx); err != nil {
		result = multierror.Append(result, err)
	} else if err := p.sink.UpdateBatteryState(battery); err != nil {
		result = multierror.Append(result, err)
	}

	if thermal, err := p.provider.Thermal(ctx); err != nil {
		result = multierror.Append(result, err)
	} else if err := p.sink.UpdateThermalState(thermal); err != nil {
		result = multierror.Append(result, err)
	}

	if sample, err := p.provider.Sample(ctx); err != nil {
		result = multierror.Append(result, err)
	} else if res := p.sink.UpdatePerformanceMetrics(sample); res.Err != nil {
		result = multierror.Append(result, res.Err)
	} else if res.Changed {
		p.logger.Debug().Stringer("from", res.Previous).Stringer("to", res.Current).Str("reason", res.Reason).Msg("quality adapted from telemetry")
	}

	if err := result.ErrorOrNil(); err != nil {
		atomic.AddInt64(&p.failures, 1)
		return err
	}
	return nil
}

// Stats returns the number of polls and failed polls
func (p *Pump) Stats() (polls, failures int64) {
	return atomic.LoadInt64(&p.polls), atomic.LoadInt64(&p.failures)
}
