package audio

import "time"

// trendPredictor watches a short history of composite load scores and
// proposes a one-step shift when consecutive samples agree on a direction.
type trendPredictor struct {
	window  int
	length  int
	horizon int
	epsilon float64

	loads   []float64
	pending []prediction

	confirmed int64
	resolved  int64
}

type prediction struct {
	direction int
	from      QualityLevel
	remaining int
}

func newTrendPredictor(cfg ScalerConfig) *trendPredictor {
	return &trendPredictor{
		window:  cfg.PredictionWindow,
		length:  cfg.TrendLength,
		horizon: cfg.PredictionHorizon,
		epsilon: cfg.TrendEpsilon,
		loads:   make([]float64, 0, cfg.PredictionWindow),
	}
}

// loadScore folds a sample into one 0..1 load figure
func loadScore(s PerformanceSample) float64 {
	latency := float64(s.Latency) / float64(100*time.Millisecond)
	dropouts := float64(s.DropoutCount+s.BufferUnderruns) / 10
	score := 0.3*clamp01(latency) + 0.3*clamp01(dropouts) + 0.25*clamp01(s.CPUUsage) + 0.15*clamp01(s.MemoryUsage)
	return clamp01(score)
}

func (p *trendPredictor) observe(s PerformanceSample) {
	if len(p.loads) >= p.window {
		copy(p.loads, p.loads[1:])
		p.loads = p.loads[:len(p.loads)-1]
	}
	p.loads = append(p.loads, loadScore(s))
}

// trend returns +1 when load has risen across the last length samples,
// -1 when it has fallen, 0 otherwise. Quality moves opposite to load.
func (p *trendPredictor) trend() int {
	if len(p.loads) < p.length {
		return 0
	}
	recent := p.loads[len(p.loads)-p.length:]
	rising, falling := true, true
	for i := 1; i < len(recent); i++ {
		delta := recent[i] - recent[i-1]
		if delta <= p.epsilon {
			rising = false
		}
		if delta >= -p.epsilon {
			falling = false
		}
	}
	switch {
	case rising:
		return 1
	case falling:
		return -1
	default:
		return 0
	}
}

// record registers a quality shift of direction made from level.
func (p *trendPredictor) record(direction int, from QualityLevel) {
	p.pending = append(p.pending, prediction{direction: direction, from: from, remaining: p.horizon})
}

// resolve checks pending predictions against an unbiased vote target.
func (p *trendPredictor) resolve(voteTarget QualityLevel) {
	kept := p.pending[:0]
	for _, pred := range p.pending {
		confirmed := (pred.direction < 0 && voteTarget < pred.from) ||
			(pred.direction > 0 && voteTarget > pred.from)
		pred.remaining--
		switch {
		case confirmed:
			p.confirmed++
			p.resolved++
		case pred.remaining <= 0:
			p.resolved++
		default:
			kept = append(kept, pred)
		}
	}
	p.pending = kept
}

func (p *trendPredictor) accuracy() float64 {
	if p.resolved == 0 {
		return 0
	}
	return float64(p.confirmed) / float64(p.resolved)
}

func (p *trendPredictor) historySize() int {
	return len(p.loads)
}

func (p *trendPredictor) reset() {
	p.loads = p.loads[:0]
	p.pending = nil
	p.confirmed = 0
	p.resolved = 0
}
