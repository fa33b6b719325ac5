package usage

import (
	"sort"
	"time"
)

const (
	sequenceWeight  = 0.5
	timeOfDayWeight = 0.3
	frequencyWeight = 0.2
)

// PredictNextAccesses ranks the samples most likely to be used after current,
// merging sequence continuation, time-of-day affinity and raw frequency.
func (a *Analyzer) PredictNextAccesses(current string, n int) []Prediction {
	if n <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.predictLocked(current, n, a.now())
}

func (a *Analyzer) predictLocked(current string, n int, now time.Time) []Prediction {
	var next []string
	if e, ok := a.patterns[current]; ok {
		next = e.pattern.SequentialPatterns
	}

	maxFreq := 0.0
	for _, e := range a.patterns {
		if e.pattern.Frequency > maxFreq {
			maxFreq = e.pattern.Frequency
		}
	}

	hour := now.Hour()
	window := a.config.AnalysisWindow
	out := make([]Prediction, 0, len(a.patterns))
	for id, e := range a.patterns {
		if id == current {
			continue
		}
		p := &e.pattern

		seq := 0.0
		for i := len(next) - 1; i >= 0; i-- {
			if next[i] == id {
				// most recently observed continuation scores highest
				seq = float64(i+1) / float64(len(next))
				break
			}
		}

		tod := 0.0
		if total := sum(p.TimeOfDay[:]); total > 0 {
			tod = p.TimeOfDay[hour] / total
		}

		freq := 0.0
		if maxFreq > 0 {
			freq = p.Frequency / maxFreq
		}

		confidence := clamp01(sequenceWeight*seq + timeOfDayWeight*tod + frequencyWeight*freq)
		if confidence == 0 {
			continue
		}

		eta := window
		if p.Frequency > 0 {
			eta = time.Duration(float64(time.Minute) / p.Frequency)
		}
		if eta > window {
			eta = window
		}
		if seq > 0 {
			eta = time.Duration(float64(eta) * (1 - seq/2))
		}

		out = append(out, Prediction{SampleID: id, Confidence: confidence, EstimatedTimeToAccess: eta})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].SampleID < out[j].SampleID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
