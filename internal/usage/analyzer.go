package usage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/groovelab/audioengine/internal/stats"
)

type patternEntry struct {
	pattern  UsagePattern
	freq     *stats.Rolling
	sessions int64
}

type recentAccess struct {
	sampleID string
	category string
}

// Analyzer owns the usage pattern table. All mutation goes through its methods.
type Analyzer struct {
	config AnalyzerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	patterns   map[string]*patternEntry
	window     []recentAccess
	lastResult AnalysisResult
	hasResult  bool
	policy     QualityAdjustPolicy

	analyzing atomic.Bool
}

// NewAnalyzer creates an empty analyzer
func NewAnalyzer(cfg AnalyzerConfig, logger zerolog.Logger) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{
		config:   cfg,
		logger:   logger.With().Str("component", "usage-analyzer").Logger(),
		now:      time.Now,
		patterns: make(map[string]*patternEntry),
	}, nil
}

// Config returns the active configuration
func (a *Analyzer) Config() AnalyzerConfig {
	return a.config
}

// SetQualityAdjustPolicy installs the hook consulted for quality-adjust
// recommendations. A nil policy disables them.
func (a *Analyzer) SetQualityAdjustPolicy(policy QualityAdjustPolicy) {
	a.mu.Lock()
	a.policy = policy
	a.mu.Unlock()
}

func (a *Analyzer) newEntry(id string) *patternEntry {
	return &patternEntry{
		pattern: UsagePattern{
			SampleID:         id,
			CategoryAffinity: make(map[string]float64),
			QualityCounts:    make(map[string]int64),
		},
		freq: stats.MustRolling(a.config.FrequencySamples, a.config.FrequencyDecay),
	}
}

// RecordAccess folds one access event into its sample's pattern. Events
// without a sample id are dropped and leave the table untouched.
func (a *Analyzer) RecordAccess(evt AccessEvent) error {
	id := strings.TrimSpace(evt.SampleID)
	if id == "" {
		droppedEventsTotal.Inc()
		a.logger.Debug().Str("category", evt.Category).Msg("dropping access event without sample id")
		return ErrMissingSampleID
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.patterns[id]
	if !ok {
		if len(a.patterns) >= a.config.MaxPatterns {
			a.evictLocked()
		}
		e = a.newEntry(id)
		a.patterns[id] = e
		trackedPatterns.Set(float64(len(a.patterns)))
	}

	p := &e.pattern
	p.AccessCount++
	if evt.Category != "" {
		p.Category = evt.Category
	}
	if ts.After(p.LastAccessed) {
		p.LastAccessed = ts
	}

	p.RecentAccesses = insertSorted(p.RecentAccesses, ts)
	p.RecentAccesses = pruneAccesses(p.RecentAccesses, p.LastAccessed.Add(-a.config.AnalysisWindow), a.config.MaxRecentAccesses)
	p.Frequency = e.freq.Add(a.rate(len(p.RecentAccesses)))

	p.TimeOfDay[ts.Hour()]++
	if p.TimeOfDay[ts.Hour()] > a.config.HistogramCap {
		halve(p.TimeOfDay[:])
	}
	p.DayOfWeek[ts.Weekday()]++
	if p.DayOfWeek[ts.Weekday()] > a.config.HistogramCap {
		halve(p.DayOfWeek[:])
	}

	if evt.QualityLevel != "" {
		p.QualityCounts[evt.QualityLevel]++
		p.QualityProfile = dominantQuality(p.QualityCounts)
	}
	if evt.SessionDuration > 0 {
		e.sessions++
		p.AverageSessionDuration += (evt.SessionDuration - p.AverageSessionDuration) / time.Duration(e.sessions)
	}

	a.linkSequenceLocked(id, evt.Category, p)

	accessesTotal.Inc()
	a.logger.Debug().Str("sample", id).Float64("frequency", p.Frequency).Int("recent", len(p.RecentAccesses)).Msg("access recorded")
	return nil
}

// RecordAccesses records a batch and returns how many events were accepted
func (a *Analyzer) RecordAccesses(events []AccessEvent) int {
	accepted := 0
	for _, evt := range events {
		if err := a.RecordAccess(evt); err == nil {
			accepted++
		}
	}
	return accepted
}

// linkSequenceLocked updates co-access affinity from the short recent window
// and appends id to its immediate predecessor's accessed-next list.
func (a *Analyzer) linkSequenceLocked(id, category string, p *UsagePattern) {
	for _, prior := range a.window {
		if prior.sampleID == id || prior.category == "" {
			continue
		}
		p.CategoryAffinity[prior.category]++
		if p.CategoryAffinity[prior.category] > a.config.HistogramCap {
			for k := range p.CategoryAffinity {
				p.CategoryAffinity[k] /= 2
			}
		}
	}

	if n := len(a.window); n > 0 {
		prev := a.window[n-1].sampleID
		if prevEntry, ok := a.patterns[prev]; ok && prev != id {
			prevEntry.pattern.SequentialPatterns = appendBounded(prevEntry.pattern.SequentialPatterns, id, a.config.MaxSequence)
		}
	}

	a.window = append(a.window, recentAccess{sampleID: id, category: category})
	if len(a.window) > a.config.SequenceWindow {
		a.window = append(a.window[:0:0], a.window[len(a.window)-a.config.SequenceWindow:]...)
	}
}

// evictLocked drops the least recently analyzed pattern
func (a *Analyzer) evictLocked() {
	var victim *patternEntry
	for _, e := range a.patterns {
		if victim == nil || olderForEviction(e.pattern, victim.pattern) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	delete(a.patterns, victim.pattern.SampleID)
	a.logger.Debug().Str("sample", victim.pattern.SampleID).Msg("pattern table full, evicted pattern")
}

func olderForEviction(a, b UsagePattern) bool {
	if !a.LastAnalyzed.Equal(b.LastAnalyzed) {
		return a.LastAnalyzed.Before(b.LastAnalyzed)
	}
	if !a.LastAccessed.Equal(b.LastAccessed) {
		return a.LastAccessed.Before(b.LastAccessed)
	}
	return a.SampleID < b.SampleID
}

func (a *Analyzer) rate(accesses int) float64 {
	return float64(accesses) / a.config.AnalysisWindow.Minutes()
}

// Analyze runs a full analysis at most once per half analysis window. Calls
// inside that interval, or while another analysis runs, get the last
// completed result.
func (a *Analyzer) Analyze() AnalysisResult {
	a.mu.Lock()
	if a.hasResult && a.now().Sub(a.lastResult.CompletedAt) < a.config.AnalysisWindow/2 {
		res := cloneResult(a.lastResult)
		a.mu.Unlock()
		return res
	}
	a.mu.Unlock()
	return a.AnalyzeNow()
}

// AnalyzeNow skips the throttle but still never stacks concurrent runs.
func (a *Analyzer) AnalyzeNow() AnalysisResult {
	if !a.analyzing.CompareAndSwap(false, true) {
		return a.LastResult()
	}
	defer a.analyzing.Store(false)

	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.now()
	res := a.analyzeLocked(start)
	res.Duration = a.now().Sub(start)
	res.CompletedAt = start.Add(res.Duration)

	a.lastResult = res
	a.hasResult = true

	analysisDuration.Observe(res.Duration.Seconds())
	activePatterns.Set(float64(res.ActivePatterns))
	trackedPatterns.Set(float64(res.TotalPatterns))
	for _, rec := range res.Recommendations {
		recommendationsTotal.WithLabelValues(rec.Action.String()).Inc()
	}
	a.logger.Info().
		Int("active", res.ActivePatterns).
		Int("total", res.TotalPatterns).
		Float64("average_frequency", res.AverageFrequency).
		Int("recommendations", len(res.Recommendations)).
		Msg("usage analysis completed")
	return cloneResult(res)
}

func (a *Analyzer) analyzeLocked(now time.Time) AnalysisResult {
	windowStart := now.Add(-a.config.AnalysisWindow)
	res := AnalysisResult{
		TotalPatterns:       len(a.patterns),
		QualityDistribution: make(map[string]int),
		SequenceChains:      [][2]string{},
		Recommendations:     []CacheRecommendation{},
	}

	var hours [24]float64
	var freqSum float64
	ids := a.sortedIDsLocked()
	for _, id := range ids {
		e := a.patterns[id]
		p := &e.pattern
		p.RecentAccesses = pruneAccesses(p.RecentAccesses, windowStart, a.config.MaxRecentAccesses)
		p.Frequency = e.freq.Add(a.rate(len(p.RecentAccesses)))
		p.LastAnalyzed = now
		freqSum += p.Frequency

		for h, v := range p.TimeOfDay {
			hours[h] += v
		}
		if len(p.SequentialPatterns) > 0 {
			res.SequenceChains = append(res.SequenceChains, [2]string{id, p.SequentialPatterns[len(p.SequentialPatterns)-1]})
		}
		if p.LastAccessed.Before(windowStart) {
			if rec, ok := a.evictionFor(*p, now); ok {
				res.Recommendations = append(res.Recommendations, rec)
			}
			continue
		}

		res.ActivePatterns++
		if p.QualityProfile != "" {
			res.QualityDistribution[p.QualityProfile]++
		}
		if a.policy != nil {
			if rec, ok := a.policy(p.clone()); ok {
				rec.SampleID = id
				rec.Action = ActionQualityAdjust
				res.Recommendations = append(res.Recommendations, rec)
			}
		}
	}
	if len(ids) > 0 {
		res.AverageFrequency = freqSum / float64(len(ids))
	}
	res.PeakHours = peakHours(hours)

	if n := len(a.window); n > 0 && a.config.MaxPreloads > 0 {
		current := a.window[n-1].sampleID
		for _, pred := range a.predictLocked(current, a.config.MaxPreloads, now) {
			if pred.Confidence < a.config.PreloadThreshold {
				continue
			}
			res.Recommendations = append(res.Recommendations, CacheRecommendation{
				SampleID:   pred.SampleID,
				Action:     ActionPreload,
				Confidence: pred.Confidence,
				Reason:     fmt.Sprintf("likely access after %s in ~%s", current, pred.EstimatedTimeToAccess.Round(time.Second)),
			})
		}
	}

	sort.SliceStable(res.Recommendations, func(i, j int) bool {
		ri, rj := res.Recommendations[i], res.Recommendations[j]
		if ri.Confidence != rj.Confidence {
			return ri.Confidence > rj.Confidence
		}
		if ri.Action != rj.Action {
			return ri.Action < rj.Action
		}
		return ri.SampleID < rj.SampleID
	})
	return res
}

// evictionFor recommends eviction for idle patterns with sustained low frequency
func (a *Analyzer) evictionFor(p UsagePattern, now time.Time) (CacheRecommendation, bool) {
	limit := a.config.EvictFrequency
	if limit <= 0 || p.Frequency >= limit {
		return CacheRecommendation{}, false
	}
	return CacheRecommendation{
		SampleID:   p.SampleID,
		Action:     ActionEvict,
		Confidence: clamp01(1 - p.Frequency/limit),
		Reason:     fmt.Sprintf("%.3f accesses/min, idle for %s", p.Frequency, now.Sub(p.LastAccessed).Round(time.Second)),
	}, true
}

// LastResult returns the last completed analysis
func (a *Analyzer) LastResult() AnalysisResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneResult(a.lastResult)
}

// Pattern returns a copy of one sample's pattern
func (a *Analyzer) Pattern(id string) (UsagePattern, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.patterns[id]
	if !ok {
		return UsagePattern{}, false
	}
	return e.pattern.clone(), true
}

// Patterns returns copies of every pattern ordered by sample id
func (a *Analyzer) Patterns() []UsagePattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]UsagePattern, 0, len(a.patterns))
	for _, id := range a.sortedIDsLocked() {
		out = append(out, a.patterns[id].pattern.clone())
	}
	return out
}

// Reset forgets every pattern and the last analysis
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.patterns = make(map[string]*patternEntry)
	a.window = nil
	a.lastResult = AnalysisResult{}
	a.hasResult = false
	a.mu.Unlock()
	trackedPatterns.Set(0)
	activePatterns.Set(0)
	a.logger.Info().Msg("usage analyzer reset")
}

// Persist writes every pattern to the store
func (a *Analyzer) Persist(ctx context.Context, store Store) error {
	patterns := a.Patterns()
	if err := store.SavePatterns(ctx, patterns); err != nil {
		return fmt.Errorf("persisting usage patterns: %w", err)
	}
	a.logger.Info().Int("patterns", len(patterns)).Msg("usage patterns persisted")
	return nil
}

// Restore loads stored patterns, replacing any with the same sample id
func (a *Analyzer) Restore(ctx context.Context, store Store) error {
	patterns, err := store.LoadPatterns(ctx)
	if err != nil {
		return fmt.Errorf("restoring usage patterns: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range patterns {
		if strings.TrimSpace(p.SampleID) == "" {
			continue
		}
		e := a.newEntry(p.SampleID)
		restored := p.clone()
		if restored.Frequency < 0 {
			restored.Frequency = 0
		}
		sort.Slice(restored.RecentAccesses, func(i, j int) bool {
			return restored.RecentAccesses[i].Before(restored.RecentAccesses[j])
		})
		restored.RecentAccesses = pruneAccesses(restored.RecentAccesses, time.Time{}, a.config.MaxRecentAccesses)
		e.freq.Seed(restored.Frequency)
		if restored.AverageSessionDuration > 0 {
			e.sessions = 1
		}
		e.pattern = restored
		a.patterns[p.SampleID] = e
	}
	for len(a.patterns) > a.config.MaxPatterns {
		a.evictLocked()
	}
	trackedPatterns.Set(float64(len(a.patterns)))
	a.logger.Info().Int("patterns", len(patterns)).Msg("usage patterns restored")
	return nil
}

func (a *Analyzer) sortedIDsLocked() []string {
	ids := make([]string, 0, len(a.patterns))
	for id := range a.patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func insertSorted(ts []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(t) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = t
	return ts
}

// pruneAccesses drops accesses before cutoff and keeps at most limit of the newest
func pruneAccesses(ts []time.Time, cutoff time.Time, limit int) []time.Time {
	start := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	if len(ts)-start > limit {
		start = len(ts) - limit
	}
	if start == 0 {
		return ts
	}
	return append(ts[:0:0], ts[start:]...)
}

func appendBounded(list []string, id string, limit int) []string {
	for i, existing := range list {
		if existing == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	list = append(list, id)
	if len(list) > limit {
		list = append(list[:0:0], list[len(list)-limit:]...)
	}
	return list
}

func halve(buckets []float64) {
	for i := range buckets {
		buckets[i] /= 2
	}
}

func dominantQuality(counts map[string]int64) string {
	best, bestCount := "", int64(-1)
	for level, n := range counts {
		if n > bestCount || (n == bestCount && level < best) {
			best, bestCount = level, n
		}
	}
	return best
}

func peakHours(hours [24]float64) [3]int {
	order := make([]int, 24)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return hours[order[i]] > hours[order[j]] })
	return [3]int{order[0], order[1], order[2]}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cloneResult(r AnalysisResult) AnalysisResult {
	out := r
	out.QualityDistribution = make(map[string]int, len(r.QualityDistribution))
	for k, v := range r.QualityDistribution {
		out.QualityDistribution[k] = v
	}
	out.SequenceChains = append([][2]string(nil), r.SequenceChains...)
	out.Recommendations = append([]CacheRecommendation(nil), r.Recommendations...)
	return out
}
