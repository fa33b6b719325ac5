package assets

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResolverConfig holds the estimation parameters of the resolver.
type ResolverConfig struct {
	// Fallback sizes when an asset does not carry its own
	DescriptorSizeBytes int64
	SampleSizeBytes     int64
	AmbienceSizeBytes   int64

	// BandwidthBytesPerSecond is the sustained throughput assumed for load time estimates
	BandwidthBytesPerSecond int64
	// RequestOverhead is the fixed per-request cost of one fetch round
	RequestOverhead time.Duration
	// Concurrency is the number of parallel fetches assumed for parallel groups
	Concurrency int

	// Optimization thresholds
	MaxSequentialAssets int
	LargeManifestBytes  int64
}

// DefaultResolverConfig returns estimates tuned for mobile connections
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		DescriptorSizeBytes:     24 << 10,
		SampleSizeBytes:         320 << 10,
		AmbienceSizeBytes:       1536 << 10,
		BandwidthBytesPerSecond: 2 << 20,
		RequestOverhead:         40 * time.Millisecond,
		Concurrency:             4,
		MaxSequentialAssets:     3,
		LargeManifestBytes:      8 << 20,
	}
}

// Validate checks the estimation parameters are usable
func (c ResolverConfig) Validate() error {
	if c.DescriptorSizeBytes <= 0 || c.SampleSizeBytes <= 0 || c.AmbienceSizeBytes <= 0 {
		return fmt.Errorf("%w: asset size estimates must be positive", ErrInvalidManifest)
	}
	if c.BandwidthBytesPerSecond <= 0 || c.Concurrency <= 0 || c.RequestOverhead < 0 {
		return fmt.Errorf("%w: bandwidth and concurrency must be positive", ErrInvalidManifest)
	}
	return nil
}

// Resolver builds asset manifests from exercise content.
type Resolver struct {
	config ResolverConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. An invalid config falls back to defaults.
func NewResolver(config ResolverConfig, logger zerolog.Logger) *Resolver {
	l := logger.With().Str("component", "asset-resolver").Logger()
	if err := config.Validate(); err != nil {
		l.Warn().Err(err).Msg("invalid resolver config, using defaults")
		config = DefaultResolverConfig()
	}
	return &Resolver{config: config, logger: l, now: time.Now}
}

// WithConcurrency returns a copy of the resolver estimating with n parallel fetches
func (r *Resolver) WithConcurrency(n int) *Resolver {
	if n <= 0 {
		return r
	}
	clone := *r
	clone.config.Concurrency = n
	return &clone
}

// ExtractAssetManifest resolves content into a best-effort manifest. Missing
// required content is reported as an issue; the manifest is always returned.
func (r *Resolver) ExtractAssetManifest(src ContentSource) *AssetManifest {
	manifest := &AssetManifest{ExerciseID: src.ExerciseID, GeneratedAt: r.now()}

	assets, issues := r.collectAssets(src)
	deps := BuildDependencyGraph(assets)
	issues = append(issues, ValidateDependencies(assets, deps)...)

	manifest.Assets = assets
	manifest.Dependencies = deps
	manifest.TotalCount = len(assets)

	groups := r.CreateLoadingGroups(assets, deps)
	manifest.Groups = groups
	manifest.Issues = issues
	manifest.CriticalPath = CriticalPath(assets, deps)
	manifest.EstimatedSizeBytes = r.estimateSize(assets)
	manifest.EstimatedLoadTime = r.estimateLoadTime(assets, groups)
	manifest.Optimizations = r.OptimizeLoading(manifest)

	event := r.logger.Debug()
	if manifest.HasErrors() {
		event = r.logger.Warn()
	}
	event.
		Str("exercise_id", src.ExerciseID).
		Int("assets", manifest.TotalCount).
		Int("groups", len(groups)).
		Int("issues", len(manifest.Issues)).
		Dur("estimated_load_time", manifest.EstimatedLoadTime).
		Msg("asset manifest extracted")
	return manifest
}

func (r *Resolver) collectAssets(src ContentSource) ([]Asset, []ValidationIssue) {
	var (
		assets []Asset
		issues []ValidationIssue
		seen   = make(map[string]bool)
	)

	if strings.TrimSpace(src.ExerciseID) == "" {
		issues = append(issues, ValidationIssue{
			Code:     IssueMissingExerciseID,
			Message:  "content has no exercise id",
			Severity: SeverityWarning,
		})
	}

	add := func(url string, category Category) {
		url = strings.TrimSpace(url)
		if url == "" {
			return
		}
		if seen[url] {
			issues = append(issues, ValidationIssue{
				Code:     IssueDuplicateAsset,
				Message:  fmt.Sprintf("asset listed more than once as %s", category),
				Severity: SeverityWarning,
				AssetURL: url,
			})
			return
		}
		seen[url] = true
		assets = append(assets, Asset{
			URL:       url,
			Type:      category.Type(),
			Category:  category,
			Priority:  category.DefaultPriority(),
			SizeBytes: r.sizeFor(category),
		})
	}

	if strings.TrimSpace(src.Bassline) == "" {
		issues = append(issues, ValidationIssue{
			Code:     IssueMissingRequired,
			Message:  "bassline is required for playback",
			Severity: SeverityError,
		})
		if len(src.BassSamples) > 0 {
			issues = append(issues, ValidationIssue{
				Code:     IssueOrphanedSampleGroup,
				Message:  fmt.Sprintf("%d bass samples have no bassline to attach to", len(src.BassSamples)),
				Severity: SeverityWarning,
			})
		}
	}

	add(src.Chords, CategoryChords)
	add(src.Bassline, CategoryBassline)
	add(src.DrumPattern, CategoryDrumPattern)
	for i, url := range src.BassSamples {
		if strings.TrimSpace(url) == "" {
			issues = append(issues, emptyURLIssue(CategoryBassSample, i))
			continue
		}
		add(url, CategoryBassSample)
	}
	for i, url := range src.DrumSamples {
		if strings.TrimSpace(url) == "" {
			issues = append(issues, emptyURLIssue(CategoryDrumSample, i))
			continue
		}
		add(url, CategoryDrumSample)
	}
	add(src.Ambience, CategoryAmbience)

	return assets, issues
}

func emptyURLIssue(category Category, index int) ValidationIssue {
	return ValidationIssue{
		Code:     IssueEmptyURL,
		Message:  fmt.Sprintf("%s #%d has an empty url", category, index),
		Severity: SeverityWarning,
	}
}

func (r *Resolver) sizeFor(category Category) int64 {
	switch {
	case category.IsDescriptor():
		return r.config.DescriptorSizeBytes
	case category == CategoryAmbience:
		return r.config.AmbienceSizeBytes
	default:
		return r.config.SampleSizeBytes
	}
}

// CreateLoadingGroups splits assets into the critical, essential, supporting
// and optional groups, omitting empty ones. The critical group holds
// descriptors in dependency order and loads sequentially.
func (r *Resolver) CreateLoadingGroups(assets []Asset, deps []AssetDependency) []LoadingGroup {
	var descriptors, essential, supporting, optional []string
	for _, a := range assets {
		switch {
		case a.Category.IsDescriptor():
			descriptors = append(descriptors, a.URL)
		case a.Priority == PriorityHigh:
			essential = append(essential, a.URL)
		case a.Priority == PriorityMedium:
			supporting = append(supporting, a.URL)
		default:
			optional = append(optional, a.URL)
		}
	}

	if len(descriptors) > 1 {
		ordered, err := TopologicalOrder(descriptors, deps)
		if err != nil {
			// keep the input order; the cycle itself is reported by ValidateDependencies
			r.logger.Warn().Err(err).Msg("critical group left in declaration order")
		} else {
			descriptors = ordered
		}
	}

	var groups []LoadingGroup
	appendGroup := func(name string, priority Priority, urls []string, parallel, required bool) {
		if len(urls) == 0 {
			return
		}
		groups = append(groups, LoadingGroup{
			ID:                  uuid.NewString(),
			Name:                name,
			Priority:            priority,
			Assets:              urls,
			ParallelLoadable:    parallel,
			RequiredForPlayback: required,
		})
	}
	appendGroup(GroupCritical, PriorityHigh, descriptors, false, true)
	appendGroup(GroupEssential, PriorityHigh, essential, true, true)
	appendGroup(GroupSupporting, PriorityMedium, supporting, true, false)
	appendGroup(GroupOptional, PriorityLow, optional, true, false)
	return groups
}

// CriticalPath returns the minimal ordered list needed to start playback:
// the primary pattern descriptor preceded by its required dependencies, then
// the first sample attached to it.
func CriticalPath(assets []Asset, deps []AssetDependency) []string {
	primary := ""
	for _, category := range []Category{CategoryBassline, CategoryDrumPattern, CategoryChords} {
		for _, a := range assets {
			if a.Category == category {
				primary = a.URL
				break
			}
		}
		if primary != "" {
			break
		}
	}
	if primary == "" {
		return nil
	}

	var path []string
	for _, d := range deps {
		if d.AssetURL == primary && d.Type.Blocking() {
			path = append(path, d.DependsOn...)
		}
	}
	path = append(path, primary)

	for _, a := range assets {
		for _, d := range deps {
			if d.AssetURL == a.URL && containsURL(d.DependsOn, primary) && !a.Category.IsDescriptor() {
				return append(path, a.URL)
			}
		}
	}
	return path
}

func containsURL(urls []string, target string) bool {
	for _, u := range urls {
		if u == target {
			return true
		}
	}
	return false
}

func (r *Resolver) estimateSize(assets []Asset) int64 {
	var total int64
	for _, a := range assets {
		total += a.SizeBytes
	}
	return total
}

// estimateLoadTime charges every byte against shared bandwidth plus one
// request overhead per fetch round. Parallel groups batch rounds by the
// configured concurrency.
func (r *Resolver) estimateLoadTime(assets []Asset, groups []LoadingGroup) time.Duration {
	if len(assets) == 0 {
		return 0
	}
	transfer := time.Duration(float64(r.estimateSize(assets)) / float64(r.config.BandwidthBytesPerSecond) * float64(time.Second))

	rounds := 0
	for _, g := range groups {
		if !g.ParallelLoadable {
			rounds += len(g.Assets)
			continue
		}
		rounds += (len(g.Assets) + r.config.Concurrency - 1) / r.config.Concurrency
	}
	return transfer + time.Duration(rounds)*r.config.RequestOverhead
}

// OptimizeLoading suggests scheduling improvements for a manifest.
func (r *Resolver) OptimizeLoading(m *AssetManifest) []string {
	var suggestions []string
	for _, g := range m.Groups {
		switch {
		case !g.ParallelLoadable && len(g.Assets) > r.config.MaxSequentialAssets:
			suggestions = append(suggestions, fmt.Sprintf(
				"split %s group: %d sequential assets exceed %d", g.Name, len(g.Assets), r.config.MaxSequentialAssets))
		case g.Name == GroupOptional:
			suggestions = append(suggestions, "defer optional group until playback has started")
		case g.ParallelLoadable && len(g.Assets) > r.config.Concurrency*2:
			suggestions = append(suggestions, fmt.Sprintf(
				"stream %s group in batches of %d", g.Name, r.config.Concurrency))
		}
	}
	if len(m.CriticalPath) > 0 && m.TotalCount > len(m.CriticalPath) {
		suggestions = append(suggestions, fmt.Sprintf(
			"start playback after critical path (%d of %d assets)", len(m.CriticalPath), m.TotalCount))
	}
	if m.EstimatedSizeBytes > r.config.LargeManifestBytes {
		suggestions = append(suggestions, "request compressed sample variants for this manifest")
	}
	return suggestions
}
