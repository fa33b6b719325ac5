package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseContent() ContentSource {
	return ContentSource{
		ExerciseID:  "ex-42",
		Bassline:    "https://cdn.example.com/ex-42/bassline.mid",
		Chords:      "https://cdn.example.com/ex-42/chords.mid",
		Ambience:    "https://cdn.example.com/ex-42/room.wav",
		BassSamples: []string{"https://cdn.example.com/bass/e1.wav", "https://cdn.example.com/bass/a1.wav", "https://cdn.example.com/bass/d2.wav", "https://cdn.example.com/bass/g2.wav"},
		DrumSamples: []string{"https://cdn.example.com/drums/kick.wav", "https://cdn.example.com/drums/snare.wav", "https://cdn.example.com/drums/hat.wav"},
	}
}

func newTestResolver() *Resolver {
	return NewResolver(DefaultResolverConfig(), zerolog.Nop())
}

func TestExtractAssetManifest(t *testing.T) {
	src := exerciseContent()
	m := newTestResolver().ExtractAssetManifest(src)
	require.NotNil(t, m)

	assert.Equal(t, len(m.Assets), m.TotalCount)
	assert.GreaterOrEqual(t, m.TotalCount, 9)
	assert.Equal(t, 10, m.TotalCount)
	assert.False(t, m.HasErrors())
	assert.NoError(t, m.Err())

	ambience, ok := m.Asset(src.Ambience)
	require.True(t, ok)
	assert.Equal(t, PriorityLow, ambience.Priority)
	assert.Equal(t, AssetTypeAudio, ambience.Type)
	assert.Empty(t, m.DependenciesOf(src.Ambience))

	bassline, ok := m.Asset(src.Bassline)
	require.True(t, ok)
	assert.Equal(t, AssetTypeMIDI, bassline.Type)
	assert.Equal(t, PriorityHigh, bassline.Priority)

	kick, ok := m.Asset(src.DrumSamples[0])
	require.True(t, ok)
	assert.Equal(t, PriorityMedium, kick.Priority)

	bassDeps := m.DependenciesOf(src.BassSamples[0])
	require.Len(t, bassDeps, 1)
	assert.Equal(t, []string{src.Bassline}, bassDeps[0].DependsOn)
	assert.Equal(t, DependencyRequired, bassDeps[0].Type)

	// no drum pattern, so drum samples carry no edges
	assert.Empty(t, m.DependenciesOf(src.DrumSamples[0]))

	assert.Equal(t, []string{src.Chords, src.Bassline, src.BassSamples[0]}, m.CriticalPath)
	assert.Positive(t, m.EstimatedSizeBytes)
	assert.Positive(t, m.EstimatedLoadTime)
	assert.NotEmpty(t, m.Optimizations)
}

func TestLoadingGroups(t *testing.T) {
	src := exerciseContent()
	src.DrumPattern = "https://cdn.example.com/ex-42/drums.mid"
	m := newTestResolver().ExtractAssetManifest(src)

	require.Len(t, m.Groups, 4)
	names := make([]string, len(m.Groups))
	for i, g := range m.Groups {
		names[i] = g.Name
		assert.NotEmpty(t, g.ID)
	}
	assert.Equal(t, []string{GroupCritical, GroupEssential, GroupSupporting, GroupOptional}, names)

	critical := m.Groups[0]
	assert.False(t, critical.ParallelLoadable)
	assert.True(t, critical.RequiredForPlayback)
	assert.Equal(t, PriorityHigh, critical.Priority)
	// chords must precede the bassline that requires them
	assert.Equal(t, []string{src.Chords, src.Bassline, src.DrumPattern}, critical.Assets)

	assert.True(t, m.Groups[1].ParallelLoadable)
	assert.Len(t, m.Groups[1].Assets, 4)
	assert.Len(t, m.Groups[2].Assets, 3)
	assert.Equal(t, []string{src.Ambience}, m.Groups[3].Assets)

	kickDeps := m.DependenciesOf(src.DrumSamples[0])
	require.Len(t, kickDeps, 1)
	assert.Equal(t, DependencyPerformance, kickDeps[0].Type)
	assert.False(t, kickDeps[0].Type.Blocking())

	// empty groups are omitted
	sparse := newTestResolver().ExtractAssetManifest(ContentSource{ExerciseID: "x", Bassline: "b.mid"})
	require.Len(t, sparse.Groups, 1)
	assert.Equal(t, GroupCritical, sparse.Groups[0].Name)
}

func TestMissingRequiredCategory(t *testing.T) {
	src := exerciseContent()
	src.Bassline = ""
	m := newTestResolver().ExtractAssetManifest(src)

	require.NotNil(t, m)
	assert.True(t, m.HasErrors())
	assert.Error(t, m.Err())
	assert.Equal(t, 9, m.TotalCount)

	codes := make(map[string]bool)
	for _, issue := range m.Issues {
		codes[issue.Code] = true
	}
	assert.True(t, codes[IssueMissingRequired])
	assert.True(t, codes[IssueOrphanedSampleGroup])

	// optional categories missing are not issues
	minimal := newTestResolver().ExtractAssetManifest(ContentSource{ExerciseID: "x", Bassline: "b.mid"})
	assert.Empty(t, minimal.Issues)
	assert.Equal(t, []string{"b.mid"}, minimal.CriticalPath)
}

func TestDuplicateAndEmptyURLs(t *testing.T) {
	src := exerciseContent()
	src.BassSamples = append(src.BassSamples, src.BassSamples[0], "  ")
	m := newTestResolver().ExtractAssetManifest(src)

	assert.Equal(t, 10, m.TotalCount)
	var duplicate, empty int
	for _, issue := range m.Issues {
		switch issue.Code {
		case IssueDuplicateAsset:
			duplicate++
			assert.Equal(t, SeverityWarning, issue.Severity)
		case IssueEmptyURL:
			empty++
		}
	}
	assert.Equal(t, 1, duplicate)
	assert.Equal(t, 1, empty)
	assert.False(t, m.HasErrors())
}

func TestEstimatedLoadTimeMonotonic(t *testing.T) {
	r := newTestResolver()
	src := ContentSource{ExerciseID: "grow", Bassline: "bass.mid", Chords: "chords.mid"}

	previous := r.ExtractAssetManifest(src)
	for i := 0; i < 25; i++ {
		if i%2 == 0 {
			src.BassSamples = append(src.BassSamples, fmt.Sprintf("bass-%d.wav", i))
		} else {
			src.DrumSamples = append(src.DrumSamples, fmt.Sprintf("drum-%d.wav", i))
		}
		next := r.ExtractAssetManifest(src)
		require.Equal(t, previous.TotalCount+1, next.TotalCount)
		assert.Greater(t, next.EstimatedLoadTime, previous.EstimatedLoadTime, "after %d assets", next.TotalCount)
		assert.Greater(t, next.EstimatedSizeBytes, previous.EstimatedSizeBytes)
		previous = next
	}
}

func TestOptimizeLoading(t *testing.T) {
	r := NewResolver(ResolverConfig{
		DescriptorSizeBytes:     1 << 10,
		SampleSizeBytes:         4 << 20,
		AmbienceSizeBytes:       4 << 20,
		BandwidthBytesPerSecond: 1 << 20,
		Concurrency:             1,
		MaxSequentialAssets:     1,
		LargeManifestBytes:      1 << 20,
	}, zerolog.Nop())

	src := exerciseContent()
	src.DrumPattern = "drums.mid"
	m := r.ExtractAssetManifest(src)

	joined := fmt.Sprint(m.Optimizations)
	assert.Contains(t, joined, "split critical group")
	assert.Contains(t, joined, "defer optional group")
	assert.Contains(t, joined, "stream essential group in batches of 1")
	assert.Contains(t, joined, "start playback after critical path")
	assert.Contains(t, joined, "compressed sample variants")
}

func TestResolverFallsBackToDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{}, zerolog.Nop())
	assert.Equal(t, DefaultResolverConfig(), r.config)

	wide := r.WithConcurrency(8)
	assert.Equal(t, 8, wide.config.Concurrency)
	assert.Equal(t, 4, r.config.Concurrency)
	assert.Same(t, r, r.WithConcurrency(0))
}

func TestCategoryParsing(t *testing.T) {
	for c := range categoryNames {
		parsed, err := ParseCategory(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	parsed, err := ParseCategory("Drum_Sample")
	require.NoError(t, err)
	assert.Equal(t, CategoryDrumSample, parsed)

	_, err = ParseCategory("melody")
	assert.ErrorIs(t, err, ErrUnknownCategory)

	var c Category
	assert.Error(t, c.UnmarshalText([]byte("vocals")))
	_, err = Category(99).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestLoadManifestFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "exercise.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
exerciseId: ex-7
bassline: https://cdn.example.com/ex-7/bass.mid
chords: https://cdn.example.com/ex-7/chords.mid
bassSamples:
  - https://cdn.example.com/bass/e1.wav
drumSamples:
  - https://cdn.example.com/drums/kick.wav
`), 0o600))

	src, err := LoadManifestFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "ex-7", src.ExerciseID)
	assert.Equal(t, []string{"https://cdn.example.com/bass/e1.wav"}, src.BassSamples)

	jsonPath := filepath.Join(dir, "exercise.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"exerciseId":"ex-8","bassline":"b.mid","ambience":"room.wav"}`), 0o600))
	src, err = LoadManifestFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "room.wav", src.Ambience)

	src, err = ParseContentSource([]byte("exerciseId: ex-9\nbassline: b.mid\n"), "exercise")
	require.NoError(t, err)
	assert.Equal(t, "ex-9", src.ExerciseID)

	_, err = ParseContentSource([]byte("{not json"), "broken.json")
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = LoadManifestFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
