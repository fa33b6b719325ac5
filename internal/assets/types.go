// Package assets turns exercise content into a dependency-ordered loading plan.
package assets

import (
	"fmt"
	"strings"
	"time"
)

// AssetType is the media kind of an asset
type AssetType string

const (
	AssetTypeMIDI  AssetType = "midi"
	AssetTypeAudio AssetType = "audio"
)

// Category is the musical role of an asset.
type Category int

const (
	CategoryBassline Category = iota
	CategoryChords
	CategoryDrumPattern
	CategoryBassSample
	CategoryDrumSample
	CategoryAmbience
)

var categoryNames = map[Category]string{
	CategoryBassline:    "bassline",
	CategoryChords:      "chords",
	CategoryDrumPattern: "drum-pattern",
	CategoryBassSample:  "bass-sample",
	CategoryDrumSample:  "drum-sample",
	CategoryAmbience:    "ambience",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// MarshalText encodes the category by name
func (c Category) MarshalText() ([]byte, error) {
	if _, ok := categoryNames[c]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory converts a category name. Unknown names are an error rather
// than a catch-all bucket.
func ParseCategory(name string) (Category, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for c, n := range categoryNames {
		if n == normalized {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// IsDescriptor reports whether assets of this category are pattern
// descriptors rather than sample audio.
func (c Category) IsDescriptor() bool {
	switch c {
	case CategoryBassline, CategoryChords, CategoryDrumPattern:
		return true
	default:
		return false
	}
}

// Type returns the media kind assets of this category carry
func (c Category) Type() AssetType {
	if c.IsDescriptor() {
		return AssetTypeMIDI
	}
	return AssetTypeAudio
}

// Priority orders loading groups. Lower values load first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText encodes the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// DefaultPriority is the loading priority assigned to each category
func (c Category) DefaultPriority() Priority {
	switch c {
	case CategoryBassline, CategoryChords, CategoryDrumPattern, CategoryBassSample:
		return PriorityHigh
	case CategoryDrumSample:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// DependencyType describes how strongly an edge gates loading.
type DependencyType int

const (
	// DependencyRequired blocks the dependent until the dependency is loaded.
	DependencyRequired DependencyType = iota
	// DependencyOptional never blocks.
	DependencyOptional
	// DependencyPerformance improves playback when present but never blocks.
	DependencyPerformance
)

func (d DependencyType) String() string {
	switch d {
	case DependencyRequired:
		return "required"
	case DependencyOptional:
		return "optional"
	case DependencyPerformance:
		return "performance"
	default:
		return fmt.Sprintf("dependency(%d)", int(d))
	}
}

// MarshalText encodes the dependency type by name
func (d DependencyType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Blocking reports whether a failed dependency of this type gates its dependent
func (d DependencyType) Blocking() bool {
	return d == DependencyRequired
}

// Asset is one loadable content file. Immutable once extracted.
type Asset struct {
	URL       string    `json:"url"`
	Type      AssetType `json:"type"`
	Category  Category  `json:"category"`
	Priority  Priority  `json:"priority"`
	SizeBytes int64     `json:"sizeBytes"`
}

// AssetDependency is a directed edge: AssetURL depends on every URL in DependsOn.
type AssetDependency struct {
	AssetURL  string         `json:"assetUrl"`
	DependsOn []string       `json:"dependsOn"`
	Type      DependencyType `json:"dependencyType"`
}

// LoadingGroup is a batch of assets sharing scheduling priority.
type LoadingGroup struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Priority            Priority `json:"priority"`
	Assets              []string `json:"assets"`
	ParallelLoadable    bool     `json:"parallelLoadable"`
	RequiredForPlayback bool     `json:"requiredForPlayback"`
}

// Loading group names
const (
	GroupCritical   = "critical"
	GroupEssential  = "essential"
	GroupSupporting = "supporting"
	GroupOptional   = "optional"
)

// ContentSource is the exercise content an asset manifest is extracted from.
type ContentSource struct {
	ExerciseID  string   `json:"exerciseId" yaml:"exerciseId"`
	Bassline    string   `json:"bassline" yaml:"bassline"`
	Chords      string   `json:"chords" yaml:"chords"`
	DrumPattern string   `json:"drumPattern" yaml:"drumPattern"`
	Ambience    string   `json:"ambience" yaml:"ambience"`
	BassSamples []string `json:"bassSamples" yaml:"bassSamples"`
	DrumSamples []string `json:"drumSamples" yaml:"drumSamples"`
}

// AssetManifest is the resolved loading plan for one exercise.
type AssetManifest struct {
	ExerciseID         string            `json:"exerciseId"`
	Assets             []Asset           `json:"assets"`
	Dependencies       []AssetDependency `json:"dependencies"`
	Groups             []LoadingGroup    `json:"loadingGroups"`
	CriticalPath       []string          `json:"criticalPath"`
	TotalCount         int               `json:"totalCount"`
	EstimatedSizeBytes int64             `json:"estimatedSizeBytes"`
	EstimatedLoadTime  time.Duration     `json:"estimatedLoadTime"`
	Optimizations      []string          `json:"optimizations"`
	Issues             []ValidationIssue `json:"issues,omitempty"`
	GeneratedAt        time.Time         `json:"generatedAt"`
}

// Asset looks up an asset by URL
func (m *AssetManifest) Asset(url string) (Asset, bool) {
	for _, a := range m.Assets {
		if a.URL == url {
			return a, true
		}
	}
	return Asset{}, false
}

// DependenciesOf returns the edges leaving url
func (m *AssetManifest) DependenciesOf(url string) []AssetDependency {
	var result []AssetDependency
	for _, d := range m.Dependencies {
		if d.AssetURL == url {
			result = append(result, d)
		}
	}
	return result
}

// HasErrors reports whether any issue has error severity or worse
func (m *AssetManifest) HasErrors() bool {
	for _, issue := range m.Issues {
		if issue.Severity >= SeverityError {
			return true
		}
	}
	return false
}

// Err aggregates error-severity issues into one error, nil when there are none.
func (m *AssetManifest) Err() error {
	return IssuesError(m.Issues, SeverityError)
}
