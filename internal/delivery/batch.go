package delivery

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/groovelab/audioengine/internal/assets"
)

// batch tracks the outcome of every asset in one DeliverManifest call.
type batch struct {
	id    string
	total int64
	// index orders results the way the manifest lists its assets
	index    map[string]int
	required map[string][]string

	mu        sync.Mutex
	outcome   map[string]bool
	processed []ProcessedAsset
	failed    []FailedAsset
}

func newBatch(m *assets.AssetManifest) *batch {
	b := &batch{
		id:       uuid.NewString(),
		index:    make(map[string]int),
		required: make(map[string][]string),
		outcome:  make(map[string]bool),
	}
	for _, a := range m.Assets {
		if _, ok := b.index[a.URL]; !ok {
			b.index[a.URL] = len(b.index)
		}
	}

	grouped := make(map[string]bool)
	for _, g := range m.Groups {
		for _, url := range g.Assets {
			if grouped[url] {
				continue
			}
			grouped[url] = true
			if _, ok := b.index[url]; !ok {
				b.index[url] = len(b.index)
			}
		}
	}
	b.total = int64(len(grouped))

	for _, d := range m.Dependencies {
		if d.Type.Blocking() {
			b.required[d.AssetURL] = append(b.required[d.AssetURL], d.DependsOn...)
		}
	}
	return b
}

// blockedBy returns the first required dependency of url that failed
func (b *batch) blockedBy(url string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dep := range b.required[url] {
		if ok, done := b.outcome[dep]; done && !ok {
			return dep, true
		}
	}
	return "", false
}

// recordSuccess stores p unless its asset already has an outcome
func (b *batch) recordSuccess(p ProcessedAsset) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.outcome[p.URL]; done {
		return false
	}
	b.outcome[p.URL] = true
	b.processed = append(b.processed, p)
	return true
}

// recordFailure stores f unless its asset already has an outcome
func (b *batch) recordFailure(f FailedAsset) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.outcome[f.URL]; done {
		return false
	}
	b.outcome[f.URL] = false
	b.failed = append(b.failed, f)
	return true
}

func (b *batch) progress() float64 {
	if b.total == 0 {
		return 100
	}
	b.mu.Lock()
	finished := len(b.outcome)
	b.mu.Unlock()
	return float64(finished) * 100 / float64(b.total)
}

// allDelivered reports whether every url was delivered. An empty path is never ready.
func (b *batch) allDelivered(urls []string) bool {
	if len(urls) == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, url := range urls {
		if !b.outcome[url] {
			return false
		}
	}
	return true
}

// results returns copies of the outcomes in manifest order
func (b *batch) results() ([]ProcessedAsset, []FailedAsset) {
	b.mu.Lock()
	processed := append([]ProcessedAsset{}, b.processed...)
	failed := append([]FailedAsset{}, b.failed...)
	b.mu.Unlock()

	sort.SliceStable(processed, func(i, j int) bool { return b.index[processed[i].URL] < b.index[processed[j].URL] })
	sort.SliceStable(failed, func(i, j int) bool { return b.index[failed[i].URL] < b.index[failed[j].URL] })
	return processed, failed
}
