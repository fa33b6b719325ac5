package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(errs []FieldError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestParseWorkflowPayload(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "well formed payload",
			testFunc: func(t *testing.T) {
				raw := []byte(`{
					"exerciseId": "ex-42",
					"content": {
						"bassline": "/content/ex-42/bassline.mid",
						"chords": "/content/ex-42/chords.mid",
						"drumPattern": "/content/ex-42/drums.mid",
						"ambience": "/content/ex-42/room.ogg"
					},
					"samples": {
						"bass": ["/samples/bass/e1.wav", "/samples/bass/a1.wav"],
						"drums": ["/samples/drums/kick.wav"]
					},
					"sync": {"tempo": 96, "key": "E minor", "timeSignature": "7/8"}
				}`)
				wf, errs := ParseWorkflowPayload(raw)
				require.NotNil(t, wf)
				assert.Empty(t, errs)
				assert.Equal(t, "ex-42", wf.ExerciseID)
				assert.Equal(t, "ex-42", wf.Content.ExerciseID)
				assert.Equal(t, "/content/ex-42/bassline.mid", wf.Content.Bassline)
				assert.Equal(t, "/content/ex-42/room.ogg", wf.Content.Ambience)
				assert.Equal(t, []string{"/samples/bass/e1.wav", "/samples/bass/a1.wav"}, wf.Content.BassSamples)
				assert.Equal(t, []string{"/samples/drums/kick.wav"}, wf.Content.DrumSamples)
				assert.Equal(t, SyncInfo{Tempo: 96, Key: "E minor", TimeSignature: "7/8"}, wf.Sync)
			},
		},
		{
			name: "malformed json is fatal",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`{"exerciseId": "ex-1",`))
				assert.Nil(t, wf)
				require.Len(t, errs, 1)
				assert.True(t, errs[0].Fatal)
				assert.Equal(t, "$", errs[0].Field)
			},
		},
		{
			name: "top level must be an object",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`["ex-1"]`))
				assert.Nil(t, wf)
				require.Len(t, errs, 1)
				assert.True(t, errs[0].Fatal)
			},
		},
		{
			name: "exercise id is required",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`{"content": {"bassline": "/b.mid"}}`))
				assert.Nil(t, wf)
				assert.Equal(t, []string{"exerciseId"}, fields(errs))
			},
		},
		{
			name: "exercise id must be a non-empty string",
			testFunc: func(t *testing.T) {
				for _, raw := range []string{`{"exerciseId": 42}`, `{"exerciseId": ""}`, `{"exerciseId": null}`} {
					wf, errs := ParseWorkflowPayload([]byte(raw))
					assert.Nil(t, wf, raw)
					assert.Equal(t, []string{"exerciseId"}, fields(errs), raw)
				}
			},
		},
		{
			name: "mistyped content fields are dropped",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`{
					"exerciseId": "ex-2",
					"content": {"bassline": "/b.mid", "chords": 42, "drumPattern": {"url": "/d.mid"}}
				}`))
				require.NotNil(t, wf)
				assert.Equal(t, []string{"content.chords", "content.drumPattern"}, fields(errs))
				assert.Equal(t, "/b.mid", wf.Content.Bassline)
				assert.Empty(t, wf.Content.Chords)
				assert.Empty(t, wf.Content.DrumPattern)
				for _, e := range errs {
					assert.False(t, e.Fatal)
				}
			},
		},
		{
			name: "non-string samples are dropped individually",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`{
					"exerciseId": "ex-3",
					"samples": {"bass": ["/a.wav", 3, "/b.wav", null], "drums": "/kick.wav"}
				}`))
				require.NotNil(t, wf)
				assert.Equal(t, []string{"samples.bass.1", "samples.bass.3", "samples.drums"}, fields(errs))
				assert.Equal(t, []string{"/a.wav", "/b.wav"}, wf.Content.BassSamples)
				assert.Nil(t, wf.Content.DrumSamples)
			},
		},
		{
			name: "sync metadata is range checked",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`{
					"exerciseId": "ex-4",
					"sync": {"tempo": 500, "key": 7, "timeSignature": "4/5"}
				}`))
				require.NotNil(t, wf)
				assert.Equal(t, []string{"sync.tempo", "sync.key", "sync.timeSignature"}, fields(errs))
				assert.Equal(t, SyncInfo{}, wf.Sync)
			},
		},
		{
			name: "tempo must be numeric",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`{"exerciseId": "ex-5", "sync": {"tempo": "fast", "timeSignature": "4/4"}}`))
				require.NotNil(t, wf)
				assert.Equal(t, []string{"sync.tempo"}, fields(errs))
				assert.Equal(t, "4/4", wf.Sync.TimeSignature)
			},
		},
		{
			name: "mistyped sections are reported",
			testFunc: func(t *testing.T) {
				wf, errs := ParseWorkflowPayload([]byte(`{"exerciseId": "ex-6", "content": [], "samples": 1, "sync": "4/4"}`))
				require.NotNil(t, wf)
				assert.Equal(t, []string{"content", "samples", "sync"}, fields(errs))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestFieldErrorMessage(t *testing.T) {
	err := FieldError{Field: "sync.tempo", Message: "must be a number"}
	assert.EqualError(t, err, "sync.tempo: must be a number")
}
