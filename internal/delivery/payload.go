package delivery

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/groovelab/audioengine/internal/assets"
)

const (
	minTempo = 20
	maxTempo = 400
)

var timeSignaturePattern = regexp.MustCompile(`^([1-9][0-9]?)/(1|2|4|8|16|32)$`)

// FieldError describes one rejected payload field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	// Fatal errors leave no usable workflow.
	Fatal bool `json:"fatal"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SyncInfo carries playback synchronisation metadata.
type SyncInfo struct {
	Tempo         float64 `json:"tempo,omitempty"`
	Key           string  `json:"key,omitempty"`
	TimeSignature string  `json:"timeSignature,omitempty"`
}

// Workflow is a validated delivery payload
type Workflow struct {
	ExerciseID string               `json:"exerciseId"`
	Content    assets.ContentSource `json:"content"`
	Sync       SyncInfo             `json:"sync"`
}

// ParseWorkflowPayload validates a workflow payload field by field. Fields of
// the wrong type are dropped and reported; the workflow is nil only when the
// payload is not JSON or has no usable exercise id.
func ParseWorkflowPayload(raw []byte) (*Workflow, []FieldError) {
	if !gjson.ValidBytes(raw) {
		return nil, []FieldError{{Field: "$", Message: "payload is not valid JSON", Fatal: true}}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, []FieldError{{Field: "$", Message: "payload must be an object", Fatal: true}}
	}

	var errs []FieldError
	id := root.Get("exerciseId")
	switch {
	case !id.Exists():
		return nil, []FieldError{{Field: "exerciseId", Message: "is required", Fatal: true}}
	case id.Type != gjson.String || id.Str == "":
		return nil, []FieldError{{Field: "exerciseId", Message: "must be a non-empty string", Fatal: true}}
	}

	wf := &Workflow{ExerciseID: id.Str}
	wf.Content.ExerciseID = id.Str

	content := root.Get("content")
	if content.Exists() && !content.IsObject() {
		errs = append(errs, FieldError{Field: "content", Message: "must be an object"})
	} else {
		wf.Content.Bassline = optionalString(content, "bassline", "content.", &errs)
		wf.Content.Chords = optionalString(content, "chords", "content.", &errs)
		wf.Content.DrumPattern = optionalString(content, "drumPattern", "content.", &errs)
		wf.Content.Ambience = optionalString(content, "ambience", "content.", &errs)
	}

	samples := root.Get("samples")
	if samples.Exists() && !samples.IsObject() {
		errs = append(errs, FieldError{Field: "samples", Message: "must be an object"})
	} else {
		wf.Content.BassSamples = stringArray(samples.Get("bass"), "samples.bass", &errs)
		wf.Content.DrumSamples = stringArray(samples.Get("drums"), "samples.drums", &errs)
	}

	sync := root.Get("sync")
	if sync.Exists() && !sync.IsObject() {
		errs = append(errs, FieldError{Field: "sync", Message: "must be an object"})
	} else if sync.Exists() {
		wf.Sync = parseSync(sync, &errs)
	}

	return wf, errs
}

func optionalString(parent gjson.Result, name, prefix string, errs *[]FieldError) string {
	v := parent.Get(name)
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	if v.Type != gjson.String {
		*errs = append(*errs, FieldError{Field: prefix + name, Message: "must be a string"})
		return ""
	}
	return v.Str
}

func stringArray(v gjson.Result, field string, errs *[]FieldError) []string {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if !v.IsArray() {
		*errs = append(*errs, FieldError{Field: field, Message: "must be an array of strings"})
		return nil
	}
	var out []string
	for i, item := range v.Array() {
		if item.Type != gjson.String {
			*errs = append(*errs, FieldError{Field: field + "." + strconv.Itoa(i), Message: "must be a string"})
			continue
		}
		out = append(out, item.Str)
	}
	return out
}

func parseSync(sync gjson.Result, errs *[]FieldError) SyncInfo {
	var info SyncInfo

	if tempo := sync.Get("tempo"); tempo.Exists() {
		switch {
		case tempo.Type != gjson.Number:
			*errs = append(*errs, FieldError{Field: "sync.tempo", Message: "must be a number"})
		case tempo.Num < minTempo || tempo.Num > maxTempo:
			*errs = append(*errs, FieldError{Field: "sync.tempo", Message: fmt.Sprintf("must be between %d and %d", minTempo, maxTempo)})
		default:
			info.Tempo = tempo.Num
		}
	}

	info.Key = optionalString(sync, "key", "sync.", errs)

	if ts := sync.Get("timeSignature"); ts.Exists() {
		if ts.Type != gjson.String || !timeSignaturePattern.MatchString(ts.Str) {
			*errs = append(*errs, FieldError{Field: "sync.timeSignature", Message: `must look like "4/4"`})
		} else {
			info.TimeSignature = ts.Str
		}
	}
	return info
}
