package assets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadManifestFile reads exercise content from a JSON or YAML file.
func LoadManifestFile(path string) (ContentSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContentSource{}, fmt.Errorf("read manifest file: %w", err)
	}
	return ParseContentSource(data, path)
}

// ParseContentSource decodes content using the filename extension to pick
// the format, trying JSON then YAML when the extension is unknown.
func ParseContentSource(data []byte, filename string) (ContentSource, error) {
	var src ContentSource

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &src); err != nil {
			return ContentSource{}, fmt.Errorf("%w: parse YAML content: %v", ErrInvalidManifest, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &src); err != nil {
			return ContentSource{}, fmt.Errorf("%w: parse JSON content: %v", ErrInvalidManifest, err)
		}
	default:
		if err := json.Unmarshal(data, &src); err != nil {
			if yerr := yaml.Unmarshal(data, &src); yerr != nil {
				return ContentSource{}, fmt.Errorf("%w: content is neither JSON nor YAML", ErrInvalidManifest)
			}
		}
	}
	return src, nil
}
