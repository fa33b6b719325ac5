package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/routing"
)

var ErrInvalidAssetURL = errors.New("invalid asset url")

// Query parameters carrying quality and cache hints to the delivery endpoint
const (
	ParamQuality     = "quality"
	ParamSampleRate  = "sr"
	ParamBitDepth    = "bd"
	ParamCompression = "cr"
	ParamCache       = "cache"
)

// cacheMaxAge is how long an endpoint may cache a rendition of each level.
// Low levels are short-lived because sessions recover from them quickly.
var cacheMaxAge = map[audio.QualityLevel]int{
	audio.QualityMinimal: 300,
	audio.QualityLow:     900,
	audio.QualityMedium:  3600,
	audio.QualityHigh:    86400,
	audio.QualityUltra:   604800,
}

// CacheDirective returns the cache hint for a configuration. Uncompressed
// renditions must not be transcoded by intermediaries.
func CacheDirective(cfg audio.QualityConfiguration) string {
	maxAge, ok := cacheMaxAge[cfg.Level]
	if !ok {
		maxAge = cacheMaxAge[audio.QualityMinimal]
	}
	directive := "max-age=" + strconv.Itoa(maxAge)
	if cfg.CompressionRatio >= 1 {
		directive += ",no-transform"
	}
	return directive
}

// RewriteURL maps an asset onto a route: the route endpoint followed by the
// asset path, with the asset's own query kept and the quality hints added.
func RewriteURL(assetURL string, route routing.CDNRoute, cfg audio.QualityConfiguration) (string, error) {
	asset, err := url.Parse(strings.TrimSpace(assetURL))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidAssetURL, assetURL, err)
	}
	if asset.Path == "" || asset.Path == "/" {
		return "", fmt.Errorf("%w: %q has no path", ErrInvalidAssetURL, assetURL)
	}
	endpoint, err := url.Parse(route.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return "", fmt.Errorf("%w: route %s endpoint %q", routing.ErrInvalidRoute, route.ID, route.Endpoint)
	}

	rewritten := *endpoint
	rewritten.Path = path.Join("/", endpoint.Path, asset.Path)
	rewritten.RawPath = ""
	rewritten.Fragment = ""

	query := asset.Query()
	query.Set(ParamQuality, cfg.Level.String())
	query.Set(ParamSampleRate, strconv.Itoa(cfg.SampleRate))
	query.Set(ParamBitDepth, strconv.Itoa(cfg.BitDepth))
	query.Set(ParamCompression, strconv.FormatFloat(cfg.CompressionRatio, 'f', -1, 64))
	query.Set(ParamCache, CacheDirective(cfg))
	rewritten.RawQuery = query.Encode()

	return rewritten.String(), nil
}
