package assets

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Sentinel errors
var (
	ErrUnknownCategory = errors.New("unknown asset category")
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrInvalidManifest = errors.New("invalid manifest")
)

// Severity indicates the impact of a validation issue.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Issue codes
const (
	IssueMissingRequired     = "MISSING_REQUIRED_CATEGORY"
	IssueMissingExerciseID   = "MISSING_EXERCISE_ID"
	IssueDuplicateAsset      = "DUPLICATE_ASSET"
	IssueEmptyURL            = "EMPTY_URL"
	IssueDanglingDependency  = "DANGLING_DEPENDENCY"
	IssueSelfDependency      = "SELF_DEPENDENCY"
	IssueDependencyCycle     = "DEPENDENCY_CYCLE"
	IssueOrphanedSampleGroup = "ORPHANED_SAMPLES"
)

// ValidationIssue is a non-fatal problem found while resolving a manifest.
type ValidationIssue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	AssetURL string   `json:"assetUrl,omitempty"`
}

func (i ValidationIssue) Error() string {
	if i.AssetURL != "" {
		return fmt.Sprintf("[%s] %s: %s (asset: %s)", i.Severity, i.Code, i.Message, i.AssetURL)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Code, i.Message)
}

// IssuesError folds issues at or above minSeverity into a single error.
func IssuesError(issues []ValidationIssue, minSeverity Severity) error {
	var result *multierror.Error
	for _, issue := range issues {
		if issue.Severity < minSeverity {
			continue
		}
		if issue.Code == IssueDependencyCycle {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrDependencyCycle, issue.Message))
			continue
		}
		result = multierror.Append(result, issue)
	}
	return result.ErrorOrNil()
}
