package resolver

import (
	"prbuild-resolver/src/appveyor"
	"prbuild-resolver/src/provider"
)

// Outcome says how a resolution ended.
type Outcome int

const (
	// OutcomeResolved means AppVeyor answered and the artifact was found.
	OutcomeResolved Outcome = iota
	// OutcomeCached means the answer came from an unexpired cache entry.
	OutcomeCached
	// OutcomeFallback means AppVeyor failed and a stale answer was served.
	OutcomeFallback
	// OutcomeNotFound means AppVeyor answered but there is no artifact.
	OutcomeNotFound
	OutcomeInvalidInput
	// OutcomeUnavailable means AppVeyor failed and nothing was cached.
	OutcomeUnavailable
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeCached:
		return "cached"
	case OutcomeFallback:
		return "fallback"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInvalidInput:
		return "invalid_input"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the answer to one resolution. Err is set for failures, and also
// for OutcomeFallback where it holds the error that forced the fallback.
type Result struct {
	Artifact *appveyor.ArtifactInfo
	Outcome  Outcome
	Err      error
}

// Found reports whether the result carries an artifact.
func (r Result) Found() bool {
	return r.Artifact != nil
}

// Error returns the error to report to a user, or nil when an artifact was
// found. A NotFound result maps to provider.ErrNotFound.
func (r Result) Error() error {
	if r.Found() {
		return nil
	}
	if r.Outcome == OutcomeNotFound {
		return provider.ErrNotFound
	}
	return r.Err
}
