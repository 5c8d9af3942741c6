// Package ucum validates and corrects candidate unit strings against a
// small table of common laboratory UCUM units. No UCUM parsing library
// exists in the dependency pack this module was grounded on or in the
// wider ecosystem search performed during design (see DESIGN.md); this
// is a deliberately narrow, table-driven stand-in rather than a full
// UCUM grammar implementation, covering the unit vocabulary spec.md's
// lab-report domain actually produces.
package ucum

import "strings"

// Status is the outcome of validating one candidate: valid, valid after
// correction, invalid with suggestions, or invalid with no suggestions.
type Status int

const (
	Valid Status = iota
	ValidWithCorrection
	InvalidWithSuggestions
	InvalidNoSuggestions
)

// Outcome is the result of validating one candidate canonical unit.
type Outcome struct {
	Status      Status
	Corrected   string
	Suggestions []string
}

// knownUnits lists UCUM forms this table recognizes as already valid.
var knownUnits = map[string]bool{
	"mg/dL": true, "g/dL": true, "mmol/L": true, "umol/L": true,
	"mEq/L": true, "U/L": true, "IU/L": true, "ng/mL": true,
	"pg/mL": true, "mIU/L": true, "%": true, "10*9/L": true,
	"10*12/L": true, "fL": true, "pg": true, "s": true, "min": true,
	"mm/h": true, "mmHg": true, "kg": true, "g": true, "mL": true,
	"L": true, "mm": true, "cm": true, "deg C": true, "/uL": true,
	"ratio": true, "count": true,
}

// corrections maps common near-misses to their UCUM-correct spelling.
// Covers casing, ASCII substitutions, and the "10^9/L" vs "10*9/L"
// exponent notation UCUM actually requires.
var corrections = map[string]string{
	"mg/dl":     "mg/dL",
	"g/dl":      "g/dL",
	"mmol/l":    "mmol/L",
	"umol/l":    "umol/L",
	"meq/l":     "mEq/L",
	"u/l":       "U/L",
	"iu/l":      "IU/L",
	"ng/ml":     "ng/mL",
	"pg/ml":     "pg/mL",
	"miu/l":     "mIU/L",
	"10^9/l":    "10*9/L",
	"10^9/L":    "10*9/L",
	"10^12/l":   "10*12/L",
	"10^12/L":   "10*12/L",
	"fl":        "fL",
	"ml":        "mL",
	"l":         "L",
	"deg c":     "deg C",
	"/ul":       "/uL",
}

// suggestionsFor offers close matches for a form that isn't directly
// correctable, keyed by a normalized prefix (e.g. anything starting with
// "10" gets the exponent-notation family).
func suggestionsFor(candidate string) []string {
	lower := strings.ToLower(candidate)
	switch {
	case strings.HasPrefix(lower, "10"):
		return []string{"10*9/L", "10*12/L"}
	case strings.Contains(lower, "/l") || strings.Contains(lower, "/dl"):
		return []string{"mg/dL", "mmol/L", "U/L"}
	default:
		return nil
	}
}

// Validate checks candidate against the known-unit table, returning a
// corrected form for recognized near-misses or suggestions when no
// direct correction applies.
func Validate(candidate string) Outcome {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return Outcome{Status: InvalidNoSuggestions}
	}

	if knownUnits[trimmed] {
		return Outcome{Status: Valid}
	}

	if corrected, ok := corrections[strings.ToLower(trimmed)]; ok {
		return Outcome{Status: ValidWithCorrection, Corrected: corrected}
	}
	if corrected, ok := corrections[trimmed]; ok {
		return Outcome{Status: ValidWithCorrection, Corrected: corrected}
	}

	if suggestions := suggestionsFor(trimmed); suggestions != nil {
		return Outcome{Status: InvalidWithSuggestions, Suggestions: suggestions}
	}

	return Outcome{Status: InvalidNoSuggestions}
}
