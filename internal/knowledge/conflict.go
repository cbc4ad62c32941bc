package knowledge

import (
	"regexp"
	"strconv"
	"strings"
)

// ConflictType classifies a candidate fact against an existing one.
type ConflictType string

const (
	// ConflictDuplicate: the candidate restates the existing fact.
	ConflictDuplicate ConflictType = "duplicate"

	// ConflictUpdate: the values differ but reconcile (numeric
	// progression, appended detail); the new fact supersedes the old.
	ConflictUpdate ConflictType = "update"

	// ConflictContradiction: the values differ with no reconciling
	// interpretation. A human must decide.
	ConflictContradiction ConflictType = "contradiction"
)

// FactConflict is a judgment about one candidate/existing pair. It is
// recomputed on every preview, never stored.
type FactConflict struct {
	ExistingFactID string       `json:"existingFactId"`
	ConflictType   ConflictType `json:"conflictType"`
	Explanation    string       `json:"explanation"`
}

// classifyValues compares the existing and candidate values for a
// shared structured key.
func classifyValues(existing, candidate string) (ConflictType, string) {
	oldNorm := normalizeValue(existing)
	newNorm := normalizeValue(candidate)

	if oldNorm == newNorm {
		return ConflictDuplicate, "value is unchanged"
	}

	// Numeric progression reads as an update (counts, limits,
	// versions moving forward).
	if oldNum, ok := leadingNumber(oldNorm); ok {
		if newNum, ok := leadingNumber(newNorm); ok {
			if newNum >= oldNum {
				return ConflictUpdate, "numeric value increased"
			}
			return ConflictContradiction, "numeric value decreased"
		}
	}

	// The candidate carrying the old value plus more reads as an
	// append, not a dispute.
	if strings.Contains(newNorm, oldNorm) {
		return ConflictUpdate, "new value extends the existing one"
	}

	return ConflictContradiction, "values disagree with no reconciling interpretation"
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// leadingNumber extracts the first number in a value, if any.
func leadingNumber(s string) (float64, bool) {
	m := numberPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func normalizeValue(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// textSimilarity is the Jaccard similarity over lowercase word sets.
// Deterministic: resubmitting an identical sentence always scores 1.
func textSimilarity(a, b string) float64 {
	aSet := wordSet(a)
	bSet := wordSet(b)
	if len(aSet) == 0 || len(bSet) == 0 {
		return 0
	}

	intersection := 0
	for w := range aSet {
		if bSet[w] {
			intersection++
		}
	}
	union := len(aSet) + len(bSet) - intersection
	return float64(intersection) / float64(union)
}

var wordPattern = regexp.MustCompile(`[a-z0-9/]+`)

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		set[w] = true
	}
	return set
}
