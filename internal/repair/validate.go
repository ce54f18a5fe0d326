package repair

import (
	"github.com/sessionmend/sessionmend/internal/dag"
)

// Check names for the pre-commit validation in spec.md §4.5.
const (
	CheckParentExists         = "parent_exists"
	CheckNotDescendant        = "not_descendant"
	CheckTimestampMonotonic   = "timestamp_monotonic"
	CheckIdentifierUniqueness = "identifier_uniqueness"
)

// ValidationResult enumerates which pre-commit checks passed for a
// proposed re-parenting.
type ValidationResult struct {
	Passed   bool
	Checks   map[string]bool
	Failures []string
}

// Validate runs the four checks of spec.md §4.5 against (orphanID,
// proposedParentID) over the current DAG. A failing check is recorded in
// Failures; commits are refused unless every check passes.
func Validate(d *dag.DAG, orphanID, proposedParentID string) *ValidationResult {
	result := &ValidationResult{Checks: make(map[string]bool, 4)}

	parent := d.Get(proposedParentID)
	parentExists := parent != nil && proposedParentID != orphanID
	result.Checks[CheckParentExists] = parentExists
	if !parentExists {
		result.Failures = append(result.Failures, CheckParentExists)
	}

	notDescendant := !d.IsDescendant(orphanID, proposedParentID)
	result.Checks[CheckNotDescendant] = notDescendant
	if !notDescendant {
		result.Failures = append(result.Failures, CheckNotDescendant)
	}

	monotonic := true
	if orphan := d.Get(orphanID); orphan != nil && parent != nil {
		monotonic = !parent.Timestamp.After(orphan.Timestamp)
	}
	result.Checks[CheckTimestampMonotonic] = monotonic
	if !monotonic {
		result.Failures = append(result.Failures, CheckTimestampMonotonic)
	}

	// Identifiers are unique by construction (internal/dag indexes by
	// id); a re-parenting never introduces a new one, so this check is
	// trivially satisfied and only reported for contract completeness.
	result.Checks[CheckIdentifierUniqueness] = true

	result.Passed = parentExists && notDescendant && monotonic
	return result
}
