package partition

import (
	"fmt"
	"strings"

	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// ValidationError describes one position in a boundary list that breaks the
// strictly increasing invariant.
type ValidationError struct {
	Index   int
	Value   types.Boundary
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("boundary %d (%s): %s", e.Index, e.Value, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// ValidateBoundaries checks that a boundary list is strictly increasing and
// contains only set, in-range values.
func ValidateBoundaries(boundaries []types.Boundary) error {
	var errs ValidationErrors
	for i, b := range boundaries {
		if b.IsZero() {
			errs = append(errs, &ValidationError{Index: i, Value: b, Message: "boundary is unset"})
			continue
		}
		if !b.InRange() {
			errs = append(errs, &ValidationError{
				Index:   i,
				Value:   b,
				Message: fmt.Sprintf("outside %s..%s", types.EarliestBoundary, types.LatestBoundary),
			})
			continue
		}
		if i > 0 && !b.After(boundaries[i-1]) {
			errs = append(errs, &ValidationError{
				Index:   i,
				Value:   b,
				Message: fmt.Sprintf("not greater than previous boundary %s", boundaries[i-1]),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateNewBoundary rejects a split value that does not extend the
// current maximum boundary or that lies outside the boundary range.
func ValidateNewBoundary(current []types.Boundary, value types.Boundary) error {
	if value.IsZero() {
		return rkerrors.NewValidationError(rkerrors.CodeBoundaryNotAscending, "boundary is unset")
	}
	if !value.InRange() {
		return rkerrors.NewValidationError(rkerrors.CodeBoundaryOutOfRange,
			fmt.Sprintf("boundary %s is outside %s..%s", value, types.EarliestBoundary, types.LatestBoundary)).
			WithDetails(map[string]interface{}{rkerrors.DetailBoundaries: Strings(current)})
	}
	top, ok := MaxBoundary(current)
	if ok && !value.After(top) {
		return rkerrors.NewValidationError(rkerrors.CodeBoundaryNotAscending,
			fmt.Sprintf("boundary %s is not greater than current maximum %s", value, top)).
			WithDetails(map[string]interface{}{rkerrors.DetailBoundaries: Strings(current)})
	}
	return nil
}
