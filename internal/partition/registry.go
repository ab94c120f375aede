// Package partition defines the boundary registry contract and the pure
// boundary arithmetic shared by every storage engine.
package partition

import (
	"context"

	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// Registry is a read-only view over a partitioned table's boundary metadata.
type Registry interface {
	// ListBoundaries returns the committed boundaries in ascending order.
	// Fails with a REGISTRY:TABLE_NOT_PARTITIONED error when the table is
	// not partitioned.
	ListBoundaries(ctx context.Context, table string) ([]types.Boundary, error)

	// BoundaryExists reports whether value is a boundary of table.
	BoundaryExists(ctx context.Context, table string, value types.Boundary) (bool, error)
}

// MaxBoundary returns the largest boundary, or false for an empty list.
func MaxBoundary(boundaries []types.Boundary) (types.Boundary, bool) {
	if len(boundaries) == 0 {
		return types.Boundary{}, false
	}
	return boundaries[len(boundaries)-1], true
}

// Contains reports whether value is in the ascending list.
func Contains(boundaries []types.Boundary, value types.Boundary) bool {
	lo, hi := 0, len(boundaries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch boundaries[mid].Compare(value) {
		case 0:
			return true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return false
}

// Strings renders boundaries for logs and error details.
func Strings(boundaries []types.Boundary) []string {
	out := make([]string, len(boundaries))
	for i, b := range boundaries {
		out[i] = b.String()
	}
	return out
}
