package partition

import (
	"sort"

	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// Ranges derives the partition ranges from an ascending boundary list using
// RANGE RIGHT semantics: n boundaries produce n+1 ranges, the first open
// below and the last open above.
func Ranges(boundaries []types.Boundary) []types.PartitionRange {
	out := make([]types.PartitionRange, 0, len(boundaries)+1)
	for i := 0; i <= len(boundaries); i++ {
		r := types.PartitionRange{Ordinal: i + 1}
		if i > 0 {
			lo := boundaries[i-1]
			r.Lower = &lo
		}
		if i < len(boundaries) {
			hi := boundaries[i]
			r.Upper = &hi
		}
		out = append(out, r)
	}
	return out
}

// Locate returns the 1-based ordinal of the partition that owns value.
func Locate(boundaries []types.Boundary, value types.Boundary) int {
	// First boundary strictly greater than value; everything before it is <= value.
	i := sort.Search(len(boundaries), func(i int) bool {
		return boundaries[i].After(value)
	})
	return i + 1
}

// RangeAt returns the range for ordinal, or false when it is out of bounds.
func RangeAt(boundaries []types.Boundary, ordinal int) (types.PartitionRange, bool) {
	if ordinal < 1 || ordinal > len(boundaries)+1 {
		return types.PartitionRange{}, false
	}
	return Ranges(boundaries)[ordinal-1], true
}

// SameBounds reports whether two ranges cover the same interval.
func SameBounds(a, b types.PartitionRange) bool {
	return sameBound(a.Lower, b.Lower) && sameBound(a.Upper, b.Upper)
}

func sameBound(a, b *types.Boundary) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
