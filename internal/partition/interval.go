package partition

import (
	"errors"
	"fmt"
	"time"

	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// maxGridSteps bounds how far NextAfter walks the grid before giving up.
const maxGridSteps = 100000

// ErrOutOfRange is returned when a grid point falls past
// types.LatestBoundary.
var ErrOutOfRange = errors.New("partition: boundary out of range")

// Advance moves b forward by n steps of iv. When b is the last day of its
// month the result is pinned to the last day of the target month, so
// month-end grids stay on month ends (2021-01-31 + 1m = 2021-02-28,
// 2021-02-28 + 1m = 2021-03-31).
func Advance(b types.Boundary, iv types.Interval, n int) types.Boundary {
	t := b.Time()
	months := n * (iv.Years*12 + iv.Months)
	days := n * iv.Days

	if months != 0 {
		endOfMonth := isLastDayOfMonth(t)
		y, m := addMonths(t.Year(), t.Month(), months)
		d := t.Day()
		last := daysIn(y, m)
		if endOfMonth || d > last {
			d = last
		}
		t = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	if days != 0 {
		t = t.AddDate(0, 0, days)
	}
	return types.NewBoundary(t)
}

// NextAfter returns the first point of the grid anchored at anchor with step
// iv that is strictly after now. When anchor is already after now, anchor is
// returned. steps is the number of grid steps between anchor and the result.
// A grid point past types.LatestBoundary fails with ErrOutOfRange.
func NextAfter(anchor types.Boundary, iv types.Interval, now time.Time) (next types.Boundary, steps int, err error) {
	if !iv.Positive() {
		return types.Boundary{}, 0, fmt.Errorf("partition: interval %s must be positive", iv)
	}
	ref := now.UTC()
	if anchor.Time().After(ref) {
		return anchor, 0, nil
	}
	if !iv.Bounded() {
		return types.Boundary{}, 0, fmt.Errorf("%w: step %s from %s", ErrOutOfRange, iv, anchor)
	}
	for n := 1; n <= maxGridSteps; n++ {
		p := Advance(anchor, iv, n)
		if !p.InRange() {
			return types.Boundary{}, 0, fmt.Errorf("%w: %s + %d x %s is past %s",
				ErrOutOfRange, anchor, n, iv, types.LatestBoundary)
		}
		if p.Time().After(ref) {
			return p, n, nil
		}
	}
	return types.Boundary{}, 0, fmt.Errorf("partition: %s is more than %d steps of %s behind %s",
		anchor, maxGridSteps, iv, ref.Format(types.BoundaryLayout))
}

// GridBetween returns the first steps grid points after anchor, ascending.
func GridBetween(anchor types.Boundary, iv types.Interval, steps int) []types.Boundary {
	out := make([]types.Boundary, 0, steps)
	for n := 1; n <= steps; n++ {
		out = append(out, Advance(anchor, iv, n))
	}
	return out
}

func addMonths(y int, m time.Month, delta int) (int, time.Month) {
	total := y*12 + int(m) - 1 + delta
	return total / 12, time.Month(total%12 + 1)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func isLastDayOfMonth(t time.Time) bool {
	return t.Day() == daysIn(t.Year(), t.Month())
}
