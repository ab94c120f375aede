package partition

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

func TestAdvance_MonthEnds(t *testing.T) {
	tests := []struct {
		from types.Boundary
		iv   types.Interval
		n    int
		want types.Boundary
	}{
		{types.Date(2020, 12, 31), types.Years(1), 1, types.Date(2021, 12, 31)},
		{types.Date(2020, 12, 31), types.Years(1), 2, types.Date(2022, 12, 31)},
		{types.Date(2021, 1, 31), types.Months(1), 1, types.Date(2021, 2, 28)},
		{types.Date(2021, 2, 28), types.Months(1), 1, types.Date(2021, 3, 31)},
		{types.Date(2024, 1, 31), types.Months(1), 1, types.Date(2024, 2, 29)},
		{types.Date(2021, 1, 30), types.Months(1), 1, types.Date(2021, 2, 28)},
		{types.Date(2021, 1, 30), types.Months(1), 2, types.Date(2021, 3, 30)},
		{types.Date(2023, 11, 30), types.Months(3), 1, types.Date(2024, 2, 29)},
		{types.Date(2022, 6, 1), types.Days(7), 1, types.Date(2022, 6, 8)},
		{types.Date(2022, 12, 29), types.Days(5), 1, types.Date(2023, 1, 3)},
	}

	for _, tt := range tests {
		got := Advance(tt.from, tt.iv, tt.n)
		if !got.Equal(tt.want) {
			t.Errorf("Advance(%s, %s, %d) = %s, want %s", tt.from, tt.iv, tt.n, got, tt.want)
		}
	}
}

func TestNextAfter(t *testing.T) {
	now := time.Date(2022, 6, 1, 9, 30, 0, 0, time.UTC)

	next, steps, err := NextAfter(types.Date(2021, 12, 31), types.Years(1), now)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !next.Equal(types.Date(2022, 12, 31)) || steps != 1 {
		t.Errorf("got %s after %d steps, want 2022-12-31 after 1", next, steps)
	}

	// Anchor already ahead of now is returned unchanged.
	next, steps, err = NextAfter(types.Date(2022, 12, 31), types.Years(1), now)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !next.Equal(types.Date(2022, 12, 31)) || steps != 0 {
		t.Errorf("got %s after %d steps, want anchor with 0 steps", next, steps)
	}

	// Several periods behind.
	next, steps, err = NextAfter(types.Date(2022, 1, 31), types.Months(1), now)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !next.Equal(types.Date(2022, 6, 30)) || steps != 5 {
		t.Errorf("got %s after %d steps, want 2022-06-30 after 5", next, steps)
	}

	// A boundary equal to today's date is not "after" now.
	next, _, err = NextAfter(types.Date(2022, 6, 1), types.Days(1), now)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !next.Equal(types.Date(2022, 6, 2)) {
		t.Errorf("got %s, want 2022-06-02", next)
	}
}

func TestNextAfter_RejectsEmptyInterval(t *testing.T) {
	if _, _, err := NextAfter(types.Date(2022, 1, 1), types.Interval{}, time.Now()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestNextAfter_OutOfRange(t *testing.T) {
	now := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)

	// A step so large the next grid point needs a five-digit year.
	if _, _, err := NextAfter(types.Date(2021, 12, 31), types.Years(20000), now); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("20000y lead: expected ErrOutOfRange, got %v", err)
	}
	if _, _, err := NextAfter(types.Date(2021, 12, 31), types.Years(8000), now); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("8000y lead: expected ErrOutOfRange, got %v", err)
	}

	// Walking the grid into year 10000.
	late := time.Date(9999, 12, 31, 12, 0, 0, 0, time.UTC)
	if _, _, err := NextAfter(types.Date(9999, 6, 30), types.Months(6), late); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("grid past 9999-12-31: expected ErrOutOfRange, got %v", err)
	}

	next, _, err := NextAfter(types.Date(9998, 12, 31), types.Years(1), time.Date(9999, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || !next.Equal(types.LatestBoundary) {
		t.Errorf("last representable boundary: got %s, %v", next, err)
	}
}

func TestGridBetween(t *testing.T) {
	got := GridBetween(types.Date(2021, 12, 31), types.Years(1), 3)
	want := []string{"2022-12-31", "2023-12-31", "2024-12-31"}
	if len(got) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("point %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

// TestProperty_GridIsStrictlyIncreasing validates that any grid built from a
// positive interval is strictly increasing and that NextAfter lands on the
// first point past now.
func TestProperty_GridIsStrictlyIncreasing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("grid points are strictly increasing", prop.ForAll(
		func(dayOffset int, years, months, days int, steps int) bool {
			iv := types.Interval{Years: years, Months: months, Days: days}
			if !iv.Positive() {
				iv.Days = 1
			}
			anchor := types.NewBoundary(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, dayOffset))
			grid := GridBetween(anchor, iv, steps)
			prev := anchor
			for _, p := range grid {
				if !p.After(prev) {
					return false
				}
				prev = p
			}
			return ValidateBoundaries(append([]types.Boundary{anchor}, grid...)) == nil
		},
		gen.IntRange(0, 20000),
		gen.IntRange(0, 2),
		gen.IntRange(0, 11),
		gen.IntRange(0, 40),
		gen.IntRange(1, 24),
	))

	properties.Property("NextAfter returns the first grid point after now", prop.ForAll(
		func(anchorOffset, nowOffset int, months int) bool {
			iv := types.Months(months)
			base := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
			anchor := types.NewBoundary(base.AddDate(0, 0, anchorOffset))
			now := base.AddDate(0, 0, nowOffset).Add(13 * time.Hour)

			next, steps, err := NextAfter(anchor, iv, now)
			if err != nil {
				return false
			}
			if !next.Time().After(now) {
				return false
			}
			if steps == 0 {
				return next.Equal(anchor)
			}
			prev := Advance(anchor, iv, steps-1)
			return !prev.Time().After(now)
		},
		gen.IntRange(0, 3000),
		gen.IntRange(0, 3000),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
