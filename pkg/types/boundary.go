// Package types provides core data types for Rangekeeper.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BoundaryLayout is the textual form of a boundary in catalogs and configs.
const BoundaryLayout = "2006-01-02"

// Boundaries must fall inside the four-digit year range so that they
// round-trip through BoundaryLayout.
var (
	EarliestBoundary = Date(1, 1, 1)
	LatestBoundary   = Date(9999, 12, 31)
)

// Boundary is a value of the partitioning column that separates two adjacent
// partitions. Boundaries are calendar dates normalized to UTC midnight.
type Boundary struct {
	t time.Time
}

// NewBoundary normalizes t to the UTC calendar date it falls on.
func NewBoundary(t time.Time) Boundary {
	t = t.UTC()
	return Boundary{t: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// Date builds a boundary from a calendar date.
func Date(year int, month time.Month, day int) Boundary {
	return Boundary{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseBoundary parses a YYYY-MM-DD boundary.
func ParseBoundary(s string) (Boundary, error) {
	t, err := time.Parse(BoundaryLayout, strings.TrimSpace(s))
	if err != nil {
		return Boundary{}, fmt.Errorf("types: invalid boundary %q: %w", s, err)
	}
	return Boundary{t: t}, nil
}

// Time returns the boundary as a UTC time at midnight.
func (b Boundary) Time() time.Time { return b.t }

// String returns the YYYY-MM-DD form.
func (b Boundary) String() string { return b.t.Format(BoundaryLayout) }

// IsZero reports whether the boundary is unset.
func (b Boundary) IsZero() bool { return b.t.IsZero() }

// InRange reports whether b lies between EarliestBoundary and
// LatestBoundary inclusive.
func (b Boundary) InRange() bool {
	return !b.t.Before(EarliestBoundary.t) && !b.t.After(LatestBoundary.t)
}

// Compare returns -1, 0 or +1.
func (b Boundary) Compare(o Boundary) int { return b.t.Compare(o.t) }

// Before reports whether b < o.
func (b Boundary) Before(o Boundary) bool { return b.t.Before(o.t) }

// After reports whether b > o.
func (b Boundary) After(o Boundary) bool { return b.t.After(o.t) }

// Equal reports whether b == o.
func (b Boundary) Equal(o Boundary) bool { return b.t.Equal(o.t) }

// MarshalText implements encoding.TextMarshaler.
func (b Boundary) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Boundary) UnmarshalText(text []byte) error {
	parsed, err := ParseBoundary(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Interval is a calendar step between consecutive boundaries.
type Interval struct {
	Years  int `json:"years,omitempty" yaml:"years,omitempty"`
	Months int `json:"months,omitempty" yaml:"months,omitempty"`
	Days   int `json:"days,omitempty" yaml:"days,omitempty"`
}

// Years returns an interval of n years.
func Years(n int) Interval { return Interval{Years: n} }

// Months returns an interval of n months.
func Months(n int) Interval { return Interval{Months: n} }

// Days returns an interval of n days.
func Days(n int) Interval { return Interval{Days: n} }

// Per-unit caps keep any single step inside the boundary year range.
const (
	maxIntervalYears  = 9999
	maxIntervalMonths = maxIntervalYears * 12
	maxIntervalDays   = maxIntervalYears * 366
)

// ParseInterval parses intervals such as "1y", "3m", "7d" or "1y6m".
func ParseInterval(s string) (Interval, error) {
	var iv Interval
	rest := strings.ToLower(strings.TrimSpace(s))
	if rest == "" {
		return iv, fmt.Errorf("types: empty interval")
	}
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return Interval{}, fmt.Errorf("types: invalid interval %q", s)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return Interval{}, fmt.Errorf("types: invalid interval %q: %w", s, err)
		}
		switch rest[i] {
		case 'y':
			iv.Years += n
		case 'm':
			iv.Months += n
		case 'd':
			iv.Days += n
		default:
			return Interval{}, fmt.Errorf("types: invalid interval unit %q in %q", rest[i], s)
		}
		rest = rest[i+1:]
	}
	if !iv.Positive() {
		return Interval{}, fmt.Errorf("types: interval %q must be positive", s)
	}
	if !iv.Bounded() {
		return Interval{}, fmt.Errorf("types: interval %q exceeds %d years", s, maxIntervalYears)
	}
	return iv, nil
}

// Positive reports whether the interval moves time forward.
func (iv Interval) Positive() bool {
	return iv.Years >= 0 && iv.Months >= 0 && iv.Days >= 0 && (iv.Years+iv.Months+iv.Days) > 0
}

// Bounded reports whether no unit of the interval spans more than the
// boundary year range.
func (iv Interval) Bounded() bool {
	return iv.Years <= maxIntervalYears && iv.Months <= maxIntervalMonths && iv.Days <= maxIntervalDays
}

// String renders the interval in the form accepted by ParseInterval.
func (iv Interval) String() string {
	var sb strings.Builder
	if iv.Years != 0 {
		fmt.Fprintf(&sb, "%dy", iv.Years)
	}
	if iv.Months != 0 {
		fmt.Fprintf(&sb, "%dm", iv.Months)
	}
	if iv.Days != 0 {
		fmt.Fprintf(&sb, "%dd", iv.Days)
	}
	if sb.Len() == 0 {
		return "0d"
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (iv Interval) MarshalText() ([]byte, error) { return []byte(iv.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (iv *Interval) UnmarshalText(text []byte) error {
	parsed, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}

// PartitionRange is the half-open interval [Lower, Upper) owned by one
// partition. A nil bound is open-ended.
type PartitionRange struct {
	// Ordinal is the 1-based position of the partition.
	Ordinal int `json:"ordinal"`

	Lower *Boundary `json:"lower,omitempty"`
	Upper *Boundary `json:"upper,omitempty"`

	// Name is the engine-specific physical name of the partition.
	Name string `json:"name,omitempty"`

	RowCount int64 `json:"row_count"`
}

// Contains reports whether v falls inside the range.
func (r PartitionRange) Contains(v Boundary) bool {
	if r.Lower != nil && v.Before(*r.Lower) {
		return false
	}
	if r.Upper != nil && !v.Before(*r.Upper) {
		return false
	}
	return true
}

// String renders the range as [lower, upper).
func (r PartitionRange) String() string {
	lo, hi := "-inf", "+inf"
	if r.Lower != nil {
		lo = r.Lower.String()
	}
	if r.Upper != nil {
		hi = r.Upper.String()
	}
	return fmt.Sprintf("#%d [%s, %s)", r.Ordinal, lo, hi)
}
