package postgres

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rangekeeper/rangekeeper/pkg/types"
)

var boundPattern = regexp.MustCompile(`^FOR VALUES FROM \((.+)\) TO \((.+)\)$`)

// partitionBound is the parsed relpartbound of one child table. A nil bound
// is MINVALUE or MAXVALUE.
type partitionBound struct {
	name      string
	lower     *types.Boundary
	upper     *types.Boundary
	isDefault bool
}

// parseBound parses the output of pg_get_expr(relpartbound, oid) for a
// single-column range partition on a date or timestamp column.
func parseBound(expr string) (partitionBound, error) {
	expr = strings.TrimSpace(expr)
	if expr == "DEFAULT" {
		return partitionBound{isDefault: true}, nil
	}
	m := boundPattern.FindStringSubmatch(expr)
	if m == nil {
		return partitionBound{}, fmt.Errorf("engine/postgres: unsupported partition bound %q", expr)
	}
	lower, err := parseBoundValue(m[1])
	if err != nil {
		return partitionBound{}, err
	}
	upper, err := parseBoundValue(m[2])
	if err != nil {
		return partitionBound{}, err
	}
	return partitionBound{lower: lower, upper: upper}, nil
}

func parseBoundValue(v string) (*types.Boundary, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, ",") {
		return nil, fmt.Errorf("engine/postgres: multi-column partition bound %q is not supported", v)
	}
	switch strings.ToUpper(v) {
	case "MINVALUE", "MAXVALUE":
		return nil, nil
	}
	v = strings.Trim(v, "'")
	if i := strings.Index(v, "'::"); i >= 0 {
		v = v[:i]
	}
	if len(v) < len(types.BoundaryLayout) {
		return nil, fmt.Errorf("engine/postgres: unsupported bound value %q", v)
	}
	b, err := types.ParseBoundary(v[:len(types.BoundaryLayout)])
	if err != nil {
		return nil, fmt.Errorf("engine/postgres: bound value %q: %w", v, err)
	}
	return &b, nil
}

// renderBound renders a bound for FOR VALUES clauses; nil renders as the
// given open keyword.
func renderBound(b *types.Boundary, open string) string {
	if b == nil {
		return open
	}
	return "'" + b.String() + "'"
}

func forValues(lower, upper *types.Boundary) string {
	return fmt.Sprintf("FOR VALUES FROM (%s) TO (%s)", renderBound(lower, "MINVALUE"), renderBound(upper, "MAXVALUE"))
}

// boundariesOf collects the distinct finite bounds in ascending order.
func boundariesOf(bounds []partitionBound) []types.Boundary {
	seen := make(map[string]bool)
	var out []types.Boundary
	add := func(b *types.Boundary) {
		if b == nil || seen[b.String()] {
			return
		}
		seen[b.String()] = true
		out = append(out, *b)
	}
	for _, pb := range bounds {
		if pb.isDefault {
			continue
		}
		add(pb.lower)
		add(pb.upper)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// partitionName names a child by its lower bound.
func partitionName(table string, lower *types.Boundary) string {
	if lower == nil {
		return table + "_pmin"
	}
	return table + "_p" + strings.ReplaceAll(lower.String(), "-", "")
}

// orderBounds sorts non-default bounds by lower bound with MINVALUE first.
func orderBounds(bounds []partitionBound) []partitionBound {
	var out []partitionBound
	for _, pb := range bounds {
		if !pb.isDefault {
			out = append(out, pb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].lower, out[j].lower
		if a == nil {
			return b != nil
		}
		return b != nil && a.Before(*b)
	})
	return out
}
