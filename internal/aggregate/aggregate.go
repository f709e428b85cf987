// Package aggregate evaluates the two area queries over a partition.
//
// Rows are grouped by the area field and reduced over the value field.
// Values are parsed as decimals so that an average of decimal readings is
// exact until the final conversion to float64.
package aggregate

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/dreamware/airgrid/internal/cluster"
)

// ErrNoData is returned when no row in the partition could be used.
var ErrNoData = errors.New("aggregate: no usable rows")

// ErrOutOfRange rejects values whose exponent or digit count no float64
// could hold.
// Rescaling such a value against an ordinary reading is unbounded work.
var ErrOutOfRange = errors.New("value out of range")

// maxExponent bounds the decimal exponent and the digit count of an accepted value.
const maxExponent = 400

// meanDigits is the number of significant digits kept in a mean.
const meanDigits = 20

// ParseError reports a row whose value field is not a number.
type ParseError struct {
	Row   int    // Index of the row in the scanned snapshot
	Value string // Raw value field
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("aggregate: row %d: invalid value %q: %v", e.Row, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result is the winning area of a query.
type Result struct {
	Area  string
	Value float64
	Kind  cluster.ResultKind

	Used    int           // Rows that contributed to some group
	Skipped int           // Rows shorter than the schema or with an unparsable value
	Errors  []*ParseError // One per unparsable row, in row order
}

type group struct {
	sum   decimal.Decimal
	max   decimal.Decimal
	count int64
}

// Evaluate runs query q over rows.
//
// Rows with fewer than ten fields are skipped. Rows whose value does not
// parse, or whose exponent is beyond ErrOutOfRange's bound, are skipped and reported in Result.Errors; the query continues.
// When two areas share the winning value the lexicographically smallest
// one wins. If nothing usable remains ErrNoData is returned together with
// the skip counts.
func Evaluate(q cluster.QueryType, rows []cluster.DataRow) (Result, error) {
	if !q.Valid() {
		return Result{}, fmt.Errorf("%w: unknown query type %d", cluster.ErrSchema, int(q))
	}
	res := Result{Kind: cluster.KindFor(q)}

	groups := make(map[string]*group)
	for i, row := range rows {
		if len(row) <= cluster.ColArea {
			res.Skipped++
			continue
		}
		raw := row[cluster.ColValue]
		v, err := parseValue(raw)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, &ParseError{Row: i, Value: raw, Err: err})
			continue
		}
		res.Used++

		area := row[cluster.ColArea]
		g, ok := groups[area]
		if !ok {
			groups[area] = &group{sum: v, max: v, count: 1}
			continue
		}
		g.sum = g.sum.Add(v)
		g.count++
		if v.GreaterThan(g.max) {
			g.max = v
		}
	}
	if len(groups) == 0 {
		return res, ErrNoData
	}

	areas := make([]string, 0, len(groups))
	for area := range groups {
		areas = append(areas, area)
	}
	slices.Sort(areas)

	var best *group
	for _, area := range areas {
		g := groups[area]
		// Strictly greater keeps the earliest area on ties.
		if best == nil || g.beats(best, q) {
			best = g
			res.Area = area
		}
	}
	if q == cluster.MaxOfAreaMaxima {
		res.Value = best.max.InexactFloat64()
	} else {
		res.Value = best.mean().InexactFloat64()
	}
	return res, nil
}

func parseValue(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if exp := v.Exponent(); exp > maxExponent || exp < -maxExponent {
		return decimal.Decimal{}, fmt.Errorf("%w: %d", ErrOutOfRange, exp)
	}
	if n := v.NumDigits(); n > maxExponent {
		return decimal.Decimal{}, fmt.Errorf("%w: %d digits", ErrOutOfRange, n)
	}
	return v, nil
}

// beats reports whether g scores strictly higher than o. Means are compared
// as sum(g)*count(o) against sum(o)*count(g), so no division rounds them.
func (g *group) beats(o *group, q cluster.QueryType) bool {
	if q == cluster.MaxOfAreaMaxima {
		return g.max.GreaterThan(o.max)
	}
	return g.sum.Mul(decimal.NewFromInt(o.count)).GreaterThan(o.sum.Mul(decimal.NewFromInt(g.count)))
}

// mean divides with enough places to keep meanDigits significant digits at
// any magnitude.
func (g *group) mean() decimal.Decimal {
	digits := int32(len(new(big.Int).Abs(g.sum.Coefficient()).String()))
	places := meanDigits - (digits + g.sum.Exponent())
	if floor := int32(decimal.DivisionPrecision); places < floor {
		places = floor
	}
	return g.sum.DivRound(decimal.NewFromInt(g.count), places)
}
