package comparison

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Summary aggregates every numeric percentage found across a set of rows.
type Summary struct {
	Min   decimal.Decimal
	Max   decimal.Decimal
	Count int
}

// ComputeSummary parses every percentage column of rows, including the
// suggested price adjustment, and returns the bounds and number of numeric
// values. Values that do not parse, such as NotAvailable, are skipped.
func ComputeSummary(rows []Row, competitors []string) Summary {
	var s Summary
	add := func(v string) {
		d, ok := ParsePercent(v)
		if !ok {
			return
		}
		if s.Count == 0 || d.LessThan(s.Min) {
			s.Min = d
		}
		if s.Count == 0 || d.GreaterThan(s.Max) {
			s.Max = d
		}
		s.Count++
	}

	for _, r := range rows {
		for i, name := range competitors {
			if i == 0 {
				continue
			}
			add(r.Percent(name))
		}
		add(r.Adjustment)
	}
	return s
}

// ParsePercent parses a formatted percentage such as "12.50%" or "-3,25%".
// When a comma is present it is the decimal separator and dots are treated
// as thousands separators. Comma thousands separators are not supported:
// "1,234.56%" reads as 1.23456.
func ParsePercent(v string) (decimal.Decimal, bool) {
	v = strings.TrimSpace(v)
	v = strings.TrimSpace(strings.TrimSuffix(v, "%"))
	if v == "" {
		return decimal.Decimal{}, false
	}
	if strings.Contains(v, ",") {
		v = strings.ReplaceAll(v, ".", "")
		v = strings.ReplaceAll(v, ",", ".")
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
