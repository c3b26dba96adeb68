// Package comparison derives comparative pricing figures from a workspace.
//
// Every function here is pure: rows are recomputed on demand and never
// persisted.
package comparison

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/xenking/pricecompare/internal/domain/workspace"
)

// Column names of the derived fields.
const (
	NotAvailable         = "N/A"
	AdjustmentColumn     = "% Ajuste a Sugerido"
	AverageColumn        = "precio_promedio"
	BestCompetitorColumn = "mejor_precio_competidor"

	percentPrefix = "% vs "
)

var hundred = decimal.NewFromInt(100)

// PercentColumn returns the column holding the base price compared to
// competitor.
func PercentColumn(competitor string) string {
	return percentPrefix + competitor
}

// RatioKey returns the key of the unrounded ratio for the competitor at
// position i (zero-based).
func RatioKey(i int) string {
	return "m" + strconv.Itoa(i+1) + "_ratio"
}

// Row is a workspace item with its derived comparison fields.
type Row struct {
	workspace.Item

	// Percentages maps every non-base competitor name to its formatted
	// percentage or NotAvailable.
	Percentages map[string]string
	// Ratios is indexed by competitor position. A nil element has no ratio.
	Ratios         []*float64
	Adjustment     string
	AveragePrice   decimal.Decimal
	BestCompetitor string
}

// Percent returns the formatted percentage against competitor.
func (r Row) Percent(competitor string) string {
	if v, ok := r.Percentages[competitor]; ok {
		return v
	}
	return NotAvailable
}

// ComputeRows derives one row per item. The first competitor name is the base
// price source for every percentage.
func ComputeRows(items []workspace.Item, competitors []string) []Row {
	rows := make([]Row, 0, len(items))
	for _, it := range items {
		rows = append(rows, computeRow(it, competitors))
	}
	return rows
}

func computeRow(it workspace.Item, competitors []string) Row {
	row := Row{
		Item:        it,
		Percentages: make(map[string]string, len(competitors)),
		Ratios:      make([]*float64, len(competitors)),
		Adjustment:  NotAvailable,
	}

	var base decimal.Decimal
	if len(competitors) > 0 {
		base = positivePrice(it, competitors[0])
	}
	hasBase := base.IsPositive()

	var (
		best  decimal.Decimal
		sum   decimal.Decimal
		count int64
	)
	for i, name := range competitors {
		price := positivePrice(it, name)
		if price.IsPositive() && (row.BestCompetitor == "" || price.LessThan(best)) {
			best = price
			row.BestCompetitor = name
		}
		if i == 0 {
			continue
		}
		row.Percentages[name] = NotAvailable
		if !price.IsPositive() {
			continue
		}
		sum = sum.Add(price)
		count++
		if !hasBase {
			continue
		}
		ratio := base.Div(price).Sub(decimal.NewFromInt(1))
		row.Percentages[name] = FormatPercent(ratio)
		f := ratio.InexactFloat64()
		row.Ratios[i] = &f
	}

	if count > 0 {
		row.AveragePrice = sum.Div(decimal.NewFromInt(count))
	}
	if hasBase && it.SuggestedPrice != nil && it.SuggestedPrice.IsPositive() {
		row.Adjustment = FormatPercent(it.SuggestedPrice.Div(base).Sub(decimal.NewFromInt(1)))
	}
	return row
}

// positivePrice returns the competitor's price, or zero when it is missing or
// not positive.
func positivePrice(it workspace.Item, competitor string) decimal.Decimal {
	p, ok := it.Price(competitor)
	if !ok || !p.IsPositive() {
		return decimal.Zero
	}
	return p
}

// FormatPercent renders ratio as a percentage with two decimals and a "%"
// suffix: 0.25 becomes "25.00%".
func FormatPercent(ratio decimal.Decimal) string {
	return ratio.Mul(hundred).StringFixed(2) + "%"
}
