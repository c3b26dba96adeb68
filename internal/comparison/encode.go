package comparison

import (
	"sort"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricecompare/internal/domain/workspace"
)

// Encode writes the rows and summary as a single JSON object. Row objects
// carry the item fields followed by the derived columns keyed by their
// display names; missing ratios are omitted.
func Encode(e *jx.Encoder, rows []Row, competitors []string, s Summary) {
	e.ObjStart()
	e.FieldStart("competidores")
	e.ArrStart()
	for _, c := range competitors {
		e.Str(c)
	}
	e.ArrEnd()

	e.FieldStart("filas")
	e.ArrStart()
	for _, r := range rows {
		encodeRow(e, r, competitors)
	}
	e.ArrEnd()

	e.FieldStart("resumen")
	e.ObjStart()
	e.FieldStart("min")
	encodeDecimal(e, s.Min)
	e.FieldStart("max")
	encodeDecimal(e, s.Max)
	e.FieldStart("n")
	e.Int(s.Count)
	e.ObjEnd()
	e.ObjEnd()
}

func encodeRow(e *jx.Encoder, r Row, competitors []string) {
	e.ObjStart()
	encodeItemFields(e, r.Item)

	for i, name := range competitors {
		if i > 0 {
			e.FieldStart(PercentColumn(name))
			e.Str(r.Percent(name))
		}
		if i < len(r.Ratios) && r.Ratios[i] != nil {
			e.FieldStart(RatioKey(i))
			e.Float64(*r.Ratios[i])
		}
	}

	e.FieldStart(AdjustmentColumn)
	e.Str(r.Adjustment)
	e.FieldStart(AverageColumn)
	encodeDecimal(e, r.AveragePrice)
	if r.BestCompetitor != "" {
		e.FieldStart(BestCompetitorColumn)
		e.Str(r.BestCompetitor)
	}
	e.ObjEnd()
}

func encodeItemFields(e *jx.Encoder, it workspace.Item) {
	e.FieldStart("codigo")
	e.Str(it.Code)
	e.FieldStart("nombre")
	e.Str(it.Name)
	e.FieldStart("codigo_barras")
	e.Str(it.Barcode)
	e.FieldStart("ean14")
	e.Str(it.EAN14)
	e.FieldStart("linea")
	e.Str(it.Line)
	e.FieldStart("peso_unitario")
	encodeDecimal(e, it.UnitWeight)
	e.FieldStart("stock_referencia")
	e.Int64(it.ReferenceStock)
	e.FieldStart("precio_referencia")
	encodeDecimal(e, it.ReferencePrice)
	e.FieldStart("unidades_caja")
	e.Int64(it.UnitsPerCase)
	e.FieldStart("cantidad")
	e.Int(it.Quantity)
	if it.Notes != "" {
		e.FieldStart("notas")
		e.Str(it.Notes)
	}

	e.FieldStart("precios")
	e.ObjStart()
	names := make([]string, 0, len(it.Prices))
	for name := range it.Prices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.FieldStart(name)
		encodeDecimal(e, it.Prices[name])
	}
	e.ObjEnd()

	if it.SuggestedPrice != nil {
		e.FieldStart("precio_sugerido")
		encodeDecimal(e, *it.SuggestedPrice)
	}
}

func encodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Num(jx.Num(d.String()))
}
