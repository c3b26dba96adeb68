package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricecompare/internal/domain/catalog"
)

// ProductMirror keeps the catalog_products table equal to the last imported
// catalog.
type ProductMirror struct {
	pool *pgxpool.Pool
}

// NewProductMirror returns a ProductMirror over pool.
func NewProductMirror(pool *pgxpool.Pool) *ProductMirror {
	return &ProductMirror{pool: pool}
}

var productColumns = []string{
	"code", "name", "barcode", "ean14", "line",
	"unit_weight", "reference_stock", "reference_price", "units_per_case", "keywords",
}

// Replace swaps the table contents for products in one transaction, so
// readers see either the old or the new catalog.
func (m *ProductMirror) Replace(ctx context.Context, products []catalog.Product) (int64, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM catalog_products`); err != nil {
		return 0, errors.Wrap(err, "delete products")
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"catalog_products"}, productColumns,
		pgx.CopyFromSlice(len(products), func(i int) ([]any, error) {
			p := products[i]
			keywords := p.Keywords
			if keywords == nil {
				keywords = []string{}
			}
			return []any{
				p.Code, p.Name, p.Barcode, p.EAN14, p.Line,
				p.UnitWeight, p.ReferenceStock, p.ReferencePrice, p.UnitsPerCase, keywords,
			}, nil
		}),
	)
	if err != nil {
		return 0, errors.Wrap(err, "copy products")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	return n, nil
}

// LineSummary aggregates reference prices of one product line.
type LineSummary struct {
	Line         string
	Products     int64
	AveragePrice decimal.Decimal
}

// Lines returns per-line product counts and average reference prices.
func (m *ProductMirror) Lines(ctx context.Context) ([]LineSummary, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT line, count(*), coalesce(avg(reference_price), 0)
		FROM catalog_products GROUP BY line ORDER BY line`)
	if err != nil {
		return nil, errors.Wrap(err, "query lines")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LineSummary, error) {
		var s LineSummary
		err := row.Scan(&s.Line, &s.Products, &s.AveragePrice)
		return s, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "collect lines")
	}
	return out, nil
}
