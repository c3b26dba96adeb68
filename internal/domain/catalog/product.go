package catalog

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrMalformed is returned when a catalog payload does not have the
// expected shape.
var ErrMalformed = errors.New("malformed catalog payload")

// Product is a canonical catalog record. Products are immutable once
// fetched; the catalog as a whole is replaced on every successful sync.
type Product struct {
	Code           string          `json:"codigo"`
	Name           string          `json:"nombre"`
	Barcode        string          `json:"codigo_barras,omitempty"`
	EAN14          string          `json:"ean14,omitempty"`
	Line           string          `json:"linea,omitempty"`
	UnitWeight     decimal.Decimal `json:"peso_unitario"`
	ReferenceStock int64           `json:"stock_referencia"`
	ReferencePrice decimal.Decimal `json:"precio_referencia"`
	UnitsPerCase   int64           `json:"unidades_caja"`
	Keywords       []string        `json:"palabras_clave,omitempty"`
}
