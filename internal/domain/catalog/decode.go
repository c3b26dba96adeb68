package catalog

import (
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// DecodeError reports a payload that does not have the catalog shape.
// It matches ErrMalformed with errors.Is.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "malformed catalog payload: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is ErrMalformed.
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// Decode reads a JSON array of raw product records from r.
//
// Numeric fields may be JSON numbers or numeric strings; null counts as zero.
// Records without a code are skipped. Unknown fields are ignored.
func Decode(r io.Reader) ([]Product, error) {
	return decode(jx.Decode(r, 64*1024))
}

// DecodeBytes is Decode over an in-memory payload.
func DecodeBytes(data []byte) ([]Product, error) {
	return decode(jx.DecodeBytes(data))
}

func decode(d *jx.Decoder) ([]Product, error) {
	if tt := d.Next(); tt != jx.Array {
		return nil, &DecodeError{Err: errors.Errorf("expected array, got %s", tt)}
	}
	var out []Product
	if err := d.Arr(func(d *jx.Decoder) error {
		p, err := decodeRecord(d)
		if err != nil {
			return errors.Wrapf(err, "record %d", len(out))
		}
		if p.Code != "" {
			out = append(out, p)
		}
		return nil
	}); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return out, nil
}

func decodeRecord(d *jx.Decoder) (Product, error) {
	var p Product
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "codigo":
			p.Code, err = decodeString(d)
		case "nombre":
			p.Name, err = decodeString(d)
		case "codigo_barras":
			p.Barcode, err = decodeString(d)
		case "ean14":
			p.EAN14, err = decodeString(d)
		case "linea":
			p.Line, err = decodeString(d)
		case "peso_unitario":
			p.UnitWeight, err = decodeDecimal(d)
		case "stock_referencia":
			p.ReferenceStock, err = decodeInt(d)
		case "precio_referencia":
			p.ReferencePrice, err = decodeDecimal(d)
		case "unidades_caja":
			p.UnitsPerCase, err = decodeInt(d)
		case "palabras_clave":
			var raw string
			raw, err = decodeString(d)
			p.Keywords = Keywords(raw)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	return p, err
}

// decodeString accepts a string, a number (kept verbatim) or null.
func decodeString(d *jx.Decoder) (string, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		s, err := d.Str()
		return strings.TrimSpace(s), err
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.Errorf("unexpected %s", tt)
	}
}

// decodeDecimal accepts a number, a numeric string (with "." or "," as the
// decimal separator), an empty string or null.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch tt := d.Next(); tt {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		return decimal.Zero, errors.Errorf("unexpected %s", tt)
	}
}

func decodeInt(d *jx.Decoder) (int64, error) {
	v, err := decodeDecimal(d)
	if err != nil {
		return 0, err
	}
	return v.IntPart(), nil
}
