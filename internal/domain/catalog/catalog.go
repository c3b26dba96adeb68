// Package catalog holds the reference product catalog and its search index.
package catalog

import (
	"strings"
)

// Catalog is an immutable, code-indexed product list.
type Catalog struct {
	products []Product
	byCode   map[string]int
}

// New builds a Catalog. Products without a code are dropped and only the
// first product for each code is kept.
func New(products []Product) *Catalog {
	c := &Catalog{
		products: make([]Product, 0, len(products)),
		byCode:   make(map[string]int, len(products)),
	}
	for _, p := range products {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			continue
		}
		if _, dup := c.byCode[code]; dup {
			continue
		}
		p.Code = code
		c.byCode[code] = len(c.products)
		c.products = append(c.products, p)
	}
	return c
}

// Len returns the number of products. A nil Catalog is empty.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.products)
}

// Products returns a copy of the product list.
func (c *Catalog) Products() []Product {
	if c == nil {
		return nil
	}
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out
}

// Lookup returns the product with the given code.
func (c *Catalog) Lookup(code string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	i, ok := c.byCode[strings.TrimSpace(code)]
	if !ok {
		return Product{}, false
	}
	return c.products[i], true
}

// Search returns up to limit products matching every token of query. A token
// matches a product when it is a prefix of one of its keywords or a
// substring of its folded name, code or barcodes. A non-positive limit
// returns all matches.
func (c *Catalog) Search(query string, limit int) []Product {
	if c == nil {
		return nil
	}
	tokens := Keywords(query)
	if len(tokens) == 0 {
		return nil
	}
	var out []Product
	for _, p := range c.products {
		if !matchesAll(p, tokens) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func matchesAll(p Product, tokens []string) bool {
	name := Fold(p.Name)
	for _, tok := range tokens {
		if !matches(p, name, tok) {
			return false
		}
	}
	return true
}

func matches(p Product, name, tok string) bool {
	for _, k := range p.Keywords {
		if strings.HasPrefix(k, tok) {
			return true
		}
	}
	return strings.Contains(name, tok) ||
		strings.Contains(strings.ToLower(p.Code), tok) ||
		strings.Contains(p.Barcode, tok) ||
		strings.Contains(p.EAN14, tok)
}
