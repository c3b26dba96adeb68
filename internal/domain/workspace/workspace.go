// Package workspace holds the in-progress comparison: the products selected
// by the user, the competitor prices entered for them and the form fields.
package workspace

import (
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pricecompare/internal/domain/catalog"
)

// Sentinel errors for workspace mutations.
var (
	ErrProductNotFound = errors.New("product not in workspace")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrInvalidPrice    = errors.New("price must not be negative")
	ErrEmptyCompetitor = errors.New("competitor name required")
)

// Item is a catalog product added to the workspace together with the data
// entered for it. Prices is sparse: a missing competitor is not priced yet.
type Item struct {
	catalog.Product
	Quantity       int                        `json:"cantidad"`
	Notes          string                     `json:"notas,omitempty"`
	Prices         map[string]decimal.Decimal `json:"precios,omitempty"`
	SuggestedPrice *decimal.Decimal           `json:"precio_sugerido,omitempty"`
}

// Price returns the price entered for competitor.
func (it Item) Price(competitor string) (decimal.Decimal, bool) {
	p, ok := it.Prices[competitor]
	return p, ok
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := it
	out.Keywords = append([]string(nil), it.Keywords...)
	if it.Prices != nil {
		out.Prices = make(map[string]decimal.Decimal, len(it.Prices))
		for k, v := range it.Prices {
			out.Prices[k] = v
		}
	}
	if it.SuggestedPrice != nil {
		sp := *it.SuggestedPrice
		out.SuggestedPrice = &sp
	}
	return out
}

// ChangeKind names the mutation that produced a Change.
type ChangeKind string

// Mutation kinds reported to listeners.
const (
	ChangeAdd       ChangeKind = "add"
	ChangeQuantity  ChangeKind = "quantity"
	ChangePrice     ChangeKind = "price"
	ChangeSuggested ChangeKind = "suggested"
	ChangeNotes     ChangeKind = "notes"
	ChangeRemove    ChangeKind = "remove"
	ChangeForm      ChangeKind = "form"
	ChangeReset     ChangeKind = "reset"
)

// Change describes a single workspace mutation.
type Change struct {
	Kind ChangeKind
	Code string
}

// Listener is notified after every mutation, outside the workspace lock.
type Listener func(Change)

// Workspace is the mutable comparison state. Item identity is the product
// code: adding a product that is already present increments its quantity.
// It is safe for concurrent use.
type Workspace struct {
	mu        sync.RWMutex
	items     []Item
	index     map[string]int
	form      FormFields
	listeners []Listener
}

// New returns an empty Workspace.
func New() *Workspace {
	return &Workspace{index: make(map[string]int)}
}

// OnChange registers fn to be called after each mutation.
func (w *Workspace) OnChange(fn Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func (w *Workspace) notify(c Change) {
	w.mu.RLock()
	listeners := make([]Listener, len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}

// Add puts p into the workspace with quantity 1, or increments the quantity
// of the existing item with the same code. It returns the resulting item.
func (w *Workspace) Add(p catalog.Product) Item {
	w.mu.Lock()
	var out Item
	if i, ok := w.index[p.Code]; ok {
		w.items[i].Quantity++
		out = w.items[i].Clone()
	} else {
		it := Item{Product: p, Quantity: 1}
		it.Keywords = append([]string(nil), p.Keywords...)
		w.index[p.Code] = len(w.items)
		w.items = append(w.items, it)
		out = it.Clone()
	}
	w.mu.Unlock()

	w.notify(Change{Kind: ChangeAdd, Code: p.Code})
	return out
}

// update runs fn on the item with code under the write lock and notifies
// listeners when fn succeeds.
func (w *Workspace) update(code string, kind ChangeKind, fn func(*Item) error) error {
	w.mu.Lock()
	i, ok := w.index[code]
	if !ok {
		w.mu.Unlock()
		return errors.Wrap(ErrProductNotFound, code)
	}
	if err := fn(&w.items[i]); err != nil {
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()

	w.notify(Change{Kind: kind, Code: code})
	return nil
}

// SetQuantity sets the quantity of the item with code.
func (w *Workspace) SetQuantity(code string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return w.update(code, ChangeQuantity, func(it *Item) error {
		it.Quantity = qty
		return nil
	})
}

// SetPrice records the price a competitor charges for the item with code.
// Zero is accepted and means "priced at nothing", which the comparison
// engine treats like a missing price.
func (w *Workspace) SetPrice(code, competitor string, price decimal.Decimal) error {
	competitor = strings.TrimSpace(competitor)
	if competitor == "" {
		return ErrEmptyCompetitor
	}
	if price.IsNegative() {
		return ErrInvalidPrice
	}
	return w.update(code, ChangePrice, func(it *Item) error {
		if it.Prices == nil {
			it.Prices = make(map[string]decimal.Decimal)
		}
		it.Prices[competitor] = price
		return nil
	})
}

// ClearPrice removes the competitor's price for the item with code.
func (w *Workspace) ClearPrice(code, competitor string) error {
	return w.update(code, ChangePrice, func(it *Item) error {
		delete(it.Prices, strings.TrimSpace(competitor))
		return nil
	})
}

// SetSuggestedPrice sets the suggested price of the item with code. A nil
// price clears it.
func (w *Workspace) SetSuggestedPrice(code string, price *decimal.Decimal) error {
	if price != nil && price.IsNegative() {
		return ErrInvalidPrice
	}
	return w.update(code, ChangeSuggested, func(it *Item) error {
		if price == nil {
			it.SuggestedPrice = nil
			return nil
		}
		p := *price
		it.SuggestedPrice = &p
		return nil
	})
}

// SetNotes replaces the free-text notes of the item with code.
func (w *Workspace) SetNotes(code, notes string) error {
	return w.update(code, ChangeNotes, func(it *Item) error {
		it.Notes = notes
		return nil
	})
}

// Remove deletes the item with code.
func (w *Workspace) Remove(code string) error {
	w.mu.Lock()
	i, ok := w.index[code]
	if !ok {
		w.mu.Unlock()
		return errors.Wrap(ErrProductNotFound, code)
	}
	w.items = append(w.items[:i], w.items[i+1:]...)
	delete(w.index, code)
	for j := i; j < len(w.items); j++ {
		w.index[w.items[j].Code] = j
	}
	w.mu.Unlock()

	w.notify(Change{Kind: ChangeRemove, Code: code})
	return nil
}

// SetForm replaces the form fields.
func (w *Workspace) SetForm(f FormFields) {
	w.mu.Lock()
	w.form = f.Clone()
	w.mu.Unlock()

	w.notify(Change{Kind: ChangeForm})
}

// Reset clears all items and form fields.
func (w *Workspace) Reset() {
	w.mu.Lock()
	w.items = nil
	w.index = make(map[string]int)
	w.form = FormFields{}
	w.mu.Unlock()

	w.notify(Change{Kind: ChangeReset})
}

// Items returns deep copies of the items in insertion order.
func (w *Workspace) Items() []Item {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Item, len(w.items))
	for i, it := range w.items {
		out[i] = it.Clone()
	}
	return out
}

// Item returns a copy of the item with code.
func (w *Workspace) Item(code string) (Item, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	i, ok := w.index[code]
	if !ok {
		return Item{}, false
	}
	return w.items[i].Clone(), true
}

// Len returns the number of distinct items.
func (w *Workspace) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.items)
}

// Form returns a copy of the form fields.
func (w *Workspace) Form() FormFields {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.form.Clone()
}

// CompetitorNames returns the competitor columns, base competitor first.
func (w *Workspace) CompetitorNames() []string {
	return w.Form().CompetitorNames()
}
