package handler

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/pricecompare/internal/domain/workspace"
)

type workspaceResponse struct {
	Items       []workspace.Item     `json:"items"`
	Competitors []string             `json:"competidores"`
	Form        workspace.FormFields `json:"form"`
}

func (h *Handler) getWorkspace(w http.ResponseWriter, r *http.Request) {
	items := h.ws.Items()
	competitors := h.ws.CompetitorNames()
	if competitors == nil {
		competitors = []string{}
	}
	writeJSON(w, r, http.StatusOK, workspaceResponse{
		Items:       items,
		Competitors: competitors,
		Form:        h.ws.Form(),
	})
}

func (h *Handler) resetWorkspace(w http.ResponseWriter, r *http.Request) {
	h.backend.Touch()
	h.ws.Reset()
	h.snapshots.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type addItemRequest struct {
	Code string `json:"codigo"`
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "codigo is required")
		return
	}
	p, ok := h.catalogs.Catalog().Lookup(code)
	if !ok {
		writeError(w, r, http.StatusNotFound, "product not in catalog")
		return
	}

	h.backend.Touch()
	writeJSON(w, r, http.StatusCreated, h.ws.Add(p))
}

// optionalDecimal tells an absent field from an explicit null.
type optionalDecimal struct {
	Set   bool
	Value *decimal.Decimal
}

func (o *optionalDecimal) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(b, []byte("null")) {
		o.Value = nil
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	o.Value = &d
	return nil
}

// itemPatch lists the fields to change. A null price clears it.
type itemPatch struct {
	Quantity       *int                        `json:"cantidad"`
	Notes          *string                     `json:"notas"`
	Prices         map[string]*decimal.Decimal `json:"precios"`
	SuggestedPrice optionalDecimal             `json:"precio_sugerido"`
}

// validate applies the workspace rules to every field up front so a
// rejected patch leaves the item untouched.
func (p itemPatch) validate() error {
	if p.Quantity != nil && *p.Quantity <= 0 {
		return workspace.ErrInvalidQuantity
	}
	for competitor, price := range p.Prices {
		if price == nil {
			continue
		}
		if strings.TrimSpace(competitor) == "" {
			return workspace.ErrEmptyCompetitor
		}
		if price.IsNegative() {
			return workspace.ErrInvalidPrice
		}
	}
	if p.SuggestedPrice.Set && p.SuggestedPrice.Value != nil && p.SuggestedPrice.Value.IsNegative() {
		return workspace.ErrInvalidPrice
	}
	return nil
}

func (h *Handler) patchItem(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	var req itemPatch
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.ws.Item(code); !ok {
		writeError(w, r, http.StatusNotFound, workspace.ErrProductNotFound.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.backend.Touch()

	if req.Quantity != nil {
		if err := h.ws.SetQuantity(code, *req.Quantity); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	if req.Notes != nil {
		if err := h.ws.SetNotes(code, *req.Notes); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	for competitor, price := range req.Prices {
		var err error
		if price == nil {
			err = h.ws.ClearPrice(code, competitor)
		} else {
			err = h.ws.SetPrice(code, competitor, *price)
		}
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	if req.SuggestedPrice.Set {
		if err := h.ws.SetSuggestedPrice(code, req.SuggestedPrice.Value); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	it, _ := h.ws.Item(code)
	writeJSON(w, r, http.StatusOK, it)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.Remove(r.PathValue("code")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.backend.Touch()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putForm(w http.ResponseWriter, r *http.Request) {
	var form workspace.FormFields
	if err := decodeBody(w, r, &form); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h.backend.Touch()
	h.ws.SetForm(form)
	writeJSON(w, r, http.StatusOK, h.ws.Form())
}
