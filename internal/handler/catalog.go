package handler

import (
	"net/http"
	"strconv"

	"github.com/xenking/pricecompare/internal/domain/catalog"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

func (h *Handler) searchCatalog(w http.ResponseWriter, r *http.Request) {
	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	c := h.catalogs.Catalog()
	var products []catalog.Product
	if q := r.URL.Query().Get("q"); q != "" {
		products = c.Search(q, limit)
	} else {
		products = c.Products()
		products = products[:min(limit, len(products))]
	}
	if products == nil {
		products = []catalog.Product{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"total":     c.Len(),
		"productos": products,
	})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := h.catalogs.Catalog().Lookup(r.PathValue("code"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "product not found")
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}
