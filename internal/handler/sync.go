package handler

import (
	"net/http"

	"github.com/xenking/pricecompare/internal/cache"
	"github.com/xenking/pricecompare/internal/catalogsync"
	"github.com/xenking/pricecompare/internal/status"
)

type syncStatusResponse struct {
	Backend status.SyncStatus  `json:"backend"`
	Catalog catalogsync.Status `json:"catalog"`
	Cache   cache.Stats        `json:"cache"`
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, syncStatusResponse{
		Backend: h.backend.Status(),
		Catalog: h.catalogs.Status(),
		Cache:   h.stats.Stats(),
	})
}

// sync runs a resync, or a full refresh with ?force=true. A failed sync is
// reported with 502; the previously loaded catalog stays in place.
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	run := h.catalogs.Resync
	if r.URL.Query().Get("force") == "true" {
		run = h.catalogs.Refresh
	}
	u, err := run(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}
