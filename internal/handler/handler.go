// Package handler serves the local JSON API consumed by the UI layer.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/cache"
	"github.com/xenking/pricecompare/internal/catalogsync"
	"github.com/xenking/pricecompare/internal/domain/catalog"
	"github.com/xenking/pricecompare/internal/domain/workspace"
	"github.com/xenking/pricecompare/internal/status"
)

// Catalogs exposes the synchronized catalog.
type Catalogs interface {
	Catalog() *catalog.Catalog
	Status() catalogsync.Status
	Resync(ctx context.Context) (catalogsync.Update, error)
	Refresh(ctx context.Context) (catalogsync.Update, error)
}

// Backend exposes the remote backend status.
type Backend interface {
	Status() status.SyncStatus
	Touch()
}

// Snapshots deletes the persisted workspace.
type Snapshots interface {
	Clear(ctx context.Context)
}

// CacheStats reports cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

// Handler implements the local API over the catalog, the workspace and the
// sync components.
type Handler struct {
	catalogs  Catalogs
	ws        *workspace.Workspace
	backend   Backend
	snapshots Snapshots
	stats     CacheStats
}

// New creates a Handler.
func New(catalogs Catalogs, ws *workspace.Workspace, backend Backend, snapshots Snapshots, stats CacheStats) *Handler {
	return &Handler{
		catalogs:  catalogs,
		ws:        ws,
		backend:   backend,
		snapshots: snapshots,
		stats:     stats,
	}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/catalog", h.searchCatalog)
	mux.HandleFunc("GET /api/catalog/{code}", h.getProduct)

	mux.HandleFunc("GET /api/workspace", h.getWorkspace)
	mux.HandleFunc("DELETE /api/workspace", h.resetWorkspace)
	mux.HandleFunc("POST /api/workspace/items", h.addItem)
	mux.HandleFunc("PATCH /api/workspace/items/{code}", h.patchItem)
	mux.HandleFunc("DELETE /api/workspace/items/{code}", h.removeItem)
	mux.HandleFunc("PUT /api/workspace/form", h.putForm)

	mux.HandleFunc("GET /api/comparison", h.comparison)

	mux.HandleFunc("GET /api/sync/status", h.syncStatus)
	mux.HandleFunc("POST /api/sync", h.sync)
}

// Error is the JSON error body.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zctx.From(r.Context()).Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, r, code, Error{Code: code, Message: msg})
}

// writeDomainError maps workspace errors to client errors.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workspace.ErrProductNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, workspace.ErrInvalidQuantity),
		errors.Is(err, workspace.ErrInvalidPrice),
		errors.Is(err, workspace.ErrEmptyCompetitor):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	d := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}
