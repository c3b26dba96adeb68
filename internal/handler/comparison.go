package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/comparison"
)

func (h *Handler) comparison(w http.ResponseWriter, r *http.Request) {
	competitors := h.ws.CompetitorNames()
	rows := comparison.ComputeRows(h.ws.Items(), competitors)
	summary := comparison.ComputeSummary(rows, competitors)

	var e jx.Encoder
	comparison.Encode(&e, rows, competitors, summary)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(e.Bytes()); err != nil {
		zctx.From(r.Context()).Warn("Failed to write comparison", zap.Error(err))
	}
}
