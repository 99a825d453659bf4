package handler

import (
	"context"
	"log/slog"
	"net/http"

	"trailbot/internal/domain"
)

// HistoryStore is the slice of the position store the history endpoint reads.
type HistoryStore interface {
	ListClosed(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Position, error)
}

// HistoryHandler serves closed-position history from the database.
type HistoryHandler struct {
	store  HistoryStore
	logger *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(store HistoryStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, logger: logger}
}

// ListHistory returns closed positions, newest first.
// GET /api/history?symbol=BTCUSDT&limit=50&offset=0&since=...&until=...
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	symbol := r.URL.Query().Get("symbol")

	positions, err := h.store.ListClosed(r.Context(), symbol, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: toPositionViews(positions),
	})
}
