package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"trailbot/internal/domain"
)

// VolatilityReader is the slice of the estimator the volatility endpoint
// reads.
type VolatilityReader interface {
	ATR(symbol string) (float64, error)
	Regime(symbol string) domain.Regime
	Window(symbol string) []domain.Candle
	Period() int
}

// VolatilityHandler serves per-symbol volatility readings.
type VolatilityHandler struct {
	estimator VolatilityReader
	logger    *slog.Logger
}

// NewVolatilityHandler creates a VolatilityHandler.
func NewVolatilityHandler(estimator VolatilityReader, logger *slog.Logger) *VolatilityHandler {
	return &VolatilityHandler{estimator: estimator, logger: logger}
}

// volatilityResponse reports the estimator state for one symbol. ATR is null
// until the candle window is long enough.
type volatilityResponse struct {
	Symbol  string   `json:"symbol"`
	ATR     *float64 `json:"atr"`
	Regime  string   `json:"regime"`
	Candles int      `json:"candles"`
	Period  int      `json:"period"`
}

// GetVolatility returns the current ATR and regime reading for a symbol.
// GET /api/symbols/{symbol}/volatility
func (h *VolatilityHandler) GetVolatility(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	resp := volatilityResponse{
		Symbol:  symbol,
		Regime:  string(h.estimator.Regime(symbol)),
		Candles: len(h.estimator.Window(symbol)),
		Period:  h.estimator.Period(),
	}

	atr, err := h.estimator.ATR(symbol)
	switch {
	case err == nil:
		resp.ATR = &atr
	case errors.Is(err, domain.ErrInsufficientHistory):
		// Not an error: the window simply has not filled yet.
	default:
		h.logger.ErrorContext(r.Context(), "handler: volatility read failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read volatility")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
