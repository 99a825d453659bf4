package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
)

// ProtectionEngine is the slice of the engine the position endpoints drive.
type ProtectionEngine interface {
	RegisterPosition(params engine.RegisterParams) (string, error)
	ClosePosition(id string, reason domain.CloseReason) (*domain.Event, error)
	SetVariant(id string, kind domain.VariantKind, params domain.VariantParams) error
	GetPositionInfo(id string) (domain.Position, error)
	ListActivePositions() []domain.Position
}

// RegistrationChecker vets a registration against risk limits before it
// reaches the engine, and sizes positions for callers that leave the
// quantity to the service.
type RegistrationChecker interface {
	CheckRegistration(params engine.RegisterParams) error
	SuggestQuantity(equity, riskPercent, entry, stop float64) float64
}

// PositionRecorder persists registered positions for the history endpoints.
type PositionRecorder interface {
	Insert(ctx context.Context, pos domain.Position) error
}

// EventDispatcher fans a protection event out to persistence, notifications
// and websocket subscribers.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event)
}

// PositionHandler serves the position protection endpoints. risk, store and
// dispatcher may be nil; the engine is required.
type PositionHandler struct {
	eng        ProtectionEngine
	risk       RegistrationChecker
	store      PositionRecorder
	dispatcher EventDispatcher
	logger     *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(eng ProtectionEngine, risk RegistrationChecker, store PositionRecorder, dispatcher EventDispatcher, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		eng:        eng,
		risk:       risk,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// stepLevelRequest is one STEP ladder rung in a registration request.
type stepLevelRequest struct {
	ProfitPercent   float64 `json:"profit_percent"`
	CallbackPercent float64 `json:"callback_percent"`
}

// variantParamsRequest carries variant tuning in API requests. Only the
// fields relevant to the selected variant need to be set.
type variantParamsRequest struct {
	ActivationPercent float64 `json:"activation_percent,omitempty"`
	CallbackPercent   float64 `json:"callback_percent,omitempty"`

	ActivationAmount float64 `json:"activation_amount,omitempty"`
	CallbackAmount   float64 `json:"callback_amount,omitempty"`

	ATRActivationMult float64 `json:"atr_activation_mult,omitempty"`
	ATRMult           float64 `json:"atr_mult,omitempty"`

	Steps []stepLevelRequest `json:"steps,omitempty"`

	SARAFStart     float64 `json:"sar_af_start,omitempty"`
	SARAFStep      float64 `json:"sar_af_step,omitempty"`
	SARAFMax       float64 `json:"sar_af_max,omitempty"`
	SARSeedPercent float64 `json:"sar_seed_percent,omitempty"`
}

func (p variantParamsRequest) toDomain() domain.VariantParams {
	vp := domain.VariantParams{
		ActivationPercent: p.ActivationPercent,
		CallbackPercent:   p.CallbackPercent,
		ActivationAmount:  p.ActivationAmount,
		CallbackAmount:    p.CallbackAmount,
		ATRActivationMult: p.ATRActivationMult,
		ATRMult:           p.ATRMult,
		SARAFStart:        p.SARAFStart,
		SARAFStep:         p.SARAFStep,
		SARAFMax:          p.SARAFMax,
		SARSeedPercent:    p.SARSeedPercent,
	}
	for _, s := range p.Steps {
		vp.Steps = append(vp.Steps, domain.StepLevel{
			ProfitPercent:   s.ProfitPercent,
			CallbackPercent: s.CallbackPercent,
		})
	}
	return vp
}

// partialTPRequest is one take-profit rung in a registration request. Either
// trigger_price or trigger_percent must be set.
type partialTPRequest struct {
	TriggerPrice   float64 `json:"trigger_price,omitempty"`
	TriggerPercent float64 `json:"trigger_percent,omitempty"`
	Fraction       float64 `json:"fraction"`
}

// registerRequest is the body of POST /api/positions. Quantity may be
// omitted when equity and stop_loss_price are given; the risk service then
// sizes the position from risk_percent.
type registerRequest struct {
	Symbol          string               `json:"symbol"`
	Direction       string               `json:"direction"`
	EntryPrice      float64              `json:"entry_price"`
	Quantity        float64              `json:"quantity,omitempty"`
	Equity          float64              `json:"equity,omitempty"`
	RiskPercent     float64              `json:"risk_percent,omitempty"`
	Leverage        int                  `json:"leverage,omitempty"`
	StopLossPrice   *float64             `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64             `json:"take_profit_price,omitempty"`
	Variant         string               `json:"variant"`
	Params          variantParamsRequest `json:"params"`
	PartialTP       []partialTPRequest   `json:"partial_tp,omitempty"`
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns all positions currently under protection.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: toPositionViews(h.eng.ListActivePositions()),
	})
}

// GetPosition returns one position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	pos, err := h.eng.GetPositionInfo(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(pos))
}

// RegisterPosition places a position under protection.
// POST /api/positions
func (h *PositionHandler) RegisterPosition(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	quantity := req.Quantity
	if quantity <= 0 && h.risk != nil && req.Equity > 0 && req.StopLossPrice != nil {
		quantity = h.risk.SuggestQuantity(req.Equity, req.RiskPercent, req.EntryPrice, *req.StopLossPrice)
	}

	params := engine.RegisterParams{
		Symbol:          req.Symbol,
		Direction:       domain.Direction(req.Direction),
		EntryPrice:      req.EntryPrice,
		Quantity:        quantity,
		Leverage:        req.Leverage,
		StopLossPrice:   req.StopLossPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		Variant:         domain.VariantKind(req.Variant),
		Params:          req.Params.toDomain(),
	}
	for _, spec := range req.PartialTP {
		params.PartialTP = append(params.PartialTP, engine.PartialTPSpec{
			TriggerPrice:   spec.TriggerPrice,
			TriggerPercent: spec.TriggerPercent,
			Fraction:       spec.Fraction,
		})
	}

	if h.risk != nil {
		if err := h.risk.CheckRegistration(params); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	id, err := h.eng.RegisterPosition(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.eng.GetPositionInfo(id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read back registered position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to register position")
		return
	}

	// History is best effort. A dead database must never block protection.
	if h.store != nil {
		if err := h.store.Insert(r.Context(), pos); err != nil {
			h.logger.WarnContext(r.Context(), "handler: record registered position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusCreated, toPositionView(pos))
}

// closeResponse is the body returned by ClosePosition.
type closeResponse struct {
	Position positionView `json:"position"`
	Event    eventView    `json:"event"`
}

// ClosePosition manually closes a position at its last seen price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	ev, err := h.eng.ClosePosition(id, domain.CloseReasonManual)
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		if errors.Is(err, domain.ErrPositionClosed) {
			writeError(w, http.StatusConflict, "position already closed")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
		return
	}

	if h.dispatcher != nil {
		h.dispatcher.Dispatch(r.Context(), *ev)
	}

	pos, err := h.eng.GetPositionInfo(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		Position: toPositionView(pos),
		Event:    toEventView(*ev),
	})
}

// setVariantRequest is the body of PUT /api/positions/{id}/variant.
type setVariantRequest struct {
	Variant string               `json:"variant"`
	Params  variantParamsRequest `json:"params"`
}

// SetVariant switches the stop strategy of a live position.
// PUT /api/positions/{id}/variant
func (h *PositionHandler) SetVariant(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	var req setVariantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := h.eng.SetVariant(id, domain.VariantKind(req.Variant), req.Params.toDomain())
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		if errors.Is(err, domain.ErrPositionClosed) {
			writeError(w, http.StatusConflict, "position already closed")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.eng.GetPositionInfo(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(pos))
}
