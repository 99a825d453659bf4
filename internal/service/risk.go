// Package service holds the orchestration-layer services around the engine:
// pre-registration risk checks and startup reconciliation against the
// exchange.
package service

import (
	"fmt"
	"log/slog"

	"trailbot/internal/engine"
)

// RiskConfig holds the tunable limits for pre-registration checks.
type RiskConfig struct {
	// MaxPositions caps the number of simultaneously protected positions.
	MaxPositions int
	// MaxExposure caps total entry notional across all protected positions,
	// in quote currency.
	MaxExposure float64
	// MaxPositionNotional caps a single position's entry notional.
	MaxPositionNotional float64
	// DefaultRiskPercent is the per-trade equity risk used by
	// SuggestQuantity when the caller does not supply one.
	DefaultRiskPercent float64
}

// RiskService validates new registrations against configured limits and
// offers risk-based position sizing. The engine's registry is the source of
// truth for current exposure.
type RiskService struct {
	eng    *engine.Engine
	cfg    RiskConfig
	logger *slog.Logger
}

// NewRiskService creates a RiskService.
func NewRiskService(eng *engine.Engine, cfg RiskConfig, logger *slog.Logger) *RiskService {
	return &RiskService{
		eng:    eng,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// CheckRegistration validates a pending registration against the risk
// limits. It returns a non-nil error describing the first failed check.
//
// Checks performed:
//  1. Maximum number of protected positions
//  2. Single-position notional cap
//  3. Total exposure cap including the new position
func (s *RiskService) CheckRegistration(params engine.RegisterParams) error {
	// Check 1: max open positions.
	open := s.eng.ActiveCount()
	if s.cfg.MaxPositions > 0 && open >= s.cfg.MaxPositions {
		s.logger.Warn("max positions reached",
			slog.Int("open", open),
			slog.Int("max", s.cfg.MaxPositions),
		)
		return fmt.Errorf("risk: max positions reached (%d/%d)", open, s.cfg.MaxPositions)
	}

	// Check 2: single-position notional cap.
	notional := params.EntryPrice * params.Quantity
	if s.cfg.MaxPositionNotional > 0 && notional > s.cfg.MaxPositionNotional {
		s.logger.Warn("position notional exceeds limit",
			slog.String("symbol", params.Symbol),
			slog.Float64("notional", notional),
			slog.Float64("max", s.cfg.MaxPositionNotional),
		)
		return fmt.Errorf("risk: position notional %.2f exceeds max %.2f", notional, s.cfg.MaxPositionNotional)
	}

	// Check 3: total exposure cap.
	if s.cfg.MaxExposure > 0 {
		total := s.Exposure() + notional
		if total > s.cfg.MaxExposure {
			s.logger.Warn("total exposure exceeds limit",
				slog.Float64("exposure", total),
				slog.Float64("max", s.cfg.MaxExposure),
			)
			return fmt.Errorf("risk: total exposure %.2f exceeds max %.2f", total, s.cfg.MaxExposure)
		}
	}

	return nil
}

// Exposure returns the entry notional summed across all protected positions.
func (s *RiskService) Exposure() float64 {
	var total float64
	for _, pos := range s.eng.ListActivePositions() {
		total += pos.EntryPrice * pos.Quantity
	}
	return total
}

// SuggestQuantity sizes a position so that being stopped out at stop loses
// riskPercent of equity. riskPercent 0 falls back to the configured default.
// Returns 0 when the inputs cannot produce a meaningful size.
func (s *RiskService) SuggestQuantity(equity, riskPercent, entry, stop float64) float64 {
	if riskPercent <= 0 {
		riskPercent = s.cfg.DefaultRiskPercent
	}
	if equity <= 0 || riskPercent <= 0 || entry <= 0 {
		return 0
	}

	perUnitRisk := entry - stop
	if perUnitRisk < 0 {
		perUnitRisk = -perUnitRisk
	}
	if perUnitRisk == 0 {
		return 0
	}

	qty := equity * (riskPercent / 100) / perUnitRisk

	// Respect the per-position notional cap if one is set.
	if s.cfg.MaxPositionNotional > 0 && qty*entry > s.cfg.MaxPositionNotional {
		qty = s.cfg.MaxPositionNotional / entry
	}

	return qty
}
