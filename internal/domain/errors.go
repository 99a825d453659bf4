package domain

import "errors"

// Sentinel errors shared across layers. Wrap these with fmt.Errorf("...: %w")
// so callers can match with errors.Is.
var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPositionNotFound indicates an unknown position id.
	ErrPositionNotFound = errors.New("position not found")

	// ErrPositionClosed indicates an operation on a position that already
	// reached the terminal CLOSED state.
	ErrPositionClosed = errors.New("position already closed")

	// ErrInvalidDirection indicates a direction outside {LONG, SHORT}.
	ErrInvalidDirection = errors.New("invalid direction")

	// ErrInvalidSymbol indicates an empty or malformed trading symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInvalidPrice indicates a non-positive or non-finite price.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidStopPlacement indicates a stop loss on the profit side of the
	// entry price for the given direction.
	ErrInvalidStopPlacement = errors.New("stop loss on wrong side of entry")

	// ErrInvalidTargetPlacement indicates a take profit on the loss side of
	// the entry price for the given direction.
	ErrInvalidTargetPlacement = errors.New("take profit on wrong side of entry")

	// ErrInvalidPartialLevels indicates partial take-profit fractions that
	// sum above 1.0 or levels that are not direction-consistent.
	ErrInvalidPartialLevels = errors.New("invalid partial take-profit levels")

	// ErrUnknownVariant indicates an unrecognized stop-strategy variant.
	ErrUnknownVariant = errors.New("unknown stop-strategy variant")

	// ErrInvalidVariantParams indicates variant tuning that fails validation
	// (non-positive thresholds, unordered step ladder, and similar).
	ErrInvalidVariantParams = errors.New("invalid variant parameters")

	// ErrInsufficientHistory indicates the estimator does not yet hold
	// enough candles for the requested computation.
	ErrInsufficientHistory = errors.New("insufficient candle history")

	// ErrSnapshotStale indicates a persisted snapshot older than the
	// configured staleness bound.
	ErrSnapshotStale = errors.New("snapshot is stale")

	// ErrRateLimited indicates a request was throttled.
	ErrRateLimited = errors.New("rate limited")

	// ErrWSDisconnect indicates the websocket connection dropped.
	ErrWSDisconnect = errors.New("websocket disconnected")

	// ErrLockHeld indicates a distributed lock is held by another instance.
	ErrLockHeld = errors.New("lock already held")
)
