package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trailbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. A row is
// inserted when a position enters protection and rewritten with the final
// protective state on close, so the table is a durable history that outlives
// the in-memory registry and its snapshot file.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, direction, entry_price, quantity,
	initial_quantity, leverage, stop_loss_price, take_profit_price,
	highest_price, lowest_price, last_price, trailing_active,
	trailing_stop_price, variant, params, partial_tp_levels, step_index,
	sar, sar_af, state, close_reason, exit_price, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p           domain.Position
		direction   string
		variant     string
		state       string
		closeReason *string
		paramsJSON  []byte
		levelsJSON  []byte
	)

	err := row.Scan(
		&p.ID, &p.Symbol, &direction, &p.EntryPrice, &p.Quantity,
		&p.InitialQuantity, &p.Leverage, &p.StopLossPrice, &p.TakeProfitPrice,
		&p.HighestPrice, &p.LowestPrice, &p.LastPrice, &p.TrailingActive,
		&p.TrailingStopPrice, &variant, &paramsJSON, &levelsJSON, &p.StepIndex,
		&p.SAR, &p.SARAF, &state, &closeReason, &p.ExitPrice, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Direction = domain.Direction(direction)
	p.Variant = domain.VariantKind(variant)
	p.State = domain.PositionState(state)
	if closeReason != nil {
		p.CloseReason = domain.CloseReason(*closeReason)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &p.Params); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(levelsJSON) > 0 {
		if err := json.Unmarshal(levelsJSON, &p.PartialTPLevels); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal partial levels: %w", err)
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func marshalProtective(p domain.Position) (paramsJSON, levelsJSON []byte, err error) {
	paramsJSON, err = json.Marshal(p.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal params: %w", err)
	}
	if p.PartialTPLevels != nil {
		levelsJSON, err = json.Marshal(p.PartialTPLevels)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal partial levels: %w", err)
		}
	}
	return paramsJSON, levelsJSON, nil
}

// Insert records a newly registered position.
func (s *PositionStore) Insert(ctx context.Context, p domain.Position) error {
	paramsJSON, levelsJSON, err := marshalProtective(p)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, symbol, direction, entry_price, quantity,
			initial_quantity, leverage, stop_loss_price, take_profit_price,
			highest_price, lowest_price, last_price, trailing_active,
			trailing_stop_price, variant, params, partial_tp_levels, step_index,
			sar, sar_af, state, close_reason, exit_price, opened_at, closed_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25,
			NOW()
		)`

	var closeReason *string
	if p.CloseReason != "" {
		cr := string(p.CloseReason)
		closeReason = &cr
	}

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Direction), p.EntryPrice, p.Quantity,
		p.InitialQuantity, p.Leverage, p.StopLossPrice, p.TakeProfitPrice,
		p.HighestPrice, p.LowestPrice, p.LastPrice, p.TrailingActive,
		p.TrailingStopPrice, string(p.Variant), paramsJSON, levelsJSON, p.StepIndex,
		p.SAR, p.SARAF, string(p.State), closeReason, p.ExitPrice, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}
	return nil
}

// MarkClosed rewrites the mutable protective fields with the position's final
// state. The row keeps its registration-time identity columns.
func (s *PositionStore) MarkClosed(ctx context.Context, p domain.Position) error {
	paramsJSON, levelsJSON, err := marshalProtective(p)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", p.ID, err)
	}

	const query = `
		UPDATE positions SET
			quantity            = $2,
			highest_price       = $3,
			lowest_price        = $4,
			last_price          = $5,
			trailing_active     = $6,
			trailing_stop_price = $7,
			params              = $8,
			partial_tp_levels   = $9,
			step_index          = $10,
			sar                 = $11,
			sar_af              = $12,
			state               = $13,
			close_reason        = $14,
			exit_price          = $15,
			closed_at           = $16,
			updated_at          = NOW()
		WHERE id = $1`

	var closeReason *string
	if p.CloseReason != "" {
		cr := string(p.CloseReason)
		closeReason = &cr
	}

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Quantity,
		p.HighestPrice, p.LowestPrice, p.LastPrice,
		p.TrailingActive, p.TrailingStopPrice,
		paramsJSON, levelsJSON, p.StepIndex,
		p.SAR, p.SARAF,
		string(p.State), closeReason, p.ExitPrice, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListClosed returns closed positions, newest first, optionally filtered by
// symbol and close-time range.
func (s *PositionStore) ListClosed(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE state = 'CLOSED'`
	args := []any{}
	argIdx := 1

	if symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", argIdx)
		args = append(args, symbol)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions whose close time is before the
// cutoff, oldest first, for archival.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state = 'CLOSED' AND closed_at < $1
		 ORDER BY closed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions before cutoff: %w", err)
	}
	return positions, nil
}

// Count returns the total number of persisted positions.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
