package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists protected positions: a row is inserted at
// registration and updated on close, giving a durable history independent of
// the in-memory registry and its snapshot file.
type PositionStore interface {
	Insert(ctx context.Context, pos Position) error
	MarkClosed(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListClosed(ctx context.Context, symbol string, opts ListOpts) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
	Count(ctx context.Context) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of protection actions,
// including exchange-close failures awaiting manual reconciliation.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
