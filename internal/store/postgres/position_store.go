package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Saves use
// optimistic concurrency: the incoming row's version must be exactly one
// ahead of the stored row, otherwise the save is rejected with
// domain.ErrVersionConflict.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, owner_id, symbol, side, leverage, entry_type, entry_price,
	take_profits, stop_loss_percent, breakeven_after, trailing, status,
	amount, original_amount, original_margin, current_price, unrealized_pnl,
	realized_pnl, final_pnl, breakeven_triggered, breakeven_stop,
	applied_order_ids, opened_at, closed_at, updated_at, version`

// LoadPositions returns every position belonging to an owner, newest first.
func (s *PositionStore) LoadPositions(ctx context.Context, ownerID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE owner_id = $1
		 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load positions for %s: %w", ownerID, err)
	}
	return positions, nil
}

// SavePosition upserts a position. New positions insert at version 1;
// updates must carry a version exactly one ahead of the stored row.
func (s *PositionStore) SavePosition(ctx context.Context, p domain.Position) error {
	levels, err := json.Marshal(p.TakeProfits)
	if err != nil {
		return fmt.Errorf("postgres: marshal take profits for %s: %w", p.ID, err)
	}
	trailing, err := json.Marshal(p.Trailing)
	if err != nil {
		return fmt.Errorf("postgres: marshal trailing for %s: %w", p.ID, err)
	}
	applied, err := json.Marshal(appliedList(p.AppliedOrderIDs))
	if err != nil {
		return fmt.Errorf("postgres: marshal applied orders for %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, owner_id, symbol, side, leverage, entry_type, entry_price,
			take_profits, stop_loss_percent, breakeven_after, trailing, status,
			amount, original_amount, original_margin, current_price, unrealized_pnl,
			realized_pnl, final_pnl, breakeven_triggered, breakeven_stop,
			applied_order_ids, opened_at, closed_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25, $26
		)
		ON CONFLICT (id) DO UPDATE SET
			entry_price         = EXCLUDED.entry_price,
			take_profits        = EXCLUDED.take_profits,
			stop_loss_percent   = EXCLUDED.stop_loss_percent,
			breakeven_after     = EXCLUDED.breakeven_after,
			trailing            = EXCLUDED.trailing,
			status              = EXCLUDED.status,
			amount              = EXCLUDED.amount,
			original_amount     = EXCLUDED.original_amount,
			original_margin     = EXCLUDED.original_margin,
			current_price       = EXCLUDED.current_price,
			unrealized_pnl      = EXCLUDED.unrealized_pnl,
			realized_pnl        = EXCLUDED.realized_pnl,
			final_pnl           = EXCLUDED.final_pnl,
			breakeven_triggered = EXCLUDED.breakeven_triggered,
			breakeven_stop      = EXCLUDED.breakeven_stop,
			applied_order_ids   = EXCLUDED.applied_order_ids,
			opened_at           = EXCLUDED.opened_at,
			closed_at           = EXCLUDED.closed_at,
			updated_at          = EXCLUDED.updated_at,
			version             = EXCLUDED.version
		WHERE positions.version = EXCLUDED.version - 1`

	var openedAt any
	if !p.OpenedAt.IsZero() {
		openedAt = p.OpenedAt
	}

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.Symbol, string(p.Side), p.Leverage, string(p.EntryType), p.EntryPrice,
		levels, p.StopLossPercent, p.BreakevenAfter, trailing, string(p.Status),
		p.Amount, p.OriginalAmount, p.OriginalMargin, p.CurrentPrice, p.UnrealizedPnL,
		p.RealizedPnL, p.FinalPnL, p.BreakevenTriggered, p.BreakevenStop,
		applied, openedAt, p.ClosedAt, p.UpdatedAt, p.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, domain.ErrVersionConflict)
	}
	return nil
}

// ListOwners returns the distinct owner IDs present in the store. Startup
// uses this to warm the in-memory book.
func (s *PositionStore) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT owner_id FROM positions ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("postgres: scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list owners: %w", err)
	}
	return owners, nil
}

// ListStoppedBefore returns stopped positions last updated before the
// cutoff. The archiver uses this to move cold rows to object storage.
func (s *PositionStore) ListStoppedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at`, string(domain.StatusStopped), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stopped before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list stopped: %w", err)
	}
	return positions, nil
}

// DeletePosition removes a position permanently.
func (s *PositionStore) DeletePosition(ctx context.Context, ownerID, positionID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE owner_id = $1 AND id = $2`, ownerID, positionID)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", positionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// scanPosition reads one row into a domain.Position.
func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p           domain.Position
		side        string
		entryType   string
		status      string
		levelsRaw   []byte
		trailingRaw []byte
		appliedRaw  []byte
		openedAt    *time.Time
	)

	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Symbol, &side, &p.Leverage, &entryType, &p.EntryPrice,
		&levelsRaw, &p.StopLossPercent, &p.BreakevenAfter, &trailingRaw, &status,
		&p.Amount, &p.OriginalAmount, &p.OriginalMargin, &p.CurrentPrice, &p.UnrealizedPnL,
		&p.RealizedPnL, &p.FinalPnL, &p.BreakevenTriggered, &p.BreakevenStop,
		&appliedRaw, &openedAt, &p.ClosedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if openedAt != nil {
		p.OpenedAt = *openedAt
	}

	p.Side = domain.Side(side)
	p.EntryType = domain.EntryType(entryType)
	p.Status = domain.PositionStatus(status)

	if err := json.Unmarshal(levelsRaw, &p.TakeProfits); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal take profits: %w", err)
	}
	if err := json.Unmarshal(trailingRaw, &p.Trailing); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal trailing: %w", err)
	}
	var applied []string
	if err := json.Unmarshal(appliedRaw, &applied); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal applied orders: %w", err)
	}
	for _, id := range applied {
		p.MarkFillApplied(id)
	}
	return p, nil
}

// appliedList renders the applied-order set as a sorted slice for stable
// JSON storage.
func appliedList(applied map[string]bool) []string {
	out := make([]string, 0, len(applied))
	for id := range applied {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
