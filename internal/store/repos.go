package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// SaveSignal upserts a generated signal
func (s *Store) SaveSignal(ctx context.Context, sessionID uuid.UUID, sig *domain.Signal) error {
	meta, err := json.Marshal(sig.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal signal meta: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO signals (id, session_id, symbol, side, strategy, entry, stop_loss, confidence, reason, meta, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		sig.ID, sessionID, sig.Symbol, string(sig.Side), string(sig.Strategy),
		sig.Entry, sig.StopLoss, sig.Confidence, sig.Reason, meta,
		time.UnixMilli(sig.Ts).UTC())
	if err != nil {
		return fmt.Errorf("failed to save signal %s: %w", sig.ID, err)
	}
	return nil
}

// SaveOrder upserts an order; repeated saves track fill progress
func (s *Store) SaveOrder(ctx context.Context, sessionID uuid.UUID, order *domain.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, session_id, client_id, exchange_id, symbol, side, type, qty, price,
		                     status, filled_qty, avg_fill_price, fees_usd, slippage_bps, reduce_only,
		                     intent, parent_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (id) DO UPDATE SET
			exchange_id = EXCLUDED.exchange_id,
			status = EXCLUDED.status,
			filled_qty = EXCLUDED.filled_qty,
			avg_fill_price = EXCLUDED.avg_fill_price,
			fees_usd = EXCLUDED.fees_usd,
			slippage_bps = EXCLUDED.slippage_bps,
			updated_at = EXCLUDED.updated_at`,
		order.ID, sessionID, order.ClientID, order.ExchangeID, order.Symbol,
		string(order.Side), string(order.Type), order.Qty, order.Price,
		string(order.Status), order.FilledQty, order.AvgFillPrice, order.FeesUSD,
		order.SlippageBps, order.ReduceOnly, string(order.Intent), order.ParentID,
		order.CreatedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	return nil
}

// SavePosition upserts a position's full management state
func (s *Store) SavePosition(ctx context.Context, sessionID uuid.UUID, pos *domain.Position) error {
	tps, err := json.Marshal(pos.TakeProfits)
	if err != nil {
		return fmt.Errorf("failed to marshal take profits: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (id, session_id, symbol, side, qty_open, initial_qty, entry_price,
		                        stop_loss, take_profits, realized_pnl_usd, realized_pnl_r, risk_usd,
		                        opened_at, mode, strategy, state, origin_signal_id, trail_anchor,
		                        breakeven_moved, adds_done, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 ON CONFLICT (id) DO UPDATE SET
			qty_open = EXCLUDED.qty_open,
			initial_qty = EXCLUDED.initial_qty,
			entry_price = EXCLUDED.entry_price,
			stop_loss = EXCLUDED.stop_loss,
			take_profits = EXCLUDED.take_profits,
			realized_pnl_usd = EXCLUDED.realized_pnl_usd,
			realized_pnl_r = EXCLUDED.realized_pnl_r,
			risk_usd = EXCLUDED.risk_usd,
			state = EXCLUDED.state,
			trail_anchor = EXCLUDED.trail_anchor,
			breakeven_moved = EXCLUDED.breakeven_moved,
			adds_done = EXCLUDED.adds_done,
			updated_at = EXCLUDED.updated_at`,
		pos.ID, sessionID, pos.Symbol, string(pos.Side), pos.QtyOpen, pos.InitialQty,
		pos.EntryPrice, pos.StopLoss, tps, pos.RealizedPnLUSD, pos.RealizedPnLR,
		pos.RiskUSD, pos.OpenedAt.UTC(), string(pos.Mode), string(pos.Strategy),
		string(pos.State), pos.OriginSignalID, pos.TrailAnchor, pos.BreakevenMoved,
		pos.AddsDone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.ID, err)
	}
	return nil
}

// OpenPositions returns every position not yet closed, for reload on
// startup
func (s *Store) OpenPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, side, qty_open, initial_qty, entry_price, stop_loss, take_profits,
		        realized_pnl_usd, realized_pnl_r, risk_usd, opened_at, mode, strategy, state,
		        origin_signal_id, trail_anchor, breakeven_moved, adds_done
		 FROM positions
		 WHERE state != 'closed'
		 ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read open positions: %w", err)
	}
	return out, nil
}

// rowScanner matches both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		pos      domain.Position
		side     string
		mode     string
		strategy string
		state    string
		tps      []byte
	)
	err := row.Scan(&pos.ID, &pos.Symbol, &side, &pos.QtyOpen, &pos.InitialQty,
		&pos.EntryPrice, &pos.StopLoss, &tps, &pos.RealizedPnLUSD, &pos.RealizedPnLR,
		&pos.RiskUSD, &pos.OpenedAt, &mode, &strategy, &state,
		&pos.OriginSignalID, &pos.TrailAnchor, &pos.BreakevenMoved, &pos.AddsDone)
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	pos.Side = domain.Side(side)
	pos.Mode = domain.TradingMode(mode)
	pos.Strategy = domain.Strategy(strategy)
	pos.State = domain.PositionState(state)
	if len(tps) > 0 {
		if err := json.Unmarshal(tps, &pos.TakeProfits); err != nil {
			return nil, fmt.Errorf("failed to decode take profits for %s: %w", pos.ID, err)
		}
	}
	return &pos, nil
}
