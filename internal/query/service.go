// Package query serves read-only views over the persisted order book, pool
// history, and trade log. Responses always carry the stream's committed
// cursor ledger (as_of_ledger) plus a provisional flag so consumers can see
// freshness instead of getting an error during transient trouble.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"DexIndexer/internal/model"
)

// StateSource reports the live lifecycle state of an ingestion stream.
// Implemented by the ingestion runners; reads are lock-free.
type StateSource interface {
	StreamState(stream string) (state string, provisional bool)
}

// Service answers queries from Postgres plus the runners' live state.
type Service struct {
	db     *sql.DB
	states StateSource
}

func NewService(db *sql.DB, states StateSource) *Service {
	return &Service{db: db, states: states}
}

// OrderBook returns both sides of the book for an asset pair. Asks are
// offers selling the base asset, cheapest first; bids are the reverse
// offers, best (highest) first.
func (s *Service) OrderBook(ctx context.Context, selling, buying string) (*OrderBookResponse, error) {
	asOf, err := s.cursorLedger(ctx, model.StreamOffers)
	if err != nil {
		return nil, err
	}
	_, provisional := s.states.StreamState(model.StreamOffers)

	asks, err := s.bookSide(ctx, selling, buying, "ASC")
	if err != nil {
		return nil, fmt.Errorf("load asks: %w", err)
	}
	bids, err := s.bookSide(ctx, buying, selling, "DESC")
	if err != nil {
		return nil, fmt.Errorf("load bids: %w", err)
	}

	return &OrderBookResponse{
		Selling:     selling,
		Buying:      buying,
		Asks:        asks,
		Bids:        bids,
		AsOfLedger:  asOf,
		Provisional: provisional,
	}, nil
}

func (s *Service) bookSide(ctx context.Context, selling, buying, direction string) ([]OrderBookEntry, error) {
	// direction is one of the two fixed literals above, never user input.
	query := fmt.Sprintf(`
		SELECT offer_id, seller, amount, price_n, price_d, last_modified_ledger
		FROM sdex_offers
		WHERE selling_asset = $1 AND buying_asset = $2
		ORDER BY (price_n::numeric / price_d) %s, offer_id
	`, direction)

	rows, err := s.db.QueryContext(ctx, query, selling, buying)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OrderBookEntry
	for rows.Next() {
		var e OrderBookEntry
		if err := rows.Scan(
			&e.OfferID, &e.Seller, &e.Amount, &e.PriceN, &e.PriceD, &e.LastModifiedLedger,
		); err != nil {
			return nil, err
		}
		e.Price = model.Price{N: e.PriceN, D: e.PriceD}.Decimal(7).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Pool returns the latest snapshot for a pool id, or nil when unknown.
func (s *Service) Pool(ctx context.Context, poolID string) (*PoolResponse, error) {
	asOf, err := s.cursorLedger(ctx, model.StreamPools)
	if err != nil {
		return nil, err
	}
	_, provisional := s.states.StreamState(model.StreamPools)

	var p PoolResponse
	err = s.db.QueryRowContext(ctx, `
		SELECT pool_id, asset_a, asset_b, reserve_a, reserve_b, total_shares, fee_bp, ledger_seq, observed_at
		FROM pool_snapshots
		WHERE pool_id = $1
		ORDER BY ledger_seq DESC
		LIMIT 1
	`, poolID).Scan(
		&p.PoolID, &p.AssetA, &p.AssetB, &p.ReserveA, &p.ReserveB,
		&p.TotalShares, &p.FeeBP, &p.LedgerSeq, &p.ObservedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.AsOfLedger = asOf
	p.Provisional = provisional
	return &p, nil
}

// PoolHistory returns a pool's snapshot history, newest first.
func (s *Service) PoolHistory(ctx context.Context, poolID string, limit int) (*PoolHistoryResponse, error) {
	asOf, err := s.cursorLedger(ctx, model.StreamPools)
	if err != nil {
		return nil, err
	}
	_, provisional := s.states.StreamState(model.StreamPools)

	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, asset_a, asset_b, reserve_a, reserve_b, total_shares, fee_bp, ledger_seq, observed_at
		FROM pool_snapshots
		WHERE pool_id = $1
		ORDER BY ledger_seq DESC
		LIMIT $2
	`, poolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PoolHistoryResponse{
		PoolID:      poolID,
		AsOfLedger:  asOf,
		Provisional: provisional,
	}
	for rows.Next() {
		var p PoolResponse
		if err := rows.Scan(
			&p.PoolID, &p.AssetA, &p.AssetB, &p.ReserveA, &p.ReserveB,
			&p.TotalShares, &p.FeeBP, &p.LedgerSeq, &p.ObservedAt,
		); err != nil {
			return nil, err
		}
		resp.Snapshots = append(resp.Snapshots, p)
	}

	return resp, rows.Err()
}

// Trades returns a page of trades newest first. The cursor is the paging
// token of the last record of the previous page.
func (s *Service) Trades(ctx context.Context, limit int, cursor string) (*TradesResponse, error) {
	asOf, err := s.cursorLedger(ctx, model.StreamTrades)
	if err != nil {
		return nil, err
	}
	_, provisional := s.states.StreamState(model.StreamTrades)

	query := `
		SELECT trade_id, base_asset, counter_asset, base_amount, counter_amount,
		       price_n, price_d, base_is_seller, ledger_seq, closed_at, paging_token
		FROM sdex_trades
	`
	args := []interface{}{}
	if cursor != "" {
		// The public cursor stays the opaque paging token; resumption maps it
		// to the numeric sort key, since tokens compare lexicographically.
		query += ` WHERE (ledger_seq, trade_id) <
			(SELECT ledger_seq, trade_id FROM sdex_trades WHERE paging_token = $1)`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(" ORDER BY ledger_seq DESC, trade_id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &TradesResponse{AsOfLedger: asOf, Provisional: provisional}
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.TradeID, &t.BaseAsset, &t.CounterAsset, &t.BaseAmount, &t.CounterAmount,
			&t.PriceN, &t.PriceD, &t.BaseIsSeller, &t.LedgerSeq, &t.ClosedAt, &t.PagingToken,
		); err != nil {
			return nil, err
		}
		resp.Records = append(resp.Records, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(resp.Records) == limit && limit > 0 {
		resp.NextCursor = resp.Records[len(resp.Records)-1].PagingToken
	}
	return resp, nil
}

// Pairs lists actively quoted asset pairs with resting offer counts.
func (s *Service) Pairs(ctx context.Context) ([]PairResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT selling_asset, buying_asset, COUNT(*)
		FROM sdex_offers
		GROUP BY selling_asset, buying_asset
		ORDER BY COUNT(*) DESC, selling_asset, buying_asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []PairResponse
	for rows.Next() {
		var p PairResponse
		if err := rows.Scan(&p.Selling, &p.Buying, &p.OfferCount); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

// Streams reports each ingestion stream's state and committed cursor.
func (s *Service) Streams(ctx context.Context) ([]StreamStatus, error) {
	statuses := make([]StreamStatus, 0, len(model.Streams()))

	for _, stream := range model.Streams() {
		state, provisional := s.states.StreamState(stream)
		st := StreamStatus{
			Stream:      stream,
			State:       state,
			Provisional: provisional,
		}

		var token string
		var ledger int64
		err := s.db.QueryRowContext(ctx, `
			SELECT paging_token, ledger_seq, updated_at
			FROM ingest_cursors
			WHERE stream = $1
		`, stream).Scan(&token, &ledger, &st.UpdatedAt)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if err == nil {
			st.PagingToken = token
			st.CursorLedger = uint32(ledger)
		}

		statuses = append(statuses, st)
	}

	return statuses, nil
}

// cursorLedger returns the stream's committed cursor ledger, 0 when the
// stream has never advanced.
func (s *Service) cursorLedger(ctx context.Context, stream string) (uint32, error) {
	var ledger int64
	err := s.db.QueryRowContext(ctx, `
		SELECT ledger_seq FROM ingest_cursors WHERE stream = $1
	`, stream).Scan(&ledger)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint32(ledger), nil
}
