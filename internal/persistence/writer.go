package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"DexIndexer/internal/model"
	"DexIndexer/internal/observability"
)

// Writer applies reconciled batches to Postgres. Each batch is one
// transaction: every entity in it becomes visible together or not at all,
// and the corresponding cursor advance is only permitted afterwards.
// Re-applying a batch after a crash before cursor advancement is a no-op:
// offer upserts are guarded by last_modified_ledger, trade and pool inserts
// by ON CONFLICT DO NOTHING on their natural keys.
type Writer struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewWriter(db *sql.DB, metrics *observability.Metrics) *Writer {
	return &Writer{db: db, metrics: metrics}
}

// WriteBatch durably applies one batch. Any failure rolls the whole batch
// back and surfaces as *model.PersistenceError; the cycle retries it whole.
func (w *Writer) WriteBatch(ctx context.Context, batch *model.Batch) error {
	if batch.Empty() {
		return nil
	}

	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.fail("begin", err)
	}
	defer tx.Rollback()

	if err := w.upsertAssets(ctx, tx, batch); err != nil {
		return w.fail("assets", err)
	}
	if err := w.upsertOffers(ctx, tx, batch.Offers); err != nil {
		return w.fail("offers", err)
	}
	if err := w.removeOffers(ctx, tx, batch.RemovedOfferIDs); err != nil {
		return w.fail("offer_removals", err)
	}
	if err := w.insertTrades(ctx, tx, batch.Trades); err != nil {
		return w.fail("trades", err)
	}
	if err := w.insertPools(ctx, tx, batch.Pools); err != nil {
		return w.fail("pools", err)
	}

	if err := tx.Commit(); err != nil {
		return w.fail("commit", err)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(batch.Size()))
		w.metrics.PersistWrites.WithLabelValues(batch.Stream).Add(float64(batch.Size()))
	}

	return nil
}

// LoadOpenOffers returns every resting offer in the durable book. The
// ingestion loop rehydrates its in-memory view from this at startup, so a
// restart does not forget offers persisted by a previous process.
func (w *Writer) LoadOpenOffers(ctx context.Context) ([]*model.Offer, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT o.offer_id, o.seller,
		       sa.asset_type, sa.asset_code, sa.asset_issuer,
		       ba.asset_type, ba.asset_code, ba.asset_issuer,
		       o.amount::text, o.price_n, o.price_d, o.last_modified_ledger, o.paging_token
		FROM sdex_offers o
		JOIN assets sa ON sa.asset_key = o.selling_asset
		JOIN assets ba ON ba.asset_key = o.buying_asset
		ORDER BY o.offer_id
	`)
	if err != nil {
		return nil, w.fail("load_offers", err)
	}
	defer rows.Close()

	var offers []*model.Offer
	for rows.Next() {
		var (
			o              model.Offer
			sc, si, bc, bi sql.NullString
			amount         string
			ledger         int64
		)
		if err := rows.Scan(
			&o.ID, &o.Seller,
			&o.Selling.Type, &sc, &si,
			&o.Buying.Type, &bc, &bi,
			&amount, &o.Price.N, &o.Price.D, &ledger, &o.PagingToken,
		); err != nil {
			return nil, w.fail("load_offers", err)
		}
		o.Selling.Code, o.Selling.Issuer = sc.String, si.String
		o.Buying.Code, o.Buying.Issuer = bc.String, bi.String
		if o.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, w.fail("load_offers", err)
		}
		o.LastModifiedLedger = uint32(ledger)
		offers = append(offers, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, w.fail("load_offers", err)
	}
	return offers, nil
}

func (w *Writer) fail(op string, err error) error {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
	return &model.PersistenceError{Op: op, Err: err}
}

// upsertAssets registers every asset referenced by the batch so reads never
// observe a dangling asset key.
func (w *Writer) upsertAssets(ctx context.Context, tx *sql.Tx, batch *model.Batch) error {
	seen := make(map[string]model.Asset)
	add := func(a model.Asset) { seen[a.Key()] = a }

	for _, o := range batch.Offers {
		add(o.Selling)
		add(o.Buying)
	}
	for _, t := range batch.Trades {
		add(t.BaseAsset)
		add(t.CounterAsset)
	}
	for _, p := range batch.Pools {
		add(p.AssetA)
		add(p.AssetB)
	}

	if len(seen) == 0 {
		return nil
	}

	values := make([]string, 0, len(seen))
	args := make([]interface{}, 0, len(seen)*4)
	i := 0
	for key, a := range seen {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, key, a.Type, nullable(a.Code), nullable(a.Issuer))
		i++
	}

	query := `INSERT INTO assets (asset_key, asset_type, asset_code, asset_issuer) VALUES ` +
		strings.Join(values, ", ") +
		` ON CONFLICT (asset_key) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// upsertOffers writes offers with a ledger-sequence guard: a row is only
// replaced when the incoming last_modified_ledger is strictly greater, so
// replays from an old cursor cannot roll the book back.
func (w *Writer) upsertOffers(ctx context.Context, tx *sql.Tx, offers []*model.Offer) error {
	if len(offers) == 0 {
		return nil
	}

	values := make([]string, 0, len(offers))
	args := make([]interface{}, 0, len(offers)*9)

	for i, o := range offers {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			o.ID, o.Seller, o.Selling.Key(), o.Buying.Key(),
			o.Amount.String(), o.Price.N, o.Price.D,
			int64(o.LastModifiedLedger), o.PagingToken,
		)
	}

	query := `INSERT INTO sdex_offers
		(offer_id, seller, selling_asset, buying_asset, amount, price_n, price_d, last_modified_ledger, paging_token)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (offer_id) DO UPDATE SET
			seller = EXCLUDED.seller,
			selling_asset = EXCLUDED.selling_asset,
			buying_asset = EXCLUDED.buying_asset,
			amount = EXCLUDED.amount,
			price_n = EXCLUDED.price_n,
			price_d = EXCLUDED.price_d,
			last_modified_ledger = EXCLUDED.last_modified_ledger,
			paging_token = EXCLUDED.paging_token,
			updated_at = NOW()
		WHERE EXCLUDED.last_modified_ledger > sdex_offers.last_modified_ledger`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) removeOffers(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	_, err := tx.ExecContext(ctx,
		`DELETE FROM sdex_offers WHERE offer_id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	return err
}

func (w *Writer) insertTrades(ctx context.Context, tx *sql.Tx, trades []*model.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*11)

	for i, t := range trades {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			t.ID, t.BaseAsset.Key(), t.CounterAsset.Key(),
			t.BaseAmount.String(), t.CounterAmount.String(),
			t.Price.N, t.Price.D, t.BaseIsSeller,
			int64(t.Ledger), t.ClosedAt, t.PagingToken,
		)
	}

	query := `INSERT INTO sdex_trades
		(trade_id, base_asset, counter_asset, base_amount, counter_amount, price_n, price_d, base_is_seller, ledger_seq, closed_at, paging_token)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (trade_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) insertPools(ctx context.Context, tx *sql.Tx, pools []*model.PoolSnapshot) error {
	if len(pools) == 0 {
		return nil
	}

	values := make([]string, 0, len(pools))
	args := make([]interface{}, 0, len(pools)*10)

	for i, p := range pools {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			p.PoolID, p.AssetA.Key(), p.AssetB.Key(),
			p.ReserveA.String(), p.ReserveB.String(),
			p.TotalShares.String(), p.FeeBP,
			int64(p.Ledger), p.PagingToken, time.Now().UTC(),
		)
	}

	// Append-only history; exact (pool_id, ledger_seq) replays are dropped.
	query := `INSERT INTO pool_snapshots
		(pool_id, asset_a, asset_b, reserve_a, reserve_b, total_shares, fee_bp, ledger_seq, paging_token, observed_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (pool_id, ledger_seq) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
