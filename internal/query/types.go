package query

import "time"

// OrderBookEntry is one resting offer on a side of the book.
type OrderBookEntry struct {
	OfferID            int64  `json:"offer_id"`
	Seller             string `json:"seller"`
	Amount             string `json:"amount"`
	PriceN             int32  `json:"price_n"`
	PriceD             int32  `json:"price_d"`
	Price              string `json:"price"`
	LastModifiedLedger uint32 `json:"last_modified_ledger"`
}

// OrderBookResponse is the reconstructed book for one asset pair.
// Asks sell the base asset (ascending price), bids are offers on the
// opposite side quoted in base terms (descending price).
type OrderBookResponse struct {
	Selling     string           `json:"selling"`
	Buying      string           `json:"buying"`
	Asks        []OrderBookEntry `json:"asks"`
	Bids        []OrderBookEntry `json:"bids"`
	AsOfLedger  uint32           `json:"as_of_ledger"`
	Provisional bool             `json:"provisional"`
}

// PoolResponse is the current snapshot of one liquidity pool.
type PoolResponse struct {
	PoolID      string    `json:"pool_id"`
	AssetA      string    `json:"asset_a"`
	AssetB      string    `json:"asset_b"`
	ReserveA    string    `json:"reserve_a"`
	ReserveB    string    `json:"reserve_b"`
	TotalShares string    `json:"total_shares"`
	FeeBP       int32     `json:"fee_bp"`
	LedgerSeq   uint32    `json:"ledger_seq"`
	ObservedAt  time.Time `json:"observed_at"`
	AsOfLedger  uint32    `json:"as_of_ledger"`
	Provisional bool      `json:"provisional"`
}

// PoolHistoryResponse is an ordered slice of a pool's snapshot history.
type PoolHistoryResponse struct {
	PoolID      string         `json:"pool_id"`
	Snapshots   []PoolResponse `json:"snapshots"`
	AsOfLedger  uint32         `json:"as_of_ledger"`
	Provisional bool           `json:"provisional"`
}

// TradeRecord is one executed trade.
type TradeRecord struct {
	TradeID       string    `json:"trade_id"`
	BaseAsset     string    `json:"base_asset"`
	CounterAsset  string    `json:"counter_asset"`
	BaseAmount    string    `json:"base_amount"`
	CounterAmount string    `json:"counter_amount"`
	PriceN        int32     `json:"price_n"`
	PriceD        int32     `json:"price_d"`
	BaseIsSeller  bool      `json:"base_is_seller"`
	LedgerSeq     uint32    `json:"ledger_seq"`
	ClosedAt      time.Time `json:"closed_at"`
	PagingToken   string    `json:"paging_token"`
}

// TradesResponse is a page of trades with a resume cursor.
type TradesResponse struct {
	Records     []TradeRecord `json:"records"`
	NextCursor  string        `json:"next_cursor,omitempty"`
	AsOfLedger  uint32        `json:"as_of_ledger"`
	Provisional bool          `json:"provisional"`
}

// PairResponse is one actively quoted asset pair.
type PairResponse struct {
	Selling    string `json:"selling"`
	Buying     string `json:"buying"`
	OfferCount int    `json:"offer_count"`
}

// StreamStatus describes one ingestion stream's lifecycle state.
type StreamStatus struct {
	Stream       string    `json:"stream"`
	State        string    `json:"state"`
	Provisional  bool      `json:"provisional"`
	CursorLedger uint32    `json:"cursor_ledger"`
	PagingToken  string    `json:"paging_token,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}
