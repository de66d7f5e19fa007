package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Price is an exact rational price (numerator/denominator) as reported by the
// upstream ledger. Never converted through a binary float.
type Price struct {
	N int32
	D int32
}

// Decimal renders the price as an exact decimal quotient at the given scale.
func (p Price) Decimal(scale int32) decimal.Decimal {
	return decimal.New(int64(p.N), 0).DivRound(decimal.New(int64(p.D), 0), scale)
}

// EntityKind discriminates normalized entities flowing through the pipeline.
type EntityKind int32

const (
	KindOffer EntityKind = iota + 1
	KindTrade
	KindPoolSnapshot
)

// Entity is implemented by every normalized record the reconciler can apply.
type Entity interface {
	Kind() EntityKind
	// LedgerSeq is the consensus round the record was observed at; the
	// authoritative ordering key for reconciliation.
	LedgerSeq() uint32
}

// Offer is a resting order on the on-chain order book.
type Offer struct {
	ID                 int64
	Seller             string
	Selling            Asset
	Buying             Asset
	Amount             decimal.Decimal
	Price              Price
	LastModifiedLedger uint32
	PagingToken        string
}

func (o *Offer) Kind() EntityKind  { return KindOffer }
func (o *Offer) LedgerSeq() uint32 { return o.LastModifiedLedger }

// Closed reports whether the offer has left the book: a remaining amount of
// zero is a removal, not a zero-size rest order.
func (o *Offer) Closed() bool {
	return o.Amount.IsZero()
}

// Trade is an executed fill between two assets, append-only.
type Trade struct {
	ID            string
	BaseAsset     Asset
	CounterAsset  Asset
	BaseAmount    decimal.Decimal
	CounterAmount decimal.Decimal
	Price         Price
	BaseIsSeller  bool
	Ledger        uint32
	ClosedAt      time.Time
	PagingToken   string
}

func (t *Trade) Kind() EntityKind  { return KindTrade }
func (t *Trade) LedgerSeq() uint32 { return t.Ledger }

// PoolSnapshot is a liquidity-pool observation at one ledger. Snapshots are
// append-only versioned records; the current state for a pool id is the
// snapshot with the maximum ledger sequence.
type PoolSnapshot struct {
	PoolID      string
	AssetA      Asset
	AssetB      Asset
	ReserveA    decimal.Decimal
	ReserveB    decimal.Decimal
	TotalShares decimal.Decimal
	FeeBP       int32
	Ledger      uint32
	PagingToken string
}

func (p *PoolSnapshot) Kind() EntityKind  { return KindPoolSnapshot }
func (p *PoolSnapshot) LedgerSeq() uint32 { return p.Ledger }
