// Package normalize converts raw upstream JSON records into canonical
// entities. All functions are pure: no I/O, no retained state. Malformed
// records come back as *model.ValidationError carrying a payload fingerprint;
// well-formed-but-unexpected values are error kinds, never panics.
package normalize

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"DexIndexer/internal/model"
)

// Wire formats as delivered by the upstream ledger API. Amounts and prices
// are string-encoded decimals; they are parsed with shopspring/decimal so no
// binary-floating intermediate ever touches them.

type assetJSON struct {
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code"`
	AssetIssuer string `json:"asset_issuer"`
}

type priceRJSON struct {
	N int32 `json:"n"`
	D int32 `json:"d"`
}

type offerJSON struct {
	ID                 string      `json:"id"`
	PagingToken        string      `json:"paging_token"`
	Seller             string      `json:"seller"`
	Selling            *assetJSON  `json:"selling"`
	Buying             *assetJSON  `json:"buying"`
	Amount             *string     `json:"amount"`
	PriceR             *priceRJSON `json:"price_r"`
	LastModifiedLedger uint32      `json:"last_modified_ledger"`
}

type tradeJSON struct {
	ID                 string      `json:"id"`
	PagingToken        string      `json:"paging_token"`
	Ledger             uint32      `json:"ledger"`
	LedgerCloseTime    string      `json:"ledger_close_time"`
	BaseAssetType      string      `json:"base_asset_type"`
	BaseAssetCode      string      `json:"base_asset_code"`
	BaseAssetIssuer    string      `json:"base_asset_issuer"`
	BaseAmount         *string     `json:"base_amount"`
	CounterAssetType   string      `json:"counter_asset_type"`
	CounterAssetCode   string      `json:"counter_asset_code"`
	CounterAssetIssuer string      `json:"counter_asset_issuer"`
	CounterAmount      *string     `json:"counter_amount"`
	BaseIsSeller       bool        `json:"base_is_seller"`
	Price              *priceRJSON `json:"price"`
}

type poolReserveJSON struct {
	Asset  string  `json:"asset"`
	Amount *string `json:"amount"`
}

type poolJSON struct {
	ID                 string            `json:"id"`
	PagingToken        string            `json:"paging_token"`
	FeeBP              int32             `json:"fee_bp"`
	TotalShares        *string           `json:"total_shares"`
	Reserves           []poolReserveJSON `json:"reserves"`
	LastModifiedLedger uint32            `json:"last_modified_ledger"`
}

// Record dispatches on the stream a raw record came from.
func Record(stream string, raw []byte) (model.Entity, error) {
	switch stream {
	case model.StreamOffers:
		return Offer(raw)
	case model.StreamTrades:
		return Trade(raw)
	case model.StreamPools:
		return Pool(raw)
	default:
		return nil, reject(raw, "", "unknown stream "+stream)
	}
}

// Offer normalizes one order-book offer record.
func Offer(raw []byte) (*model.Offer, error) {
	var j offerJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, reject(raw, "", "malformed JSON: "+err.Error())
	}

	id, err := strconv.ParseInt(j.ID, 10, 64)
	if err != nil || id <= 0 {
		return nil, reject(raw, "id", "missing or non-numeric offer id")
	}
	if j.Seller == "" {
		return nil, reject(raw, "seller", "missing seller account")
	}
	if j.LastModifiedLedger == 0 {
		return nil, reject(raw, "last_modified_ledger", "missing ledger sequence")
	}

	selling, err := parseAsset(raw, "selling", j.Selling)
	if err != nil {
		return nil, err
	}
	buying, err := parseAsset(raw, "buying", j.Buying)
	if err != nil {
		return nil, err
	}

	amount, err := parseAmount(raw, "amount", j.Amount)
	if err != nil {
		return nil, err
	}

	price, err := parseRational(raw, "price_r", j.PriceR)
	if err != nil {
		return nil, err
	}

	return &model.Offer{
		ID:                 id,
		Seller:             j.Seller,
		Selling:            selling,
		Buying:             buying,
		Amount:             amount,
		Price:              price,
		LastModifiedLedger: j.LastModifiedLedger,
		PagingToken:        j.PagingToken,
	}, nil
}

// Trade normalizes one executed-trade record. The ledger sequence is taken
// from the explicit ledger field when present, otherwise recovered from the
// paging token, whose leading id encodes the ledger in its high 32 bits.
func Trade(raw []byte) (*model.Trade, error) {
	var j tradeJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, reject(raw, "", "malformed JSON: "+err.Error())
	}

	if j.ID == "" {
		return nil, reject(raw, "id", "missing trade id")
	}

	ledger := j.Ledger
	if ledger == 0 {
		ledger = ledgerFromToken(j.PagingToken)
	}
	if ledger == 0 {
		return nil, reject(raw, "ledger", "missing ledger sequence")
	}

	base, err := parseAsset(raw, "base_asset", &assetJSON{
		AssetType: j.BaseAssetType, AssetCode: j.BaseAssetCode, AssetIssuer: j.BaseAssetIssuer,
	})
	if err != nil {
		return nil, err
	}
	counter, err := parseAsset(raw, "counter_asset", &assetJSON{
		AssetType: j.CounterAssetType, AssetCode: j.CounterAssetCode, AssetIssuer: j.CounterAssetIssuer,
	})
	if err != nil {
		return nil, err
	}

	baseAmount, err := parseAmount(raw, "base_amount", j.BaseAmount)
	if err != nil {
		return nil, err
	}
	counterAmount, err := parseAmount(raw, "counter_amount", j.CounterAmount)
	if err != nil {
		return nil, err
	}

	price, err := parseRational(raw, "price", j.Price)
	if err != nil {
		return nil, err
	}

	var closedAt time.Time
	if j.LedgerCloseTime != "" {
		closedAt, err = time.Parse(time.RFC3339, j.LedgerCloseTime)
		if err != nil {
			return nil, reject(raw, "ledger_close_time", "unparseable timestamp")
		}
	}

	return &model.Trade{
		ID:            j.ID,
		BaseAsset:     base,
		CounterAsset:  counter,
		BaseAmount:    baseAmount,
		CounterAmount: counterAmount,
		Price:         price,
		BaseIsSeller:  j.BaseIsSeller,
		Ledger:        ledger,
		ClosedAt:      closedAt,
		PagingToken:   j.PagingToken,
	}, nil
}

// Pool normalizes one liquidity-pool state record.
func Pool(raw []byte) (*model.PoolSnapshot, error) {
	var j poolJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, reject(raw, "", "malformed JSON: "+err.Error())
	}

	if j.ID == "" {
		return nil, reject(raw, "id", "missing pool id")
	}
	if j.LastModifiedLedger == 0 {
		return nil, reject(raw, "last_modified_ledger", "missing ledger sequence")
	}
	if len(j.Reserves) != 2 {
		return nil, reject(raw, "reserves", "expected exactly two reserves, got "+strconv.Itoa(len(j.Reserves)))
	}

	assetA, err := parseAssetKey(raw, "reserves[0].asset", j.Reserves[0].Asset)
	if err != nil {
		return nil, err
	}
	assetB, err := parseAssetKey(raw, "reserves[1].asset", j.Reserves[1].Asset)
	if err != nil {
		return nil, err
	}

	reserveA, err := parseAmount(raw, "reserves[0].amount", j.Reserves[0].Amount)
	if err != nil {
		return nil, err
	}
	reserveB, err := parseAmount(raw, "reserves[1].amount", j.Reserves[1].Amount)
	if err != nil {
		return nil, err
	}

	shares, err := parseAmount(raw, "total_shares", j.TotalShares)
	if err != nil {
		return nil, err
	}

	return &model.PoolSnapshot{
		PoolID:      j.ID,
		AssetA:      assetA,
		AssetB:      assetB,
		ReserveA:    reserveA,
		ReserveB:    reserveB,
		TotalShares: shares,
		FeeBP:       j.FeeBP,
		Ledger:      j.LastModifiedLedger,
		PagingToken: j.PagingToken,
	}, nil
}

// --- field helpers ---

func reject(raw []byte, field, reason string) *model.ValidationError {
	return &model.ValidationError{
		Reason:      reason,
		Field:       field,
		Fingerprint: model.Fingerprint(raw),
	}
}

func parseAsset(raw []byte, field string, j *assetJSON) (model.Asset, error) {
	if j == nil || j.AssetType == "" {
		return model.Asset{}, reject(raw, field, "missing asset")
	}
	switch j.AssetType {
	case model.AssetTypeNative:
		return model.NativeAsset(), nil
	case model.AssetTypeCreditAlphanum4, model.AssetTypeCreditAlphanum12:
		a, err := model.NewCreditAsset(j.AssetCode, j.AssetIssuer)
		if err != nil {
			return model.Asset{}, reject(raw, field, err.Error())
		}
		return a, nil
	default:
		return model.Asset{}, reject(raw, field, "unknown asset type "+j.AssetType)
	}
}

// parseAssetKey parses the compact "native" / "CODE:ISSUER" form used inside
// pool reserves.
func parseAssetKey(raw []byte, field, key string) (model.Asset, error) {
	if key == "" {
		return model.Asset{}, reject(raw, field, "missing asset")
	}
	if key == model.AssetTypeNative {
		return model.NativeAsset(), nil
	}
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			a, err := model.NewCreditAsset(key[:i], key[i+1:])
			if err != nil {
				return model.Asset{}, reject(raw, field, err.Error())
			}
			return a, nil
		}
	}
	return model.Asset{}, reject(raw, field, "unparseable asset key "+key)
}

func parseAmount(raw []byte, field string, s *string) (decimal.Decimal, error) {
	if s == nil || *s == "" {
		return decimal.Decimal{}, reject(raw, field, "missing amount")
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Decimal{}, reject(raw, field, "non-numeric amount")
	}
	if d.IsNegative() {
		return decimal.Decimal{}, reject(raw, field, "negative amount")
	}
	return d, nil
}

func parseRational(raw []byte, field string, p *priceRJSON) (model.Price, error) {
	if p == nil {
		return model.Price{}, reject(raw, field, "missing price")
	}
	if p.D <= 0 || p.N <= 0 {
		return model.Price{}, reject(raw, field, "non-positive price ratio")
	}
	return model.Price{N: p.N, D: p.D}, nil
}

// ledgerFromToken recovers the ledger sequence from a numeric paging token:
// the token's leading operation id carries the ledger in its upper 32 bits.
func ledgerFromToken(token string) uint32 {
	if token == "" {
		return 0
	}
	// Tokens may be "id" or "id-index".
	for i := 0; i < len(token); i++ {
		if token[i] == '-' {
			token = token[:i]
			break
		}
	}
	id, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0
	}
	return uint32(id >> 32)
}
