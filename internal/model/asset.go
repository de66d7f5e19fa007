package model

import "fmt"

// Asset type discriminators as delivered by the upstream ledger API.
const (
	AssetTypeNative           = "native"
	AssetTypeCreditAlphanum4  = "credit_alphanum4"
	AssetTypeCreditAlphanum12 = "credit_alphanum12"
)

// Asset identifies a tradeable unit: the native ledger asset, or an issued
// asset keyed by (issuer, code). Immutable once constructed; compared and
// looked up by value.
type Asset struct {
	Type   string
	Code   string
	Issuer string
}

// NativeAsset returns the native ledger asset.
func NativeAsset() Asset {
	return Asset{Type: AssetTypeNative}
}

// NewCreditAsset builds an issued asset, deriving the alphanum4/alphanum12
// discriminator from the code length.
func NewCreditAsset(code, issuer string) (Asset, error) {
	if issuer == "" {
		return Asset{}, fmt.Errorf("credit asset %q: empty issuer", code)
	}
	switch n := len(code); {
	case n >= 1 && n <= 4:
		return Asset{Type: AssetTypeCreditAlphanum4, Code: code, Issuer: issuer}, nil
	case n >= 5 && n <= 12:
		return Asset{Type: AssetTypeCreditAlphanum12, Code: code, Issuer: issuer}, nil
	default:
		return Asset{}, fmt.Errorf("credit asset: code length %d out of range", n)
	}
}

// IsNative reports whether the asset is the native ledger asset.
func (a Asset) IsNative() bool {
	return a.Type == AssetTypeNative
}

// Key returns the canonical lookup key, "native" or "CODE:ISSUER".
func (a Asset) Key() string {
	if a.IsNative() {
		return AssetTypeNative
	}
	return a.Code + ":" + a.Issuer
}

func (a Asset) String() string {
	return a.Key()
}
