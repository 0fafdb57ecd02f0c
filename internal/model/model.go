// Package model defines the records shared by the persistence layer, the
// HTTP surface and the CLI. Human-facing amounts use shopspring/decimal.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Account is one encoded protocol account. Data is the little-endian
// layout, discriminator included.
type Account struct {
	Address   string    `json:"address" db:"address"` // base58
	Kind      string    `json:"kind" db:"kind"`       // "market", "position", ...
	Data      []byte    `json:"data" db:"data"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event is an immutable journal entry for one action transition.
// Once created, these are never modified or deleted.
type Event struct {
	ID        string          `json:"id" db:"id"`
	Kind      string          `json:"kind" db:"kind"` // "deposit_created", "order_executed", ...
	Action    string          `json:"action,omitempty" db:"action"`
	Market    string          `json:"market,omitempty" db:"market"`
	Owner     string          `json:"owner,omitempty" db:"owner"`
	Data      json.RawMessage `json:"data,omitempty" db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// MarketSummary is the human view of a market.
type MarketSummary struct {
	MarketToken string          `json:"market_token"`
	Name        string          `json:"name"`
	IndexToken  string          `json:"index_token"`
	LongToken   string          `json:"long_token"`
	ShortToken  string          `json:"short_token"`
	Enabled     bool            `json:"enabled"`
	Pure        bool            `json:"pure"`
	LongAmount  decimal.Decimal `json:"long_amount"`  // primary pool, token units
	ShortAmount decimal.Decimal `json:"short_amount"` // primary pool, token units
	LongOI      decimal.Decimal `json:"long_open_interest_usd"`
	ShortOI     decimal.Decimal `json:"short_open_interest_usd"`
	Supply      decimal.Decimal `json:"market_token_supply"`
}

// PositionSummary is the human view of a position.
type PositionSummary struct {
	Address          string          `json:"address"`
	Owner            string          `json:"owner"`
	MarketToken      string          `json:"market_token"`
	CollateralToken  string          `json:"collateral_token"`
	Side             string          `json:"side"` // "long" or "short"
	SizeUSD          decimal.Decimal `json:"size_usd"`
	SizeInTokens     decimal.Decimal `json:"size_in_tokens"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	IncreasedAt      time.Time       `json:"increased_at"`
}

// ActionSummary is a pending or finished request as listed by keepers.
type ActionSummary struct {
	Kind      string    `json:"kind"`
	Address   string    `json:"address"`
	Owner     string    `json:"owner"`
	Market    string    `json:"market"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Expired   bool      `json:"expired"`
}
