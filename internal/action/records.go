package action

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/num"
)

// Deposit adds liquidity to a market in exchange for market tokens. The
// initial tokens are swapped into the market's long and short tokens
// along the swap paths first.
type Deposit struct {
	Header

	InitialLongToken     solana.PublicKey `json:"initial_long_token"`
	InitialShortToken    solana.PublicKey `json:"initial_short_token"`
	InitialLongAmount    num.Num          `json:"initial_long_amount"`
	InitialShortAmount   num.Num          `json:"initial_short_amount"`
	MinMarketTokenAmount num.Num          `json:"min_market_token_amount"`
	Swap                 SwapParams       `json:"swap"`
}

// Validate checks the request shape.
func (d *Deposit) Validate() error {
	if d.InitialLongAmount.IsZero() && d.InitialShortAmount.IsZero() {
		return fmt.Errorf("%w: empty deposit", ErrInvalidArgument)
	}
	if !d.InitialLongAmount.IsZero() && d.InitialLongToken.IsZero() {
		return fmt.Errorf("%w: long amount without token", ErrInvalidArgument)
	}
	if !d.InitialShortAmount.IsZero() && d.InitialShortToken.IsZero() {
		return fmt.Errorf("%w: short amount without token", ErrInvalidArgument)
	}
	return nil
}

// Withdrawal burns market tokens for the market's long and short tokens,
// optionally swapped into final tokens.
type Withdrawal struct {
	Header

	MarketTokenAmount   num.Num          `json:"market_token_amount"`
	FinalLongToken      solana.PublicKey `json:"final_long_token"`
	FinalShortToken     solana.PublicKey `json:"final_short_token"`
	MinLongTokenAmount  num.Num          `json:"min_long_token_amount"`
	MinShortTokenAmount num.Num          `json:"min_short_token_amount"`
	Swap                SwapParams       `json:"swap"`
}

// Validate checks the request shape.
func (w *Withdrawal) Validate() error {
	if w.MarketTokenAmount.IsZero() {
		return fmt.Errorf("%w: empty withdrawal", ErrInvalidArgument)
	}
	if w.FinalLongToken.IsZero() || w.FinalShortToken.IsZero() {
		return fmt.Errorf("%w: missing final token", ErrInvalidArgument)
	}
	return nil
}

// Shift moves liquidity between two markets with the same long and short
// tokens. Header.Market is the source market.
type Shift struct {
	Header

	FromMarketToken        solana.PublicKey `json:"from_market_token"`
	ToMarketToken          solana.PublicKey `json:"to_market_token"`
	FromMarketTokenAmount  num.Num          `json:"from_market_token_amount"`
	MinToMarketTokenAmount num.Num          `json:"min_to_market_token_amount"`
}

// Validate checks the request shape.
func (s *Shift) Validate() error {
	if s.FromMarketTokenAmount.IsZero() {
		return fmt.Errorf("%w: empty shift", ErrInvalidArgument)
	}
	if s.FromMarketToken.Equals(s.ToMarketToken) {
		return fmt.Errorf("%w: shift into the same market", ErrInvalidArgument)
	}
	return nil
}
