package exchange

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/registry"
)

// CreateDepositParams describes a new deposit. Zero initial tokens
// default to the market's long and short tokens.
type CreateDepositParams struct {
	MarketToken          solana.PublicKey  `json:"market_token"`
	InitialLongToken     solana.PublicKey  `json:"initial_long_token"`
	InitialShortToken    solana.PublicKey  `json:"initial_short_token"`
	InitialLongAmount    num.Num           `json:"initial_long_amount"`
	InitialShortAmount   num.Num           `json:"initial_short_amount"`
	MinMarketTokenAmount num.Num           `json:"min_market_token_amount"`
	Swap                 action.SwapParams `json:"swap"`
	ActionOptions
}

// CreateDeposit escrows the initial tokens of owner and records a
// pending deposit.
func (x *Exchange) CreateDeposit(ctx context.Context, owner solana.PublicKey, p CreateDepositParams) (*action.Deposit, error) {
	var out action.Deposit
	err := x.transact(ctx, "deposit", "create", func(tx *txn) error {
		s, err := tx.createGuard(feature.Deposit)
		if err != nil {
			return err
		}
		m, err := tx.activeMarket(s, p.MarketToken)
		if err != nil {
			return err
		}
		meta := m.MetaInfo
		d := &action.Deposit{
			InitialLongToken:     p.InitialLongToken,
			InitialShortToken:    p.InitialShortToken,
			InitialLongAmount:    p.InitialLongAmount,
			InitialShortAmount:   p.InitialShortAmount,
			MinMarketTokenAmount: p.MinMarketTokenAmount,
			Swap:                 p.Swap,
		}
		if d.InitialLongToken.IsZero() {
			d.InitialLongToken = meta.LongToken
		}
		if d.InitialShortToken.IsZero() {
			d.InitialShortToken = meta.ShortToken
		}
		if err := d.Validate(); err != nil {
			return err
		}
		if err := tx.checkPath(d.Swap.PrimaryPath, d.InitialLongToken, meta.LongToken); err != nil {
			return err
		}
		if err := tx.checkPath(d.Swap.SecondaryPath, d.InitialShortToken, meta.ShortToken); err != nil {
			return err
		}
		if err := d.Swap.Validate(tx.lookup, d.InitialLongToken, d.InitialShortToken, meta.LongToken, meta.ShortToken); err != nil {
			return err
		}
		if d.Header, err = tx.newHeader(action.KindDeposit, s, meta.MarketToken, owner, p.ActionOptions); err != nil {
			return err
		}
		if err := tx.escrowIn(d.Address, owner, d.InitialLongToken, d.InitialLongAmount); err != nil {
			return err
		}
		if err := tx.escrowIn(d.Address, owner, d.InitialShortToken, d.InitialShortAmount); err != nil {
			return err
		}
		tx.Deposits[d.Address] = d
		tx.Touch(registry.AccountDeposit, d.Address, false)
		tx.emitAction(EventDepositCreated, &d.Header, d)
		out = *d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteDeposit swaps the escrowed tokens into the market, mints market
// tokens for the receiver and closes the deposit. With throwOnError unset
// a failed deposit is cancelled and refunded instead.
func (x *Exchange) ExecuteDeposit(ctx context.Context, keeper, addr solana.PublicKey, throwOnError bool) error {
	return x.transact(ctx, "deposit", "execute", func(tx *txn) error {
		s, err := tx.keeperGuard(keeper, feature.Deposit, feature.Execute)
		if err != nil {
			return err
		}
		d, err := tx.Deposit(addr)
		if err != nil {
			return err
		}
		if err := d.ValidateExecute(tx.now, s.Amounts.RequestExpiration); err != nil {
			return err
		}
		cancelled, err := tx.execute(&d.Header, throwOnError, func(in *txn) error {
			return in.executeDeposit(addr)
		})
		if err != nil {
			return err
		}
		if !cancelled {
			if d, err = tx.Deposit(addr); err != nil {
				return err
			}
		}
		if err := tx.payKeeper(addr, keeper, d.ExecutionLamports); err != nil {
			return err
		}
		return tx.finish(&d.Header)
	})
}

func (tx *txn) executeDeposit(addr solana.PublicKey) error {
	s, err := tx.RequireStore()
	if err != nil {
		return err
	}
	d, err := tx.Deposit(addr)
	if err != nil {
		return err
	}
	m, err := tx.activeMarket(s, d.Market)
	if err != nil {
		return err
	}
	meta := m.MetaInfo
	sm, cur, metas, err := tx.loadMarkets(s, m, d.Swap)
	if err != nil {
		return err
	}
	o, err := tx.setPrices(s, metas...)
	if err != nil {
		return err
	}
	defer o.Clear()

	if err := tx.escrowToVault(addr, d.InitialLongToken, d.InitialLongAmount); err != nil {
		return err
	}
	if err := tx.escrowToVault(addr, d.InitialShortToken, d.InitialShortAmount); err != nil {
		return err
	}
	vaults := tx.Vaults()
	longAmount, err := swapAlong(sm, o, vaults, d.Swap.PrimaryPath, d.InitialLongToken, meta.LongToken, d.InitialLongAmount)
	if err != nil {
		return err
	}
	shortAmount, err := swapAlong(sm, o, vaults, d.Swap.SecondaryPath, d.InitialShortToken, meta.ShortToken, d.InitialShortAmount)
	if err != nil {
		return err
	}
	prices, err := o.MarketPrices(meta)
	if err != nil {
		return err
	}
	report, err := liquidity.Deposit(cur, prices, liquidity.DepositParams{
		LongAmount:           longAmount,
		ShortAmount:          shortAmount,
		MarketTokenSupply:    tx.Ledger.Supply(meta.MarketToken),
		MinMarketTokenAmount: d.MinMarketTokenAmount,
		Now:                  tx.now,
	})
	if err != nil {
		return err
	}
	if err := validateStaged(sm, vaults); err != nil {
		return err
	}
	if err := tx.commit(sm); err != nil {
		return err
	}
	escrow, err := tx.Ledger.Open(addr, meta.MarketToken)
	if err != nil {
		return err
	}
	if err := tx.Ledger.MintTo(escrow.Address, report.MarketTokenAmount); err != nil {
		return err
	}
	if err := d.Complete(tx.now); err != nil {
		return err
	}
	tx.Touch(registry.AccountDeposit, addr, false)
	tx.emitAction(EventDepositExecuted, &d.Header, report)
	return nil
}

// CloseDeposit cancels a pending deposit, or removes a finished one, and
// refunds its escrow.
func (x *Exchange) CloseDeposit(ctx context.Context, signer, addr solana.PublicKey) error {
	return x.transact(ctx, "deposit", "close", func(tx *txn) error {
		d, err := tx.Deposit(addr)
		if err != nil {
			return err
		}
		return tx.close(&d.Header, true, signer, feature.Deposit)
	})
}
