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

// CreateShiftParams describes moving liquidity between two markets that
// share long and short tokens.
type CreateShiftParams struct {
	FromMarketToken        solana.PublicKey `json:"from_market_token"`
	ToMarketToken          solana.PublicKey `json:"to_market_token"`
	FromMarketTokenAmount  num.Num          `json:"from_market_token_amount"`
	MinToMarketTokenAmount num.Num          `json:"min_to_market_token_amount"`
	ActionOptions
}

func (x *Exchange) CreateShift(ctx context.Context, owner solana.PublicKey, p CreateShiftParams) (*action.Shift, error) {
	var out action.Shift
	err := x.transact(ctx, "shift", "create", func(tx *txn) error {
		s, err := tx.createGuard(feature.Shift)
		if err != nil {
			return err
		}
		sh := &action.Shift{
			FromMarketToken:        p.FromMarketToken,
			ToMarketToken:          p.ToMarketToken,
			FromMarketTokenAmount:  p.FromMarketTokenAmount,
			MinToMarketTokenAmount: p.MinToMarketTokenAmount,
		}
		if err := sh.Validate(); err != nil {
			return err
		}
		from, err := tx.activeMarket(s, p.FromMarketToken)
		if err != nil {
			return err
		}
		to, err := tx.activeMarket(s, p.ToMarketToken)
		if err != nil {
			return err
		}
		if err := liquidity.Shiftable(from.MetaInfo, to.MetaInfo); err != nil {
			return err
		}
		if sh.Header, err = tx.newHeader(action.KindShift, s, p.FromMarketToken, owner, p.ActionOptions); err != nil {
			return err
		}
		if err := tx.escrowIn(sh.Address, owner, p.FromMarketToken, p.FromMarketTokenAmount); err != nil {
			return err
		}
		tx.Shifts[sh.Address] = sh
		tx.Touch(registry.AccountShift, sh.Address, false)
		tx.emitAction(EventShiftCreated, &sh.Header, sh)
		out = *sh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteShift burns the escrowed source tokens and mints target market
// tokens for the receiver. Both markets share vaults so no collateral
// moves.
func (x *Exchange) ExecuteShift(ctx context.Context, keeper, addr solana.PublicKey, throwOnError bool) error {
	return x.transact(ctx, "shift", "execute", func(tx *txn) error {
		s, err := tx.keeperGuard(keeper, feature.Shift, feature.Execute)
		if err != nil {
			return err
		}
		sh, err := tx.Shift(addr)
		if err != nil {
			return err
		}
		if err := sh.ValidateExecute(tx.now, s.Amounts.RequestExpiration); err != nil {
			return err
		}
		cancelled, err := tx.execute(&sh.Header, throwOnError, func(in *txn) error {
			return in.executeShift(addr)
		})
		if err != nil {
			return err
		}
		if !cancelled {
			if sh, err = tx.Shift(addr); err != nil {
				return err
			}
		}
		if err := tx.payKeeper(addr, keeper, sh.ExecutionLamports); err != nil {
			return err
		}
		return tx.finish(&sh.Header)
	})
}

func (tx *txn) executeShift(addr solana.PublicKey) error {
	s, err := tx.RequireStore()
	if err != nil {
		return err
	}
	sh, err := tx.Shift(addr)
	if err != nil {
		return err
	}
	from, err := tx.activeMarket(s, sh.FromMarketToken)
	if err != nil {
		return err
	}
	to, err := tx.activeMarket(s, sh.ToMarketToken)
	if err != nil {
		return err
	}
	sm, fromW, _, err := tx.loadMarkets(s, from)
	if err != nil {
		return err
	}
	toW, err := sm.Add(to)
	if err != nil {
		return err
	}
	o, err := tx.setPrices(s, from.MetaInfo, to.MetaInfo)
	if err != nil {
		return err
	}
	defer o.Clear()

	fromPrices, err := o.MarketPrices(from.MetaInfo)
	if err != nil {
		return err
	}
	toPrices, err := o.MarketPrices(to.MetaInfo)
	if err != nil {
		return err
	}
	report, err := liquidity.Shift(fromW, toW, fromPrices, toPrices, liquidity.ShiftParams{
		FromMarketTokenAmount:  sh.FromMarketTokenAmount,
		FromMarketTokenSupply:  tx.Ledger.Supply(sh.FromMarketToken),
		ToMarketTokenSupply:    tx.Ledger.Supply(sh.ToMarketToken),
		MinToMarketTokenAmount: sh.MinToMarketTokenAmount,
		Now:                    tx.now,
	})
	if err != nil {
		return err
	}
	if err := validateStaged(sm, tx.Vaults()); err != nil {
		return err
	}
	if err := tx.commit(sm); err != nil {
		return err
	}
	escrow, err := registry.AssociatedTokenAddress(addr, sh.FromMarketToken)
	if err != nil {
		return err
	}
	if err := tx.Ledger.Burn(escrow, sh.FromMarketTokenAmount); err != nil {
		return err
	}
	target, err := tx.Ledger.Open(addr, sh.ToMarketToken)
	if err != nil {
		return err
	}
	if err := tx.Ledger.MintTo(target.Address, report.Deposit.MarketTokenAmount); err != nil {
		return err
	}
	tx.touchLedger()
	if err := sh.Complete(tx.now); err != nil {
		return err
	}
	tx.Touch(registry.AccountShift, addr, false)
	tx.emitAction(EventShiftExecuted, &sh.Header, report)
	return nil
}

func (x *Exchange) CloseShift(ctx context.Context, signer, addr solana.PublicKey) error {
	return x.transact(ctx, "shift", "close", func(tx *txn) error {
		sh, err := tx.Shift(addr)
		if err != nil {
			return err
		}
		return tx.close(&sh.Header, true, signer, feature.Shift)
	})
}
