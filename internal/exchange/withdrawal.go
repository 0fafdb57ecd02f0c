package exchange

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/registry"
)

// CreateWithdrawalParams describes a new withdrawal. Zero final tokens
// default to the market's long and short tokens.
type CreateWithdrawalParams struct {
	MarketToken         solana.PublicKey  `json:"market_token"`
	MarketTokenAmount   num.Num           `json:"market_token_amount"`
	FinalLongToken      solana.PublicKey  `json:"final_long_token"`
	FinalShortToken     solana.PublicKey  `json:"final_short_token"`
	MinLongTokenAmount  num.Num           `json:"min_long_token_amount"`
	MinShortTokenAmount num.Num           `json:"min_short_token_amount"`
	Swap                action.SwapParams `json:"swap"`
	ActionOptions
}

// CreateWithdrawal escrows market tokens of owner and records a pending
// withdrawal.
func (x *Exchange) CreateWithdrawal(ctx context.Context, owner solana.PublicKey, p CreateWithdrawalParams) (*action.Withdrawal, error) {
	var out action.Withdrawal
	err := x.transact(ctx, "withdrawal", "create", func(tx *txn) error {
		s, err := tx.createGuard(feature.Withdrawal)
		if err != nil {
			return err
		}
		m, err := tx.activeMarket(s, p.MarketToken)
		if err != nil {
			return err
		}
		meta := m.MetaInfo
		w := &action.Withdrawal{
			MarketTokenAmount:   p.MarketTokenAmount,
			FinalLongToken:      p.FinalLongToken,
			FinalShortToken:     p.FinalShortToken,
			MinLongTokenAmount:  p.MinLongTokenAmount,
			MinShortTokenAmount: p.MinShortTokenAmount,
			Swap:                p.Swap,
		}
		if w.FinalLongToken.IsZero() {
			w.FinalLongToken = meta.LongToken
		}
		if w.FinalShortToken.IsZero() {
			w.FinalShortToken = meta.ShortToken
		}
		if err := w.Validate(); err != nil {
			return err
		}
		if err := tx.checkPath(w.Swap.PrimaryPath, meta.LongToken, w.FinalLongToken); err != nil {
			return err
		}
		if err := tx.checkPath(w.Swap.SecondaryPath, meta.ShortToken, w.FinalShortToken); err != nil {
			return err
		}
		if err := w.Swap.Validate(tx.lookup, meta.LongToken, meta.ShortToken, w.FinalLongToken, w.FinalShortToken); err != nil {
			return err
		}
		if w.Header, err = tx.newHeader(action.KindWithdrawal, s, meta.MarketToken, owner, p.ActionOptions); err != nil {
			return err
		}
		if err := tx.escrowIn(w.Address, owner, meta.MarketToken, w.MarketTokenAmount); err != nil {
			return err
		}
		tx.Withdrawals[w.Address] = w
		tx.Touch(registry.AccountWithdrawal, w.Address, false)
		tx.emitAction(EventWithdrawalCreated, &w.Header, w)
		out = *w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteWithdrawal burns the escrowed market tokens, pays out the final
// tokens and closes the withdrawal.
func (x *Exchange) ExecuteWithdrawal(ctx context.Context, keeper, addr solana.PublicKey, throwOnError bool) error {
	return x.transact(ctx, "withdrawal", "execute", func(tx *txn) error {
		s, err := tx.keeperGuard(keeper, feature.Withdrawal, feature.Execute)
		if err != nil {
			return err
		}
		w, err := tx.Withdrawal(addr)
		if err != nil {
			return err
		}
		if err := w.ValidateExecute(tx.now, s.Amounts.RequestExpiration); err != nil {
			return err
		}
		cancelled, err := tx.execute(&w.Header, throwOnError, func(in *txn) error {
			return in.executeWithdrawal(addr)
		})
		if err != nil {
			return err
		}
		if !cancelled {
			if w, err = tx.Withdrawal(addr); err != nil {
				return err
			}
		}
		if err := tx.payKeeper(addr, keeper, w.ExecutionLamports); err != nil {
			return err
		}
		return tx.finish(&w.Header)
	})
}

// WithdrawalOutput is reported when a withdrawal executes.
type WithdrawalOutput struct {
	Report      liquidity.WithdrawalReport `json:"report"`
	LongOutput  num.Num                    `json:"long_output"`
	ShortOutput num.Num                    `json:"short_output"`
}

func (tx *txn) executeWithdrawal(addr solana.PublicKey) error {
	s, err := tx.RequireStore()
	if err != nil {
		return err
	}
	w, err := tx.Withdrawal(addr)
	if err != nil {
		return err
	}
	m, err := tx.activeMarket(s, w.Market)
	if err != nil {
		return err
	}
	meta := m.MetaInfo
	sm, cur, metas, err := tx.loadMarkets(s, m, w.Swap)
	if err != nil {
		return err
	}
	o, err := tx.setPrices(s, metas...)
	if err != nil {
		return err
	}
	defer o.Clear()

	prices, err := o.MarketPrices(meta)
	if err != nil {
		return err
	}
	report, err := liquidity.Withdraw(cur, prices, liquidity.WithdrawalParams{
		MarketTokenAmount:   w.MarketTokenAmount,
		MarketTokenSupply:   tx.Ledger.Supply(meta.MarketToken),
		MinLongTokenAmount:  num.Zero,
		MinShortTokenAmount: num.Zero,
		Now:                 tx.now,
	})
	if err != nil {
		return err
	}
	vaults := tx.Vaults()
	out := WithdrawalOutput{Report: report}
	if out.LongOutput, err = swapAlong(sm, o, vaults, w.Swap.PrimaryPath, meta.LongToken, w.FinalLongToken, report.Long.Amount); err != nil {
		return err
	}
	if out.ShortOutput, err = swapAlong(sm, o, vaults, w.Swap.SecondaryPath, meta.ShortToken, w.FinalShortToken, report.Short.Amount); err != nil {
		return err
	}
	if out.LongOutput.Lt(w.MinLongTokenAmount) {
		return fmt.Errorf("%w: long %s < %s", ErrInsufficientOutput, out.LongOutput, w.MinLongTokenAmount)
	}
	if out.ShortOutput.Lt(w.MinShortTokenAmount) {
		return fmt.Errorf("%w: short %s < %s", ErrInsufficientOutput, out.ShortOutput, w.MinShortTokenAmount)
	}
	if err := tx.vaultTo(addr, w.FinalLongToken, out.LongOutput); err != nil {
		return err
	}
	if err := tx.vaultTo(addr, w.FinalShortToken, out.ShortOutput); err != nil {
		return err
	}
	if err := validateStaged(sm, vaults); err != nil {
		return err
	}
	if err := tx.commit(sm); err != nil {
		return err
	}
	escrow, err := registry.AssociatedTokenAddress(addr, meta.MarketToken)
	if err != nil {
		return err
	}
	if err := tx.Ledger.Burn(escrow, w.MarketTokenAmount); err != nil {
		return err
	}
	if err := w.Complete(tx.now); err != nil {
		return err
	}
	tx.Touch(registry.AccountWithdrawal, addr, false)
	tx.emitAction(EventWithdrawalExecuted, &w.Header, out)
	return nil
}

// CloseWithdrawal cancels a pending withdrawal and refunds its market
// tokens.
func (x *Exchange) CloseWithdrawal(ctx context.Context, signer, addr solana.PublicKey) error {
	return x.transact(ctx, "withdrawal", "close", func(tx *txn) error {
		w, err := tx.Withdrawal(addr)
		if err != nil {
			return err
		}
		return tx.close(&w.Header, true, signer, feature.Withdrawal)
	})
}
