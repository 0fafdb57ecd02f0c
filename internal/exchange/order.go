package exchange

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/revertible"
)

// CreateOrderParams describes a new order. For swaps the initial
// collateral is the input and FinalOutputToken the output; for decreases
// InitialCollateralDeltaAmount is the collateral to withdraw and a zero
// FinalOutputToken means the collateral token.
type CreateOrderParams struct {
	MarketToken                  solana.PublicKey  `json:"market_token"`
	OrderKind                    action.OrderKind  `json:"order_kind"`
	IsLong                       bool              `json:"is_long"`
	CollateralToken              solana.PublicKey  `json:"collateral_token"`
	InitialCollateralToken       solana.PublicKey  `json:"initial_collateral_token"`
	InitialCollateralDeltaAmount num.Num           `json:"initial_collateral_delta_amount"`
	FinalOutputToken             solana.PublicKey  `json:"final_output_token"`
	SizeDeltaUSD                 num.Num           `json:"size_delta_usd"`
	AcceptablePrice              num.Num           `json:"acceptable_price"`
	TriggerPrice                 num.Num           `json:"trigger_price"`
	MinOutputAmount              num.Num           `json:"min_output_amount"`
	Swap                         action.SwapParams `json:"swap"`
	ActionOptions
}

func (x *Exchange) CreateOrder(ctx context.Context, owner solana.PublicKey, p CreateOrderParams) (*action.Order, error) {
	var out action.Order
	err := x.transact(ctx, "order", "create", func(tx *txn) error {
		s, err := tx.createGuard(feature.Order)
		if err != nil {
			return err
		}
		if !p.OrderKind.IsUserCreatable() {
			return fmt.Errorf("%w: %s", ErrInvalidOrderKind, p.OrderKind)
		}
		m, err := tx.activeMarket(s, p.MarketToken)
		if err != nil {
			return err
		}
		o := &action.Order{
			OrderKind:                    p.OrderKind,
			IsLong:                       p.IsLong,
			CollateralToken:              p.CollateralToken,
			InitialCollateralToken:       p.InitialCollateralToken,
			InitialCollateralDeltaAmount: p.InitialCollateralDeltaAmount,
			FinalOutputToken:             p.FinalOutputToken,
			SizeDeltaUSD:                 p.SizeDeltaUSD,
			AcceptablePrice:              p.AcceptablePrice,
			TriggerPrice:                 p.TriggerPrice,
			MinOutputAmount:              p.MinOutputAmount,
			Swap:                         p.Swap,
		}
		if err := tx.prepareOrder(s, m.MetaInfo, owner, o); err != nil {
			return err
		}
		if o.Header, err = tx.newHeader(action.KindOrder, s, m.MetaInfo.MarketToken, owner, p.ActionOptions); err != nil {
			return err
		}
		if !o.OrderKind.IsDecrease() {
			if err := tx.escrowIn(o.Address, owner, o.InitialCollateralToken, o.InitialCollateralDeltaAmount); err != nil {
				return err
			}
		}
		tx.Orders[o.Address] = o
		tx.Touch(registry.AccountOrder, o.Address, false)
		tx.emitAction(EventOrderCreated, &o.Header, o)
		out = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// prepareOrder fills defaults and checks o against its market.
func (tx *txn) prepareOrder(s *registry.Store, meta market.Meta, owner solana.PublicKey, o *action.Order) error {
	k := o.OrderKind
	if k.IsDecrease() && o.FinalOutputToken.IsZero() {
		o.FinalOutputToken = o.CollateralToken
	}
	if err := o.Validate(); err != nil {
		return err
	}
	var tokenIn, tokenOut solana.PublicKey
	switch {
	case k.IsSwap():
		tokenIn, tokenOut = o.InitialCollateralToken, o.FinalOutputToken
		o.CollateralToken = o.FinalOutputToken
	case k.IsIncrease():
		tokenIn, tokenOut = o.InitialCollateralToken, o.CollateralToken
	default:
		tokenIn, tokenOut = o.CollateralToken, o.FinalOutputToken
	}
	if !k.IsSwap() {
		if _, err := meta.Side(o.CollateralToken); err != nil {
			return fmt.Errorf("%w: %s", market.ErrInvalidCollateralToken, o.CollateralToken)
		}
		addr, _, err := registry.DerivePositionPDA(tx.ProgramID, s.Address, owner, meta.MarketToken, o.CollateralToken, o.IsLong)
		if err != nil {
			return err
		}
		if k.IsDecrease() {
			p, err := tx.Position(addr)
			if err != nil {
				return err
			}
			if !p.Owner.Equals(owner) {
				return fmt.Errorf("%w: position %s", registry.ErrPermissionDenied, addr)
			}
		}
		o.Position = addr
	}
	if err := tx.checkPath(o.Swap.PrimaryPath, tokenIn, tokenOut); err != nil {
		return err
	}
	return o.Swap.Validate(tx.lookup, tokenIn, tokenOut, meta.LongToken, meta.ShortToken)
}

// UpdateOrder edits a pending limit or stop-loss order of owner.
func (x *Exchange) UpdateOrder(ctx context.Context, owner, addr solana.PublicKey, p action.UpdateParams) error {
	return x.transact(ctx, "order", "update", func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if err := s.Features.Validate(feature.Order, feature.Update); err != nil {
			return err
		}
		o, err := tx.Order(addr)
		if err != nil {
			return err
		}
		if !o.Owner.Equals(owner) {
			return fmt.Errorf("%w: %s does not own %s", action.ErrUnauthorized, owner, addr)
		}
		if err := o.Update(p, tx.now); err != nil {
			return err
		}
		tx.Touch(registry.AccountOrder, addr, false)
		tx.emitAction(EventOrderUpdated, &o.Header, p)
		return nil
	})
}

// ExecuteOrder fills an order at the current oracle prices and closes
// it. A limit order whose trigger is not reached fails without changes.
func (x *Exchange) ExecuteOrder(ctx context.Context, keeper, addr solana.PublicKey, throwOnError bool) error {
	return x.transact(ctx, "order", "execute", func(tx *txn) error {
		s, err := tx.keeperGuard(keeper, feature.Order, feature.Execute)
		if err != nil {
			return err
		}
		o, err := tx.Order(addr)
		if err != nil {
			return err
		}
		if err := o.ValidateExecute(tx.now, o.Expiration(s.Amounts.RequestExpiration)); err != nil {
			return err
		}
		cancelled, err := tx.execute(&o.Header, throwOnError, func(in *txn) error {
			return in.executeOrder(addr)
		})
		if err != nil {
			return err
		}
		if !cancelled {
			if o, err = tx.Order(addr); err != nil {
				return err
			}
		}
		if err := tx.payKeeper(addr, keeper, o.ExecutionLamports); err != nil {
			return err
		}
		return tx.finish(&o.Header)
	})
}

// OrderOutput is reported when an order executes.
type OrderOutput struct {
	OutputToken  solana.PublicKey         `json:"output_token,omitempty"`
	OutputAmount num.Num                  `json:"output_amount"`
	Increase     *position.IncreaseReport `json:"increase,omitempty"`
	Decrease     *position.DecreaseReport `json:"decrease,omitempty"`
}

func (tx *txn) executeOrder(addr solana.PublicKey) error {
	s, err := tx.RequireStore()
	if err != nil {
		return err
	}
	o, err := tx.Order(addr)
	if err != nil {
		return err
	}
	m, err := tx.activeMarket(s, o.Market)
	if err != nil {
		return err
	}
	sm, cur, metas, err := tx.loadMarkets(s, m, o.Swap)
	if err != nil {
		return err
	}
	orc, err := tx.setPrices(s, metas...)
	if err != nil {
		return err
	}
	defer orc.Clear()

	prices, err := orc.MarketPrices(m.MetaInfo)
	if err != nil {
		return err
	}
	if err := o.ValidateTrigger(prices.IndexToken); err != nil {
		return err
	}
	var out OrderOutput
	switch k := o.OrderKind; {
	case k.IsSwap():
		out, err = tx.executeSwapOrder(sm, orc, o)
	case k.IsIncrease():
		out, err = tx.executeIncrease(sm, cur, orc, prices, o)
	case k.IsDecrease():
		out, err = tx.executeDecrease(sm, cur, orc, prices, o)
	default:
		err = fmt.Errorf("%w: %s", ErrInvalidOrderKind, k)
	}
	if err != nil {
		return err
	}
	if err := validateStaged(sm, tx.Vaults()); err != nil {
		return err
	}
	if err := tx.commit(sm); err != nil {
		return err
	}
	if err := o.Complete(tx.now); err != nil {
		return err
	}
	tx.Touch(registry.AccountOrder, addr, false)
	tx.emitAction(EventOrderExecuted, &o.Header, out)
	return nil
}

func (tx *txn) executeSwapOrder(sm *revertible.SwapMarkets, orc *oracle.Oracle, o *action.Order) (OrderOutput, error) {
	out := OrderOutput{OutputToken: o.FinalOutputToken}
	if err := tx.escrowToVault(o.Address, o.InitialCollateralToken, o.InitialCollateralDeltaAmount); err != nil {
		return out, err
	}
	amount, err := swapAlong(sm, orc, tx.Vaults(), o.Swap.PrimaryPath, o.InitialCollateralToken, o.FinalOutputToken, o.InitialCollateralDeltaAmount)
	if err != nil {
		return out, err
	}
	if amount.Lt(o.MinOutputAmount) {
		return out, fmt.Errorf("%w: %s < %s", ErrInsufficientOutput, amount, o.MinOutputAmount)
	}
	out.OutputAmount = amount
	return out, tx.vaultTo(o.Address, o.FinalOutputToken, amount)
}

func (tx *txn) executeIncrease(sm *revertible.SwapMarkets, cur *revertible.Market, orc *oracle.Oracle, prices market.Prices, o *action.Order) (OrderOutput, error) {
	var out OrderOutput
	if err := tx.escrowToVault(o.Address, o.InitialCollateralToken, o.InitialCollateralDeltaAmount); err != nil {
		return out, err
	}
	collateral, err := swapAlong(sm, orc, tx.Vaults(), o.Swap.PrimaryPath, o.InitialCollateralToken, o.CollateralToken, o.InitialCollateralDeltaAmount)
	if err != nil {
		return out, err
	}
	p, ok := tx.Positions[o.Position]
	if !ok {
		p, err = tx.newPosition(o)
		if err != nil {
			return out, err
		}
	}
	report, err := position.Increase(cur, prices, p, position.IncreaseParams{
		CollateralIncrement: collateral,
		SizeDeltaUSD:        o.SizeDeltaUSD,
		AcceptablePrice:     o.AcceptablePrice,
		Now:                 tx.now,
	})
	if err != nil {
		return out, err
	}
	tx.Positions[p.Address] = p
	tx.Touch(registry.AccountPosition, p.Address, false)
	meta := cur.Meta()
	if err := tx.payClaimable(o.Address, meta, report.ClaimableLongAmount, report.ClaimableShortAmount); err != nil {
		return out, err
	}
	out.Increase = &report
	return out, nil
}

func (tx *txn) newPosition(o *action.Order) (*position.Position, error) {
	addr, bump, err := registry.DerivePositionPDA(tx.ProgramID, o.Store, o.Owner, o.Market, o.CollateralToken, o.IsLong)
	if err != nil {
		return nil, err
	}
	if !addr.Equals(o.Position) {
		return nil, fmt.Errorf("%w: order position %s, derived %s", position.ErrInvalidPosition, o.Position, addr)
	}
	return &position.Position{
		Address:         addr,
		Bump:            bump,
		Store:           o.Store,
		Owner:           o.Owner,
		MarketToken:     o.Market,
		CollateralToken: o.CollateralToken,
		IsLong:          o.IsLong,
	}, nil
}

func (tx *txn) executeDecrease(sm *revertible.SwapMarkets, cur *revertible.Market, orc *oracle.Oracle, prices market.Prices, o *action.Order) (OrderOutput, error) {
	out := OrderOutput{OutputToken: o.FinalOutputToken}
	p, err := tx.Position(o.Position)
	if err != nil {
		return out, err
	}
	report, err := position.Decrease(cur, prices, p, position.DecreaseParams{
		SizeDeltaUSD:         o.SizeDeltaUSD,
		CollateralWithdrawal: o.InitialCollateralDeltaAmount,
		AcceptablePrice:      o.AcceptablePrice,
		Cut:                  position.CutNone,
		Now:                  tx.now,
	})
	if err != nil {
		return out, err
	}
	amount, err := swapAlong(sm, orc, tx.Vaults(), o.Swap.PrimaryPath, o.CollateralToken, o.FinalOutputToken, report.OutputAmount)
	if err != nil {
		return out, err
	}
	if amount.Lt(o.MinOutputAmount) {
		return out, fmt.Errorf("%w: %s < %s", ErrInsufficientOutput, amount, o.MinOutputAmount)
	}
	out.OutputAmount = amount
	if err := tx.vaultTo(o.Address, o.FinalOutputToken, amount); err != nil {
		return out, err
	}
	meta := cur.Meta()
	if err := tx.payDecrease(o.Address, meta, p, report, false); err != nil {
		return out, err
	}
	tx.closePosition(p, report.Closed)
	out.Decrease = &report
	return out, nil
}

// payClaimable pays claimable funding to the token accounts of owner.
func (tx *txn) payClaimable(owner solana.PublicKey, meta market.Meta, long, short num.Num) error {
	if err := tx.vaultTo(owner, meta.LongToken, long); err != nil {
		return err
	}
	return tx.vaultTo(owner, meta.ShortToken, short)
}

// payDecrease pays the secondary output, the claimable collateral and the
// claimable funding of a decrease of p to owner. withPrimary also pays the
// primary output in the collateral token.
func (tx *txn) payDecrease(owner solana.PublicKey, meta market.Meta, p *position.Position, r position.DecreaseReport, withPrimary bool) error {
	if withPrimary {
		if err := tx.vaultTo(owner, p.CollateralToken, r.OutputAmount); err != nil {
			return err
		}
	}
	if err := tx.vaultTo(owner, p.CollateralToken, r.ClaimableCollateral); err != nil {
		return err
	}
	if err := tx.vaultTo(owner, meta.PnlToken(p.IsLong), r.SecondaryOutputAmount); err != nil {
		return err
	}
	return tx.payClaimable(owner, meta, r.ClaimableLongAmount, r.ClaimableShortAmount)
}

func (tx *txn) closePosition(p *position.Position, closed bool) {
	if closed {
		delete(tx.Positions, p.Address)
		tx.Touch(registry.AccountPosition, p.Address, true)
		return
	}
	tx.Touch(registry.AccountPosition, p.Address, false)
}

// CloseOrder cancels a pending order and refunds its escrow.
func (x *Exchange) CloseOrder(ctx context.Context, signer, addr solana.PublicKey) error {
	return x.transact(ctx, "order", "close", func(tx *txn) error {
		o, err := tx.Order(addr)
		if err != nil {
			return err
		}
		return tx.close(&o.Header, o.OrderKind.Expires(), signer, feature.Order)
	})
}
