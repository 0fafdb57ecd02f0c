package exchange

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
)

// Liquidate closes a position whose collateral no longer covers its
// minimums. The remaining output goes straight to the owner.
func (x *Exchange) Liquidate(ctx context.Context, keeper, addr solana.PublicKey) (*position.DecreaseReport, error) {
	return x.cut(ctx, "liquidate", keeper, addr, feature.Liquidation, position.DecreaseParams{Cut: position.CutLiquidate})
}

// AutoDeleverage reduces a profitable position while its side's pnl
// factor is above the ADL cap.
func (x *Exchange) AutoDeleverage(ctx context.Context, keeper, addr solana.PublicKey, sizeDeltaUSD num.Num) (*position.DecreaseReport, error) {
	return x.cut(ctx, "adl", keeper, addr, feature.AutoDeleveraging, position.DecreaseParams{Cut: position.CutAdl, SizeDeltaUSD: sizeDeltaUSD})
}

func (x *Exchange) cut(ctx context.Context, step string, keeper, addr solana.PublicKey, d feature.Domain, params position.DecreaseParams) (*position.DecreaseReport, error) {
	var out position.DecreaseReport
	err := x.transact(ctx, "position", step, func(tx *txn) error {
		s, err := tx.keeperGuard(keeper, d, feature.Execute)
		if err != nil {
			return err
		}
		p, err := tx.Position(addr)
		if err != nil {
			return err
		}
		m, err := tx.activeMarket(s, p.MarketToken)
		if err != nil {
			return err
		}
		sm, cur, metas, err := tx.loadMarkets(s, m)
		if err != nil {
			return err
		}
		o, err := tx.setPrices(s, metas...)
		if err != nil {
			return err
		}
		defer o.Clear()
		prices, err := o.MarketPrices(m.MetaInfo)
		if err != nil {
			return err
		}
		params.Now = tx.now
		report, err := position.Decrease(cur, prices, p, params)
		if err != nil {
			return err
		}
		if err := tx.payDecrease(p.Owner, m.MetaInfo, p, report, true); err != nil {
			return err
		}
		if err := validateStaged(sm, tx.Vaults()); err != nil {
			return err
		}
		if err := tx.commit(sm); err != nil {
			return err
		}
		tx.closePosition(p, report.Closed)
		kind := EventPositionLiquidated
		if params.Cut == position.CutAdl {
			kind = EventPositionDeleveraged
		}
		tx.emit(Event{Kind: kind, Action: addr, Market: p.MarketToken, Owner: p.Owner, Data: report})
		out = report
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.LiquidationsTotal.WithLabelValues(params.Cut.String()).Inc()
	if !out.ShortfallUSD.IsZero() {
		shortfall := num.USD(out.ShortfallUSD)
		x.log.Warn("position cut with shortfall", "cut", params.Cut.String(), "position", addr.String(), "shortfall_usd", shortfall.String())
		metrics.ObserveShortfall(params.Cut.String(), shortfall.InexactFloat64())
	}
	return &out, nil
}

// LiquidationCandidate is a position found liquidatable by a scan.
type LiquidationCandidate struct {
	Position solana.PublicKey `json:"position"`
	Owner    solana.PublicKey `json:"owner"`
	Market   solana.PublicKey `json:"market"`
	Reason   string           `json:"reason"`
}

// ScanLiquidations checks every open position against current prices.
// Markets whose prices cannot be validated are skipped.
func (x *Exchange) ScanLiquidations(ctx context.Context) ([]LiquidationCandidate, error) {
	var out []LiquidationCandidate
	err := x.world.View(func(s *registry.State) error {
		st, err := s.RequireStore()
		if err != nil {
			return err
		}
		tx := &txn{State: s, x: x, ctx: ctx, now: x.now().Unix(), slot: x.slot()}
		byMarket := make(map[solana.PublicKey][]*position.Position)
		for _, p := range s.Positions {
			byMarket[p.MarketToken] = append(byMarket[p.MarketToken], p)
		}
		for token, positions := range byMarket {
			m, ok := s.Markets[token]
			if !ok || !m.FlagSet.Enabled {
				continue
			}
			o, err := tx.setPrices(st, m.MetaInfo)
			if err != nil {
				x.log.Warn("liquidation scan skipped market", "market", token.String(), "error", err)
				continue
			}
			prices, err := o.MarketPrices(m.MetaInfo)
			o.Clear()
			if err != nil {
				continue
			}
			for _, p := range positions {
				check, err := position.IsLiquidatable(m, prices, p)
				if err != nil || !check.Liquidatable {
					continue
				}
				out = append(out, LiquidationCandidate{Position: p.Address, Owner: p.Owner, Market: token, Reason: check.Reason})
			}
		}
		return nil
	})
	return out, err
}
