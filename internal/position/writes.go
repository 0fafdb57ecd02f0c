package position

import (
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// poolWrites nets the pool changes of one update so each slot is written
// once, in pool kind order.
type poolWrites [market.NumPoolKinds][2]num.Signed

func (w *poolWrites) add(kind market.PoolKind, side pool.Side, amount num.Num) error {
	d, err := num.ToSigned(amount)
	if err != nil {
		return err
	}
	return w.addSigned(kind, side, d)
}

func (w *poolWrites) sub(kind market.PoolKind, side pool.Side, amount num.Num) error {
	d, err := num.ToNegSigned(amount)
	if err != nil {
		return err
	}
	return w.addSigned(kind, side, d)
}

func (w *poolWrites) addSigned(kind market.PoolKind, side pool.Side, d num.Signed) error {
	next, err := w[kind][side].Add(d)
	if err != nil {
		return err
	}
	w[kind][side] = next
	return nil
}

// fee credits the receiver share of amount to the claimable fee pool and
// the rest to the primary pool.
func (w *poolWrites) fee(side pool.Side, amount, receiverFactor num.Num) error {
	if amount.IsZero() {
		return nil
	}
	receiver, err := num.ApplyFactor(amount, receiverFactor)
	if err != nil {
		return err
	}
	if err := w.add(market.ClaimableFee, side, receiver); err != nil {
		return err
	}
	return w.add(market.Primary, side, amount.SaturatingSub(receiver))
}

func (w *poolWrites) apply(m market.Mutable) error {
	for k := market.PoolKind(0); k < market.NumPoolKinds; k++ {
		for _, side := range []pool.Side{pool.Long, pool.Short} {
			if d := w[k][side]; !d.IsZero() {
				if err := m.ApplyPoolDelta(k, side, d); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
