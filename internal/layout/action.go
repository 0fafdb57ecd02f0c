package layout

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/swap"
)

// HeaderSize is the encoded size of the common action header.
const HeaderSize = 8 + 5*32 + 32 + 8 + 4*8

func (w *writer) header(h *action.Header) {
	w.u64(h.ID)
	w.key(h.Store)
	w.key(h.Market)
	w.key(h.Owner)
	w.key(h.Receiver)
	w.key(h.RentReceiver)
	w.raw(h.Nonce[:])
	w.u8(h.Bump)
	w.u8(uint8(h.Kind))
	w.u8(uint8(h.State))
	w.flag(h.ShouldUnwrapNative)
	w.pad(4)
	w.i64(h.CreatedAt)
	w.i64(h.UpdatedAt)
	w.u64(h.Slot)
	w.u64(h.ExecutionLamports)
}

func (r *reader) header(address solana.PublicKey) action.Header {
	h := action.Header{Address: address}
	h.ID = r.u64()
	h.Store = r.key()
	h.Market = r.key()
	h.Owner = r.key()
	h.Receiver = r.key()
	h.RentReceiver = r.key()
	copy(h.Nonce[:], r.raw(32))
	h.Bump = r.u8()
	h.Kind = action.Kind(r.u8())
	h.State = action.State(r.u8())
	h.ShouldUnwrapNative = r.flag()
	r.skip(4)
	h.CreatedAt = r.i64()
	h.UpdatedAt = r.i64()
	h.Slot = r.u64()
	h.ExecutionLamports = r.u64()
	return h
}

// swapParams writes the path lengths followed by both paths.
func (w *writer) swapParams(p action.SwapParams) {
	if len(p.PrimaryPath) > swap.MaxPathLength || len(p.SecondaryPath) > swap.MaxPathLength {
		w.do(fmt.Errorf("%w: swap path of %d and %d markets", ErrTooLong, len(p.PrimaryPath), len(p.SecondaryPath)))
		return
	}
	w.u8(uint8(len(p.PrimaryPath)))
	w.u8(uint8(len(p.SecondaryPath)))
	w.pad(6)
	for _, k := range p.PrimaryPath {
		w.key(k)
	}
	for _, k := range p.SecondaryPath {
		w.key(k)
	}
}

func (r *reader) swapParams() action.SwapParams {
	primary := int(r.u8())
	secondary := int(r.u8())
	r.skip(6)
	if primary > swap.MaxPathLength || secondary > swap.MaxPathLength {
		r.fail(fmt.Errorf("%w: swap path of %d and %d markets", ErrTooLong, primary, secondary))
		return action.SwapParams{}
	}
	var p action.SwapParams
	for i := 0; i < primary; i++ {
		p.PrimaryPath = append(p.PrimaryPath, r.key())
	}
	for i := 0; i < secondary; i++ {
		p.SecondaryPath = append(p.SecondaryPath, r.key())
	}
	return p
}

func EncodeDeposit(d *action.Deposit) ([]byte, error) {
	w := newWriter("Deposit")
	w.header(&d.Header)
	w.key(d.InitialLongToken)
	w.key(d.InitialShortToken)
	w.num(d.InitialLongAmount)
	w.num(d.InitialShortAmount)
	w.num(d.MinMarketTokenAmount)
	w.swapParams(d.Swap)
	return w.bytes()
}

func DecodeDeposit(address solana.PublicKey, data []byte) (*action.Deposit, error) {
	r, err := newReader("Deposit", data)
	if err != nil {
		return nil, err
	}
	d := &action.Deposit{Header: r.header(address)}
	d.InitialLongToken = r.key()
	d.InitialShortToken = r.key()
	d.InitialLongAmount = r.num()
	d.InitialShortAmount = r.num()
	d.MinMarketTokenAmount = r.num()
	d.Swap = r.swapParams()
	if err := r.done(); err != nil {
		return nil, err
	}
	return d, nil
}

func EncodeWithdrawal(wd *action.Withdrawal) ([]byte, error) {
	w := newWriter("Withdrawal")
	w.header(&wd.Header)
	w.num(wd.MarketTokenAmount)
	w.key(wd.FinalLongToken)
	w.key(wd.FinalShortToken)
	w.num(wd.MinLongTokenAmount)
	w.num(wd.MinShortTokenAmount)
	w.swapParams(wd.Swap)
	return w.bytes()
}

func DecodeWithdrawal(address solana.PublicKey, data []byte) (*action.Withdrawal, error) {
	r, err := newReader("Withdrawal", data)
	if err != nil {
		return nil, err
	}
	wd := &action.Withdrawal{Header: r.header(address)}
	wd.MarketTokenAmount = r.num()
	wd.FinalLongToken = r.key()
	wd.FinalShortToken = r.key()
	wd.MinLongTokenAmount = r.num()
	wd.MinShortTokenAmount = r.num()
	wd.Swap = r.swapParams()
	if err := r.done(); err != nil {
		return nil, err
	}
	return wd, nil
}

func EncodeShift(s *action.Shift) ([]byte, error) {
	w := newWriter("Shift")
	w.header(&s.Header)
	w.key(s.FromMarketToken)
	w.key(s.ToMarketToken)
	w.num(s.FromMarketTokenAmount)
	w.num(s.MinToMarketTokenAmount)
	return w.bytes()
}

func DecodeShift(address solana.PublicKey, data []byte) (*action.Shift, error) {
	r, err := newReader("Shift", data)
	if err != nil {
		return nil, err
	}
	s := &action.Shift{Header: r.header(address)}
	s.FromMarketToken = r.key()
	s.ToMarketToken = r.key()
	s.FromMarketTokenAmount = r.num()
	s.MinToMarketTokenAmount = r.num()
	if err := r.done(); err != nil {
		return nil, err
	}
	return s, nil
}

func EncodeOrder(o *action.Order) ([]byte, error) {
	w := newWriter("Order")
	w.header(&o.Header)
	w.u8(uint8(o.OrderKind))
	w.flag(o.IsLong)
	w.pad(6)
	w.key(o.Position)
	w.key(o.CollateralToken)
	w.key(o.InitialCollateralToken)
	w.key(o.FinalOutputToken)
	w.num(o.InitialCollateralDeltaAmount)
	w.num(o.SizeDeltaUSD)
	w.num(o.AcceptablePrice)
	w.num(o.TriggerPrice)
	w.num(o.MinOutputAmount)
	w.swapParams(o.Swap)
	return w.bytes()
}

func DecodeOrder(address solana.PublicKey, data []byte) (*action.Order, error) {
	r, err := newReader("Order", data)
	if err != nil {
		return nil, err
	}
	o := &action.Order{Header: r.header(address)}
	o.OrderKind = action.OrderKind(r.u8())
	o.IsLong = r.flag()
	r.skip(6)
	o.Position = r.key()
	o.CollateralToken = r.key()
	o.InitialCollateralToken = r.key()
	o.FinalOutputToken = r.key()
	o.InitialCollateralDeltaAmount = r.num()
	o.SizeDeltaUSD = r.num()
	o.AcceptablePrice = r.num()
	o.TriggerPrice = r.num()
	o.MinOutputAmount = r.num()
	o.Swap = r.swapParams()
	if err := r.done(); err != nil {
		return nil, err
	}
	return o, nil
}
