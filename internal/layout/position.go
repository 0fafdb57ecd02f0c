package layout

import (
	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/position"
)

// PositionSize is the encoded size of a position.
const PositionSize = 8 + 8 + 4*32 + 7*16 + 3*8 + 128

func EncodePosition(p *position.Position) ([]byte, error) {
	w := newWriter("Position")
	w.u8(p.Bump)
	w.flag(p.IsLong)
	w.pad(6)
	w.key(p.Store)
	w.key(p.Owner)
	w.key(p.MarketToken)
	w.key(p.CollateralToken)
	w.num(p.SizeInUSD)
	w.num(p.SizeInTokens)
	w.num(p.CollateralAmount)
	w.num(p.BorrowingFactor)
	w.num(p.FundingFeeAmountPerSize)
	w.num(p.LongClaimableFundingPerSize)
	w.num(p.ShortClaimableFundingPerSize)
	w.i64(p.IncreasedAt)
	w.i64(p.DecreasedAt)
	w.u64(p.TradeID)
	w.pad(128)
	return w.bytes()
}

func DecodePosition(address solana.PublicKey, data []byte) (*position.Position, error) {
	r, err := newReader("Position", data)
	if err != nil {
		return nil, err
	}
	p := &position.Position{Address: address}
	p.Bump = r.u8()
	p.IsLong = r.flag()
	r.skip(6)
	p.Store = r.key()
	p.Owner = r.key()
	p.MarketToken = r.key()
	p.CollateralToken = r.key()
	p.SizeInUSD = r.num()
	p.SizeInTokens = r.num()
	p.CollateralAmount = r.num()
	p.BorrowingFactor = r.num()
	p.FundingFeeAmountPerSize = r.num()
	p.LongClaimableFundingPerSize = r.num()
	p.ShortClaimableFundingPerSize = r.num()
	p.IncreasedAt = r.i64()
	p.DecreasedAt = r.i64()
	p.TradeID = r.u64()
	r.skip(128)
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}
