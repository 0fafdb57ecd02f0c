package layout

import (
	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/pool"
)

const (
	poolSize   = 48
	metaSize   = 4 * 32
	flagsSize  = 16
	stateSize  = 48
	nameSize   = 64
	configSize = market.MaxConfigKeys * 16

	// MarketSize is the encoded size of a market, discriminator included.
	MarketSize = 8 + 8 + nameSize + metaSize + flagsSize + 32 +
		int(market.NumPoolKinds)*poolSize + market.MaxClocks*8 + stateSize + configSize + 2*32 + 256

	// VirtualInventorySize is the encoded size of a virtual inventory.
	VirtualInventorySize = 8 + 8 + 32 + poolSize + 8
)

func (w *writer) pool(p pool.Pool) {
	w.num(p.LongAmount)
	w.num(p.ShortAmount)
	w.flag(p.Pure)
	w.pad(poolSize - 33)
}

func (r *reader) pool() pool.Pool {
	p := pool.Pool{LongAmount: r.num(), ShortAmount: r.num(), Pure: r.flag()}
	r.skip(poolSize - 33)
	return p
}

// EncodeMarket encodes m. The address is the account key and is not
// part of the data.
func EncodeMarket(m *market.Market) ([]byte, error) {
	w := newWriter("Market")
	w.u8(m.Bump)
	w.pad(7)
	w.fixed(m.Name, nameSize)

	w.key(m.MetaInfo.MarketToken)
	w.key(m.MetaInfo.IndexToken)
	w.key(m.MetaInfo.LongToken)
	w.key(m.MetaInfo.ShortToken)

	w.flag(m.FlagSet.Enabled)
	w.flag(m.FlagSet.Pure)
	w.pad(flagsSize - 2)
	w.key(m.Store)

	for _, p := range m.Pools {
		w.pool(p)
	}
	for _, c := range m.Clocks {
		w.i64(c)
	}

	w.signed(m.StateInfo.FundingFactorPerSecond)
	w.u64(m.StateInfo.TradeCount)
	w.pad(stateSize - 24)

	for _, v := range m.ConfigData {
		w.num(v)
	}
	w.key(m.VirtualInventoryForSwapsKey)
	w.key(m.VirtualInventoryForPositionsKey)
	w.pad(256)
	return w.bytes()
}

// DecodeMarket decodes the market stored at address.
func DecodeMarket(address solana.PublicKey, data []byte) (*market.Market, error) {
	r, err := newReader("Market", data)
	if err != nil {
		return nil, err
	}
	m := &market.Market{Address: address}
	m.Bump = r.u8()
	r.skip(7)
	m.Name = r.fixed(nameSize)

	m.MetaInfo = market.Meta{MarketToken: r.key(), IndexToken: r.key(), LongToken: r.key(), ShortToken: r.key()}
	m.FlagSet.Enabled = r.flag()
	m.FlagSet.Pure = r.flag()
	r.skip(flagsSize - 2)
	m.Store = r.key()

	for k := range m.Pools {
		m.Pools[k] = r.pool()
	}
	for k := range m.Clocks {
		m.Clocks[k] = r.i64()
	}

	m.StateInfo.FundingFactorPerSecond = r.signed()
	m.StateInfo.TradeCount = r.u64()
	r.skip(stateSize - 24)

	for k := range m.ConfigData {
		m.ConfigData[k] = r.num()
	}
	m.VirtualInventoryForSwapsKey = r.key()
	m.VirtualInventoryForPositionsKey = r.key()
	r.skip(256)
	if err := r.done(); err != nil {
		return nil, err
	}
	return m, nil
}

func EncodeVirtualInventory(vi *market.VirtualInventory) ([]byte, error) {
	w := newWriter("VirtualInventory")
	w.u8(uint8(vi.Kind))
	w.pad(7)
	w.key(vi.Address)
	w.pool(vi.Pool)
	w.u32(vi.Linked)
	w.pad(4)
	return w.bytes()
}

func DecodeVirtualInventory(data []byte) (*market.VirtualInventory, error) {
	r, err := newReader("VirtualInventory", data)
	if err != nil {
		return nil, err
	}
	vi := &market.VirtualInventory{Kind: market.VirtualInventoryKind(r.u8())}
	r.skip(7)
	vi.Address = r.key()
	vi.Pool = r.pool()
	vi.Linked = r.u32()
	r.skip(4)
	if err := r.done(); err != nil {
		return nil, err
	}
	return vi, nil
}
