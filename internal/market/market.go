// Package market holds per-market state and the pricing math that runs on
// top of it: pool valuation, pnl and pnl factors, reserve checks, borrowing
// and funding accrual, and swap and position price impact.
//
// Algorithms are written against the View and Mutable interfaces so they
// run unchanged on a plain Market and on a revertible wrapper.
package market

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// PoolKind names one of the fixed pools of a market. The numeric tag is
// also the commit order of staged deltas.
type PoolKind uint8

const (
	Primary PoolKind = iota
	SwapImpact
	ClaimableFee
	OpenInterestLong
	OpenInterestShort
	OpenInterestInTokensLong
	OpenInterestInTokensShort
	PositionImpact
	BorrowingFactor
	FundingAmountPerSizeLong
	FundingAmountPerSizeShort
	ClaimableFundingPerSizeLong
	ClaimableFundingPerSizeShort
	CollateralSumLong
	CollateralSumShort

	NumPoolKinds
)

var poolKindNames = [NumPoolKinds]string{
	"primary", "swap_impact", "claimable_fee",
	"open_interest_long", "open_interest_short",
	"open_interest_in_tokens_long", "open_interest_in_tokens_short",
	"position_impact", "borrowing_factor",
	"funding_amount_per_size_long", "funding_amount_per_size_short",
	"claimable_funding_per_size_long", "claimable_funding_per_size_short",
	"collateral_sum_long", "collateral_sum_short",
}

func (k PoolKind) String() string {
	if k >= NumPoolKinds {
		return fmt.Sprintf("pool_kind(%d)", uint8(k))
	}
	return poolKindNames[k]
}

// followsPurity reports whether pools of this kind alias their sides in a
// pure market. Per-size accumulators, borrowing factors and the position
// impact pool always keep two independent slots.
func (k PoolKind) followsPurity() bool {
	switch k {
	case Primary, SwapImpact, ClaimableFee,
		OpenInterestLong, OpenInterestShort,
		OpenInterestInTokensLong, OpenInterestInTokensShort,
		CollateralSumLong, CollateralSumShort:
		return true
	default:
		return false
	}
}

// OpenInterestKind returns the open interest pool for a position side.
func OpenInterestKind(isLong bool) PoolKind {
	if isLong {
		return OpenInterestLong
	}
	return OpenInterestShort
}

// OpenInterestInTokensKind returns the open interest in tokens pool.
func OpenInterestInTokensKind(isLong bool) PoolKind {
	if isLong {
		return OpenInterestInTokensLong
	}
	return OpenInterestInTokensShort
}

// FundingAmountPerSizeKind returns the funding fee accumulator.
func FundingAmountPerSizeKind(isLong bool) PoolKind {
	if isLong {
		return FundingAmountPerSizeLong
	}
	return FundingAmountPerSizeShort
}

// ClaimableFundingPerSizeKind returns the claimable funding accumulator.
func ClaimableFundingPerSizeKind(isLong bool) PoolKind {
	if isLong {
		return ClaimableFundingPerSizeLong
	}
	return ClaimableFundingPerSizeShort
}

// CollateralSumKind returns the collateral sum pool.
func CollateralSumKind(isLong bool) PoolKind {
	if isLong {
		return CollateralSumLong
	}
	return CollateralSumShort
}

// ClockKind names a market clock.
type ClockKind uint8

const (
	ClockPriceImpactDistribution ClockKind = iota
	ClockBorrowing
	ClockFunding

	NumClockKinds
)

// MaxClocks is the number of clock slots reserved in the account layout.
const MaxClocks = 8

// VirtualInventoryKind selects the swap or position virtual inventory.
type VirtualInventoryKind uint8

const (
	VirtualInventoryForSwaps VirtualInventoryKind = iota
	VirtualInventoryForPositions
)

var (
	// ErrDisabled is returned when a disabled market is mutated.
	ErrDisabled = errors.New("market: disabled")

	// ErrStoreMismatch is returned when a market does not belong to the
	// expected store.
	ErrStoreMismatch = errors.New("market: store mismatch")

	// ErrInvalidPoolKind is returned for an out of range pool kind.
	ErrInvalidPoolKind = errors.New("market: invalid pool kind")

	// ErrInvalidCollateralToken is returned when a token is neither the
	// long nor the short token of the market.
	ErrInvalidCollateralToken = errors.New("market: invalid collateral token")

	// ErrMaxPoolAmountExceeded is returned when a primary pool side goes
	// above its configured cap.
	ErrMaxPoolAmountExceeded = errors.New("market: max pool amount exceeded")

	// ErrMaxOpenInterestExceeded is returned when open interest on a side
	// goes above its configured cap.
	ErrMaxOpenInterestExceeded = errors.New("market: max open interest exceeded")

	// ErrReserveExceeded is returned when reserved value exceeds the
	// reserve factor share of the pool.
	ErrReserveExceeded = errors.New("market: reserve exceeded")

	// ErrOpenInterestReserveExceeded is the open interest reserve variant.
	ErrOpenInterestReserveExceeded = errors.New("market: open interest reserve exceeded")

	// ErrPnlFactorExceeded is returned when the pnl to pool factor of a
	// side is above the configured maximum.
	ErrPnlFactorExceeded = errors.New("market: pnl factor exceeded")

	// ErrEmptyPool is returned when a computation needs a non-empty pool.
	ErrEmptyPool = errors.New("market: empty pool")

	// ErrInvalidName is returned for malformed market names.
	ErrInvalidName = errors.New("market: invalid name")
)

// Meta identifies the four mints of a market.
type Meta struct {
	MarketToken solana.PublicKey `json:"market_token"`
	IndexToken  solana.PublicKey `json:"index_token"`
	LongToken   solana.PublicKey `json:"long_token"`
	ShortToken  solana.PublicKey `json:"short_token"`
}

// IsPure reports whether the long and short token are the same mint.
func (m Meta) IsPure() bool { return m.LongToken.Equals(m.ShortToken) }

// Side returns the side a collateral token maps to. In a pure market the
// long side is reported.
func (m Meta) Side(token solana.PublicKey) (pool.Side, error) {
	switch {
	case token.Equals(m.LongToken):
		return pool.Long, nil
	case token.Equals(m.ShortToken):
		return pool.Short, nil
	default:
		return pool.Long, fmt.Errorf("%w: %s", ErrInvalidCollateralToken, token)
	}
}

// Token returns the mint backing a side.
func (m Meta) Token(side pool.Side) solana.PublicKey {
	if side == pool.Long {
		return m.LongToken
	}
	return m.ShortToken
}

// PnlToken returns the token a position side realizes pnl in.
func (m Meta) PnlToken(isLong bool) solana.PublicKey {
	if isLong {
		return m.LongToken
	}
	return m.ShortToken
}

// OppositeToken returns the other collateral token.
func (m Meta) OppositeToken(token solana.PublicKey) (solana.PublicKey, error) {
	side, err := m.Side(token)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return m.Token(side.Opposite()), nil
}

// VirtualInventory is a pool shared by several markets. The swap kind
// holds collateral token amounts; the position kind holds open interest in
// USD.
type VirtualInventory struct {
	Address solana.PublicKey     `json:"address"`
	Kind    VirtualInventoryKind `json:"kind"`
	Pool    pool.Pool            `json:"pool"`
	Linked  uint32               `json:"linked"`
}

func (k VirtualInventoryKind) String() string {
	if k == VirtualInventoryForPositions {
		return "positions"
	}
	return "swaps"
}

// Flags holds market switches.
type Flags struct {
	Enabled bool `json:"enabled"`
	Pure    bool `json:"pure"`
}

// State holds the non-pool mutable scalars of a market.
type State struct {
	// FundingFactorPerSecond is the saved adaptive funding factor; positive
	// means longs pay shorts.
	FundingFactorPerSecond num.Signed `json:"funding_factor_per_second"`
	TradeCount             uint64     `json:"trade_count"`
}

// View is read access to a market.
type View interface {
	Meta() Meta
	Flags() Flags
	Config() *Config
	Pool(kind PoolKind) pool.Pool
	Clock(kind ClockKind) int64
	FundingFactorPerSecond() num.Signed
	// VirtualInventory returns the linked virtual inventory pool, if any.
	VirtualInventory(kind VirtualInventoryKind) (pool.Pool, bool)
}

// Mutable is write access to a market.
type Mutable interface {
	View
	ApplyPoolDelta(kind PoolKind, side pool.Side, delta num.Signed) error
	SetClock(kind ClockKind, ts int64)
	SetFundingFactorPerSecond(v num.Signed)
	NextTradeID() uint64
}

// Market is a market account.
type Market struct {
	Address solana.PublicKey
	Bump    uint8
	Store   solana.PublicKey
	Name    string

	MetaInfo   Meta
	FlagSet    Flags
	Pools      [NumPoolKinds]pool.Pool
	Clocks     [MaxClocks]int64
	StateInfo  State
	ConfigData Config

	// Linked virtual inventories; the zero key means none.
	VirtualInventoryForSwapsKey     solana.PublicKey
	VirtualInventoryForPositionsKey solana.PublicKey
}

// New creates an enabled market with default config and empty pools.
func New(address, store solana.PublicKey, name string, meta Meta, now int64) *Market {
	m := &Market{
		Address:    address,
		Store:      store,
		Name:       name,
		MetaInfo:   meta,
		FlagSet:    Flags{Enabled: true, Pure: meta.IsPure()},
		ConfigData: DefaultConfig(),
	}
	for k := PoolKind(0); k < NumPoolKinds; k++ {
		m.Pools[k] = pool.New(m.FlagSet.Pure && k.followsPurity())
	}
	for c := ClockKind(0); c < NumClockKinds; c++ {
		m.Clocks[c] = now
	}
	return m
}

// Clone returns a deep copy of m.
func (m *Market) Clone() *Market {
	c := *m
	return &c
}

// Validate checks that m can be mutated on behalf of store.
func (m *Market) Validate(store solana.PublicKey) error {
	if !m.Store.Equals(store) {
		return fmt.Errorf("%w: market %s belongs to %s", ErrStoreMismatch, m.MetaInfo.MarketToken, m.Store)
	}
	if !m.FlagSet.Enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, m.MetaInfo.MarketToken)
	}
	return nil
}

func (m *Market) Meta() Meta { return m.MetaInfo }
func (m *Market) Flags() Flags { return m.FlagSet }
func (m *Market) Config() *Config { return &m.ConfigData }
func (m *Market) Clock(kind ClockKind) int64 { return m.Clocks[kind] }
func (m *Market) FundingFactorPerSecond() num.Signed { return m.StateInfo.FundingFactorPerSecond }

// VirtualInventoryKey returns the linked inventory address, or the zero key.
func (m *Market) VirtualInventoryKey(kind VirtualInventoryKind) solana.PublicKey {
	if kind == VirtualInventoryForPositions {
		return m.VirtualInventoryForPositionsKey
	}
	return m.VirtualInventoryForSwapsKey
}

// Pool returns a copy of the pool of the given kind.
func (m *Market) Pool(kind PoolKind) pool.Pool {
	if kind >= NumPoolKinds {
		return pool.Pool{}
	}
	return m.Pools[kind]
}

// VirtualInventory reports no inventory: linked inventories are separate
// accounts and are resolved by the revertible layer.
func (m *Market) VirtualInventory(VirtualInventoryKind) (pool.Pool, bool) {
	return pool.Pool{}, false
}

// ApplyPoolDelta writes directly to a pool of an enabled market.
func (m *Market) ApplyPoolDelta(kind PoolKind, side pool.Side, delta num.Signed) error {
	if kind >= NumPoolKinds {
		return fmt.Errorf("%w: %d", ErrInvalidPoolKind, kind)
	}
	if !m.FlagSet.Enabled {
		return ErrDisabled
	}
	p := m.Pools[kind]
	if err := p.ApplyDelta(side, delta); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	m.Pools[kind] = p
	return nil
}

func (m *Market) SetClock(kind ClockKind, ts int64) { m.Clocks[kind] = ts }

func (m *Market) SetFundingFactorPerSecond(v num.Signed) {
	m.StateInfo.FundingFactorPerSecond = v
}

// NextTradeID increments and returns the trade counter.
func (m *Market) NextTradeID() uint64 {
	m.StateInfo.TradeCount++
	return m.StateInfo.TradeCount
}

// --- Shared helpers ---

// JustPassedSeconds returns max(0, now - clock) and advances the clock to
// now when time has passed.
func JustPassedSeconds(m Mutable, kind ClockKind, now int64) uint64 {
	last := m.Clock(kind)
	if now <= last {
		return 0
	}
	m.SetClock(kind, now)
	return uint64(now - last)
}

// PassedSeconds is the read-only counterpart of JustPassedSeconds.
func PassedSeconds(v View, kind ClockKind, now int64) uint64 {
	last := v.Clock(kind)
	if now <= last {
		return 0
	}
	return uint64(now - last)
}

// ApplyDelta is a convenience for an unsigned increase or decrease.
func ApplyDelta(m Mutable, kind PoolKind, side pool.Side, amount num.Num, increase bool) error {
	var (
		d   num.Signed
		err error
	)
	if increase {
		d, err = num.ToSigned(amount)
	} else {
		d, err = num.ToNegSigned(amount)
	}
	if err != nil {
		return err
	}
	return m.ApplyPoolDelta(kind, side, d)
}

// TotalOpenInterest returns the open interest of one position side in USD.
func TotalOpenInterest(v View, isLong bool) (num.Num, error) {
	return v.Pool(OpenInterestKind(isLong)).Total()
}

// TotalOpenInterestInTokens returns the open interest in index tokens.
func TotalOpenInterestInTokens(v View, isLong bool) (num.Num, error) {
	return v.Pool(OpenInterestInTokensKind(isLong)).Total()
}
