package action_test

import (
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/swap"
)

func key() solana.PublicKey { return solana.NewWallet().PublicKey() }

func TestHeader_StateMachine(t *testing.T) {
	h := action.Header{Address: key(), Owner: key(), CreatedAt: 100}
	require.NoError(t, h.ValidateExecute(150, 60))
	assert.ErrorIs(t, h.ValidateExecute(161, 60), action.ErrExpired)

	require.NoError(t, h.Complete(150))
	assert.Equal(t, action.Completed, h.State)
	assert.Equal(t, int64(150), h.UpdatedAt)
	assert.ErrorIs(t, h.Complete(151), action.ErrNotPending)
	assert.ErrorIs(t, h.Cancel(151), action.ErrNotPending)
	assert.ErrorIs(t, h.ValidateExecute(151, 60), action.ErrNotPending)

	c := action.Header{Address: key(), CreatedAt: 100}
	require.NoError(t, c.Cancel(120))
	assert.Equal(t, action.Cancelled, c.State)
}

func TestHeader_ValidateClose(t *testing.T) {
	owner, keeper, stranger := key(), key(), key()
	pending := action.Header{Owner: owner, CreatedAt: 100}
	done := action.Header{Owner: owner, CreatedAt: 100, State: action.Completed}

	tests := []struct {
		name     string
		header   action.Header
		signer   solana.PublicKey
		isKeeper bool
		now      int64
		err      error
	}{
		{"OwnerPending", pending, owner, false, 101, nil},
		{"KeeperBeforeExpiry", pending, keeper, true, 160, action.ErrNotExpired},
		{"KeeperAfterExpiry", pending, keeper, true, 161, nil},
		{"KeeperFinished", done, keeper, true, 101, nil},
		{"Stranger", done, stranger, false, 500, action.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.ValidateClose(tt.signer, tt.isKeeper, tt.now, 60)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestOrder_Expiration(t *testing.T) {
	owner, keeper := key(), key()
	tests := []struct {
		kind    action.OrderKind
		expires bool
	}{
		{action.MarketSwap, true},
		{action.MarketIncrease, true},
		{action.MarketDecrease, true},
		{action.LimitSwap, false},
		{action.LimitIncrease, false},
		{action.LimitDecrease, false},
		{action.StopLossDecrease, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			o := action.Order{Header: action.Header{Owner: owner, CreatedAt: 100}, OrderKind: tt.kind}
			exp := o.Expiration(60)
			assert.Equal(t, tt.expires, tt.kind.Expires())
			assert.Equal(t, tt.expires, o.Expired(161, exp))

			execErr := o.ValidateExecute(161, exp)
			closeErr := o.ValidateClose(keeper, true, 161, exp)
			if tt.expires {
				assert.ErrorIs(t, execErr, action.ErrExpired)
				assert.NoError(t, closeErr)
			} else {
				assert.NoError(t, execErr)
				assert.ErrorIs(t, closeErr, action.ErrNotExpired)
			}
		})
	}
}

type metas map[solana.PublicKey]market.Meta

func (m metas) lookup(token solana.PublicKey) (market.Meta, error) {
	meta, ok := m[token]
	if !ok {
		return market.Meta{}, fmt.Errorf("market %s not found", token)
	}
	return meta, nil
}

func TestSwapParams_Validate(t *testing.T) {
	usdg := key()
	all := metas{}
	var path []solana.PublicKey
	for i := 0; i < 20; i++ {
		m := key()
		all[m] = market.Meta{MarketToken: m, IndexToken: key(), LongToken: key(), ShortToken: usdg}
		path = append(path, m)
	}

	ok := action.SwapParams{PrimaryPath: path[:2], SecondaryPath: path[1:3]}
	require.NoError(t, ok.Validate(all.lookup, usdg))
	assert.Len(t, ok.Markets(), 3)
	tokens, err := ok.Tokens(all.lookup, usdg)
	require.NoError(t, err)
	assert.Len(t, tokens, 4)

	dup := action.SwapParams{PrimaryPath: []solana.PublicKey{path[0], path[0]}}
	assert.ErrorIs(t, dup.Validate(all.lookup), swap.ErrInvalidSwapPath)

	long := action.SwapParams{PrimaryPath: path[:11]}
	assert.ErrorIs(t, long.Validate(all.lookup), swap.ErrPathTooLong)

	// Twenty distinct markets bring 20 long tokens plus USDG; three more
	// endpoint tokens push the total past the cap.
	wide := action.SwapParams{PrimaryPath: path[:10], SecondaryPath: path[10:20]}
	require.NoError(t, wide.Validate(all.lookup))
	assert.ErrorIs(t, wide.Validate(all.lookup, key(), key(), key()), action.ErrTooManyTokens)

	missing := action.SwapParams{PrimaryPath: []solana.PublicKey{key()}}
	assert.Error(t, missing.Validate(all.lookup))
}

func TestOrder_Validate(t *testing.T) {
	base := func(kind action.OrderKind) action.Order {
		return action.Order{
			OrderKind:                    kind,
			CollateralToken:              key(),
			InitialCollateralToken:       key(),
			FinalOutputToken:             key(),
			InitialCollateralDeltaAmount: num.New(100),
			SizeDeltaUSD:                 num.New(1_000),
		}
	}
	tests := []struct {
		name   string
		mutate func(o *action.Order)
		kind   action.OrderKind
		ok     bool
	}{
		{"MarketSwap", nil, action.MarketSwap, true},
		{"SwapWithoutAmount", func(o *action.Order) { o.InitialCollateralDeltaAmount = num.Zero }, action.MarketSwap, false},
		{"SwapSecondaryPath", func(o *action.Order) { o.Swap.SecondaryPath = []solana.PublicKey{key()} }, action.MarketSwap, false},
		{"MarketIncrease", nil, action.MarketIncrease, true},
		{"LimitIncreaseNoTrigger", nil, action.LimitIncrease, false},
		{"LimitIncrease", func(o *action.Order) { o.TriggerPrice = num.New(5) }, action.LimitIncrease, true},
		{"EmptyDecrease", func(o *action.Order) {
			o.SizeDeltaUSD, o.InitialCollateralDeltaAmount = num.Zero, num.Zero
		}, action.MarketDecrease, false},
		{"Liquidation", func(o *action.Order) { o.SizeDeltaUSD = num.Zero }, action.Liquidation, true},
		{"UnknownKind", nil, action.NumOrderKinds, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base(tt.kind)
			if tt.mutate != nil {
				tt.mutate(&o)
			}
			err := o.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, action.ErrInvalidArgument)
			}
		})
	}
}

func TestOrder_ValidateTrigger(t *testing.T) {
	price := num.Price{Min: num.New(99), Max: num.New(101)}
	tests := []struct {
		kind    action.OrderKind
		isLong  bool
		trigger uint64
		fires   bool
	}{
		{action.LimitIncrease, true, 101, true},
		{action.LimitIncrease, true, 100, false},
		{action.LimitIncrease, false, 99, true},
		{action.LimitIncrease, false, 100, false},
		{action.LimitDecrease, true, 99, true},
		{action.LimitDecrease, true, 100, false},
		{action.LimitDecrease, false, 101, true},
		{action.StopLossDecrease, true, 99, true},
		{action.StopLossDecrease, true, 98, false},
		{action.StopLossDecrease, false, 101, true},
		{action.StopLossDecrease, false, 102, false},
		{action.MarketDecrease, true, 1, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/long=%v/%d", tt.kind, tt.isLong, tt.trigger), func(t *testing.T) {
			o := action.Order{OrderKind: tt.kind, IsLong: tt.isLong, TriggerPrice: num.New(tt.trigger)}
			err := o.ValidateTrigger(price)
			if tt.fires {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, action.ErrTriggerNotMet)
			}
		})
	}
}

func TestOrder_Update(t *testing.T) {
	o := action.Order{
		Header:          action.Header{Address: key()},
		OrderKind:       action.LimitIncrease,
		CollateralToken: key(),
		SizeDeltaUSD:    num.New(1_000),
		TriggerPrice:    num.New(5),
	}
	o.InitialCollateralToken = o.CollateralToken

	trigger := num.New(7)
	require.NoError(t, o.Update(action.UpdateParams{TriggerPrice: &trigger}, 42))
	assert.Equal(t, trigger, o.TriggerPrice)
	assert.Equal(t, int64(42), o.UpdatedAt)

	zero := num.Zero
	assert.ErrorIs(t, o.Update(action.UpdateParams{TriggerPrice: &zero}, 43), action.ErrInvalidArgument)
	assert.Equal(t, trigger, o.TriggerPrice)

	m := action.Order{OrderKind: action.MarketIncrease}
	assert.ErrorIs(t, m.Update(action.UpdateParams{}, 1), action.ErrNotUpdatable)
}
