package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/api"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

var clock = time.Unix(1_700_000_000, 0).UTC()

type testEnv struct {
	x      *exchange.Exchange
	router chi.Router

	admin  solana.PublicKey
	keeper solana.PublicKey
	user   solana.PublicKey
	long   solana.PublicKey
	short  solana.PublicKey
	market solana.PublicKey
}

func tokenConfig(name string) oracle.TokenConfig {
	return oracle.TokenConfig{
		Name:             name,
		Enabled:          true,
		Decimals:         6,
		Precision:        6,
		Heartbeat:        60,
		ExpectedProvider: oracle.ProviderStatic,
		Feeds:            map[oracle.ProviderKind]oracle.FeedConfig{oracle.ProviderStatic: {}},
	}
}

// newTestEnv builds an exchange with one WSOL/USDG market and a funded user.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	prices := oracle.NewStaticAdapter()
	env := &testEnv{
		admin:  solana.NewWallet().PublicKey(),
		keeper: solana.NewWallet().PublicKey(),
		user:   solana.NewWallet().PublicKey(),
		long:   solana.NewWallet().PublicKey(),
		short:  solana.NewWallet().PublicKey(),
	}
	env.x = exchange.New(registry.NewWorld(registry.DefaultProgramID),
		exchange.WithStore(store.NewMemoryStore()),
		exchange.WithAdapter(oracle.ProviderStatic, prices),
		exchange.WithClock(func() time.Time { return clock }),
	)

	_, err := env.x.InitStore(ctx, env.admin, "api")
	require.NoError(t, err)
	require.NoError(t, env.x.InitRoles(ctx, env.admin))
	require.NoError(t, env.x.GrantRole(ctx, env.admin, env.keeper, registry.RoleOrderKeeper))
	require.NoError(t, env.x.InsertTokenConfig(ctx, env.admin, env.long, tokenConfig("WSOL")))
	require.NoError(t, env.x.InsertTokenConfig(ctx, env.admin, env.short, tokenConfig("USDG")))

	for token, usd := range map[solana.PublicKey]uint32{env.long: 2, env.short: 1} {
		p := num.Decimal{Value: usd, DecimalMultiplier: 14}
		prices.Set(token, oracle.FeedPrice{Ts: clock.Unix(), Min: p, Max: p})
	}

	m, err := env.x.InitMarket(ctx, env.admin, exchange.InitMarketParams{
		Name:       "WSOL/WSOL/USDG",
		IndexToken: env.long,
		LongToken:  env.long,
		ShortToken: env.short,
	})
	require.NoError(t, err)
	env.market = m.MetaInfo.MarketToken
	zero := decimal.Zero
	require.NoError(t, env.x.UpdateMarketConfig(ctx, env.admin, env.market, map[string]decimal.Decimal{
		"swap_impact_positive_factor":          zero,
		"swap_impact_negative_factor":          zero,
		"swap_fee_factor_for_positive_impact":  zero,
		"swap_fee_factor_for_negative_impact":  zero,
		"order_fee_factor_for_positive_impact": zero,
		"order_fee_factor_for_negative_impact": zero,
	}))

	require.NoError(t, env.x.Mint(ctx, env.admin, env.user, env.long, num.New(10_000_000_000)))
	require.NoError(t, env.x.Mint(ctx, env.admin, env.user, env.short, num.New(10_000_000_000)))
	require.NoError(t, env.x.Airdrop(ctx, env.admin, env.user, 1_000_000))

	env.router = api.NewServer(env.x, prices, nil, nil).Router()
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, signer solana.PublicKey, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !signer.IsZero() {
		req.Header.Set(api.SignerHeader, signer.String())
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateDeposit_MissingSigner(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/deposits", solana.PublicKey{}, map[string]any{
		"market_token":        env.market.String(),
		"initial_long_amount": "1000000",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeposit_CreateExecuteOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/deposits", env.user, map[string]any{
		"market_token":         env.market.String(),
		"initial_long_amount":  "1000000000",
		"initial_short_amount": "1000000000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[struct {
		Address solana.PublicKey `json:"address"`
	}](t, w)
	require.False(t, created.Address.IsZero())

	actions := decodeBody[[]map[string]any](t, env.do(t, http.MethodGet, "/actions", solana.PublicKey{}, nil))
	require.Len(t, actions, 1)
	assert.Equal(t, "deposit", actions[0]["kind"])

	w = env.do(t, http.MethodPost, "/deposits/"+created.Address.String()+"/execute", env.keeper, map[string]any{
		"throw_on_error": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Executed deposits are closed.
	w = env.do(t, http.MethodGet, "/deposits/"+created.Address.String(), solana.PublicKey{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	bal := decodeBody[api.BalancesResponse](t, env.do(t, http.MethodGet, "/accounts/"+env.user.String()+"/balances", solana.PublicKey{}, nil))
	var marketTokens string
	for _, acc := range bal.Tokens {
		if acc.Mint.Equals(env.market) {
			marketTokens = acc.Amount.String()
		}
	}
	assert.Equal(t, "3000000000000", marketTokens)

	events := decodeBody[[]map[string]any](t, env.do(t, http.MethodGet, "/events?action="+created.Address.String(), solana.PublicKey{}, nil))
	assert.NotEmpty(t, events)
}

func TestExecuteDeposit_RequiresKeeper(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/deposits", env.user, map[string]any{
		"market_token":        env.market.String(),
		"initial_long_amount": "1000000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[struct {
		Address solana.PublicKey `json:"address"`
	}](t, w)

	// Empty body executes softly.
	w = env.do(t, http.MethodPost, "/deposits/"+created.Address.String()+"/execute", env.user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decodeBody[map[string]string](t, w)
	assert.Equal(t, exchange.KindAuthorization.String(), body["class"])
}

func TestListMarkets(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/markets", solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	markets := decodeBody[[]map[string]any](t, w)
	require.Len(t, markets, 1)
	assert.Equal(t, "WSOL/WSOL/USDG", markets[0]["name"])
	assert.Equal(t, env.market.String(), markets[0]["market_token"])

	w = env.do(t, http.MethodGet, "/markets/"+env.market.String(), solana.PublicKey{}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundAndBadInput(t *testing.T) {
	env := newTestEnv(t)
	unknown := solana.NewWallet().PublicKey().String()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown deposit", http.MethodGet, "/deposits/" + unknown, http.StatusNotFound},
		{"unknown position", http.MethodGet, "/positions/" + unknown, http.StatusNotFound},
		{"unknown market", http.MethodGet, "/markets/" + unknown, http.StatusNotFound},
		{"malformed address", http.MethodGet, "/orders/not-a-key", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/events?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, solana.PublicKey{}, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestPostPrice_KeeperOnly(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{
		"min": map[string]any{"value": 3, "decimal_multiplier": 14},
		"max": map[string]any{"value": 3, "decimal_multiplier": 14},
		"ts":  clock.Unix(),
	}

	w := env.do(t, http.MethodPost, "/prices/"+env.long.String(), env.user, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/prices/"+env.long.String(), env.keeper, body)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestListEmptyCollections(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/positions", "/liquidations", "/actions"} {
		w := env.do(t, http.MethodGet, path, solana.PublicKey{}, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, "[]", w.Body.String(), path)
	}
}

func TestGetAccount_DecodesLayout(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.x.StoreInfo()
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/accounts/"+st.Address.String(), solana.PublicKey{}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decodeBody[map[string]any](t, w)
	assert.Equal(t, "store", view["kind"])
	assert.Equal(t, "Store", view["discriminator"])

	w = env.do(t, http.MethodGet, "/accounts/"+solana.NewWallet().PublicKey().String(), solana.PublicKey{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
