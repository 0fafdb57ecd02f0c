package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/api"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	prices := oracle.NewStaticAdapter()
	x := exchange.New(registry.NewWorld(registry.DefaultProgramID),
		exchange.WithStore(store.NewMemoryStore()),
		exchange.WithAdapter(oracle.ProviderStatic, prices),
	)
	srv := httptest.NewServer(api.NewServer(x, prices, nil, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func gmctl(t *testing.T, srv *httptest.Server, signer solana.PublicKey, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	full := []string{"-server", srv.URL}
	if !signer.IsZero() {
		full = append(full, "-signer", signer.String())
	}
	err := run(context.Background(), append(full, args...), &out, &errOut)
	return out.String(), err
}

func TestAdmin_StoreLifecycle(t *testing.T) {
	srv := newTestServer(t)
	admin := solana.NewWallet().PublicKey()
	keeperKey := solana.NewWallet().PublicKey()

	out, err := gmctl(t, srv, admin, "admin", "init-store", "main")
	require.NoError(t, err)
	want, _, err := registry.DeriveStorePDA(registry.DefaultProgramID, "main")
	require.NoError(t, err)
	assert.Equal(t, want.String(), strings.TrimSpace(out))

	_, err = gmctl(t, srv, admin, "admin", "init-roles")
	require.NoError(t, err)
	_, err = gmctl(t, srv, admin, "admin", "grant-role", keeperKey.String(), "order_keeper")
	require.NoError(t, err)

	out, err = gmctl(t, srv, admin, "admin", "members")
	require.NoError(t, err)
	assert.Contains(t, out, keeperKey.String())
	assert.Contains(t, out, string(registry.RoleOrderKeeper))

	out, err = gmctl(t, srv, admin, "admin", "roles")
	require.NoError(t, err)
	assert.Contains(t, out, string(registry.RoleMarketKeeper))

	_, err = gmctl(t, srv, admin, "admin", "revoke-role", keeperKey.String(), "ORDER_KEEPER")
	require.NoError(t, err)

	out, err = gmctl(t, srv, admin, "admin", "init-callback-authority")
	require.NoError(t, err)
	callback, _, err := registry.DeriveCallbackAuthorityPDA(registry.DefaultProgramID)
	require.NoError(t, err)
	assert.Equal(t, callback.String(), strings.TrimSpace(out))
	_, err = gmctl(t, srv, admin, "admin", "init-callback-authority")
	assert.ErrorContains(t, err, "409")

	out, err = gmctl(t, srv, solana.PublicKey{}, "inspect", "store")
	require.NoError(t, err)
	assert.Contains(t, out, admin.String())
}

func TestAdmin_Errors(t *testing.T) {
	srv := newTestServer(t)
	admin := solana.NewWallet().PublicKey()

	_, err := gmctl(t, srv, solana.PublicKey{}, "admin", "init-store", "main")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)

	_, err = gmctl(t, srv, admin, "admin", "init-store", "main")
	require.NoError(t, err)
	_, err = gmctl(t, srv, admin, "admin", "init-store", "main")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)

	_, err = gmctl(t, srv, admin, "admin", "grant-role", admin.String())
	assert.ErrorContains(t, err, "usage: gmctl admin grant-role")

	_, err = gmctl(t, srv, admin, "nope", "thing")
	assert.ErrorContains(t, err, "unknown command group")

	_, err = gmctl(t, srv, admin, "admin", "nope")
	assert.ErrorContains(t, err, `unknown admin command "nope"`)
}

func TestInspect_AccountAndLedger(t *testing.T) {
	srv := newTestServer(t)
	admin := solana.NewWallet().PublicKey()

	addr, err := gmctl(t, srv, admin, "admin", "init-store", "main")
	require.NoError(t, err)

	out, err := gmctl(t, srv, solana.PublicKey{}, "inspect", "account", strings.TrimSpace(addr))
	require.NoError(t, err)
	assert.Contains(t, out, `"kind": "store"`)

	out, err = gmctl(t, srv, solana.PublicKey{}, "inspect", "tld", admin.String())
	require.NoError(t, err)
	assert.Contains(t, out, "SOL")

	_, err = gmctl(t, srv, solana.PublicKey{}, "inspect", "events", "-limit", "5")
	require.NoError(t, err)
}

func TestDeriveAddress(t *testing.T) {
	program := registry.DefaultProgramID
	storeAddr, _, err := registry.DeriveStorePDA(program, "main")
	require.NoError(t, err)
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	vault, _, err := registry.DeriveVaultPDA(program, storeAddr, mint)
	require.NoError(t, err)
	ata, err := registry.AssociatedTokenAddress(owner, mint)
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    []string
		want    solana.PublicKey
		wantErr string
	}{
		{name: "store", args: []string{"store", "main"}, want: storeAddr},
		{name: "vault", args: []string{"vault", storeAddr.String(), mint.String()}, want: vault},
		{name: "ata", args: []string{"ata", owner.String(), mint.String()}, want: ata},
		{name: "no kind", wantErr: "address kind required"},
		{name: "unknown kind", args: []string{"oracle"}, wantErr: "unknown address kind"},
		{name: "seed count", args: []string{"vault", storeAddr.String()}, wantErr: "vault needs 2 seeds"},
		{name: "bad key", args: []string{"vault", "x", mint.String()}, wantErr: "store:"},
		{
			name:    "bad side",
			args:    []string{"position", storeAddr.String(), owner.String(), mint.String(), mint.String(), "up"},
			wantErr: "side must be long or short",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := deriveAddress(program.String(), tt.args)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
