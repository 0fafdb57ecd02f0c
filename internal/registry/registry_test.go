package registry_test

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/registry"
)

func newStore(t *testing.T) (*registry.Store, solana.PublicKey) {
	t.Helper()
	admin := solana.NewWallet().PublicKey()
	s, err := registry.NewStore(registry.DefaultProgramID, admin, "test")
	require.NoError(t, err)
	return s, admin
}

func TestStore_Roles(t *testing.T) {
	s, admin := newStore(t)
	keeper := solana.NewWallet().PublicKey()

	assert.True(t, s.HasRole(admin, registry.RoleOrderKeeper))
	assert.False(t, s.HasRole(keeper, registry.RoleOrderKeeper))

	assert.ErrorIs(t, s.GrantRole(keeper, registry.RoleOrderKeeper), registry.ErrUnknownRole)
	s.EnableRole(registry.RoleOrderKeeper)
	require.NoError(t, s.GrantRole(keeper, registry.RoleOrderKeeper))
	assert.True(t, s.HasRole(keeper, registry.RoleOrderKeeper))
	assert.NoError(t, s.RequireRole(keeper, registry.RoleOrderKeeper))
	assert.ErrorIs(t, s.RequireRole(keeper, registry.RoleMarketKeeper), registry.ErrPermissionDenied)

	require.NoError(t, s.DisableRole(registry.RoleOrderKeeper))
	assert.False(t, s.HasRole(keeper, registry.RoleOrderKeeper))
	assert.ErrorIs(t, s.GrantRole(solana.NewWallet().PublicKey(), registry.RoleOrderKeeper), registry.ErrRoleDisabled)

	s.EnableRole(registry.RoleOrderKeeper)
	require.NoError(t, s.RevokeRole(keeper, registry.RoleOrderKeeper))
	assert.False(t, s.HasRole(keeper, registry.RoleOrderKeeper))
	assert.Empty(t, s.MemberRoles(keeper))
}

func TestStore_AuthorityTransfer(t *testing.T) {
	s, admin := newStore(t)
	next := solana.NewWallet().PublicKey()

	assert.ErrorIs(t, s.AcceptAuthority(next), registry.ErrNoPendingTransfer)
	s.TransferAuthority(next)
	assert.ErrorIs(t, s.AcceptAuthority(admin), registry.ErrPermissionDenied)
	require.NoError(t, s.AcceptAuthority(next))
	assert.True(t, s.IsAdmin(next))
	assert.False(t, s.IsAdmin(admin))
	assert.True(t, s.NextAuthority.IsZero())
}

func TestNewStore_KeyTooLong(t *testing.T) {
	_, err := registry.NewStore(registry.DefaultProgramID, solana.NewWallet().PublicKey(), "0123456789012345678901234567890123")
	assert.ErrorIs(t, err, registry.ErrInvalidStoreKey)
}

func TestLedger(t *testing.T) {
	l := registry.NewLedger()
	mint := solana.NewWallet().PublicKey()
	alice := solana.NewWallet().PublicKey()
	bob := solana.NewWallet().PublicKey()

	a, err := l.Open(alice, mint)
	require.NoError(t, err)
	b, err := l.Open(bob, mint)
	require.NoError(t, err)

	require.NoError(t, l.MintTo(a.Address, num.New(100)))
	assert.Equal(t, num.New(100), l.Supply(mint))

	require.NoError(t, l.Transfer(a.Address, b.Address, num.New(40)))
	assert.Equal(t, num.New(60), l.Balance(alice, mint))
	assert.Equal(t, num.New(40), l.Balance(bob, mint))
	assert.ErrorIs(t, l.Transfer(a.Address, b.Address, num.New(61)), registry.ErrInsufficientBalance)

	require.NoError(t, l.Burn(b.Address, num.New(40)))
	assert.Equal(t, num.New(60), l.Supply(mint))
	require.NoError(t, l.CloseAccount(b.Address))
	assert.ErrorIs(t, l.CloseAccount(a.Address), registry.ErrAccountNotEmpty)

	other, err := l.Open(alice, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.ErrorIs(t, l.Transfer(a.Address, other.Address, num.New(1)), registry.ErrMintMismatch)
}

func TestLedger_Unwrap(t *testing.T) {
	l := registry.NewLedger()
	owner := solana.NewWallet().PublicKey()
	acc, err := l.Open(owner, solana.SolMint)
	require.NoError(t, err)
	require.NoError(t, l.MintTo(acc.Address, num.New(5000)))

	require.NoError(t, l.Unwrap(acc.Address, owner, num.New(5000)))
	assert.Equal(t, uint64(5000), l.Lamports[owner])
	assert.True(t, l.BalanceAt(acc.Address).IsZero())
}

func TestWorld_TransactRollsBack(t *testing.T) {
	w := registry.NewWorld(registry.DefaultProgramID)
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	boom := errors.New("boom")

	changes, err := w.Transact(func(tx *registry.State) error {
		s, err := registry.NewStore(tx.ProgramID, owner, "world")
		if err != nil {
			return err
		}
		tx.Store = s
		tx.Touch(registry.AccountStore, s.Address, false)
		acc, err := tx.Ledger.Open(owner, mint)
		if err != nil {
			return err
		}
		return tx.Ledger.MintTo(acc.Address, num.New(10))
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, registry.AccountStore, changes[0].Kind)

	_, err = w.Transact(func(tx *registry.State) error {
		acc, err := tx.Ledger.Open(owner, mint)
		if err != nil {
			return err
		}
		if err := tx.Ledger.Burn(acc.Address, num.New(10)); err != nil {
			return err
		}
		tx.Store.TransferAuthority(mint)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, w.View(func(s *registry.State) error {
		assert.Equal(t, num.New(10), s.Ledger.Balance(owner, mint))
		assert.True(t, s.Store.NextAuthority.IsZero())
		return nil
	}))
}

func TestState_Nested(t *testing.T) {
	w := registry.NewWorld(registry.DefaultProgramID)
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	boom := errors.New("boom")

	changes, err := w.Transact(func(tx *registry.State) error {
		acc, err := tx.Ledger.Open(owner, mint)
		if err != nil {
			return err
		}
		if err := tx.Ledger.MintTo(acc.Address, num.New(5)); err != nil {
			return err
		}
		tx.Touch(registry.AccountLedger, solana.PublicKey{}, false)

		err = tx.Nested(func(sub *registry.State) error {
			if err := sub.Ledger.MintTo(acc.Address, num.New(100)); err != nil {
				return err
			}
			sub.Touch(registry.AccountMarket, mint, false)
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, num.New(5), tx.Ledger.Balance(owner, mint))

		return tx.Nested(func(sub *registry.State) error {
			sub.Touch(registry.AccountPosition, owner, false)
			return sub.Ledger.MintTo(acc.Address, num.New(1))
		})
	})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, registry.AccountLedger, changes[0].Kind)
	assert.Equal(t, registry.AccountPosition, changes[1].Kind)
	require.NoError(t, w.View(func(s *registry.State) error {
		assert.Equal(t, num.New(6), s.Ledger.Balance(owner, mint))
		return nil
	}))
}

func TestDerivations_AreStable(t *testing.T) {
	store := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	a, _, err := registry.DeriveVaultPDA(registry.DefaultProgramID, store, mint)
	require.NoError(t, err)
	b, _, err := registry.DeriveVaultPDA(registry.DefaultProgramID, store, mint)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	l := registry.NewLedger()
	vaults := l.Vaults(registry.DefaultProgramID, store)
	addr, err := vaults.Open(mint)
	require.NoError(t, err)
	assert.Equal(t, a, addr)
	require.NoError(t, l.MintTo(addr, num.New(7)))
	assert.Equal(t, num.New(7), vaults.VaultBalance(mint))
}
