package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/num"
)

var (
	ErrInsufficientBalance  = errors.New("registry: insufficient token balance")
	ErrAccountNotFound      = errors.New("registry: token account not found")
	ErrMintMismatch         = errors.New("registry: token account mint mismatch")
	ErrAccountNotEmpty      = errors.New("registry: token account not empty")
	ErrInsufficientLamports = errors.New("registry: insufficient lamports")
)

// TokenAccount holds an amount of one mint for one owner.
type TokenAccount struct {
	Address solana.PublicKey `json:"address"`
	Owner   solana.PublicKey `json:"owner"`
	Mint    solana.PublicKey `json:"mint"`
	Amount  num.Num          `json:"amount"`
}

// Ledger tracks token accounts, mint supplies and native balances.
type Ledger struct {
	Accounts map[solana.PublicKey]*TokenAccount `json:"accounts"`
	Supplies map[solana.PublicKey]num.Num       `json:"supplies"`
	Lamports map[solana.PublicKey]uint64        `json:"lamports"`
}

func NewLedger() *Ledger {
	return &Ledger{
		Accounts: make(map[solana.PublicKey]*TokenAccount),
		Supplies: make(map[solana.PublicKey]num.Num),
		Lamports: make(map[solana.PublicKey]uint64),
	}
}

// Clone returns a deep copy of l.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		Accounts: make(map[solana.PublicKey]*TokenAccount, len(l.Accounts)),
		Supplies: make(map[solana.PublicKey]num.Num, len(l.Supplies)),
		Lamports: make(map[solana.PublicKey]uint64, len(l.Lamports)),
	}
	for k, v := range l.Accounts {
		acc := *v
		c.Accounts[k] = &acc
	}
	for k, v := range l.Supplies {
		c.Supplies[k] = v
	}
	for k, v := range l.Lamports {
		c.Lamports[k] = v
	}
	return c
}

// OpenAt returns the account at addr, creating it for owner and mint.
func (l *Ledger) OpenAt(addr, owner, mint solana.PublicKey) (*TokenAccount, error) {
	if acc, ok := l.Accounts[addr]; ok {
		if !acc.Mint.Equals(mint) {
			return nil, fmt.Errorf("%w: %s holds %s, not %s", ErrMintMismatch, addr, acc.Mint, mint)
		}
		return acc, nil
	}
	acc := &TokenAccount{Address: addr, Owner: owner, Mint: mint, Amount: num.Zero}
	l.Accounts[addr] = acc
	return acc, nil
}

// Open returns the associated token account of owner for mint, creating
// it if needed.
func (l *Ledger) Open(owner, mint solana.PublicKey) (*TokenAccount, error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	return l.OpenAt(ata, owner, mint)
}

// Account returns the account at addr.
func (l *Ledger) Account(addr solana.PublicKey) (*TokenAccount, error) {
	acc, ok := l.Accounts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return acc, nil
}

// BalanceAt returns the amount held at addr, zero if the account does
// not exist.
func (l *Ledger) BalanceAt(addr solana.PublicKey) num.Num {
	if acc, ok := l.Accounts[addr]; ok {
		return acc.Amount
	}
	return num.Zero
}

// Balance returns the amount in the associated token account of owner.
func (l *Ledger) Balance(owner, mint solana.PublicKey) num.Num {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return num.Zero
	}
	return l.BalanceAt(ata)
}

// Supply returns the outstanding supply of mint.
func (l *Ledger) Supply(mint solana.PublicKey) num.Num { return l.Supplies[mint] }

// Transfer moves amount between two accounts of the same mint.
func (l *Ledger) Transfer(from, to solana.PublicKey, amount num.Num) error {
	if amount.IsZero() {
		return nil
	}
	src, err := l.Account(from)
	if err != nil {
		return err
	}
	dst, err := l.Account(to)
	if err != nil {
		return err
	}
	if !src.Mint.Equals(dst.Mint) {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, src.Mint, dst.Mint)
	}
	if src.Amount.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, from, src.Amount, amount)
	}
	next, err := dst.Amount.Add(amount)
	if err != nil {
		return err
	}
	src.Amount = src.Amount.SaturatingSub(amount)
	dst.Amount = next
	return nil
}

// MintTo creates amount of mint in the account at to.
func (l *Ledger) MintTo(to solana.PublicKey, amount num.Num) error {
	dst, err := l.Account(to)
	if err != nil {
		return err
	}
	supply, err := l.Supplies[dst.Mint].Add(amount)
	if err != nil {
		return err
	}
	if dst.Amount, err = dst.Amount.Add(amount); err != nil {
		return err
	}
	l.Supplies[dst.Mint] = supply
	return nil
}

// Burn destroys amount held at from.
func (l *Ledger) Burn(from solana.PublicKey, amount num.Num) error {
	src, err := l.Account(from)
	if err != nil {
		return err
	}
	if src.Amount.Lt(amount) {
		return fmt.Errorf("%w: burn %s from %s holding %s", ErrInsufficientBalance, amount, from, src.Amount)
	}
	src.Amount = src.Amount.SaturatingSub(amount)
	l.Supplies[src.Mint] = l.Supplies[src.Mint].SaturatingSub(amount)
	return nil
}

// CloseAccount removes an empty account.
func (l *Ledger) CloseAccount(addr solana.PublicKey) error {
	acc, err := l.Account(addr)
	if err != nil {
		return err
	}
	if !acc.Amount.IsZero() {
		return fmt.Errorf("%w: %s holds %s", ErrAccountNotEmpty, addr, acc.Amount)
	}
	delete(l.Accounts, addr)
	return nil
}

// OwnedBy returns the accounts of owner ordered by mint.
func (l *Ledger) OwnedBy(owner solana.PublicKey) []*TokenAccount {
	var out []*TokenAccount
	for _, acc := range l.Accounts {
		if acc.Owner.Equals(owner) {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Mint[:], out[j].Mint[:]) < 0 })
	return out
}

// Unwrap closes amount of wrapped native tokens held at from into
// lamports of owner.
func (l *Ledger) Unwrap(from, owner solana.PublicKey, amount num.Num) error {
	src, err := l.Account(from)
	if err != nil {
		return err
	}
	if !src.Mint.Equals(solana.SolMint) {
		return fmt.Errorf("%w: %s is not wrapped native", ErrMintMismatch, src.Mint)
	}
	lamports, err := amount.Uint64()
	if err != nil {
		return err
	}
	if err := l.Burn(from, amount); err != nil {
		return err
	}
	l.Lamports[owner] += lamports
	return nil
}

// Pay moves lamports between two native balances.
func (l *Ledger) Pay(from, to solana.PublicKey, lamports uint64) error {
	if l.Lamports[from] < lamports {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientLamports, from, l.Lamports[from], lamports)
	}
	l.Lamports[from] -= lamports
	l.Lamports[to] += lamports
	return nil
}

// Vaults reports the balances of a store's market vaults.
type Vaults struct {
	ledger    *Ledger
	programID solana.PublicKey
	store     solana.PublicKey
}

// Vaults returns the market vault view of store.
func (l *Ledger) Vaults(programID, store solana.PublicKey) Vaults {
	return Vaults{ledger: l, programID: programID, store: store}
}

// Address returns the vault of mint.
func (v Vaults) Address(mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := DeriveVaultPDA(v.programID, v.store, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive vault for %s: %w", mint, err)
	}
	return addr, nil
}

// Open creates the vault of mint if needed.
func (v Vaults) Open(mint solana.PublicKey) (solana.PublicKey, error) {
	addr, err := v.Address(mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if _, err := v.ledger.OpenAt(addr, v.store, mint); err != nil {
		return solana.PublicKey{}, err
	}
	return addr, nil
}

// VaultBalance implements market.Balances.
func (v Vaults) VaultBalance(token solana.PublicKey) num.Num {
	addr, err := v.Address(token)
	if err != nil {
		return num.Zero
	}
	return v.ledger.BalanceAt(addr)
}
