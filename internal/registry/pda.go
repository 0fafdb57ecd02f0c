package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the program address accounts are derived under when
// none is configured.
var DefaultProgramID = solana.MustPublicKeyFromBase58("Gmso1uvJnLbawvw7yezdfCDcPydwW2s2iqG3w6MDucLo")

func DeriveStorePDA(programID solana.PublicKey, key string) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("data_store"), []byte(key)}, programID)
}

func DeriveCallbackAuthorityPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("callback")}, programID)
}

func DeriveMarketTokenPDA(programID, store, index, long, short solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte("market_token_mint"), store.Bytes(), index.Bytes(), long.Bytes(), short.Bytes(),
	}, programID)
}

func DeriveMarketPDA(programID, store, marketToken solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("market"), store.Bytes(), marketToken.Bytes()}, programID)
}

func DeriveVaultPDA(programID, store, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("market_vault"), store.Bytes(), mint.Bytes()}, programID)
}

func DerivePositionPDA(programID, store, owner, marketToken, collateralToken solana.PublicKey, isLong bool) (solana.PublicKey, uint8, error) {
	kind := byte(2)
	if isLong {
		kind = 1
	}
	return solana.FindProgramAddress([][]byte{
		[]byte("position"), store.Bytes(), owner.Bytes(), marketToken.Bytes(), collateralToken.Bytes(), {kind},
	}, programID)
}

// DeriveActionPDA derives the address of a deposit, withdrawal, shift or
// order. seed is the action kind seed ("deposit", "order", ...).
func DeriveActionPDA(programID solana.PublicKey, seed string, store, owner solana.PublicKey, nonce [32]byte) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seed), store.Bytes(), owner.Bytes(), nonce[:]}, programID)
}

func DeriveVirtualInventoryPDA(programID, store solana.PublicKey, kind uint8, index uint32) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("virtual_inventory"), store.Bytes(), {kind}, u32LE(index)}, programID)
}

// AssociatedTokenAddress returns the token account of owner for mint.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive ata of %s for %s: %w", owner, mint, err)
	}
	return ata, nil
}

func u32LE(value uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return buf
}
