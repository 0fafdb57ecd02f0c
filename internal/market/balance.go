package market

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// ErrInsufficientVaultBalance is returned when a token vault holds less
// than a market owes against it.
var ErrInsufficientVaultBalance = errors.New("market: vault balance below obligations")

// Balances reports token vault balances.
type Balances interface {
	VaultBalance(token solana.PublicKey) num.Num
}

// Exclusion is an amount still in a vault but already owed to a receiver.
type Exclusion struct {
	Token  solana.PublicKey
	Amount num.Num
}

// ValidateBalances checks, per collateral token, that the vault covers
// primary + swap impact + claimable fee, and separately the collateral of
// both position sides. Excluded amounts are taken off the vault first.
func ValidateBalances(v View, balances Balances, excluded ...Exclusion) error {
	meta := v.Meta()
	tokens := []solana.PublicKey{meta.LongToken}
	if !meta.IsPure() {
		tokens = append(tokens, meta.ShortToken)
	}
	for _, token := range tokens {
		vault := balances.VaultBalance(token)
		for _, ex := range excluded {
			if ex.Token.Equals(token) {
				vault = vault.SaturatingSub(ex.Amount)
			}
		}
		liquidity, err := tokenObligation(v, token, Primary, SwapImpact, ClaimableFee)
		if err != nil {
			return err
		}
		if vault.Lt(liquidity) {
			return fmt.Errorf("%w: %s vault %s < liquidity %s", ErrInsufficientVaultBalance, token, vault, liquidity)
		}
		collateral, err := tokenObligation(v, token, CollateralSumLong, CollateralSumShort)
		if err != nil {
			return err
		}
		if vault.Lt(collateral) {
			return fmt.Errorf("%w: %s vault %s < collateral %s", ErrInsufficientVaultBalance, token, vault, collateral)
		}
	}
	return nil
}

// tokenObligation sums the amounts of kinds held in token. A pure market
// holds both sides in the same token.
func tokenObligation(v View, token solana.PublicKey, kinds ...PoolKind) (num.Num, error) {
	meta := v.Meta()
	total := num.Zero
	for _, kind := range kinds {
		p := v.Pool(kind)
		var err error
		if meta.IsPure() {
			total, err = total.Add(p.LongAmount)
		} else {
			side := pool.Short
			if token.Equals(meta.LongToken) {
				side = pool.Long
			}
			total, err = total.Add(p.Amount(side))
		}
		if err != nil {
			return num.Zero, err
		}
	}
	return total, nil
}
