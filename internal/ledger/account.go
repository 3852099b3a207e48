// Package ledger is the double-entry custody ledger behind the exchange's
// token vaults. Every movement of collateral tokens is a journal between two
// accounts; the ledger as a whole always sums to zero.
package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeWallet accounts hold a user's tokens outside the exchange.
	// They mirror the outside world and may go negative.
	AccountScopeWallet AccountScope = iota
	// AccountScopeVault accounts are owned by the exchange and never go negative.
	AccountScopeVault
)

// VaultKind identifies an exchange-owned token account.
type VaultKind uint8

const (
	VaultNone VaultKind = iota
	VaultCollateral
	VaultInsurance
)

// VaultAuthority signs every transfer out of a vault.
var VaultAuthority = uuid.NewSHA1(uuid.NameSpaceOID, []byte("perpvamm:vault-authority"))

// AccountKey is the in-memory key for balance tracking (18 bytes, cache-friendly)
type AccountKey struct {
	Scope AccountScope
	Owner [16]byte     // wallet owner; zero for vaults
	Vault VaultKind
}

// Wallet returns the token account of owner.
func Wallet(owner uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeWallet, Owner: owner}
}

var (
	CollateralVault = AccountKey{Scope: AccountScopeVault, Vault: VaultCollateral}
	InsuranceVault  = AccountKey{Scope: AccountScopeVault, Vault: VaultInsurance}
)

func (k AccountKey) IsVault() bool { return k.Scope == AccountScopeVault }

// Authority returns who may sign a transfer out of the account.
func (k AccountKey) Authority() uuid.UUID {
	if k.IsVault() {
		return VaultAuthority
	}
	return uuid.UUID(k.Owner)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeWallet:
		return fmt.Sprintf("wallet:%s", uuid.UUID(k.Owner))
	case AccountScopeVault:
		switch k.Vault {
		case VaultCollateral:
			return "vault:collateral"
		case VaultInsurance:
			return "vault:insurance"
		}
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	switch path {
	case "vault:collateral":
		return CollateralVault, nil
	case "vault:insurance":
		return InsuranceVault, nil
	}
	raw, ok := strings.CutPrefix(path, "wallet:")
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown account path %q", path)
	}
	owner, err := uuid.Parse(raw)
	if err != nil {
		return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
	}
	return Wallet(owner), nil
}

func (k AccountKey) String() string { return k.AccountPath() }
