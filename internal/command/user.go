package command

import (
	"github.com/google/uuid"
)

// InitializeUser opens an account for the signer.
type InitializeUser struct {
	Header
	Referrer uuid.UUID `json:"referrer,omitempty"`
}

func (c *InitializeUser) CommandType() Type { return TypeInitializeUser }

// DeleteUser closes the signer's empty account.
type DeleteUser struct {
	Header
}

func (c *DeleteUser) CommandType() Type { return TypeDeleteUser }

// SetDiscountTokenBalance reports the signer's discount token holding.
type SetDiscountTokenBalance struct {
	Header
	Balance uint64 `json:"balance"`
}

func (c *SetDiscountTokenBalance) CommandType() Type { return TypeSetDiscountTokenBalance }

// Deposit moves tokens from the signer's wallet into the collateral vault.
type Deposit struct {
	Header
	Amount uint64 `json:"amount"`
}

func (c *Deposit) CommandType() Type { return TypeDeposit }

// Withdraw returns collateral to the signer's wallet.
type Withdraw struct {
	Header
	Amount uint64 `json:"amount"`
}

func (c *Withdraw) CommandType() Type { return TypeWithdraw }

// TransferCollateral moves collateral from the signer to another account.
type TransferCollateral struct {
	Header
	To     uuid.UUID `json:"to"`
	Amount uint64    `json:"amount"`
}

func (c *TransferCollateral) CommandType() Type { return TypeTransferCollateral }

// SettleFunding brings a user's funding payments up to date. Anyone may sign it.
type SettleFunding struct {
	Header
	User uuid.UUID `json:"user"`
}

func (c *SettleFunding) CommandType() Type { return TypeSettleFunding }
