package clearing

import (
	"fmt"

	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// InitializeUser opens an empty account for authority. A non-nil referrer
// must be an existing account.
func InitializeUser(x *Exchange, authority, referrer uuid.UUID) (state.User, error) {
	if referrer != uuid.Nil {
		if referrer == authority {
			return state.User{}, fmt.Errorf("self referral: %w", errcode.ErrInvalidAuthority)
		}
		if _, err := x.Users.Get(referrer); err != nil {
			return state.User{}, err
		}
	}
	u, err := x.Users.Create(authority)
	if err != nil {
		return state.User{}, err
	}
	u.Referrer = referrer
	return u, x.Users.Set(u)
}

// DeleteUser closes an account with nothing left in it.
func DeleteUser(x *Exchange, authority uuid.UUID) error {
	return x.Users.Delete(authority)
}

// SetDiscountTokenBalance records the user's discount token holding.
func SetDiscountTokenBalance(x *Exchange, authority uuid.UUID, balance uint64) error {
	u, err := x.Users.Get(authority)
	if err != nil {
		return err
	}
	u.DiscountTokenBalance = balance
	return x.Users.Set(u)
}

func depositRecord(env *Env, u state.User, dir history.DepositDirection, collateralBefore fpmath.U128, cumulativeBefore fpmath.I128, amount uint64, counterparty uuid.UUID) history.DepositRecord {
	return history.DepositRecord{
		Ts:                       env.Now(),
		User:                     u.Authority,
		Direction:                dir,
		CollateralBefore:         collateralBefore,
		CumulativeDepositsBefore: cumulativeBefore,
		Amount:                   fpmath.NewU128(amount),
		Counterparty:             counterparty,
	}
}

// credit adds amount to both collateral and cumulative deposits.
func credit(u state.User, amount uint64) (state.User, error) {
	var c fpmath.Checked
	u.Collateral = c.Add(u.Collateral, fpmath.NewU128(amount))
	u.CumulativeDeposits = c.AddI(u.CumulativeDeposits, c.ToI128(fpmath.NewU128(amount)))
	return u, c.Err()
}

func debit(u state.User, amount uint64) (state.User, error) {
	var c fpmath.Checked
	u.Collateral = c.Sub(u.Collateral, fpmath.NewU128(amount))
	u.CumulativeDeposits = c.SubI(u.CumulativeDeposits, c.ToI128(fpmath.NewU128(amount)))
	return u, c.Err()
}

// Deposit moves amount from the user's wallet into the collateral vault.
func Deposit(x *Exchange, env *Env, authority uuid.UUID, amount uint64) (state.User, error) {
	if amount == 0 {
		return state.User{}, errcode.ErrInsufficientDeposit
	}
	u, err := x.Users.Get(authority)
	if err != nil {
		return state.User{}, err
	}
	collateralBefore, cumulativeBefore := u.Collateral, u.CumulativeDeposits

	if u, err = credit(u, amount); err != nil {
		return state.User{}, err
	}
	if u, err = settleFunding(x, env, u); err != nil {
		return state.User{}, err
	}
	if err := env.transfer(ledger.Wallet(authority), ledger.CollateralVault, authority, amount); err != nil {
		return state.User{}, err
	}
	if err := env.append(depositRecord(env, u, history.DepositDirectionDeposit, collateralBefore, cumulativeBefore, amount, uuid.Nil)); err != nil {
		return state.User{}, err
	}

	if maxDeposit := x.Params.MaxDeposit; !maxDeposit.IsZero() {
		limit, err := fpmath.I128FromU128(maxDeposit)
		if err != nil {
			return state.User{}, err
		}
		if u.CumulativeDeposits.Gt(limit) {
			return state.User{}, fmt.Errorf("cumulative deposits %s above %s: %w", u.CumulativeDeposits, limit, errcode.ErrUserMaxDeposit)
		}
	}
	return u, x.Users.Set(u)
}

// WithdrawalAmounts splits a withdrawal between the collateral vault and the
// insurance vault. Fees owed to the markets stay in the collateral vault; any
// shortfall is drawn from insurance, and the total may be less than amount
// when both vaults together cannot cover it.
func WithdrawalAmounts(amount, collateralVault, insuranceVault uint64, markets []state.Market) (uint64, uint64, error) {
	var c fpmath.Checked
	reserved := fpmath.U128Zero
	for _, m := range markets {
		owed := m.AMM.TotalFeeMinusDistributions.SaturatingSub(m.AMM.TotalFeeWithdrawn)
		reserved = c.Add(reserved, owed)
	}
	available := c.Sub(fpmath.NewU128(collateralVault), reserved)
	if err := c.Err(); err != nil {
		return 0, 0, err
	}
	avail, _ := available.Uint64()

	switch {
	case avail >= amount:
		return amount, 0, nil
	case insuranceVault > amount-avail:
		return avail, amount - avail, nil
	default:
		return avail, insuranceVault, nil
	}
}

// Withdraw sends collateral back to the user's wallet. The user must still
// meet the initial margin requirement afterwards.
func Withdraw(x *Exchange, env *Env, authority uuid.UUID, amount uint64) (state.User, uint64, error) {
	u, err := x.Users.Get(authority)
	if err != nil {
		return state.User{}, 0, err
	}
	collateralBefore, cumulativeBefore := u.Collateral, u.CumulativeDeposits

	if u, err = settleFunding(x, env, u); err != nil {
		return state.User{}, 0, err
	}
	if fpmath.NewU128(amount).Gt(u.Collateral) {
		return state.User{}, 0, fmt.Errorf("withdraw %d of %s: %w", amount, u.Collateral, errcode.ErrInsufficientCollateral)
	}

	fromCollateral, fromInsurance, err := WithdrawalAmounts(amount,
		env.Custody.VaultBalance(ledger.CollateralVault),
		env.Custody.VaultBalance(ledger.InsuranceVault),
		x.Markets.All())
	if err != nil {
		return state.User{}, 0, err
	}
	withdrawn := fromCollateral + fromInsurance
	if u, err = debit(u, withdrawn); err != nil {
		return state.User{}, 0, err
	}

	ok, err := state.MeetsInitialMarginRequirement(u, x.Markets)
	if err != nil {
		return state.User{}, 0, err
	}
	if !ok {
		return state.User{}, 0, errcode.ErrInsufficientCollateral
	}

	if err := env.transfer(ledger.CollateralVault, ledger.Wallet(authority), ledger.VaultAuthority, fromCollateral); err != nil {
		return state.User{}, 0, err
	}
	if err := env.transfer(ledger.InsuranceVault, ledger.Wallet(authority), ledger.VaultAuthority, fromInsurance); err != nil {
		return state.User{}, 0, err
	}
	if err := env.append(depositRecord(env, u, history.DepositDirectionWithdraw, collateralBefore, cumulativeBefore, withdrawn, uuid.Nil)); err != nil {
		return state.User{}, 0, err
	}
	return u, withdrawn, x.Users.Set(u)
}

// TransferCollateral moves collateral between two accounts without touching
// the vaults. The sender must still meet the initial margin requirement.
func TransferCollateral(x *Exchange, env *Env, from, to uuid.UUID, amount uint64) error {
	if from == to {
		return fmt.Errorf("transfer to self: %w", errcode.ErrInvalidAuthority)
	}
	sender, err := x.Users.Get(from)
	if err != nil {
		return err
	}
	receiver, err := x.Users.Get(to)
	if err != nil {
		return err
	}

	senderCollateral, senderCumulative := sender.Collateral, sender.CumulativeDeposits
	if sender, err = settleFunding(x, env, sender); err != nil {
		return err
	}
	if fpmath.NewU128(amount).Gt(sender.Collateral) {
		return fmt.Errorf("transfer %d of %s: %w", amount, sender.Collateral, errcode.ErrInsufficientCollateral)
	}
	if sender, err = debit(sender, amount); err != nil {
		return err
	}
	ok, err := state.MeetsInitialMarginRequirement(sender, x.Markets)
	if err != nil {
		return err
	}
	if !ok {
		return errcode.ErrInsufficientCollateral
	}
	if err := env.append(depositRecord(env, sender, history.DepositDirectionTransferOut, senderCollateral, senderCumulative, amount, to)); err != nil {
		return err
	}

	receiverCollateral, receiverCumulative := receiver.Collateral, receiver.CumulativeDeposits
	if receiver, err = credit(receiver, amount); err != nil {
		return err
	}
	if receiver, err = settleFunding(x, env, receiver); err != nil {
		return err
	}
	if err := env.append(depositRecord(env, receiver, history.DepositDirectionTransferIn, receiverCollateral, receiverCumulative, amount, from)); err != nil {
		return err
	}

	if err := x.Users.Set(sender); err != nil {
		return err
	}
	return x.Users.Set(receiver)
}
