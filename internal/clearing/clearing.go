// Package clearing is the exchange controller. Each exported operation takes
// a working copy of the exchange and mutates it in place; the command core
// clones before and commits after, so a failed operation has no effect.
package clearing

import (
	"fmt"

	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/funding"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/repeg"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// Clock is carried by every command. The engine never reads wall-clock time.
type Clock struct {
	UnixTimestamp int64  `json:"unix_timestamp"`
	Slot          uint64 `json:"slot"`
}

// Custody moves collateral tokens between wallets and the exchange vaults.
type Custody interface {
	Transfer(from, to ledger.AccountKey, authority uuid.UUID, amount uint64) error
	VaultBalance(vault ledger.AccountKey) uint64
}

// Exchange is the full mutable state the controller works on.
type Exchange struct {
	Admin   uuid.UUID
	Params  state.Params
	Markets *state.Markets
	Users   *state.Users
}

func NewExchange(admin uuid.UUID, params state.Params) *Exchange {
	return &Exchange{
		Admin:   admin,
		Params:  params,
		Markets: state.NewMarkets(),
		Users:   state.NewUsers(),
	}
}

// Clone returns an independent working copy.
func (x *Exchange) Clone() *Exchange {
	return &Exchange{
		Admin:   x.Admin,
		Params:  x.Params,
		Markets: x.Markets.Clone(),
		Users:   x.Users.Clone(),
	}
}

// AppendBytes writes a deterministic encoding of the exchange for state hashing.
func (x *Exchange) AppendBytes(buf []byte) []byte {
	buf = append(buf, x.Admin[:]...)
	for _, m := range x.Markets.All() {
		buf = m.AppendBytes(buf)
	}
	for _, u := range x.Users.All() {
		buf = u.AppendBytes(buf)
	}
	return buf
}

// MaintenanceEvent reports a formulaic curve step run during a command.
type MaintenanceEvent struct {
	MarketIndex uint64
	Kind        history.CurveAdjustment
	Result      repeg.Maintenance
}

// Env is everything a command needs beyond the exchange state.
type Env struct {
	Clock   Clock
	Custody Custody
	Sink    history.Sink
	// Oracles holds the readings decoded for this command, keyed by market.
	Oracles map[uint64]oracle.PriceData

	// Maintenance collects formulaic results for the caller to observe.
	Maintenance []MaintenanceEvent
}

func (e *Env) Now() int64 { return e.Clock.UnixTimestamp }

// Oracle returns the cached reading for a market.
func (e *Env) Oracle(marketIndex uint64) (oracle.PriceData, error) {
	data, ok := e.Oracles[marketIndex]
	if !ok {
		return oracle.PriceData{}, fmt.Errorf("market %d: %w", marketIndex, errcode.ErrUnableToLoadOracle)
	}
	return data, nil
}

func (e *Env) observe(marketIndex uint64, kind history.CurveAdjustment, m repeg.Maintenance) {
	e.Maintenance = append(e.Maintenance, MaintenanceEvent{MarketIndex: marketIndex, Kind: kind, Result: m})
}

func (e *Env) transfer(from, to ledger.AccountKey, authority uuid.UUID, amount uint64) error {
	if err := e.Custody.Transfer(from, to, authority, amount); err != nil {
		return fmt.Errorf("%w: %w", errcode.ErrCustodyTransferFailed, err)
	}
	return nil
}

func (e *Env) append(records ...history.Record) error {
	for _, r := range records {
		if _, err := e.Sink.Append(r); err != nil {
			return err
		}
	}
	return nil
}

func (x *Exchange) requireAdmin(signer uuid.UUID) error {
	if signer != x.Admin {
		return fmt.Errorf("signer %s is not admin: %w", signer, errcode.ErrInvalidAuthority)
	}
	return nil
}

// settleFunding brings a user's funding up to date and records the payments.
func settleFunding(x *Exchange, env *Env, user state.User) (state.User, error) {
	user, payments, err := funding.SettleFundingPayment(user, x.Markets, env.Now())
	if err != nil {
		return user, err
	}
	for _, p := range payments {
		if err := env.append(p); err != nil {
			return user, err
		}
	}
	return user, nil
}

// appendFundingUpdate records a funding rate update and the K step it ran.
func appendFundingUpdate(env *Env, upd funding.Update) error {
	if upd.Record != nil {
		if err := env.append(*upd.Record); err != nil {
			return err
		}
	}
	if upd.K != nil {
		env.observe(upd.Market.Index, history.CurveAdjustmentFormulaicK, *upd.K)
		if upd.K.Record != nil {
			return env.append(*upd.K.Record)
		}
	}
	return nil
}
