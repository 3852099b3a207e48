package state

import (
	"encoding/binary"
	"fmt"
	"sort"

	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
)

// User is a trading account. Positions and orders live inline, so copying a
// User copies everything it owns.
type User struct {
	Authority          uuid.UUID   `json:"authority"`
	Collateral         fpmath.U128 `json:"collateral"`
	CumulativeDeposits fpmath.I128 `json:"cumulative_deposits"`

	TotalFeePaid         fpmath.U128 `json:"total_fee_paid"`
	TotalTokenDiscount   fpmath.U128 `json:"total_token_discount"`
	TotalReferralReward  fpmath.U128 `json:"total_referral_reward"`
	TotalRefereeDiscount fpmath.U128 `json:"total_referee_discount"`

	// DiscountTokenBalance is the user's holding of the fee discount token,
	// reported by the custody layer on every command.
	DiscountTokenBalance uint64    `json:"discount_token_balance"`
	Referrer             uuid.UUID `json:"referrer"`

	Positions   Positions        `json:"positions"`
	Orders      [MaxOrders]Order `json:"orders"`
	NextOrderID uint64           `json:"next_order_id"`
}

func NewUser(authority uuid.UUID) User {
	return User{Authority: authority, NextOrderID: 1}
}

// FreeOrderSlot returns the index of the first Init order slot.
func (u *User) FreeOrderSlot() (int, error) {
	for i := range u.Orders {
		if u.Orders[i].Status == OrderStatusInit {
			return i, nil
		}
	}
	return 0, errcode.ErrMaxNumberOfOrders
}

// FindOrder returns the slot holding the open order with orderID.
func (u *User) FindOrder(orderID uint64) (int, error) {
	for i := range u.Orders {
		if u.Orders[i].IsOpen() && u.Orders[i].OrderID == orderID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("order %d: %w", orderID, errcode.ErrOrderDoesNotExist)
}

// FindOrderByUserID looks an open order up by its client-assigned id.
func (u *User) FindOrderByUserID(userOrderID uint8) (int, error) {
	for i := range u.Orders {
		if u.Orders[i].IsOpen() && u.Orders[i].UserOrderID == userOrderID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("user order %d: %w", userOrderID, errcode.ErrOrderDoesNotExist)
}

// AppendBytes writes a deterministic encoding of the user for state hashing.
func (u User) AppendBytes(buf []byte) []byte {
	buf = append(buf, u.Authority[:]...)
	buf = u.Collateral.AppendBytes(buf)
	buf = u.CumulativeDeposits.AppendBytes(buf)
	buf = u.TotalFeePaid.AppendBytes(buf)
	buf = u.TotalTokenDiscount.AppendBytes(buf)
	buf = u.TotalReferralReward.AppendBytes(buf)
	buf = u.TotalRefereeDiscount.AppendBytes(buf)
	buf = binary.BigEndian.AppendUint64(buf, u.DiscountTokenBalance)
	buf = append(buf, u.Referrer[:]...)
	for _, p := range u.Positions {
		buf = p.appendBytes(buf)
	}
	for _, o := range u.Orders {
		buf = o.appendBytes(buf)
	}
	return binary.BigEndian.AppendUint64(buf, u.NextOrderID)
}

// Users is the registry of accounts keyed by authority.
type Users struct {
	byAuthority map[uuid.UUID]User
	touched     map[uuid.UUID]struct{}
}

func NewUsers() *Users {
	return &Users{byAuthority: make(map[uuid.UUID]User)}
}

func (us *Users) Get(authority uuid.UUID) (User, error) {
	u, ok := us.byAuthority[authority]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", authority, errcode.ErrUserNotFound)
	}
	return u, nil
}

func (us *Users) Exists(authority uuid.UUID) bool {
	_, ok := us.byAuthority[authority]
	return ok
}

// Create registers a new, empty account.
func (us *Users) Create(authority uuid.UUID) (User, error) {
	if us.Exists(authority) {
		return User{}, fmt.Errorf("user %s: %w", authority, errcode.ErrUserAlreadyExists)
	}
	if us.byAuthority == nil {
		us.byAuthority = make(map[uuid.UUID]User)
	}
	u := NewUser(authority)
	us.byAuthority[authority] = u
	us.touch(authority)
	return u, nil
}

// Set commits an updated account. The account must exist.
func (us *Users) Set(u User) error {
	if !us.Exists(u.Authority) {
		return fmt.Errorf("user %s: %w", u.Authority, errcode.ErrUserNotFound)
	}
	us.byAuthority[u.Authority] = u
	us.touch(u.Authority)
	return nil
}

// Delete removes an account with no collateral, positions or open orders.
func (us *Users) Delete(authority uuid.UUID) error {
	u, err := us.Get(authority)
	if err != nil {
		return err
	}
	if !u.Collateral.IsZero() || u.Positions.HasOpenPosition() {
		return fmt.Errorf("user %s: %w", authority, errcode.ErrUserCantBeClosed)
	}
	for _, o := range u.Orders {
		if o.IsOpen() {
			return fmt.Errorf("user %s has open orders: %w", authority, errcode.ErrUserCantBeClosed)
		}
	}
	delete(us.byAuthority, authority)
	us.touch(authority)
	return nil
}

func (us *Users) touch(authority uuid.UUID) {
	if us.touched == nil {
		us.touched = make(map[uuid.UUID]struct{})
	}
	us.touched[authority] = struct{}{}
}

// Touched lists the authorities created, updated or deleted since the copy
// was made, sorted. A deleted account is touched but no longer exists.
func (us *Users) Touched() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(us.touched))
	for a := range us.touched {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

// All returns every account sorted by authority bytes.
func (us *Users) All() []User {
	out := make([]User, 0, len(us.byAuthority))
	for _, u := range us.byAuthority {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Authority[:]) < string(out[j].Authority[:])
	})
	return out
}

func (us *Users) Len() int { return len(us.byAuthority) }

// Clone returns an independent copy with an empty touched set. User has value
// semantics, so a map copy is a deep copy.
func (us *Users) Clone() *Users {
	out := &Users{byAuthority: make(map[uuid.UUID]User, len(us.byAuthority))}
	for k, v := range us.byAuthority {
		out.byAuthority[k] = v
	}
	return out
}

// UsersFrom rebuilds a registry from a snapshot.
func UsersFrom(users []User) *Users {
	us := &Users{byAuthority: make(map[uuid.UUID]User, len(users))}
	for _, u := range users {
		us.byAuthority[u.Authority] = u
	}
	return us
}
