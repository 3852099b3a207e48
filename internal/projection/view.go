package projection

import (
	"sort"
	"strings"
	"sync"

	"PerpVAMM/internal/history"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// ProjectionOutput is the read-model view of one sequenced command. The
// orchestrator bridges core outputs into it.
type ProjectionOutput struct {
	Sequence     int64
	CommandType  string
	Rejected     bool
	Timestamp    int64
	Admin        uuid.UUID
	Params       state.Params
	Users        []state.User
	DeletedUsers []uuid.UUID
	Markets      []state.Market
	Balances     map[string]int64 // account path -> balance
	History      []history.Entry
}

// View is the in-memory read model served to queries. It trails the core by
// whatever sits in the projection channel.
type View struct {
	mu       sync.RWMutex
	sequence int64
	admin    uuid.UUID
	params   state.Params
	users    map[uuid.UUID]state.User
	markets  map[uint64]state.Market
	balances map[string]int64
	funding  *FundingHistoryProjection
}

func NewView() *View {
	return &View{
		sequence: -1,
		users:    make(map[uuid.UUID]state.User),
		markets:  make(map[uint64]state.Market),
		balances: make(map[string]int64),
		funding:  NewFundingHistoryProjection(0),
	}
}

// Seed replaces the view with a full state, typically right after recovery.
func (v *View) Seed(sequence int64, admin uuid.UUID, params state.Params, markets []state.Market, users []state.User, balances map[string]int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.sequence = sequence
	v.admin = admin
	v.params = params
	v.users = make(map[uuid.UUID]state.User, len(users))
	for _, u := range users {
		v.users[u.Authority] = u
	}
	v.markets = make(map[uint64]state.Market, len(markets))
	for _, m := range markets {
		v.markets[m.Index] = m
	}
	v.balances = make(map[string]int64, len(balances))
	for k, b := range balances {
		v.balances[k] = b
	}
}

// Apply folds one output into the view. Outputs at or below the current
// sequence are ignored.
func (v *View) Apply(out ProjectionOutput) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if out.Sequence <= v.sequence {
		return false
	}
	v.sequence = out.Sequence
	if out.Rejected {
		return true
	}

	v.admin = out.Admin
	v.params = out.Params
	for _, u := range out.Users {
		v.users[u.Authority] = u
	}
	for _, id := range out.DeletedUsers {
		delete(v.users, id)
		v.funding.Forget(id)
	}
	for _, m := range out.Markets {
		v.markets[m.Index] = m
	}
	for k, b := range out.Balances {
		v.balances[k] = b
	}
	for _, e := range out.History {
		if r, ok := e.Record.(history.FundingPaymentRecord); ok {
			v.funding.AddEntry(FundingHistoryEntry{
				RecordID:        e.ID,
				User:            r.User,
				MarketIndex:     r.MarketIndex,
				Payment:         r.FundingPayment,
				BaseAssetAmount: r.BaseAssetAmount,
				Timestamp:       r.Ts,
			})
		}
	}
	return true
}

func (v *View) Sequence() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sequence
}

func (v *View) Admin() (uuid.UUID, state.Params) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.admin, v.params
}

func (v *View) User(authority uuid.UUID) (state.User, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.users[authority]
	return u, ok
}

func (v *View) Market(index uint64) (state.Market, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.markets[index]
	return m, ok
}

// Markets returns every market ordered by index.
func (v *View) Markets() []state.Market {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]state.Market, 0, len(v.markets))
	for _, m := range v.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// MarketSet copies the markets into a state.Markets for margin math.
func (v *View) MarketSet() *state.Markets {
	return state.MarketsFrom(v.Markets())
}

// Balances returns the account balances whose path starts with prefix.
func (v *View) Balances(prefix string) map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]int64)
	for k, b := range v.balances {
		if strings.HasPrefix(k, prefix) {
			out[k] = b
		}
	}
	return out
}

func (v *View) FundingHistory(user uuid.UUID, limit int) []FundingHistoryEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.funding.QueryByUser(user, limit)
}

// State copies the whole view at one sequence, sorted for deterministic
// rebuilds.
func (v *View) State() (int64, []state.User, []state.Market, map[string]int64) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	users := make([]state.User, 0, len(v.users))
	for _, u := range v.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return string(users[i].Authority[:]) < string(users[j].Authority[:])
	})
	markets := make([]state.Market, 0, len(v.markets))
	for _, m := range v.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Index < markets[j].Index })
	balances := make(map[string]int64, len(v.balances))
	for k, b := range v.balances {
		balances[k] = b
	}
	return v.sequence, users, markets, balances
}
