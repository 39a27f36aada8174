package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rcnfinance/rcn-network-sub002/core/types"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	"github.com/rcnfinance/rcn-network-sub002/native/collateral"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
	"github.com/rcnfinance/rcn-network-sub002/native/loans"
)

var (
	ErrDebtIndexed = errors.New("state: debt already bound to an entry")
	errZeroEntryID = errors.New("state: entry id must be nonzero")
	errNilRecord   = errors.New("state: nil record")
)

// registryTable backs one named ownership ledger.
type registryTable struct {
	owners   map[[32]byte]crypto.Address
	approved map[[32]byte]crypto.Address
	order    [][32]byte
}

func newRegistryTable() *registryTable {
	return &registryTable{
		owners:   make(map[[32]byte]crypto.Address),
		approved: make(map[[32]byte]crypto.Address),
	}
}

func (t *registryTable) clone() *registryTable {
	out := newRegistryTable()
	for id, owner := range t.owners {
		out.owners[id] = owner
	}
	for id, spender := range t.approved {
		out.approved[id] = spender
	}
	out.order = append([][32]byte(nil), t.order...)
	return out
}

// Manager is the single in-memory settlement state shared by every engine.
// All reads hand out deep copies and all writes store deep copies, so engines
// never alias stored records. Snapshot and RevertToSnapshot give the engines
// transaction-like rollback across multi-step operations.
type Manager struct {
	mu sync.RWMutex

	accounts       map[crypto.Address]*types.Account
	debts          map[[32]byte]*debt.Debt
	requests       map[[32]byte]*loans.Request
	settleCanceled map[[32]byte]struct{}
	registries     map[string]*registryTable
	entries        map[uint64]*collateral.Entry
	entrySeq       uint64
	entryByDebt    map[[32]byte]uint64
	auctions       map[uint64]*collateral.Auction

	snapshots []*snapshot
}

type snapshot struct {
	id    int
	state *Manager
}

// NewManager returns an empty settlement state. Entry ids are handed out
// from 1; zero stays reserved for "no entry".
func NewManager() *Manager {
	return &Manager{
		accounts:       make(map[crypto.Address]*types.Account),
		debts:          make(map[[32]byte]*debt.Debt),
		requests:       make(map[[32]byte]*loans.Request),
		settleCanceled: make(map[[32]byte]struct{}),
		registries:     make(map[string]*registryTable),
		entries:        make(map[uint64]*collateral.Entry),
		entrySeq:       1,
		entryByDebt:    make(map[[32]byte]uint64),
		auctions:       make(map[uint64]*collateral.Auction),
	}
}

// copyData deep-copies every table, leaving the snapshot stack behind.
func (m *Manager) copyData() *Manager {
	out := NewManager()
	for addr, acc := range m.accounts {
		out.accounts[addr] = acc.Clone()
	}
	for id, d := range m.debts {
		out.debts[id] = d.Clone()
	}
	for id, r := range m.requests {
		out.requests[id] = r.Clone()
	}
	for id := range m.settleCanceled {
		out.settleCanceled[id] = struct{}{}
	}
	for name, table := range m.registries {
		out.registries[name] = table.clone()
	}
	for id, entry := range m.entries {
		out.entries[id] = entry.Clone()
	}
	out.entrySeq = m.entrySeq
	for id, entryID := range m.entryByDebt {
		out.entryByDebt[id] = entryID
	}
	for id, a := range m.auctions {
		out.auctions[id] = a.Clone()
	}
	return out
}

func (m *Manager) adoptData(src *Manager) {
	m.accounts = src.accounts
	m.debts = src.debts
	m.requests = src.requests
	m.settleCanceled = src.settleCanceled
	m.registries = src.registries
	m.entries = src.entries
	m.entrySeq = src.entrySeq
	m.entryByDebt = src.entryByDebt
	m.auctions = src.auctions
}

// Snapshot captures the full state and returns a handle to revert to.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := len(m.snapshots)
	m.snapshots = append(m.snapshots, &snapshot{id: id, state: m.copyData()})
	return id
}

// RevertToSnapshot restores the state captured under id and discards it along
// with every later snapshot. Unknown ids are ignored.
func (m *Manager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.adoptData(m.snapshots[id].state)
	m.snapshots = m.snapshots[:id]
}

// DiscardSnapshot drops a snapshot handle without reverting, committing the
// work done since it was taken.
func (m *Manager) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.snapshots = m.snapshots[:id]
}

// GetAccount returns a copy of the stored account, or nil when absent.
func (m *Manager) GetAccount(addr crypto.Address) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[addr]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

// PutAccount stores a copy of the account.
func (m *Manager) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return errNilRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = account.Clone()
	return nil
}

// DebtGet returns a copy of the stored debt record.
func (m *Manager) DebtGet(id [32]byte) (*debt.Debt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.debts[id]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

// DebtPut stores a copy of the debt record keyed by its id.
func (m *Manager) DebtPut(d *debt.Debt) error {
	if d == nil {
		return errNilRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debts[d.ID] = d.Clone()
	return nil
}

// RequestGet returns a copy of the stored loan request.
func (m *Manager) RequestGet(id [32]byte) (*loans.Request, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// RequestPut stores a copy of the loan request keyed by its id.
func (m *Manager) RequestPut(r *loans.Request) error {
	if r == nil {
		return errNilRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r.Clone()
	return nil
}

// RequestDelete removes a stored loan request. Deleting an absent id is a
// no-op.
func (m *Manager) RequestDelete(id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
	return nil
}

// SettleCanceled reports whether the id sits on the permanent settle-cancel
// blacklist.
func (m *Manager) SettleCanceled(id [32]byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.settleCanceled[id]
	return ok, nil
}

// MarkSettleCanceled blacklists the id for settle-lend permanently.
func (m *Manager) MarkSettleCanceled(id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleCanceled[id] = struct{}{}
	return nil
}

// table must only be called with the write lock held; reads go through
// lookupTable to avoid mutating under a read lock.
func (m *Manager) table(name string) *registryTable {
	t, ok := m.registries[name]
	if !ok {
		t = newRegistryTable()
		m.registries[name] = t
	}
	return t
}

func (m *Manager) lookupTable(name string) (*registryTable, bool) {
	t, ok := m.registries[name]
	return t, ok
}

// RegistryOwner resolves the owner of id in the named ledger.
func (m *Manager) RegistryOwner(name string, id [32]byte) (crypto.Address, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lookupTable(name)
	if !ok {
		return crypto.Address{}, false, nil
	}
	owner, ok := t.owners[id]
	return owner, ok, nil
}

// RegistrySetOwner records the owner of id in the named ledger.
func (m *Manager) RegistrySetOwner(name string, id [32]byte, owner crypto.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(name).owners[id] = owner
	return nil
}

// RegistryApproved resolves the approved spender of id, if any.
func (m *Manager) RegistryApproved(name string, id [32]byte) (crypto.Address, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lookupTable(name)
	if !ok {
		return crypto.Address{}, false, nil
	}
	spender, ok := t.approved[id]
	if !ok || spender.IsZero() {
		return crypto.Address{}, false, nil
	}
	return spender, true, nil
}

// RegistrySetApproved records the approved spender of id. The zero spender
// clears the delegation.
func (m *Manager) RegistrySetApproved(name string, id [32]byte, spender crypto.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(name)
	if spender.IsZero() {
		delete(t.approved, id)
		return nil
	}
	t.approved[id] = spender
	return nil
}

// RegistryList returns the ids of the named ledger in stable mint order.
func (m *Manager) RegistryList(name string) ([][32]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lookupTable(name)
	if !ok {
		return nil, nil
	}
	return append([][32]byte(nil), t.order...), nil
}

// RegistryAppend records id at the end of the named ledger's mint order.
func (m *Manager) RegistryAppend(name string, id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(name)
	t.order = append(t.order, id)
	return nil
}

// EntryGet returns a copy of the stored collateral entry.
func (m *Manager) EntryGet(id uint64) (*collateral.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

// EntryPut stores a copy of the collateral entry keyed by its id.
func (m *Manager) EntryPut(entry *collateral.Entry) error {
	if entry == nil {
		return errNilRecord
	}
	if entry.ID == 0 {
		return errZeroEntryID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry.Clone()
	return nil
}

// NextEntryID hands out the next sequential entry id, starting at 1.
func (m *Manager) NextEntryID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.entrySeq
	m.entrySeq++
	return id, nil
}

// EntryByDebt resolves the entry backing a debt, if one exists.
func (m *Manager) EntryByDebt(debtID [32]byte) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entryID, ok := m.entryByDebt[debtID]
	return entryID, ok, nil
}

// IndexEntryDebt binds an entry to a debt. The binding is one to one and
// permanent; binding a debt twice fails.
func (m *Manager) IndexEntryDebt(debtID [32]byte, entryID uint64) error {
	if entryID == 0 {
		return errZeroEntryID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entryByDebt[debtID]; ok && prev != entryID {
		return fmt.Errorf("%w: entry %d", ErrDebtIndexed, prev)
	}
	m.entryByDebt[debtID] = entryID
	return nil
}

// AuctionGet returns a copy of the open auction for an entry.
func (m *Manager) AuctionGet(entryID uint64) (*collateral.Auction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[entryID]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// AuctionPut stores a copy of the auction keyed by its entry id.
func (m *Manager) AuctionPut(a *collateral.Auction) error {
	if a == nil {
		return errNilRecord
	}
	if a.EntryID == 0 {
		return errZeroEntryID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.EntryID] = a.Clone()
	return nil
}

// AuctionDelete closes the auction slot for an entry. Deleting an absent
// auction is a no-op.
func (m *Manager) AuctionDelete(entryID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.auctions, entryID)
	return nil
}

// Accounts lists all addresses with stored accounts, sorted for stable
// iteration.
func (m *Manager) Accounts() []crypto.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crypto.Address, 0, len(m.accounts))
	for addr := range m.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}
