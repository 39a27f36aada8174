package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/rcnfinance/rcn-network-sub002/core/types"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	"github.com/rcnfinance/rcn-network-sub002/native/collateral"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
	"github.com/rcnfinance/rcn-network-sub002/native/loans"
	"github.com/rcnfinance/rcn-network-sub002/storage"
)

var stateKey = []byte("settlement/state")

var errBadEncoding = errors.New("state: malformed persisted record")

type persistedDebt struct {
	Model    string `json:"model"`
	Creator  string `json:"creator"`
	Oracle   string `json:"oracle"`
	Cosigner string `json:"cosigner"`
	Error    bool   `json:"error"`
	Balance  string `json:"balance"`
}

type persistedRequest struct {
	Open       bool   `json:"open"`
	Approved   bool   `json:"approved"`
	Amount     string `json:"amount"`
	Model      string `json:"model"`
	Oracle     string `json:"oracle"`
	Borrower   string `json:"borrower"`
	Creator    string `json:"creator"`
	Callback   string `json:"callback"`
	Salt       string `json:"salt"`
	Expiration int64  `json:"expiration"`
	Data       string `json:"data"`
}

type persistedRegistry struct {
	Owners   map[string]string `json:"owners"`
	Approved map[string]string `json:"approved,omitempty"`
	Order    []string          `json:"order"`
}

type persistedEntry struct {
	DebtID           string `json:"debt"`
	Token            string `json:"token"`
	Oracle           string `json:"oracle"`
	Amount           string `json:"amount"`
	LiquidationRatio string `json:"liquidation_ratio"`
	BalanceRatio     string `json:"balance_ratio"`
	BurnFee          uint64 `json:"burn_fee"`
	RewardFee        uint64 `json:"reward_fee"`
}

type persistedAuction struct {
	FromToken      string `json:"from_token"`
	StartOffer     string `json:"start_offer"`
	ReferenceOffer string `json:"reference_offer"`
	Limit          string `json:"limit"`
	Amount         string `json:"amount"`
	StartTime      int64  `json:"start_time"`
}

type persistedState struct {
	Accounts       map[string]map[string]string `json:"accounts"`
	Debts          map[string]persistedDebt     `json:"debts"`
	Requests       map[string]persistedRequest  `json:"requests"`
	SettleCanceled []string                     `json:"settle_canceled"`
	Registries     map[string]persistedRegistry `json:"registries"`
	Entries        map[string]persistedEntry    `json:"entries"`
	EntrySeq       uint64                       `json:"entry_seq"`
	EntryByDebt    map[string]uint64            `json:"entry_by_debt"`
	Auctions       map[string]persistedAuction  `json:"auctions"`
}

func encodeAddr(a crypto.Address) string { return hex.EncodeToString(a.Bytes()) }

func decodeAddr(s string) (crypto.Address, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 20 {
		return crypto.Address{}, fmt.Errorf("%w: address %q", errBadEncoding, s)
	}
	var out crypto.Address
	copy(out[:], raw)
	return out, nil
}

func encodeID(id [32]byte) string { return hex.EncodeToString(id[:]) }

func decodeID(s string) ([32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("%w: id %q", errBadEncoding, s)
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(s string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q", errBadEncoding, s)
	}
	return out, nil
}

// Flush serialises the whole settlement state into the database under a
// single key, replacing any previous image.
func (m *Manager) Flush(db storage.Database) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	img := persistedState{
		Accounts:    make(map[string]map[string]string, len(m.accounts)),
		Debts:       make(map[string]persistedDebt, len(m.debts)),
		Requests:    make(map[string]persistedRequest, len(m.requests)),
		Registries:  make(map[string]persistedRegistry, len(m.registries)),
		Entries:     make(map[string]persistedEntry, len(m.entries)),
		EntrySeq:    m.entrySeq,
		EntryByDebt: make(map[string]uint64, len(m.entryByDebt)),
		Auctions:    make(map[string]persistedAuction, len(m.auctions)),
	}
	for addr, acc := range m.accounts {
		balances := make(map[string]string, len(acc.Balances))
		for token, amount := range acc.Balances {
			balances[token] = encodeAmount(amount)
		}
		img.Accounts[encodeAddr(addr)] = balances
	}
	for id, d := range m.debts {
		img.Debts[encodeID(id)] = persistedDebt{
			Model:    encodeAddr(d.Model),
			Creator:  encodeAddr(d.Creator),
			Oracle:   encodeAddr(d.Oracle),
			Cosigner: encodeAddr(d.Cosigner),
			Error:    d.Error,
			Balance:  encodeAmount(d.Balance),
		}
	}
	for id, r := range m.requests {
		img.Requests[encodeID(id)] = persistedRequest{
			Open:       r.Open,
			Approved:   r.Approved,
			Amount:     encodeAmount(r.Amount),
			Model:      encodeAddr(r.Model),
			Oracle:     encodeAddr(r.Oracle),
			Borrower:   encodeAddr(r.Borrower),
			Creator:    encodeAddr(r.Creator),
			Callback:   encodeAddr(r.Callback),
			Salt:       encodeAmount(r.Salt),
			Expiration: r.Expiration,
			Data:       hex.EncodeToString(r.Data),
		}
	}
	for id := range m.settleCanceled {
		img.SettleCanceled = append(img.SettleCanceled, encodeID(id))
	}
	sort.Strings(img.SettleCanceled)
	for name, table := range m.registries {
		reg := persistedRegistry{
			Owners:   make(map[string]string, len(table.owners)),
			Approved: make(map[string]string, len(table.approved)),
			Order:    make([]string, 0, len(table.order)),
		}
		for id, owner := range table.owners {
			reg.Owners[encodeID(id)] = encodeAddr(owner)
		}
		for id, spender := range table.approved {
			reg.Approved[encodeID(id)] = encodeAddr(spender)
		}
		for _, id := range table.order {
			reg.Order = append(reg.Order, encodeID(id))
		}
		img.Registries[name] = reg
	}
	for id, entry := range m.entries {
		img.Entries[strconv.FormatUint(id, 10)] = persistedEntry{
			DebtID:           encodeID(entry.DebtID),
			Token:            entry.Token,
			Oracle:           encodeAddr(entry.Oracle),
			Amount:           encodeAmount(entry.Amount),
			LiquidationRatio: encodeAmount(entry.LiquidationRatio),
			BalanceRatio:     encodeAmount(entry.BalanceRatio),
			BurnFee:          entry.BurnFee,
			RewardFee:        entry.RewardFee,
		}
	}
	for id, entryID := range m.entryByDebt {
		img.EntryByDebt[encodeID(id)] = entryID
	}
	for id, a := range m.auctions {
		img.Auctions[strconv.FormatUint(id, 10)] = persistedAuction{
			FromToken:      a.FromToken,
			StartOffer:     encodeAmount(a.StartOffer),
			ReferenceOffer: encodeAmount(a.ReferenceOffer),
			Limit:          encodeAmount(a.Limit),
			Amount:         encodeAmount(a.Amount),
			StartTime:      a.StartTime,
		}
	}

	raw, err := json.Marshal(img)
	if err != nil {
		return err
	}
	return db.Put(stateKey, raw)
}

// Load restores a previously flushed image from the database. A missing
// image leaves the manager empty, so a fresh data directory starts clean.
func (m *Manager) Load(db storage.Database) error {
	raw, err := db.Get(stateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var img persistedState
	if err := json.Unmarshal(raw, &img); err != nil {
		return err
	}

	restored := NewManager()
	for addrHex, balances := range img.Accounts {
		addr, err := decodeAddr(addrHex)
		if err != nil {
			return err
		}
		acc := types.NewAccount()
		for token, amountStr := range balances {
			amount, err := decodeAmount(amountStr)
			if err != nil {
				return err
			}
			acc.SetBalance(token, amount)
		}
		restored.accounts[addr] = acc
	}
	for idHex, pd := range img.Debts {
		id, err := decodeID(idHex)
		if err != nil {
			return err
		}
		d := &debt.Debt{ID: id, Error: pd.Error}
		if d.Model, err = decodeAddr(pd.Model); err != nil {
			return err
		}
		if d.Creator, err = decodeAddr(pd.Creator); err != nil {
			return err
		}
		if d.Oracle, err = decodeAddr(pd.Oracle); err != nil {
			return err
		}
		if d.Cosigner, err = decodeAddr(pd.Cosigner); err != nil {
			return err
		}
		if d.Balance, err = decodeAmount(pd.Balance); err != nil {
			return err
		}
		restored.debts[id] = d
	}
	for idHex, pr := range img.Requests {
		id, err := decodeID(idHex)
		if err != nil {
			return err
		}
		r := &loans.Request{ID: id, Open: pr.Open, Approved: pr.Approved, Expiration: pr.Expiration}
		if r.Amount, err = decodeAmount(pr.Amount); err != nil {
			return err
		}
		if r.Model, err = decodeAddr(pr.Model); err != nil {
			return err
		}
		if r.Oracle, err = decodeAddr(pr.Oracle); err != nil {
			return err
		}
		if r.Borrower, err = decodeAddr(pr.Borrower); err != nil {
			return err
		}
		if r.Creator, err = decodeAddr(pr.Creator); err != nil {
			return err
		}
		if r.Callback, err = decodeAddr(pr.Callback); err != nil {
			return err
		}
		if r.Salt, err = decodeAmount(pr.Salt); err != nil {
			return err
		}
		if r.Data, err = hex.DecodeString(pr.Data); err != nil {
			return fmt.Errorf("%w: request data", errBadEncoding)
		}
		restored.requests[id] = r
	}
	for _, idHex := range img.SettleCanceled {
		id, err := decodeID(idHex)
		if err != nil {
			return err
		}
		restored.settleCanceled[id] = struct{}{}
	}
	for name, reg := range img.Registries {
		table := newRegistryTable()
		for idHex, ownerHex := range reg.Owners {
			id, err := decodeID(idHex)
			if err != nil {
				return err
			}
			if table.owners[id], err = decodeAddr(ownerHex); err != nil {
				return err
			}
		}
		for idHex, spenderHex := range reg.Approved {
			id, err := decodeID(idHex)
			if err != nil {
				return err
			}
			if table.approved[id], err = decodeAddr(spenderHex); err != nil {
				return err
			}
		}
		for _, idHex := range reg.Order {
			id, err := decodeID(idHex)
			if err != nil {
				return err
			}
			table.order = append(table.order, id)
		}
		restored.registries[name] = table
	}
	for idStr, pe := range img.Entries {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: entry id %q", errBadEncoding, idStr)
		}
		entry := &collateral.Entry{ID: id, Token: pe.Token, BurnFee: pe.BurnFee, RewardFee: pe.RewardFee}
		if entry.DebtID, err = decodeID(pe.DebtID); err != nil {
			return err
		}
		if entry.Oracle, err = decodeAddr(pe.Oracle); err != nil {
			return err
		}
		if entry.Amount, err = decodeAmount(pe.Amount); err != nil {
			return err
		}
		if entry.LiquidationRatio, err = decodeAmount(pe.LiquidationRatio); err != nil {
			return err
		}
		if entry.BalanceRatio, err = decodeAmount(pe.BalanceRatio); err != nil {
			return err
		}
		restored.entries[id] = entry
	}
	if img.EntrySeq > 0 {
		restored.entrySeq = img.EntrySeq
	}
	for idHex, entryID := range img.EntryByDebt {
		id, err := decodeID(idHex)
		if err != nil {
			return err
		}
		restored.entryByDebt[id] = entryID
	}
	for idStr, pa := range img.Auctions {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: auction id %q", errBadEncoding, idStr)
		}
		a := &collateral.Auction{EntryID: id, FromToken: pa.FromToken, StartTime: pa.StartTime}
		if a.StartOffer, err = decodeAmount(pa.StartOffer); err != nil {
			return err
		}
		if a.ReferenceOffer, err = decodeAmount(pa.ReferenceOffer); err != nil {
			return err
		}
		if a.Limit, err = decodeAmount(pa.Limit); err != nil {
			return err
		}
		if a.Amount, err = decodeAmount(pa.Amount); err != nil {
			return err
		}
		restored.auctions[id] = a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.adoptData(restored)
	m.snapshots = nil
	return nil
}
