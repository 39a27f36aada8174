package collateral

import (
	"errors"
	"math/big"
	"time"

	"github.com/rcnfinance/rcn-network-sub002/core/events"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	nativecommon "github.com/rcnfinance/rcn-network-sub002/native/common"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
	"github.com/rcnfinance/rcn-network-sub002/native/registry"
)

var (
	errNilState          = errors.New("collateral engine: state not configured")
	errNilLedger         = errors.New("collateral engine: debt ledger not configured")
	errNilRegistry       = errors.New("collateral engine: ownership registry not configured")
	errInvalidAmount     = errors.New("collateral engine: amount must be positive")
	ErrUnknownEntry      = errors.New("collateral engine: entry does not exist")
	ErrInvalidRatios     = errors.New("collateral engine: liquidation ratio must exceed 1 and stay below balance ratio")
	ErrZeroDebt          = errors.New("collateral engine: debt id must be nonzero")
	ErrDebtHasEntry      = errors.New("collateral engine: debt already collateralised")
	ErrEntryInAuction    = errors.New("collateral engine: entry is in an open auction")
	ErrAuctionExists     = errors.New("collateral engine: auction already exists")
	ErrNotAuthorized     = errors.New("collateral engine: caller is not owner nor approved")
	ErrNotEnoughHeadroom = errors.New("collateral engine: withdrawable collateral is not enough")
	ErrRatioWorsened     = errors.New("collateral engine: ratio should increase")
	ErrNotNegotiator     = errors.New("collateral engine: caller is not the negotiation component")
	ErrEntryDebtMismatch = errors.New("collateral engine: entry does not back this debt")
	ErrNotAuction        = errors.New("collateral engine: caller is not the auction component")
	ErrHandlerFailed     = errors.New("collateral engine: borrow handler failed")
)

type engineState interface {
	nativecommon.AccountState
	EntryGet(id uint64) (*Entry, bool, error)
	EntryPut(entry *Entry) error
	NextEntryID() (uint64, error)
	EntryByDebt(debtID [32]byte) (uint64, bool, error)
	IndexEntryDebt(debtID [32]byte, entryID uint64) error
	AuctionGet(entryID uint64) (*Auction, bool, error)
	AuctionPut(auction *Auction) error
	AuctionDelete(entryID uint64) error
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Engine holds deposited collateral against ledger debts, cosigns loans for
// the negotiation component and liquidates unhealthy positions through the
// auction component.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	address      crypto.Address
	burnAddress  crypto.Address
	ledger       *debt.Engine
	ownership    *registry.Ledger
	negotiator   crypto.Address
	auctionAddr  crypto.Address
	burnFee      uint64
	rewardFee    uint64
	effortBudget time.Duration
	nowFn        func() int64
}

// NewEngine constructs a collateral engine bound to its vault address and
// the debt ledger it protects.
func NewEngine(address crypto.Address, ledger *debt.Engine) *Engine {
	return &Engine{
		emitter:      events.NoopEmitter{},
		address:      address,
		ledger:       ledger,
		effortBudget: nativecommon.DefaultEffortBudget,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry wires the ownership registry tracking entry owners.
func (e *Engine) SetRegistry(ledger *registry.Ledger) { e.ownership = ledger }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNegotiator registers the negotiation component allowed to request
// cosigns.
func (e *Engine) SetNegotiator(addr crypto.Address) { e.negotiator = addr }

// SetAuction registers the auction component allowed to report settlements.
func (e *Engine) SetAuction(addr crypto.Address) { e.auctionAddr = addr }

// SetFees configures the burn/reward split snapshotted into entries at claim
// time, in basis points.
func (e *Engine) SetFees(burnFee, rewardFee uint64) {
	e.burnFee = burnFee
	e.rewardFee = rewardFee
}

// SetBurnAddress routes the burn fee share. The zero address discards it
// into an unspendable sink account.
func (e *Engine) SetBurnAddress(addr crypto.Address) { e.burnAddress = addr }

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEffortBudget bounds borrow-handler sub-calls.
func (e *Engine) SetEffortBudget(budget time.Duration) {
	if budget <= 0 {
		budget = nativecommon.DefaultEffortBudget
	}
	e.effortBudget = budget
}

// Address returns the engine vault address.
func (e *Engine) Address() crypto.Address { return e.address }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadEntry(id uint64) (*Entry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	entry, ok, err := e.state.EntryGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownEntry
	}
	if entry.Amount == nil {
		entry.Amount = big.NewInt(0)
	}
	return entry, nil
}

// GetEntry returns a copy of the stored entry.
func (e *Engine) GetEntry(id uint64) (*Entry, error) {
	entry, err := e.loadEntry(id)
	if err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

func (e *Engine) inAuction(entryID uint64) (bool, error) {
	_, ok, err := e.state.AuctionGet(entryID)
	return ok, err
}

// Create opens a collateral entry backing debtID and pulls the deposit from
// the caller. The debt does not need to be lent yet: collateral may be
// pre-funded before lending.
func (e *Engine) Create(caller, owner crypto.Address, debtID [32]byte, token string, oracleRef crypto.Address, amount, liquidationRatio, balanceRatio *big.Int) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if e.ledger == nil {
		return 0, errNilLedger
	}
	if e.ownership == nil {
		return 0, errNilRegistry
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, errInvalidAmount
	}
	if debtID == ([32]byte{}) {
		return 0, ErrZeroDebt
	}
	if liquidationRatio == nil || balanceRatio == nil ||
		liquidationRatio.Cmp(ray) <= 0 || liquidationRatio.Cmp(balanceRatio) >= 0 {
		return 0, ErrInvalidRatios
	}
	if _, taken, err := e.state.EntryByDebt(debtID); err != nil {
		return 0, err
	} else if taken {
		return 0, ErrDebtHasEntry
	}
	if err := nativecommon.MoveTokens(e.state, caller, e.address, token, amount); err != nil {
		return 0, err
	}
	id, err := e.state.NextEntryID()
	if err != nil {
		return 0, err
	}
	entry := &Entry{
		ID:               id,
		DebtID:           debtID,
		Token:            token,
		Oracle:           oracleRef,
		Amount:           new(big.Int).Set(amount),
		LiquidationRatio: new(big.Int).Set(liquidationRatio),
		BalanceRatio:     new(big.Int).Set(balanceRatio),
	}
	if err := e.state.EntryPut(entry); err != nil {
		return 0, err
	}
	if err := e.state.IndexEntryDebt(debtID, id); err != nil {
		return 0, err
	}
	if err := e.ownership.Mint(owner, EntryKey(id)); err != nil {
		return 0, err
	}
	e.emit(CreatedEvent{EntryID: id, DebtID: debtID, Owner: owner, Token: entry.Token, Amount: new(big.Int).Set(amount)})
	return id, nil
}

// Deposit tops up an entry. Anyone may deposit into any entry; deposits are
// blocked while the entry is being auctioned.
func (e *Engine) Deposit(caller crypto.Address, entryID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	entry, err := e.loadEntry(entryID)
	if err != nil {
		return err
	}
	if open, err := e.inAuction(entryID); err != nil {
		return err
	} else if open {
		return ErrEntryInAuction
	}
	if err := nativecommon.MoveTokens(e.state, caller, e.address, entry.Token, amount); err != nil {
		return err
	}
	entry.Amount = new(big.Int).Add(entry.Amount, amount)
	if err := e.state.EntryPut(entry); err != nil {
		return err
	}
	e.emit(DepositedEvent{EntryID: entryID, From: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// values reads the entry's collateral value and the debt's outstanding value
// in units of account at one rate snapshot.
func (e *Engine) values(entry *Entry, rateData []byte) (collateralValue, debtValue *big.Int, err error) {
	rate, err := e.ledger.ReadRate(entry.Oracle, rateData)
	if err != nil {
		return nil, nil, err
	}
	collateralValue, err = rate.FromTokens(entry.Amount)
	if err != nil {
		return nil, nil, err
	}
	lent, err := e.ledger.Exists(entry.DebtID)
	if err != nil {
		return nil, nil, err
	}
	if !lent {
		return collateralValue, big.NewInt(0), nil
	}
	debtValue, err = e.ledger.ClosingObligation(entry.DebtID)
	if err != nil {
		return nil, nil, err
	}
	return collateralValue, debtValue, nil
}

// Withdraw releases collateral to `to`. Before the loan is lent any amount
// up to the balance may leave; after, the remaining position must stay at or
// above the liquidation ratio.
func (e *Engine) Withdraw(caller crypto.Address, entryID uint64, to crypto.Address, amount *big.Int, rateData []byte) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	entry, err := e.loadEntry(entryID)
	if err != nil {
		return err
	}
	if open, err := e.inAuction(entryID); err != nil {
		return err
	} else if open {
		return ErrEntryInAuction
	}
	if err := e.authorize(caller, entryID); err != nil {
		return err
	}
	if entry.Amount.Cmp(amount) < 0 {
		return ErrNotEnoughHeadroom
	}
	remaining := new(big.Int).Sub(entry.Amount, amount)
	lent, err := e.ledger.Exists(entry.DebtID)
	if err != nil {
		return err
	}
	if lent {
		trimmed := entry.Clone()
		trimmed.Amount = remaining
		collateralValue, debtValue, err := e.values(trimmed, rateData)
		if err != nil {
			return err
		}
		if belowRatio(collateralValue, debtValue, entry.LiquidationRatio) {
			return ErrNotEnoughHeadroom
		}
	}
	if err := nativecommon.MoveTokens(e.state, e.address, to, entry.Token, amount); err != nil {
		return err
	}
	entry.Amount = remaining
	if err := e.state.EntryPut(entry); err != nil {
		return err
	}
	e.emit(WithdrawnEvent{EntryID: entryID, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (e *Engine) authorize(caller crypto.Address, entryID uint64) error {
	if e.ownership == nil {
		return errNilRegistry
	}
	allowed, err := e.ownership.IsApprovedOrOwner(caller, EntryKey(entryID))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownToken) {
			return ErrUnknownEntry
		}
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}
	return nil
}

// Cost implements the cosigner capability: collateral-backed cosigning is
// free at lend time.
func (e *Engine) Cost(id [32]byte, data []byte) (*big.Int, error) {
	return big.NewInt(0), nil
}

// RequestCosign implements the cosigner capability invoked by the
// negotiation component during lend. The supplied data must be the
// fixed-width encoding of an entry id backing exactly this debt; on match
// the engine confirms through the ledger's cosign hook.
func (e *Engine) RequestCosign(caller crypto.Address, debtID [32]byte, data []byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if e.negotiator.IsZero() || caller != e.negotiator {
		return false, ErrNotNegotiator
	}
	if debtID == ([32]byte{}) {
		return false, ErrZeroDebt
	}
	entryID, ok := ParseEntryKey(data)
	if !ok || entryID == 0 {
		return false, ErrUnknownEntry
	}
	entry, err := e.loadEntry(entryID)
	if err != nil {
		return false, err
	}
	if entry.DebtID != debtID {
		return false, ErrEntryDebtMismatch
	}
	if err := e.ledger.Cosign(e.address, debtID); err != nil {
		return false, err
	}
	e.emit(CosignedEvent{EntryID: entryID, DebtID: debtID})
	return true, nil
}

// BorrowCollateral hands the whole entry balance to a caller-supplied
// handler, which may use it as working capital to pay the debt down, then
// verifies the position's ratio did not worsen. The handler runs under the
// effort budget and the entire operation unwinds on any failure.
func (e *Engine) BorrowCollateral(caller crypto.Address, entryID uint64, handler BorrowHandler, handlerData, rateData []byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if handler == nil {
		return ErrHandlerFailed
	}
	entry, err := e.loadEntry(entryID)
	if err != nil {
		return err
	}
	if open, err := e.inAuction(entryID); err != nil {
		return err
	} else if open {
		return ErrEntryInAuction
	}
	if err := e.authorize(caller, entryID); err != nil {
		return err
	}

	collateralValue, debtValue, err := e.values(entry, rateData)
	if err != nil {
		return err
	}
	before := ratioOf(collateralValue, debtValue)

	snapshot := e.state.Snapshot()
	delegated := new(big.Int).Set(entry.Amount)
	if err := nativecommon.MoveTokens(e.state, e.address, handler.Address(), entry.Token, delegated); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	returned, callErr := nativecommon.SafeCallValue(e.effortBudget, func() (*big.Int, error) {
		return handler.Handle(entryID, entry.Token, new(big.Int).Set(delegated), handlerData)
	})
	if callErr != nil || returned == nil || returned.Sign() < 0 {
		e.state.RevertToSnapshot(snapshot)
		return ErrHandlerFailed
	}
	if err := nativecommon.MoveTokens(e.state, handler.Address(), e.address, entry.Token, returned); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	entry.Amount = new(big.Int).Set(returned)
	if err := e.state.EntryPut(entry); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}

	collateralValue, debtValue, err = e.values(entry, rateData)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	after := ratioOf(collateralValue, debtValue)
	if !ratioNotWorse(after, before) {
		e.state.RevertToSnapshot(snapshot)
		return ErrRatioWorsened
	}
	e.state.DiscardSnapshot(snapshot)
	e.emit(BorrowedEvent{EntryID: entryID, Handler: handler.Address(), Returned: new(big.Int).Set(returned)})
	return nil
}

// Claim evaluates the two liquidation triggers for the entry backing debtID
// and opens a Dutch auction when either fires. A negative result is
// side-effect-free; a double claim fails while the first auction is open.
func (e *Engine) Claim(caller crypto.Address, debtID [32]byte, rateData []byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	entryID, ok, err := e.state.EntryByDebt(debtID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrUnknownEntry
	}
	entry, err := e.loadEntry(entryID)
	if err != nil {
		return false, err
	}
	if open, err := e.inAuction(entryID); err != nil {
		return false, err
	} else if open {
		return false, ErrAuctionExists
	}
	lent, err := e.ledger.Exists(debtID)
	if err != nil {
		return false, err
	}
	if !lent || entry.Amount.Sign() == 0 {
		return false, nil
	}

	rate, err := e.ledger.ReadRate(entry.Oracle, rateData)
	if err != nil {
		return false, err
	}
	collateralValue, err := rate.FromTokens(entry.Amount)
	if err != nil {
		return false, err
	}
	debtValue, err := e.ledger.ClosingObligation(debtID)
	if err != nil {
		return false, err
	}
	dueNow, err := e.ledger.Obligation(debtID, e.now())
	if err != nil {
		return false, err
	}

	var (
		required *big.Int
		overdue  bool
	)
	switch {
	case dueNow.Sign() > 0:
		// Overdue obligation: raise what is due, fees included.
		overdue = true
		required = new(big.Int).Set(dueNow)
	case belowRatio(collateralValue, debtValue, entry.LiquidationRatio):
		// Under-collateralised: raise enough to restore the balance ratio.
		required = requiredPayment(collateralValue, debtValue, entry.BalanceRatio)
	default:
		return false, nil
	}
	if required.Sign() == 0 {
		return false, nil
	}
	if required.Cmp(collateralValue) > 0 {
		required = new(big.Int).Set(collateralValue)
	}

	// Snapshot the fee split into the entry, then gross the requirement up.
	entry.BurnFee = e.burnFee
	entry.RewardFee = e.rewardFee
	total := applyFees(required, entry.BurnFee, entry.RewardFee)

	referenceOffer, err := rate.ToTokens(total)
	if err != nil {
		return false, err
	}
	limit := new(big.Int).Set(entry.Amount)
	if referenceOffer.Cmp(limit) > 0 {
		referenceOffer = new(big.Int).Set(limit)
	}
	// The initial offer is 5% below the market-rate equivalent.
	startOffer := new(big.Int).Mul(referenceOffer, big.NewInt(95))
	startOffer.Quo(startOffer, big.NewInt(100))

	auction := &Auction{
		EntryID:        entryID,
		FromToken:      entry.Token,
		StartOffer:     startOffer,
		ReferenceOffer: referenceOffer,
		Limit:          limit,
		Amount:         total,
		StartTime:      e.now(),
	}
	entry.Amount = big.NewInt(0)
	if err := e.state.EntryPut(entry); err != nil {
		return false, err
	}
	if err := e.state.AuctionPut(auction); err != nil {
		return false, err
	}
	e.emit(ClaimedEvent{
		EntryID:    entryID,
		DebtID:     debtID,
		Required:   total,
		StartOffer: new(big.Int).Set(startOffer),
		Limit:      new(big.Int).Set(limit),
		Overdue:    overdue,
	})
	return true, nil
}

// AuctionClosed is the settlement callback from the auction component. The
// received lending tokens pay the debt down (burn and reward fee shares
// carved out first), any excess beyond the debt goes to the entry owner and
// unsold collateral returns to the entry balance.
func (e *Engine) AuctionClosed(caller crypto.Address, entryID uint64, leftover, received *big.Int, taker crypto.Address, rateData []byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.auctionAddr.IsZero() || caller != e.auctionAddr {
		return ErrNotAuction
	}
	entry, err := e.loadEntry(entryID)
	if err != nil {
		return err
	}
	if leftover == nil {
		leftover = big.NewInt(0)
	}
	if received == nil {
		received = big.NewInt(0)
	}

	burnShare, rewardShare := feeShares(received, entry.BurnFee, entry.RewardFee)
	if burnShare.Sign() > 0 {
		if err := nativecommon.MoveTokens(e.state, e.address, e.burnAddress, e.ledger.Token(), burnShare); err != nil {
			return err
		}
	}
	if rewardShare.Sign() > 0 && !taker.IsZero() {
		if err := nativecommon.MoveTokens(e.state, e.address, taker, e.ledger.Token(), rewardShare); err != nil {
			return err
		}
	}
	remainder := new(big.Int).Sub(received, burnShare)
	remainder.Sub(remainder, rewardShare)

	paidTokens := big.NewInt(0)
	if remainder.Sign() > 0 {
		_, paidTokens, err = e.ledger.PayToken(e.address, entry.DebtID, remainder, taker, rateData)
		if err != nil {
			return err
		}
	}
	excess := new(big.Int).Sub(remainder, paidTokens)
	if excess.Sign() > 0 {
		owner, err := e.ownership.OwnerOf(EntryKey(entryID))
		if err != nil {
			return err
		}
		if err := nativecommon.MoveTokens(e.state, e.address, owner, e.ledger.Token(), excess); err != nil {
			return err
		}
	}

	entry.Amount = new(big.Int).Add(entry.Amount, leftover)
	if err := e.state.EntryPut(entry); err != nil {
		return err
	}
	if err := e.state.AuctionDelete(entryID); err != nil {
		return err
	}
	e.emit(ClosedEvent{
		EntryID:  entryID,
		Paid:     paidTokens,
		Excess:   excess,
		Leftover: new(big.Int).Set(leftover),
	})
	return nil
}
