package loans

import (
	"errors"
	"math/big"
	"time"

	"github.com/rcnfinance/rcn-network-sub002/core/events"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	nativecommon "github.com/rcnfinance/rcn-network-sub002/native/common"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
)

var (
	errNilState          = errors.New("loan engine: state not configured")
	errNilLedger         = errors.New("loan engine: debt ledger not configured")
	ErrZeroBorrower      = errors.New("loan engine: borrower is the null identity")
	ErrWrongCreator      = errors.New("loan engine: caller is not the request creator")
	ErrRequestExists     = errors.New("loan engine: request already exist")
	ErrUnknownRequest    = errors.New("loan engine: request does not exist")
	ErrRequestClosed     = errors.New("loan engine: request is not open")
	ErrNotApproved       = errors.New("loan engine: request is not approved")
	ErrExpired           = errors.New("loan engine: request is expired")
	ErrOnlyBorrower      = errors.New("loan engine: only the borrower may approve")
	ErrOnlyParties       = errors.New("loan engine: only borrower or creator may cancel")
	ErrModelRejected     = errors.New("loan engine: model rejected request terms")
	ErrIDMismatch        = errors.New("loan engine: ledger derived a different id")
	ErrUnknownCosigner   = errors.New("loan engine: cosigner not registered")
	ErrCosignerCost      = errors.New("loan engine: cosigner cost above limit")
	ErrCosignerDeclined  = errors.New("loan engine: cosigner did not confirm")
	ErrCallbackRejected  = errors.New("loan engine: post-lend callback rejected")
	ErrUnknownCallback   = errors.New("loan engine: post-lend callback not registered")
	ErrSettleCanceled    = errors.New("loan engine: settle was canceled for these terms")
	ErrConsentUnobtained = errors.New("loan engine: party consent unobtainable")
)

type engineState interface {
	nativecommon.AccountState
	RequestGet(id [32]byte) (*Request, bool, error)
	RequestPut(request *Request) error
	RequestDelete(id [32]byte) error
	SettleCanceled(id [32]byte) (bool, error)
	MarkSettleCanceled(id [32]byte) error
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Engine drives loan negotiation: request, approval, lending and
// cancellation. Ids are derived exactly the way the debt ledger derives them,
// which lets the engine predict the id a ledger-level creation will produce
// and fail the lend atomically on any mismatch.
type Engine struct {
	state             engineState
	emitter           events.Emitter
	address           crypto.Address
	ledger            *debt.Engine
	approvalCallbacks map[crypto.Address]ApprovalCallback
	loanCallbacks     map[crypto.Address]LoanCallback
	cosigners         map[crypto.Address]Cosigner
	effortBudget      time.Duration
	nowFn             func() int64
}

// NewEngine constructs a negotiation engine bound to its deployment address
// and the debt ledger it settles into.
func NewEngine(address crypto.Address, ledger *debt.Engine) *Engine {
	return &Engine{
		emitter:           events.NoopEmitter{},
		address:           address,
		ledger:            ledger,
		approvalCallbacks: make(map[crypto.Address]ApprovalCallback),
		loanCallbacks:     make(map[crypto.Address]LoanCallback),
		cosigners:         make(map[crypto.Address]Cosigner),
		effortBudget:      nativecommon.DefaultEffortBudget,
		nowFn:             func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEffortBudget bounds callback and cosigner sub-calls.
func (e *Engine) SetEffortBudget(budget time.Duration) {
	if budget <= 0 {
		budget = nativecommon.DefaultEffortBudget
	}
	e.effortBudget = budget
}

// RegisterApprovalCallback exposes a party's approval capability.
func (e *Engine) RegisterApprovalCallback(addr crypto.Address, cb ApprovalCallback) {
	e.approvalCallbacks[addr] = cb
}

// RegisterLoanCallback exposes a post-lend hook under its reference address.
func (e *Engine) RegisterLoanCallback(addr crypto.Address, cb LoanCallback) {
	e.loanCallbacks[addr] = cb
}

// RegisterCosigner exposes a cosigner under its reference address.
func (e *Engine) RegisterCosigner(addr crypto.Address, cs Cosigner) {
	e.cosigners[addr] = cs
}

// Address returns the negotiation deployment identity.
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

// DeriveID computes the loan id for a term set without touching state. It is
// the same derivation the debt ledger performs at creation time.
func (e *Engine) DeriveID(terms Terms) [32]byte {
	salt := debt.InternalSalt(terms.Amount, terms.Borrower, terms.Creator, terms.Callback, terms.Salt, terms.Expiration)
	return debt.BuildID(e.ledger.Address(), e.address, terms.Model, terms.Oracle, salt)
}

func (e *Engine) internalSalt(terms Terms) [32]byte {
	return debt.InternalSalt(terms.Amount, terms.Borrower, terms.Creator, terms.Callback, terms.Salt, terms.Expiration)
}

func (e *Engine) validateTerms(terms Terms) error {
	if terms.Borrower.IsZero() {
		return ErrZeroBorrower
	}
	if terms.Expiration <= e.now() {
		return ErrExpired
	}
	model, ok := e.ledger.Model(terms.Model)
	if !ok {
		return debt.ErrUnknownModel
	}
	accepted, err := nativecommon.SafeCallValue(e.effortBudget, func() (bool, error) {
		return model.Validate(terms.Data)
	})
	if err != nil || !accepted {
		return ErrModelRejected
	}
	return nil
}

func (e *Engine) idTaken(id [32]byte) (bool, error) {
	if req, ok, err := e.state.RequestGet(id); err != nil {
		return false, err
	} else if ok && req.Open {
		return true, nil
	}
	live, err := e.ledger.Exists(id)
	if err != nil {
		return false, err
	}
	return live, nil
}

// Request opens a loan request for the given terms. The caller must be the
// creator named in the terms; when the creator is also the borrower the
// request is auto-approved.
func (e *Engine) Request(caller crypto.Address, terms Terms) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	if e.ledger == nil {
		return [32]byte{}, errNilLedger
	}
	if caller != terms.Creator {
		return [32]byte{}, ErrWrongCreator
	}
	if err := e.validateTerms(terms); err != nil {
		return [32]byte{}, err
	}
	id := e.DeriveID(terms)
	taken, err := e.idTaken(id)
	if err != nil {
		return [32]byte{}, err
	}
	if taken {
		return [32]byte{}, ErrRequestExists
	}
	approved := terms.Creator == terms.Borrower
	req := &Request{
		ID:         id,
		Open:       true,
		Approved:   approved,
		Amount:     new(big.Int).Set(terms.Amount),
		Model:      terms.Model,
		Oracle:     terms.Oracle,
		Borrower:   terms.Borrower,
		Creator:    terms.Creator,
		Callback:   terms.Callback,
		Salt:       cloneOrZero(terms.Salt),
		Expiration: terms.Expiration,
		Data:       append([]byte(nil), terms.Data...),
	}
	if err := e.state.RequestPut(req); err != nil {
		return [32]byte{}, err
	}
	e.emit(RequestedEvent{ID: id, Borrower: terms.Borrower, Creator: terms.Creator, Amount: new(big.Int).Set(terms.Amount)})
	if approved {
		e.emit(ApprovedEvent{ID: id})
	}
	return id, nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadOpenRequest(id [32]byte) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	req, ok, err := e.state.RequestGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownRequest
	}
	if !req.Open {
		return nil, ErrRequestClosed
	}
	return req, nil
}

// GetRequest returns a copy of the stored request.
func (e *Engine) GetRequest(id [32]byte) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	req, ok, err := e.state.RequestGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownRequest
	}
	return req.Clone(), nil
}

func (e *Engine) approve(req *Request) error {
	if req.Approved {
		return nil
	}
	req.Approved = true
	if err := e.state.RequestPut(req); err != nil {
		return err
	}
	e.emit(ApprovedEvent{ID: req.ID})
	return nil
}

// Approve records borrower consent directly. Repeat calls are no-ops and do
// not re-emit the approval event.
func (e *Engine) Approve(caller crypto.Address, id [32]byte) error {
	req, err := e.loadOpenRequest(id)
	if err != nil {
		return err
	}
	if caller != req.Borrower {
		return ErrOnlyBorrower
	}
	return e.approve(req)
}

// RegisterApproval accepts third-party submitted borrower consent: either a
// signature over the approval digest or a round-trip through the borrower's
// registered approval callback. Declined or malformed consent silently fails
// to approve; only missing requests error.
func (e *Engine) RegisterApproval(id [32]byte, consent Consent) (bool, error) {
	req, err := e.loadOpenRequest(id)
	if err != nil {
		return false, err
	}
	if req.Approved {
		return true, nil
	}
	if !e.hasConsent(req.Borrower, id, consent, false) {
		return false, nil
	}
	if err := e.approve(req); err != nil {
		return false, err
	}
	return true, nil
}

// hasConsent resolves one consent variant for a party. Every failure mode of
// the callback variant (unregistered capability, wrong echoed id, decline,
// error, panic, stall) reads as "not approved".
func (e *Engine) hasConsent(party crypto.Address, id [32]byte, consent Consent, asCreator bool) bool {
	if len(consent.Signature) > 0 {
		digest := ApprovalDigest(id)
		if asCreator {
			digest = CreatorDigest(id)
		}
		signer, err := crypto.RecoverSigner(digest, consent.Signature)
		return err == nil && signer == party
	}
	if !consent.Callback {
		return false
	}
	cb, ok := e.approvalCallbacks[party]
	if !ok {
		return false
	}
	type echo struct {
		id       [32]byte
		accepted bool
	}
	res, err := nativecommon.SafeCallValue(e.effortBudget, func() (echo, error) {
		var (
			echoed   [32]byte
			accepted bool
			cbErr    error
		)
		if asCreator {
			echoed, accepted, cbErr = cb.ApproveLoanCreator(id)
		} else {
			echoed, accepted, cbErr = cb.ApproveLoan(id)
		}
		return echo{id: echoed, accepted: accepted}, cbErr
	})
	return err == nil && res.accepted && res.id == id
}

// Lend funds an approved, unexpired request: the principal moves from the
// lender to the borrower (rate-converted when an oracle is set), the debt is
// created in the ledger under the predicted id, an optional cosigner is
// charged and must confirm, and the optional post-lend callback runs under
// the effort budget. Any failure unwinds the whole operation.
func (e *Engine) Lend(lender crypto.Address, id [32]byte, rateData []byte, cosignerRef crypto.Address, cosignerLimit *big.Int, cosignerData, callbackData []byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	req, err := e.loadOpenRequest(id)
	if err != nil {
		return err
	}
	if !req.Approved {
		return ErrNotApproved
	}
	if req.Expiration <= e.now() {
		return ErrExpired
	}
	snapshot := e.state.Snapshot()
	hold := e.holdEvents()
	if err := e.fund(lender, req, rateData, cosignerRef, cosignerLimit, cosignerData, callbackData); err != nil {
		hold.restore()
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	hold.restore()
	e.state.DiscardSnapshot(snapshot)
	hold.flush()
	return nil
}

// eventHold parks this engine's and the ledger's emissions while a snapshot
// is open. restore puts the original sinks back; flush forwards the queued
// events once the operation has committed.
type eventHold struct {
	restore func()
	flush   func()
}

func (e *Engine) holdEvents() eventHold {
	sink, ledgerSink := e.emitter, e.ledger.Emitter()
	buffer := &events.Buffer{}
	ledgerBuffer := &events.Buffer{}
	e.emitter = buffer
	e.ledger.SetEmitter(ledgerBuffer)
	return eventHold{
		restore: func() {
			e.emitter = sink
			e.ledger.SetEmitter(ledgerSink)
		},
		flush: func() {
			ledgerBuffer.FlushTo(ledgerSink)
			buffer.FlushTo(sink)
		},
	}
}

// fund performs the stateful part of a lend against an already validated
// request. Callers hold the snapshot.
func (e *Engine) fund(lender crypto.Address, req *Request, rateData []byte, cosignerRef crypto.Address, cosignerLimit *big.Int, cosignerData, callbackData []byte) error {
	rate, err := e.ledger.ReadRate(req.Oracle, rateData)
	if err != nil {
		return err
	}
	principalTokens, err := rate.ToTokens(req.Amount)
	if err != nil {
		return err
	}
	if err := nativecommon.MoveTokens(e.state, lender, req.Borrower, e.ledger.Token(), principalTokens); err != nil {
		return err
	}

	salt := debt.InternalSalt(req.Amount, req.Borrower, req.Creator, req.Callback, req.Salt, req.Expiration)
	debtID, err := e.ledger.Create(e.address, req.Model, lender, req.Oracle, salt, req.Data)
	if err != nil {
		return err
	}
	if debtID != req.ID {
		return ErrIDMismatch
	}

	req.Open = false
	if err := e.state.RequestPut(req); err != nil {
		return err
	}

	if !cosignerRef.IsZero() {
		if err := e.runCosign(lender, req.ID, cosignerRef, cosignerLimit, cosignerData); err != nil {
			return err
		}
	}

	if !req.Callback.IsZero() {
		cb, ok := e.loanCallbacks[req.Callback]
		if !ok {
			return ErrUnknownCallback
		}
		accepted, cbErr := nativecommon.SafeCallValue(e.effortBudget, func() (bool, error) {
			return cb.OnLent(req.ID, lender, callbackData)
		})
		if cbErr != nil || !accepted {
			return ErrCallbackRejected
		}
	}

	e.emit(LentEvent{ID: req.ID, Lender: lender, Tokens: principalTokens, Cosigner: cosignerRef})
	return nil
}

// runCosign executes the cosigner handshake: charge at most the lender's
// limit, arm the ledger hook and require the cosigner to confirm through it.
func (e *Engine) runCosign(lender crypto.Address, id [32]byte, cosignerRef crypto.Address, limit *big.Int, data []byte) error {
	cs, ok := e.cosigners[cosignerRef]
	if !ok {
		return ErrUnknownCosigner
	}
	cost, err := nativecommon.SafeCallValue(e.effortBudget, func() (*big.Int, error) {
		return cs.Cost(id, data)
	})
	if err != nil {
		return ErrCosignerDeclined
	}
	if cost == nil {
		cost = big.NewInt(0)
	}
	if cost.Sign() > 0 {
		if limit == nil || cost.Cmp(limit) > 0 {
			return ErrCosignerCost
		}
		if err := nativecommon.MoveTokens(e.state, lender, cosignerRef, e.ledger.Token(), cost); err != nil {
			return err
		}
	}
	if err := e.ledger.ArmCosign(e.address, id); err != nil {
		return err
	}
	accepted, csErr := nativecommon.SafeCallValue(e.effortBudget, func() (bool, error) {
		return cs.RequestCosign(e.address, id, data)
	})
	if csErr != nil || !accepted {
		_ = e.ledger.DisarmCosign(e.address)
		return ErrCosignerDeclined
	}
	d, err := e.ledger.GetDebt(id)
	if err != nil {
		return err
	}
	if d.Cosigner != cosignerRef {
		// The cosigner returned success without calling the confirmation
		// hook; treat as declined.
		_ = e.ledger.DisarmCosign(e.address)
		return ErrCosignerDeclined
	}
	return nil
}

// SettleLend collapses request, approval and lend into one invocation. Both
// parties consent either by being the caller or through the supplied consent
// variants; a prior SettleCancel for the exact term-set blocks settlement
// forever.
func (e *Engine) SettleLend(lender crypto.Address, terms Terms, borrowerConsent, creatorConsent Consent, rateData []byte, cosignerRef crypto.Address, cosignerLimit *big.Int, cosignerData, callbackData []byte) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	if e.ledger == nil {
		return [32]byte{}, errNilLedger
	}
	if err := e.validateTerms(terms); err != nil {
		return [32]byte{}, err
	}
	id := e.DeriveID(terms)
	if canceled, err := e.state.SettleCanceled(id); err != nil {
		return [32]byte{}, err
	} else if canceled {
		return [32]byte{}, ErrSettleCanceled
	}
	taken, err := e.idTaken(id)
	if err != nil {
		return [32]byte{}, err
	}
	if taken {
		return [32]byte{}, ErrRequestExists
	}
	if lender != terms.Borrower && !e.hasConsent(terms.Borrower, id, borrowerConsent, false) {
		return [32]byte{}, ErrConsentUnobtained
	}
	if lender != terms.Creator && !e.hasConsent(terms.Creator, id, creatorConsent, true) {
		return [32]byte{}, ErrConsentUnobtained
	}

	req := &Request{
		ID:         id,
		Open:       true,
		Approved:   true,
		Amount:     new(big.Int).Set(terms.Amount),
		Model:      terms.Model,
		Oracle:     terms.Oracle,
		Borrower:   terms.Borrower,
		Creator:    terms.Creator,
		Callback:   terms.Callback,
		Salt:       cloneOrZero(terms.Salt),
		Expiration: terms.Expiration,
		Data:       append([]byte(nil), terms.Data...),
	}
	snapshot := e.state.Snapshot()
	hold := e.holdEvents()
	if err := e.state.RequestPut(req); err != nil {
		hold.restore()
		e.state.RevertToSnapshot(snapshot)
		return [32]byte{}, err
	}
	if err := e.fund(lender, req, rateData, cosignerRef, cosignerLimit, cosignerData, callbackData); err != nil {
		hold.restore()
		e.state.RevertToSnapshot(snapshot)
		return [32]byte{}, err
	}
	hold.restore()
	e.state.DiscardSnapshot(snapshot)
	hold.flush()
	e.emit(SettledEvent{ID: id, Lender: lender})
	return id, nil
}

// Cancel removes an open request. Only the borrower or the creator may
// cancel; the stored terms are erased so stale reads observe defaults.
func (e *Engine) Cancel(caller crypto.Address, id [32]byte) error {
	req, err := e.loadOpenRequest(id)
	if err != nil {
		return err
	}
	if caller != req.Borrower && caller != req.Creator {
		return ErrOnlyParties
	}
	if err := e.state.RequestDelete(id); err != nil {
		return err
	}
	e.emit(CanceledEvent{ID: id, Canceler: caller})
	return nil
}

// SettleCancel permanently blacklists a term-set from settle-lend. Only the
// borrower or the creator named in the terms may record it.
func (e *Engine) SettleCancel(caller crypto.Address, terms Terms) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != terms.Borrower && caller != terms.Creator {
		return ErrOnlyParties
	}
	id := e.DeriveID(terms)
	if err := e.state.MarkSettleCanceled(id); err != nil {
		return err
	}
	e.emit(SettleCanceledEvent{ID: id, Canceler: caller})
	return nil
}
