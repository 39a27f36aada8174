package debt

import (
	"errors"
	"math/big"
	"time"

	"github.com/rcnfinance/rcn-network-sub002/core/events"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	nativecommon "github.com/rcnfinance/rcn-network-sub002/native/common"
	"github.com/rcnfinance/rcn-network-sub002/native/oracle"
	"github.com/rcnfinance/rcn-network-sub002/native/registry"
)

var (
	errNilState        = errors.New("debt engine: state not configured")
	errNilRegistry     = errors.New("debt engine: ownership registry not configured")
	errInvalidAmount   = errors.New("debt engine: amount must be positive")
	ErrUnknownDebt     = errors.New("debt engine: request does not exist")
	ErrDuplicateDebt   = errors.New("debt engine: debt already exists")
	ErrModelRejected   = errors.New("debt engine: model rejected creation")
	ErrUnknownModel    = errors.New("debt engine: model not registered")
	ErrUnknownOracle   = errors.New("debt engine: oracle not registered")
	ErrPaidOverflow    = errors.New("debt engine: model paid more than requested")
	ErrZeroRecipient   = errors.New("debt engine: recipient is the null identity")
	ErrNotAuthorized   = errors.New("debt engine: caller is not owner nor approved")
	ErrInsufficientOut = errors.New("debt engine: withdraw amount exceeds balance")
	ErrOracleMismatch  = errors.New("debt engine: debt oracle differs from batch oracle")
	ErrNotNegotiator   = errors.New("debt engine: caller is not the negotiation component")
	ErrCosignMismatch  = errors.New("debt engine: cosign does not match armed debt")
)

type engineState interface {
	nativecommon.AccountState
	DebtGet(id [32]byte) (*Debt, bool, error)
	DebtPut(debt *Debt) error
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Engine owns debt balances and routes payments into the pluggable repayment
// models. Every model call runs under the configured effort budget; a
// contained fault flips the per-debt error flag and refunds the payer instead
// of propagating.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	address      crypto.Address
	token        string
	ownership    *registry.Ledger
	models       map[crypto.Address]Model
	oracles      map[crypto.Address]oracle.RateOracle
	effortBudget time.Duration
	negotiator   crypto.Address
	armedCosign  [32]byte
	cosignArmed  bool
}

// NewEngine constructs a debt ledger bound to its deployment address and the
// lending token it settles in. The address feeds id derivation and holds
// undrawn balances.
func NewEngine(address crypto.Address, token string) *Engine {
	return &Engine{
		emitter:      events.NoopEmitter{},
		address:      address,
		token:        token,
		models:       make(map[crypto.Address]Model),
		oracles:      make(map[crypto.Address]oracle.RateOracle),
		effortBudget: nativecommon.DefaultEffortBudget,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry wires the ownership registry tracking debt owners.
func (e *Engine) SetRegistry(ledger *registry.Ledger) { e.ownership = ledger }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetEffortBudget bounds every model sub-call. Non-positive values fall back
// to the default.
func (e *Engine) SetEffortBudget(budget time.Duration) {
	if budget <= 0 {
		budget = nativecommon.DefaultEffortBudget
	}
	e.effortBudget = budget
}

// SetNegotiator registers the negotiation component allowed to arm cosign
// handshakes.
func (e *Engine) SetNegotiator(addr crypto.Address) { e.negotiator = addr }

// Emitter returns the currently wired emitter. Callers that wrap a ledger
// sub-call in a snapshot use it to buffer emissions until the work commits.
func (e *Engine) Emitter() events.Emitter { return e.emitter }

// RegisterModel exposes a repayment model under its reference address.
func (e *Engine) RegisterModel(addr crypto.Address, model Model) {
	if e.models == nil {
		e.models = make(map[crypto.Address]Model)
	}
	e.models[addr] = model
}

// RegisterOracle exposes a rate oracle under its reference address.
func (e *Engine) RegisterOracle(addr crypto.Address, o oracle.RateOracle) {
	if e.oracles == nil {
		e.oracles = make(map[crypto.Address]oracle.RateOracle)
	}
	e.oracles[addr] = o
}

// Address returns the ledger deployment identity.
func (e *Engine) Address() crypto.Address { return e.address }

// Token returns the lending token symbol the ledger settles in.
func (e *Engine) Token() string { return e.token }

// Model resolves a registered model reference.
func (e *Engine) Model(addr crypto.Address) (Model, bool) {
	model, ok := e.models[addr]
	return model, ok
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// ReadRate resolves a registered oracle reference into a validated rate
// snapshot. A zero reference yields the identity rate.
func (e *Engine) ReadRate(oracleRef crypto.Address, data []byte) (*oracle.Rate, error) {
	return e.readRate(oracleRef, data)
}

func (e *Engine) readRate(oracleRef crypto.Address, data []byte) (*oracle.Rate, error) {
	if oracleRef.IsZero() {
		return oracle.Read(nil, data)
	}
	feed, ok := e.oracles[oracleRef]
	if !ok {
		return nil, ErrUnknownOracle
	}
	return oracle.Read(feed, data)
}

func (e *Engine) loadDebt(id [32]byte) (*Debt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, ok, err := e.state.DebtGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownDebt
	}
	if d.Balance == nil {
		d.Balance = big.NewInt(0)
	}
	return d, nil
}

// GetDebt returns a copy of the stored debt record.
func (e *Engine) GetDebt(id [32]byte) (*Debt, error) {
	d, err := e.loadDebt(id)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Exists reports whether a debt is live at the given id.
func (e *Engine) Exists(id [32]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	_, ok, err := e.state.DebtGet(id)
	return ok, err
}

// Create derives the debt id from the caller's deployment identity and the
// internal salt, asks the model to materialise the schedule and mints the
// ownership token. A misbehaving model blocks creation: unlike the payment
// path, faults here propagate so a bad model can never anchor a live debt.
func (e *Engine) Create(caller, model, owner, oracleRef crypto.Address, internalSalt [32]byte, data []byte) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	if e.ownership == nil {
		return [32]byte{}, errNilRegistry
	}
	impl, ok := e.models[model]
	if !ok {
		return [32]byte{}, ErrUnknownModel
	}
	if !oracleRef.IsZero() {
		if _, ok := e.oracles[oracleRef]; !ok {
			return [32]byte{}, ErrUnknownOracle
		}
	}
	id := BuildID(e.address, caller, model, oracleRef, internalSalt)
	if _, exists, err := e.state.DebtGet(id); err != nil {
		return [32]byte{}, err
	} else if exists {
		return [32]byte{}, ErrDuplicateDebt
	}
	created, err := nativecommon.SafeCallValue(e.effortBudget, func() (bool, error) {
		return impl.Create(id, data)
	})
	if err != nil || !created {
		return [32]byte{}, ErrModelRejected
	}
	d := &Debt{
		ID:      id,
		Model:   model,
		Creator: caller,
		Oracle:  oracleRef,
		Balance: big.NewInt(0),
	}
	if err := e.state.DebtPut(d); err != nil {
		return [32]byte{}, err
	}
	if err := e.ownership.Mint(owner, id); err != nil {
		return [32]byte{}, err
	}
	e.emit(CreatedEvent{ID: id, Owner: owner, Model: model, Oracle: oracleRef, Creator: caller})
	return id, nil
}

// flagFault marks the debt as errored and records the contained reason. The
// payer keeps their tokens: nothing was pulled before the model call settled.
func (e *Engine) flagFault(d *Debt, reason string) error {
	d.Error = true
	if err := e.state.DebtPut(d); err != nil {
		return err
	}
	e.emit(FaultEvent{ID: d.ID, Reason: reason})
	return nil
}

func (e *Engine) clearFault(d *Debt) {
	if d.Error {
		d.Error = false
		e.emit(RecoveredEvent{ID: d.ID})
	}
}

// payWithRate applies one payment at a previously read rate snapshot. The
// returned amounts are the applied units of account and the tokens pulled.
func (e *Engine) payWithRate(payer crypto.Address, id [32]byte, requested *big.Int, origin crypto.Address, rate *oracle.Rate) (*big.Int, *big.Int, error) {
	if requested == nil || requested.Sign() < 0 {
		return nil, nil, errInvalidAmount
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return nil, nil, err
	}
	impl, ok := e.models[d.Model]
	if !ok {
		return nil, nil, ErrUnknownModel
	}

	applied, callErr := nativecommon.SafeCallValue(e.effortBudget, func() (*big.Int, error) {
		return impl.AddPaid(id, new(big.Int).Set(requested))
	})
	if callErr != nil {
		return big.NewInt(0), big.NewInt(0), e.flagFault(d, callErr.Error())
	}
	if applied == nil {
		applied = big.NewInt(0)
	}
	if applied.Sign() < 0 || applied.Cmp(requested) > 0 {
		return nil, nil, ErrPaidOverflow
	}
	status, statusErr := nativecommon.SafeCallValue(e.effortBudget, func() (Status, error) {
		return impl.Status(id)
	})
	if statusErr != nil || !status.Valid() || status == StatusError {
		return big.NewInt(0), big.NewInt(0), e.flagFault(d, "status read disagrees with payment")
	}

	paidTokens, err := rate.ToTokens(applied)
	if err != nil {
		return nil, nil, err
	}
	if err := nativecommon.MoveTokens(e.state, payer, e.address, e.token, paidTokens); err != nil {
		return nil, nil, err
	}
	d.Balance = new(big.Int).Add(d.Balance, paidTokens)
	e.clearFault(d)
	if err := e.state.DebtPut(d); err != nil {
		return nil, nil, err
	}

	requestedTokens, err := rate.ToTokens(requested)
	if err != nil {
		return nil, nil, err
	}
	e.emit(PaidEvent{
		ID:              id,
		Requested:       new(big.Int).Set(requested),
		RequestedTokens: requestedTokens,
		Paid:            new(big.Int).Set(applied),
		PaidTokens:      new(big.Int).Set(paidTokens),
		Payer:           payer,
		Origin:          origin,
	})
	return applied, paidTokens, nil
}

// Pay settles up to `amount` units of account against the debt, converting
// through the configured oracle when one is set. Rounding favours the
// ledger: the unit-of-account side rounds down, the token side rounds up.
func (e *Engine) Pay(payer crypto.Address, id [32]byte, amount *big.Int, origin crypto.Address, rateData []byte) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return nil, nil, err
	}
	rate, err := e.readRate(d.Oracle, rateData)
	if err != nil {
		return nil, nil, err
	}
	return e.payWithRate(payer, id, amount, origin, rate)
}

// PayToken is the token-denominated dual of Pay: the caller names how many
// lending tokens to spend and the engine derives the unit-of-account amount,
// rounding it down.
func (e *Engine) PayToken(payer crypto.Address, id [32]byte, tokenAmount *big.Int, origin crypto.Address, rateData []byte) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return nil, nil, err
	}
	rate, err := e.readRate(d.Oracle, rateData)
	if err != nil {
		return nil, nil, err
	}
	amount, err := rate.FromTokens(tokenAmount)
	if err != nil {
		return nil, nil, err
	}
	return e.payWithRate(payer, id, amount, origin, rate)
}

// PayBatch applies one payment per id at a single oracle snapshot. All ids
// must reference the batch oracle; an unknown id or a model hard-failure
// unwinds the whole batch.
func (e *Engine) PayBatch(payer crypto.Address, ids [][32]byte, amounts []*big.Int, origin crypto.Address, oracleRef crypto.Address, rateData []byte) ([]*big.Int, error) {
	return e.payBatch(payer, ids, amounts, origin, oracleRef, rateData, false)
}

// PayTokenBatch is PayBatch with token-denominated amounts.
func (e *Engine) PayTokenBatch(payer crypto.Address, ids [][32]byte, tokenAmounts []*big.Int, origin crypto.Address, oracleRef crypto.Address, rateData []byte) ([]*big.Int, error) {
	return e.payBatch(payer, ids, tokenAmounts, origin, oracleRef, rateData, true)
}

func (e *Engine) payBatch(payer crypto.Address, ids [][32]byte, amounts []*big.Int, origin crypto.Address, oracleRef crypto.Address, rateData []byte, inTokens bool) ([]*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if len(ids) != len(amounts) {
		return nil, errors.New("debt engine: ids and amounts length mismatch")
	}
	// One rate snapshot for the whole batch.
	rate, err := e.readRate(oracleRef, rateData)
	if err != nil {
		return nil, err
	}
	snapshot := e.state.Snapshot()
	sink := e.emitter
	buffer := &events.Buffer{}
	e.emitter = buffer
	defer func() { e.emitter = sink }()
	paid := make([]*big.Int, 0, len(ids))
	for i, id := range ids {
		d, err := e.loadDebt(id)
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		if d.Oracle != oracleRef {
			e.state.RevertToSnapshot(snapshot)
			return nil, ErrOracleMismatch
		}
		requested := amounts[i]
		if inTokens {
			requested, err = rate.FromTokens(amounts[i])
			if err != nil {
				e.state.RevertToSnapshot(snapshot)
				return nil, err
			}
		}
		applied, _, err := e.payWithRate(payer, id, requested, origin, rate)
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		paid = append(paid, applied)
	}
	e.state.DiscardSnapshot(snapshot)
	buffer.FlushTo(sink)
	return paid, nil
}

// Withdraw moves the full undrawn balance of the debt to `to`. A second call
// moves zero and succeeds.
func (e *Engine) Withdraw(caller crypto.Address, id [32]byte, to crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return nil, err
	}
	return e.withdraw(caller, d, to, new(big.Int).Set(d.Balance))
}

// WithdrawPartial moves exactly `amount` from the debt balance to `to`,
// failing without state change when the balance is short.
func (e *Engine) WithdrawPartial(caller crypto.Address, id [32]byte, to crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return err
	}
	if d.Balance.Cmp(amount) < 0 {
		return ErrInsufficientOut
	}
	_, err = e.withdraw(caller, d, to, new(big.Int).Set(amount))
	return err
}

// WithdrawBatch drains a list of debts to one recipient and returns the
// total moved. Repeating an id in the list is safe: the second occurrence
// observes a zero balance.
func (e *Engine) WithdrawBatch(caller crypto.Address, ids [][32]byte, to crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	snapshot := e.state.Snapshot()
	sink := e.emitter
	buffer := &events.Buffer{}
	e.emitter = buffer
	defer func() { e.emitter = sink }()
	total := big.NewInt(0)
	for _, id := range ids {
		moved, err := e.Withdraw(caller, id, to)
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		total.Add(total, moved)
	}
	e.state.DiscardSnapshot(snapshot)
	buffer.FlushTo(sink)
	return total, nil
}

func (e *Engine) withdraw(caller crypto.Address, d *Debt, to crypto.Address, amount *big.Int) (*big.Int, error) {
	if to.IsZero() {
		return nil, ErrZeroRecipient
	}
	if e.ownership == nil {
		return nil, errNilRegistry
	}
	allowed, err := e.ownership.IsApprovedOrOwner(caller, d.ID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownToken) {
			return nil, ErrUnknownDebt
		}
		return nil, err
	}
	if !allowed {
		return nil, ErrNotAuthorized
	}
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := nativecommon.MoveTokens(e.state, e.address, to, e.token, amount); err != nil {
		return nil, err
	}
	d.Balance = new(big.Int).Sub(d.Balance, amount)
	if err := e.state.DebtPut(d); err != nil {
		return nil, err
	}
	e.emit(WithdrawnEvent{ID: d.ID, To: to, Amount: new(big.Int).Set(amount)})
	return amount, nil
}

// Run forces a model status re-check through the bounded path, advancing
// model-internal state without a payment. A fault flags the debt; a healthy
// round-trip clears the flag.
func (e *Engine) Run(id [32]byte) (Status, error) {
	if e == nil || e.state == nil {
		return StatusError, errNilState
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return StatusError, err
	}
	impl, ok := e.models[d.Model]
	if !ok {
		return StatusError, ErrUnknownModel
	}
	_, callErr := nativecommon.SafeCallValue(e.effortBudget, func() (bool, error) {
		return impl.Run(id)
	})
	if callErr != nil {
		return StatusError, e.flagFault(d, callErr.Error())
	}
	status, statusErr := nativecommon.SafeCallValue(e.effortBudget, func() (Status, error) {
		return impl.Status(id)
	})
	if statusErr != nil || !status.Valid() {
		return StatusError, e.flagFault(d, "status read failed after run")
	}
	e.clearFault(d)
	if err := e.state.DebtPut(d); err != nil {
		return StatusError, err
	}
	return status, nil
}

// Obligation reports the amount due on the debt at the given timestamp, read
// through the bounded model path. Faults propagate: callers use this for
// solvency checks and must not proceed on a silent zero.
func (e *Engine) Obligation(id [32]byte, timestamp int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return nil, err
	}
	impl, ok := e.models[d.Model]
	if !ok {
		return nil, ErrUnknownModel
	}
	due, callErr := nativecommon.SafeCallValue(e.effortBudget, func() (*big.Int, error) {
		return impl.Obligation(id, timestamp)
	})
	if callErr != nil {
		return nil, callErr
	}
	if due == nil {
		due = big.NewInt(0)
	}
	return due, nil
}

// ClosingObligation reports the total amount, in units of account, that
// would settle the debt in full right now. Same bounded path and fault
// propagation as Obligation.
func (e *Engine) ClosingObligation(id [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return nil, err
	}
	impl, ok := e.models[d.Model]
	if !ok {
		return nil, ErrUnknownModel
	}
	total, callErr := nativecommon.SafeCallValue(e.effortBudget, func() (*big.Int, error) {
		return impl.ClosingObligation(id)
	})
	if callErr != nil {
		return nil, callErr
	}
	if total == nil {
		total = big.NewInt(0)
	}
	return total, nil
}

// ArmCosign primes the cosign handshake for one lend invocation. Only the
// registered negotiation component may arm it.
func (e *Engine) ArmCosign(caller crypto.Address, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.negotiator.IsZero() || caller != e.negotiator {
		return ErrNotNegotiator
	}
	if _, err := e.loadDebt(id); err != nil {
		return err
	}
	e.armedCosign = id
	e.cosignArmed = true
	return nil
}

// DisarmCosign clears a pending handshake after the lend settles either way.
func (e *Engine) DisarmCosign(caller crypto.Address) error {
	if e.negotiator.IsZero() || caller != e.negotiator {
		return ErrNotNegotiator
	}
	e.cosignArmed = false
	e.armedCosign = [32]byte{}
	return nil
}

// Cosign is the confirmation hook a cosigner must call during the cosign
// round-trip. It records the guarantee on the debt; absence of this call
// fails the surrounding lend.
func (e *Engine) Cosign(cosigner crypto.Address, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.cosignArmed || e.armedCosign != id {
		return ErrCosignMismatch
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return err
	}
	d.Cosigner = cosigner
	if err := e.state.DebtPut(d); err != nil {
		return err
	}
	e.cosignArmed = false
	e.armedCosign = [32]byte{}
	e.emit(CosignedEvent{ID: id, Cosigner: cosigner})
	return nil
}

// Status reads the model status for a debt through the bounded path.
func (e *Engine) Status(id [32]byte) (Status, error) {
	if e == nil || e.state == nil {
		return StatusError, errNilState
	}
	d, err := e.loadDebt(id)
	if err != nil {
		return StatusError, err
	}
	impl, ok := e.models[d.Model]
	if !ok {
		return StatusError, ErrUnknownModel
	}
	return nativecommon.SafeCallValue(e.effortBudget, func() (Status, error) {
		return impl.Status(id)
	})
}
