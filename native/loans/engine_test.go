package loans

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rcnfinance/rcn-network-sub002/core/events"
	"github.com/rcnfinance/rcn-network-sub002/core/types"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	nativecommon "github.com/rcnfinance/rcn-network-sub002/native/common"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
	"github.com/rcnfinance/rcn-network-sub002/native/registry"
)

type mockState struct {
	accounts  map[crypto.Address]*types.Account
	debts     map[[32]byte]*debt.Debt
	requests  map[[32]byte]*Request
	canceled  map[[32]byte]struct{}
	owners    map[[32]byte]crypto.Address
	approved  map[[32]byte]crypto.Address
	order     [][32]byte
	snapshots []*mockState
}

func newMockState() *mockState {
	return &mockState{
		accounts: make(map[crypto.Address]*types.Account),
		debts:    make(map[[32]byte]*debt.Debt),
		requests: make(map[[32]byte]*Request),
		canceled: make(map[[32]byte]struct{}),
		owners:   make(map[[32]byte]crypto.Address),
		approved: make(map[[32]byte]crypto.Address),
	}
}

func (m *mockState) copyData() *mockState {
	out := newMockState()
	for addr, acc := range m.accounts {
		out.accounts[addr] = acc.Clone()
	}
	for id, d := range m.debts {
		out.debts[id] = d.Clone()
	}
	for id, r := range m.requests {
		out.requests[id] = r.Clone()
	}
	for id := range m.canceled {
		out.canceled[id] = struct{}{}
	}
	for id, owner := range m.owners {
		out.owners[id] = owner
	}
	for id, spender := range m.approved {
		out.approved[id] = spender
	}
	out.order = append([][32]byte(nil), m.order...)
	return out
}

func (m *mockState) GetAccount(addr crypto.Address) (*types.Account, error) {
	acc, ok := m.accounts[addr]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr crypto.Address, acc *types.Account) error {
	m.accounts[addr] = acc.Clone()
	return nil
}

func (m *mockState) DebtGet(id [32]byte) (*debt.Debt, bool, error) {
	d, ok := m.debts[id]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (m *mockState) DebtPut(d *debt.Debt) error {
	m.debts[d.ID] = d.Clone()
	return nil
}

func (m *mockState) RequestGet(id [32]byte) (*Request, bool, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockState) RequestPut(r *Request) error {
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *mockState) RequestDelete(id [32]byte) error {
	delete(m.requests, id)
	return nil
}

func (m *mockState) SettleCanceled(id [32]byte) (bool, error) {
	_, ok := m.canceled[id]
	return ok, nil
}

func (m *mockState) MarkSettleCanceled(id [32]byte) error {
	m.canceled[id] = struct{}{}
	return nil
}

func (m *mockState) Snapshot() int {
	m.snapshots = append(m.snapshots, m.copyData())
	return len(m.snapshots) - 1
}

func (m *mockState) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	snap := m.snapshots[id]
	m.accounts = snap.accounts
	m.debts = snap.debts
	m.requests = snap.requests
	m.canceled = snap.canceled
	m.owners = snap.owners
	m.approved = snap.approved
	m.order = snap.order
	m.snapshots = m.snapshots[:id]
}

func (m *mockState) DiscardSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.snapshots = m.snapshots[:id]
}

func (m *mockState) RegistryOwner(name string, id [32]byte) (crypto.Address, bool, error) {
	owner, ok := m.owners[id]
	return owner, ok, nil
}

func (m *mockState) RegistrySetOwner(name string, id [32]byte, owner crypto.Address) error {
	m.owners[id] = owner
	return nil
}

func (m *mockState) RegistryApproved(name string, id [32]byte) (crypto.Address, bool, error) {
	spender, ok := m.approved[id]
	if !ok || spender.IsZero() {
		return crypto.Address{}, false, nil
	}
	return spender, true, nil
}

func (m *mockState) RegistrySetApproved(name string, id [32]byte, spender crypto.Address) error {
	if spender.IsZero() {
		delete(m.approved, id)
		return nil
	}
	m.approved[id] = spender
	return nil
}

func (m *mockState) RegistryList(name string) ([][32]byte, error) {
	return append([][32]byte(nil), m.order...), nil
}

func (m *mockState) RegistryAppend(name string, id [32]byte) error {
	m.order = append(m.order, id)
	return nil
}

func (m *mockState) fund(addr crypto.Address, token string, amount int64) {
	acc := types.NewAccount()
	acc.SetBalance(token, big.NewInt(amount))
	m.accounts[addr] = acc
}

func (m *mockState) balance(t *testing.T, addr crypto.Address, token string) *big.Int {
	t.Helper()
	out, err := nativecommon.BalanceOf(m, addr, token)
	if err != nil {
		t.Fatalf("balance read: %v", err)
	}
	return out
}

// acceptAllModel owes nothing and accepts every loan.
type acceptAllModel struct{}

func (acceptAllModel) Validate(data []byte) (bool, error)           { return true, nil }
func (acceptAllModel) Create(id [32]byte, data []byte) (bool, error) { return true, nil }
func (acceptAllModel) AddPaid(id [32]byte, amount *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}
func (acceptAllModel) Run(id [32]byte) (bool, error)            { return true, nil }
func (acceptAllModel) Status(id [32]byte) (debt.Status, error)  { return debt.StatusOngoing, nil }
func (acceptAllModel) Obligation(id [32]byte, timestamp int64) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (acceptAllModel) ClosingObligation(id [32]byte) (*big.Int, error) { return big.NewInt(0), nil }

// rejectAllModel declines every validation.
type rejectAllModel struct{ acceptAllModel }

func (rejectAllModel) Validate(data []byte) (bool, error) { return false, nil }

const testToken = "RCN"

func testAddr(b byte) crypto.Address {
	var a crypto.Address
	a[19] = b
	return a
}

var (
	ledgerAddr = testAddr(0xF0)
	loansAddr  = testAddr(0xF1)
	modelRef   = testAddr(0xE0)
	borrower   = testAddr(0x01)
	creator    = testAddr(0x02)
	lender     = testAddr(0x03)
	outsider   = testAddr(0x04)
)

type testEnv struct {
	state  *mockState
	ledger *debt.Engine
	engine *Engine
	now    int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newMockState()
	ledger := debt.NewEngine(ledgerAddr, testToken)
	ledger.SetState(st)
	ledger.SetRegistry(registry.NewLedger("debts", st))
	ledger.RegisterModel(modelRef, acceptAllModel{})
	ledger.SetNegotiator(loansAddr)

	engine := NewEngine(loansAddr, ledger)
	engine.SetState(st)
	env := &testEnv{state: st, ledger: ledger, engine: engine, now: 1_000_000}
	engine.SetNowFunc(func() int64 { return env.now })
	return env
}

func (env *testEnv) terms(salt int64) Terms {
	return Terms{
		Amount:     big.NewInt(500),
		Model:      modelRef,
		Borrower:   borrower,
		Creator:    creator,
		Salt:       big.NewInt(salt),
		Expiration: env.now + 3_600,
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	terms := env.terms(1)

	if _, err := env.engine.Request(outsider, terms); !errors.Is(err, ErrWrongCreator) {
		t.Fatalf("expected ErrWrongCreator, got %v", err)
	}
	expired := terms
	expired.Expiration = env.now
	if _, err := env.engine.Request(creator, expired); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	zeroed := terms
	zeroed.Borrower = crypto.ZeroAddress
	if _, err := env.engine.Request(creator, zeroed); !errors.Is(err, ErrZeroBorrower) {
		t.Fatalf("expected ErrZeroBorrower, got %v", err)
	}

	id, err := env.engine.Request(creator, terms)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := env.engine.Request(creator, terms); !errors.Is(err, ErrRequestExists) {
		t.Fatalf("expected ErrRequestExists, got %v", err)
	}
	req, err := env.engine.GetRequest(id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !req.Open || req.Approved {
		t.Fatalf("fresh third-party request open=%v approved=%v, want open and unapproved", req.Open, req.Approved)
	}
}

func TestRequestModelRejection(t *testing.T) {
	env := newTestEnv(t)
	badModel := testAddr(0xE9)
	env.ledger.RegisterModel(badModel, rejectAllModel{})
	terms := env.terms(1)
	terms.Model = badModel
	if _, err := env.engine.Request(creator, terms); !errors.Is(err, ErrModelRejected) {
		t.Fatalf("expected ErrModelRejected, got %v", err)
	}
}

func TestSelfRequestAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	terms := env.terms(1)
	terms.Creator = borrower
	id, err := env.engine.Request(borrower, terms)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req, err := env.engine.GetRequest(id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !req.Approved {
		t.Fatalf("borrower-created request must be auto-approved")
	}
}

func TestApproveOnlyBorrowerAndIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Approve(outsider, id); !errors.Is(err, ErrOnlyBorrower) {
		t.Fatalf("expected ErrOnlyBorrower, got %v", err)
	}
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Repeat approval is a no-op.
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("repeat approve: %v", err)
	}
}

func TestRegisterApprovalSignature(t *testing.T) {
	env := newTestEnv(t)
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := key.PubKey().Address()

	terms := env.terms(1)
	terms.Borrower = signer
	id, err := env.engine.Request(creator, terms)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Garbage consent silently fails to approve.
	ok, err := env.engine.RegisterApproval(id, Consent{Signature: []byte{0x01, 0x02}})
	if err != nil || ok {
		t.Fatalf("malformed signature approved=%v err=%v, want false,nil", ok, err)
	}
	// A signature over the wrong digest silently fails too.
	wrongSig, err := crypto.Sign(CreatorDigest(id), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err = env.engine.RegisterApproval(id, Consent{Signature: wrongSig})
	if err != nil || ok {
		t.Fatalf("wrong-digest signature approved=%v err=%v, want false,nil", ok, err)
	}

	sig, err := crypto.Sign(ApprovalDigest(id), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err = env.engine.RegisterApproval(id, Consent{Signature: sig})
	if err != nil || !ok {
		t.Fatalf("valid signature approved=%v err=%v, want true,nil", ok, err)
	}
	req, err := env.engine.GetRequest(id)
	if err != nil || !req.Approved {
		t.Fatalf("request not approved after signed consent (%v)", err)
	}
}

// echoCallback approves ids programmatically; misbehave flips it into a
// wrong-echo responder.
type echoCallback struct {
	misbehave bool
	explode   bool
}

func (c echoCallback) answer(id [32]byte) ([32]byte, bool, error) {
	if c.explode {
		panic("approval callback exploded")
	}
	if c.misbehave {
		var wrong [32]byte
		wrong[0] = 0xFF
		return wrong, true, nil
	}
	return id, true, nil
}

func (c echoCallback) ApproveLoan(id [32]byte) ([32]byte, bool, error)        { return c.answer(id) }
func (c echoCallback) ApproveLoanCreator(id [32]byte) ([32]byte, bool, error) { return c.answer(id) }

func TestRegisterApprovalCallback(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// No capability registered: silent failure.
	ok, err := env.engine.RegisterApproval(id, Consent{Callback: true})
	if err != nil || ok {
		t.Fatalf("unregistered callback approved=%v err=%v, want false,nil", ok, err)
	}

	env.engine.RegisterApprovalCallback(borrower, echoCallback{misbehave: true})
	ok, err = env.engine.RegisterApproval(id, Consent{Callback: true})
	if err != nil || ok {
		t.Fatalf("wrong echo approved=%v err=%v, want false,nil", ok, err)
	}

	env.engine.RegisterApprovalCallback(borrower, echoCallback{explode: true})
	ok, err = env.engine.RegisterApproval(id, Consent{Callback: true})
	if err != nil || ok {
		t.Fatalf("exploding callback approved=%v err=%v, want false,nil", ok, err)
	}

	env.engine.RegisterApprovalCallback(borrower, echoCallback{})
	ok, err = env.engine.RegisterApproval(id, Consent{Callback: true})
	if err != nil || !ok {
		t.Fatalf("healthy callback approved=%v err=%v, want true,nil", ok, err)
	}
}

func TestLendMovesPrincipalAndClosesRequest(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Lend(lender, id, nil, crypto.ZeroAddress, nil, nil, nil); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)

	if err := env.engine.Lend(lender, id, nil, crypto.ZeroAddress, nil, nil, nil); err != nil {
		t.Fatalf("lend: %v", err)
	}
	if got := env.state.balance(t, borrower, testToken); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("borrower balance = %s, want 500", got)
	}
	if got := env.state.balance(t, lender, testToken); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("lender balance = %s, want 500", got)
	}
	req, err := env.engine.GetRequest(id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Open {
		t.Fatalf("lent request still open")
	}
	live, err := env.ledger.Exists(id)
	if err != nil || !live {
		t.Fatalf("debt not live after lend (%v)", err)
	}
	d, err := env.ledger.GetDebt(id)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if d.Creator != loansAddr {
		t.Fatalf("debt creator = %v, want the negotiation engine", d.Creator)
	}

	// Second lend against the consumed request fails.
	if err := env.engine.Lend(lender, id, nil, crypto.ZeroAddress, nil, nil, nil); !errors.Is(err, ErrRequestClosed) {
		t.Fatalf("expected ErrRequestClosed, got %v", err)
	}
}

// vetoCallback rejects every post-lend notification.
type vetoCallback struct{}

func (vetoCallback) OnLent(id [32]byte, lender crypto.Address, data []byte) (bool, error) {
	return false, nil
}

func TestLendUnwindsOnCallbackRejection(t *testing.T) {
	env := newTestEnv(t)
	callbackRef := testAddr(0xD0)
	env.engine.RegisterLoanCallback(callbackRef, vetoCallback{})

	terms := env.terms(1)
	terms.Callback = callbackRef
	id, err := env.engine.Request(creator, terms)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)

	if err := env.engine.Lend(lender, id, nil, crypto.ZeroAddress, nil, nil, nil); !errors.Is(err, ErrCallbackRejected) {
		t.Fatalf("expected ErrCallbackRejected, got %v", err)
	}
	if got := env.state.balance(t, lender, testToken); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("lender balance = %s after unwind, want 1000", got)
	}
	req, err := env.engine.GetRequest(id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !req.Open {
		t.Fatalf("request consumed by an unwound lend")
	}
	live, err := env.ledger.Exists(id)
	if err != nil || live {
		t.Fatalf("debt survived an unwound lend (%v)", err)
	}
}

// ghostCosigner claims success without ever confirming through the ledger.
type ghostCosigner struct{}

func (ghostCosigner) Cost(id [32]byte, data []byte) (*big.Int, error) { return big.NewInt(0), nil }
func (ghostCosigner) RequestCosign(caller crypto.Address, id [32]byte, data []byte) (bool, error) {
	return true, nil
}

// pricedCosigner confirms through the ledger and charges a flat fee.
type pricedCosigner struct {
	ledger *debt.Engine
	self   crypto.Address
	fee    int64
}

func (c *pricedCosigner) Cost(id [32]byte, data []byte) (*big.Int, error) {
	return big.NewInt(c.fee), nil
}

func (c *pricedCosigner) RequestCosign(caller crypto.Address, id [32]byte, data []byte) (bool, error) {
	if err := c.ledger.Cosign(c.self, id); err != nil {
		return false, err
	}
	return true, nil
}

func TestLendCosignerMustConfirm(t *testing.T) {
	env := newTestEnv(t)
	ghostRef := testAddr(0xC0)
	env.engine.RegisterCosigner(ghostRef, ghostCosigner{})

	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)

	if err := env.engine.Lend(lender, id, nil, ghostRef, big.NewInt(100), nil, nil); !errors.Is(err, ErrCosignerDeclined) {
		t.Fatalf("expected ErrCosignerDeclined, got %v", err)
	}
	if got := env.state.balance(t, lender, testToken); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("lender balance = %s after unwind, want 1000", got)
	}
}

func TestLendCosignerChargesWithinLimit(t *testing.T) {
	env := newTestEnv(t)
	cosignerRef := testAddr(0xC1)
	env.engine.RegisterCosigner(cosignerRef, &pricedCosigner{ledger: env.ledger, self: cosignerRef, fee: 25})

	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)

	if err := env.engine.Lend(lender, id, nil, cosignerRef, big.NewInt(10), nil, nil); !errors.Is(err, ErrCosignerCost) {
		t.Fatalf("expected ErrCosignerCost, got %v", err)
	}
	if err := env.engine.Lend(lender, id, nil, cosignerRef, big.NewInt(25), nil, nil); err != nil {
		t.Fatalf("lend with cosigner: %v", err)
	}
	d, err := env.ledger.GetDebt(id)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if d.Cosigner != cosignerRef {
		t.Fatalf("debt cosigner = %v, want %v", d.Cosigner, cosignerRef)
	}
	// 500 principal + 25 cosigner fee.
	if got := env.state.balance(t, lender, testToken); got.Cmp(big.NewInt(475)) != 0 {
		t.Fatalf("lender balance = %s, want 475", got)
	}
	if got := env.state.balance(t, cosignerRef, testToken); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("cosigner balance = %s, want 25", got)
	}
}

func TestSettleLendWithSignedConsent(t *testing.T) {
	env := newTestEnv(t)
	borrowerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate borrower key: %v", err)
	}
	creatorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate creator key: %v", err)
	}

	terms := env.terms(1)
	terms.Borrower = borrowerKey.PubKey().Address()
	terms.Creator = creatorKey.PubKey().Address()
	id := env.engine.DeriveID(terms)

	borrowerSig, err := crypto.Sign(ApprovalDigest(id), borrowerKey)
	if err != nil {
		t.Fatalf("sign borrower consent: %v", err)
	}
	creatorSig, err := crypto.Sign(CreatorDigest(id), creatorKey)
	if err != nil {
		t.Fatalf("sign creator consent: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)

	// Missing creator consent blocks settlement.
	if _, err := env.engine.SettleLend(lender, terms, Consent{Signature: borrowerSig}, Consent{}, nil, crypto.ZeroAddress, nil, nil, nil); !errors.Is(err, ErrConsentUnobtained) {
		t.Fatalf("expected ErrConsentUnobtained, got %v", err)
	}

	settled, err := env.engine.SettleLend(lender, terms, Consent{Signature: borrowerSig}, Consent{Signature: creatorSig}, nil, crypto.ZeroAddress, nil, nil, nil)
	if err != nil {
		t.Fatalf("settle lend: %v", err)
	}
	if settled != id {
		t.Fatalf("settled id %x, want derived %x", settled, id)
	}
	if got := env.state.balance(t, terms.Borrower, testToken); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("borrower balance = %s, want 500", got)
	}

	// The consumed id cannot settle twice.
	if _, err := env.engine.SettleLend(lender, terms, Consent{Signature: borrowerSig}, Consent{Signature: creatorSig}, nil, crypto.ZeroAddress, nil, nil, nil); !errors.Is(err, ErrRequestExists) {
		t.Fatalf("expected ErrRequestExists, got %v", err)
	}
}

func TestSettleCancelBlacklistsForever(t *testing.T) {
	env := newTestEnv(t)
	terms := env.terms(1)

	if err := env.engine.SettleCancel(outsider, terms); !errors.Is(err, ErrOnlyParties) {
		t.Fatalf("expected ErrOnlyParties, got %v", err)
	}
	if err := env.engine.SettleCancel(borrower, terms); err != nil {
		t.Fatalf("settle cancel: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)
	if _, err := env.engine.SettleLend(borrower, terms, Consent{}, Consent{}, nil, crypto.ZeroAddress, nil, nil, nil); !errors.Is(err, ErrSettleCanceled) {
		t.Fatalf("expected ErrSettleCanceled, got %v", err)
	}
}

func TestCancelErasesRequest(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Cancel(outsider, id); !errors.Is(err, ErrOnlyParties) {
		t.Fatalf("expected ErrOnlyParties, got %v", err)
	}
	if err := env.engine.Cancel(creator, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.engine.GetRequest(id); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest after cancel, got %v", err)
	}
	// The canceled terms may be requested again.
	if _, err := env.engine.Request(creator, env.terms(1)); err != nil {
		t.Fatalf("re-request after cancel: %v", err)
	}
}

func TestLendExpiredRequest(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)
	env.now += 4_000
	if err := env.engine.Lend(lender, id, nil, crypto.ZeroAddress, nil, nil, nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

// recordingEmitter captures emissions for assertions.
type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func TestLendEmitsOnlyOnCommit(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingEmitter{}
	env.engine.SetEmitter(rec)
	env.ledger.SetEmitter(rec)
	ghostRef := testAddr(0xC0)
	env.engine.RegisterCosigner(ghostRef, ghostCosigner{})

	id, err := env.engine.Request(creator, env.terms(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.Approve(borrower, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.state.fund(lender, testToken, 1_000)
	rec.events = nil

	// The ledger creates the debt before the ghost cosigner sinks the lend;
	// its creation event must not survive the unwind.
	if err := env.engine.Lend(lender, id, nil, ghostRef, big.NewInt(100), nil, nil); !errors.Is(err, ErrCosignerDeclined) {
		t.Fatalf("expected ErrCosignerDeclined, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("unwound lend left %d events behind", len(rec.events))
	}

	if err := env.engine.Lend(lender, id, nil, crypto.ZeroAddress, nil, nil, nil); err != nil {
		t.Fatalf("lend: %v", err)
	}
	var sawCreated, sawLent bool
	for _, evt := range rec.events {
		switch evt.(type) {
		case debt.CreatedEvent:
			sawCreated = true
		case LentEvent:
			sawLent = true
		}
	}
	if !sawCreated || !sawLent {
		t.Fatalf("committed lend emitted created=%v lent=%v, want both", sawCreated, sawLent)
	}
}
