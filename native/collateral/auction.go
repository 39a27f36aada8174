package collateral

import (
	"errors"
	"math/big"
	"time"

	"github.com/rcnfinance/rcn-network-sub002/core/events"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	nativecommon "github.com/rcnfinance/rcn-network-sub002/native/common"
)

var (
	ErrNoAuction   = errors.New("auction engine: auction does not exist")
	ErrPartialOnly = errors.New("auction engine: offer only covers a partial settlement")
)

const (
	// defaultDeltaToMarket is how long the offer takes to climb from the
	// discounted start to the market-rate equivalent.
	defaultDeltaToMarket = 10 * time.Minute
	// defaultDeltaFinish is how long the offer takes to reach the full
	// collateral balance, and the length of each decay cycle after that.
	defaultDeltaFinish = 24 * time.Hour
)

// AuctionEngine settles open collateral auctions. Prices are fully
// deterministic in elapsed time, so takers race each other rather than the
// engine: whoever calls Take first gets the current point on the curve.
type AuctionEngine struct {
	parent        *Engine
	address       crypto.Address
	deltaToMarket int64
	deltaFinish   int64
	nowFn         func() int64
}

// NewAuctionEngine constructs the auction component over its parent
// collateral engine.
func NewAuctionEngine(address crypto.Address, parent *Engine) *AuctionEngine {
	return &AuctionEngine{
		parent:        parent,
		address:       address,
		deltaToMarket: int64(defaultDeltaToMarket / time.Second),
		deltaFinish:   int64(defaultDeltaFinish / time.Second),
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// Address returns the auction component address.
func (a *AuctionEngine) Address() crypto.Address { return a.address }

// SetWindows overrides the curve timing. Non-positive values keep the
// defaults.
func (a *AuctionEngine) SetWindows(toMarket, finish time.Duration) {
	if toMarket > 0 {
		a.deltaToMarket = int64(toMarket / time.Second)
	}
	if finish > 0 {
		a.deltaFinish = int64(finish / time.Second)
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (a *AuctionEngine) SetNowFunc(now func() int64) {
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

// GetAuction returns a copy of the open auction for an entry.
func (a *AuctionEngine) GetAuction(entryID uint64) (*Auction, error) {
	if a == nil || a.parent == nil || a.parent.state == nil {
		return nil, errNilState
	}
	auction, ok, err := a.parent.state.AuctionGet(entryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoAuction
	}
	return auction.Clone(), nil
}

// Offer reports the collateral currently on offer and the lending tokens
// requested for it, at the given elapsed seconds since the auction opened.
func (a *AuctionEngine) Offer(auction *Auction, elapsed int64) (selling, requesting *big.Int) {
	if elapsed < 0 {
		elapsed = 0
	}
	return a.selling(auction, elapsed), a.requesting(auction, elapsed)
}

// selling walks the offered collateral up the curve: StartOffer to
// ReferenceOffer over deltaToMarket, on to Limit over deltaFinish, then
// parked at Limit.
func (a *AuctionEngine) selling(auction *Auction, elapsed int64) *big.Int {
	start := cloneOrZero(auction.StartOffer)
	reference := cloneOrZero(auction.ReferenceOffer)
	limit := cloneOrZero(auction.Limit)
	switch {
	case elapsed < a.deltaToMarket:
		span := new(big.Int).Sub(reference, start)
		span.Mul(span, big.NewInt(elapsed))
		span.Quo(span, big.NewInt(a.deltaToMarket))
		return start.Add(start, span)
	case elapsed < a.deltaFinish:
		window := a.deltaFinish - a.deltaToMarket
		span := new(big.Int).Sub(limit, reference)
		span.Mul(span, big.NewInt(elapsed-a.deltaToMarket))
		span.Quo(span, big.NewInt(window))
		return reference.Add(reference, span)
	default:
		return limit
	}
}

// requesting holds the full requirement until the offer tops out, then
// decays it linearly to zero over repeating deltaFinish cycles so a stale
// auction always becomes worth taking.
func (a *AuctionEngine) requesting(auction *Auction, elapsed int64) *big.Int {
	amount := cloneOrZero(auction.Amount)
	if elapsed < a.deltaFinish {
		return amount
	}
	cycle := (elapsed - a.deltaFinish) % a.deltaFinish
	cut := new(big.Int).Mul(amount, big.NewInt(cycle))
	cut.Quo(cut, big.NewInt(a.deltaFinish))
	return amount.Sub(amount, cut)
}

// Take settles the auction at the current point on the curve. The taker
// pays the requested lending tokens and receives the offered collateral;
// the remainder of the collateral and the proceeds route back through the
// parent engine. Once the decay phase discounts the requested amount below
// the full requirement the settlement is partial, and the taker must opt in
// with the partial flag.
func (a *AuctionEngine) Take(taker crypto.Address, entryID uint64, rateData []byte, partial bool) error {
	if a == nil || a.parent == nil || a.parent.state == nil {
		return errNilState
	}
	parent := a.parent
	auction, ok, err := parent.state.AuctionGet(entryID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoAuction
	}

	elapsed := a.nowFn() - auction.StartTime
	selling, requesting := a.Offer(auction, elapsed)
	if auction.FromToken == parent.ledger.Token() {
		// Collateral already in lending tokens trades one for one; no
		// market discount applies, and the raise is capped at what the
		// collateral is worth at that rate.
		selling = new(big.Int).Set(requesting)
		if selling.Cmp(auction.Limit) > 0 {
			selling = new(big.Int).Set(auction.Limit)
			requesting = new(big.Int).Set(auction.Limit)
		}
	}
	if requesting.Cmp(auction.Amount) < 0 && !partial {
		return ErrPartialOnly
	}

	snapshot := parent.state.Snapshot()
	sink, ledgerSink := parent.emitter, parent.ledger.Emitter()
	buffer := &events.Buffer{}
	ledgerBuffer := &events.Buffer{}
	parent.emitter = buffer
	parent.ledger.SetEmitter(ledgerBuffer)
	restore := func() {
		parent.emitter = sink
		parent.ledger.SetEmitter(ledgerSink)
	}
	if err := nativecommon.MoveTokens(parent.state, taker, parent.address, parent.ledger.Token(), requesting); err != nil {
		restore()
		parent.state.RevertToSnapshot(snapshot)
		return err
	}
	if err := nativecommon.MoveTokens(parent.state, parent.address, taker, auction.FromToken, selling); err != nil {
		restore()
		parent.state.RevertToSnapshot(snapshot)
		return err
	}
	leftover := new(big.Int).Sub(auction.Limit, selling)
	if err := parent.AuctionClosed(a.address, entryID, leftover, requesting, taker, rateData); err != nil {
		restore()
		parent.state.RevertToSnapshot(snapshot)
		return err
	}
	restore()
	parent.state.DiscardSnapshot(snapshot)
	ledgerBuffer.FlushTo(ledgerSink)
	buffer.FlushTo(sink)
	parent.emit(TakenEvent{
		EntryID:  entryID,
		Taker:    taker,
		Sold:     selling,
		Received: requesting,
		Leftover: leftover,
	})
	return nil
}
