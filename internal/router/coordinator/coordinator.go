// Package coordinator drives multi-slab execution. A request fans reserves
// out to up to eight slabs in parallel; if any leg fails every already-held
// leg is cancelled, so a request is either fully held or leaves nothing
// behind. Commit is deliberately not compensated: executed fills stand, and
// a partial commit is surfaced as a typed error carrying the reconciliation
// state instead of being rolled back.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/percolata/percolator/internal/metrics"
	"github.com/percolata/percolator/internal/router/custody"
	"github.com/percolata/percolator/internal/router/portfolio"
	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/pkg/fixed"
)

var (
	ErrVersionMismatch = errors.New("slab version mismatch")
	ErrUnknownSlab     = errors.New("unknown slab")
	ErrSlabExists      = errors.New("slab already registered")
	ErrTooManySplits   = errors.New("too many splits")
	ErrNoSplits        = errors.New("no splits")
	ErrUnknownRequest  = errors.New("unknown request")
	ErrRequestNotHeld  = errors.New("request not in held state")
	ErrRegistryFull    = errors.New("slab registry full")
	ErrNotLiquidatable = errors.New("portfolio not liquidatable")
)

const (
	// MaxSlabsPerRequest bounds the fan-out of one multi-slab request.
	MaxSlabsPerRequest = 8

	// Reserve TTLs are clamped into [MinTTLMs, MaxTTLMs].
	MinTTLMs = int64(5_000)
	MaxTTLMs = int64(120_000)

	// MaxSlippageBps bounds how far from mark a forced close may be booked
	// into the portfolio during global liquidation.
	MaxSlippageBps = uint64(200)
)

// Split is one leg of a multi-slab request.
type Split struct {
	Slab       uint32
	Instrument uint8
	Side       book.Side
	Qty        uint64
	LimitPx    uint64
}

// Leg is a held split.
type Leg struct {
	Split
	Symbol   string
	HoldID   uint64
	VWAP     uint64
	WorstPx  uint64
	ExpiryTs int64
}

type requestState uint8

const (
	stateHeld requestState = iota
	stateCommitted
	stateCancelled
	statePartial
)

type request struct {
	id    uint64
	user  string
	legs  []Leg
	state requestState
}

// PartialCommitError reports a commit that executed on some slabs and failed
// on another. Executed legs are NOT unwound; callers reconcile from here.
type PartialCommitError struct {
	RequestID uint64
	Committed []Leg
	Failed    Leg
	Err       error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit of request %d: %d legs executed, leg on slab %d failed: %v",
		e.RequestID, len(e.Committed), e.Failed.Slab, e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// Coordinator owns the slab registry and all in-flight multi-slab requests.
type Coordinator struct {
	log        *zap.Logger
	custody    *custody.Custodian
	portfolios *portfolio.Manager
	asset      string

	mu       sync.Mutex
	slabs    map[uint32]*slabEntry
	requests map[uint64]*request
	flake    *sonyflake.Sonyflake
}

// New builds a coordinator settling in the given asset.
func New(cust *custody.Custodian, pm *portfolio.Manager, asset string, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	flake := sonyflake.NewSonyflake(sonyflake.Settings{
		// Machine ID from the slab registry scope, not the host NIC, so the
		// coordinator starts in environments without a private IP.
		MachineID: func() (uint16, error) { return 1, nil },
	})
	if flake == nil {
		return nil, errors.New("sonyflake init failed")
	}
	return &Coordinator{
		log:        log.Named("coordinator"),
		custody:    cust,
		portfolios: pm,
		asset:      asset,
		slabs:      make(map[uint32]*slabEntry),
		requests:   make(map[uint64]*request),
		flake:      flake,
	}, nil
}

// RegisterSlab adds a slab to the registry after checking its interface
// version. The registry is capped at MaxSlabsPerRequest entries.
func (c *Coordinator) RegisterSlab(ctx context.Context, index uint32, client SlabClient) error {
	v, err := client.Version(ctx)
	if err != nil {
		return err
	}
	if v != RequiredSlabVersion {
		return fmt.Errorf("%w: slab %d reports version %d, need %d", ErrVersionMismatch, index, v, RequiredSlabVersion)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.slabs[index]; ok {
		return ErrSlabExists
	}
	if len(c.slabs) >= MaxSlabsPerRequest {
		return ErrRegistryFull
	}
	c.slabs[index] = newSlabEntry(index, client, c.log)
	c.log.Info("slab registered",
		zap.Uint32("index", index),
		zap.String("address", custody.SlabAddress(index).String()))
	return nil
}

func (c *Coordinator) entry(index uint32) (*slabEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.slabs[index]
	if !ok {
		return nil, ErrUnknownSlab
	}
	return e, nil
}

// FundSlabAccount moves escrowed collateral onto a slab by redeeming a
// capability. This is the only path from custody to a slab account.
func (c *Coordinator) FundSlabAccount(ctx context.Context, user string, slab uint32, capAddr custody.Address, amount uint64, nowSec int64) error {
	e, err := c.entry(slab)
	if err != nil {
		return err
	}
	if err := c.custody.Debit(capAddr, slab, c.asset, amount, nowSec); err != nil {
		return err
	}
	if err := e.client.Deposit(ctx, user, amount); err != nil {
		// The debit already left the escrow; putting the funds back in the
		// user's vault keeps custody whole.
		c.custody.Deposit(user, c.asset, amount)
		c.log.Error("slab deposit failed after capability debit",
			zap.Uint32("slab", slab),
			zap.Uint64("amount", amount),
			zap.Error(err))
		return err
	}
	return nil
}

// Deposit credits the user's vault and portfolio collateral together. The
// portfolio must already exist.
func (c *Coordinator) Deposit(user string, amount uint64) error {
	if err := c.portfolios.Credit(user, amount); err != nil {
		return err
	}
	c.custody.Deposit(user, c.asset, amount)
	return nil
}

// Withdraw returns free collateral to the user after a margin check at the
// current marks.
func (c *Coordinator) Withdraw(ctx context.Context, user string, amount uint64) error {
	marks, err := c.marks(ctx)
	if err != nil {
		return err
	}
	if err := c.portfolios.WithdrawChecked(user, amount, marks); err != nil {
		return err
	}
	if err := c.custody.Withdraw(user, c.asset, amount); err != nil {
		// The portfolio debit already happened; put it back so the two
		// ledgers stay in step.
		if cerr := c.portfolios.Credit(user, amount); cerr != nil {
			c.log.Error("withdraw compensation failed",
				zap.String("user", user),
				zap.Uint64("amount", amount),
				zap.Error(cerr))
		}
		return err
	}
	return nil
}

// marks gathers current mark prices from every registered slab.
func (c *Coordinator) marks(ctx context.Context) (portfolio.Marks, error) {
	c.mu.Lock()
	entries := make([]*slabEntry, 0, len(c.slabs))
	for _, e := range c.slabs {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	marks := make(portfolio.Marks)
	for _, e := range entries {
		infos, err := e.client.Instruments(ctx)
		if err != nil {
			return nil, err
		}
		for _, in := range infos {
			marks[in.Symbol] = in.MarkPx
		}
	}
	return marks, nil
}

func clampTTL(ttlMs int64) int64 {
	if ttlMs == 0 {
		return 30_000
	}
	if ttlMs < MinTTLMs {
		return MinTTLMs
	}
	if ttlMs > MaxTTLMs {
		return MaxTTLMs
	}
	return ttlMs
}

// MultiSlabReserve fans the splits out in parallel. Either every leg is held
// when it returns, or every partial hold has been cancelled.
func (c *Coordinator) MultiSlabReserve(ctx context.Context, user string, splits []Split, ttlMs, now int64) (uint64, []Leg, error) {
	if len(splits) == 0 {
		return 0, nil, ErrNoSplits
	}
	if len(splits) > MaxSlabsPerRequest {
		return 0, nil, ErrTooManySplits
	}
	ttlMs = clampTTL(ttlMs)

	entries := make([]*slabEntry, len(splits))
	symbols := make([]string, len(splits))
	for i, sp := range splits {
		e, err := c.entry(sp.Slab)
		if err != nil {
			return 0, nil, err
		}
		entries[i] = e
		infos, err := e.client.Instruments(ctx)
		if err != nil {
			return 0, nil, err
		}
		found := false
		for _, in := range infos {
			if in.Index == sp.Instrument {
				symbols[i] = in.Symbol
				found = true
				break
			}
		}
		if !found {
			return 0, nil, book.ErrUnknownInstrument
		}
	}

	// Portfolio pre-trade check against the combined request.
	marks, err := c.marks(ctx)
	if err != nil {
		return 0, nil, err
	}
	adds := make([]portfolio.Exposure, len(splits))
	for i, sp := range splits {
		qty := int64(sp.Qty)
		if sp.Side == book.Sell {
			qty = -qty
		}
		px := marks[symbols[i]]
		adds[i] = portfolio.Exposure{Slab: sp.Slab, Symbol: symbols[i], Qty: qty, EntryPx: px}
	}
	if err := c.portfolios.PreTradeCheck(user, adds, marks); err != nil {
		return 0, nil, err
	}

	requestID, err := c.flake.NextID()
	if err != nil {
		return 0, nil, err
	}

	legs := make([]Leg, len(splits))
	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range splits {
		i, sp, e := i, sp, entries[i]
		g.Go(func() error {
			res, rerr := e.reserve(gctx, user, sp.Instrument, sp.Side, sp.Qty, sp.LimitPx, ttlMs, now)
			if rerr != nil {
				return fmt.Errorf("slab %d: %w", sp.Slab, rerr)
			}
			legs[i] = Leg{
				Split:    sp,
				Symbol:   symbols[i],
				HoldID:   res.HoldID,
				VWAP:     res.VWAP,
				WorstPx:  res.WorstPx,
				ExpiryTs: res.ExpiryTs,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Compensate: drop every hold that did land.
		for i := range legs {
			if legs[i].HoldID == 0 {
				continue
			}
			if cerr := entries[i].cancel(ctx, legs[i].HoldID, now); cerr != nil {
				c.log.Error("compensating cancel failed",
					zap.Uint64("hold_id", legs[i].HoldID),
					zap.Uint32("slab", legs[i].Slab),
					zap.Error(cerr))
			}
		}
		metrics.ReservesTotal.WithLabelValues("rolled_back").Inc()
		c.log.Info("multi-slab reserve rolled back",
			zap.String("user", user),
			zap.Int("splits", len(splits)),
			zap.Error(err))
		return 0, nil, err
	}
	metrics.ReservesTotal.WithLabelValues("held").Inc()

	c.mu.Lock()
	c.requests[requestID] = &request{id: requestID, user: user, legs: legs, state: stateHeld}
	c.mu.Unlock()

	c.log.Info("multi-slab reserve held",
		zap.Uint64("request_id", requestID),
		zap.String("user", user),
		zap.Int("legs", len(legs)))
	return requestID, legs, nil
}

// MultiSlabCommit executes every held leg in slab order. A failed leg stops
// the walk; committed legs stay executed and the caller gets a
// PartialCommitError describing exactly what stands.
func (c *Coordinator) MultiSlabCommit(ctx context.Context, requestID uint64, now int64) ([]Leg, error) {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownRequest
	}
	if req.state != stateHeld {
		c.mu.Unlock()
		return nil, ErrRequestNotHeld
	}
	c.mu.Unlock()

	var committed []Leg
	for _, leg := range req.legs {
		e, err := c.entry(leg.Slab)
		if err == nil {
			_, err = e.commit(ctx, leg.HoldID, now)
		}
		if err != nil {
			c.mu.Lock()
			req.state = statePartial
			c.mu.Unlock()
			metrics.CommitsTotal.WithLabelValues("partial").Inc()
			metrics.MultiSlabRequests.WithLabelValues("partial").Inc()
			c.log.Error("multi-slab commit partial",
				zap.Uint64("request_id", requestID),
				zap.Int("committed", len(committed)),
				zap.Uint32("failed_slab", leg.Slab),
				zap.Error(err))
			return committed, &PartialCommitError{
				RequestID: requestID,
				Committed: committed,
				Failed:    leg,
				Err:       err,
			}
		}
		qty := int64(leg.Qty)
		if leg.Side == book.Sell {
			qty = -qty
		}
		if perr := c.portfolios.ApplyFill(req.user, leg.Slab, leg.Symbol, qty, leg.VWAP); perr != nil {
			c.log.Error("portfolio booking failed", zap.Error(perr))
		}
		committed = append(committed, leg)
	}

	c.mu.Lock()
	req.state = stateCommitted
	c.mu.Unlock()
	metrics.CommitsTotal.WithLabelValues("committed").Inc()
	metrics.MultiSlabRequests.WithLabelValues("committed").Inc()
	c.log.Info("multi-slab commit complete",
		zap.Uint64("request_id", requestID),
		zap.Int("legs", len(committed)))
	return committed, nil
}

// MultiSlabCancel releases every held leg. Legs whose holds already expired
// count as released.
func (c *Coordinator) MultiSlabCancel(ctx context.Context, requestID uint64, now int64) error {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.state != stateHeld {
		c.mu.Unlock()
		return ErrRequestNotHeld
	}
	c.mu.Unlock()

	var firstErr error
	for _, leg := range req.legs {
		e, err := c.entry(leg.Slab)
		if err == nil {
			err = e.cancel(ctx, leg.HoldID, now)
		}
		if err != nil && !isDomainError(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	c.mu.Lock()
	req.state = stateCancelled
	c.mu.Unlock()
	metrics.CancelsTotal.Inc()
	metrics.MultiSlabRequests.WithLabelValues("cancelled").Inc()
	return nil
}

// ExecuteCrossSlab is reserve plus immediate commit in one call.
func (c *Coordinator) ExecuteCrossSlab(ctx context.Context, user string, splits []Split, now int64) ([]Leg, error) {
	requestID, _, err := c.MultiSlabReserve(ctx, user, splits, 0, now)
	if err != nil {
		return nil, err
	}
	legs, err := c.MultiSlabCommit(ctx, requestID, now)
	if err != nil {
		return legs, err
	}
	return legs, nil
}

// GlobalLiquidationResult summarizes a cross-slab liquidation.
type GlobalLiquidationResult struct {
	Slabs          []uint32
	ClosedNotional uint64
	Shortfall      uint64
}

// GlobalLiquidation force-closes a portfolio that is under maintenance
// margin, slab by slab in descending exposure notional. Each slab runs its
// own close within its impact band; the router then books the closes out of
// the portfolio at the slab marks.
func (c *Coordinator) GlobalLiquidation(ctx context.Context, user string, now int64) (GlobalLiquidationResult, error) {
	marks, err := c.marks(ctx)
	if err != nil {
		return GlobalLiquidationResult{}, err
	}
	r, err := c.portfolios.Margin(user, marks)
	if err != nil {
		return GlobalLiquidationResult{}, err
	}
	if !r.Liquidatable {
		return GlobalLiquidationResult{}, ErrNotLiquidatable
	}
	p, err := c.portfolios.Get(user)
	if err != nil {
		return GlobalLiquidationResult{}, err
	}

	notionalBySlab := make(map[uint32]uint64)
	for _, e := range p.Exposures() {
		mark, ok := marks[e.Symbol]
		if !ok {
			mark = e.EntryPx
		}
		n, nerr := fixed.Notional(absQty(e.Qty), mark)
		if nerr != nil {
			return GlobalLiquidationResult{}, nerr
		}
		notionalBySlab[e.Slab] += n
	}
	order := make([]uint32, 0, len(notionalBySlab))
	for idx := range notionalBySlab {
		order = append(order, idx)
	}
	sort.Slice(order, func(i, j int) bool {
		if notionalBySlab[order[i]] != notionalBySlab[order[j]] {
			return notionalBySlab[order[i]] > notionalBySlab[order[j]]
		}
		return order[i] < order[j]
	})

	var out GlobalLiquidationResult
	for _, idx := range order {
		e, eerr := c.entry(idx)
		if eerr != nil {
			return out, eerr
		}
		lr, lerr := e.client.Liquidate(ctx, user, now)
		if lerr != nil && !errors.Is(lerr, engine.ErrNotLiquidatable) {
			c.log.Error("slab liquidation failed",
				zap.Uint32("slab", idx),
				zap.String("user", user),
				zap.Error(lerr))
			return out, lerr
		}
		out.Slabs = append(out.Slabs, idx)
		out.ClosedNotional += lr.ClosedNotional
		out.Shortfall += lr.Shortfall

		closePx, cerr := c.closePrices(ctx, e, lr.Legs)
		if cerr != nil {
			return out, cerr
		}

		// The slab closed the positions; mirror that in the portfolio at the
		// realized close price, clamped to the slippage band around mark.
		for _, ex := range p.Exposures() {
			if ex.Slab != idx {
				continue
			}
			mark, ok := marks[ex.Symbol]
			if !ok {
				mark = ex.EntryPx
			}
			px := clampSlippage(closePx[ex.Symbol], mark)
			if perr := c.portfolios.ApplyFill(user, idx, ex.Symbol, -ex.Qty, px); perr != nil {
				return out, perr
			}
		}
	}
	metrics.LiquidationsTotal.WithLabelValues("global").Inc()
	c.log.Info("global liquidation complete",
		zap.String("user", user),
		zap.Int("slabs", len(out.Slabs)),
		zap.Uint64("closed_notional", out.ClosedNotional),
		zap.Uint64("shortfall", out.Shortfall))
	return out, nil
}

// closePrices computes the volume-weighted close price per symbol from a
// slab liquidation's legs.
func (c *Coordinator) closePrices(ctx context.Context, e *slabEntry, legs []engine.LiquidationLeg) (map[string]uint64, error) {
	if len(legs) == 0 {
		return nil, nil
	}
	infos, err := e.client.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make(map[uint8]string, len(infos))
	for _, in := range infos {
		symbols[in.Index] = in.Symbol
	}

	type agg struct{ notional, qty uint64 }
	sums := make(map[string]*agg)
	for _, leg := range legs {
		sym, ok := symbols[leg.Instrument]
		if !ok {
			continue
		}
		a := sums[sym]
		if a == nil {
			a = &agg{}
			sums[sym] = a
		}
		a.notional += leg.Notional
		a.qty += leg.Qty
	}

	out := make(map[string]uint64, len(sums))
	for sym, a := range sums {
		if a.qty == 0 {
			continue
		}
		vwap, verr := fixed.MulDiv(a.notional, fixed.Scale, a.qty)
		if verr != nil {
			return nil, verr
		}
		out[sym] = vwap
	}
	return out, nil
}

// clampSlippage bounds px to within MaxSlippageBps of mark. A zero px (no
// close legs for the symbol) falls back to mark.
func clampSlippage(px, mark uint64) uint64 {
	if px == 0 {
		return mark
	}
	band, err := fixed.ApplyBps(mark, MaxSlippageBps)
	if err != nil {
		return mark
	}
	if px > mark+band {
		return mark + band
	}
	if mark > band && px < mark-band {
		return mark - band
	}
	return px
}

// MarkToMarket recomputes a user's portfolio margin at the current slab marks.
func (c *Coordinator) MarkToMarket(ctx context.Context, user string, now int64) (portfolio.MarginResult, error) {
	marks, err := c.marks(ctx)
	if err != nil {
		return portfolio.MarginResult{}, err
	}
	return c.portfolios.MarkToMarket(user, marks, now)
}

func absQty(q int64) uint64 {
	if q < 0 {
		return uint64(-q)
	}
	return uint64(q)
}

// RequestState reports the lifecycle state of a request.
func (c *Coordinator) RequestState(requestID uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return "", ErrUnknownRequest
	}
	switch req.state {
	case stateHeld:
		return "held", nil
	case stateCommitted:
		return "committed", nil
	case stateCancelled:
		return "cancelled", nil
	default:
		return "partial", nil
	}
}
