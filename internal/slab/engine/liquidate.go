package engine

import (
	"sort"

	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/insurance"
	"github.com/percolata/percolator/internal/slab/pool"
	"github.com/percolata/percolator/pkg/fixed"
)

// LiquidationPreview is the no-mutation health check.
type LiquidationPreview struct {
	Equity            int64
	InitialMargin     uint64
	MaintenanceMargin uint64
	Liquidatable      bool
	Deficit           uint64 // bad debt if closed at current marks
}

// LiquidationLeg is one closed position slice.
type LiquidationLeg struct {
	Instrument uint8
	Qty        uint64
	Side       book.Side // side of the forced close order
	Price      uint64
	Notional   uint64
	ADL        bool
}

// LiquidationResult summarizes a completed liquidation pass.
type LiquidationResult struct {
	Legs                  []LiquidationLeg
	ClosedNotional        uint64
	Fee                   uint64
	InsuranceContribution uint64
	InsurancePayout       uint64
	Shortfall             uint64
	RemainingEquity       int64
}

// LiquidationPreview reports whether an account is liquidatable without
// touching any state.
func (s *Slab) LiquidationPreview(acct uint32) (LiquidationPreview, error) {
	eq, im, mm, err := s.marginState(acct)
	if err != nil {
		return LiquidationPreview{}, err
	}
	p := LiquidationPreview{
		Equity:            eq,
		InitialMargin:     im,
		MaintenanceMargin: mm,
		Liquidatable:      eq < int64(mm),
	}
	if eq < 0 {
		p.Deficit = uint64(-eq)
	}
	return p, nil
}

// Liquidate force-closes an undermargined account. Positions close largest
// notional first, against the live book within the price impact band; any
// remainder auto-deleverages the most profitable, most levered opposite
// positions at the band edge. Bad debt draws the insurance fund first and is
// socialized only past its balance.
func (s *Slab) Liquidate(acct uint32, now int64) (LiquidationResult, error) {
	if _, err := s.Account(acct); err != nil {
		return LiquidationResult{}, err
	}
	eq, _, mm, err := s.marginState(acct)
	if err != nil {
		return LiquidationResult{}, err
	}
	if eq >= int64(mm) {
		return LiquidationResult{}, ErrNotLiquidatable
	}

	type target struct {
		p        Position
		notional uint64
	}
	var targets []target
	for _, p := range s.Positions(acct) {
		in, ierr := s.book.Instrument(p.Instrument)
		if ierr != nil {
			return LiquidationResult{}, ierr
		}
		n, nerr := fixed.Notional(absQty(p.Qty), in.MarkPx)
		if nerr != nil {
			return LiquidationResult{}, nerr
		}
		targets = append(targets, target{p: p, notional: n})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].notional > targets[j].notional })
	if len(targets) > s.params.MaxLiquidationLegs {
		targets = targets[:s.params.MaxLiquidationLegs]
	}

	var res LiquidationResult
	for _, t := range targets {
		legs, cerr := s.closePosition(acct, t.p, now)
		if cerr != nil {
			return res, cerr
		}
		for _, leg := range legs {
			res.Legs = append(res.Legs, leg)
			res.ClosedNotional = fixed.ClampAdd(res.ClosedNotional, int64(leg.Notional))
		}
	}

	// Liquidation fee on everything closed; the insurance fund takes its cut
	// off the top and the rest accrues to fee revenue.
	fee, err := fixed.ApplyBps(res.ClosedNotional, s.params.LiquidationFeeBps)
	if err != nil {
		return res, err
	}
	contribution := s.insurance.ContributionFor(res.ClosedNotional)
	a := &s.accounts[acct]
	col, err := fixed.SubUnsigned(a.Collateral, fee)
	if err != nil {
		return res, err
	}
	a.Collateral = col
	if cerr := s.insurance.Contribute(contribution, now); cerr == nil {
		s.feeRevenue += int64(fee) - int64(contribution)
	} else {
		s.feeRevenue += int64(fee)
		contribution = 0
	}
	res.Fee = fee
	res.InsuranceContribution = contribution

	// Bad debt: insurance first, socialize the rest.
	if a.Collateral < 0 {
		deficit := uint64(-a.Collateral)
		paid, shortfall := s.insurance.Payout(deficit, now)
		if col, err = fixed.AddUnsigned(a.Collateral, paid); err != nil {
			return res, err
		}
		a.Collateral = col
		if shortfall > 0 {
			s.socializedLoss = fixed.ClampAdd(s.socializedLoss, int64(shortfall))
			if col, err = fixed.AddUnsigned(a.Collateral, shortfall); err != nil {
				return res, err
			}
			a.Collateral = col
		}
		res.InsurancePayout = paid
		res.Shortfall = shortfall
	}
	res.RemainingEquity = a.Collateral

	s.log.Warn("account liquidated",
		zap.Uint32("account", acct),
		zap.Int("legs", len(res.Legs)),
		zap.Uint64("closed_notional", res.ClosedNotional),
		zap.Uint64("insurance_payout", res.InsurancePayout),
		zap.Uint64("shortfall", res.Shortfall))
	return res, nil
}

// closePosition unwinds one position: book liquidity inside the impact band
// first, ADL for whatever the book cannot absorb.
func (s *Slab) closePosition(acct uint32, p Position, now int64) ([]LiquidationLeg, error) {
	in, err := s.book.Instrument(p.Instrument)
	if err != nil {
		return nil, err
	}
	closeSide := book.Sell
	if p.Qty < 0 {
		closeSide = book.Buy
	}
	contra := closeSide.Opposite()
	remaining := absQty(p.Qty)

	band, err := fixed.ApplyBps(in.MarkPx, s.params.MaxPriceImpactBps)
	if err != nil {
		return nil, err
	}
	var legs []LiquidationLeg

	// Walk the contra book inside the band. Collect candidate fills first:
	// Take mutates the list we are iterating.
	type fillCand struct {
		h     pool.Handle
		maker uint32
		price uint64
		qty   uint64
	}
	var cands []fillCand
	s.book.Walk(p.Instrument, contra, func(h pool.Handle, o *book.Order) bool {
		if remaining == 0 {
			return false
		}
		if closeSide == book.Sell && o.Price+band < in.MarkPx {
			return false
		}
		if closeSide == book.Buy && o.Price > in.MarkPx+band {
			return false
		}
		if o.Account == acct {
			return true
		}
		take := o.Available()
		if take == 0 {
			return true
		}
		if take > remaining {
			take = remaining
		}
		cands = append(cands, fillCand{h: h, maker: o.Account, price: o.Price, qty: take})
		remaining -= take
		return true
	})
	remaining = absQty(p.Qty)
	for _, c := range cands {
		got := s.book.Take(c.h, c.qty)
		if got == 0 {
			continue
		}
		if err := s.applyFill(acct, p.Instrument, closeSide, c.price, got); err != nil {
			return legs, err
		}
		if err := s.applyFill(c.maker, p.Instrument, contra, c.price, got); err != nil {
			return legs, err
		}
		n, _ := fixed.Notional(got, c.price)
		legs = append(legs, LiquidationLeg{
			Instrument: p.Instrument,
			Qty:        got,
			Side:       closeSide,
			Price:      c.price,
			Notional:   n,
		})
		s.recordTrade(Trade{
			Instrument: p.Instrument,
			TakerSide:  closeSide,
			Price:      c.price,
			Qty:        got,
			Taker:      acct,
			Maker:      c.maker,
			Ts:         now,
		})
		remaining -= got
	}

	if remaining == 0 {
		return legs, nil
	}

	// ADL remainder at the band edge against opposite-side positions.
	edge := in.MarkPx
	if closeSide == book.Sell {
		if edge > band {
			edge -= band
		}
	} else {
		edge += band
	}
	adlLegs, err := s.autoDelever(acct, p.Instrument, closeSide, edge, remaining, now)
	if err != nil {
		return legs, err
	}
	return append(legs, adlLegs...), nil
}

// autoDelever reduces opposite-side positions, highest ADL priority first,
// until qty is absorbed at price px.
func (s *Slab) autoDelever(acct uint32, instr uint8, closeSide book.Side, px, qty uint64, now int64) ([]LiquidationLeg, error) {
	in, err := s.book.Instrument(instr)
	if err != nil {
		return nil, err
	}
	// The liquidated account is selling: counterparties must be shorts
	// (they buy back). And vice versa.
	wantLong := closeSide == book.Buy

	type candidate struct {
		account  uint32
		qty      uint64
		priority uint64
	}
	var cands []candidate
	s.positions.Range(func(_ pool.Handle, cp *Position) bool {
		if cp.Instrument != instr || cp.Account == acct {
			return true
		}
		if wantLong != (cp.Qty > 0) {
			return true
		}
		upnl, perr := fixed.PnL(cp.Qty, cp.EntryPx, in.MarkPx)
		if perr != nil {
			return true
		}
		notional, nerr := fixed.Notional(absQty(cp.Qty), in.MarkPx)
		if nerr != nil || notional == 0 {
			return true
		}
		roiBps := int64(0)
		if upnl != 0 {
			r, rerr := fixed.MulDiv(absQty(upnl), fixed.BpsDenom, notional)
			if rerr == nil {
				roiBps = int64(r)
				if upnl < 0 {
					roiBps = -roiBps
				}
			}
		}
		eq, _, _, merr := s.marginState(cp.Account)
		levBps := uint64(0)
		if merr == nil && eq > 0 {
			if l, lerr := fixed.MulDiv(notional, fixed.BpsDenom, uint64(eq)); lerr == nil {
				levBps = l
			}
		}
		cands = append(cands, candidate{
			account:  cp.Account,
			qty:      absQty(cp.Qty),
			priority: insurance.ADLPriority(roiBps, levBps),
		})
		return true
	})
	sort.Slice(cands, func(i, j int) bool { return cands[i].priority > cands[j].priority })

	contra := closeSide.Opposite()
	var legs []LiquidationLeg
	remaining := qty
	for _, c := range cands {
		if remaining == 0 {
			break
		}
		take := c.qty
		if take > remaining {
			take = remaining
		}
		if err := s.applyFill(acct, instr, closeSide, px, take); err != nil {
			return legs, err
		}
		if err := s.applyFill(c.account, instr, contra, px, take); err != nil {
			return legs, err
		}
		n, _ := fixed.Notional(take, px)
		legs = append(legs, LiquidationLeg{
			Instrument: instr,
			Qty:        take,
			Side:       closeSide,
			Price:      px,
			Notional:   n,
			ADL:        true,
		})
		s.insurance.RecordADL(n, now)
		s.recordTrade(Trade{
			Instrument: instr,
			TakerSide:  closeSide,
			Price:      px,
			Qty:        take,
			Taker:      acct,
			Maker:      c.account,
			Ts:         now,
		})
		remaining -= take
	}
	if remaining > 0 {
		// Nothing left to delever against: the residual position stays and
		// the deficit handling upstream absorbs the exposure.
		s.log.Error("adl exhausted with residual",
			zap.Uint8("instrument", instr),
			zap.Uint64("residual_qty", remaining))
	}
	return legs, nil
}
