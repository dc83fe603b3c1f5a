package engine

import (
	"math/bits"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/pool"
	"github.com/percolata/percolator/pkg/fixed"
)

func (s *Slab) findPosition(acct uint32, instr uint8) (pool.Handle, *Position, bool) {
	a, err := s.Account(acct)
	if err != nil {
		return pool.Handle{}, nil, false
	}
	h := a.positions
	for {
		p, ok := s.positions.Get(h)
		if !ok {
			return pool.Handle{}, nil, false
		}
		if p.Instrument == instr {
			return h, p, true
		}
		h = p.next
	}
}

// Positions returns copies of an account's open positions.
func (s *Slab) Positions(acct uint32) []Position {
	a, err := s.Account(acct)
	if err != nil {
		return nil
	}
	var out []Position
	h := a.positions
	for {
		p, ok := s.positions.Get(h)
		if !ok {
			return out
		}
		out = append(out, *p)
		h = p.next
	}
}

func (s *Slab) removePosition(acct uint32, h pool.Handle) {
	a := &s.accounts[acct]
	if a.positions == h {
		if p, ok := s.positions.Get(h); ok {
			a.positions = p.next
		}
		s.positions.Free(h)
		return
	}
	prev := a.positions
	for {
		p, ok := s.positions.Get(prev)
		if !ok {
			return
		}
		if p.next == h {
			if dead, ok := s.positions.Get(h); ok {
				p.next = dead.next
			}
			s.positions.Free(h)
			return
		}
		prev = p.next
	}
}

// pendingFundingFor returns what the position owes (positive) or is owed
// (negative) against the instrument's funding accumulator.
func pendingFundingFor(p *Position, in *book.Instrument) (int64, error) {
	delta, err := fixed.SubSigned(in.CumFundingPerUnit, p.CumFundingSnap)
	if err != nil {
		return 0, err
	}
	// payment = qty * delta / Scale; longs pay when the accumulator rises.
	if delta >= 0 {
		return fixed.PnL(p.Qty, 0, uint64(delta))
	}
	v, err := fixed.PnL(p.Qty, 0, uint64(-delta))
	if err != nil {
		return 0, err
	}
	return -v, nil
}

// settleFunding realizes accrued funding into collateral and moves the
// position's snapshot forward.
func (s *Slab) settleFunding(p *Position, in *book.Instrument) error {
	owed, err := pendingFundingFor(p, in)
	if err != nil {
		return err
	}
	a := &s.accounts[p.Account]
	col, err := fixed.SubSigned(a.Collateral, owed)
	if err != nil {
		return err
	}
	a.Collateral = col
	p.CumFundingSnap = in.CumFundingPerUnit
	return nil
}

// PendingFunding sums unsettled funding across an account's positions.
func (s *Slab) PendingFunding(acct uint32) (int64, error) {
	if _, err := s.Account(acct); err != nil {
		return 0, err
	}
	var total int64
	for _, p := range s.Positions(acct) {
		in, err := s.book.Instrument(p.Instrument)
		if err != nil {
			return 0, err
		}
		owed, err := pendingFundingFor(&p, in)
		if err != nil {
			return 0, err
		}
		total, err = fixed.AddSigned(total, owed)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// weightedAvg returns (q1*px1 + q2*px2)/(q1+q2) with a 128-bit intermediate.
func weightedAvg(q1, px1, q2, px2 uint64) (uint64, error) {
	h1, l1 := bits.Mul64(q1, px1)
	h2, l2 := bits.Mul64(q2, px2)
	lo, carry := bits.Add64(l1, l2, 0)
	hi, carry2 := bits.Add64(h1, h2, carry)
	den := q1 + q2
	if carry2 != 0 || den == 0 || hi >= den {
		return 0, fixed.ErrArithmeticOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// stagedAccount accumulates what a sequence of fills would leave one account
// with. Legs apply to the staged copy; nothing reaches the live account or
// position until writeStaged runs, so a failing leg cannot leave longs and
// shorts out of balance.
type stagedAccount struct {
	collateral int64
	qty        int64
	entryPx    uint64
	startAbs   uint64 // open quantity before staging, for the OI delta
}

// stageAccount snapshots live account state. Funding must already be settled
// for the (account, instrument) pair so the snapshot is current.
func (s *Slab) stageAccount(acct uint32, instr uint8) *stagedAccount {
	st := &stagedAccount{collateral: s.accounts[acct].Collateral}
	if _, p, found := s.findPosition(acct, instr); found {
		st.qty = p.Qty
		st.entryPx = p.EntryPx
		st.startAbs = absQty(p.Qty)
	}
	return st
}

// applyLeg folds one fill into the staged state, realizing PnL on reductions.
func (st *stagedAccount) applyLeg(side book.Side, px, qty uint64) error {
	delta := int64(qty)
	if side == book.Sell {
		delta = -delta
	}
	switch {
	case st.qty == 0 || sameSign(st.qty, delta):
		avg, err := weightedAvg(absQty(st.qty), st.entryPx, qty, px)
		if err != nil {
			return err
		}
		newQty, err := fixed.AddSigned(st.qty, delta)
		if err != nil {
			return err
		}
		st.qty = newQty
		st.entryPx = avg

	case qty <= absQty(st.qty):
		// Reduce (or flatten): realize PnL on the closed quantity.
		closed := int64(qty)
		if st.qty < 0 {
			closed = -closed
		}
		pnl, err := fixed.PnL(closed, st.entryPx, px)
		if err != nil {
			return err
		}
		col, err := fixed.AddSigned(st.collateral, pnl)
		if err != nil {
			return err
		}
		st.collateral = col
		st.qty += delta

	default:
		// Flip: close the whole position, open the remainder the other way.
		pnl, err := fixed.PnL(st.qty, st.entryPx, px)
		if err != nil {
			return err
		}
		col, err := fixed.AddSigned(st.collateral, pnl)
		if err != nil {
			return err
		}
		st.collateral = col
		st.qty += delta
		st.entryPx = px
	}
	return nil
}

// writeStaged copies staged state back onto the live account, allocating or
// freeing the position record as needed and keeping open interest current.
func (s *Slab) writeStaged(acct uint32, instr uint8, in *book.Instrument, st *stagedAccount) error {
	s.accounts[acct].Collateral = st.collateral
	h, p, found := s.findPosition(acct, instr)
	switch {
	case st.qty == 0:
		if found {
			s.removePosition(acct, h)
		}
	case found:
		p.Qty = st.qty
		p.EntryPx = st.entryPx
		p.CumFundingSnap = in.CumFundingPerUnit
	default:
		nh, np, err := s.positions.Alloc()
		if err != nil {
			return err
		}
		a := &s.accounts[acct]
		*np = Position{
			Account:        acct,
			Instrument:     instr,
			Qty:            st.qty,
			EntryPx:        st.entryPx,
			CumFundingSnap: in.CumFundingPerUnit,
			next:           a.positions,
		}
		a.positions = nh
	}
	in.OpenInterest = fixed.ClampAdd(in.OpenInterest, int64(absQty(st.qty))-int64(st.startAbs))
	return nil
}

// settleAccountFunding realizes pending funding on the account's position in
// the instrument, if it has one.
func (s *Slab) settleAccountFunding(acct uint32, instr uint8, in *book.Instrument) error {
	if _, p, found := s.findPosition(acct, instr); found {
		return s.settleFunding(p, in)
	}
	return nil
}

// applyFill books a signed fill into the account's position, realizing PnL
// on reductions and keeping instrument open interest current.
func (s *Slab) applyFill(acct uint32, instr uint8, side book.Side, px, qty uint64) error {
	in, err := s.book.Instrument(instr)
	if err != nil {
		return err
	}
	if err := s.settleAccountFunding(acct, instr, in); err != nil {
		return err
	}
	st := s.stageAccount(acct, instr)
	if err := st.applyLeg(side, px, qty); err != nil {
		return err
	}
	return s.writeStaged(acct, instr, in, st)
}

// marginState computes equity, initial margin and maintenance margin at the
// current marks. Pending funding is treated as part of equity.
func (s *Slab) marginState(acct uint32) (equity int64, im, mm uint64, err error) {
	a, err := s.Account(acct)
	if err != nil {
		return 0, 0, 0, err
	}
	equity = a.Collateral
	h := a.positions
	for {
		p, ok := s.positions.Get(h)
		if !ok {
			break
		}
		in, ierr := s.book.Instrument(p.Instrument)
		if ierr != nil {
			return 0, 0, 0, ierr
		}
		upnl, perr := fixed.PnL(p.Qty, p.EntryPx, in.MarkPx)
		if perr != nil {
			return 0, 0, 0, perr
		}
		owed, ferr := pendingFundingFor(p, in)
		if ferr != nil {
			return 0, 0, 0, ferr
		}
		equity, err = fixed.AddSigned(equity, upnl)
		if err != nil {
			return 0, 0, 0, err
		}
		equity, err = fixed.SubSigned(equity, owed)
		if err != nil {
			return 0, 0, 0, err
		}
		notional, nerr := fixed.Notional(absQty(p.Qty), in.MarkPx)
		if nerr != nil {
			return 0, 0, 0, nerr
		}
		pim, e1 := fixed.ApplyBps(notional, s.params.IMRBps)
		if e1 != nil {
			return 0, 0, 0, e1
		}
		pmm, e2 := fixed.ApplyBps(notional, s.params.MMRBps)
		if e2 != nil {
			return 0, 0, 0, e2
		}
		im, err = fixed.Add(im, pim)
		if err != nil {
			return 0, 0, 0, err
		}
		mm, err = fixed.Add(mm, pmm)
		if err != nil {
			return 0, 0, 0, err
		}
		h = p.next
	}
	return equity, im, mm, nil
}

// MarginSummary is the externally visible margin state of an account.
type MarginSummary struct {
	Equity            int64
	InitialMargin     uint64
	MaintenanceMargin uint64
	Liquidatable      bool
}

// Margin returns the account's margin summary.
func (s *Slab) Margin(acct uint32) (MarginSummary, error) {
	eq, im, mm, err := s.marginState(acct)
	if err != nil {
		return MarginSummary{}, err
	}
	return MarginSummary{
		Equity:            eq,
		InitialMargin:     im,
		MaintenanceMargin: mm,
		Liquidatable:      eq < int64(mm),
	}, nil
}

// checkProjectedMargin rejects a fill that would leave the taker below
// initial margin, evaluated as if the fill already happened at px.
func (s *Slab) checkProjectedMargin(acct uint32, instr uint8, side book.Side, qty uint64) error {
	eq, im, _, err := s.marginState(acct)
	if err != nil {
		return err
	}
	_, p, found := s.findPosition(acct, instr)
	var cur int64
	if found {
		cur = p.Qty
	}
	delta := int64(qty)
	if side == book.Sell {
		delta = -delta
	}
	next, err := fixed.AddSigned(cur, delta)
	if err != nil {
		return err
	}
	in, err := s.book.Instrument(instr)
	if err != nil {
		return err
	}
	oldNotional, err := fixed.Notional(absQty(cur), in.MarkPx)
	if err != nil {
		return err
	}
	newNotional, err := fixed.Notional(absQty(next), in.MarkPx)
	if err != nil {
		return err
	}
	oldIM, err := fixed.ApplyBps(oldNotional, s.params.IMRBps)
	if err != nil {
		return err
	}
	newIM, err := fixed.ApplyBps(newNotional, s.params.IMRBps)
	if err != nil {
		return err
	}
	projected := im - oldIM + newIM
	if newIM > oldIM && eq < int64(projected) {
		return ErrMarginExceeded
	}
	return nil
}

func absQty(q int64) uint64 {
	if q < 0 {
		return uint64(-q)
	}
	return uint64(q)
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
