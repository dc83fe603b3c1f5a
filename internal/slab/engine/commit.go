package engine

import (
	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/pool"
	"github.com/percolata/percolator/pkg/fixed"
)

// CommitResult reports an executed hold.
type CommitResult struct {
	Qty      uint64
	VWAP     uint64
	Notional uint64
	TakerFee uint64
	ARGTax   uint64
	Rebates  uint64
	Fills    int
}

// stagedFill is one slice of a hold with its rebate resolved ahead of
// execution.
type stagedFill struct {
	handle pool.Handle
	slice  Slice
	rebate uint64
}

// Commit executes a hold. Every slice fills at the maker's original resting
// price, so the taker's blended price equals the VWAP quoted at reserve time.
// The hold survives a kill-band rejection and can be retried or cancelled.
//
// Execution is staged: every position and collateral effect is computed on
// scratch copies first, and the book, accounts and trade tape are only
// touched once the whole fill set is known to apply cleanly. A failure
// anywhere leaves the hold alive and longs matching shorts.
func (s *Slab) Commit(holdID uint64, now int64) (CommitResult, error) {
	rh, r, err := s.findHold(holdID, now)
	if err != nil {
		return CommitResult{}, err
	}
	in, err := s.book.Instrument(r.Instrument)
	if err != nil {
		return CommitResult{}, err
	}
	if err := s.checkKillBand(in.MarkPx, r.MarkAtReserve); err != nil {
		return CommitResult{}, err
	}
	if err := s.checkProjectedMargin(r.Account, r.Instrument, r.Side, r.Qty); err != nil {
		return CommitResult{}, err
	}

	// Count slices and worst-case position allocations up front so the fill
	// loop cannot die half way through on pool exhaustion.
	sliceCount := 0
	for h := r.slices; ; {
		sl, ok := s.slices.Get(h)
		if !ok {
			break
		}
		sliceCount++
		h = sl.next
	}
	if s.positions.Cap()-s.positions.Len() < sliceCount+1 {
		return CommitResult{}, pool.ErrCapacityExhausted
	}

	notional, err := fixed.Notional(r.Qty, r.VWAP)
	if err != nil {
		return CommitResult{}, err
	}
	takerFee, err := fixed.ApplyBps(notional, s.params.TakerFeeBps)
	if err != nil {
		return CommitResult{}, err
	}
	tax, err := s.argTax(r.Account, r.Instrument, in.Epoch, r.Side, r.Qty, notional)
	if err != nil {
		return CommitResult{}, err
	}
	totalFee, err := fixed.Add(takerFee, tax)
	if err != nil {
		return CommitResult{}, err
	}

	// Settle funding for everyone the fills will touch. Each settlement
	// stands on its own, so a failure here leaves the hold and book intact.
	if err := s.settleAccountFunding(r.Account, r.Instrument, in); err != nil {
		return CommitResult{}, err
	}
	for h := r.slices; ; {
		sl, ok := s.slices.Get(h)
		if !ok {
			break
		}
		if err := s.settleAccountFunding(sl.Maker, r.Instrument, in); err != nil {
			return CommitResult{}, err
		}
		h = sl.next
	}

	contra := r.Side.Opposite()
	res := CommitResult{Qty: r.Qty, VWAP: r.VWAP, Notional: notional, TakerFee: takerFee, ARGTax: tax}

	staged := make(map[uint32]*stagedAccount, sliceCount+1)
	stagedFor := func(acct uint32) *stagedAccount {
		st, ok := staged[acct]
		if !ok {
			st = s.stageAccount(acct, r.Instrument)
			staged[acct] = st
		}
		return st
	}

	fills := make([]stagedFill, 0, sliceCount)
	for h := r.slices; ; {
		sl, ok := s.slices.Get(h)
		if !ok {
			break
		}
		if err := stagedFor(r.Account).applyLeg(r.Side, sl.Price, sl.Qty); err != nil {
			return CommitResult{}, err
		}
		if err := stagedFor(sl.Maker).applyLeg(contra, sl.Price, sl.Qty); err != nil {
			return CommitResult{}, err
		}

		// JIT penalty: makers younger than the minimum age earn no rebate.
		// A rebate that cannot be computed or credited is skipped, never a
		// reason to fail the trade.
		var makerAge int64 = -1
		if o, ok := s.book.Get(sl.Order); ok {
			makerAge = now - o.CreatedAt
		}
		var rebate uint64
		if makerAge >= s.params.JITMakerMinAgeMs {
			if sliceNotional, nerr := fixed.Notional(sl.Qty, sl.Price); nerr == nil {
				if rb, rerr := fixed.ApplyBps(sliceNotional, s.params.MakerRebateBps); rerr == nil {
					mk := stagedFor(sl.Maker)
					if col, cerr := fixed.AddUnsigned(mk.collateral, rb); cerr == nil {
						mk.collateral = col
						rebate = rb
					}
				}
			}
		}
		fills = append(fills, stagedFill{handle: h, slice: *sl, rebate: rebate})
		h = sl.next
	}

	tk := stagedFor(r.Account)
	tkCol, err := fixed.SubUnsigned(tk.collateral, totalFee)
	if err != nil {
		return CommitResult{}, err
	}
	tk.collateral = tkCol

	// Everything staged cleanly; now execute.
	for _, f := range fills {
		s.book.Fill(f.slice.Order, f.slice.Qty)
		res.Rebates += f.rebate
		s.feeRevenue -= int64(f.rebate)
		s.recordTrade(Trade{
			Instrument: r.Instrument,
			TakerSide:  r.Side,
			Price:      f.slice.Price,
			Qty:        f.slice.Qty,
			Taker:      r.Account,
			Maker:      f.slice.Maker,
			Ts:         now,
		})
		res.Fills++
		s.slices.Free(f.handle)
	}
	for acct, st := range staged {
		if werr := s.writeStaged(acct, r.Instrument, in, st); werr != nil {
			return res, werr
		}
	}

	taker := &s.accounts[r.Account]
	taker.FeePaid = fixed.ClampAdd(taker.FeePaid, int64(totalFee))
	s.feeRevenue += int64(totalFee)

	s.reservations.Free(rh)
	s.notifyQuote(r.Instrument)

	s.log.Debug("hold committed",
		zap.Uint64("hold_id", holdID),
		zap.Uint64("qty", res.Qty),
		zap.Uint64("vwap", res.VWAP),
		zap.Uint64("taker_fee", takerFee),
		zap.Uint64("arg_tax", tax),
		zap.Int("fills", res.Fills))
	return res, nil
}

// checkKillBand rejects execution when the oracle has moved too far from the
// price the hold was quoted at.
func (s *Slab) checkKillBand(markNow, markAtReserve uint64) error {
	if markAtReserve == 0 {
		return ErrStaleOracleKillBand
	}
	var diff uint64
	if markNow >= markAtReserve {
		diff = markNow - markAtReserve
	} else {
		diff = markAtReserve - markNow
	}
	band, err := fixed.ApplyBps(markAtReserve, s.params.KillBandBps)
	if err != nil {
		return err
	}
	if diff > band {
		return ErrStaleOracleKillBand
	}
	return nil
}

// argTax charges aggressors that round-trip size within a single batch epoch.
// Only newly completed round-trip quantity is taxed.
func (s *Slab) argTax(acct uint32, instr uint8, epoch uint64, side book.Side, qty, notional uint64) (uint64, error) {
	if s.params.ARGTaxBps == 0 || qty == 0 {
		return 0, nil
	}
	var entry *aggressor
	s.aggressors.Range(func(_ pool.Handle, a *aggressor) bool {
		if a.account == acct && a.instrument == instr {
			entry = a
			return false
		}
		return true
	})
	if entry == nil {
		_, e, err := s.aggressors.Alloc()
		if err != nil {
			// Tracker full: trade proceeds untaxed rather than failing.
			s.log.Warn("aggressor tracker exhausted", zap.Uint32("account", acct))
			return 0, nil
		}
		*e = aggressor{account: acct, instrument: instr, epoch: epoch}
		entry = e
	}
	if entry.epoch != epoch {
		*entry = aggressor{account: acct, instrument: instr, epoch: epoch}
	}
	if side == book.Buy {
		entry.bought += qty
	} else {
		entry.sold += qty
	}
	rt := entry.bought
	if entry.sold < rt {
		rt = entry.sold
	}
	if rt <= entry.taxedRT {
		return 0, nil
	}
	newRT := rt - entry.taxedRT
	entry.taxedRT = rt

	// Tax the newly round-tripped share of this fill's notional.
	taxBase, err := fixed.MulDiv(notional, newRT, qty)
	if err != nil {
		return 0, err
	}
	return fixed.ApplyBps(taxBase, s.params.ARGTaxBps)
}
