package engine

import (
	"math/bits"

	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/pool"
	"github.com/percolata/percolator/pkg/fixed"
)

// ReserveParams describes a taker's request to lock contra liquidity.
type ReserveParams struct {
	Account    uint32
	Instrument uint8
	Side       book.Side
	Qty        uint64
	LimitPx    uint64 // worst acceptable price, 0 for none
	TTLMs      int64  // 0 selects the slab default
	Now        int64  // unix milliseconds
}

// ReserveResult reports a successful hold.
type ReserveResult struct {
	HoldID   uint64
	Qty      uint64
	VWAP     uint64
	WorstPx  uint64
	ExpiryTs int64
	Slices   int
}

// Reserve locks exactly params.Qty of contra liquidity under a new hold, or
// fails leaving the book untouched. The locked quantity stops being
// reservable by anyone else until the hold commits, cancels or expires.
func (s *Slab) Reserve(params ReserveParams) (ReserveResult, error) {
	if _, err := s.Account(params.Account); err != nil {
		return ReserveResult{}, err
	}
	in, err := s.book.Instrument(params.Instrument)
	if err != nil {
		return ReserveResult{}, err
	}
	if in.FreezeUntil > params.Now {
		return ReserveResult{}, ErrMarketFrozen
	}
	ttl := params.TTLMs
	if ttl == 0 {
		ttl = s.params.DefaultTTLMs
	}
	if ttl < s.params.MinTTLMs || ttl > s.params.MaxTTLMs {
		return ReserveResult{}, ErrTTLOutOfRange
	}
	if params.Qty == 0 || params.Qty%in.LotSize != 0 {
		return ReserveResult{}, book.ErrInvalidQuantity
	}
	if err := s.checkProjectedMargin(params.Account, params.Instrument, params.Side, params.Qty); err != nil {
		return ReserveResult{}, err
	}

	contra := params.Side.Opposite()
	remaining := params.Qty
	var (
		sliceHead, sliceTail pool.Handle
		sliceCount           int
		worstPx              uint64
		sumHi, sumLo         uint64
		walkErr              error
	)

	rollback := func() {
		h := sliceHead
		for {
			sl, ok := s.slices.Get(h)
			if !ok {
				return
			}
			next := sl.next
			s.book.Unlock(sl.Order, sl.Qty)
			s.slices.Free(h)
			h = next
		}
	}

	s.book.Walk(params.Instrument, contra, func(oh pool.Handle, o *book.Order) bool {
		if remaining == 0 {
			return false
		}
		if params.LimitPx != 0 {
			if params.Side == book.Buy && o.Price > params.LimitPx {
				return false
			}
			if params.Side == book.Sell && o.Price < params.LimitPx {
				return false
			}
		}
		if o.Account == params.Account {
			return true // never self-match
		}
		take := o.Available()
		if take == 0 {
			return true
		}
		if take > remaining {
			take = remaining
		}
		sh, sl, aerr := s.slices.Alloc()
		if aerr != nil {
			walkErr = aerr
			return false
		}
		if lerr := s.book.Lock(oh, take); lerr != nil {
			s.slices.Free(sh)
			walkErr = lerr
			return false
		}
		*sl = Slice{Order: oh, Maker: o.Account, Price: o.Price, Qty: take}
		if tail, ok := s.slices.Get(sliceTail); ok {
			tail.next = sh
		} else {
			sliceHead = sh
		}
		sliceTail = sh
		sliceCount++
		worstPx = o.Price
		hi, lo := bits.Mul64(take, o.Price)
		var carry uint64
		sumLo, carry = bits.Add64(sumLo, lo, 0)
		sumHi, _ = bits.Add64(sumHi, hi, carry)
		remaining -= take
		return true
	})

	if walkErr != nil {
		rollback()
		return ReserveResult{}, walkErr
	}
	if remaining > 0 {
		rollback()
		return ReserveResult{}, ErrInsufficientLiquidity
	}
	if sumHi >= params.Qty {
		rollback()
		return ReserveResult{}, fixed.ErrArithmeticOverflow
	}
	vwap, _ := bits.Div64(sumHi, sumLo, params.Qty)

	_, r, err := s.reservations.Alloc()
	if err != nil {
		rollback()
		return ReserveResult{}, err
	}
	holdID := s.nextHoldID
	s.nextHoldID++
	*r = Reservation{
		HoldID:        holdID,
		Account:       params.Account,
		Instrument:    params.Instrument,
		Side:          params.Side,
		Qty:           params.Qty,
		VWAP:          vwap,
		WorstPx:       worstPx,
		MarkAtReserve: in.MarkPx,
		CreatedAt:     params.Now,
		ExpiryTs:      params.Now + ttl,
		slices:        sliceHead,
	}
	s.notifyQuote(params.Instrument)

	s.log.Debug("hold created",
		zap.Uint64("hold_id", holdID),
		zap.Uint32("account", params.Account),
		zap.Uint8("instrument", params.Instrument),
		zap.String("side", params.Side.String()),
		zap.Uint64("qty", params.Qty),
		zap.Uint64("vwap", vwap),
		zap.Int("slices", sliceCount))

	return ReserveResult{
		HoldID:   holdID,
		Qty:      params.Qty,
		VWAP:     vwap,
		WorstPx:  worstPx,
		ExpiryTs: params.Now + ttl,
		Slices:   sliceCount,
	}, nil
}

// findHold resolves a hold ID. Expired holds are released on access and
// reported as invalid.
func (s *Slab) findHold(holdID uint64, now int64) (pool.Handle, *Reservation, error) {
	var (
		rh    pool.Handle
		res   *Reservation
		found bool
	)
	s.reservations.Range(func(h pool.Handle, r *Reservation) bool {
		if r.HoldID == holdID {
			rh, res, found = h, r, true
			return false
		}
		return true
	})
	if !found {
		return pool.Handle{}, nil, ErrInvalidOrExpiredHold
	}
	if now >= res.ExpiryTs {
		s.releaseHold(rh, res)
		return pool.Handle{}, nil, ErrInvalidOrExpiredHold
	}
	return rh, res, nil
}

// releaseHold unlocks every slice and frees the reservation.
func (s *Slab) releaseHold(rh pool.Handle, r *Reservation) {
	instr := r.Instrument
	h := r.slices
	for {
		sl, ok := s.slices.Get(h)
		if !ok {
			break
		}
		next := sl.next
		s.book.Unlock(sl.Order, sl.Qty)
		s.slices.Free(h)
		h = next
	}
	s.reservations.Free(rh)
	s.notifyQuote(instr)
}

// Cancel releases a hold explicitly. Cancellation is not idempotent: a hold
// that already committed, cancelled or expired reports
// ErrInvalidOrExpiredHold rather than succeeding as a no-op.
func (s *Slab) Cancel(holdID uint64, now int64) error {
	rh, r, err := s.findHold(holdID, now)
	if err != nil {
		return err
	}
	s.releaseHold(rh, r)
	s.log.Debug("hold cancelled", zap.Uint64("hold_id", holdID))
	return nil
}

// SweepExpired releases up to max expired holds. Expiry is otherwise lazy;
// this keeps pool occupancy down when holders walk away without cancelling.
func (s *Slab) SweepExpired(now int64, max int) int {
	type expired struct {
		h pool.Handle
		r *Reservation
	}
	if max <= 0 {
		return 0
	}
	var batch []expired
	s.reservations.Range(func(h pool.Handle, r *Reservation) bool {
		if now >= r.ExpiryTs {
			batch = append(batch, expired{h, r})
		}
		return len(batch) < max
	})
	for _, e := range batch {
		s.releaseHold(e.h, e.r)
	}
	if len(batch) > 0 {
		s.log.Info("expired holds swept", zap.Int("count", len(batch)))
	}
	return len(batch)
}

// HoldsInUse returns active reservation count, for metrics.
func (s *Slab) HoldsInUse() int { return s.reservations.Len() }
