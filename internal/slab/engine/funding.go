package engine

import (
	"math"

	"go.uber.org/zap"

	"github.com/percolata/percolator/pkg/fixed"
)

// FundingUpdate reports one applied funding period.
type FundingUpdate struct {
	RateHourly int64 // price units per base unit per hour
	Delta      int64 // accrual applied this period
	CumFunding int64
	ElapsedSec int64
}

// UpdateFunding accrues funding for an instrument from the mark/index
// premium. One application per interval: calling again before the interval
// elapses fails, so a period can never be charged twice.
//
// The hourly rate is premium/8 in price units per base unit; the applied
// delta scales with actual elapsed time. Longs pay shorts when mark trades
// above index, shorts pay longs when it trades below.
func (s *Slab) UpdateFunding(instr uint8, markPx, indexPx uint64, nowSec int64) (FundingUpdate, error) {
	in, err := s.book.Instrument(instr)
	if err != nil {
		return FundingUpdate{}, err
	}
	elapsed := nowSec - in.LastFundingTs
	if elapsed < s.params.FundingIntervalSec {
		return FundingUpdate{}, ErrFundingIntervalNotElapsed
	}

	var premium int64
	if markPx >= indexPx {
		premium = int64(markPx - indexPx)
	} else {
		premium = -int64(indexPx - markPx)
	}
	hourly := premium / 8

	// delta = hourly * elapsed / 3600, kept in 64 bits via the abs value.
	mag, err := fixed.MulDiv(absQty(hourly), uint64(elapsed), 3_600)
	if err != nil {
		return FundingUpdate{}, err
	}
	if mag > uint64(math.MaxInt64) {
		return FundingUpdate{}, fixed.ErrArithmeticOverflow
	}
	delta := int64(mag)
	if hourly < 0 {
		delta = -delta
	}

	cum, err := fixed.AddSigned(in.CumFundingPerUnit, delta)
	if err != nil {
		return FundingUpdate{}, err
	}
	in.CumFundingPerUnit = cum
	in.FundingRateHourly = hourly
	in.LastFundingTs = nowSec
	in.MarkPx = markPx
	in.IndexPx = indexPx

	s.log.Info("funding applied",
		zap.Uint8("instrument", instr),
		zap.Int64("rate_hourly", hourly),
		zap.Int64("delta", delta),
		zap.Int64("cum", cum))

	return FundingUpdate{
		RateHourly: hourly,
		Delta:      delta,
		CumFunding: cum,
		ElapsedSec: elapsed,
	}, nil
}

// FundingStateOf reports an instrument's funding accumulator.
func (s *Slab) FundingStateOf(instr uint8) (rateHourly, cumFunding int64, lastTs int64, err error) {
	in, err := s.book.Instrument(instr)
	if err != nil {
		return 0, 0, 0, err
	}
	return in.FundingRateHourly, in.CumFundingPerUnit, in.LastFundingTs, nil
}
