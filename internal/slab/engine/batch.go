package engine

import (
	"go.uber.org/zap"
)

// BatchStatus describes the batch state of one instrument.
type BatchStatus struct {
	Epoch       uint64
	BatchOpenTs int64
	NextOpenTs  int64
	Frozen      bool
	FreezeLevel uint8
}

// BatchOpenResult summarizes one epoch advance.
type BatchOpenResult struct {
	Epoch    uint64
	Promoted int
}

// BatchOpen advances every instrument to the next epoch and promotes pending
// orders placed before the boundary. Frozen instruments whose freeze window
// has lapsed thaw here.
func (s *Slab) BatchOpen(now int64) []BatchOpenResult {
	out := make([]BatchOpenResult, 0, s.book.NumInstruments())
	for i := 0; i < s.book.NumInstruments(); i++ {
		in, err := s.book.Instrument(uint8(i))
		if err != nil {
			continue
		}
		in.Epoch++
		in.BatchOpenTs = now
		if in.FreezeUntil != 0 && now >= in.FreezeUntil {
			in.FreezeUntil = 0
			in.FreezeLevel = 0
		}
		promoted := s.book.PromotePending(uint8(i), in.Epoch)
		s.notifyQuote(uint8(i))
		out = append(out, BatchOpenResult{Epoch: in.Epoch, Promoted: promoted})
		if promoted > 0 {
			s.log.Debug("batch opened",
				zap.Uint8("instrument", uint8(i)),
				zap.Uint64("epoch", in.Epoch),
				zap.Int("promoted", promoted))
		}
	}
	return out
}

// BatchStatusOf reports the batch state of one instrument.
func (s *Slab) BatchStatusOf(instr uint8, now int64) (BatchStatus, error) {
	in, err := s.book.Instrument(instr)
	if err != nil {
		return BatchStatus{}, err
	}
	return BatchStatus{
		Epoch:       in.Epoch,
		BatchOpenTs: in.BatchOpenTs,
		NextOpenTs:  in.BatchOpenTs + s.params.BatchWindowMs,
		Frozen:      in.FreezeUntil > now,
		FreezeLevel: in.FreezeLevel,
	}, nil
}

// FreezeMarket escalates an instrument's freeze level and pushes its thaw
// time out. Each level holds the market for level*FreezeWindowMs.
func (s *Slab) FreezeMarket(instr uint8, now int64) error {
	in, err := s.book.Instrument(instr)
	if err != nil {
		return err
	}
	if in.FreezeLevel < s.params.MaxFreezeLevel {
		in.FreezeLevel++
	}
	in.FreezeUntil = now + int64(in.FreezeLevel)*s.params.FreezeWindowMs
	s.log.Warn("market frozen",
		zap.Uint8("instrument", instr),
		zap.Uint8("level", in.FreezeLevel),
		zap.Int64("until", in.FreezeUntil))
	return nil
}

// SetOracle updates an instrument's mark and index prices.
func (s *Slab) SetOracle(instr uint8, markPx, indexPx uint64) error {
	in, err := s.book.Instrument(instr)
	if err != nil {
		return err
	}
	in.MarkPx = markPx
	in.IndexPx = indexPx
	return nil
}
