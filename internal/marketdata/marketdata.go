// Package marketdata builds consumer-facing views over slab state: a
// bounded trade tape, last top-of-book quotes, and aggregated depth
// snapshots. The feed attaches to a slab as its observer; depth snapshots
// are built on demand by walking the live book into a price-ordered btree.
package marketdata

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/internal/slab/pool"
)

// DefaultTapeSize bounds the retained trade tape.
const DefaultTapeSize = 1_024

// Level is one aggregated price level.
type Level struct {
	Price uint64
	Qty   uint64
}

// DepthSnapshot is an aggregated view of one side-pair of the book. Bids
// are ordered best (highest) first, asks best (lowest) first.
type DepthSnapshot struct {
	Symbol string
	Bids   []Level
	Asks   []Level
}

// Feed retains recent trades and last quotes from an attached slab.
type Feed struct {
	mu     sync.RWMutex
	tape   []engine.Trade
	size   int
	quotes map[string]book.Quote
}

// NewFeed builds a feed retaining up to tapeSize trades.
func NewFeed(tapeSize int) *Feed {
	if tapeSize <= 0 {
		tapeSize = DefaultTapeSize
	}
	return &Feed{size: tapeSize, quotes: make(map[string]book.Quote)}
}

// OnTrade implements the engine observer contract.
func (f *Feed) OnTrade(t engine.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape = append(f.tape, t)
	if len(f.tape) > f.size {
		f.tape = f.tape[len(f.tape)-f.size:]
	}
}

// OnQuote implements the engine observer contract.
func (f *Feed) OnQuote(_ uint8, symbol string, q book.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = q
}

// Tape returns the retained trades, oldest first.
func (f *Feed) Tape() []engine.Trade {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]engine.Trade, len(f.tape))
	copy(out, f.tape)
	return out
}

// Quote returns the last seen top of book for symbol.
func (f *Feed) Quote(symbol string) (book.Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	return q, ok
}

// Depth aggregates the live book into at most maxLevels per side. Only
// available (unreserved) quantity is shown.
func Depth(s *engine.Slab, instr uint8, maxLevels int) (DepthSnapshot, error) {
	b := s.Book()
	in, err := b.Instrument(instr)
	if err != nil {
		return DepthSnapshot{}, err
	}
	snap := DepthSnapshot{Symbol: in.Symbol}
	snap.Bids = sideLevels(b, instr, book.Buy, maxLevels)
	snap.Asks = sideLevels(b, instr, book.Sell, maxLevels)
	return snap, nil
}

func sideLevels(b *book.Book, instr uint8, side book.Side, maxLevels int) []Level {
	levels := btree.NewMap[uint64, uint64](0)
	b.Walk(instr, side, func(_ pool.Handle, o *book.Order) bool {
		if avail := o.Available(); avail > 0 {
			prev, _ := levels.Get(o.Price)
			levels.Set(o.Price, prev+avail)
		}
		return true
	})

	out := make([]Level, 0, maxLevels)
	emit := func(price, qty uint64) bool {
		out = append(out, Level{Price: price, Qty: qty})
		return maxLevels <= 0 || len(out) < maxLevels
	}
	if side == book.Buy {
		levels.Reverse(emit)
	} else {
		levels.Scan(emit)
	}
	return out
}
