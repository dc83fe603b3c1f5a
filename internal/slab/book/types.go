package book

import "github.com/percolata/percolator/internal/slab/pool"

// Side of an order.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the contra side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// MakerClass partitions liquidity providers for batch gating. Designated
// liquidity providers quote continuously and skip the pending queue; all
// other orders become visible at the next batch open.
type MakerClass uint8

const (
	ClassRegular MakerClass = iota
	ClassDLP
)

// Order is a resting limit order. Qty is the unfilled remainder; Reserved is
// the portion locked by active holds and unavailable to new reserves.
type Order struct {
	ID            uint64
	Account       uint32
	Instrument    uint8
	Side          Side
	Class         MakerClass
	Price         uint64
	Qty           uint64
	Reserved      uint64
	CreatedAt     int64 // unix milliseconds
	EligibleEpoch uint64

	pending    bool
	prev, next pool.Handle
}

// Available returns the quantity new reserves may lock.
func (o *Order) Available() uint64 {
	if o.Reserved >= o.Qty {
		return 0
	}
	return o.Qty - o.Reserved
}

// Pending reports whether the order is still queued for the next batch open.
func (o *Order) Pending() bool { return o.pending }

// Quote is the cached top of book for one instrument.
type Quote struct {
	BidPx  uint64
	BidQty uint64
	AskPx  uint64
	AskQty uint64
}

// Instrument holds static market parameters, oracle state and the book list
// heads. Funding fields are maintained by the engine.
type Instrument struct {
	Symbol   string
	TickSize uint64
	LotSize  uint64

	MarkPx  uint64
	IndexPx uint64

	FundingRateHourly int64 // 1e6-scale price units per base unit per hour
	CumFundingPerUnit int64 // lifetime accumulator, 1e6-scale price units
	LastFundingTs     int64 // unix seconds

	Epoch       uint64
	BatchOpenTs int64 // unix milliseconds
	FreezeUntil int64 // unix milliseconds, 0 when not frozen
	FreezeLevel uint8

	OpenInterest uint64 // sum of absolute position qty, maintained by the engine

	bidsHead    pool.Handle
	asksHead    pool.Handle
	pendingHead pool.Handle
	pendingTail pool.Handle

	quote Quote
}

// Quote returns the cached best bid/ask.
func (in *Instrument) Quote() Quote { return in.quote }
