// Package book implements the price-time priority limit order book for one
// slab. Orders live in a fixed-capacity pool and are chained into intrusive
// doubly-linked lists per instrument and side, so insertion and removal never
// allocate. Non-DLP orders queue in a pending list and only become reservable
// at the next batch open.
package book

import (
	"errors"

	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/slab/pool"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrOrderNotFound     = errors.New("order not found")
)

// Book is the per-slab order store.
type Book struct {
	log         *zap.Logger
	orders      *pool.Pool[Order]
	instruments []Instrument
	maxInstr    int
	nextID      uint64
}

// New allocates a book with fixed order capacity and instrument limit.
func New(log *zap.Logger, ordersCap, maxInstruments int) *Book {
	return &Book{
		log:         log,
		orders:      pool.New[Order](ordersCap),
		instruments: make([]Instrument, 0, maxInstruments),
		maxInstr:    maxInstruments,
		nextID:      1,
	}
}

// AddInstrument registers a market. Returns its index.
func (b *Book) AddInstrument(symbol string, tickSize, lotSize, markPx uint64, now int64) (uint8, error) {
	if len(b.instruments) >= b.maxInstr {
		return 0, pool.ErrCapacityExhausted
	}
	if tickSize == 0 || lotSize == 0 {
		return 0, ErrInvalidPrice
	}
	b.instruments = append(b.instruments, Instrument{
		Symbol:        symbol,
		TickSize:      tickSize,
		LotSize:       lotSize,
		MarkPx:        markPx,
		IndexPx:       markPx,
		LastFundingTs: now / 1000,
		BatchOpenTs:   now,
	})
	id := uint8(len(b.instruments) - 1)
	b.log.Info("instrument added",
		zap.String("symbol", symbol),
		zap.Uint8("instrument", id),
		zap.Uint64("tick_size", tickSize),
		zap.Uint64("lot_size", lotSize))
	return id, nil
}

// Instrument returns the instrument record for idx.
func (b *Book) Instrument(idx uint8) (*Instrument, error) {
	if int(idx) >= len(b.instruments) {
		return nil, ErrUnknownInstrument
	}
	return &b.instruments[idx], nil
}

// NumInstruments returns the count of registered markets.
func (b *Book) NumInstruments() int { return len(b.instruments) }

// OrdersInUse returns live order count, for metrics.
func (b *Book) OrdersInUse() int { return b.orders.Len() }

// OrdersCap returns the order pool capacity.
func (b *Book) OrdersCap() int { return b.orders.Cap() }

// Post places a resting limit order. DLP orders go live immediately; all
// others join the pending queue and become visible at the next batch open.
func (b *Book) Post(account uint32, instr uint8, side Side, class MakerClass, price, qty uint64, now int64) (pool.Handle, uint64, error) {
	in, err := b.Instrument(instr)
	if err != nil {
		return pool.Handle{}, 0, err
	}
	if price == 0 || price%in.TickSize != 0 {
		return pool.Handle{}, 0, ErrInvalidPrice
	}
	if qty == 0 || qty%in.LotSize != 0 {
		return pool.Handle{}, 0, ErrInvalidQuantity
	}

	h, o, err := b.orders.Alloc()
	if err != nil {
		return pool.Handle{}, 0, err
	}
	id := b.nextID
	b.nextID++
	*o = Order{
		ID:         id,
		Account:    account,
		Instrument: instr,
		Side:       side,
		Class:      class,
		Price:      price,
		Qty:        qty,
		CreatedAt:  now,
	}

	if class == ClassDLP {
		b.insertLive(in, h, o)
	} else {
		o.pending = true
		o.EligibleEpoch = in.Epoch + 1
		b.pushPending(in, h, o)
	}
	return h, id, nil
}

// Get resolves an order handle.
func (b *Book) Get(h pool.Handle) (*Order, bool) {
	return b.orders.Get(h)
}

// Find locates an order by ID. Linear over the pool, bounded by capacity.
func (b *Book) Find(id uint64) (pool.Handle, *Order, bool) {
	var (
		fh    pool.Handle
		fo    *Order
		found bool
	)
	b.orders.Range(func(h pool.Handle, o *Order) bool {
		if o.ID == id {
			fh, fo, found = h, o, true
			return false
		}
		return true
	})
	return fh, fo, found
}

// Cancel removes the unreserved remainder of an order. The reserved portion
// stays on the book until its holds commit or release; the order slot is only
// freed once nothing is left.
func (b *Book) Cancel(h pool.Handle, account uint32) (released uint64, removed bool, err error) {
	o, ok := b.orders.Get(h)
	if !ok {
		return 0, false, ErrOrderNotFound
	}
	if o.Account != account {
		return 0, false, ErrUnauthorized
	}
	released = o.Available()
	o.Qty = o.Reserved
	if o.Qty == 0 {
		b.remove(h, o)
		return released, true, nil
	}
	b.refreshQuote(&b.instruments[o.Instrument])
	return released, false, nil
}

// Lock marks qty of the order as reserved by a hold.
func (b *Book) Lock(h pool.Handle, qty uint64) error {
	o, ok := b.orders.Get(h)
	if !ok {
		return ErrOrderNotFound
	}
	if qty > o.Available() {
		return ErrInvalidQuantity
	}
	o.Reserved += qty
	b.refreshQuote(&b.instruments[o.Instrument])
	return nil
}

// Unlock releases a reserved qty back to the order (hold cancelled/expired).
// Removes the order if cancellation already emptied its unreserved part.
func (b *Book) Unlock(h pool.Handle, qty uint64) {
	o, ok := b.orders.Get(h)
	if !ok {
		return
	}
	if qty > o.Reserved {
		qty = o.Reserved
	}
	o.Reserved -= qty
	b.refreshQuote(&b.instruments[o.Instrument])
}

// Fill consumes qty from both the order's reserved and total quantity
// (hold committed). Frees the slot when the order is exhausted.
func (b *Book) Fill(h pool.Handle, qty uint64) {
	o, ok := b.orders.Get(h)
	if !ok {
		return
	}
	if qty > o.Reserved {
		qty = o.Reserved
	}
	o.Reserved -= qty
	if qty > o.Qty {
		qty = o.Qty
	}
	o.Qty -= qty
	if o.Qty == 0 {
		b.remove(h, o)
		return
	}
	b.refreshQuote(&b.instruments[o.Instrument])
}

// Take consumes up to qty of an order's unreserved quantity, returning what
// was actually taken. Used by forced liquidation fills, which bypass holds.
func (b *Book) Take(h pool.Handle, qty uint64) uint64 {
	o, ok := b.orders.Get(h)
	if !ok {
		return 0
	}
	if qty > o.Available() {
		qty = o.Available()
	}
	o.Qty -= qty
	if o.Qty == 0 {
		b.remove(h, o)
		return qty
	}
	b.refreshQuote(&b.instruments[o.Instrument])
	return qty
}

// Best returns the top live order on a side.
func (b *Book) Best(instr uint8, side Side) (pool.Handle, *Order, bool) {
	in, err := b.Instrument(instr)
	if err != nil {
		return pool.Handle{}, nil, false
	}
	h := in.bidsHead
	if side == Sell {
		h = in.asksHead
	}
	o, ok := b.orders.Get(h)
	return h, o, ok
}

// Next returns the order after h in price-time order.
func (b *Book) Next(h pool.Handle) (pool.Handle, *Order, bool) {
	o, ok := b.orders.Get(h)
	if !ok {
		return pool.Handle{}, nil, false
	}
	n, ok := b.orders.Get(o.next)
	return o.next, n, ok
}

// Walk visits live orders on a side from best to worst until fn returns false.
func (b *Book) Walk(instr uint8, side Side, fn func(pool.Handle, *Order) bool) {
	h, o, ok := b.Best(instr, side)
	for ok {
		next := o.next
		if !fn(h, o) {
			return
		}
		h = next
		o, ok = b.orders.Get(h)
	}
}

// PromotePending moves pending orders whose epoch has arrived into the live
// book in arrival order. Returns the number promoted.
func (b *Book) PromotePending(instr uint8, epoch uint64) int {
	in, err := b.Instrument(instr)
	if err != nil {
		return 0
	}
	promoted := 0
	h := in.pendingHead
	for {
		o, ok := b.orders.Get(h)
		if !ok {
			break
		}
		next := o.next
		if o.EligibleEpoch <= epoch {
			b.unlinkPending(in, h, o)
			o.pending = false
			b.insertLive(in, h, o)
			promoted++
		}
		h = next
	}
	return promoted
}

// --- intrusive list plumbing ---

func (b *Book) headPtr(in *Instrument, side Side) *pool.Handle {
	if side == Buy {
		return &in.bidsHead
	}
	return &in.asksHead
}

// betterThan reports whether price a has strictly better priority than b for
// the side (higher bids, lower asks).
func betterThan(side Side, a, b uint64) bool {
	if side == Buy {
		return a > b
	}
	return a < b
}

func (b *Book) insertLive(in *Instrument, h pool.Handle, o *Order) {
	head := b.headPtr(in, o.Side)
	o.prev, o.next = pool.Handle{}, pool.Handle{}

	cur := *head
	var prev pool.Handle
	for {
		c, ok := b.orders.Get(cur)
		if !ok {
			break
		}
		if betterThan(o.Side, o.Price, c.Price) {
			break
		}
		prev = cur
		cur = c.next
	}

	o.next = cur
	o.prev = prev
	if p, ok := b.orders.Get(prev); ok {
		p.next = h
	} else {
		*head = h
	}
	if c, ok := b.orders.Get(cur); ok {
		c.prev = h
	}
	b.refreshQuote(in)
}

func (b *Book) remove(h pool.Handle, o *Order) {
	in := &b.instruments[o.Instrument]
	if o.pending {
		b.unlinkPending(in, h, o)
	} else {
		b.unlinkLive(in, h, o)
	}
	b.orders.Free(h)
	b.refreshQuote(in)
}

func (b *Book) unlinkLive(in *Instrument, h pool.Handle, o *Order) {
	if p, ok := b.orders.Get(o.prev); ok {
		p.next = o.next
	} else {
		head := b.headPtr(in, o.Side)
		if *head == h {
			*head = o.next
		}
	}
	if n, ok := b.orders.Get(o.next); ok {
		n.prev = o.prev
	}
	o.prev, o.next = pool.Handle{}, pool.Handle{}
}

func (b *Book) pushPending(in *Instrument, h pool.Handle, o *Order) {
	o.prev, o.next = pool.Handle{}, pool.Handle{}
	if t, ok := b.orders.Get(in.pendingTail); ok {
		t.next = h
		o.prev = in.pendingTail
	} else {
		in.pendingHead = h
	}
	in.pendingTail = h
}

func (b *Book) unlinkPending(in *Instrument, h pool.Handle, o *Order) {
	if p, ok := b.orders.Get(o.prev); ok {
		p.next = o.next
	} else if in.pendingHead == h {
		in.pendingHead = o.next
	}
	if n, ok := b.orders.Get(o.next); ok {
		n.prev = o.prev
	} else if in.pendingTail == h {
		in.pendingTail = o.prev
	}
	o.prev, o.next = pool.Handle{}, pool.Handle{}
}

func (b *Book) refreshQuote(in *Instrument) {
	var q Quote
	if o, ok := b.orders.Get(in.bidsHead); ok {
		q.BidPx = o.Price
		for h := in.bidsHead; ; {
			c, ok := b.orders.Get(h)
			if !ok || c.Price != q.BidPx {
				break
			}
			q.BidQty += c.Available()
			h = c.next
		}
	}
	if o, ok := b.orders.Get(in.asksHead); ok {
		q.AskPx = o.Price
		for h := in.asksHead; ; {
			c, ok := b.orders.Get(h)
			if !ok || c.Price != q.AskPx {
				break
			}
			q.AskQty += c.Available()
			h = c.next
		}
	}
	in.quote = q
}
