package engine

import (
	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/slab/book"
)

// PostOrder places a resting limit order for an account.
func (s *Slab) PostOrder(acct uint32, instr uint8, side book.Side, class book.MakerClass, price, qty uint64, now int64) (uint64, error) {
	if _, err := s.Account(acct); err != nil {
		return 0, err
	}
	_, id, err := s.book.Post(acct, instr, side, class, price, qty, now)
	if err != nil {
		return 0, err
	}
	s.notifyQuote(instr)
	s.log.Debug("order posted",
		zap.Uint64("order_id", id),
		zap.Uint32("account", acct),
		zap.Uint8("instrument", instr),
		zap.String("side", side.String()),
		zap.Uint64("price", price),
		zap.Uint64("qty", qty))
	return id, nil
}

// CancelOrder removes the unreserved remainder of the account's order. Any
// quantity locked by active holds stays until those holds resolve.
func (s *Slab) CancelOrder(acct uint32, orderID uint64) (released uint64, err error) {
	if _, err := s.Account(acct); err != nil {
		return 0, err
	}
	h, o, found := s.book.Find(orderID)
	if !found {
		return 0, book.ErrOrderNotFound
	}
	instr := o.Instrument
	released, _, err = s.book.Cancel(h, acct)
	if err != nil {
		return 0, err
	}
	s.notifyQuote(instr)
	return released, nil
}
