// Package portfolio tracks each user's cross-slab exposure at the router and
// computes portfolio margin. Same-instrument exposure held on different
// slabs nets: a long on one slab offsets a short on another, so net initial
// margin never exceeds the gross sum. Cross-instrument correlation offsets
// are a pluggable policy; the default grants none.
package portfolio

import (
	"errors"

	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/router/custody"
	"github.com/percolata/percolator/pkg/fixed"
)

var (
	ErrMarginExceeded   = errors.New("portfolio margin exceeded")
	ErrUnknownPortfolio = errors.New("unknown portfolio")
	ErrTooManyExposures = errors.New("too many exposures")
)

// Params fixes the router-level margin ratios.
type Params struct {
	IMRBps       uint64
	MMRBps       uint64
	MaxExposures int
}

// DefaultParams returns the stock portfolio margin configuration.
func DefaultParams() Params {
	return Params{IMRBps: 1_000, MMRBps: 500, MaxExposures: 16}
}

// Exposure is signed position in one instrument on one slab.
type Exposure struct {
	Slab    uint32
	Symbol  string
	Qty     int64
	EntryPx uint64
}

// Portfolio is one user's router-side account.
type Portfolio struct {
	User       string
	Address    custody.Address
	Collateral int64
	LastMarkTs int64
	exposures  []Exposure
}

// Exposures returns a copy of the open exposures.
func (p *Portfolio) Exposures() []Exposure {
	out := make([]Exposure, len(p.exposures))
	copy(out, p.exposures)
	return out
}

// Marks maps instrument symbol to mark price.
type Marks map[string]uint64

// MarginResult is the outcome of a portfolio margin computation.
type MarginResult struct {
	Equity         int64
	GrossNotional  uint64
	GrossIM        uint64
	NetIM          uint64
	GrossMM        uint64
	NetMM          uint64
	NettingBenefit uint64 // grossIM - netIM, before correlation offsets
	Liquidatable   bool
}

// CorrelationPolicy can grant additional margin relief across instruments.
// Benefit must never exceed the net IM it is applied against.
type CorrelationPolicy interface {
	Benefit(netBySymbol map[string]int64, marks Marks) uint64
}

// NoCorrelation grants no cross-instrument relief.
type NoCorrelation struct{}

// Benefit implements CorrelationPolicy.
func (NoCorrelation) Benefit(map[string]int64, Marks) uint64 { return 0 }

// Manager owns all portfolios.
type Manager struct {
	log    *zap.Logger
	params Params
	policy CorrelationPolicy
	users  map[string]*Portfolio
}

// NewManager builds a portfolio manager.
func NewManager(params Params, policy CorrelationPolicy, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == nil {
		policy = NoCorrelation{}
	}
	return &Manager{
		log:    log.Named("portfolio"),
		params: params,
		policy: policy,
		users:  make(map[string]*Portfolio),
	}
}

// Create registers a portfolio for user, or returns the existing one.
func (m *Manager) Create(user string) *Portfolio {
	if p, ok := m.users[user]; ok {
		return p
	}
	p := &Portfolio{User: user, Address: custody.PortfolioAddress(user)}
	m.users[user] = p
	return p
}

// Get resolves a user's portfolio.
func (m *Manager) Get(user string) (*Portfolio, error) {
	p, ok := m.users[user]
	if !ok {
		return nil, ErrUnknownPortfolio
	}
	return p, nil
}

// Credit adds collateral.
func (m *Manager) Credit(user string, amount uint64) error {
	p, err := m.Get(user)
	if err != nil {
		return err
	}
	col, err := fixed.AddUnsigned(p.Collateral, amount)
	if err != nil {
		return err
	}
	p.Collateral = col
	return nil
}

// UserByAddress resolves a portfolio by its derived address.
func (m *Manager) UserByAddress(addr custody.Address) (string, error) {
	for user, p := range m.users {
		if p.Address == addr {
			return user, nil
		}
	}
	return "", ErrUnknownPortfolio
}

// WithdrawChecked removes collateral, refusing a withdrawal that would push
// the portfolio under initial margin at the given marks.
func (m *Manager) WithdrawChecked(user string, amount uint64, marks Marks) error {
	p, err := m.Get(user)
	if err != nil {
		return err
	}
	r, err := m.Margin(user, marks)
	if err != nil {
		return err
	}
	rem, err := fixed.SubUnsigned(r.Equity, amount)
	if err != nil {
		return err
	}
	if rem < 0 || rem < int64(r.NetIM) {
		return ErrMarginExceeded
	}
	col, err := fixed.SubUnsigned(p.Collateral, amount)
	if err != nil {
		return err
	}
	p.Collateral = col
	return nil
}

// ApplyFill books a signed fill into the (slab, symbol) exposure, realizing
// PnL into collateral on reductions.
func (m *Manager) ApplyFill(user string, slab uint32, symbol string, qty int64, px uint64) error {
	p, err := m.Get(user)
	if err != nil {
		return err
	}
	idx := -1
	for i := range p.exposures {
		if p.exposures[i].Slab == slab && p.exposures[i].Symbol == symbol {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(p.exposures) >= m.params.MaxExposures {
			return ErrTooManyExposures
		}
		p.exposures = append(p.exposures, Exposure{Slab: slab, Symbol: symbol, Qty: qty, EntryPx: px})
		return nil
	}
	e := &p.exposures[idx]
	switch {
	case e.Qty == 0 || (e.Qty > 0) == (qty > 0):
		// Same direction: weighted average entry.
		total := absInt(e.Qty) + absInt(qty)
		blend, err := fixed.MulDiv(absInt(e.Qty), e.EntryPx, total)
		if err != nil {
			return err
		}
		add, err := fixed.MulDiv(absInt(qty), px, total)
		if err != nil {
			return err
		}
		e.EntryPx = blend + add
		e.Qty += qty
	case absInt(qty) <= absInt(e.Qty):
		closed := qty
		if closed < 0 {
			closed = -closed
		}
		signed := int64(closed)
		if e.Qty < 0 {
			signed = -signed
		}
		pnl, err := fixed.PnL(signed, e.EntryPx, px)
		if err != nil {
			return err
		}
		col, err := fixed.AddSigned(p.Collateral, pnl)
		if err != nil {
			return err
		}
		p.Collateral = col
		e.Qty += qty
	default:
		pnl, err := fixed.PnL(e.Qty, e.EntryPx, px)
		if err != nil {
			return err
		}
		col, err := fixed.AddSigned(p.Collateral, pnl)
		if err != nil {
			return err
		}
		p.Collateral = col
		e.Qty += qty
		e.EntryPx = px
	}
	if e.Qty == 0 {
		p.exposures = append(p.exposures[:idx], p.exposures[idx+1:]...)
	}
	return nil
}

// Margin computes equity and gross/net margin at the given marks.
func (m *Manager) Margin(user string, marks Marks) (MarginResult, error) {
	p, err := m.Get(user)
	if err != nil {
		return MarginResult{}, err
	}
	res := MarginResult{Equity: p.Collateral}
	netBySymbol := make(map[string]int64)

	for _, e := range p.exposures {
		mark, ok := marks[e.Symbol]
		if !ok {
			mark = e.EntryPx
		}
		upnl, perr := fixed.PnL(e.Qty, e.EntryPx, mark)
		if perr != nil {
			return MarginResult{}, perr
		}
		res.Equity += upnl

		notional, nerr := fixed.Notional(absInt(e.Qty), mark)
		if nerr != nil {
			return MarginResult{}, nerr
		}
		res.GrossNotional, err = fixed.Add(res.GrossNotional, notional)
		if err != nil {
			return MarginResult{}, err
		}
		gim, gerr := fixed.ApplyBps(notional, m.params.IMRBps)
		if gerr != nil {
			return MarginResult{}, gerr
		}
		gmm, merr := fixed.ApplyBps(notional, m.params.MMRBps)
		if merr != nil {
			return MarginResult{}, merr
		}
		res.GrossIM += gim
		res.GrossMM += gmm
		netBySymbol[e.Symbol] += e.Qty
	}

	for sym, net := range netBySymbol {
		mark, ok := marks[sym]
		if !ok {
			// Without a mark the net leg keeps its gross charge.
			for _, e := range p.exposures {
				if e.Symbol == sym {
					mark = e.EntryPx
					break
				}
			}
		}
		notional, nerr := fixed.Notional(absInt(net), mark)
		if nerr != nil {
			return MarginResult{}, nerr
		}
		nim, ierr := fixed.ApplyBps(notional, m.params.IMRBps)
		if ierr != nil {
			return MarginResult{}, ierr
		}
		nmm, merr := fixed.ApplyBps(notional, m.params.MMRBps)
		if merr != nil {
			return MarginResult{}, merr
		}
		res.NetIM += nim
		res.NetMM += nmm
	}

	// Netting can only help.
	if res.NetIM > res.GrossIM {
		res.NetIM = res.GrossIM
	}
	if res.NetMM > res.GrossMM {
		res.NetMM = res.GrossMM
	}
	res.NettingBenefit = res.GrossIM - res.NetIM

	if benefit := m.policy.Benefit(netBySymbol, marks); benefit > 0 {
		if benefit > res.NetIM {
			benefit = res.NetIM
		}
		res.NetIM -= benefit
	}

	res.Liquidatable = res.Equity < int64(res.NetMM)
	return res, nil
}

// PreTradeCheck verifies that adding the proposed signed quantities leaves
// the portfolio at or above initial margin. Nothing is mutated.
func (m *Manager) PreTradeCheck(user string, adds []Exposure, marks Marks) error {
	p, err := m.Get(user)
	if err != nil {
		return err
	}
	saved := p.exposures
	p.exposures = append([]Exposure(nil), saved...)
	defer func() { p.exposures = saved }()

	savedCollateral := p.Collateral
	for _, a := range adds {
		if err := m.ApplyFill(user, a.Slab, a.Symbol, a.Qty, a.EntryPx); err != nil {
			p.Collateral = savedCollateral
			return err
		}
	}
	r, err := m.Margin(user, marks)
	p.Collateral = savedCollateral
	if err != nil {
		return err
	}
	if r.Equity < int64(r.NetIM) {
		return ErrMarginExceeded
	}
	return nil
}

// MarkToMarket recomputes margin at the marks and stamps the portfolio.
func (m *Manager) MarkToMarket(user string, marks Marks, now int64) (MarginResult, error) {
	p, err := m.Get(user)
	if err != nil {
		return MarginResult{}, err
	}
	r, err := m.Margin(user, marks)
	if err != nil {
		return MarginResult{}, err
	}
	p.LastMarkTs = now
	if r.Liquidatable {
		m.log.Warn("portfolio under maintenance margin",
			zap.String("user", user),
			zap.Int64("equity", r.Equity),
			zap.Uint64("net_mm", r.NetMM))
	}
	return r, nil
}

func absInt(q int64) uint64 {
	if q < 0 {
		return uint64(-q)
	}
	return uint64(q)
}
