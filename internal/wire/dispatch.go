package wire

import (
	"context"

	"github.com/percolata/percolator/internal/router/coordinator"
	"github.com/percolata/percolator/internal/router/custody"
	"github.com/percolata/percolator/internal/router/portfolio"
	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/internal/slab/insurance"
)

func sideOf(v uint8) (book.Side, error) {
	switch v {
	case SideBuy:
		return book.Buy, nil
	case SideSell:
		return book.Sell, nil
	}
	return 0, &SideError{Got: v}
}

// SlabDispatcher routes decoded slab operations into one matching engine.
// Trading operations act on behalf of the caller's slab account; market and
// insurance administration acts under the dispatcher's authority.
type SlabDispatcher struct {
	slab      *engine.Slab
	authority string
}

// NewSlabDispatcher wraps a slab engine.
func NewSlabDispatcher(s *engine.Slab, authority string) *SlabDispatcher {
	return &SlabDispatcher{slab: s, authority: authority}
}

// SlabResult carries whatever the dispatched operation produced.
type SlabResult struct {
	Hold        *engine.ReserveResult
	Commit      *engine.CommitResult
	Instrument  uint8
	Funding     *engine.FundingUpdate
	Liquidation *engine.LiquidationResult
	Batches     []engine.BatchOpenResult
	Withdrawn   uint64
}

// Dispatch decodes a slab payload and applies it.
func (d *SlabDispatcher) Dispatch(payload []byte, acct uint32, now int64) (SlabResult, error) {
	op, err := DecodeSlab(payload)
	if err != nil {
		return SlabResult{}, err
	}
	return d.Apply(op, acct, now)
}

// Apply routes one decoded slab operation.
func (d *SlabDispatcher) Apply(op SlabOp, acct uint32, now int64) (SlabResult, error) {
	switch v := op.(type) {
	case SlabInit:
		// The in-process engine is built at construction; the init
		// operation is accepted for wire compatibility.
		return SlabResult{}, nil

	case Reserve:
		side, err := sideOf(v.Side)
		if err != nil {
			return SlabResult{}, err
		}
		var ttl int64
		if v.ExpiryTs != 0 {
			ttl = int64(v.ExpiryTs) - now
		}
		res, err := d.slab.Reserve(engine.ReserveParams{
			Account:    acct,
			Instrument: v.Instrument,
			Side:       side,
			Qty:        v.Qty,
			LimitPx:    v.Price,
			TTLMs:      ttl,
			Now:        now,
		})
		if err != nil {
			return SlabResult{}, err
		}
		return SlabResult{Hold: &res}, nil

	case Commit:
		cr, err := d.slab.Commit(v.HoldID, now)
		if err != nil {
			return SlabResult{}, err
		}
		return SlabResult{Commit: &cr}, nil

	case Cancel:
		return SlabResult{}, d.slab.Cancel(v.HoldID, now)

	case BatchOpen:
		return SlabResult{Batches: d.slab.BatchOpen(now)}, nil

	case AddInstrument:
		idx, err := d.slab.Book().AddInstrument(Symbol(v.Symbol), v.TickSize, v.LotSize, v.MarkPx, now)
		if err != nil {
			return SlabResult{}, err
		}
		return SlabResult{Instrument: idx}, nil

	case UpdateFunding:
		fu, err := d.slab.UpdateFunding(v.Instrument, v.MarkPx, v.IndexPx, int64(v.Now))
		if err != nil {
			return SlabResult{}, err
		}
		return SlabResult{Funding: &fu}, nil

	case Liquidation:
		lr, err := d.slab.Liquidate(v.Account, now)
		if err != nil {
			return SlabResult{}, err
		}
		return SlabResult{Liquidation: &lr}, nil

	case InitializeInsurance:
		return SlabResult{}, d.slab.Insurance().UpdateConfig(d.authority, insurance.Config{
			Authority:             d.authority,
			ContributionRateBps:   v.ContributionRateBps,
			ADLThresholdBps:       v.ADLThresholdBps,
			WithdrawalTimelockSec: int64(v.TimelockSec),
		})

	case UpdateInsuranceConfig:
		return SlabResult{}, d.slab.Insurance().UpdateConfig(d.authority, insurance.Config{
			Authority:             d.authority,
			ContributionRateBps:   v.ContributionRateBps,
			ADLThresholdBps:       v.ADLThresholdBps,
			WithdrawalTimelockSec: int64(v.TimelockSec),
		})

	case ContributeInsurance:
		return SlabResult{}, d.slab.Insurance().Contribute(v.Amount, now)

	case InitiateInsuranceWithdrawal:
		return SlabResult{}, d.slab.Insurance().InitiateWithdrawal(d.authority, v.Amount, now)

	case CompleteInsuranceWithdrawal:
		amount, err := d.slab.Insurance().CompleteWithdrawal(d.authority, now)
		if err != nil {
			return SlabResult{}, err
		}
		return SlabResult{Withdrawn: amount}, nil

	case CancelInsuranceWithdrawal:
		return SlabResult{}, d.slab.Insurance().CancelWithdrawal(d.authority)
	}
	return SlabResult{}, &UnknownDiscriminatorError{FamilySlab, op.slabOp()}
}

// RouterDispatcher routes decoded router operations into the multi-slab
// coordinator on behalf of a user.
type RouterDispatcher struct {
	coord      *coordinator.Coordinator
	portfolios *portfolio.Manager
}

// NewRouterDispatcher wraps a coordinator and its portfolio manager.
func NewRouterDispatcher(c *coordinator.Coordinator, pm *portfolio.Manager) *RouterDispatcher {
	return &RouterDispatcher{coord: c, portfolios: pm}
}

// RouterResult carries whatever the dispatched operation produced.
type RouterResult struct {
	RequestID   uint64
	Legs        []coordinator.Leg
	Margin      *portfolio.MarginResult
	Liquidation *coordinator.GlobalLiquidationResult
}

func routerSplits(in []Split) ([]coordinator.Split, error) {
	out := make([]coordinator.Split, len(in))
	for i, sp := range in {
		side, err := sideOf(sp.Side)
		if err != nil {
			return nil, err
		}
		out[i] = coordinator.Split{
			Slab:       uint32(sp.Slab),
			Instrument: sp.Instrument,
			Side:       side,
			Qty:        sp.Qty,
			LimitPx:    sp.LimitPx,
		}
	}
	return out, nil
}

// Dispatch decodes a router payload and applies it.
func (d *RouterDispatcher) Dispatch(ctx context.Context, user string, payload []byte, now int64) (RouterResult, error) {
	op, err := DecodeRouter(payload)
	if err != nil {
		return RouterResult{}, err
	}
	return d.Apply(ctx, user, op, now)
}

// Apply routes one decoded router operation.
func (d *RouterDispatcher) Apply(ctx context.Context, user string, op RouterOp, now int64) (RouterResult, error) {
	switch v := op.(type) {
	case Initialize:
		return RouterResult{}, nil

	case InitializePortfolio:
		d.portfolios.Create(user)
		return RouterResult{}, nil

	case Deposit:
		return RouterResult{}, d.coord.Deposit(user, v.Amount)

	case Withdraw:
		return RouterResult{}, d.coord.Withdraw(ctx, user, v.Amount)

	case ExecuteCrossSlab:
		splits, err := routerSplits(v.Splits)
		if err != nil {
			return RouterResult{}, err
		}
		legs, err := d.coord.ExecuteCrossSlab(ctx, user, splits, now)
		return RouterResult{Legs: legs}, err

	case MultiSlabReserve:
		splits, err := routerSplits(v.Splits)
		if err != nil {
			return RouterResult{}, err
		}
		var ttl int64
		if v.ExpiryTs != 0 {
			ttl = int64(v.ExpiryTs) - now
		}
		id, legs, err := d.coord.MultiSlabReserve(ctx, user, splits, ttl, now)
		if err != nil {
			return RouterResult{}, err
		}
		return RouterResult{RequestID: id, Legs: legs}, nil

	case MultiSlabCommit:
		legs, err := d.coord.MultiSlabCommit(ctx, v.RequestID, now)
		return RouterResult{RequestID: v.RequestID, Legs: legs}, err

	case MultiSlabCancel:
		return RouterResult{RequestID: v.RequestID}, d.coord.MultiSlabCancel(ctx, v.RequestID, now)

	case GlobalLiquidation:
		target, err := d.portfolios.UserByAddress(custody.Address(v.Target))
		if err != nil {
			return RouterResult{}, err
		}
		gr, err := d.coord.GlobalLiquidation(ctx, target, now)
		if err != nil {
			return RouterResult{}, err
		}
		return RouterResult{Liquidation: &gr}, nil

	case MarkToMarket:
		mr, err := d.coord.MarkToMarket(ctx, user, now)
		if err != nil {
			return RouterResult{}, err
		}
		return RouterResult{Margin: &mr}, nil
	}
	return RouterResult{}, &UnknownDiscriminatorError{FamilyRouter, op.routerOp()}
}
