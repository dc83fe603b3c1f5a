package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/router/coordinator"
	"github.com/percolata/percolator/internal/router/custody"
	"github.com/percolata/percolator/internal/router/portfolio"
	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/internal/slab/insurance"
)

const dS = uint64(1_000_000) // 1.0 in fixed point

func newDispatchSlab(t *testing.T) *engine.Slab {
	t.Helper()
	p := engine.DefaultParams()
	p.OrdersCap = 128
	p.PositionsCap = 128
	p.ReservationsCap = 16
	p.SlicesCap = 64
	p.TradesCap = 32
	p.AccountsCap = 8
	p.AggressorCap = 8
	s, err := engine.New(p, zap.NewNop())
	require.NoError(t, err)
	return s
}

func mustEncodeSlab(t *testing.T, op SlabOp) []byte {
	t.Helper()
	buf, err := EncodeSlab(op)
	require.NoError(t, err)
	return buf
}

func mustEncodeRouter(t *testing.T, op RouterOp) []byte {
	t.Helper()
	buf, err := EncodeRouter(op)
	require.NoError(t, err)
	return buf
}

func TestSlabDispatcherTradeFlow(t *testing.T) {
	s := newDispatchSlab(t)
	d := NewSlabDispatcher(s, "slab-authority")

	res, err := d.Dispatch(mustEncodeSlab(t, AddInstrument{
		Symbol: PadSymbol("BTC-PERP"), TickSize: 1, LotSize: 1, MarkPx: 100 * dS,
	}), 0, 0)
	require.NoError(t, err)
	instr := res.Instrument

	maker, err := s.CreateAccount("maker")
	require.NoError(t, err)
	taker, err := s.CreateAccount("taker")
	require.NoError(t, err)
	require.NoError(t, s.Deposit(maker, 100_000*dS))
	require.NoError(t, s.Deposit(taker, 100_000*dS))
	_, err = s.PostOrder(maker, instr, book.Sell, book.ClassDLP, 100*dS, 10*dS, 0)
	require.NoError(t, err)

	res, err = d.Dispatch(mustEncodeSlab(t, Reserve{
		Instrument: instr, Side: SideBuy, Qty: 4 * dS,
	}), taker, 1_000)
	require.NoError(t, err)
	require.NotNil(t, res.Hold)
	assert.Equal(t, 100*dS, res.Hold.VWAP)

	cres, err := d.Dispatch(mustEncodeSlab(t, Commit{HoldID: res.Hold.HoldID}), taker, 1_100)
	require.NoError(t, err)
	require.NotNil(t, cres.Commit)
	assert.Equal(t, 4*dS, cres.Commit.Qty)

	// The hold is spent; cancelling it now fails.
	_, err = d.Dispatch(mustEncodeSlab(t, Cancel{HoldID: res.Hold.HoldID}), taker, 1_200)
	assert.ErrorIs(t, err, engine.ErrInvalidOrExpiredHold)

	pos := s.Positions(taker)
	require.Len(t, pos, 1)
	assert.Equal(t, int64(4*dS), pos[0].Qty)
}

func TestSlabDispatcherRejectsBadSide(t *testing.T) {
	s := newDispatchSlab(t)
	d := NewSlabDispatcher(s, "slab-authority")

	_, err := d.Dispatch(mustEncodeSlab(t, Reserve{Instrument: 0, Side: 7, Qty: dS}), 0, 0)
	var se *SideError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint8(7), se.Got)
}

func TestSlabDispatcherInsuranceFlow(t *testing.T) {
	s := newDispatchSlab(t)
	d := NewSlabDispatcher(s, "slab-authority")

	_, err := d.Dispatch(mustEncodeSlab(t, UpdateInsuranceConfig{
		ContributionRateBps: 25, ADLThresholdBps: 50, TimelockSec: 60,
	}), 0, 0)
	require.NoError(t, err)

	_, err = d.Dispatch(mustEncodeSlab(t, ContributeInsurance{Amount: 1_000}), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), s.Insurance().Balance())

	_, err = d.Dispatch(mustEncodeSlab(t, InitiateInsuranceWithdrawal{Amount: 400}), 0, 20)
	require.NoError(t, err)

	_, err = d.Dispatch(mustEncodeSlab(t, CompleteInsuranceWithdrawal{}), 0, 30)
	assert.ErrorIs(t, err, insurance.ErrWithdrawalLocked)

	res, err := d.Dispatch(mustEncodeSlab(t, CompleteInsuranceWithdrawal{}), 0, 90)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), res.Withdrawn)
	assert.Equal(t, uint64(600), s.Insurance().Balance())
}

func TestRouterDispatcherFlow(t *testing.T) {
	ctx := context.Background()
	s := newDispatchSlab(t)
	lc := coordinator.NewLocalClient(s)
	cust := custody.New(zap.NewNop())
	pm := portfolio.NewManager(portfolio.DefaultParams(), nil, zap.NewNop())
	coord, err := coordinator.New(cust, pm, "USDC", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, coord.RegisterSlab(ctx, 0, lc))

	// Market plus resting liquidity on the slab.
	_, err = s.Book().AddInstrument("BTC-PERP", 1, 1, 100*dS, 0)
	require.NoError(t, err)
	maker, err := s.CreateAccount("maker")
	require.NoError(t, err)
	require.NoError(t, s.Deposit(maker, 100_000*dS))
	_, err = s.PostOrder(maker, 0, book.Sell, book.ClassDLP, 100*dS, 10*dS, 0)
	require.NoError(t, err)

	d := NewRouterDispatcher(coord, pm)

	_, err = d.Dispatch(ctx, "alice", mustEncodeRouter(t, InitializePortfolio{}), 1_000)
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "alice", mustEncodeRouter(t, Deposit{Amount: 10_000 * dS}), 1_000)
	require.NoError(t, err)
	assert.Equal(t, 10_000*dS, cust.Balance("alice", "USDC"))
	require.NoError(t, lc.Deposit(ctx, "alice", 10_000*dS))

	res, err := d.Dispatch(ctx, "alice", mustEncodeRouter(t, MultiSlabReserve{
		Splits:   []Split{{Slab: 0, Instrument: 0, Side: SideBuy, Qty: 2 * dS}},
		TotalQty: 2 * dS,
	}), 1_000)
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.NotZero(t, res.RequestID)

	cres, err := d.Dispatch(ctx, "alice", mustEncodeRouter(t, MultiSlabCommit{RequestID: res.RequestID}), 1_100)
	require.NoError(t, err)
	require.Len(t, cres.Legs, 1)
	assert.Equal(t, 100*dS, cres.Legs[0].VWAP)

	state, err := coord.RequestState(res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "committed", state)

	mres, err := d.Dispatch(ctx, "alice", mustEncodeRouter(t, MarkToMarket{}), 1_200)
	require.NoError(t, err)
	require.NotNil(t, mres.Margin)

	_, err = d.Dispatch(ctx, "alice", mustEncodeRouter(t, Withdraw{Amount: 1_000 * dS}), 1_300)
	require.NoError(t, err)
	assert.Equal(t, 9_000*dS, cust.Balance("alice", "USDC"))
}

func TestRouterDispatcherResolvesLiquidationTarget(t *testing.T) {
	ctx := context.Background()
	cust := custody.New(zap.NewNop())
	pm := portfolio.NewManager(portfolio.DefaultParams(), nil, zap.NewNop())
	coord, err := coordinator.New(cust, pm, "USDC", zap.NewNop())
	require.NoError(t, err)
	d := NewRouterDispatcher(coord, pm)

	var unknown [32]byte
	unknown[0] = 0xde
	_, err = d.Dispatch(ctx, "ops", mustEncodeRouter(t, GlobalLiquidation{Target: unknown}), 1_000)
	assert.ErrorIs(t, err, portfolio.ErrUnknownPortfolio)

	// A healthy portfolio resolves by address but is not liquidatable.
	pm.Create("bob")
	addr := custody.PortfolioAddress("bob")
	_, err = d.Dispatch(ctx, "ops", mustEncodeRouter(t, GlobalLiquidation{Target: [32]byte(addr)}), 1_000)
	assert.ErrorIs(t, err, coordinator.ErrNotLiquidatable)
}
