package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/pool"
	"github.com/percolata/percolator/pkg/fixed"
)

const (
	S = uint64(1_000_000) // 1.0 price unit in fixed point
	B = uint64(1_000_000) // 1.0 base unit in fixed point
)

func testParams() Params {
	p := DefaultParams()
	p.OrdersCap = 256
	p.PositionsCap = 256
	p.ReservationsCap = 32
	p.SlicesCap = 128
	p.TradesCap = 64
	p.AccountsCap = 16
	p.AggressorCap = 16
	return p
}

func newTestSlab(t *testing.T, mutate func(*Params)) *Slab {
	t.Helper()
	p := testParams()
	if mutate != nil {
		mutate(&p)
	}
	s, err := New(p, zap.NewNop())
	require.NoError(t, err)
	return s
}

// setupMarket creates one instrument plus a funded maker and taker, with the
// maker quoting a DLP ask of askQty at askPx.
func setupMarket(t *testing.T, s *Slab, askPx, askQty uint64) (instr uint8, maker, taker uint32) {
	t.Helper()
	instr, err := s.book.AddInstrument("BTC-PERP", 1, 1, 100*S, 0)
	require.NoError(t, err)

	maker, err = s.CreateAccount("maker")
	require.NoError(t, err)
	taker, err = s.CreateAccount("taker")
	require.NoError(t, err)
	require.NoError(t, s.Deposit(maker, 100_000*S))
	require.NoError(t, s.Deposit(taker, 100_000*S))

	if askQty > 0 {
		_, err = s.PostOrder(maker, instr, book.Sell, book.ClassDLP, askPx, askQty, 0)
		require.NoError(t, err)
	}
	return instr, maker, taker
}

func TestReserveCommitHappyPath(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, taker := setupMarket(t, s, 100*S, 10*B)

	res, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000,
	})
	require.NoError(t, err)
	assert.Equal(t, 100*S, res.VWAP)
	assert.Equal(t, 100*S, res.WorstPx)
	assert.Equal(t, 1, res.Slices)
	assert.Equal(t, int64(1_000+30_000), res.ExpiryTs, "default ttl")

	cr, err := s.Commit(res.HoldID, 2_000)
	require.NoError(t, err)
	assert.Equal(t, 10*B, cr.Qty)
	assert.Equal(t, 1, cr.Fills)
	assert.Equal(t, 1_000*S, cr.Notional)
	assert.Equal(t, 2*S, cr.TakerFee, "20 bps of 1000")

	takerPos := s.Positions(taker)
	require.Len(t, takerPos, 1)
	assert.Equal(t, int64(10*B), takerPos[0].Qty)
	assert.Equal(t, 100*S, takerPos[0].EntryPx)

	makerPos := s.Positions(maker)
	require.Len(t, makerPos, 1)
	assert.Equal(t, -int64(10*B), makerPos[0].Qty)

	// Committed hold is gone.
	_, err = s.Commit(res.HoldID, 3_000)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredHold)

	assert.Len(t, s.Trades(), 1)
}

func TestCommitExecutesAtMakerPrices(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, taker := setupMarket(t, s, 100*S, 5*B)
	_, err := s.PostOrder(maker, instr, book.Sell, book.ClassDLP, 101*S, 5*B, 0)
	require.NoError(t, err)

	res, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000,
	})
	require.NoError(t, err)
	// VWAP = (5*100 + 5*101)/10 = 100.5
	assert.Equal(t, uint64(100_500_000), res.VWAP)
	assert.Equal(t, 101*S, res.WorstPx)
	assert.Equal(t, 2, res.Slices)

	cr, err := s.Commit(res.HoldID, 1_100)
	require.NoError(t, err)
	assert.Equal(t, 2, cr.Fills)

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, 100*S, trades[0].Price, "fill at resting price, not VWAP")
	assert.Equal(t, 101*S, trades[1].Price)
}

func TestCancelRestoresAvailability(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	res, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000,
	})
	require.NoError(t, err)

	// Locked: a second full reserve fails.
	_, err = s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000,
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	require.NoError(t, s.Cancel(res.HoldID, 1_500))

	// Released: reservable again.
	res2, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 2_000,
	})
	require.NoError(t, err)
	assert.Equal(t, 10*B, res2.Qty)

	assert.ErrorIs(t, s.Cancel(res.HoldID, 2_000), ErrInvalidOrExpiredHold)
}

func TestExpiredHoldReleasesLazily(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	res, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, TTLMs: 5_000, Now: 1_000,
	})
	require.NoError(t, err)

	// Commit exactly at expiry fails and releases the hold.
	_, err = s.Commit(res.HoldID, 6_000)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredHold)
	assert.Equal(t, 0, s.HoldsInUse())

	// Liquidity is back.
	_, err = s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 6_100,
	})
	assert.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	for i := 0; i < 3; i++ {
		_, err := s.Reserve(ReserveParams{
			Account: taker, Instrument: instr, Side: book.Buy, Qty: 2 * B, TTLMs: 5_000, Now: 1_000,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.HoldsInUse())

	assert.Equal(t, 0, s.SweepExpired(2_000, 10), "nothing expired yet")
	assert.Equal(t, 2, s.SweepExpired(7_000, 2), "bounded by max")
	assert.Equal(t, 1, s.SweepExpired(7_000, 10))
	assert.Equal(t, 0, s.HoldsInUse())
}

func TestInsufficientLiquidityLeavesBookUntouched(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	_, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 11 * B, Now: 1_000,
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	// The failed walk rolled its partial locks back.
	in, err := s.book.Instrument(instr)
	require.NoError(t, err)
	assert.Equal(t, 10*B, in.Quote().AskQty)
	assert.Equal(t, 0, s.HoldsInUse())

	res, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000,
	})
	require.NoError(t, err)
	assert.Equal(t, 10*B, res.Qty)
}

func TestReserveLimitPrice(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, taker := setupMarket(t, s, 100*S, 5*B)
	_, err := s.PostOrder(maker, instr, book.Sell, book.ClassDLP, 105*S, 5*B, 0)
	require.NoError(t, err)

	// Limit 100 only reaches the first level.
	_, err = s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, LimitPx: 100 * S, Now: 1_000,
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	res, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 5 * B, LimitPx: 100 * S, Now: 1_000,
	})
	require.NoError(t, err)
	assert.Equal(t, 100*S, res.WorstPx)
}

func TestReserveTTLBounds(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	_, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: B, TTLMs: 4_999, Now: 0,
	})
	assert.ErrorIs(t, err, ErrTTLOutOfRange)

	_, err = s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: B, TTLMs: 120_001, Now: 0,
	})
	assert.ErrorIs(t, err, ErrTTLOutOfRange)
}

func TestReserveSkipsOwnOrders(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, _ := setupMarket(t, s, 100*S, 10*B)

	_, err := s.Reserve(ReserveParams{
		Account: maker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000,
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity, "own liquidity is invisible")
}

func TestKillBandBlocksCommitButKeepsHold(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	res, err := s.Reserve(ReserveParams{
		Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000,
	})
	require.NoError(t, err)

	// Mark moves 2%, band is 1%.
	require.NoError(t, s.SetOracle(instr, 102*S, 102*S))
	_, err = s.Commit(res.HoldID, 2_000)
	assert.ErrorIs(t, err, ErrStaleOracleKillBand)
	assert.Equal(t, 1, s.HoldsInUse(), "hold survives the rejection")

	// Oracle returns inside the band: the same hold commits.
	require.NoError(t, s.SetOracle(instr, 100*S+S/2, 100*S))
	_, err = s.Commit(res.HoldID, 3_000)
	assert.NoError(t, err)
}

func TestMarginCheckBlocksReserve(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, _ := setupMarket(t, s, 100*S, 1_000*B)

	poor, err := s.CreateAccount("poor")
	require.NoError(t, err)
	require.NoError(t, s.Deposit(poor, 1*S))

	// 1000 units * 100 = 100_000 notional, IM 5% = 5_000 >> 1.
	_, err = s.Reserve(ReserveParams{
		Account: poor, Instrument: instr, Side: book.Buy, Qty: 1_000 * B, Now: 1_000,
	})
	assert.ErrorIs(t, err, ErrMarginExceeded)
}

func TestWithdrawRespectsInitialMargin(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	res, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 0})
	require.NoError(t, err)
	_, err = s.Commit(res.HoldID, 100)
	require.NoError(t, err)

	// IM on the open position is 50; draining to below it fails.
	a, err := s.Account(taker)
	require.NoError(t, err)
	over := uint64(a.Collateral) - 10*S
	assert.ErrorIs(t, s.Withdraw(taker, over), ErrInsufficientCollateral)
	assert.NoError(t, s.Withdraw(taker, 1_000*S))
}

func TestBatchGatesRegularMakers(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, taker := setupMarket(t, s, 0, 0)

	_, err := s.PostOrder(maker, instr, book.Sell, book.ClassRegular, 100*S, 10*B, 0)
	require.NoError(t, err)

	// Not reservable before the batch opens.
	_, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 50})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	results := s.BatchOpen(100)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Promoted)

	_, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 150})
	assert.NoError(t, err)

	st, err := s.BatchStatusOf(instr, 150)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Epoch)
	assert.Equal(t, int64(200), st.NextOpenTs)
}

func TestFreezeBlocksReserve(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	require.NoError(t, s.FreezeMarket(instr, 1_000))
	_, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: B, Now: 1_500})
	assert.ErrorIs(t, err, ErrMarketFrozen)

	// Thaws at the next batch open past the window.
	s.BatchOpen(2_100)
	_, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: B, Now: 2_200})
	assert.NoError(t, err)
}

func TestJITMakerEarnsNoRebate(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, taker := setupMarket(t, s, 0, 0)

	// Old quote earns the rebate, a just-in-time quote does not.
	_, err := s.PostOrder(maker, instr, book.Sell, book.ClassDLP, 100*S, 5*B, 0)
	require.NoError(t, err)

	res, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 5 * B, Now: 1_000})
	require.NoError(t, err)
	cr, err := s.Commit(res.HoldID, 1_000)
	require.NoError(t, err)
	assert.Equal(t, 25*S/100, cr.Rebates, "5 bps of 500")

	// JIT: posted 10ms before commit, below the 50ms minimum age.
	_, err = s.PostOrder(maker, instr, book.Sell, book.ClassDLP, 100*S, 5*B, 1_990)
	require.NoError(t, err)
	res, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 5 * B, Now: 1_995})
	require.NoError(t, err)
	cr, err = s.Commit(res.HoldID, 2_000)
	require.NoError(t, err)
	assert.Zero(t, cr.Rebates)
}

func TestARGTaxOnRoundTrip(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, taker := setupMarket(t, s, 100*S, 50*B)
	_, err := s.PostOrder(maker, instr, book.Buy, book.ClassDLP, 99*S, 50*B, 0)
	require.NoError(t, err)

	// Leg one: buy. No round trip yet, no tax.
	res, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 10 * B, Now: 1_000})
	require.NoError(t, err)
	cr, err := s.Commit(res.HoldID, 1_000)
	require.NoError(t, err)
	assert.Zero(t, cr.ARGTax)

	// Leg two in the same epoch: sell completes a 10-unit round trip.
	res, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Sell, Qty: 10 * B, Now: 1_010})
	require.NoError(t, err)
	cr, err = s.Commit(res.HoldID, 1_010)
	require.NoError(t, err)
	// 50 bps of the round-tripped notional (10 units at 99).
	assert.Equal(t, uint64(4_950_000), cr.ARGTax)

	// New epoch resets the tracker.
	s.BatchOpen(2_000)
	res, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 5 * B, Now: 2_010})
	require.NoError(t, err)
	cr, err = s.Commit(res.HoldID, 2_010)
	require.NoError(t, err)
	assert.Zero(t, cr.ARGTax)
}

func TestHoldCapacityExhaustionRecoverable(t *testing.T) {
	s := newTestSlab(t, func(p *Params) { p.ReservationsCap = 1 })
	instr, _, taker := setupMarket(t, s, 100*S, 10*B)

	res, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: B, Now: 0})
	require.NoError(t, err)

	_, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: B, Now: 0})
	assert.ErrorIs(t, err, pool.ErrCapacityExhausted)

	require.NoError(t, s.Cancel(res.HoldID, 100))
	_, err = s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: B, Now: 200})
	assert.NoError(t, err)
}

func TestDepositOverflowRejected(t *testing.T) {
	s := newTestSlab(t, nil)
	acct, err := s.CreateAccount("whale")
	require.NoError(t, err)
	require.NoError(t, s.Deposit(acct, 5*S))

	// A deposit past the signed range must fail, not wrap negative.
	err = s.Deposit(acct, 1<<63)
	assert.ErrorIs(t, err, fixed.ErrArithmeticOverflow)

	a, err := s.Account(acct)
	require.NoError(t, err)
	assert.Equal(t, int64(5*S), a.Collateral)
}

func TestCommitFundingOverflowLeavesHoldIntact(t *testing.T) {
	s := newTestSlab(t, nil)
	instr, maker, taker := setupMarket(t, s, 100*S, 10*B)

	res, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 5 * B, Now: 1_000})
	require.NoError(t, err)
	_, err = s.Commit(res.HoldID, 1_100)
	require.NoError(t, err)

	res2, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 5 * B, Now: 2_000})
	require.NoError(t, err)

	// Corrupt the maker's funding snapshot so its settlement overflows
	// mid-commit, after the taker side has already been worked.
	_, mp, found := s.findPosition(maker, instr)
	require.True(t, found)
	mp.CumFundingSnap = math.MinInt64

	ta, err := s.Account(taker)
	require.NoError(t, err)
	ma, err := s.Account(maker)
	require.NoError(t, err)
	takerCol, makerCol := ta.Collateral, ma.Collateral

	_, err = s.Commit(res2.HoldID, 2_100)
	require.ErrorIs(t, err, fixed.ErrArithmeticOverflow)

	// Nothing moved: positions still net flat across the two parties and
	// no collateral was touched.
	takerPos := s.Positions(taker)
	require.Len(t, takerPos, 1)
	assert.Equal(t, int64(5*B), takerPos[0].Qty)
	makerPos := s.Positions(maker)
	require.Len(t, makerPos, 1)
	assert.Equal(t, -int64(5*B), makerPos[0].Qty)
	assert.Equal(t, takerCol, ta.Collateral)
	assert.Equal(t, makerCol, ma.Collateral)
	assert.Len(t, s.Trades(), 1)

	// The hold survives the failed commit and cancels cleanly; once the
	// snapshot is repaired the same flow commits.
	require.NoError(t, s.Cancel(res2.HoldID, 2_200))
	mp.CumFundingSnap = 0

	res3, err := s.Reserve(ReserveParams{Account: taker, Instrument: instr, Side: book.Buy, Qty: 5 * B, Now: 3_000})
	require.NoError(t, err)
	cr, err := s.Commit(res3.HoldID, 3_100)
	require.NoError(t, err)
	assert.Equal(t, 5*B, cr.Qty)
}
