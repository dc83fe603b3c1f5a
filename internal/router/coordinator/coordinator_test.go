package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/router/custody"
	"github.com/percolata/percolator/internal/router/portfolio"
	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
)

const (
	S    = uint64(1_000_000)
	B    = uint64(1_000_000)
	usdc = "USDC"
)

func slabParams() engine.Params {
	p := engine.DefaultParams()
	p.OrdersCap = 256
	p.PositionsCap = 256
	p.ReservationsCap = 32
	p.SlicesCap = 128
	p.TradesCap = 64
	p.AccountsCap = 16
	p.AggressorCap = 16
	return p
}

// newSlabClient builds a slab quoting a DLP ask of askQty at askPx on symbol.
func newSlabClient(t *testing.T, symbol string, askPx, askQty uint64) *LocalClient {
	t.Helper()
	s, err := engine.New(slabParams(), zap.NewNop())
	require.NoError(t, err)
	_, err = s.Book().AddInstrument(symbol, 1, 1, 100*S, 0)
	require.NoError(t, err)

	maker, err := s.CreateAccount("maker")
	require.NoError(t, err)
	require.NoError(t, s.Deposit(maker, 100_000*S))
	if askQty > 0 {
		_, err = s.PostOrder(maker, 0, book.Sell, book.ClassDLP, askPx, askQty, 0)
		require.NoError(t, err)
	}
	return NewLocalClient(s)
}

func newCoordinator(t *testing.T) (*Coordinator, *custody.Custodian, *portfolio.Manager) {
	t.Helper()
	cust := custody.New(zap.NewNop())
	pm := portfolio.NewManager(portfolio.DefaultParams(), nil, zap.NewNop())
	c, err := New(cust, pm, usdc, zap.NewNop())
	require.NoError(t, err)
	return c, cust, pm
}

func fundUser(t *testing.T, ctx context.Context, c *Coordinator, pm *portfolio.Manager, clients []*LocalClient, user string, amount uint64) {
	t.Helper()
	pm.Create(user)
	require.NoError(t, pm.Credit(user, amount))
	for _, lc := range clients {
		require.NoError(t, lc.Deposit(ctx, user, amount))
	}
}

func TestRegisterSlabVersionCheck(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))
	assert.ErrorIs(t, c.RegisterSlab(ctx, 0, lc), ErrSlabExists)

	err := c.RegisterSlab(ctx, 1, badVersionClient{lc})
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

type badVersionClient struct{ SlabClient }

func (badVersionClient) Version(context.Context) (uint32, error) { return 99, nil }

func TestMultiSlabReserveCommit(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc0 := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	lc1 := newSlabClient(t, "ETH-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc0))
	require.NoError(t, c.RegisterSlab(ctx, 1, lc1))
	fundUser(t, ctx, c, pm, []*LocalClient{lc0, lc1}, "alice", 100_000*S)

	splits := []Split{
		{Slab: 0, Instrument: 0, Side: book.Buy, Qty: 10 * B},
		{Slab: 1, Instrument: 0, Side: book.Buy, Qty: 5 * B},
	}
	reqID, legs, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, 100*S, legs[0].VWAP)
	assert.Equal(t, "BTC-PERP", legs[0].Symbol)
	assert.Equal(t, int64(31_000), legs[0].ExpiryTs, "default 30s ttl")

	st, err := c.RequestState(reqID)
	require.NoError(t, err)
	assert.Equal(t, "held", st)

	committed, err := c.MultiSlabCommit(ctx, reqID, 2_000)
	require.NoError(t, err)
	assert.Len(t, committed, 2)

	st, err = c.RequestState(reqID)
	require.NoError(t, err)
	assert.Equal(t, "committed", st)

	// Both legs booked into the portfolio.
	p, err := pm.Get("alice")
	require.NoError(t, err)
	ex := p.Exposures()
	require.Len(t, ex, 2)
	assert.Equal(t, int64(10*B), ex[0].Qty)
	assert.Equal(t, int64(5*B), ex[1].Qty)

	// Committed requests cannot be committed or cancelled again.
	_, err = c.MultiSlabCommit(ctx, reqID, 3_000)
	assert.ErrorIs(t, err, ErrRequestNotHeld)
	assert.ErrorIs(t, c.MultiSlabCancel(ctx, reqID, 3_000), ErrRequestNotHeld)
}

func TestMultiSlabReserveRollsBackOnFailure(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc0 := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	lc1 := newSlabClient(t, "ETH-PERP", 100*S, 0) // empty book
	require.NoError(t, c.RegisterSlab(ctx, 0, lc0))
	require.NoError(t, c.RegisterSlab(ctx, 1, lc1))
	fundUser(t, ctx, c, pm, []*LocalClient{lc0, lc1}, "alice", 100_000*S)

	splits := []Split{
		{Slab: 0, Instrument: 0, Side: book.Buy, Qty: 10 * B},
		{Slab: 1, Instrument: 0, Side: book.Buy, Qty: 5 * B},
	}
	_, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
	assert.ErrorIs(t, err, engine.ErrInsufficientLiquidity)

	// The hold that landed on slab 0 was compensated away.
	assert.Zero(t, lc0.Slab().HoldsInUse())
	assert.Zero(t, lc1.Slab().HoldsInUse())
}

func TestMultiSlabReserveValidation(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))
	fundUser(t, ctx, c, pm, []*LocalClient{lc}, "alice", 100_000*S)

	_, _, err := c.MultiSlabReserve(ctx, "alice", nil, 0, 1_000)
	assert.ErrorIs(t, err, ErrNoSplits)

	many := make([]Split, MaxSlabsPerRequest+1)
	for i := range many {
		many[i] = Split{Slab: 0, Instrument: 0, Side: book.Buy, Qty: B}
	}
	_, _, err = c.MultiSlabReserve(ctx, "alice", many, 0, 1_000)
	assert.ErrorIs(t, err, ErrTooManySplits)

	_, _, err = c.MultiSlabReserve(ctx, "alice", []Split{{Slab: 7, Qty: B}}, 0, 1_000)
	assert.ErrorIs(t, err, ErrUnknownSlab)
}

func TestReserveTTLClamped(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))
	fundUser(t, ctx, c, pm, []*LocalClient{lc}, "alice", 100_000*S)

	splits := []Split{{Slab: 0, Instrument: 0, Side: book.Buy, Qty: B}}

	// Below the floor clamps up, above the ceiling clamps down.
	_, legs, err := c.MultiSlabReserve(ctx, "alice", splits, 1, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000+MinTTLMs), legs[0].ExpiryTs)

	_, legs, err = c.MultiSlabReserve(ctx, "alice", splits, 10_000_000, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000+MaxTTLMs), legs[0].ExpiryTs)
}

func TestMultiSlabReserveRejectsUndermargined(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))
	pm.Create("alice")
	require.NoError(t, pm.Credit("alice", 50*S))
	require.NoError(t, lc.Deposit(ctx, "alice", 100_000*S))

	// Notional 1000, router IM 10% = 100 vs 50 collateral.
	splits := []Split{{Slab: 0, Instrument: 0, Side: book.Buy, Qty: 10 * B}}
	_, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
	assert.ErrorIs(t, err, portfolio.ErrMarginExceeded)
	assert.Zero(t, lc.Slab().HoldsInUse(), "rejected before any slab was touched")
}

func TestMultiSlabCommitPartial(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc0 := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	lc1 := newSlabClient(t, "ETH-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc0))
	require.NoError(t, c.RegisterSlab(ctx, 1, lc1))
	fundUser(t, ctx, c, pm, []*LocalClient{lc0, lc1}, "alice", 100_000*S)

	splits := []Split{
		{Slab: 0, Instrument: 0, Side: book.Buy, Qty: 5 * B},
		{Slab: 1, Instrument: 0, Side: book.Buy, Qty: 5 * B},
	}
	reqID, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
	require.NoError(t, err)

	// Move slab 1's oracle outside the kill band so its commit is refused.
	require.NoError(t, lc1.Slab().SetOracle(0, 102*S, 102*S))

	committed, err := c.MultiSlabCommit(ctx, reqID, 2_000)
	var pce *PartialCommitError
	require.ErrorAs(t, err, &pce)
	assert.ErrorIs(t, err, engine.ErrStaleOracleKillBand)
	assert.Len(t, committed, 1)
	assert.Len(t, pce.Committed, 1)
	assert.Equal(t, uint32(1), pce.Failed.Slab)

	st, serr := c.RequestState(reqID)
	require.NoError(t, serr)
	assert.Equal(t, "partial", st)

	// Only the executed leg reached the portfolio.
	p, perr := pm.Get("alice")
	require.NoError(t, perr)
	require.Len(t, p.Exposures(), 1)
	assert.Equal(t, "BTC-PERP", p.Exposures()[0].Symbol)
}

func TestMultiSlabCancelReleasesHolds(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc0 := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	lc1 := newSlabClient(t, "ETH-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc0))
	require.NoError(t, c.RegisterSlab(ctx, 1, lc1))
	fundUser(t, ctx, c, pm, []*LocalClient{lc0, lc1}, "alice", 100_000*S)

	splits := []Split{
		{Slab: 0, Instrument: 0, Side: book.Buy, Qty: 5 * B},
		{Slab: 1, Instrument: 0, Side: book.Buy, Qty: 5 * B},
	}
	reqID, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
	require.NoError(t, err)

	require.NoError(t, c.MultiSlabCancel(ctx, reqID, 2_000))
	assert.Zero(t, lc0.Slab().HoldsInUse())
	assert.Zero(t, lc1.Slab().HoldsInUse())

	st, err := c.RequestState(reqID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", st)
}

func TestMultiSlabCancelToleratesExpiredHolds(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))
	fundUser(t, ctx, c, pm, []*LocalClient{lc}, "alice", 100_000*S)

	splits := []Split{{Slab: 0, Instrument: 0, Side: book.Buy, Qty: B}}
	reqID, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
	require.NoError(t, err)

	// Way past expiry: the slab reports the hold gone, cancel still succeeds.
	require.NoError(t, c.MultiSlabCancel(ctx, reqID, 1_000_000))

	st, err := c.RequestState(reqID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", st)
}

func TestExecuteCrossSlab(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))
	fundUser(t, ctx, c, pm, []*LocalClient{lc}, "alice", 100_000*S)

	legs, err := c.ExecuteCrossSlab(ctx, "alice",
		[]Split{{Slab: 0, Instrument: 0, Side: book.Buy, Qty: 10 * B}}, 1_000)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, 100*S, legs[0].VWAP)

	p, err := pm.Get("alice")
	require.NoError(t, err)
	require.Len(t, p.Exposures(), 1)
}

// flakyClient fails reserves with an infrastructure error.
type flakyClient struct {
	SlabClient
	err error
}

func (f flakyClient) Reserve(context.Context, string, uint8, book.Side, uint64, uint64, int64, int64) (engine.ReserveResult, error) {
	return engine.ReserveResult{}, f.err
}

func TestBreakerOpensOnInfrastructureFailures(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	infra := flakyClient{SlabClient: lc, err: errors.New("dial tcp: connection refused")}
	require.NoError(t, c.RegisterSlab(ctx, 0, infra))
	pm.Create("alice")
	require.NoError(t, pm.Credit("alice", 100_000*S))

	splits := []Split{{Slab: 0, Instrument: 0, Side: book.Buy, Qty: B}}
	for i := 0; i < 5; i++ {
		_, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	_, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerIgnoresDomainErrors(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	rejecting := flakyClient{SlabClient: lc, err: engine.ErrInsufficientLiquidity}
	require.NoError(t, c.RegisterSlab(ctx, 0, rejecting))
	pm.Create("alice")
	require.NoError(t, pm.Credit("alice", 100_000*S))

	splits := []Split{{Slab: 0, Instrument: 0, Side: book.Buy, Qty: B}}
	for i := 0; i < 20; i++ {
		_, _, err := c.MultiSlabReserve(ctx, "alice", splits, 0, 1_000)
		assert.ErrorIs(t, err, engine.ErrInsufficientLiquidity)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
}

func TestFundSlabAccountViaCapability(t *testing.T) {
	c, cust, _ := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))

	cust.Deposit("alice", usdc, 1_000*S)
	_, err := cust.Pledge("alice", 0, usdc, 800*S)
	require.NoError(t, err)
	tok, err := cust.Mint("alice", 0, usdc, 500*S, 60, 1, 1_000)
	require.NoError(t, err)

	require.NoError(t, c.FundSlabAccount(ctx, "alice", 0, tok.Address, 300*S, 1_010))

	idx, err := lc.AccountFor("alice")
	require.NoError(t, err)
	acct, err := lc.Slab().Account(idx)
	require.NoError(t, err)
	assert.Equal(t, int64(300*S), acct.Collateral)
	assert.Equal(t, uint64(500*S), cust.EscrowBalance("alice", 0, usdc))
	assert.Equal(t, uint64(200*S), tok.Remaining)

	// Scope violations never move funds.
	err = c.FundSlabAccount(ctx, "alice", 0, custody.Address{}, 10*S, 1_020)
	assert.ErrorIs(t, err, custody.ErrUnauthorizedCapability)
}

func TestGlobalLiquidationGuard(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))
	fundUser(t, ctx, c, pm, []*LocalClient{lc}, "alice", 100_000*S)

	_, err := c.GlobalLiquidation(ctx, "alice", 1_000)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestGlobalLiquidationClosesPortfolio(t *testing.T) {
	c, _, pm := newCoordinator(t)
	ctx := context.Background()

	lc := newSlabClient(t, "BTC-PERP", 100*S, 10*B)
	require.NoError(t, c.RegisterSlab(ctx, 0, lc))

	pm.Create("victim")
	require.NoError(t, pm.Credit("victim", 110*S))
	require.NoError(t, lc.Deposit(ctx, "victim", 60*S))

	// Long 10 at 100 on the slab.
	_, err := c.ExecuteCrossSlab(ctx, "victim",
		[]Split{{Slab: 0, Instrument: 0, Side: book.Buy, Qty: 10 * B}}, 1_000)
	require.NoError(t, err)

	// Crash the mark. Router equity 110 - 100 = 10 under net MM 45; the slab
	// is underwater too. Post a bid so the slab close has a book to hit.
	require.NoError(t, lc.Slab().SetOracle(0, 90*S, 90*S))
	maker, merr := lc.AccountFor("maker")
	require.NoError(t, merr)
	_, err = lc.Slab().PostOrder(maker, 0, book.Buy, book.ClassDLP, 90*S, 10*B, 2_000)
	require.NoError(t, err)

	res, err := c.GlobalLiquidation(ctx, "victim", 3_000)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, res.Slabs)
	assert.NotZero(t, res.ClosedNotional)

	p, perr := pm.Get("victim")
	require.NoError(t, perr)
	assert.Empty(t, p.Exposures(), "portfolio flattened after liquidation")
}
