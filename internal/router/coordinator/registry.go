package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/router/custody"
	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/engine"
	"github.com/percolata/percolator/internal/slab/pool"
)

// RequiredSlabVersion is the execution interface version the router speaks.
// A slab reporting anything else is refused at registration.
const RequiredSlabVersion = uint32(1)

// InstrumentInfo is the router-visible description of a slab market.
type InstrumentInfo struct {
	Index  uint8
	Symbol string
	MarkPx uint64
}

// SlabClient is the router's view of one slab. Implementations resolve the
// router user to their slab-local account.
type SlabClient interface {
	Version(ctx context.Context) (uint32, error)
	Instruments(ctx context.Context) ([]InstrumentInfo, error)
	Deposit(ctx context.Context, user string, amount uint64) error
	Reserve(ctx context.Context, user string, instrument uint8, side book.Side, qty, limitPx uint64, ttlMs, now int64) (engine.ReserveResult, error)
	Commit(ctx context.Context, holdID uint64, now int64) (engine.CommitResult, error)
	Cancel(ctx context.Context, holdID uint64, now int64) error
	Liquidate(ctx context.Context, user string, now int64) (engine.LiquidationResult, error)
}

// LocalClient adapts an in-process slab engine to the SlabClient interface.
type LocalClient struct {
	slab     *engine.Slab
	accounts map[string]uint32
}

// NewLocalClient wraps a slab engine.
func NewLocalClient(s *engine.Slab) *LocalClient {
	return &LocalClient{slab: s, accounts: make(map[string]uint32)}
}

// AccountFor resolves (creating on first use) the user's slab account.
func (c *LocalClient) AccountFor(user string) (uint32, error) {
	if idx, ok := c.accounts[user]; ok {
		return idx, nil
	}
	idx, err := c.slab.CreateAccount(user)
	if err != nil {
		return 0, err
	}
	c.accounts[user] = idx
	return idx, nil
}

// Slab exposes the wrapped engine, for tests and local tooling.
func (c *LocalClient) Slab() *engine.Slab { return c.slab }

func (c *LocalClient) Version(context.Context) (uint32, error) {
	return RequiredSlabVersion, nil
}

func (c *LocalClient) Instruments(context.Context) ([]InstrumentInfo, error) {
	b := c.slab.Book()
	out := make([]InstrumentInfo, 0, b.NumInstruments())
	for i := 0; i < b.NumInstruments(); i++ {
		in, err := b.Instrument(uint8(i))
		if err != nil {
			return nil, err
		}
		out = append(out, InstrumentInfo{Index: uint8(i), Symbol: in.Symbol, MarkPx: in.MarkPx})
	}
	return out, nil
}

func (c *LocalClient) Deposit(_ context.Context, user string, amount uint64) error {
	idx, err := c.AccountFor(user)
	if err != nil {
		return err
	}
	return c.slab.Deposit(idx, amount)
}

func (c *LocalClient) Reserve(_ context.Context, user string, instrument uint8, side book.Side, qty, limitPx uint64, ttlMs, now int64) (engine.ReserveResult, error) {
	idx, err := c.AccountFor(user)
	if err != nil {
		return engine.ReserveResult{}, err
	}
	return c.slab.Reserve(engine.ReserveParams{
		Account:    idx,
		Instrument: instrument,
		Side:       side,
		Qty:        qty,
		LimitPx:    limitPx,
		TTLMs:      ttlMs,
		Now:        now,
	})
}

func (c *LocalClient) Commit(_ context.Context, holdID uint64, now int64) (engine.CommitResult, error) {
	return c.slab.Commit(holdID, now)
}

func (c *LocalClient) Cancel(_ context.Context, holdID uint64, now int64) error {
	return c.slab.Cancel(holdID, now)
}

func (c *LocalClient) Liquidate(_ context.Context, user string, now int64) (engine.LiquidationResult, error) {
	idx, err := c.AccountFor(user)
	if err != nil {
		return engine.LiquidationResult{}, err
	}
	return c.slab.Liquidate(idx, now)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		engine.ErrInsufficientLiquidity,
		engine.ErrInvalidOrExpiredHold,
		engine.ErrTTLOutOfRange,
		engine.ErrMarginExceeded,
		engine.ErrStaleOracleKillBand,
		engine.ErrNotLiquidatable,
		engine.ErrMarketFrozen,
		pool.ErrCapacityExhausted,
		book.ErrInvalidQuantity,
		book.ErrInvalidPrice,
		book.ErrUnknownInstrument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// slabEntry is one registered slab plus its circuit breaker. The breaker
// trips after repeated failures so a sick slab cannot stall every multi-slab
// request that touches it.
type slabEntry struct {
	index   uint32
	address custody.Address
	client  SlabClient
	breaker *gobreaker.CircuitBreaker
}

func newSlabEntry(index uint32, client SlabClient, log *zap.Logger) *slabEntry {
	settings := gobreaker.Settings{
		Name:        "slab-" + custody.SlabAddress(index).String(),
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Business rejections are healthy responses; only transport-level
		// failures should open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || isDomainError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("slab breaker state change",
				zap.String("slab", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &slabEntry{
		index:   index,
		address: custody.SlabAddress(index),
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (e *slabEntry) reserve(ctx context.Context, user string, instrument uint8, side book.Side, qty, limitPx uint64, ttlMs, now int64) (engine.ReserveResult, error) {
	v, err := e.breaker.Execute(func() (interface{}, error) {
		return e.client.Reserve(ctx, user, instrument, side, qty, limitPx, ttlMs, now)
	})
	if err != nil {
		return engine.ReserveResult{}, err
	}
	return v.(engine.ReserveResult), nil
}

func (e *slabEntry) commit(ctx context.Context, holdID uint64, now int64) (engine.CommitResult, error) {
	v, err := e.breaker.Execute(func() (interface{}, error) {
		return e.client.Commit(ctx, holdID, now)
	})
	if err != nil {
		return engine.CommitResult{}, err
	}
	return v.(engine.CommitResult), nil
}

func (e *slabEntry) cancel(ctx context.Context, holdID uint64, now int64) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.client.Cancel(ctx, holdID, now)
	})
	return err
}
