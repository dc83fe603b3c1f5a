// Package engine implements the slab execution core: two-phase
// reserve/commit/cancel against the order book, per-account margin, funding,
// liquidation with insurance backing, and the anti-toxicity controls (oracle
// kill band, JIT maker penalty, aggressor round-trip tax).
//
// All state lives in pools sized at construction. Operations either complete
// fully or leave the slab untouched; validation happens before mutation and
// the reserve walk rolls its locks back on failure.
package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/percolata/percolator/internal/slab/book"
	"github.com/percolata/percolator/internal/slab/insurance"
	"github.com/percolata/percolator/internal/slab/pool"
	"github.com/percolata/percolator/pkg/fixed"
)

var (
	ErrInsufficientLiquidity     = errors.New("insufficient liquidity")
	ErrInvalidOrExpiredHold      = errors.New("invalid or expired hold")
	ErrTTLOutOfRange             = errors.New("ttl out of range")
	ErrMarginExceeded            = errors.New("margin exceeded")
	ErrStaleOracleKillBand       = errors.New("oracle outside kill band")
	ErrFundingIntervalNotElapsed = errors.New("funding interval not elapsed")
	ErrNotLiquidatable           = errors.New("account not liquidatable")
	ErrUnknownAccount            = errors.New("unknown account")
	ErrInsufficientCollateral    = errors.New("insufficient collateral")
	ErrMarketFrozen              = errors.New("market frozen")
)

// Params fixes every capacity and risk constant for a slab. Capacities are
// final once the slab is built.
type Params struct {
	OrdersCap       int
	PositionsCap    int
	ReservationsCap int
	SlicesCap       int
	TradesCap       int
	AccountsCap     int
	AggressorCap    int
	MaxInstruments  int

	IMRBps uint64
	MMRBps uint64

	MakerRebateBps uint64
	TakerFeeBps    uint64

	KillBandBps      uint64
	JITMakerMinAgeMs int64
	ARGTaxBps        uint64
	BatchWindowMs    int64
	MaxFreezeLevel   uint8
	FreezeWindowMs   int64

	MinTTLMs     int64
	MaxTTLMs     int64
	DefaultTTLMs int64

	FundingIntervalSec int64

	MaxPriceImpactBps  uint64
	LiquidationFeeBps  uint64
	MaxLiquidationLegs int

	Insurance insurance.Config
}

// DefaultParams returns the stock slab configuration.
func DefaultParams() Params {
	return Params{
		OrdersCap:       30_000,
		PositionsCap:    30_000,
		ReservationsCap: 4_000,
		SlicesCap:       16_000,
		TradesCap:       10_000,
		AccountsCap:     5_000,
		AggressorCap:    4_000,
		MaxInstruments:  8,

		IMRBps: 500,
		MMRBps: 250,

		MakerRebateBps: 5,
		TakerFeeBps:    20,

		KillBandBps:      100,
		JITMakerMinAgeMs: 50,
		ARGTaxBps:        50,
		BatchWindowMs:    100,
		MaxFreezeLevel:   3,
		FreezeWindowMs:   1_000,

		MinTTLMs:     5_000,
		MaxTTLMs:     120_000,
		DefaultTTLMs: 30_000,

		FundingIntervalSec: 3_600,

		MaxPriceImpactBps:  500,
		LiquidationFeeBps:  50,
		MaxLiquidationLegs: 16,

		Insurance: insurance.Config{
			Authority:             "slab-authority",
			ContributionRateBps:   25,
			ADLThresholdBps:       50,
			WithdrawalTimelockSec: 7 * 24 * 3600,
		},
	}
}

// Account is one trading account on the slab. Accounts are never recycled.
type Account struct {
	Owner      string
	Collateral int64 // 1e6 quote units, may go negative on bad fills
	FeePaid    uint64
	positions  pool.Handle // head of the per-account position chain
}

// Position is signed exposure in one instrument. Positive qty is long.
type Position struct {
	Account        uint32
	Instrument     uint8
	Qty            int64
	EntryPx        uint64
	CumFundingSnap int64

	next pool.Handle
}

// Slice is one locked fragment of a resting order, owned by a reservation.
// Commit executes it at Price, the maker's original resting price.
type Slice struct {
	Order pool.Handle
	Maker uint32
	Price uint64
	Qty   uint64

	next pool.Handle
}

// Reservation is an active hold over book liquidity.
type Reservation struct {
	HoldID        uint64
	Account       uint32
	Instrument    uint8
	Side          book.Side
	Qty           uint64
	VWAP          uint64
	WorstPx       uint64
	MarkAtReserve uint64
	CreatedAt     int64
	ExpiryTs      int64

	slices pool.Handle
}

// Trade is one committed fill, retained in a bounded ring.
type Trade struct {
	Seq        uint64
	Instrument uint8
	TakerSide  book.Side
	Price      uint64
	Qty        uint64
	Taker      uint32
	Maker      uint32
	Ts         int64
}

// aggressor tracks per-epoch round-trip volume for the ARG tax.
type aggressor struct {
	account    uint32
	instrument uint8
	epoch      uint64
	bought     uint64
	sold       uint64
	taxedRT    uint64 // round-trip qty already taxed this epoch
}

// Slab is one independent matching shard.
type Slab struct {
	params Params
	log    *zap.Logger

	book      *book.Book
	insurance *insurance.Pool

	accounts     []Account
	positions    *pool.Pool[Position]
	reservations *pool.Pool[Reservation]
	slices       *pool.Pool[Slice]
	aggressors   *pool.Pool[aggressor]

	trades    []Trade
	tradeHead int
	tradeLen  int
	tradeSeq  uint64

	nextHoldID     uint64
	feeRevenue     int64 // net taker fees minus maker rebates
	socializedLoss uint64
	obs            Observer
}

// Observer receives engine notifications. All methods must be cheap and
// non-blocking; a nil observer is valid.
type Observer interface {
	OnTrade(t Trade)
	OnQuote(instrument uint8, symbol string, q book.Quote)
}

// New builds a slab from params.
func New(params Params, log *zap.Logger) (*Slab, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ins, err := insurance.NewPool(params.Insurance)
	if err != nil {
		return nil, err
	}
	return &Slab{
		params:       params,
		log:          log.Named("slab"),
		book:         book.New(log, params.OrdersCap, params.MaxInstruments),
		insurance:    ins,
		accounts:     make([]Account, 0, params.AccountsCap),
		positions:    pool.New[Position](params.PositionsCap),
		reservations: pool.New[Reservation](params.ReservationsCap),
		slices:       pool.New[Slice](params.SlicesCap),
		aggressors:   pool.New[aggressor](params.AggressorCap),
		trades:       make([]Trade, params.TradesCap),
		nextHoldID:   1,
	}, nil
}

// SetObserver attaches a market data observer.
func (s *Slab) SetObserver(obs Observer) { s.obs = obs }

// Params returns the slab configuration.
func (s *Slab) Params() Params { return s.params }

// Book exposes the order book for read-side consumers.
func (s *Slab) Book() *book.Book { return s.book }

// Insurance exposes the insurance fund.
func (s *Slab) Insurance() *insurance.Pool { return s.insurance }

// FeeRevenue returns accrued net fees.
func (s *Slab) FeeRevenue() int64 { return s.feeRevenue }

// SocializedLoss returns bad debt that neither the insurance fund nor ADL
// absorbed.
func (s *Slab) SocializedLoss() uint64 { return s.socializedLoss }

// CreateAccount registers a trading account and returns its index.
func (s *Slab) CreateAccount(owner string) (uint32, error) {
	if len(s.accounts) >= cap(s.accounts) {
		return 0, pool.ErrCapacityExhausted
	}
	s.accounts = append(s.accounts, Account{Owner: owner})
	return uint32(len(s.accounts) - 1), nil
}

// Account returns the account record for idx.
func (s *Slab) Account(idx uint32) (*Account, error) {
	if int(idx) >= len(s.accounts) {
		return nil, ErrUnknownAccount
	}
	return &s.accounts[idx], nil
}

// Deposit credits collateral.
func (s *Slab) Deposit(idx uint32, amount uint64) error {
	a, err := s.Account(idx)
	if err != nil {
		return err
	}
	col, err := fixed.AddUnsigned(a.Collateral, amount)
	if err != nil {
		return err
	}
	a.Collateral = col
	return nil
}

// Withdraw debits collateral, refusing anything that would leave the account
// under initial margin.
func (s *Slab) Withdraw(idx uint32, amount uint64) error {
	a, err := s.Account(idx)
	if err != nil {
		return err
	}
	eq, im, _, err := s.marginState(idx)
	if err != nil {
		return err
	}
	rem, err := fixed.SubUnsigned(eq, amount)
	if err != nil {
		return err
	}
	if rem < 0 || rem < int64(im) {
		return ErrInsufficientCollateral
	}
	col, err := fixed.SubUnsigned(a.Collateral, amount)
	if err != nil {
		return err
	}
	a.Collateral = col
	return nil
}

func (s *Slab) recordTrade(t Trade) {
	s.tradeSeq++
	t.Seq = s.tradeSeq
	if s.tradeLen < len(s.trades) {
		s.trades[(s.tradeHead+s.tradeLen)%len(s.trades)] = t
		s.tradeLen++
	} else {
		s.trades[s.tradeHead] = t
		s.tradeHead = (s.tradeHead + 1) % len(s.trades)
	}
	if s.obs != nil {
		s.obs.OnTrade(t)
	}
}

// Trades returns the retained trade history, oldest first.
func (s *Slab) Trades() []Trade {
	out := make([]Trade, 0, s.tradeLen)
	for i := 0; i < s.tradeLen; i++ {
		out = append(out, s.trades[(s.tradeHead+i)%len(s.trades)])
	}
	return out
}

func (s *Slab) notifyQuote(instr uint8) {
	if s.obs == nil {
		return
	}
	in, err := s.book.Instrument(instr)
	if err != nil {
		return
	}
	s.obs.OnQuote(instr, in.Symbol, in.Quote())
}
