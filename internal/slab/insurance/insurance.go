// Package insurance implements the per-slab insurance fund. The fund absorbs
// liquidation shortfalls before any auto-deleveraging happens and keeps an
// auditable trail: lifetime totals, a bounded event ring and a timelocked
// withdrawal path for the fund authority.
package insurance

import (
	"errors"

	"github.com/percolata/percolator/pkg/fixed"
)

var (
	ErrUnauthorized        = errors.New("insurance: unauthorized")
	ErrWithdrawalLocked    = errors.New("insurance: withdrawal still timelocked")
	ErrNoPendingWithdrawal = errors.New("insurance: no pending withdrawal")
	ErrWithdrawalPending   = errors.New("insurance: withdrawal already pending")
	ErrInvalidConfig       = errors.New("insurance: invalid config")
	ErrInsufficientBalance = errors.New("insurance: insufficient balance")
)

const (
	// MaxContributionRateBps caps the share of liquidation proceeds routed in.
	MaxContributionRateBps = 100

	// EventRingSize bounds the retained event history.
	EventRingSize = 100

	// ADL priority components are each capped at 5000.
	adlROICapBps      = 5_000
	adlLeverageCapBps = 5_000
)

// Config holds fund parameters.
type Config struct {
	Authority             string
	ContributionRateBps   uint64
	ADLThresholdBps       uint64 // deficit vs open interest that forces ADL
	WithdrawalTimelockSec int64
}

// EventKind labels ring entries.
type EventKind uint8

const (
	EventContribution EventKind = iota
	EventPayout
	EventShortfall
	EventADL
	EventWithdrawal
)

// Event is one fund movement.
type Event struct {
	Ts     int64
	Kind   EventKind
	Amount uint64
}

// Stats is a read-only snapshot of fund health.
type Stats struct {
	Balance            uint64
	TotalContributions uint64
	TotalPayouts       uint64
	ContributionCount  uint64
	PayoutCount        uint64
	MaxSinglePayout    uint64
	ShortfallEvents    uint64
	ADLEvents          uint64
	PendingWithdrawal  uint64
	WithdrawalUnlockTs int64
}

// Pool is the insurance fund for one slab.
type Pool struct {
	cfg     Config
	balance uint64

	totalContributions uint64
	totalPayouts       uint64
	contributionCount  uint64
	payoutCount        uint64
	maxSinglePayout    uint64
	shortfallEvents    uint64
	adlEvents          uint64

	pendingWithdrawal  uint64
	withdrawalUnlockTs int64

	events [EventRingSize]Event
	evHead int
	evLen  int
}

// NewPool validates cfg and returns an empty fund.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.ContributionRateBps > MaxContributionRateBps {
		return nil, ErrInvalidConfig
	}
	if cfg.WithdrawalTimelockSec <= 0 {
		return nil, ErrInvalidConfig
	}
	return &Pool{cfg: cfg}, nil
}

// Config returns the active configuration.
func (p *Pool) Config() Config { return p.cfg }

// Balance returns the current fund balance.
func (p *Pool) Balance() uint64 { return p.balance }

// UpdateConfig replaces parameters. Authority only.
func (p *Pool) UpdateConfig(authority string, cfg Config) error {
	if authority != p.cfg.Authority {
		return ErrUnauthorized
	}
	if cfg.ContributionRateBps > MaxContributionRateBps || cfg.WithdrawalTimelockSec <= 0 {
		return ErrInvalidConfig
	}
	p.cfg = cfg
	return nil
}

// Contribute credits the fund.
func (p *Pool) Contribute(amount uint64, now int64) error {
	bal, err := fixed.Add(p.balance, amount)
	if err != nil {
		return err
	}
	p.balance = bal
	p.totalContributions = fixed.ClampAdd(p.totalContributions, int64(amount))
	p.contributionCount++
	p.record(Event{Ts: now, Kind: EventContribution, Amount: amount})
	return nil
}

// ContributionFor returns the fund's cut of a liquidation amount.
func (p *Pool) ContributionFor(notional uint64) uint64 {
	c, err := fixed.ApplyBps(notional, p.cfg.ContributionRateBps)
	if err != nil {
		return 0
	}
	return c
}

// Payout draws up to amount from the fund to cover a liquidation deficit.
// Returns what was actually paid and the uncovered shortfall.
func (p *Pool) Payout(amount uint64, now int64) (paid, shortfall uint64) {
	paid = amount
	if paid > p.balance {
		paid = p.balance
		shortfall = amount - paid
		p.shortfallEvents++
		p.record(Event{Ts: now, Kind: EventShortfall, Amount: shortfall})
	}
	p.balance -= paid
	p.totalPayouts = fixed.ClampAdd(p.totalPayouts, int64(paid))
	p.payoutCount++
	if paid > p.maxSinglePayout {
		p.maxSinglePayout = paid
	}
	if paid > 0 {
		p.record(Event{Ts: now, Kind: EventPayout, Amount: paid})
	}
	return paid, shortfall
}

// ShouldTriggerADL reports whether a deficit is large enough, relative to
// open interest, that auto-deleveraging must run even if the fund could pay.
func (p *Pool) ShouldTriggerADL(deficit, openInterestNotional uint64) bool {
	if deficit > p.balance {
		return true
	}
	if openInterestNotional == 0 {
		return false
	}
	threshold, err := fixed.ApplyBps(openInterestNotional, p.cfg.ADLThresholdBps)
	if err != nil {
		return true
	}
	return deficit >= threshold
}

// RecordADL counts an auto-deleverage event.
func (p *Pool) RecordADL(amount uint64, now int64) {
	p.adlEvents++
	p.record(Event{Ts: now, Kind: EventADL, Amount: amount})
}

// InitiateWithdrawal starts the timelock for an authority withdrawal.
func (p *Pool) InitiateWithdrawal(authority string, amount uint64, now int64) error {
	if authority != p.cfg.Authority {
		return ErrUnauthorized
	}
	if p.pendingWithdrawal != 0 {
		return ErrWithdrawalPending
	}
	if amount == 0 || amount > p.balance {
		return ErrInsufficientBalance
	}
	p.pendingWithdrawal = amount
	p.withdrawalUnlockTs = now + p.cfg.WithdrawalTimelockSec
	return nil
}

// CompleteWithdrawal releases the pending amount once the timelock expires.
func (p *Pool) CompleteWithdrawal(authority string, now int64) (uint64, error) {
	if authority != p.cfg.Authority {
		return 0, ErrUnauthorized
	}
	if p.pendingWithdrawal == 0 {
		return 0, ErrNoPendingWithdrawal
	}
	if now < p.withdrawalUnlockTs {
		return 0, ErrWithdrawalLocked
	}
	amount := p.pendingWithdrawal
	if amount > p.balance {
		// The fund paid claims during the timelock; claims win.
		amount = p.balance
	}
	p.balance -= amount
	p.pendingWithdrawal = 0
	p.withdrawalUnlockTs = 0
	p.record(Event{Ts: now, Kind: EventWithdrawal, Amount: amount})
	return amount, nil
}

// CancelWithdrawal aborts a pending withdrawal.
func (p *Pool) CancelWithdrawal(authority string) error {
	if authority != p.cfg.Authority {
		return ErrUnauthorized
	}
	if p.pendingWithdrawal == 0 {
		return ErrNoPendingWithdrawal
	}
	p.pendingWithdrawal = 0
	p.withdrawalUnlockTs = 0
	return nil
}

// Stats returns a snapshot of the fund counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Balance:            p.balance,
		TotalContributions: p.totalContributions,
		TotalPayouts:       p.totalPayouts,
		ContributionCount:  p.contributionCount,
		PayoutCount:        p.payoutCount,
		MaxSinglePayout:    p.maxSinglePayout,
		ShortfallEvents:    p.shortfallEvents,
		ADLEvents:          p.adlEvents,
		PendingWithdrawal:  p.pendingWithdrawal,
		WithdrawalUnlockTs: p.withdrawalUnlockTs,
	}
}

// Events returns the retained history, oldest first.
func (p *Pool) Events() []Event {
	out := make([]Event, 0, p.evLen)
	for i := 0; i < p.evLen; i++ {
		out = append(out, p.events[(p.evHead+i)%EventRingSize])
	}
	return out
}

func (p *Pool) record(e Event) {
	if p.evLen < EventRingSize {
		p.events[(p.evHead+p.evLen)%EventRingSize] = e
		p.evLen++
		return
	}
	p.events[p.evHead] = e
	p.evHead = (p.evHead + 1) % EventRingSize
}

// ADLPriority scores a position for deleveraging. Profitable, highly
// leveraged positions go first. Both components are capped so neither can
// dominate the ordering on its own.
func ADLPriority(roiBps int64, leverageBps uint64) uint64 {
	score := uint64(0)
	if roiBps > 0 {
		r := uint64(roiBps)
		if r > adlROICapBps {
			r = adlROICapBps
		}
		score += r
	}
	lev := leverageBps / 10 // 10x leverage (100_000 bps) scores 10_000 pre-cap
	if lev > adlLeverageCapBps {
		lev = adlLeverageCapBps
	}
	return score + lev
}
