// Package custody is the router's asset ledger. User funds sit in per-asset
// vaults; funds pledged to a slab move into (user, slab, asset) escrows; and
// the ONLY way anything leaves an escrow toward a slab is a debit against a
// minted capability. Capabilities are scoped to exactly one escrow, carry a
// hard TTL, and their remaining allowance only ever decreases.
package custody

import (
	"errors"

	"go.uber.org/zap"
)

var (
	ErrUnauthorizedCapability = errors.New("unauthorized capability")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrUnknownEscrow          = errors.New("unknown escrow")
	ErrInvalidTTL             = errors.New("invalid capability ttl")
	ErrNonceReplayed          = errors.New("capability nonce replayed")
)

// MaxCapabilityTTLSec bounds how long a capability can stay redeemable.
const MaxCapabilityTTLSec = 120

// Escrow is funds a user pledged to one slab in one asset.
type Escrow struct {
	Address Address
	User    string
	Slab    uint32
	Asset   string
	Balance uint64
}

// Capability authorizes debits from exactly one escrow. Expiry is lazy: the
// first time an expired capability is presented, its remaining allowance is
// zeroed for good.
type Capability struct {
	Address   Address
	User      string
	Slab      uint32
	Asset     string
	Remaining uint64
	ExpiryTs  int64
	Nonce     uint64
	Revoked   bool
}

type balKey struct {
	user  string
	asset string
}

type escrowKey struct {
	user  string
	slab  uint32
	asset string
}

// Custodian owns all vault, escrow and capability records.
type Custodian struct {
	log      *zap.Logger
	balances map[balKey]uint64
	vaults   map[string]uint64 // per-asset vault totals
	escrows  map[escrowKey]*Escrow
	caps     map[Address]*Capability
	nonces   map[string]uint64 // highest mint nonce seen per user
}

// New builds an empty custodian.
func New(log *zap.Logger) *Custodian {
	if log == nil {
		log = zap.NewNop()
	}
	return &Custodian{
		log:      log.Named("custody"),
		balances: make(map[balKey]uint64),
		vaults:   make(map[string]uint64),
		escrows:  make(map[escrowKey]*Escrow),
		caps:     make(map[Address]*Capability),
		nonces:   make(map[string]uint64),
	}
}

// Deposit credits a user's free vault balance.
func (c *Custodian) Deposit(user, asset string, amount uint64) {
	c.balances[balKey{user, asset}] += amount
	c.vaults[asset] += amount
	c.log.Info("deposit",
		zap.String("user", user),
		zap.String("asset", asset),
		zap.Uint64("amount", amount))
}

// Withdraw debits a user's free vault balance. Margin gating happens in the
// portfolio layer before this is called.
func (c *Custodian) Withdraw(user, asset string, amount uint64) error {
	k := balKey{user, asset}
	if c.balances[k] < amount {
		return ErrInsufficientFunds
	}
	c.balances[k] -= amount
	c.vaults[asset] -= amount
	c.log.Info("withdraw",
		zap.String("user", user),
		zap.String("asset", asset),
		zap.Uint64("amount", amount))
	return nil
}

// Balance returns a user's free vault balance.
func (c *Custodian) Balance(user, asset string) uint64 {
	return c.balances[balKey{user, asset}]
}

// VaultTotal returns the asset total held across all users.
func (c *Custodian) VaultTotal(asset string) uint64 { return c.vaults[asset] }

// Pledge moves free balance into the (user, slab, asset) escrow.
func (c *Custodian) Pledge(user string, slab uint32, asset string, amount uint64) (*Escrow, error) {
	bk := balKey{user, asset}
	if c.balances[bk] < amount {
		return nil, ErrInsufficientFunds
	}
	ek := escrowKey{user, slab, asset}
	e, ok := c.escrows[ek]
	if !ok {
		e = &Escrow{
			Address: EscrowAddress(user, slab, asset),
			User:    user,
			Slab:    slab,
			Asset:   asset,
		}
		c.escrows[ek] = e
	}
	c.balances[bk] -= amount
	e.Balance += amount
	return e, nil
}

// Release moves escrowed funds back to the user's free balance.
func (c *Custodian) Release(user string, slab uint32, asset string, amount uint64) error {
	e, ok := c.escrows[escrowKey{user, slab, asset}]
	if !ok {
		return ErrUnknownEscrow
	}
	if e.Balance < amount {
		return ErrInsufficientFunds
	}
	e.Balance -= amount
	c.balances[balKey{user, asset}] += amount
	return nil
}

// EscrowBalance returns what the user has pledged to a slab.
func (c *Custodian) EscrowBalance(user string, slab uint32, asset string) uint64 {
	if e, ok := c.escrows[escrowKey{user, slab, asset}]; ok {
		return e.Balance
	}
	return 0
}

// Mint creates a capability over an existing escrow. The nonce must be
// strictly increasing per user; a replayed nonce is rejected outright.
func (c *Custodian) Mint(user string, slab uint32, asset string, amount uint64, ttlSec int64, nonce uint64, now int64) (*Capability, error) {
	if ttlSec <= 0 || ttlSec > MaxCapabilityTTLSec {
		return nil, ErrInvalidTTL
	}
	if nonce <= c.nonces[user] {
		return nil, ErrNonceReplayed
	}
	e, ok := c.escrows[escrowKey{user, slab, asset}]
	if !ok {
		return nil, ErrUnknownEscrow
	}
	if amount == 0 || amount > e.Balance {
		return nil, ErrInsufficientFunds
	}
	c.nonces[user] = nonce
	tok := &Capability{
		Address:   CapabilityAddress(user, slab, asset, nonce),
		User:      user,
		Slab:      slab,
		Asset:     asset,
		Remaining: amount,
		ExpiryTs:  now + ttlSec,
		Nonce:     nonce,
	}
	c.caps[tok.Address] = tok
	c.log.Debug("capability minted",
		zap.String("user", user),
		zap.Uint32("slab", slab),
		zap.Uint64("amount", amount),
		zap.Int64("expiry", tok.ExpiryTs))
	return tok, nil
}

// Debit redeems part of a capability toward its slab. The debit is bounded
// by both the capability's remaining allowance and the escrow balance, and
// must match the capability's (slab, asset) scope exactly.
func (c *Custodian) Debit(capAddr Address, slab uint32, asset string, amount uint64, now int64) error {
	tok, ok := c.caps[capAddr]
	if !ok || tok.Revoked {
		return ErrUnauthorizedCapability
	}
	if now >= tok.ExpiryTs {
		tok.Remaining = 0
		return ErrUnauthorizedCapability
	}
	if tok.Slab != slab || tok.Asset != asset {
		return ErrUnauthorizedCapability
	}
	e, ok := c.escrows[escrowKey{tok.User, tok.Slab, tok.Asset}]
	if !ok {
		return ErrUnknownEscrow
	}
	if amount == 0 || amount > tok.Remaining || amount > e.Balance {
		return ErrUnauthorizedCapability
	}
	tok.Remaining -= amount
	e.Balance -= amount
	c.vaults[asset] -= amount
	return nil
}

// Revoke invalidates a capability early. Only its owner may revoke it.
func (c *Custodian) Revoke(capAddr Address, user string) error {
	tok, ok := c.caps[capAddr]
	if !ok || tok.User != user {
		return ErrUnauthorizedCapability
	}
	tok.Revoked = true
	return nil
}

// Capability returns a minted capability by address.
func (c *Custodian) Capability(capAddr Address) (*Capability, bool) {
	tok, ok := c.caps[capAddr]
	return tok, ok
}
