package custody

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Address identifies a custody record. Addresses are derived, not assigned:
// the same seed and keys always produce the same address.
type Address [32]byte

func (a Address) String() string { return hex.EncodeToString(a[:8]) }

// Hex returns the full address encoding.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// Derive hashes a seed plus keys into an address.
func Derive(seed string, keys ...[]byte) Address {
	h := sha256.New()
	h.Write([]byte(seed))
	for _, k := range keys {
		h.Write(k)
	}
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

func u32key(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func u64key(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// RegistryAddress is the singleton slab registry record.
func RegistryAddress() Address { return Derive("registry") }

// VaultAddress is the shared custody vault for one asset.
func VaultAddress(asset string) Address { return Derive("vault", []byte(asset)) }

// PortfolioAddress is a user's cross-slab portfolio record.
func PortfolioAddress(user string) Address { return Derive("portfolio", []byte(user)) }

// SlabAddress is a registered slab's record.
func SlabAddress(index uint32) Address { return Derive("slab", u32key(index)) }

// InsuranceAddress is a slab's insurance fund record.
func InsuranceAddress(slab uint32) Address { return Derive("insurance", u32key(slab)) }

// EscrowAddress is the (user, slab, asset) escrow record.
func EscrowAddress(user string, slab uint32, asset string) Address {
	return Derive("escrow", []byte(user), u32key(slab), []byte(asset))
}

// CapabilityAddress is a minted capability's record. The nonce makes every
// mint distinct.
func CapabilityAddress(user string, slab uint32, asset string, nonce uint64) Address {
	return Derive("capability", []byte(user), u32key(slab), []byte(asset), u64key(nonce))
}
