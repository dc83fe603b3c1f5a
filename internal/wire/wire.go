// Package wire implements the discriminator-routed binary operation codec.
// Every operation is one discriminator byte followed by fixed-width
// little-endian fields. Variable-length sections (splits, hold id lists)
// carry a one-byte count and are bounded, so a decoded operation has a known
// maximum size. Decoding is strict: a buffer that is too short, too long, or
// carries an unknown discriminator is rejected with a typed error.
package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Operation families. The router and the slab each own a discriminator space.
const (
	FamilyRouter = "router"
	FamilySlab   = "slab"
)

// Router discriminators.
const (
	RouterOpInitialize uint8 = iota
	RouterOpInitializePortfolio
	RouterOpDeposit
	RouterOpWithdraw
	RouterOpExecuteCrossSlab
	RouterOpMultiSlabReserve
	RouterOpMultiSlabCommit
	RouterOpMultiSlabCancel
	RouterOpGlobalLiquidation
	RouterOpMarkToMarket
)

// Slab discriminators.
const (
	SlabOpReserve uint8 = iota
	SlabOpCommit
	SlabOpCancel
	SlabOpBatchOpen
	SlabOpInitialize
	SlabOpAddInstrument
	SlabOpUpdateFunding
	SlabOpLiquidation
	SlabOpInitializeInsurance
	SlabOpContributeInsurance
	SlabOpInitiateInsuranceWithdrawal
	SlabOpCompleteInsuranceWithdrawal
	SlabOpCancelInsuranceWithdrawal
	SlabOpUpdateInsuranceConfig
)

// MaxSplits bounds the split list of a multi-slab operation.
const MaxSplits = 8

// MaxHoldIDs bounds the hold list of a commit.
const MaxHoldIDs = 8

// SymbolLen is the fixed width of an instrument symbol on the wire.
// Shorter symbols are zero-padded.
const SymbolLen = 12

// Side codes.
const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1
)

// UnknownDiscriminatorError reports a discriminator outside the family's
// operation space.
type UnknownDiscriminatorError struct {
	Family        string
	Discriminator uint8
}

func (e *UnknownDiscriminatorError) Error() string {
	return fmt.Sprintf("wire: unknown %s discriminator %d", e.Family, e.Discriminator)
}

// LengthError reports a payload whose size does not match its operation.
type LengthError struct {
	Family        string
	Discriminator uint8
	Want, Got     int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("wire: %s op %d wants %d payload bytes, got %d",
		e.Family, e.Discriminator, e.Want, e.Got)
}

// CountError reports a variable-length section exceeding its bound.
type CountError struct {
	Family        string
	Discriminator uint8
	Max, Got      int
}

func (e *CountError) Error() string {
	return fmt.Sprintf("wire: %s op %d carries %d entries, max %d",
		e.Family, e.Discriminator, e.Got, e.Max)
}

// SideError reports a side byte outside the Buy/Sell codes.
type SideError struct {
	Got uint8
}

func (e *SideError) Error() string {
	return fmt.Sprintf("wire: bad side %d", e.Got)
}

// SplitTotalError reports a multi-slab reserve whose declared total does not
// equal the sum of its split quantities.
type SplitTotalError struct {
	Total uint64
	Sum   uint64
}

func (e *SplitTotalError) Error() string {
	return fmt.Sprintf("wire: declared total %d, splits sum to %d", e.Total, e.Sum)
}

// Split is one leg of a multi-slab operation on the wire.
type Split struct {
	Slab       uint8
	Instrument uint8
	Side       uint8
	Qty        uint64
	LimitPx    uint64
}

// RouterOp is any decoded router operation.
type RouterOp interface {
	routerOp() uint8
}

// SlabOp is any decoded slab operation.
type SlabOp interface {
	slabOp() uint8
}

// Router operations.
type (
	Initialize          struct{}
	InitializePortfolio struct{}
	Deposit             struct{ Amount uint64 }
	Withdraw            struct{ Amount uint64 }
	ExecuteCrossSlab    struct{ Splits []Split }
	MultiSlabReserve    struct {
		Splits    []Split
		TotalQty  uint64 // must equal the sum of split quantities
		RequestID uint64
		ExpiryTs  uint64
	}
	MultiSlabCommit struct {
		RequestID uint64
		HoldIDs   []uint64
	}
	MultiSlabCancel   struct{ RequestID uint64 }
	GlobalLiquidation struct{ Target [32]byte }
	MarkToMarket      struct{}
)

func (Initialize) routerOp() uint8          { return RouterOpInitialize }
func (InitializePortfolio) routerOp() uint8 { return RouterOpInitializePortfolio }
func (Deposit) routerOp() uint8             { return RouterOpDeposit }
func (Withdraw) routerOp() uint8            { return RouterOpWithdraw }
func (ExecuteCrossSlab) routerOp() uint8    { return RouterOpExecuteCrossSlab }
func (MultiSlabReserve) routerOp() uint8    { return RouterOpMultiSlabReserve }
func (MultiSlabCommit) routerOp() uint8     { return RouterOpMultiSlabCommit }
func (MultiSlabCancel) routerOp() uint8     { return RouterOpMultiSlabCancel }
func (GlobalLiquidation) routerOp() uint8   { return RouterOpGlobalLiquidation }
func (MarkToMarket) routerOp() uint8        { return RouterOpMarkToMarket }

// Slab operations.
type (
	Reserve struct {
		Instrument uint8
		Side       uint8
		Price      uint64
		Qty        uint64
		TIF        uint8
		RequestID  uint64
		ExpiryTs   uint64
	}
	Commit        struct{ HoldID uint64 }
	Cancel        struct{ HoldID uint64 }
	BatchOpen     struct{}
	SlabInit      struct{}
	AddInstrument struct {
		Symbol   [SymbolLen]byte
		TickSize uint64
		LotSize  uint64
		MarkPx   uint64
	}
	UpdateFunding struct {
		Instrument uint8
		MarkPx     uint64
		IndexPx    uint64
		Now        uint64
	}
	Liquidation         struct{ Account uint32 }
	InitializeInsurance struct {
		ContributionRateBps uint64
		ADLThresholdBps     uint64
		TimelockSec         uint64
	}
	ContributeInsurance         struct{ Amount uint64 }
	InitiateInsuranceWithdrawal struct{ Amount uint64 }
	CompleteInsuranceWithdrawal struct{}
	CancelInsuranceWithdrawal   struct{}
	UpdateInsuranceConfig       struct {
		ContributionRateBps uint64
		ADLThresholdBps     uint64
		TimelockSec         uint64
	}
)

func (Reserve) slabOp() uint8                     { return SlabOpReserve }
func (Commit) slabOp() uint8                      { return SlabOpCommit }
func (Cancel) slabOp() uint8                      { return SlabOpCancel }
func (BatchOpen) slabOp() uint8                   { return SlabOpBatchOpen }
func (SlabInit) slabOp() uint8                    { return SlabOpInitialize }
func (AddInstrument) slabOp() uint8               { return SlabOpAddInstrument }
func (UpdateFunding) slabOp() uint8               { return SlabOpUpdateFunding }
func (Liquidation) slabOp() uint8                 { return SlabOpLiquidation }
func (InitializeInsurance) slabOp() uint8         { return SlabOpInitializeInsurance }
func (ContributeInsurance) slabOp() uint8         { return SlabOpContributeInsurance }
func (InitiateInsuranceWithdrawal) slabOp() uint8 { return SlabOpInitiateInsuranceWithdrawal }
func (CompleteInsuranceWithdrawal) slabOp() uint8 { return SlabOpCompleteInsuranceWithdrawal }
func (CancelInsuranceWithdrawal) slabOp() uint8   { return SlabOpCancelInsuranceWithdrawal }
func (UpdateInsuranceConfig) slabOp() uint8       { return SlabOpUpdateInsuranceConfig }

// checkTotal verifies the declared total against the sum of split
// quantities.
func (v MultiSlabReserve) checkTotal() error {
	var sum uint64
	for _, sp := range v.Splits {
		s, carry := bits.Add64(sum, sp.Qty, 0)
		if carry != 0 {
			return &SplitTotalError{Total: v.TotalQty, Sum: sum}
		}
		sum = s
	}
	if sum != v.TotalQty {
		return &SplitTotalError{Total: v.TotalQty, Sum: sum}
	}
	return nil
}

// Symbol converts a padded wire symbol back to a string.
func Symbol(b [SymbolLen]byte) string {
	n := 0
	for n < SymbolLen && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// PadSymbol converts a symbol string to its wire form, truncating at
// SymbolLen bytes.
func PadSymbol(s string) [SymbolLen]byte {
	var out [SymbolLen]byte
	copy(out[:], s)
	return out
}

func appendU64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendSplits(buf []byte, splits []Split) []byte {
	buf = append(buf, uint8(len(splits)))
	for _, sp := range splits {
		buf = append(buf, sp.Slab, sp.Instrument, sp.Side)
		buf = appendU64(buf, sp.Qty)
		buf = appendU64(buf, sp.LimitPx)
	}
	return buf
}

// EncodeRouter serializes a router operation.
func EncodeRouter(op RouterOp) ([]byte, error) {
	disc := op.routerOp()
	buf := []byte{disc}
	switch v := op.(type) {
	case Initialize, InitializePortfolio, MarkToMarket:
	case Deposit:
		buf = appendU64(buf, v.Amount)
	case Withdraw:
		buf = appendU64(buf, v.Amount)
	case ExecuteCrossSlab:
		if len(v.Splits) > MaxSplits {
			return nil, &CountError{FamilyRouter, disc, MaxSplits, len(v.Splits)}
		}
		buf = appendSplits(buf, v.Splits)
	case MultiSlabReserve:
		if len(v.Splits) > MaxSplits {
			return nil, &CountError{FamilyRouter, disc, MaxSplits, len(v.Splits)}
		}
		if err := v.checkTotal(); err != nil {
			return nil, err
		}
		buf = appendSplits(buf, v.Splits)
		buf = appendU64(buf, v.TotalQty)
		buf = appendU64(buf, v.RequestID)
		buf = appendU64(buf, v.ExpiryTs)
	case MultiSlabCommit:
		if len(v.HoldIDs) > MaxHoldIDs {
			return nil, &CountError{FamilyRouter, disc, MaxHoldIDs, len(v.HoldIDs)}
		}
		buf = appendU64(buf, v.RequestID)
		buf = append(buf, uint8(len(v.HoldIDs)))
		for _, h := range v.HoldIDs {
			buf = appendU64(buf, h)
		}
	case MultiSlabCancel:
		buf = appendU64(buf, v.RequestID)
	case GlobalLiquidation:
		buf = append(buf, v.Target[:]...)
	default:
		return nil, &UnknownDiscriminatorError{FamilyRouter, disc}
	}
	return buf, nil
}

// EncodeSlab serializes a slab operation.
func EncodeSlab(op SlabOp) ([]byte, error) {
	disc := op.slabOp()
	buf := []byte{disc}
	switch v := op.(type) {
	case BatchOpen, SlabInit, CompleteInsuranceWithdrawal, CancelInsuranceWithdrawal:
	case Reserve:
		buf = append(buf, v.Instrument, v.Side)
		buf = appendU64(buf, v.Price)
		buf = appendU64(buf, v.Qty)
		buf = append(buf, v.TIF)
		buf = appendU64(buf, v.RequestID)
		buf = appendU64(buf, v.ExpiryTs)
	case Commit:
		buf = appendU64(buf, v.HoldID)
	case Cancel:
		buf = appendU64(buf, v.HoldID)
	case AddInstrument:
		buf = append(buf, v.Symbol[:]...)
		buf = appendU64(buf, v.TickSize)
		buf = appendU64(buf, v.LotSize)
		buf = appendU64(buf, v.MarkPx)
	case UpdateFunding:
		buf = append(buf, v.Instrument)
		buf = appendU64(buf, v.MarkPx)
		buf = appendU64(buf, v.IndexPx)
		buf = appendU64(buf, v.Now)
	case Liquidation:
		buf = binary.LittleEndian.AppendUint32(buf, v.Account)
	case InitializeInsurance:
		buf = appendU64(buf, v.ContributionRateBps)
		buf = appendU64(buf, v.ADLThresholdBps)
		buf = appendU64(buf, v.TimelockSec)
	case ContributeInsurance:
		buf = appendU64(buf, v.Amount)
	case InitiateInsuranceWithdrawal:
		buf = appendU64(buf, v.Amount)
	case UpdateInsuranceConfig:
		buf = appendU64(buf, v.ContributionRateBps)
		buf = appendU64(buf, v.ADLThresholdBps)
		buf = appendU64(buf, v.TimelockSec)
	default:
		return nil, &UnknownDiscriminatorError{FamilySlab, disc}
	}
	return buf, nil
}

// reader walks a payload, tracking underflow.
type reader struct {
	buf   []byte
	pos   int
	short bool
}

func (r *reader) u8() uint8 {
	if r.pos+1 > len(r.buf) {
		r.short = true
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u32() uint32 {
	if r.pos+4 > len(r.buf) {
		r.short = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.pos+8 > len(r.buf) {
		r.short = true
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.pos+n > len(r.buf) {
		r.short = true
		return nil
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v
}

// finish rejects underflow and trailing garbage.
func (r *reader) finish(family string, disc uint8) error {
	if r.short || r.pos != len(r.buf) {
		return &LengthError{family, disc, r.pos, len(r.buf)}
	}
	return nil
}

func (r *reader) splits(family string, disc uint8) ([]Split, error) {
	n := int(r.u8())
	if n > MaxSplits {
		return nil, &CountError{family, disc, MaxSplits, n}
	}
	out := make([]Split, 0, n)
	for i := 0; i < n; i++ {
		sp := Split{Slab: r.u8(), Instrument: r.u8(), Side: r.u8()}
		sp.Qty = r.u64()
		sp.LimitPx = r.u64()
		out = append(out, sp)
	}
	return out, nil
}

// DecodeRouter parses a router operation.
func DecodeRouter(buf []byte) (RouterOp, error) {
	if len(buf) == 0 {
		return nil, &LengthError{FamilyRouter, 0, 1, 0}
	}
	disc := buf[0]
	r := &reader{buf: buf[1:]}
	var op RouterOp
	switch disc {
	case RouterOpInitialize:
		op = Initialize{}
	case RouterOpInitializePortfolio:
		op = InitializePortfolio{}
	case RouterOpDeposit:
		op = Deposit{Amount: r.u64()}
	case RouterOpWithdraw:
		op = Withdraw{Amount: r.u64()}
	case RouterOpExecuteCrossSlab:
		splits, err := r.splits(FamilyRouter, disc)
		if err != nil {
			return nil, err
		}
		op = ExecuteCrossSlab{Splits: splits}
	case RouterOpMultiSlabReserve:
		splits, err := r.splits(FamilyRouter, disc)
		if err != nil {
			return nil, err
		}
		op = MultiSlabReserve{
			Splits:    splits,
			TotalQty:  r.u64(),
			RequestID: r.u64(),
			ExpiryTs:  r.u64(),
		}
	case RouterOpMultiSlabCommit:
		v := MultiSlabCommit{RequestID: r.u64()}
		n := int(r.u8())
		if n > MaxHoldIDs {
			return nil, &CountError{FamilyRouter, disc, MaxHoldIDs, n}
		}
		for i := 0; i < n; i++ {
			v.HoldIDs = append(v.HoldIDs, r.u64())
		}
		op = v
	case RouterOpMultiSlabCancel:
		op = MultiSlabCancel{RequestID: r.u64()}
	case RouterOpGlobalLiquidation:
		v := GlobalLiquidation{}
		copy(v.Target[:], r.bytes(32))
		op = v
	case RouterOpMarkToMarket:
		op = MarkToMarket{}
	default:
		return nil, &UnknownDiscriminatorError{FamilyRouter, disc}
	}
	if err := r.finish(FamilyRouter, disc); err != nil {
		return nil, err
	}
	if v, ok := op.(MultiSlabReserve); ok {
		if err := v.checkTotal(); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// DecodeSlab parses a slab operation.
func DecodeSlab(buf []byte) (SlabOp, error) {
	if len(buf) == 0 {
		return nil, &LengthError{FamilySlab, 0, 1, 0}
	}
	disc := buf[0]
	r := &reader{buf: buf[1:]}
	var op SlabOp
	switch disc {
	case SlabOpReserve:
		v := Reserve{Instrument: r.u8(), Side: r.u8()}
		v.Price = r.u64()
		v.Qty = r.u64()
		v.TIF = r.u8()
		v.RequestID = r.u64()
		v.ExpiryTs = r.u64()
		op = v
	case SlabOpCommit:
		op = Commit{HoldID: r.u64()}
	case SlabOpCancel:
		op = Cancel{HoldID: r.u64()}
	case SlabOpBatchOpen:
		op = BatchOpen{}
	case SlabOpInitialize:
		op = SlabInit{}
	case SlabOpAddInstrument:
		v := AddInstrument{}
		copy(v.Symbol[:], r.bytes(SymbolLen))
		v.TickSize = r.u64()
		v.LotSize = r.u64()
		v.MarkPx = r.u64()
		op = v
	case SlabOpUpdateFunding:
		op = UpdateFunding{Instrument: r.u8(), MarkPx: r.u64(), IndexPx: r.u64(), Now: r.u64()}
	case SlabOpLiquidation:
		op = Liquidation{Account: r.u32()}
	case SlabOpInitializeInsurance:
		op = InitializeInsurance{
			ContributionRateBps: r.u64(),
			ADLThresholdBps:     r.u64(),
			TimelockSec:         r.u64(),
		}
	case SlabOpContributeInsurance:
		op = ContributeInsurance{Amount: r.u64()}
	case SlabOpInitiateInsuranceWithdrawal:
		op = InitiateInsuranceWithdrawal{Amount: r.u64()}
	case SlabOpCompleteInsuranceWithdrawal:
		op = CompleteInsuranceWithdrawal{}
	case SlabOpCancelInsuranceWithdrawal:
		op = CancelInsuranceWithdrawal{}
	case SlabOpUpdateInsuranceConfig:
		op = UpdateInsuranceConfig{
			ContributionRateBps: r.u64(),
			ADLThresholdBps:     r.u64(),
			TimelockSec:         r.u64(),
		}
	default:
		return nil, &UnknownDiscriminatorError{FamilySlab, disc}
	}
	if err := r.finish(FamilySlab, disc); err != nil {
		return nil, err
	}
	return op, nil
}
