package dvp

import (
	"fmt"
	"math/big"
)

// TradeState represents the lifecycle phases of a delivery-versus-payment
// trade. Executed, Forced and Cancelled are terminal: no transition ever
// leaves them.
type TradeState uint8

const (
	TradeUndefined TradeState = iota
	TradePending
	TradeExecuted
	TradeForced
	TradeCancelled
)

// Valid reports whether the state value is supported.
func (s TradeState) Valid() bool {
	switch s {
	case TradePending, TradeExecuted, TradeForced, TradeCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s TradeState) Terminal() bool {
	switch s {
	case TradeExecuted, TradeForced, TradeCancelled:
		return true
	default:
		return false
	}
}

func (s TradeState) String() string {
	switch s {
	case TradePending:
		return "pending"
	case TradeExecuted:
		return "executed"
	case TradeForced:
		return "forced"
	case TradeCancelled:
		return "cancelled"
	default:
		return "undefined"
	}
}

// Standard tags the capability family of a leg's asset. The engine never
// holds asset-specific code; it dispatches through the AssetAdapter by this
// tag alone.
type Standard uint8

const (
	StandardOffLedger Standard = iota
	StandardNative
	StandardFungible
	StandardNonFungible
	StandardPartitionedFungible
)

// Valid reports whether the standard value is supported.
func (s Standard) Valid() bool {
	switch s {
	case StandardOffLedger, StandardNative, StandardFungible, StandardNonFungible, StandardPartitionedFungible:
		return true
	default:
		return false
	}
}

func (s Standard) String() string {
	switch s {
	case StandardOffLedger:
		return "offledger"
	case StandardNative:
		return "native"
	case StandardFungible:
		return "fungible"
	case StandardNonFungible:
		return "nonfungible"
	case StandardPartitionedFungible:
		return "partitioned"
	default:
		return "unknown"
	}
}

// TradeType selects the custody model of a leg. Escrow legs are deposited
// into engine custody at acceptance; Swap legs stay with the holder and are
// pulled via a pre-granted allowance at execution time.
type TradeType uint8

const (
	TradeTypeSwap TradeType = iota
	TradeTypeEscrow
)

// Valid reports whether the trade type value is supported.
func (t TradeType) Valid() bool {
	return t == TradeTypeSwap || t == TradeTypeEscrow
}

func (t TradeType) String() string {
	if t == TradeTypeEscrow {
		return "escrow"
	}
	return "swap"
}

// AssetLeg describes one counterparty's side of a trade. A zero asset address
// together with StandardOffLedger marks an informational leg the engine never
// moves; a zero asset with StandardNative marks ledger-native value.
type AssetLeg struct {
	Asset     [20]byte
	Amount    *big.Int
	Subclass  [32]byte
	Standard  Standard
	Type      TradeType
	Accepted  bool
	Approvers [][20]byte
}

// Clone returns a deep copy of the leg.
func (l *AssetLeg) Clone() AssetLeg {
	clone := *l
	if l.Amount != nil {
		clone.Amount = new(big.Int).Set(l.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if len(l.Approvers) > 0 {
		clone.Approvers = make([][20]byte, len(l.Approvers))
		copy(clone.Approvers, l.Approvers)
	} else {
		clone.Approvers = nil
	}
	return clone
}

// Movable reports whether the leg references an on-ledger asset the engine
// must transfer at settlement.
func (l *AssetLeg) Movable() bool {
	return l.Standard != StandardOffLedger
}

func (l *AssetLeg) approvedBy(addr [20]byte) bool {
	for _, a := range l.Approvers {
		if a == addr {
			return true
		}
	}
	return false
}

// Trade encapsulates a two-leg settlement: Holder1 delivers Leg1 to Holder2
// against Leg2. Holder2 may be unset at creation ("open" trade) and is bound
// to the first acceptor. Records are never deleted; terminal trades form the
// permanent settlement audit trail.
type Trade struct {
	Index          uint64
	Holder1        [20]byte
	Holder2        [20]byte
	Executer       [20]byte
	ExpirationDate int64
	SettlementDate int64
	CreatedAt      int64
	Leg1           AssetLeg
	Leg2           AssetLeg
	State          TradeState
}

// Clone returns a deep copy of the trade allowing callers to mutate the
// result without affecting the stored instance.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Leg1 = t.Leg1.Clone()
	clone.Leg2 = t.Leg2.Clone()
	return &clone
}

// holderOf returns the principal owning the given leg.
func (t *Trade) holderOf(leg *AssetLeg) [20]byte {
	if leg == &t.Leg1 {
		return t.Holder1
	}
	return t.Holder2
}

// counterpartyOf returns the principal receiving the given leg at execution.
func (t *Trade) counterpartyOf(leg *AssetLeg) [20]byte {
	if leg == &t.Leg1 {
		return t.Holder2
	}
	return t.Holder1
}

// legOf resolves the leg owned by addr, or nil when addr is not a holder.
func (t *Trade) legOf(addr [20]byte) *AssetLeg {
	if addr == ([20]byte{}) {
		return nil
	}
	if addr == t.Holder1 {
		return &t.Leg1
	}
	if addr == t.Holder2 {
		return &t.Leg2
	}
	return nil
}

// SanitizeTrade validates and normalises the supplied trade record, returning
// a cloned instance with non-nil amounts. The original value is not mutated.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("dvp: nil trade")
	}
	clone := t.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("dvp: invalid trade state %d", clone.State)
	}
	for _, leg := range []*AssetLeg{&clone.Leg1, &clone.Leg2} {
		if !leg.Standard.Valid() {
			return nil, fmt.Errorf("dvp: invalid asset standard %d", leg.Standard)
		}
		if !leg.Type.Valid() {
			return nil, fmt.Errorf("dvp: invalid trade type %d", leg.Type)
		}
		if leg.Amount.Sign() < 0 {
			return nil, fmt.Errorf("dvp: leg amount must be non-negative")
		}
	}
	return clone, nil
}
