package dvp

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"

	"dvpnet/core/types"
)

const (
	EventTypeTradeRequested = "dvp.trade.requested"
	EventTypeTradeAccepted  = "dvp.trade.accepted"
	EventTypeTradeApproved  = "dvp.trade.approved"
	EventTypeTradeExecuted  = "dvp.trade.executed"
	EventTypeTradeForced    = "dvp.trade.forced"
	EventTypeTradeCancelled = "dvp.trade.cancelled"

	EventTypePriceOwnership     = "dvp.price.ownership"
	EventTypeTokenPrice         = "dvp.price.quote"
	EventTypeVariablePriceStart = "dvp.price.startdate"

	EventTypeOwnershipRenounced = "dvp.roles.ownership_renounced"
	EventTypeTradeExecutersSet  = "dvp.roles.executers"
	EventTypeControllersSet     = "dvp.roles.controllers"
	EventTypePriceOraclesSet    = "dvp.roles.oracles"
)

// dvpEvent adapts a types.Event to the events.Emitter contract.
type dvpEvent struct {
	evt *types.Event
}

func (e dvpEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dvpEvent) Event() *types.Event { return e.evt }

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}

func tradeAttributes(t *Trade) map[string]string {
	return map[string]string{
		"index":   strconv.FormatUint(t.Index, 10),
		"holder1": hexAddr(t.Holder1),
		"holder2": hexAddr(t.Holder2),
		"state":   t.State.String(),
	}
}

func NewTradeRequestedEvent(t *Trade) *types.Event {
	attrs := tradeAttributes(t)
	attrs["asset1"] = hexAddr(t.Leg1.Asset)
	attrs["asset2"] = hexAddr(t.Leg2.Asset)
	attrs["amount1"] = formatAmount(t.Leg1.Amount)
	attrs["amount2"] = formatAmount(t.Leg2.Amount)
	attrs["expirationDate"] = intToString(t.ExpirationDate)
	return &types.Event{Type: EventTypeTradeRequested, Attributes: attrs}
}

func NewTradeAcceptedEvent(t *Trade, acceptor [20]byte) *types.Event {
	attrs := tradeAttributes(t)
	attrs["acceptor"] = hexAddr(acceptor)
	return &types.Event{Type: EventTypeTradeAccepted, Attributes: attrs}
}

func NewTradeApprovedEvent(t *Trade, controller [20]byte, approved bool) *types.Event {
	attrs := tradeAttributes(t)
	attrs["controller"] = hexAddr(controller)
	attrs["approved"] = strconv.FormatBool(approved)
	return &types.Event{Type: EventTypeTradeApproved, Attributes: attrs}
}

func NewTradeExecutedEvent(t *Trade, amount2 *big.Int) *types.Event {
	attrs := tradeAttributes(t)
	attrs["settledAmount2"] = formatAmount(amount2)
	return &types.Event{Type: EventTypeTradeExecuted, Attributes: attrs}
}

func NewTradeForcedEvent(t *Trade) *types.Event {
	return &types.Event{Type: EventTypeTradeForced, Attributes: tradeAttributes(t)}
}

func NewTradeCancelledEvent(t *Trade) *types.Event {
	return &types.Event{Type: EventTypeTradeCancelled, Attributes: tradeAttributes(t)}
}

func NewPriceOwnershipEvent(caller, quoting, reference [20]byte, claimed bool) *types.Event {
	return &types.Event{
		Type: EventTypePriceOwnership,
		Attributes: map[string]string{
			"caller":    hexAddr(caller),
			"quoting":   hexAddr(quoting),
			"reference": hexAddr(reference),
			"claimed":   strconv.FormatBool(claimed),
		},
	}
}

func NewTokenPriceEvent(caller, quoting, reference [20]byte, multiple decimal.Decimal) *types.Event {
	return &types.Event{
		Type: EventTypeTokenPrice,
		Attributes: map[string]string{
			"caller":    hexAddr(caller),
			"quoting":   hexAddr(quoting),
			"reference": hexAddr(reference),
			"multiple":  multiple.String(),
		},
	}
}

func NewVariablePriceStartDateEvent(caller, asset [20]byte, startDate int64) *types.Event {
	return &types.Event{
		Type: EventTypeVariablePriceStart,
		Attributes: map[string]string{
			"caller":    hexAddr(caller),
			"asset":     hexAddr(asset),
			"startDate": intToString(startDate),
		},
	}
}

func NewOwnershipRenouncedEvent(caller [20]byte) *types.Event {
	return &types.Event{
		Type:       EventTypeOwnershipRenounced,
		Attributes: map[string]string{"caller": hexAddr(caller)},
	}
}

func NewTradeExecutersSetEvent(caller [20]byte, count int) *types.Event {
	return &types.Event{
		Type: EventTypeTradeExecutersSet,
		Attributes: map[string]string{
			"caller": hexAddr(caller),
			"count":  strconv.Itoa(count),
		},
	}
}

func NewTokenControllersSetEvent(caller, asset [20]byte, count int) *types.Event {
	return &types.Event{
		Type: EventTypeControllersSet,
		Attributes: map[string]string{
			"caller": hexAddr(caller),
			"asset":  hexAddr(asset),
			"count":  strconv.Itoa(count),
		},
	}
}

func NewPriceOraclesSetEvent(caller, asset [20]byte, count int) *types.Event {
	return &types.Event{
		Type: EventTypePriceOraclesSet,
		Attributes: map[string]string{
			"caller": hexAddr(caller),
			"asset":  hexAddr(asset),
			"count":  strconv.Itoa(count),
		},
	}
}
