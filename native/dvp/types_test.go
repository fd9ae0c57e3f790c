package dvp

import (
	"math/big"
	"testing"
)

func TestTradeStateClassification(t *testing.T) {
	if TradeUndefined.Valid() {
		t.Fatalf("undefined state must be invalid")
	}
	for _, s := range []TradeState{TradePending, TradeExecuted, TradeForced, TradeCancelled} {
		if !s.Valid() {
			t.Fatalf("%v must be valid", s)
		}
	}
	if TradePending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	for _, s := range []TradeState{TradeExecuted, TradeForced, TradeCancelled} {
		if !s.Terminal() {
			t.Fatalf("%v must be terminal", s)
		}
	}
	if TradeState(9).Valid() {
		t.Fatalf("out-of-range state must be invalid")
	}
}

func TestLegCloneIsIndependent(t *testing.T) {
	leg := AssetLeg{
		Asset:     newTestAddress(0xA1),
		Amount:    big.NewInt(100),
		Standard:  StandardFungible,
		Type:      TradeTypeEscrow,
		Approvers: [][20]byte{newTestAddress(0xC0)},
	}
	clone := leg.Clone()
	clone.Amount.SetInt64(999)
	clone.Approvers[0] = newTestAddress(0x99)
	if leg.Amount.Int64() != 100 {
		t.Fatalf("clone amount mutation leaked into the original")
	}
	if leg.Approvers[0] != newTestAddress(0xC0) {
		t.Fatalf("clone approver mutation leaked into the original")
	}

	var nilAmount AssetLeg
	c := nilAmount.Clone()
	if c.Amount == nil || c.Amount.Sign() != 0 {
		t.Fatalf("nil amount must clone to zero")
	}
}

func TestTradeCloneIsIndependent(t *testing.T) {
	trade := sampleTrade()
	clone := trade.Clone()
	clone.Leg1.Amount.SetInt64(7)
	clone.State = TradeCancelled
	if trade.Leg1.Amount.Int64() != 100 {
		t.Fatalf("clone leg mutation leaked into the original")
	}
	if trade.State != TradePending {
		t.Fatalf("clone state mutation leaked into the original")
	}
	var nilTrade *Trade
	if nilTrade.Clone() != nil {
		t.Fatalf("nil trade must clone to nil")
	}
}

func TestMovable(t *testing.T) {
	off := AssetLeg{Standard: StandardOffLedger}
	if off.Movable() {
		t.Fatalf("off-ledger legs must not be movable")
	}
	for _, std := range []Standard{StandardNative, StandardFungible, StandardNonFungible, StandardPartitionedFungible} {
		leg := AssetLeg{Standard: std}
		if !leg.Movable() {
			t.Fatalf("%v legs must be movable", std)
		}
	}
}

func TestSanitizeTrade(t *testing.T) {
	if _, err := SanitizeTrade(nil); err == nil {
		t.Fatalf("nil trade must be rejected")
	}

	trade := sampleTrade()
	clean, err := SanitizeTrade(trade)
	if err != nil {
		t.Fatalf("SanitizeTrade: %v", err)
	}
	clean.Leg1.Amount.SetInt64(1)
	if trade.Leg1.Amount.Int64() != 100 {
		t.Fatalf("sanitize must not alias the original")
	}

	bad := sampleTrade()
	bad.State = TradeState(9)
	if _, err := SanitizeTrade(bad); err == nil {
		t.Fatalf("invalid state must be rejected")
	}

	bad = sampleTrade()
	bad.Leg1.Standard = Standard(9)
	if _, err := SanitizeTrade(bad); err == nil {
		t.Fatalf("invalid standard must be rejected")
	}

	bad = sampleTrade()
	bad.Leg2.Amount = big.NewInt(-1)
	if _, err := SanitizeTrade(bad); err == nil {
		t.Fatalf("negative amount must be rejected")
	}
}

func TestLegOfAndCounterparty(t *testing.T) {
	trade := sampleTrade()
	if trade.legOf(trade.Holder1) != &trade.Leg1 {
		t.Fatalf("holder1 must own leg1")
	}
	if trade.legOf(trade.Holder2) != &trade.Leg2 {
		t.Fatalf("holder2 must own leg2")
	}
	if trade.legOf(newTestAddress(0x99)) != nil {
		t.Fatalf("stranger must own no leg")
	}
	if trade.legOf([20]byte{}) != nil {
		t.Fatalf("zero address must own no leg")
	}
	if trade.counterpartyOf(&trade.Leg1) != trade.Holder2 {
		t.Fatalf("leg1 must settle to holder2")
	}
	if trade.counterpartyOf(&trade.Leg2) != trade.Holder1 {
		t.Fatalf("leg2 must settle to holder1")
	}
}
