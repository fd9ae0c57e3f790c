package dvp

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"dvpnet/core/events"
	"dvpnet/storage"
)

func newTestAddress(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func eventSeen(emitter *capturingEmitter, eventType string) bool {
	if emitter == nil {
		return false
	}
	for _, evt := range emitter.events {
		if evt.EventType() == eventType {
			return true
		}
	}
	return false
}

type simKey struct {
	asset  [20]byte
	sub    [32]byte
	holder [20]byte
}

// testAdapter is a minimal in-memory asset ledger. Allowances are not
// modelled; any pull succeeds when the source balance covers it, unless the
// asset is flagged to fail.
type testAdapter struct {
	balances map[simKey]*big.Int
	owners   map[[20]byte]map[[32]byte][20]byte
	admins   map[[20]byte][20]byte
	failPull map[[20]byte]bool
	failPush map[[20]byte]bool
}

func newTestAdapter() *testAdapter {
	return &testAdapter{
		balances: make(map[simKey]*big.Int),
		owners:   make(map[[20]byte]map[[32]byte][20]byte),
		admins:   make(map[[20]byte][20]byte),
		failPull: make(map[[20]byte]bool),
		failPush: make(map[[20]byte]bool),
	}
}

func (a *testAdapter) mint(asset [20]byte, sub [32]byte, holder [20]byte, amount int64) {
	key := simKey{asset: asset, sub: sub, holder: holder}
	if a.balances[key] == nil {
		a.balances[key] = big.NewInt(0)
	}
	a.balances[key].Add(a.balances[key], big.NewInt(amount))
}

func (a *testAdapter) mintToken(asset [20]byte, id [32]byte, owner [20]byte) {
	if a.owners[asset] == nil {
		a.owners[asset] = make(map[[32]byte][20]byte)
	}
	a.owners[asset][id] = owner
}

func (a *testAdapter) balance(asset [20]byte, sub [32]byte, holder [20]byte) *big.Int {
	if v := a.balances[simKey{asset: asset, sub: sub, holder: holder}]; v != nil {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (a *testAdapter) Balance(asset, holder [20]byte, subclass [32]byte, std Standard) (*big.Int, error) {
	if std == StandardNonFungible {
		if owner, ok := a.owners[asset][subclass]; ok && owner == holder {
			return big.NewInt(1), nil
		}
		return big.NewInt(0), nil
	}
	return a.balance(asset, subclass, holder), nil
}

func (a *testAdapter) move(asset [20]byte, from, to [20]byte, amount *big.Int, subclass [32]byte, std Standard) error {
	if std == StandardNonFungible {
		owner, ok := a.owners[asset][subclass]
		if !ok || owner != from {
			return fmt.Errorf("token not owned by source")
		}
		a.owners[asset][subclass] = to
		return nil
	}
	fromKey := simKey{asset: asset, sub: subclass, holder: from}
	have := a.balances[fromKey]
	if have == nil || have.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	have.Sub(have, amount)
	toKey := simKey{asset: asset, sub: subclass, holder: to}
	if a.balances[toKey] == nil {
		a.balances[toKey] = big.NewInt(0)
	}
	a.balances[toKey].Add(a.balances[toKey], amount)
	return nil
}

func (a *testAdapter) Pull(asset [20]byte, operator, from, to [20]byte, amount *big.Int, subclass [32]byte, std Standard) error {
	if a.failPull[asset] {
		return fmt.Errorf("pull rejected")
	}
	return a.move(asset, from, to, amount, subclass, std)
}

func (a *testAdapter) Push(asset [20]byte, from, to [20]byte, amount *big.Int, subclass [32]byte, std Standard) error {
	if a.failPush[asset] {
		return fmt.Errorf("push rejected")
	}
	return a.move(asset, from, to, amount, subclass, std)
}

func (a *testAdapter) AssetAdmin(asset [20]byte) ([20]byte, bool) {
	admin, ok := a.admins[asset]
	return admin, ok
}

type testEnv struct {
	engine  *Engine
	adapter *testAdapter
	emitter *capturingEmitter
	now     int64
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		adapter: newTestAdapter(),
		emitter: &capturingEmitter{},
		now:     1_000_000,
	}
	env.engine = NewEngine([20]byte{}, false)
	env.engine.SetState(NewStore(storage.NewMemDB()))
	env.engine.SetAdapter(env.adapter)
	env.engine.SetEmitter(env.emitter)
	env.engine.SetNowFunc(func() int64 { return env.now })
	return env
}

var (
	assetA = newTestAddress(0xA1)
	assetB = newTestAddress(0xB1)
)

func fungibleLeg(asset [20]byte, amount int64, tradeType TradeType) LegInput {
	return LegInput{Asset: asset, Amount: big.NewInt(amount), Standard: StandardFungible, Type: tradeType}
}

func escrowEscrowRequest(holder1, holder2 [20]byte) TradeRequest {
	return TradeRequest{
		Holder1: holder1,
		Holder2: holder2,
		Leg1:    fungibleLeg(assetA, 100, TradeTypeEscrow),
		Leg2:    fungibleLeg(assetB, 200, TradeTypeEscrow),
	}
}

func TestRequestTradeValidation(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)

	req := escrowEscrowRequest([20]byte{}, bob)
	if _, err := env.engine.RequestTrade(alice, req, nil); err == nil {
		t.Fatalf("expected error for missing holder1")
	}

	req = escrowEscrowRequest(alice, bob)
	req.ExpirationDate = env.now - 1
	if _, err := env.engine.RequestTrade(alice, req, nil); err == nil {
		t.Fatalf("expected error for expiration before creation")
	}

	req = escrowEscrowRequest(alice, bob)
	req.Leg1.Standard = Standard(9)
	if _, err := env.engine.RequestTrade(alice, req, nil); err == nil {
		t.Fatalf("expected error for invalid standard")
	}

	req = escrowEscrowRequest(alice, bob)
	req.Leg1.Asset = [20]byte{}
	if _, err := env.engine.RequestTrade(alice, req, nil); err == nil {
		t.Fatalf("expected error for fungible leg without asset")
	}

	req = escrowEscrowRequest(alice, bob)
	req.Leg2.Amount = big.NewInt(0)
	if _, err := env.engine.RequestTrade(alice, req, nil); err == nil {
		t.Fatalf("expected error for zero amount")
	}

	req = escrowEscrowRequest(alice, bob)
	if _, err := env.engine.RequestTrade(alice, req, big.NewInt(5)); err == nil {
		t.Fatalf("expected error for unexpected attached value")
	}
	if env.engine.GetNbTrades() != 0 {
		t.Fatalf("no trade should have been created")
	}
}

func TestRequestTradeEscrowsCallerLeg(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)

	trade, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if trade.Index != 1 {
		t.Fatalf("expected index 1, got %d", trade.Index)
	}
	if trade.State != TradePending {
		t.Fatalf("expected pending state, got %v", trade.State)
	}
	if !trade.Leg1.Accepted || trade.Leg2.Accepted {
		t.Fatalf("requester leg should be accepted, counterparty leg not")
	}
	if trade.ExpirationDate != env.now+defaultExpirationSecs {
		t.Fatalf("expected default expiration, got %d", trade.ExpirationDate)
	}
	custodian := env.engine.Custodian()
	if got := env.adapter.balance(assetA, [32]byte{}, custodian); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 escrowed, got %s", got)
	}
	if got := env.adapter.balance(assetA, [32]byte{}, alice); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected 900 remaining, got %s", got)
	}
	if !eventSeen(env.emitter, EventTypeTradeRequested) {
		t.Fatalf("expected trade requested event")
	}
	if got := env.engine.TradesByAsset(assetA); len(got) != 1 || got[0] != 1 {
		t.Fatalf("asset index mismatch: %v", got)
	}
	if got := env.engine.TradesByHolder(bob); len(got) != 1 || got[0] != 1 {
		t.Fatalf("holder index mismatch: %v", got)
	}
}

func TestRequestTradeFailedEscrowLeavesNoTrade(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.failPull[assetA] = true

	if _, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil); err == nil {
		t.Fatalf("expected escrow deposit failure")
	}
	if env.engine.GetNbTrades() != 0 {
		t.Fatalf("failed request must not create a trade")
	}
	if got := env.adapter.balance(assetA, [32]byte{}, alice); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("balance must be untouched, got %s", got)
	}
}

func TestAcceptTradeBindsOpenHolder(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := escrowEscrowRequest(alice, [20]byte{})
	req.SettlementDate = env.now + 3600
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	stored, err := env.engine.GetTrade(trade.Index)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if stored.Holder2 != bob {
		t.Fatalf("expected holder2 bound to acceptor")
	}
	if stored.State != TradePending {
		t.Fatalf("settlement date not reached, trade must stay pending")
	}
	accepted, err := env.engine.GetTradeAcceptanceStatus(trade.Index)
	if err != nil || !accepted {
		t.Fatalf("expected both legs accepted, got %v %v", accepted, err)
	}
	custodian := env.engine.Custodian()
	if got := env.adapter.balance(assetB, [32]byte{}, custodian); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected acceptor escrow in custody, got %s", got)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); !errors.Is(err, ErrLegAlreadyAccepted) {
		t.Fatalf("expected ErrLegAlreadyAccepted, got %v", err)
	}
	if err := env.engine.AcceptTrade(stranger, trade.Index, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-holder, got %v", err)
	}
	if !eventSeen(env.emitter, EventTypeTradeAccepted) {
		t.Fatalf("expected trade accepted event")
	}
}

func TestAcceptTradeUnknownIndex(t *testing.T) {
	env := setupEngine(t)
	if err := env.engine.AcceptTrade(newTestAddress(0x01), 42, nil); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}
}

func TestAutoExecuteOnSecondAcceptance(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	trade, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradeExecuted {
		t.Fatalf("expected auto-execution, got %v", stored.State)
	}
	if got := env.adapter.balance(assetA, [32]byte{}, bob); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bob should hold 100 of asset A, got %s", got)
	}
	if got := env.adapter.balance(assetB, [32]byte{}, alice); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("alice should hold 200 of asset B, got %s", got)
	}
	custodian := env.engine.Custodian()
	for _, asset := range [][20]byte{assetA, assetB} {
		if got := env.adapter.balance(asset, [32]byte{}, custodian); got.Sign() != 0 {
			t.Fatalf("custody must be empty after settlement, %x holds %s", asset, got)
		}
	}
	if !eventSeen(env.emitter, EventTypeTradeExecuted) {
		t.Fatalf("expected trade executed event")
	}
}

func TestExecuteTradeRequiresDesignatedExecuter(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradePending {
		t.Fatalf("designated executer must suppress auto-execution, got %v", stored.State)
	}
	if err := env.engine.ExecuteTrade(bob, trade.Index); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-executer, got %v", err)
	}
	if err := env.engine.ExecuteTrade(executer, trade.Index); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	stored, _ = env.engine.GetTrade(trade.Index)
	if stored.State != TradeExecuted {
		t.Fatalf("expected executed state, got %v", stored.State)
	}
	if err := env.engine.ExecuteTrade(executer, trade.Index); !errors.Is(err, ErrTradeNotPending) {
		t.Fatalf("expected ErrTradeNotPending on repeat, got %v", err)
	}
}

func TestExecuteTradeHonoursSettlementWindow(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	req.SettlementDate = env.now + 3600
	req.ExpirationDate = env.now + 7200
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	if err := env.engine.ExecuteTrade(executer, trade.Index); err == nil {
		t.Fatalf("expected settlement date error")
	}
	env.now += 7200
	if err := env.engine.ExecuteTrade(executer, trade.Index); err == nil {
		t.Fatalf("expected expiration error")
	}
	env.now -= 3000
	if err := env.engine.ExecuteTrade(executer, trade.Index); err != nil {
		t.Fatalf("ExecuteTrade within window: %v", err)
	}
}

func TestExecuteTradeSwapLegsAreAtomic(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := TradeRequest{
		Holder1: alice,
		Holder2: bob,
		Leg1:    fungibleLeg(assetA, 100, TradeTypeSwap),
		Leg2:    fungibleLeg(assetB, 200, TradeTypeSwap),
	}
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(alice, trade.Index, nil); err != nil {
		t.Fatalf("accept leg1: %v", err)
	}
	env.adapter.failPull[assetB] = true
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err == nil {
		t.Fatalf("expected settlement pull failure")
	}
	// The failed execution must have compensated the first pull.
	if got := env.adapter.balance(assetA, [32]byte{}, alice); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("alice balance must be restored, got %s", got)
	}
	if got := env.adapter.balance(assetA, [32]byte{}, env.engine.Custodian()); got.Sign() != 0 {
		t.Fatalf("custody must be empty after compensation, got %s", got)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradePending || stored.Leg2.Accepted {
		t.Fatalf("failed settlement must roll the acceptance back, got %+v", stored)
	}
	env.adapter.failPull[assetB] = false
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("retry accept: %v", err)
	}
	stored, _ = env.engine.GetTrade(trade.Index)
	if stored.State != TradeExecuted {
		t.Fatalf("expected executed state after retry, got %v", stored.State)
	}
	if got := env.adapter.balance(assetB, [32]byte{}, alice); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("alice must receive the swap leg, got %s", got)
	}
}

func TestExecuteTradePushFailureLeavesTradeRetryable(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	env.adapter.failPush[assetA] = true
	if err := env.engine.ExecuteTrade(executer, trade.Index); err == nil {
		t.Fatalf("expected settlement push failure")
	}
	// Nothing left custody and the trade is still pending.
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradePending {
		t.Fatalf("failed push must keep the trade pending, got %v", stored.State)
	}
	custodian := env.engine.Custodian()
	if got := env.adapter.balance(assetA, [32]byte{}, custodian); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("custody of leg1 must be intact, got %s", got)
	}
	if got := env.adapter.balance(assetB, [32]byte{}, custodian); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("custody of leg2 must be intact, got %s", got)
	}
	// Settlement succeeds once the adapter recovers.
	delete(env.adapter.failPush, assetA)
	if err := env.engine.ExecuteTrade(executer, trade.Index); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := env.adapter.balance(assetA, [32]byte{}, bob); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bob must receive leg1 on retry, got %s", got)
	}
	if got := env.adapter.balance(assetB, [32]byte{}, alice); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("alice must receive leg2 on retry, got %s", got)
	}
}

func TestApproveTradeGatesExecution(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	controller := newTestAddress(0xC0)
	admin := newTestAddress(0xAD)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)
	env.adapter.admins[assetA] = admin
	if err := env.engine.SetTokenControllers(admin, assetA, [][20]byte{controller}); err != nil {
		t.Fatalf("SetTokenControllers: %v", err)
	}

	trade, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradePending {
		t.Fatalf("controlled asset must block auto-execution, got %v", stored.State)
	}
	approved, err := env.engine.GetTradeApprovalStatus(trade.Index)
	if err != nil || approved {
		t.Fatalf("expected approval outstanding, got %v %v", approved, err)
	}
	if err := env.engine.ApproveTrade(alice, trade.Index, true); err == nil {
		t.Fatalf("non-controller approval must fail")
	}
	if err := env.engine.ApproveTrade(controller, trade.Index, true); err != nil {
		t.Fatalf("ApproveTrade: %v", err)
	}
	stored, _ = env.engine.GetTrade(trade.Index)
	if stored.State != TradeExecuted {
		t.Fatalf("expected execution after final approval, got %v", stored.State)
	}
	if !eventSeen(env.emitter, EventTypeTradeApproved) {
		t.Fatalf("expected trade approved event")
	}
}

func TestApproveTradeRevocation(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	controller := newTestAddress(0xC0)
	admin := newTestAddress(0xAD)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)
	env.adapter.admins[assetA] = admin
	if err := env.engine.SetTokenControllers(admin, assetA, [][20]byte{controller}); err != nil {
		t.Fatalf("SetTokenControllers: %v", err)
	}

	req := escrowEscrowRequest(alice, bob)
	req.SettlementDate = env.now + 3600
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.ApproveTrade(controller, trade.Index, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	approved, _ := env.engine.GetTradeApprovalStatus(trade.Index)
	if !approved {
		t.Fatalf("expected approved status")
	}
	if err := env.engine.ApproveTrade(controller, trade.Index, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	approved, _ = env.engine.GetTradeApprovalStatus(trade.Index)
	if approved {
		t.Fatalf("expected approval revoked")
	}
}

func TestApprovalFromRemovedControllerDoesNotCount(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	controller := newTestAddress(0xC0)
	successor := newTestAddress(0xC1)
	admin := newTestAddress(0xAD)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.admins[assetA] = admin
	if err := env.engine.SetTokenControllers(admin, assetA, [][20]byte{controller}); err != nil {
		t.Fatalf("SetTokenControllers: %v", err)
	}

	req := escrowEscrowRequest(alice, bob)
	req.SettlementDate = env.now + 3600
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.ApproveTrade(controller, trade.Index, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.engine.SetTokenControllers(admin, assetA, [][20]byte{successor}); err != nil {
		t.Fatalf("rotate controllers: %v", err)
	}
	approved, _ := env.engine.GetTradeApprovalStatus(trade.Index)
	if approved {
		t.Fatalf("stale approval must not satisfy the rotated controller set")
	}
}

func TestForceTradeByHolder(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)

	trade, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	// Only leg1 is accepted; bob holds the unaccepted leg and may not force.
	if err := env.engine.ForceTrade(bob, trade.Index); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for counterparty, got %v", err)
	}
	if err := env.engine.ForceTrade(alice, trade.Index); err != nil {
		t.Fatalf("ForceTrade: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradeForced {
		t.Fatalf("expected forced state, got %v", stored.State)
	}
	if got := env.adapter.balance(assetA, [32]byte{}, bob); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("forced leg must reach counterparty, got %s", got)
	}
	if !eventSeen(env.emitter, EventTypeTradeForced) {
		t.Fatalf("expected trade forced event")
	}
}

func TestForceTradeBlockedByControllers(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	admin := newTestAddress(0xAD)
	controller := newTestAddress(0xC0)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.admins[assetB] = admin
	if err := env.engine.SetTokenControllers(admin, assetB, [][20]byte{controller}); err != nil {
		t.Fatalf("SetTokenControllers: %v", err)
	}

	trade, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.ForceTrade(alice, trade.Index); err == nil {
		t.Fatalf("holder force must be blocked while an asset has controllers")
	}
}

func TestForceTradeByExecuter(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.ForceTrade(alice, trade.Index); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("holder must not force when an executer is designated, got %v", err)
	}
	if err := env.engine.ForceTrade(executer, trade.Index); err != nil {
		t.Fatalf("ForceTrade: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradeForced {
		t.Fatalf("expected forced state, got %v", stored.State)
	}
}

func TestForceTradeRejectsFullyAcceptedTrade(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	if err := env.engine.ForceTrade(executer, trade.Index); err == nil {
		t.Fatalf("force must reject a trade with both legs accepted")
	}
}

func TestCancelTradeRefundsEscrow(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)

	trade, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.CancelTrade(alice, trade.Index); err == nil {
		t.Fatalf("holder cancel before expiration must fail")
	}
	env.now = trade.ExpirationDate
	if err := env.engine.CancelTrade(alice, trade.Index); err != nil {
		t.Fatalf("CancelTrade: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradeCancelled {
		t.Fatalf("expected cancelled state, got %v", stored.State)
	}
	if got := env.adapter.balance(assetA, [32]byte{}, alice); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("escrow must be refunded, got %s", got)
	}
	if !eventSeen(env.emitter, EventTypeTradeCancelled) {
		t.Fatalf("expected trade cancelled event")
	}
}

func TestCancelTradeByExecuterBeforeExpiration(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	stranger := newTestAddress(0x03)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.CancelTrade(stranger, trade.Index); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for stranger, got %v", err)
	}
	if err := env.engine.CancelTrade(executer, trade.Index); err != nil {
		t.Fatalf("executer cancel: %v", err)
	}
	if got := env.adapter.balance(assetA, [32]byte{}, alice); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("escrow must be refunded, got %s", got)
	}
}

func TestNativeEscrowRequiresAttachedValue(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint([20]byte{}, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := TradeRequest{
		Holder1: alice,
		Holder2: bob,
		Leg1:    LegInput{Amount: big.NewInt(300), Standard: StandardNative, Type: TradeTypeEscrow},
		Leg2:    fungibleLeg(assetB, 200, TradeTypeEscrow),
	}
	if _, err := env.engine.RequestTrade(alice, req, nil); err == nil {
		t.Fatalf("expected attached value mismatch")
	}
	trade, err := env.engine.RequestTrade(alice, req, big.NewInt(300))
	if err != nil {
		t.Fatalf("RequestTrade with value: %v", err)
	}
	custodian := env.engine.Custodian()
	if got := env.adapter.balance([20]byte{}, [32]byte{}, custodian); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("native escrow must be in custody, got %s", got)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	if got := env.adapter.balance([20]byte{}, [32]byte{}, bob); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("bob should receive the native leg, got %s", got)
	}
}

func TestNonFungibleEscrowLeg(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	tokenID := [32]byte{0x77}
	nftAsset := newTestAddress(0x4E)
	env.adapter.mintToken(nftAsset, tokenID, alice)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := TradeRequest{
		Holder1: alice,
		Holder2: bob,
		Leg1:    LegInput{Asset: nftAsset, Subclass: tokenID, Standard: StandardNonFungible, Type: TradeTypeEscrow},
		Leg2:    fungibleLeg(assetB, 200, TradeTypeEscrow),
	}
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	custodian := env.engine.Custodian()
	if owner := env.adapter.owners[nftAsset][tokenID]; owner != custodian {
		t.Fatalf("token must be in custody")
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	if owner := env.adapter.owners[nftAsset][tokenID]; owner != bob {
		t.Fatalf("token must reach the counterparty")
	}
	if got := env.adapter.balance(assetB, [32]byte{}, alice); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("alice must receive the payment leg, got %s", got)
	}
}

func TestOffLedgerLegNeverMoves(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)

	req := TradeRequest{
		Holder1: alice,
		Holder2: bob,
		Leg1:    LegInput{Amount: big.NewInt(500), Standard: StandardOffLedger, Type: TradeTypeEscrow},
		Leg2:    fungibleLeg(assetB, 200, TradeTypeEscrow),
	}
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.State != TradeExecuted {
		t.Fatalf("expected executed state, got %v", stored.State)
	}
	if got := env.adapter.balance(assetB, [32]byte{}, alice); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("payment leg must settle, got %s", got)
	}
}

func TestHandleTransferNotificationProposalAndAcceptance(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	custodian := env.engine.Custodian()
	partition1 := [32]byte{0x11}
	partition2 := [32]byte{0x22}
	// The triggering transfers already delivered both escrows into custody.
	env.adapter.mint(assetA, partition1, custodian, 100)
	env.adapter.mint(assetB, partition2, custodian, 200)

	proposal := EncodeTradeProposal(TradeProposalPayload{
		Recipient:       bob,
		CounterAsset:    assetB,
		CounterAmount:   big.NewInt(200),
		CounterSubclass: partition2,
		CounterStandard: StandardPartitionedFungible,
		CounterType:     TradeTypeEscrow,
	})
	if err := env.engine.HandleTransferNotification(assetA, alice, partition1, big.NewInt(100), proposal); err != nil {
		t.Fatalf("proposal notification: %v", err)
	}
	trade, err := env.engine.GetTrade(1)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if !trade.Leg1.Accepted || trade.Leg2.Accepted {
		t.Fatalf("proposal leg must be accepted on arrival")
	}
	if trade.Leg1.Standard != StandardPartitionedFungible || trade.Leg1.Subclass != partition1 {
		t.Fatalf("proposal leg must mirror the transfer")
	}

	acceptance := EncodeTradeAcceptance(TradeAcceptancePayload{TradeIndex: 1})
	if err := env.engine.HandleTransferNotification(assetB, bob, partition2, big.NewInt(200), acceptance); err != nil {
		t.Fatalf("acceptance notification: %v", err)
	}
	stored, _ := env.engine.GetTrade(1)
	if stored.State != TradeExecuted {
		t.Fatalf("expected auto-execution, got %v", stored.State)
	}
	if got := env.adapter.balance(assetA, partition1, bob); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bob must receive the proposed leg, got %s", got)
	}
	if got := env.adapter.balance(assetB, partition2, alice); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("alice must receive the counter leg, got %s", got)
	}
}

func TestHandleTransferNotificationRejectsMismatchedAcceptance(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	custodian := env.engine.Custodian()
	partition1 := [32]byte{0x11}
	partition2 := [32]byte{0x22}
	env.adapter.mint(assetA, partition1, custodian, 100)

	proposal := EncodeTradeProposal(TradeProposalPayload{
		Recipient:       bob,
		CounterAsset:    assetB,
		CounterAmount:   big.NewInt(200),
		CounterSubclass: partition2,
		CounterStandard: StandardPartitionedFungible,
		CounterType:     TradeTypeEscrow,
	})
	if err := env.engine.HandleTransferNotification(assetA, alice, partition1, big.NewInt(100), proposal); err != nil {
		t.Fatalf("proposal notification: %v", err)
	}
	acceptance := EncodeTradeAcceptance(TradeAcceptancePayload{TradeIndex: 1})
	if err := env.engine.HandleTransferNotification(assetB, bob, partition2, big.NewInt(150), acceptance); err == nil {
		t.Fatalf("amount mismatch must be rejected")
	}
	if err := env.engine.HandleTransferNotification(assetA, bob, partition2, big.NewInt(200), acceptance); err == nil {
		t.Fatalf("asset mismatch must be rejected")
	}
	if err := env.engine.HandleTransferNotification(assetB, bob, partition2, big.NewInt(200), []byte{0x01, 0x02}); !errors.Is(err, errPayloadMarker) {
		t.Fatalf("expected payload marker error, got %v", err)
	}
}

func TestVariablePriceSettlement(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	oracle := newTestAddress(0x0A)
	admin := newTestAddress(0xAD)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)
	env.adapter.admins[assetA] = admin
	if err := env.engine.SetPriceOracles(admin, assetA, [][20]byte{oracle}); err != nil {
		t.Fatalf("SetPriceOracles: %v", err)
	}
	if err := env.engine.SetPriceOwnership(oracle, assetA, assetB, true); err != nil {
		t.Fatalf("SetPriceOwnership: %v", err)
	}
	if err := env.engine.SetTokenPrice(oracle, assetA, assetB, [32]byte{}, [32]byte{}, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("SetTokenPrice: %v", err)
	}
	startDate := env.now + defaultPriceLeadSecs
	if err := env.engine.SetVariablePriceStartDate(oracle, assetA, startDate); err != nil {
		t.Fatalf("SetVariablePriceStartDate: %v", err)
	}

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	req.ExpirationDate = startDate + 7200
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	// Before the start date the recorded amount applies.
	price, err := env.engine.GetPrice(trade.Index)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected recorded amount before start date, got %s", price)
	}
	env.now = startDate
	price, err = env.engine.GetPrice(trade.Index)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected 100*2=200, got %s", price)
	}
	if err := env.engine.SetTokenPrice(oracle, assetA, assetB, [32]byte{}, [32]byte{}, decimal.NewFromFloat(1.5)); err != nil {
		t.Fatalf("reprice: %v", err)
	}
	price, _ = env.engine.GetPrice(trade.Index)
	if price.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected 100*1.5=150, got %s", price)
	}
	if err := env.engine.ExecuteTrade(executer, trade.Index); err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if got := env.adapter.balance(assetB, [32]byte{}, alice); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("alice must receive the repriced amount, got %s", got)
	}
	// The unused escrow remainder goes back to bob.
	if got := env.adapter.balance(assetB, [32]byte{}, bob); got.Cmp(big.NewInt(850)) != 0 {
		t.Fatalf("bob must be refunded the remainder, got %s", got)
	}
}

func TestReversePriceCanExceedEscrow(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	executer := newTestAddress(0x0E)
	oracle := newTestAddress(0x0A)
	admin := newTestAddress(0xAD)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)
	env.adapter.admins[assetB] = admin
	if err := env.engine.SetPriceOracles(admin, assetB, [][20]byte{oracle}); err != nil {
		t.Fatalf("SetPriceOracles: %v", err)
	}
	// Asset B quotes the pair, so the payable amount is leg1/multiple.
	if err := env.engine.SetPriceOwnership(oracle, assetB, assetA, true); err != nil {
		t.Fatalf("SetPriceOwnership: %v", err)
	}
	if err := env.engine.SetTokenPrice(oracle, assetB, assetA, [32]byte{}, [32]byte{}, decimal.NewFromFloat(0.25)); err != nil {
		t.Fatalf("SetTokenPrice: %v", err)
	}
	startDate := env.now + defaultPriceLeadSecs
	if err := env.engine.SetVariablePriceStartDate(oracle, assetB, startDate); err != nil {
		t.Fatalf("SetVariablePriceStartDate: %v", err)
	}

	req := escrowEscrowRequest(alice, bob)
	req.Executer = executer
	req.ExpirationDate = startDate + 7200
	trade, err := env.engine.RequestTrade(alice, req, nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade: %v", err)
	}
	env.now = startDate
	// 100 / 0.25 = 400, more than the 200 escrowed.
	price, err := env.engine.GetPrice(trade.Index)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected 400, got %s", price)
	}
	if err := env.engine.ExecuteTrade(executer, trade.Index); !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
}

func TestAmbiguousPriceOwnershipBlocksSettlement(t *testing.T) {
	env := setupEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	oracleA := newTestAddress(0x0A)
	oracleB := newTestAddress(0x0B)
	adminA := newTestAddress(0xAD)
	adminB := newTestAddress(0xAE)
	env.adapter.mint(assetA, [32]byte{}, alice, 1000)
	env.adapter.mint(assetB, [32]byte{}, bob, 1000)
	env.adapter.admins[assetA] = adminA
	env.adapter.admins[assetB] = adminB
	if err := env.engine.SetPriceOracles(adminA, assetA, [][20]byte{oracleA}); err != nil {
		t.Fatalf("SetPriceOracles A: %v", err)
	}
	if err := env.engine.SetPriceOracles(adminB, assetB, [][20]byte{oracleB}); err != nil {
		t.Fatalf("SetPriceOracles B: %v", err)
	}
	if err := env.engine.SetPriceOwnership(oracleA, assetA, assetB, true); err != nil {
		t.Fatalf("claim A->B: %v", err)
	}
	if err := env.engine.SetPriceOwnership(oracleB, assetB, assetA, true); err != nil {
		t.Fatalf("claim B->A: %v", err)
	}

	trade, err := env.engine.RequestTrade(alice, escrowEscrowRequest(alice, bob), nil)
	if err != nil {
		t.Fatalf("RequestTrade: %v", err)
	}
	if _, err := env.engine.GetPrice(trade.Index); !errors.Is(err, ErrAmbiguousPriceOwnership) {
		t.Fatalf("expected ambiguous ownership error, got %v", err)
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); !errors.Is(err, ErrAmbiguousPriceOwnership) {
		t.Fatalf("auto-execution must surface the ambiguity, got %v", err)
	}
	// Releasing one direction restores settlement.
	if err := env.engine.SetPriceOwnership(oracleB, assetB, assetA, false); err != nil {
		t.Fatalf("release B->A: %v", err)
	}
	stored, _ := env.engine.GetTrade(trade.Index)
	if stored.Leg2.Accepted {
		t.Fatalf("failed acceptance must not persist")
	}
	if err := env.engine.AcceptTrade(bob, trade.Index, nil); err != nil {
		t.Fatalf("AcceptTrade after release: %v", err)
	}
	stored, _ = env.engine.GetTrade(trade.Index)
	if stored.State != TradeExecuted {
		t.Fatalf("expected executed state, got %v", stored.State)
	}
}
