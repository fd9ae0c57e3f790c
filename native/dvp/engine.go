package dvp

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dvpnet/core/events"
	"dvpnet/core/types"
)

var (
	errNilState   = errors.New("dvp engine: state not configured")
	errNilAdapter = errors.New("dvp engine: asset adapter not configured")

	// ErrTradeNotFound is returned when the trade index does not exist.
	ErrTradeNotFound = errors.New("dvp engine: trade not found")
	// ErrTradeNotPending is returned when a pending-only operation targets a
	// terminal trade.
	ErrTradeNotPending = errors.New("dvp engine: trade not pending")
	// ErrLegAlreadyAccepted is returned on a repeated acceptance of the same
	// leg; the call changes no state.
	ErrLegAlreadyAccepted = errors.New("dvp: leg already accepted")
	// ErrInsufficientEscrow is returned when the execution-time amount of an
	// escrowed leg exceeds what was deposited, which can happen with
	// reverse-direction price quotes.
	ErrInsufficientEscrow = errors.New("dvp: escrowed amount insufficient for settlement")

	// ErrUnauthorized is returned when the caller holds no role admitting
	// the requested transition.
	ErrUnauthorized = errors.New("dvp: unauthorized caller")
)

const (
	defaultExpirationSecs int64 = 30 * 86400
	defaultPriceLeadSecs  int64 = 7 * 86400
)

// DefaultCustodian derives the engine's default custody principal. Deployments
// can override it via SetCustodian.
func DefaultCustodian() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("dvp/custodian"))[:20])
	return addr
}

// engineState is the persistence surface required by the engine: an
// append-only 1-indexed trade ledger plus asset and holder indices.
type engineState interface {
	TradeAppend(*Trade) (uint64, error)
	TradePut(*Trade) error
	TradeGet(index uint64) (*Trade, bool)
	TradeCount() uint64
	TradeIndexAsset(asset [20]byte, index uint64) error
	TradeIndexHolder(holder [20]byte, index uint64) error
	TradesByAsset(asset [20]byte) []uint64
	TradesByHolder(holder [20]byte) []uint64
}

// Engine is the delivery-versus-payment settlement state machine. Every
// externally invoked operation validates against committed state and either
// applies completely or leaves no partial writes behind.
type Engine struct {
	state   engineState
	adapter AssetAdapter
	emitter events.Emitter
	nowFn   func() int64

	roles  *roleRegistry
	prices *priceBook

	custodian         [20]byte
	roleGated         bool
	defaultExpiration int64
	priceLeadTime     int64
}

// NewEngine constructs a settlement engine. A zero owner leaves the engine
// ownerless; roleGated restricts trade executers to the owner-managed
// whitelist.
func NewEngine(owner [20]byte, roleGated bool) *Engine {
	return &Engine{
		emitter:           events.NoopEmitter{},
		nowFn:             func() int64 { return time.Now().Unix() },
		roles:             newRoleRegistry(owner),
		prices:            newPriceBook(),
		custodian:         DefaultCustodian(),
		roleGated:         roleGated,
		defaultExpiration: defaultExpirationSecs,
		priceLeadTime:     defaultPriceLeadSecs,
	}
}

// SetState configures the trade ledger backend.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAdapter configures the asset adapter collaborator.
func (e *Engine) SetAdapter(adapter AssetAdapter) { e.adapter = adapter }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetCustodian overrides the custody principal used for escrowed assets.
func (e *Engine) SetCustodian(addr [20]byte) {
	if addr != ([20]byte{}) {
		e.custodian = addr
	}
}

// Custodian returns the custody principal holding escrowed assets.
func (e *Engine) Custodian() [20]byte { return e.custodian }

// SetDefaultExpiration overrides the horizon applied when a trade request
// carries no expiration date.
func (e *Engine) SetDefaultExpiration(secs int64) {
	if secs > 0 {
		e.defaultExpiration = secs
	}
}

// SetPriceLeadTime overrides the minimum lead time for variable-price start
// dates.
func (e *Engine) SetPriceLeadTime(secs int64) {
	if secs > 0 {
		e.priceLeadTime = secs
	}
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(dvpEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadTrade(index uint64) (*Trade, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	trade, ok := e.state.TradeGet(index)
	if !ok {
		return nil, ErrTradeNotFound
	}
	return SanitizeTrade(trade)
}

func (e *Engine) loadPendingTrade(index uint64) (*Trade, error) {
	trade, err := e.loadTrade(index)
	if err != nil {
		return nil, err
	}
	if trade.State != TradePending {
		return nil, ErrTradeNotPending
	}
	return trade, nil
}

// LegInput describes one side of a trade request.
type LegInput struct {
	Asset    [20]byte
	Amount   *big.Int
	Subclass [32]byte
	Standard Standard
	Type     TradeType
}

// TradeRequest is the input to RequestTrade. Holder2 may be zero to create an
// open trade bound to the first acceptor.
type TradeRequest struct {
	Holder1        [20]byte
	Holder2        [20]byte
	Executer       [20]byte
	ExpirationDate int64
	SettlementDate int64
	Leg1           LegInput
	Leg2           LegInput
}

func legFromInput(in LegInput) AssetLeg {
	amount := in.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return AssetLeg{
		Asset:    in.Asset,
		Amount:   new(big.Int).Set(amount),
		Subclass: in.Subclass,
		Standard: in.Standard,
		Type:     in.Type,
	}
}

func (e *Engine) validateLeg(leg *AssetLeg, holder, caller [20]byte) error {
	if !leg.Standard.Valid() {
		return fmt.Errorf("dvp: invalid asset standard %d", leg.Standard)
	}
	if !leg.Type.Valid() {
		return fmt.Errorf("dvp: invalid trade type %d", leg.Type)
	}
	switch leg.Standard {
	case StandardOffLedger, StandardNative:
		if leg.Asset != ([20]byte{}) {
			return fmt.Errorf("dvp: %s leg must carry a zero asset address", leg.Standard)
		}
	default:
		if leg.Asset == ([20]byte{}) {
			return fmt.Errorf("dvp: %s leg requires an asset address", leg.Standard)
		}
		if leg.Amount.Sign() <= 0 {
			// A non-fungible escrow leg owned by the caller moves a specific
			// token id; ownership of the id stands in for the amount.
			if leg.Standard == StandardNonFungible && leg.Type == TradeTypeEscrow && holder == caller {
				break
			}
			return fmt.Errorf("dvp: leg amount must be positive")
		}
	}
	return nil
}

// nativeEscrowValue sums the native value a caller-side escrow leg requires
// the call to carry.
func nativeEscrowValue(t *Trade, leg *AssetLeg, caller [20]byte) *big.Int {
	if leg.Standard == StandardNative && leg.Type == TradeTypeEscrow && t.holderOf(leg) == caller {
		return leg.Amount
	}
	return nil
}

// RequestTrade validates the request, escrows the caller's escrow-type legs
// and appends a new Pending trade. The value argument is the native value
// attached to the call; it must exactly cover the caller's native escrow legs.
func (e *Engine) RequestTrade(caller [20]byte, req TradeRequest, value *big.Int) (*Trade, error) {
	return e.requestTrade(caller, req, value, false)
}

func (e *Engine) requestTrade(caller [20]byte, req TradeRequest, value *big.Int, received bool) (*Trade, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if e.adapter == nil {
		return nil, errNilAdapter
	}
	if req.Holder1 == ([20]byte{}) {
		return nil, fmt.Errorf("dvp: holder1 required")
	}
	if req.Executer != ([20]byte{}) && !e.IsTradeExecuter(req.Executer) {
		return nil, fmt.Errorf("dvp: executer %x not whitelisted", req.Executer)
	}
	now := e.now()
	expiration := req.ExpirationDate
	if expiration == 0 {
		expiration = now + e.defaultExpiration
	} else if expiration <= now {
		return nil, fmt.Errorf("dvp: expiration date before creation time")
	}
	trade := &Trade{
		Holder1:        req.Holder1,
		Holder2:        req.Holder2,
		Executer:       req.Executer,
		ExpirationDate: expiration,
		SettlementDate: req.SettlementDate,
		CreatedAt:      now,
		Leg1:           legFromInput(req.Leg1),
		Leg2:           legFromInput(req.Leg2),
		State:          TradePending,
	}
	if err := e.validateLeg(&trade.Leg1, trade.Holder1, caller); err != nil {
		return nil, err
	}
	if err := e.validateLeg(&trade.Leg2, trade.Holder2, caller); err != nil {
		return nil, err
	}
	if err := e.checkAttachedValue(trade, caller, value, received); err != nil {
		return nil, err
	}
	var escrowed []*AssetLeg
	for _, leg := range []*AssetLeg{&trade.Leg1, &trade.Leg2} {
		if trade.holderOf(leg) != caller || leg.Type != TradeTypeEscrow {
			continue
		}
		if received && leg == &trade.Leg1 {
			// The triggering transfer already delivered the assets.
			leg.Accepted = true
			continue
		}
		if leg.Movable() {
			if err := e.pullToCustody(trade, leg); err != nil {
				e.releaseEscrows(escrowed, caller)
				return nil, err
			}
			escrowed = append(escrowed, leg)
		}
		leg.Accepted = true
	}
	index, err := e.state.TradeAppend(trade)
	if err != nil {
		e.releaseEscrows(escrowed, caller)
		return nil, err
	}
	trade.Index = index
	e.indexTrade(trade)
	e.emit(NewTradeRequestedEvent(trade))
	return trade.Clone(), nil
}

func (e *Engine) checkAttachedValue(t *Trade, caller [20]byte, value *big.Int, received bool) error {
	expected := big.NewInt(0)
	if !received {
		for _, leg := range []*AssetLeg{&t.Leg1, &t.Leg2} {
			if v := nativeEscrowValue(t, leg, caller); v != nil {
				expected.Add(expected, v)
			}
		}
	}
	attached := value
	if attached == nil {
		attached = big.NewInt(0)
	}
	if attached.Cmp(expected) != 0 {
		return fmt.Errorf("dvp: attached value %s does not match required %s", attached, expected)
	}
	return nil
}

func (e *Engine) pullToCustody(t *Trade, leg *AssetLeg) error {
	holder := t.holderOf(leg)
	if err := e.adapter.Pull(leg.Asset, e.custodian, holder, e.custodian, leg.Amount, leg.Subclass, leg.Standard); err != nil {
		return fmt.Errorf("dvp: escrow deposit failed: %w", err)
	}
	return nil
}

// releaseEscrows compensates partially completed escrow pulls when a later
// step of the same call fails.
func (e *Engine) releaseEscrows(legs []*AssetLeg, holder [20]byte) {
	for _, leg := range legs {
		_ = e.adapter.Push(leg.Asset, e.custodian, holder, leg.Amount, leg.Subclass, leg.Standard)
	}
}

func (e *Engine) indexTrade(t *Trade) {
	seen := make(map[[20]byte]bool, 2)
	for _, leg := range []*AssetLeg{&t.Leg1, &t.Leg2} {
		if leg.Asset != ([20]byte{}) && !seen[leg.Asset] {
			seen[leg.Asset] = true
			_ = e.state.TradeIndexAsset(leg.Asset, t.Index)
		}
	}
	for _, holder := range [][20]byte{t.Holder1, t.Holder2} {
		if holder != ([20]byte{}) {
			_ = e.state.TradeIndexHolder(holder, t.Index)
		}
	}
}

// receivedFunds describes assets delivered by the transfer notification that
// triggered an acceptance, used instead of an allowance pull.
type receivedFunds struct {
	asset    [20]byte
	subclass [32]byte
	amount   *big.Int
}

// AcceptTrade accepts the caller's leg of a pending trade. An open holder2
// slot is bound to the caller first. Escrow legs are deposited into custody;
// swap legs are merely marked accepted. When acceptance completes the trade,
// execution runs automatically in the same call.
func (e *Engine) AcceptTrade(caller [20]byte, index uint64, value *big.Int) error {
	return e.acceptTrade(caller, index, value, nil)
}

func (e *Engine) acceptTrade(caller [20]byte, index uint64, value *big.Int, recv *receivedFunds) error {
	if e.adapter == nil {
		return errNilAdapter
	}
	trade, err := e.loadPendingTrade(index)
	if err != nil {
		return err
	}
	bound := false
	if trade.Holder2 == ([20]byte{}) && caller != trade.Holder1 {
		trade.Holder2 = caller
		bound = true
	}
	leg := trade.legOf(caller)
	if leg == nil {
		return ErrUnauthorized
	}
	if leg.Accepted {
		return ErrLegAlreadyAccepted
	}
	if recv != nil {
		if leg.Type != TradeTypeEscrow || leg.Standard != StandardPartitionedFungible {
			return fmt.Errorf("dvp: leg cannot be accepted by transfer notification")
		}
		if recv.asset != leg.Asset || recv.subclass != leg.Subclass {
			return fmt.Errorf("dvp: transferred asset does not match trade leg")
		}
		if recv.amount == nil || recv.amount.Cmp(leg.Amount) != 0 {
			return fmt.Errorf("dvp: transferred amount does not match trade leg")
		}
	} else {
		attached := value
		if attached == nil {
			attached = big.NewInt(0)
		}
		expected := big.NewInt(0)
		if v := nativeEscrowValue(trade, leg, caller); v != nil {
			expected = v
		}
		if attached.Cmp(expected) != 0 {
			return fmt.Errorf("dvp: attached value %s does not match required %s", attached, expected)
		}
		if leg.Type == TradeTypeEscrow && leg.Movable() {
			if err := e.pullToCustody(trade, leg); err != nil {
				return err
			}
		}
	}
	leg.Accepted = true
	if e.autoExecutable(trade) {
		if err := e.executeTrade(trade); err != nil {
			// Roll the acceptance back so the caller can retry once the
			// settlement obstacle is cleared.
			if recv == nil && leg.Type == TradeTypeEscrow && leg.Movable() {
				e.releaseEscrows([]*AssetLeg{leg}, caller)
			}
			return err
		}
	} else if err := e.state.TradePut(trade); err != nil {
		if recv == nil && leg.Type == TradeTypeEscrow && leg.Movable() {
			e.releaseEscrows([]*AssetLeg{leg}, caller)
		}
		return err
	}
	if bound {
		_ = e.state.TradeIndexHolder(caller, trade.Index)
	}
	e.emit(NewTradeAcceptedEvent(trade, caller))
	return nil
}

// HandleTransferNotification is the inbound hook for partitioned-fungible
// operator transfers carrying a tagged payload. A proposal payload creates a
// trade whose first leg is the assets just received; an acceptance payload
// accepts the sender's escrow leg with them.
func (e *Engine) HandleTransferNotification(asset, from [20]byte, partition [32]byte, amount *big.Int, data []byte) error {
	switch {
	case IsTradeProposal(data):
		payload, err := DecodeTradeProposal(data)
		if err != nil {
			return err
		}
		req := TradeRequest{
			Holder1:        from,
			Holder2:        payload.Recipient,
			Executer:       payload.Executer,
			ExpirationDate: payload.ExpirationDate,
			SettlementDate: payload.SettlementDate,
			Leg1: LegInput{
				Asset:    asset,
				Amount:   amount,
				Subclass: partition,
				Standard: StandardPartitionedFungible,
				Type:     TradeTypeEscrow,
			},
			Leg2: LegInput{
				Asset:    payload.CounterAsset,
				Amount:   payload.CounterAmount,
				Subclass: payload.CounterSubclass,
				Standard: payload.CounterStandard,
				Type:     payload.CounterType,
			},
		}
		_, err = e.requestTrade(from, req, nil, true)
		return err
	case IsTradeAcceptance(data):
		payload, err := DecodeTradeAcceptance(data)
		if err != nil {
			return err
		}
		return e.acceptTrade(from, payload.TradeIndex, nil, &receivedFunds{
			asset:    asset,
			subclass: partition,
			amount:   amount,
		})
	default:
		return errPayloadMarker
	}
}

// ApproveTrade records or revokes the calling controller's approval for every
// trade asset it controls. When the approval completes the trade, execution
// runs automatically in the same call.
func (e *Engine) ApproveTrade(caller [20]byte, index uint64, approve bool) error {
	trade, err := e.loadPendingTrade(index)
	if err != nil {
		return err
	}
	touched := false
	for _, leg := range []*AssetLeg{&trade.Leg1, &trade.Leg2} {
		if !leg.Movable() {
			continue
		}
		if !e.IsTokenController(leg.Asset, caller) {
			continue
		}
		touched = true
		if approve && !leg.approvedBy(caller) {
			leg.Approvers = append(leg.Approvers, caller)
		}
		if !approve {
			kept := leg.Approvers[:0]
			for _, a := range leg.Approvers {
				if a != caller {
					kept = append(kept, a)
				}
			}
			leg.Approvers = kept
		}
	}
	if !touched {
		return fmt.Errorf("dvp: caller controls neither trade asset")
	}
	if e.autoExecutable(trade) {
		if err := e.executeTrade(trade); err != nil {
			return err
		}
	} else if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewTradeApprovedEvent(trade, caller, approve))
	return nil
}

// fullyApproved reports whether every movable leg whose asset has registered
// controllers carries at least one approval from a current controller.
func (e *Engine) fullyApproved(t *Trade) bool {
	for _, leg := range []*AssetLeg{&t.Leg1, &t.Leg2} {
		if !leg.Movable() {
			continue
		}
		controllers := e.roles.controllers[leg.Asset]
		if len(controllers) == 0 {
			continue
		}
		approved := false
		for _, a := range leg.Approvers {
			if containsAddress(controllers, a) {
				approved = true
				break
			}
		}
		if !approved {
			return false
		}
	}
	return true
}

func (e *Engine) executionPreconditions(t *Trade) error {
	if !t.Leg1.Accepted || !t.Leg2.Accepted {
		return fmt.Errorf("dvp: both legs must be accepted")
	}
	if !e.fullyApproved(t) {
		return fmt.Errorf("dvp: trade not fully approved")
	}
	now := e.now()
	if now < t.SettlementDate {
		return fmt.Errorf("dvp: settlement date not reached")
	}
	if now >= t.ExpirationDate {
		return fmt.Errorf("dvp: trade expired")
	}
	return nil
}

// autoExecutable reports whether the trade can settle within the current
// call: no designated executer and every execution precondition already
// holds. A precondition that does not hold simply leaves the trade pending.
func (e *Engine) autoExecutable(t *Trade) bool {
	if t.Executer != ([20]byte{}) {
		return false
	}
	return e.executionPreconditions(t) == nil
}

// ExecuteTrade settles a pending trade explicitly. Explicit execution
// requires a designated executer and may only be invoked by it.
func (e *Engine) ExecuteTrade(caller [20]byte, index uint64) error {
	if e.adapter == nil {
		return errNilAdapter
	}
	trade, err := e.loadPendingTrade(index)
	if err != nil {
		return err
	}
	if trade.Executer == ([20]byte{}) {
		return fmt.Errorf("dvp: explicit execution requires a designated executer")
	}
	if caller != trade.Executer {
		return ErrUnauthorized
	}
	if err := e.executionPreconditions(trade); err != nil {
		return err
	}
	return e.executeTrade(trade)
}

// executeTrade moves both legs atomically: escrowed legs are released from
// custody, swap legs are pulled through custody so a failed second pull can
// be compensated before anything reaches a counterparty.
func (e *Engine) executeTrade(t *Trade) error {
	final2, err := e.priceFor(t)
	if err != nil {
		return err
	}
	legs := [2]*AssetLeg{&t.Leg1, &t.Leg2}
	finals := [2]*big.Int{new(big.Int).Set(t.Leg1.Amount), final2}
	for i, leg := range legs {
		if leg.Movable() && leg.Type == TradeTypeEscrow && leg.Standard != StandardNonFungible {
			if finals[i].Cmp(leg.Amount) > 0 {
				return ErrInsufficientEscrow
			}
		}
	}
	var pulled []*AssetLeg
	for i, leg := range legs {
		if !leg.Movable() || leg.Type != TradeTypeSwap {
			continue
		}
		if err := e.adapter.Pull(leg.Asset, e.custodian, t.holderOf(leg), e.custodian, finals[i], leg.Subclass, leg.Standard); err != nil {
			for _, p := range pulled {
				_ = e.adapter.Push(p.Asset, e.custodian, t.holderOf(p), finals[legIndex(t, p)], p.Subclass, p.Standard)
			}
			return fmt.Errorf("dvp: settlement pull failed: %w", err)
		}
		pulled = append(pulled, leg)
	}
	// Every asset the settlement delivers is in custody at this point, so
	// these pushes can only fail on adapter misbehaviour. A failure leaves
	// the trade pending for retry; delivered legs are not clawed back.
	for i, leg := range legs {
		if !leg.Movable() {
			continue
		}
		if err := e.adapter.Push(leg.Asset, e.custodian, t.counterpartyOf(leg), finals[i], leg.Subclass, leg.Standard); err != nil {
			return fmt.Errorf("dvp: settlement push failed: %w", err)
		}
		if leg.Type == TradeTypeEscrow && leg.Standard != StandardNonFungible {
			remainder := new(big.Int).Sub(leg.Amount, finals[i])
			if remainder.Sign() > 0 {
				if err := e.adapter.Push(leg.Asset, e.custodian, t.holderOf(leg), remainder, leg.Subclass, leg.Standard); err != nil {
					return fmt.Errorf("dvp: escrow remainder refund failed: %w", err)
				}
			}
		}
	}
	t.State = TradeExecuted
	if err := e.state.TradePut(t); err != nil {
		return err
	}
	e.emit(NewTradeExecutedEvent(t, final2))
	return nil
}

func legIndex(t *Trade, leg *AssetLeg) int {
	if leg == &t.Leg1 {
		return 0
	}
	return 1
}

// ForceTrade settles one-sidedly: the single accepted leg moves to its
// counterparty with no reciprocal transfer. The designated executer may force
// at any time while pending; without an executer, the accepting holder may
// force provided neither asset has controllers.
func (e *Engine) ForceTrade(caller [20]byte, index uint64) error {
	if e.adapter == nil {
		return errNilAdapter
	}
	trade, err := e.loadPendingTrade(index)
	if err != nil {
		return err
	}
	if trade.Leg1.Accepted && trade.Leg2.Accepted {
		return fmt.Errorf("dvp: both legs accepted")
	}
	var leg *AssetLeg
	switch {
	case trade.Leg1.Accepted:
		leg = &trade.Leg1
	case trade.Leg2.Accepted:
		leg = &trade.Leg2
	default:
		return fmt.Errorf("dvp: no leg accepted")
	}
	if trade.Executer != ([20]byte{}) {
		if caller != trade.Executer {
			return ErrUnauthorized
		}
	} else {
		if caller != trade.holderOf(leg) {
			return ErrUnauthorized
		}
		for _, l := range []*AssetLeg{&trade.Leg1, &trade.Leg2} {
			if l.Movable() && len(e.roles.controllers[l.Asset]) > 0 {
				return fmt.Errorf("dvp: controlled assets cannot be forced by a holder")
			}
		}
	}
	if leg.Movable() {
		counterparty := trade.counterpartyOf(leg)
		if leg.Type == TradeTypeEscrow {
			if err := e.adapter.Push(leg.Asset, e.custodian, counterparty, leg.Amount, leg.Subclass, leg.Standard); err != nil {
				return fmt.Errorf("dvp: forced release failed: %w", err)
			}
		} else {
			if err := e.adapter.Pull(leg.Asset, e.custodian, trade.holderOf(leg), counterparty, leg.Amount, leg.Subclass, leg.Standard); err != nil {
				return fmt.Errorf("dvp: forced pull failed: %w", err)
			}
		}
	}
	trade.State = TradeForced
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewTradeForcedEvent(trade))
	return nil
}

// CancelTrade returns escrowed assets to their original holders and marks the
// trade cancelled. The designated executer may cancel at any time while
// pending; holders only once the expiration date has passed.
func (e *Engine) CancelTrade(caller [20]byte, index uint64) error {
	if e.adapter == nil {
		return errNilAdapter
	}
	trade, err := e.loadPendingTrade(index)
	if err != nil {
		return err
	}
	switch {
	case trade.Executer != ([20]byte{}) && caller == trade.Executer:
	case caller == trade.Holder1 || (trade.Holder2 != ([20]byte{}) && caller == trade.Holder2):
		if e.now() < trade.ExpirationDate {
			return fmt.Errorf("dvp: holders may cancel only after expiration")
		}
	default:
		return ErrUnauthorized
	}
	for _, leg := range []*AssetLeg{&trade.Leg1, &trade.Leg2} {
		if leg.Accepted && leg.Type == TradeTypeEscrow && leg.Movable() {
			if err := e.adapter.Push(leg.Asset, e.custodian, trade.holderOf(leg), leg.Amount, leg.Subclass, leg.Standard); err != nil {
				return fmt.Errorf("dvp: escrow refund failed: %w", err)
			}
		}
	}
	trade.State = TradeCancelled
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewTradeCancelledEvent(trade))
	return nil
}

// GetTrade returns a copy of the trade at the given 1-based index.
func (e *Engine) GetTrade(index uint64) (*Trade, error) {
	return e.loadTrade(index)
}

// GetNbTrades returns the number of trades ever created.
func (e *Engine) GetNbTrades() uint64 {
	if e.state == nil {
		return 0
	}
	return e.state.TradeCount()
}

// GetTradeAcceptanceStatus reports whether both legs of the trade have been
// accepted.
func (e *Engine) GetTradeAcceptanceStatus(index uint64) (bool, error) {
	trade, err := e.loadTrade(index)
	if err != nil {
		return false, err
	}
	return trade.Leg1.Accepted && trade.Leg2.Accepted, nil
}

// GetTradeApprovalStatus reports whether every controlled asset of the trade
// carries a current controller approval.
func (e *Engine) GetTradeApprovalStatus(index uint64) (bool, error) {
	trade, err := e.loadTrade(index)
	if err != nil {
		return false, err
	}
	return e.fullyApproved(trade), nil
}

// TradesByAsset lists the indices of trades involving the asset.
func (e *Engine) TradesByAsset(asset [20]byte) []uint64 {
	if e.state == nil {
		return nil
	}
	return e.state.TradesByAsset(asset)
}

// TradesByHolder lists the indices of trades involving the holder.
func (e *Engine) TradesByHolder(holder [20]byte) []uint64 {
	if e.state == nil {
		return nil
	}
	return e.state.TradesByHolder(holder)
}
