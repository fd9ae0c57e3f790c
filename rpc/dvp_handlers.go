package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"dvpnet/native/dvp"
)

type legParams struct {
	Asset     string `json:"asset,omitempty"`
	Amount    string `json:"amount"`
	Subclass  string `json:"subclass,omitempty"`
	Standard  string `json:"standard"`
	TradeType string `json:"tradeType"`
}

type requestTradeParams struct {
	Caller         string    `json:"caller"`
	Holder1        string    `json:"holder1"`
	Holder2        string    `json:"holder2,omitempty"`
	Executer       string    `json:"executer,omitempty"`
	ExpirationDate int64     `json:"expirationDate,omitempty"`
	SettlementDate int64     `json:"settlementDate,omitempty"`
	Leg1           legParams `json:"leg1"`
	Leg2           legParams `json:"leg2"`
	Value          string    `json:"value,omitempty"`
}

type tradeActionParams struct {
	Caller string `json:"caller"`
	Index  uint64 `json:"index"`
	Value  string `json:"value,omitempty"`
}

type approveTradeParams struct {
	Caller  string `json:"caller"`
	Index   uint64 `json:"index"`
	Approve bool   `json:"approve"`
}

type tradeIndexParams struct {
	Index uint64 `json:"index"`
}

type legJSON struct {
	Asset     string   `json:"asset"`
	Amount    string   `json:"amount"`
	Subclass  string   `json:"subclass"`
	Standard  string   `json:"standard"`
	TradeType string   `json:"tradeType"`
	Accepted  bool     `json:"accepted"`
	Approvers []string `json:"approvers,omitempty"`
}

type tradeJSON struct {
	Index          uint64  `json:"index"`
	Holder1        string  `json:"holder1"`
	Holder2        string  `json:"holder2,omitempty"`
	Executer       string  `json:"executer,omitempty"`
	ExpirationDate int64   `json:"expirationDate"`
	SettlementDate int64   `json:"settlementDate"`
	CreatedAt      int64   `json:"createdAt"`
	Leg1           legJSON `json:"leg1"`
	Leg2           legJSON `json:"leg2"`
	State          string  `json:"state"`
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: codeDvpInvalidParams, Message: message}
}

func decodeParams(params []json.RawMessage, out interface{}) *RPCError {
	if len(params) != 1 {
		return invalidParams("expected a single params object")
	}
	if err := json.Unmarshal(params[0], out); err != nil {
		return invalidParams(fmt.Sprintf("malformed params: %v", err))
	}
	return nil
}

func parseAddress(field, value string) ([20]byte, *RPCError) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return addr, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(addr) {
		return addr, invalidParams(fmt.Sprintf("%s must be a 20-byte hex address", field))
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseSubclass(field, value string) ([32]byte, *RPCError) {
	var sub [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return sub, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(sub) {
		return sub, invalidParams(fmt.Sprintf("%s must be a 32-byte hex value", field))
	}
	copy(sub[:], raw)
	return sub, nil
}

func parseAmount(field, value string) (*big.Int, *RPCError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, invalidParams(fmt.Sprintf("%s must be a non-negative decimal amount", field))
	}
	return amount, nil
}

func parseStandard(field, value string) (dvp.Standard, *RPCError) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "offledger":
		return dvp.StandardOffLedger, nil
	case "native":
		return dvp.StandardNative, nil
	case "fungible":
		return dvp.StandardFungible, nil
	case "nonfungible":
		return dvp.StandardNonFungible, nil
	case "partitioned":
		return dvp.StandardPartitionedFungible, nil
	default:
		return 0, invalidParams(fmt.Sprintf("%s must name an asset standard", field))
	}
}

func parseTradeType(field, value string) (dvp.TradeType, *RPCError) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "swap":
		return dvp.TradeTypeSwap, nil
	case "escrow":
		return dvp.TradeTypeEscrow, nil
	default:
		return 0, invalidParams(fmt.Sprintf("%s must be swap or escrow", field))
	}
}

func parseLeg(field string, params legParams) (dvp.LegInput, *RPCError) {
	var leg dvp.LegInput
	asset, rpcErr := parseAddress(field+".asset", params.Asset)
	if rpcErr != nil {
		return leg, rpcErr
	}
	amount, rpcErr := parseAmount(field+".amount", params.Amount)
	if rpcErr != nil {
		return leg, rpcErr
	}
	subclass, rpcErr := parseSubclass(field+".subclass", params.Subclass)
	if rpcErr != nil {
		return leg, rpcErr
	}
	standard, rpcErr := parseStandard(field+".standard", params.Standard)
	if rpcErr != nil {
		return leg, rpcErr
	}
	tradeType, rpcErr := parseTradeType(field+".tradeType", params.TradeType)
	if rpcErr != nil {
		return leg, rpcErr
	}
	leg.Asset = asset
	leg.Amount = amount
	leg.Subclass = subclass
	leg.Standard = standard
	leg.Type = tradeType
	return leg, nil
}

func engineError(err error) *RPCError {
	switch {
	case errors.Is(err, dvp.ErrTradeNotFound):
		return &RPCError{Code: codeDvpNotFound, Message: err.Error()}
	case errors.Is(err, dvp.ErrTradeNotPending), errors.Is(err, dvp.ErrLegAlreadyAccepted):
		return &RPCError{Code: codeDvpConflict, Message: err.Error()}
	case errors.Is(err, dvp.ErrUnauthorized):
		return &RPCError{Code: codeDvpForbidden, Message: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
}

func encodeAddr(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return "0x" + hex.EncodeToString(addr[:])
}

func legToJSON(leg dvp.AssetLeg) legJSON {
	approvers := make([]string, 0, len(leg.Approvers))
	for _, a := range leg.Approvers {
		approvers = append(approvers, encodeAddr(a))
	}
	amount := "0"
	if leg.Amount != nil {
		amount = leg.Amount.String()
	}
	return legJSON{
		Asset:     encodeAddr(leg.Asset),
		Amount:    amount,
		Subclass:  "0x" + hex.EncodeToString(leg.Subclass[:]),
		Standard:  leg.Standard.String(),
		TradeType: leg.Type.String(),
		Accepted:  leg.Accepted,
		Approvers: approvers,
	}
}

func tradeToJSON(t *dvp.Trade) tradeJSON {
	return tradeJSON{
		Index:          t.Index,
		Holder1:        encodeAddr(t.Holder1),
		Holder2:        encodeAddr(t.Holder2),
		Executer:       encodeAddr(t.Executer),
		ExpirationDate: t.ExpirationDate,
		SettlementDate: t.SettlementDate,
		CreatedAt:      t.CreatedAt,
		Leg1:           legToJSON(t.Leg1),
		Leg2:           legToJSON(t.Leg2),
		State:          t.State.String(),
	}
}

func (s *Server) handleRequestTrade(params []json.RawMessage) (interface{}, *RPCError) {
	var p requestTradeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	holder1, rpcErr := parseAddress("holder1", p.Holder1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	holder2, rpcErr := parseAddress("holder2", p.Holder2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	executer, rpcErr := parseAddress("executer", p.Executer)
	if rpcErr != nil {
		return nil, rpcErr
	}
	leg1, rpcErr := parseLeg("leg1", p.Leg1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	leg2, rpcErr := parseLeg("leg2", p.Leg2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	value, rpcErr := parseAmount("value", p.Value)
	if rpcErr != nil {
		return nil, rpcErr
	}
	trade, err := s.engine.RequestTrade(caller, dvp.TradeRequest{
		Holder1:        holder1,
		Holder2:        holder2,
		Executer:       executer,
		ExpirationDate: p.ExpirationDate,
		SettlementDate: p.SettlementDate,
		Leg1:           leg1,
		Leg2:           leg2,
	}, value)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]uint64{"index": trade.Index}, nil
}

func (s *Server) handleAcceptTrade(params []json.RawMessage) (interface{}, *RPCError) {
	var p tradeActionParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	value, rpcErr := parseAmount("value", p.Value)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.AcceptTrade(caller, p.Index, value); err != nil {
		return nil, engineError(err)
	}
	return s.tradeResult(p.Index)
}

func (s *Server) handleApproveTrade(params []json.RawMessage) (interface{}, *RPCError) {
	var p approveTradeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.ApproveTrade(caller, p.Index, p.Approve); err != nil {
		return nil, engineError(err)
	}
	return s.tradeResult(p.Index)
}

func (s *Server) handleExecuteTrade(params []json.RawMessage) (interface{}, *RPCError) {
	return s.handleTradeTransition(params, s.engine.ExecuteTrade)
}

func (s *Server) handleForceTrade(params []json.RawMessage) (interface{}, *RPCError) {
	return s.handleTradeTransition(params, s.engine.ForceTrade)
}

func (s *Server) handleCancelTrade(params []json.RawMessage) (interface{}, *RPCError) {
	return s.handleTradeTransition(params, s.engine.CancelTrade)
}

func (s *Server) handleTradeTransition(params []json.RawMessage, op func([20]byte, uint64) error) (interface{}, *RPCError) {
	var p tradeActionParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := op(caller, p.Index); err != nil {
		return nil, engineError(err)
	}
	return s.tradeResult(p.Index)
}

func (s *Server) tradeResult(index uint64) (interface{}, *RPCError) {
	trade, err := s.engine.GetTrade(index)
	if err != nil {
		return nil, engineError(err)
	}
	return tradeToJSON(trade), nil
}

func (s *Server) handleGetTrade(params []json.RawMessage) (interface{}, *RPCError) {
	var p tradeIndexParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	return s.tradeResult(p.Index)
}

func (s *Server) handleGetNbTrades(params []json.RawMessage) (interface{}, *RPCError) {
	return map[string]uint64{"count": s.engine.GetNbTrades()}, nil
}

func (s *Server) handleGetPrice(params []json.RawMessage) (interface{}, *RPCError) {
	var p tradeIndexParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	price, err := s.engine.GetPrice(p.Index)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]string{"price": price.String()}, nil
}

func (s *Server) handleGetTradeAcceptanceStatus(params []json.RawMessage) (interface{}, *RPCError) {
	var p tradeIndexParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	accepted, err := s.engine.GetTradeAcceptanceStatus(p.Index)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]bool{"accepted": accepted}, nil
}

func (s *Server) handleGetTradeApprovalStatus(params []json.RawMessage) (interface{}, *RPCError) {
	var p tradeIndexParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	approved, err := s.engine.GetTradeApprovalStatus(p.Index)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]bool{"approved": approved}, nil
}
