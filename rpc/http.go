package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"dvpnet/native/dvp"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000

	codeDvpInvalidParams = -32021
	codeDvpNotFound      = -32022
	codeDvpForbidden     = -32023
	codeDvpConflict      = -32024
)

// Server exposes the settlement engine over JSON-RPC 2.0.
type Server struct {
	engine *dvp.Engine
	log    *slog.Logger
}

// NewServer wraps the engine for RPC exposure.
func NewServer(engine *dvp.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: engine, log: log}
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Start serves the RPC endpoint on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", slog.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	req := &RPCRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	handler, ok := s.methods()[method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "unknown method", method)
		return
	}
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		s.log.Warn("rpc call failed",
			slog.String("method", method),
			slog.String("error", rpcErr.Message))
		writeError(w, http.StatusOK, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	writeResult(w, req.ID, result)
}

type methodFunc func(params []json.RawMessage) (interface{}, *RPCError)

func (s *Server) methods() map[string]methodFunc {
	return map[string]methodFunc{
		"dvp_requestTrade":             s.handleRequestTrade,
		"dvp_acceptTrade":              s.handleAcceptTrade,
		"dvp_approveTrade":             s.handleApproveTrade,
		"dvp_executeTrade":             s.handleExecuteTrade,
		"dvp_forceTrade":               s.handleForceTrade,
		"dvp_cancelTrade":              s.handleCancelTrade,
		"dvp_getTrade":                 s.handleGetTrade,
		"dvp_getNbTrades":              s.handleGetNbTrades,
		"dvp_getPrice":                 s.handleGetPrice,
		"dvp_getTradeAcceptanceStatus": s.handleGetTradeAcceptanceStatus,
		"dvp_getTradeApprovalStatus":   s.handleGetTradeApprovalStatus,
	}
}
