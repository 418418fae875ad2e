package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"otcswap/native/otc"
	"otcswap/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeOTCInvalidParams = -32030
	codeOTCNotFound      = -32031
	codeOTCForbidden     = -32032
	codeOTCConflict      = -32033
	codeOTCInternal      = -32034
)

// Server exposes the trade engine over JSON-RPC 2.0.
type Server struct {
	engine    *otc.Engine
	stakes    StakeWriter
	log       *slog.Logger
	authToken string
}

// StakeWriter mirrors oracle-reported stake into local state. Fed by the
// external stake service through the authenticated admin surface.
type StakeWriter interface {
	SetStaked(addr [20]byte, amount *big.Int) error
}

// NewServer constructs the RPC server. An empty authToken disables the
// administrative surface entirely.
func NewServer(engine *otc.Engine, stakes StakeWriter, log *slog.Logger, authToken string) *Server {
	return &Server{engine: engine, stakes: stakes, log: log, authToken: strings.TrimSpace(authToken)}
}

// Router assembles the HTTP surface: JSON-RPC at the root plus health and
// metrics endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// RPCRequest is the JSON-RPC request envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

// RPCResponse is the JSON-RPC response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC error object.
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
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse error", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid jsonrpc version", nil)
		return
	}
	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		observability.Trades().RecordRPC(req.Method, "unknown")
		return
	}
	handler(w, r, &req)
}

func (s *Server) methods() map[string]func(http.ResponseWriter, *http.Request, *RPCRequest) {
	return map[string]func(http.ResponseWriter, *http.Request, *RPCRequest){
		"otc_createTrade":         s.handleCreateTrade,
		"otc_depositToken":        s.handleDepositToken,
		"otc_depositNative":       s.handleDepositNative,
		"otc_cancelTrade":         s.handleCancelTrade,
		"otc_getTrade":            s.handleGetTrade,
		"otc_completedTradeCount": s.handleCompletedTradeCount,
		"otc_getCompletedTrade":   s.handleGetCompletedTrade,
		"otc_fileBuyer":           s.handleFileBuyer,
		"otc_setFeeRate":          s.handleSetFeeRate,
		"otc_setStaked":           s.handleSetStaked,
		"otc_recoverToken":        s.handleRecoverToken,
		"otc_recoverNative":       s.handleRecoverNative,
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}
