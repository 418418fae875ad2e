package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"otcswap/native/otc"
	"otcswap/observability"
)

type assetParam struct {
	Kind  string `json:"kind"`
	Token string `json:"token,omitempty"`
}

type createTradeParams struct {
	Creator      string     `json:"creator"`
	Class        string     `json:"class"`
	Counterparty string     `json:"counterparty"`
	AssetA       assetParam `json:"assetA"`
	AssetB       assetParam `json:"assetB"`
	AmountA      string     `json:"amountA"`
	AmountB      string     `json:"amountB"`
}

type depositTokenParams struct {
	Caller string     `json:"caller"`
	PartyA string     `json:"partyA"`
	PartyB string     `json:"partyB"`
	Asset  assetParam `json:"asset"`
	Amount string     `json:"amount"`
}

type depositNativeParams struct {
	Caller string `json:"caller"`
	PartyA string `json:"partyA"`
	PartyB string `json:"partyB"`
	Value  string `json:"value"`
}

type pairParams struct {
	PartyA string `json:"partyA"`
	PartyB string `json:"partyB"`
}

type historyIndexParams struct {
	Index uint64 `json:"index"`
}

type fileBuyerParams struct {
	FileID uint64 `json:"fileId"`
}

type setFeeRateParams struct {
	Caller  string `json:"caller"`
	Tier    uint8  `json:"tier"`
	RatePpm uint32 `json:"ratePpm"`
}

type setStakedParams struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

type recoverParams struct {
	Caller string `json:"caller"`
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

type sideJSON struct {
	Participant     string `json:"participant"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	Funded          bool   `json:"funded"`
	CancelRequested bool   `json:"cancelRequested"`
}

type tradeJSON struct {
	Key      string   `json:"key"`
	Class    string   `json:"class"`
	Status   string   `json:"status"`
	SideA    sideJSON `json:"sideA"`
	SideB    sideJSON `json:"sideB"`
	OpenedAt int64    `json:"openedAt"`
	ClosedAt *int64   `json:"closedAt,omitempty"`
}

func sideToJSON(s otc.Side) sideJSON {
	return sideJSON{
		Participant:     common.Address(s.Participant).Hex(),
		Asset:           s.Asset.String(),
		Amount:          s.Amount.String(),
		Funded:          s.Funded,
		CancelRequested: s.CancelRequested,
	}
}

func tradeToJSON(t *otc.Trade, closedAt *int64) tradeJSON {
	return tradeJSON{
		Key:      common.Hash(t.Key).Hex(),
		Class:    t.Class.String(),
		Status:   t.Status.String(),
		SideA:    sideToJSON(t.SideA),
		SideB:    sideToJSON(t.SideB),
		OpenedAt: t.OpenedAt,
		ClosedAt: closedAt,
	}
}

func decodeAddress(raw string) ([20]byte, bool) {
	if !common.IsHexAddress(raw) {
		return [20]byte{}, false
	}
	return common.HexToAddress(raw), true
}

// decodeAmount parses a decimal amount, bounding it to 256 bits.
func decodeAmount(raw string) (*big.Int, bool) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	return value.ToBig(), true
}

func decodeAsset(p assetParam) (otc.Asset, bool) {
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case "native":
		return otc.NativeAsset(), true
	case "token":
		asset := otc.TokenAsset(p.Token)
		return asset, asset.Valid()
	case "file":
		return otc.FileAsset(), true
	default:
		return otc.Asset{}, false
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

// engineError maps engine sentinel failures onto transport status and codes.
func engineError(err error) (int, int) {
	switch {
	case errors.Is(err, otc.ErrNoPendingTrade):
		return http.StatusNotFound, codeOTCNotFound
	case errors.Is(err, otc.ErrTradeAlreadyOpen),
		errors.Is(err, otc.ErrAlreadyFunded),
		errors.Is(err, otc.ErrAlreadyCanceled):
		return http.StatusConflict, codeOTCConflict
	case errors.Is(err, otc.ErrUnauthorized),
		errors.Is(err, otc.ErrUnknownParticipant):
		return http.StatusForbidden, codeOTCForbidden
	case errors.Is(err, otc.ErrInvalidCounterparty),
		errors.Is(err, otc.ErrInvalidAmount),
		errors.Is(err, otc.ErrInvalidAssetClass),
		errors.Is(err, otc.ErrAssetMismatch),
		errors.Is(err, otc.ErrAmountMismatch),
		errors.Is(err, otc.ErrArithmeticOverflow):
		return http.StatusBadRequest, codeOTCInvalidParams
	default:
		return http.StatusInternalServerError, codeOTCInternal
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) {
	status, code := engineError(err)
	if s.log != nil {
		s.log.Warn("rpc request failed", "method", req.Method, "code", code, "err", err)
	}
	observability.Trades().RecordRPC(req.Method, "error")
	writeError(w, status, req.ID, code, err.Error(), nil)
}

func (s *Server) ok(w http.ResponseWriter, req *RPCRequest, result interface{}) {
	observability.Trades().RecordRPC(req.Method, "ok")
	writeResult(w, req.ID, result)
}

func (s *Server) invalidParams(w http.ResponseWriter, req *RPCRequest, detail string) {
	observability.Trades().RecordRPC(req.Method, "invalid")
	writeError(w, http.StatusBadRequest, req.ID, codeOTCInvalidParams, "invalid_params", detail)
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params createTradeParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	creator, ok := decodeAddress(params.Creator)
	if !ok {
		s.invalidParams(w, req, "invalid creator address")
		return
	}
	counterparty, ok := decodeAddress(params.Counterparty)
	if !ok {
		s.invalidParams(w, req, "invalid counterparty address")
		return
	}
	class, err := otc.ParseAssetClass(params.Class)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	assetA, okA := decodeAsset(params.AssetA)
	assetB, okB := decodeAsset(params.AssetB)
	if !okA || !okB {
		s.invalidParams(w, req, "invalid asset reference")
		return
	}
	amountA, okA := decodeAmount(params.AmountA)
	amountB, okB := decodeAmount(params.AmountB)
	if !okA || !okB {
		s.invalidParams(w, req, "invalid amount")
		return
	}
	trade, err := s.engine.CreateTrade(creator, class, counterparty, assetA, assetB, amountA, amountB)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.ok(w, req, tradeToJSON(trade, nil))
}

func (s *Server) handleDepositToken(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params depositTokenParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	caller, okC := decodeAddress(params.Caller)
	partyA, okA := decodeAddress(params.PartyA)
	partyB, okB := decodeAddress(params.PartyB)
	if !okC || !okA || !okB {
		s.invalidParams(w, req, "invalid address")
		return
	}
	asset, ok := decodeAsset(params.Asset)
	if !ok {
		s.invalidParams(w, req, "invalid asset reference")
		return
	}
	amount, ok := decodeAmount(params.Amount)
	if !ok {
		s.invalidParams(w, req, "invalid amount")
		return
	}
	if err := s.engine.DepositToken(caller, partyA, partyB, asset, amount); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	observability.Trades().RecordDeposit(asset.String())
	s.ok(w, req, true)
}

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params depositNativeParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	caller, okC := decodeAddress(params.Caller)
	partyA, okA := decodeAddress(params.PartyA)
	partyB, okB := decodeAddress(params.PartyB)
	if !okC || !okA || !okB {
		s.invalidParams(w, req, "invalid address")
		return
	}
	value, ok := decodeAmount(params.Value)
	if !ok {
		s.invalidParams(w, req, "invalid value")
		return
	}
	if err := s.engine.DepositNative(caller, partyA, partyB, value); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	observability.Trades().RecordDeposit("native")
	s.ok(w, req, true)
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params pairParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	partyA, okA := decodeAddress(params.PartyA)
	partyB, okB := decodeAddress(params.PartyB)
	if !okA || !okB {
		s.invalidParams(w, req, "invalid address")
		return
	}
	if err := s.engine.Cancel(partyA, partyB); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.ok(w, req, true)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params pairParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	partyA, okA := decodeAddress(params.PartyA)
	partyB, okB := decodeAddress(params.PartyB)
	if !okA || !okB {
		s.invalidParams(w, req, "invalid address")
		return
	}
	trade, ok := s.engine.GetTrade(partyA, partyB)
	if !ok {
		observability.Trades().RecordRPC(req.Method, "miss")
		writeError(w, http.StatusNotFound, req.ID, codeOTCNotFound, "no trade for pair", nil)
		return
	}
	s.ok(w, req, tradeToJSON(trade, nil))
}

func (s *Server) handleCompletedTradeCount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.ok(w, req, s.engine.CompletedTradeCount())
}

func (s *Server) handleGetCompletedTrade(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params historyIndexParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	snap, ok := s.engine.CompletedTrade(params.Index)
	if !ok {
		observability.Trades().RecordRPC(req.Method, "miss")
		writeError(w, http.StatusNotFound, req.ID, codeOTCNotFound, "no history entry at index", nil)
		return
	}
	s.ok(w, req, tradeToJSON(&snap.Trade, &snap.ClosedAt))
}

func (s *Server) handleFileBuyer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params fileBuyerParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	buyer, ok := s.engine.FileBuyer(params.FileID)
	if !ok {
		observability.Trades().RecordRPC(req.Method, "miss")
		writeError(w, http.StatusNotFound, req.ID, codeOTCNotFound, "file identifier not settled", nil)
		return
	}
	s.ok(w, req, common.Address(buyer).Hex())
}

func (s *Server) handleSetFeeRate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params setFeeRateParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	caller, ok := decodeAddress(params.Caller)
	if !ok {
		s.invalidParams(w, req, "invalid caller address")
		return
	}
	if err := s.engine.SetFeeRate(caller, otc.Tier(params.Tier), params.RatePpm); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.ok(w, req, true)
}

func (s *Server) handleSetStaked(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if s.stakes == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeOTCInternal, "stake mirror not configured", nil)
		return
	}
	var params setStakedParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	participant, ok := decodeAddress(params.Participant)
	if !ok {
		s.invalidParams(w, req, "invalid participant address")
		return
	}
	amount, ok := decodeAmount(params.Amount)
	if !ok {
		s.invalidParams(w, req, "invalid amount")
		return
	}
	if err := s.stakes.SetStaked(participant, amount); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.ok(w, req, true)
}

func (s *Server) handleRecoverToken(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params recoverParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	caller, okC := decodeAddress(params.Caller)
	to, okT := decodeAddress(params.To)
	if !okC || !okT {
		s.invalidParams(w, req, "invalid address")
		return
	}
	amount, ok := decodeAmount(params.Amount)
	if !ok {
		s.invalidParams(w, req, "invalid amount")
		return
	}
	if err := s.engine.RecoverToken(caller, params.Token, amount, to); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.ok(w, req, true)
}

func (s *Server) handleRecoverNative(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params recoverParams
	if err := decodeParams(req, &params); err != nil {
		s.invalidParams(w, req, err.Error())
		return
	}
	caller, okC := decodeAddress(params.Caller)
	to, okT := decodeAddress(params.To)
	if !okC || !okT {
		s.invalidParams(w, req, "invalid address")
		return
	}
	amount, ok := decodeAmount(params.Amount)
	if !ok {
		s.invalidParams(w, req, "invalid amount")
		return
	}
	if err := s.engine.RecoverNative(caller, amount, to); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.ok(w, req, true)
}
