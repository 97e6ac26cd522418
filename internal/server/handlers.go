package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"DerivLedger/internal/command"
	"DerivLedger/internal/core"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/registry"
)

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/wallet/fund", s.handleWalletFund},
		{"POST", "/v1/margin/deposit", s.handleDeposit},
		{"POST", "/v1/margin/withdraw", s.handleWithdraw},
		{"GET", "/v1/margin/{principal}", s.handleGetMarginAccount},
		{"POST", "/v1/derivatives", s.handleCreateDerivative},
		{"GET", "/v1/derivatives", s.handleListDerivatives},
		{"GET", "/v1/derivatives/{id}", s.handleGetDerivative},
		{"POST", "/v1/derivatives/{id}/transfer", s.handleTransfer},
		{"POST", "/v1/derivatives/{id}/purchase", s.handlePurchase},
		{"POST", "/v1/derivatives/{id}/settle-long", s.handleSettleLong},
		{"POST", "/v1/derivatives/{id}/settle-short", s.handleSettleShort},
		{"POST", "/v1/derivatives/{id}/settle-matured", s.handleSettleMatured},
		{"POST", "/v1/rates", s.handleRecordRate},
		{"GET", "/v1/rates", s.handleListRates},
		{"GET", "/v1/rates/{height}", s.handleGetRate},
		{"GET", "/v1/journal/{principal}", s.handleJournalHistory},
		{"GET", "/v1/status", s.handleStatus},
		{"POST", "/v1/admin/suspended", s.handleSetSuspended},
		{"POST", "/v1/admin/critical-mode", s.handleSetCriticalMode},
		{"POST", "/v1/admin/commission-rate", s.handleSetCommissionRate},
		{"POST", "/v1/admin/commission-recipient", s.handleSetCommissionRecipient},
		{"POST", "/v1/admin/rebuild-projections", s.handleRebuildProjections},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, s.instrument(r.method+" "+r.pattern, r.handler)); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// instrument wraps a handler with request count and latency metrics.
func (s *Server) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		if s.deps.Metrics == nil {
			h(w, r, pathParams)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, pathParams)
		s.deps.Metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.deps.Metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- write path ---

type receiptResponse struct {
	Sequence     int64  `json:"sequence"`
	Height       int64  `json:"height"`
	DerivativeID uint64 `json:"derivative_id,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// submit sends a command to the core and waits for its verdict.
func (s *Server) submit(ctx context.Context, cmd command.Command) (core.Receipt, error) {
	reply := make(chan core.Result, 1)
	sub := core.Submission{Cmd: cmd, Timestamp: time.Now(), Reply: reply}

	select {
	case s.deps.Submissions <- sub:
	case <-ctx.Done():
		return core.Receipt{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.Receipt, res.Err
	case <-ctx.Done():
		return core.Receipt{}, ctx.Err()
	}
}

func (s *Server) respond(w http.ResponseWriter, receipt core.Receipt, err error) {
	if err != nil {
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		Sequence:     receipt.Sequence,
		Height:       receipt.Height,
		DerivativeID: receipt.DerivativeID,
		Duplicate:    receipt.Duplicate,
	})
}

// parseRequestID accepts a client-supplied idempotency key, minting a
// fresh one when absent.
func parseRequestID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

// parsePrincipal rejects an empty address before a command is minted,
// the same identity check the messaging path applies.
func parsePrincipal(field, s string) (ledger.Address, error) {
	if s == "" {
		return "", fmt.Errorf("missing %s", field)
	}
	return ledger.Address(s), nil
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(pathParams map[string]string) (uint64, error) {
	raw, ok := pathParams["id"]
	if !ok {
		return 0, fmt.Errorf("missing id")
	}
	return strconv.ParseUint(raw, 10, 64)
}

type fundRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Principal string `json:"principal"`
	Amount    int64  `json:"amount"`
}

func (s *Server) handleWalletFund(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req fundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.WalletFund{
		ID: id, Principal: principal, Amount: req.Amount,
	})
	s.respond(w, receipt, err)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req fundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.Deposit{
		ID: id, Principal: principal, Amount: req.Amount,
	})
	s.respond(w, receipt, err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req fundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.Withdraw{
		ID: id, Principal: principal, Amount: req.Amount,
	})
	s.respond(w, receipt, err)
}

type createRequest struct {
	RequestID      string `json:"request_id,omitempty"`
	Principal      string `json:"principal"`
	TargetPrice    int64  `json:"target_price"`
	FeeAmount      int64  `json:"fee_amount"`
	Size           int64  `json:"size"`
	MaturityHeight int64  `json:"maturity_height"`
	Kind           string `json:"kind"`
}

func (s *Server) handleCreateDerivative(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, ok := registry.ParseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}
	receipt, err := s.submit(r.Context(), &command.CreateDerivative{
		ID:             id,
		Principal:      principal,
		TargetPrice:    req.TargetPrice,
		FeeAmount:      req.FeeAmount,
		Size:           req.Size,
		MaturityHeight: req.MaturityHeight,
		Kind:           kind,
	})
	s.respond(w, receipt, err)
}

type transferRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Principal string `json:"principal"`
	NewOwner  string `json:"new_owner"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	derivID, err := pathID(pathParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid derivative id")
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	newOwner, err := parsePrincipal("new_owner", req.NewOwner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.TransferOwnership{
		ID:           id,
		Principal:    principal,
		DerivativeID: derivID,
		NewOwner:     newOwner,
	})
	s.respond(w, receipt, err)
}

type callRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Principal string `json:"principal"`
}

func (s *Server) derivativeCall(
	w http.ResponseWriter,
	r *http.Request,
	pathParams map[string]string,
	build func(id uuid.UUID, principal ledger.Address, derivID uint64) command.Command,
) {
	derivID, err := pathID(pathParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid derivative id")
		return
	}
	var req callRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), build(id, principal, derivID))
	s.respond(w, receipt, err)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	s.derivativeCall(w, r, pathParams, func(id uuid.UUID, principal ledger.Address, derivID uint64) command.Command {
		return &command.Purchase{ID: id, Principal: principal, DerivativeID: derivID}
	})
}

func (s *Server) handleSettleLong(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	s.derivativeCall(w, r, pathParams, func(id uuid.UUID, principal ledger.Address, derivID uint64) command.Command {
		return &command.SettleLong{ID: id, Principal: principal, DerivativeID: derivID}
	})
}

func (s *Server) handleSettleShort(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	s.derivativeCall(w, r, pathParams, func(id uuid.UUID, principal ledger.Address, derivID uint64) command.Command {
		return &command.SettleShort{ID: id, Principal: principal, DerivativeID: derivID}
	})
}

func (s *Server) handleSettleMatured(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	s.derivativeCall(w, r, pathParams, func(id uuid.UUID, principal ledger.Address, derivID uint64) command.Command {
		return &command.SettleMatured{ID: id, Principal: principal, DerivativeID: derivID}
	})
}

type rateRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Reporter  string `json:"reporter"`
	Value     int64  `json:"value"`
}

func (s *Server) handleRecordRate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req rateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	reporter, err := parsePrincipal("reporter", req.Reporter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.RecordRate{
		ID: id, Principal: reporter, Value: req.Value,
	})
	s.respond(w, receipt, err)
}

// --- admin write path ---

type adminToggleRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Principal string `json:"principal"`
	Value     bool   `json:"value"`
}

func (s *Server) handleSetSuspended(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req adminToggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.SetSuspended{
		ID: id, Principal: principal, Value: req.Value,
	})
	s.respond(w, receipt, err)
}

func (s *Server) handleSetCriticalMode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req adminToggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.SetCriticalMode{
		ID: id, Principal: principal, Value: req.Value,
	})
	s.respond(w, receipt, err)
}

type commissionRateRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Principal string `json:"principal"`
	RateBps   int64  `json:"rate_bps"`
}

func (s *Server) handleSetCommissionRate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req commissionRateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.SetCommissionRate{
		ID: id, Principal: principal, RateBps: req.RateBps,
	})
	s.respond(w, receipt, err)
}

type commissionRecipientRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Principal string `json:"principal"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleSetCommissionRecipient(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req commissionRecipientRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	principal, err := parsePrincipal("principal", req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recipient, err := parsePrincipal("recipient", req.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.submit(r.Context(), &command.SetCommissionRecipient{
		ID: id, Principal: principal, Recipient: recipient,
	})
	s.respond(w, receipt, err)
}

// --- read path ---

func (s *Server) handleGetMarginAccount(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	principal := pathParams["principal"]
	if principal == "" {
		writeError(w, http.StatusBadRequest, "missing principal")
		return
	}
	resp, err := s.deps.Query.GetMarginAccount(r.Context(), principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDerivative(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	derivID, err := pathID(pathParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid derivative id")
		return
	}
	resp, err := s.deps.Query.GetDerivative(r.Context(), derivID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("derivative %d not found", derivID))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDerivatives(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()

	var owner, state *string
	if v := q.Get("owner"); v != "" {
		owner = &v
	}
	if v := q.Get("state"); v != "" {
		state = &v
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var afterID *uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		afterID = &n
	}

	resp, err := s.deps.Query.ListDerivatives(r.Context(), owner, state, limit, afterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"derivatives": resp})
}

func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	height, err := strconv.ParseInt(pathParams["height"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid height")
		return
	}
	resp, err := s.deps.Query.GetRate(r.Context(), height)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no rate at height %d", height))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRates(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()

	var fromHeight int64
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from height")
			return
		}
		fromHeight = n
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	resp, err := s.deps.Query.ListRates(r.Context(), fromHeight, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rates": resp})
}

func (s *Server) handleJournalHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	principal := pathParams["principal"]
	if principal == "" {
		writeError(w, http.StatusBadRequest, "missing principal")
		return
	}

	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var afterSeq *int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		afterSeq = &n
	}

	entries, err := s.deps.Query.GetJournalHistory(r.Context(), principal, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	status := map[string]interface{}{
		"suspended":            s.deps.Platform.IsSuspended(),
		"critical_mode":        s.deps.Platform.IsCriticalMode(),
		"commission_rate_bps":  s.deps.Platform.CommissionRateBps(),
		"commission_recipient": string(s.deps.Platform.CommissionRecipient()),
	}
	if s.deps.Health != nil {
		status["ready"] = s.deps.Health.IsReady()
	}
	if s.deps.SnapshotMgr != nil {
		if seq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context()); err == nil {
			status["last_sequence"] = seq
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// --- admin read path ---

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.Rebuild(r.Context(), s.deps.DB, s.logger); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
