package api

import (
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"Aegis-Treasury/internal/decision"
	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/policy"
	"Aegis-Treasury/internal/sponsorship"
)

const maxBodyBytes = 1 << 20

// sponsorshipRequest 是提交代付请求的请求体。Mode 只用于拒绝客户端指定的 LIVE。
type sponsorshipRequest struct {
	sponsorship.EnqueueInput
	Mode string `json:"mode,omitempty"`
}

type eligibilityRequest struct {
	AgentAddress     string  `json:"agentAddress"`
	ProtocolID       string  `json:"protocolId"`
	EstimatedCostUSD float64 `json:"estimatedCostUSD"`
	TargetContract   string  `json:"targetContract,omitempty"`
	MaxGasLimit      uint64  `json:"maxGasLimit,omitempty"`
	Mode             string  `json:"mode,omitempty"`
}

type creditRequest struct {
	AmountUSD float64 `json:"amountUSD"`
	PaymentID string  `json:"paymentId,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleCreateSponsorship 处理提交代付请求。
func (s *Server) handleCreateSponsorship(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sponsorships == nil {
		writeUnavailable(w, "代付队列未初始化")
		return
	}
	var body sponsorshipRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if requestedLive(body.Mode) {
		writeError(w, xerrors.New(xerrors.CodePolicyRejected, "客户端不能请求 LIVE 执行模式"))
		return
	}

	result, err := s.deps.Sponsorships.Enqueue(r.Context(), body.EnqueueInput)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// handleGetSponsorship 返回请求状态，不存在或已过期时返回 404。
func (s *Server) handleGetSponsorship(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sponsorships == nil {
		writeUnavailable(w, "代付队列未初始化")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少请求 ID"))
		return
	}
	req, err := s.deps.Sponsorships.GetStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req == nil {
		writeError(w, sponsorship.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleCancelSponsorship 取消尚未开始处理的请求。
func (s *Server) handleCancelSponsorship(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sponsorships == nil {
		writeUnavailable(w, "代付队列未初始化")
		return
	}
	if err := s.deps.Sponsorships.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sponsorships == nil {
		writeUnavailable(w, "代付队列未初始化")
		return
	}
	stats, err := s.deps.Sponsorships.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEligibility 对一次代付做无副作用的策略预检。
func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	if s.deps.Eligibility == nil {
		writeUnavailable(w, "执行器未初始化")
		return
	}
	var body eligibilityRequest
	if !decodeBody(w, r, &body) {
		return
	}
	d, err := s.deps.Reasoner.Propose(r.Context(), decision.Observations{
		AgentAddress:     strings.TrimSpace(body.AgentAddress),
		ProtocolID:       strings.TrimSpace(body.ProtocolID),
		EstimatedCostUSD: body.EstimatedCostUSD,
		TargetContract:   strings.TrimSpace(body.TargetContract),
		MaxGasLimit:      body.MaxGasLimit,
	})
	if err != nil {
		s.writeServiceError(w, r, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "生成代付决策失败"))
		return
	}
	// LIVE 原样传入，由策略拒绝；其它值一律交给服务端配置决定。
	requested := policy.ExecutionMode("")
	if requestedLive(body.Mode) {
		requested = policy.ModeLive
	}
	result, err := s.deps.Eligibility.CheckEligibility(r.Context(), d, requested)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCredit 为协议预算充值，paymentId 相同的重复充值只入账一次。
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credits == nil {
		writeUnavailable(w, "支付服务未初始化")
		return
	}
	var body creditRequest
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.deps.Credits.CreditProtocol(r.Context(), chi.URLParam(r, "id"), body.AmountUSD, body.PaymentID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func requestedLive(mode string) bool {
	return policy.ExecutionMode(strings.ToUpper(strings.TrimSpace(mode))) == policy.ModeLive
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.Any("error", err), slog.String("path", r.URL.Path))
	}
	writeError(w, err)
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, sponsorship.CodeRequestValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, sponsorship.CodeRequestNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeIdempotencyConflict, sponsorship.CodeRequestConflict:
		return http.StatusConflict
	case xerrors.CodePolicyRejected:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInsufficientBudget:
		return http.StatusPaymentRequired
	case xerrors.CodeCircuitOpen, xerrors.CodeLockTimeout, xerrors.CodeDependencyFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	var maxErr *http.MaxBytesError
	if stdErrors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok && coded.Message() != "" {
		body.Message = coded.Message()
	}
	writeJSON(w, statusFor(err), map[string]errorBody{"error": body})
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, xerrors.New(xerrors.CodeInitializationFailure, message))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
