package sponsorship

import (
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Aegis-Treasury/internal/errors"
)

// Status 表示代付请求在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Valid 检查状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Terminal 判断状态是否已经终结。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Source 标识请求的来源渠道。
type Source string

const (
	SourceAPI      Source = "api"
	SourceBotchan  Source = "botchan"
	SourceReactive Source = "reactive"
)

// Valid 检查来源是否受支持。
func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceBotchan, SourceReactive:
		return true
	}
	return false
}

// RequestTTL 是未终结请求的保留时长，超过后视为不存在。
const RequestTTL = 24 * time.Hour

// DefaultMaxRetries 是请求未指定时的最大重试次数。
const DefaultMaxRetries = 3

// Request 描述一次排队的代付请求。时间戳均为 Unix 毫秒。
type Request struct {
	ID                  string  `json:"requestId"`
	AgentAddress        string  `json:"agentAddress"`
	ProtocolID          string  `json:"protocolId"`
	Source              Source  `json:"source"`
	EstimatedCostUSD    float64 `json:"estimatedCostUSD"`
	TargetContract      string  `json:"targetContract,omitempty"`
	MaxGasLimit         uint64  `json:"maxGasLimit"`
	Signature           string  `json:"signature,omitempty"`
	PaymentHash         string  `json:"paymentHash,omitempty"`
	Status              Status  `json:"status"`
	RetryCount          int     `json:"retryCount"`
	MaxRetries          int     `json:"maxRetries"`
	RequestedAt         int64   `json:"requestedAt"`
	ProcessingStartedAt int64   `json:"processingStartedAt,omitempty"`
	CompletedAt         int64   `json:"completedAt,omitempty"`
	FailedAt            int64   `json:"failedAt,omitempty"`
	TxHash              string  `json:"txHash,omitempty"`
	UserOpHash          string  `json:"userOpHash,omitempty"`
	ActualCostUSD       float64 `json:"actualCostUSD,omitempty"`
	Error               string  `json:"error,omitempty"`
	ErrorCode           string  `json:"errorCode,omitempty"`
	UpdatedAt           int64   `json:"updatedAt"`
}

// Clone 返回副本。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Expired 判断未终结的请求是否已经超过保留时长。
func (r *Request) Expired(now time.Time) bool {
	if r == nil || r.Status.Terminal() {
		return false
	}
	return now.Sub(time.UnixMilli(r.RequestedAt)) > RequestTTL
}

// Result 是一次成功执行的链上结果。
type Result struct {
	TxHash        string
	UserOpHash    string
	ActualCostUSD float64
}

// NewID 生成 req_ 前缀的请求 ID。
func NewID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

const (
	CodeRequestNotFound   xerrors.Code = "REQUEST_NOT_FOUND"
	CodeRequestConflict   xerrors.Code = "REQUEST_CONFLICT"
	CodeRequestValidation xerrors.Code = "REQUEST_VALIDATION_FAILED"
	CodeProcessingTimeout xerrors.Code = "PROCESSING_TIMEOUT"
	CodeRetriesExhausted  xerrors.Code = "RETRIES_EXHAUSTED"
	CodeRequestPublish    xerrors.Code = "REQUEST_PUBLISH_FAILED"
	CodeRequestExpired    xerrors.Code = "REQUEST_EXPIRED"
)

var (
	// ErrNotFound 表示请求不存在。
	ErrNotFound = xerrors.New(CodeRequestNotFound, "sponsorship request not found")
	// ErrConflict 表示请求在当前状态下不能执行所请求的操作。
	ErrConflict = xerrors.New(CodeRequestConflict, "sponsorship request conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:   "sponsorship request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestConflict, xerrors.Attributes{
		Message:   "sponsorship request conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestValidation, xerrors.Attributes{
		Message:   "sponsorship request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProcessingTimeout, xerrors.Attributes{
		Message:   "sponsorship request processing timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRetriesExhausted, xerrors.Attributes{
		Message:   "sponsorship request retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRequestPublish, xerrors.Attributes{
		Message:   "failed to publish sponsorship request",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRequestExpired, xerrors.Attributes{
		Message:   "sponsorship request expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

const (
	CodeRequestRejected  xerrors.Code = "REQUEST_REJECTED"
	CodeRequestCancelled xerrors.Code = "REQUEST_CANCELLED"
)

func init() {
	xerrors.Register(CodeRequestRejected, xerrors.Attributes{
		Message:   "sponsorship request rejected",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestCancelled, xerrors.Attributes{
		Message:   "sponsorship request cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
