package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
)

const defaultFacilitatorTimeout = 10 * time.Second

// Proof 是调用方随请求提交的支付凭证。
type Proof struct {
	PaymentHash string          `json:"paymentHash"`
	Scheme      string          `json:"scheme,omitempty"`
	Network     string          `json:"network,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Verification 是结算方对凭证的校验结果。
type Verification struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
	Payment  Record `json:"payment"`
}

// Facilitator 校验支付凭证。
type Facilitator interface {
	Verify(ctx context.Context, proof Proof) (Verification, error)
}

// FacilitatorConfig 描述远端结算服务。
type FacilitatorConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// HTTPFacilitator 通过 HTTP 调用结算服务的 /verify 接口。
type HTTPFacilitator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPFacilitator 根据配置创建客户端。
func NewHTTPFacilitator(cfg FacilitatorConfig) (*HTTPFacilitator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供结算服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFacilitatorTimeout
	}
	return &HTTPFacilitator{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Verify 实现 Facilitator。网络错误与 5xx 视为可重试的依赖失败。
func (f *HTTPFacilitator) Verify(ctx context.Context, proof Proof) (Verification, error) {
	if strings.TrimSpace(proof.PaymentHash) == "" {
		return Verification{}, xerrors.New(xerrors.CodeInvalidArgument, "支付凭证缺少 paymentHash")
	}
	payload, err := json.Marshal(proof)
	if err != nil {
		return Verification{}, fmt.Errorf("序列化支付凭证失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return Verification{}, fmt.Errorf("构建结算请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Verification{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "请求结算服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Verification{}, xerrors.New(xerrors.CodeDependencyFailure,
			fmt.Sprintf("结算服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Verification{Verified: false, Reason: strings.TrimSpace(string(body))}, nil
	}

	var decoded struct {
		IsValid       bool   `json:"isValid"`
		InvalidReason string `json:"invalidReason"`
		Payment       struct {
			ProtocolID string  `json:"protocolId"`
			Amount     float64 `json:"amount"`
			Currency   string  `json:"currency"`
			ChainID    string  `json:"chainId"`
		} `json:"payment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Verification{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "解析结算响应失败")
	}

	return Verification{
		Verified: decoded.IsValid,
		Reason:   decoded.InvalidReason,
		Payment: Record{
			PaymentHash: proof.PaymentHash,
			ProtocolID:  decoded.Payment.ProtocolID,
			Amount:      decoded.Payment.Amount,
			Currency:    decoded.Payment.Currency,
			ChainID:     decoded.Payment.ChainID,
			Status:      StatusConfirmed,
		},
	}, nil
}

var _ Facilitator = (*HTTPFacilitator)(nil)
