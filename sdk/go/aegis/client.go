// Package aegis is a small Go client for the Aegis Treasury HTTP API. Agents
// use it to request gas sponsorship, poll the outcome and top up protocol
// budgets.
package aegis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNotFound is returned by Status when the request is unknown or expired.
var ErrNotFound = errors.New("aegis: sponsorship request not found")

// Client wraps the HTTP interactions with the treasury REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Sponsorship is the payload required to queue a sponsorship request.
type Sponsorship struct {
	AgentAddress     string        `json:"agentAddress"`
	ProtocolID       string        `json:"protocolId"`
	EstimatedCostUSD float64       `json:"estimatedCostUSD"`
	Source           string        `json:"source,omitempty"`
	TargetContract   string        `json:"targetContract,omitempty"`
	MaxGasLimit      uint64        `json:"maxGasLimit,omitempty"`
	Signature        string        `json:"signature,omitempty"`
	PaymentHash      string        `json:"paymentHash,omitempty"`
	PaymentProof     *PaymentProof `json:"paymentProof,omitempty"`
}

// PaymentProof is forwarded to the facilitator for verification.
type PaymentProof struct {
	PaymentHash string          `json:"paymentHash"`
	Scheme      string          `json:"scheme,omitempty"`
	Network     string          `json:"network,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Submission is the queue's answer to a Submit call. Duplicate is set when
// the payment hash was already used; RequestID then names the original.
type Submission struct {
	RequestID string `json:"requestId"`
	Position  int    `json:"position"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// RequestStatus is the externally visible state of a sponsorship request.
type RequestStatus struct {
	RequestID     string  `json:"requestId"`
	AgentAddress  string  `json:"agentAddress"`
	ProtocolID    string  `json:"protocolId"`
	Status        string  `json:"status"`
	RetryCount    int     `json:"retryCount"`
	MaxRetries    int     `json:"maxRetries"`
	RequestedAt   int64   `json:"requestedAt"`
	CompletedAt   int64   `json:"completedAt,omitempty"`
	TxHash        string  `json:"txHash,omitempty"`
	UserOpHash    string  `json:"userOpHash,omitempty"`
	ActualCostUSD float64 `json:"actualCostUSD,omitempty"`
	Error         string  `json:"error,omitempty"`
	ErrorCode     string  `json:"errorCode,omitempty"`
}

// Terminal reports whether the request will not change any more.
func (s RequestStatus) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "rejected":
		return true
	}
	return false
}

// QueueStats summarises the queue.
type QueueStats struct {
	Pending          int `json:"pending"`
	Processing       int `json:"processing"`
	CompletedLast24h int `json:"completedLast24h"`
	FailedLast24h    int `json:"failedLast24h"`
}

// EligibilityCheck asks whether a sponsorship would pass policy right now.
type EligibilityCheck struct {
	AgentAddress     string  `json:"agentAddress"`
	ProtocolID       string  `json:"protocolId"`
	EstimatedCostUSD float64 `json:"estimatedCostUSD"`
	TargetContract   string  `json:"targetContract,omitempty"`
	MaxGasLimit      uint64  `json:"maxGasLimit,omitempty"`
}

// Eligibility is the policy verdict.
type Eligibility struct {
	Passed       bool     `json:"passed"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	AppliedRules []string `json:"appliedRules"`
}

// Credit is the result of topping up a protocol budget.
type Credit struct {
	ProtocolID string  `json:"protocolId"`
	BalanceUSD float64 `json:"balanceUSD"`
	Credited   float64 `json:"credited"`
	Duplicate  bool    `json:"duplicate"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("aegis api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aegis api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the treasury API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit queues a sponsorship request.
func (c *Client) Submit(ctx context.Context, s Sponsorship) (Submission, error) {
	var out Submission
	if err := c.send(ctx, http.MethodPost, "/api/v1/sponsorships", s, &out); err != nil {
		return Submission{}, err
	}
	return out, nil
}

// Status fetches a request by id.
func (c *Client) Status(ctx context.Context, requestID string) (RequestStatus, error) {
	var out RequestStatus
	err := c.send(ctx, http.MethodGet, "/api/v1/sponsorships/"+url.PathEscape(requestID), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return RequestStatus{}, ErrNotFound
	}
	if err != nil {
		return RequestStatus{}, err
	}
	return out, nil
}

// Wait polls Status every interval until the request is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, requestID string, interval time.Duration) (RequestStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, requestID)
		if err != nil {
			return RequestStatus{}, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel cancels a request that has not started processing.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/sponsorships/"+url.PathEscape(requestID), nil, nil)
}

// Stats returns queue statistics.
func (c *Client) Stats(ctx context.Context) (QueueStats, error) {
	var out QueueStats
	if err := c.send(ctx, http.MethodGet, "/api/v1/sponsorships/stats", nil, &out); err != nil {
		return QueueStats{}, err
	}
	return out, nil
}

// CheckEligibility runs the policy without side effects.
func (c *Client) CheckEligibility(ctx context.Context, check EligibilityCheck) (Eligibility, error) {
	var out Eligibility
	if err := c.send(ctx, http.MethodPost, "/api/v1/eligibility", check, &out); err != nil {
		return Eligibility{}, err
	}
	return out, nil
}

// CreditProtocol tops up a protocol budget. A repeated paymentID is credited once.
func (c *Client) CreditProtocol(ctx context.Context, protocolID string, amountUSD float64, paymentID string) (Credit, error) {
	body := struct {
		AmountUSD float64 `json:"amountUSD"`
		PaymentID string  `json:"paymentId,omitempty"`
	}{AmountUSD: amountUSD, PaymentID: paymentID}
	var out Credit
	if err := c.send(ctx, http.MethodPost, "/api/v1/protocols/"+url.PathEscape(protocolID)+"/credit", body, &out); err != nil {
		return Credit{}, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
