package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payrecon/internal/config"
)

// 渠道侧支付状态
const (
	StatusReady             = "READY"
	StatusInProgress        = "IN_PROGRESS"
	StatusWaitingForDeposit = "WAITING_FOR_DEPOSIT"
	StatusDone              = "DONE"
	StatusCanceled          = "CANCELED"
	StatusPartialCanceled   = "PARTIAL_CANCELED"
	StatusAborted           = "ABORTED"
	StatusExpired           = "EXPIRED"
)

// 需要特殊处理的渠道错误码
const (
	CodeAlreadyProcessed = "ALREADY_PROCESSED_PAYMENT"
	CodeNotFoundPayment  = "NOT_FOUND_PAYMENT"
)

var ErrTimeout = errors.New("provider request timed out")

// APIError 渠道返回的非 2xx 响应
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Retryable 5xx 视为暂时性错误
func (e *APIError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

type Cancel struct {
	CancelReason   string    `json:"cancelReason"`
	CancelAmount   int64     `json:"cancelAmount"`
	CanceledAt     time.Time `json:"canceledAt"`
	TransactionKey string    `json:"transactionKey"`
}

// Payment 渠道返回的支付对象，只解析业务需要的字段，原文保存在 Raw
type Payment struct {
	PaymentKey    string          `json:"paymentKey"`
	OrderID       string          `json:"orderId"`
	Status        string          `json:"status"`
	TotalAmount   int64           `json:"totalAmount"`
	BalanceAmount int64           `json:"balanceAmount"`
	ApprovedAt    *time.Time      `json:"approvedAt,omitempty"`
	Cancels       []Cancel        `json:"cancels,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// HTTPStatus 从错误中提取渠道 HTTP 状态码，非 APIError 返回 0
func HTTPStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ErrorCode 从错误中提取渠道错误码，非 APIError 返回空串
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Client 支付渠道 HTTP 客户端（Basic 认证，secretKey 作为用户名）
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
}

func NewClient(cfg *config.ProviderConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	token := base64.StdEncoding.EncodeToString([]byte(cfg.SecretKey + ":"))
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: "Basic " + token,
		httpClient: httpClient,
	}
}

func (c *Client) ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*Payment, error) {
	body := map[string]interface{}{
		"paymentKey": paymentKey,
		"orderId":    orderID,
		"amount":     amount,
	}
	return c.do(ctx, http.MethodPost, "/v1/payments/confirm", body, "")
}

// CancelPayment 取消（退款）支付；idempotencyKey 透传给渠道防止重复取消
func (c *Client) CancelPayment(ctx context.Context, paymentKey string, amount int64, reason, idempotencyKey string) (*Payment, error) {
	body := map[string]interface{}{
		"cancelReason": reason,
		"cancelAmount": amount,
	}
	path := fmt.Sprintf("/v1/payments/%s/cancel", url.PathEscape(paymentKey))
	return c.do(ctx, http.MethodPost, path, body, idempotencyKey)
}

func (c *Client) GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	path := fmt.Sprintf("/v1/payments/orders/%s", url.PathEscape(orderID))
	return c.do(ctx, http.MethodGet, path, nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string) (*Payment, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode provider request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return nil, fmt.Errorf("provider request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w: reading %s", ErrTimeout, path)
		}
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = "UNKNOWN"
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}

	payment := &Payment{}
	if err := json.Unmarshal(raw, payment); err != nil {
		return nil, fmt.Errorf("decode provider payment: %w", err)
	}
	payment.Raw = raw
	return payment, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
