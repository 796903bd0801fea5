package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apputility "agent_loyalty/app/utility"
	"agent_loyalty/utility/httpclient"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Các hằng số dùng chung
const (
	defaultMaxTries        = 4
	defaultRetryInterval   = 500 * time.Millisecond
	defaultMaxRetryBackoff = 10 * time.Second
	maxLoggedBodyLength    = 512
)

// PointDirection là chiều cộng/trừ điểm
type PointDirection string

const (
	PointsIncrement PointDirection = "increment"
	PointsDecrement PointDirection = "decrement"
)

// CustomerPayload là một phần tử trong body của POST /customers
type CustomerPayload struct {
	Name     string            `json:"name"`
	Email    string            `json:"email,omitempty"`
	Phone    string            `json:"phone,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BulkResult là kết quả của BulkCreate.
// IDs[i] là ID trên Loyalty của phần tử thứ i trong request; chuỗi rỗng nghĩa là
// phần tử thứ i trong response không có ID hợp lệ. len(IDs) có thể nhỏ hơn số payload đã gửi.
type BulkResult struct {
	IDs []string
}

// CustomerSnapshot là thông tin một khách hàng trên Loyalty
type CustomerSnapshot struct {
	ID     string `json:"-"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Points int64  `json:"points"`
}

// LoyaltyClient gọi Loyalty API.
// Chỉ các request an toàn khi gửi lại (GET) mới được retry khi lỗi kết nối;
// POST chỉ retry khi server trả 429 (request chắc chắn chưa được xử lý).
type LoyaltyClient struct {
	http          *httpclient.HttpClient
	limiter       *apputility.AdaptiveRateLimiter
	maxTries      uint
	retryInterval time.Duration
	log           *logrus.Entry
}

// LoyaltyClientOption tuỳ chỉnh LoyaltyClient
type LoyaltyClientOption func(*LoyaltyClient)

// WithRetryPolicy đổi số lần thử tối đa và khoảng chờ ban đầu giữa các lần thử
func WithRetryPolicy(maxTries uint, initialInterval time.Duration) LoyaltyClientOption {
	return func(c *LoyaltyClient) {
		c.maxTries = maxTries
		c.retryInterval = initialInterval
	}
}

// NewLoyaltyClient tạo client cho Loyalty API
// Tham số:
//   - baseURL, apiKey: thông tin kết nối (lấy từ LOYALTY_API_BASE_URL, LOYALTY_API_KEY)
//   - timeout: timeout cho mỗi request
//   - minDelay: khoảng nghỉ tối thiểu giữa 2 request
//   - log: logger của integration
func NewLoyaltyClient(baseURL, apiKey string, timeout, minDelay time.Duration, log *logrus.Entry, opts ...LoyaltyClientOption) *LoyaltyClient {
	client := httpclient.NewHttpClient(strings.TrimRight(baseURL, "/"), timeout)
	client.SetHeader("Authorization", "Bearer "+apiKey)
	client.SetHeader("Accept", "application/json")

	c := &LoyaltyClient{
		http:          client,
		maxTries:      defaultMaxTries,
		retryInterval: defaultRetryInterval,
		log:           log,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.limiter = apputility.NewAdaptiveRateLimiter(minDelay, minDelay, 30*time.Second, log)
	return c
}

// RateLimiterStats trả về thống kê rate limiter (hiển thị trong /healthz)
func (c *LoyaltyClient) RateLimiterStats() map[string]interface{} {
	return c.limiter.GetStats()
}

// CurrentDelay là khoảng nghỉ hiện tại giữa hai request (metrics)
func (c *LoyaltyClient) CurrentDelay() time.Duration {
	return c.limiter.GetCurrentDelay()
}

// BulkCreate tạo nhiều khách hàng trong một request POST /customers.
// Response hợp lệ DUY NHẤT là một mảng JSON các object có field "id", theo đúng thứ tự request.
// Mọi dạng khác (kể cả {"success":false,"error":...}) trả về ApplicationError.
func (c *LoyaltyClient) BulkCreate(ctx context.Context, customers []CustomerPayload) (BulkResult, error) {
	const op = "bulk_create"
	if len(customers) == 0 {
		return BulkResult{}, nil
	}
	for i, cust := range customers {
		if strings.TrimSpace(cust.Name) == "" {
			return BulkResult{}, &ApplicationError{Op: op, Message: fmt.Sprintf("phần tử %d thiếu tên hiển thị", i)}
		}
	}

	resp, err := c.execute(ctx, op, http.MethodPost, "/customers", customers, false)
	if err != nil {
		return BulkResult{}, err
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 || body[0] != '[' {
		return BulkResult{}, &ApplicationError{Op: op, StatusCode: resp.StatusCode, Message: describeUnexpectedBody(body)}
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return BulkResult{}, &ApplicationError{Op: op, StatusCode: resp.StatusCode, Message: "response không phải mảng JSON hợp lệ: " + err.Error()}
	}

	result := BulkResult{IDs: make([]string, len(records))}
	for i, raw := range records {
		result.IDs[i] = extractID(raw)
	}

	c.log.WithFields(logrus.Fields{
		"requested": len(customers),
		"returned":  len(records),
	}).Info("✅ Đã gửi bulk create khách hàng lên Loyalty")
	return result, nil
}

// GetCustomer lấy thông tin khách hàng theo ID trên Loyalty. Trả về ErrCustomerNotFound khi 404.
func (c *LoyaltyClient) GetCustomer(ctx context.Context, remoteID string) (CustomerSnapshot, error) {
	const op = "get_customer"
	resp, err := c.execute(ctx, op, http.MethodGet, "/customer/"+url.PathEscape(remoteID), nil, true)
	if err != nil {
		return CustomerSnapshot{}, err
	}

	var raw json.RawMessage = bytes.TrimSpace(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		if msg, failed := envelopeFailure(raw); failed {
			return CustomerSnapshot{}, &ApplicationError{Op: op, StatusCode: resp.StatusCode, Message: msg}
		}
	}

	var snap CustomerSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return CustomerSnapshot{}, &ApplicationError{Op: op, StatusCode: resp.StatusCode, Message: "response không phải object JSON: " + err.Error()}
	}
	snap.ID = extractID(raw)
	if snap.ID == "" {
		snap.ID = remoteID
	}
	return snap, nil
}

// AdjustPoints cộng/trừ điểm cho khách hàng qua POST /customer/{id}/loyalty
func (c *LoyaltyClient) AdjustPoints(ctx context.Context, remoteID string, amount int64, direction PointDirection, channel string) error {
	const op = "adjust_points"
	if amount <= 0 {
		return &ApplicationError{Op: op, Message: "số điểm phải lớn hơn 0"}
	}
	if direction != PointsIncrement && direction != PointsDecrement {
		return &ApplicationError{Op: op, Message: "chiều cộng/trừ điểm không hợp lệ: " + string(direction)}
	}

	body := map[string]interface{}{
		"points":  amount,
		"type":    string(direction),
		"channel": channel,
	}
	resp, err := c.execute(ctx, op, http.MethodPost, "/customer/"+url.PathEscape(remoteID)+"/loyalty", body, false)
	if err != nil {
		return err
	}

	trimmed := bytes.TrimSpace(resp.Body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if msg, failed := envelopeFailure(trimmed); failed {
			return &ApplicationError{Op: op, StatusCode: resp.StatusCode, Message: msg}
		}
	}
	return nil
}

// execute gửi request qua rate limiter và phân loại lỗi.
// idempotent=true cho phép retry khi lỗi kết nối hoặc 5xx.
func (c *LoyaltyClient) execute(ctx context.Context, op, method, endpoint string, body interface{}, idempotent bool) (*httpclient.Response, error) {
	log := c.log.WithFields(logrus.Fields{"op": op, "endpoint": endpoint})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = defaultMaxRetryBackoff

	attempt := 0
	operation := func() (*httpclient.Response, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(&TransportError{Op: op, Err: err})
		}

		resp, err := c.http.Do(ctx, method, endpoint, body, nil)
		if err != nil {
			terr := &TransportError{Op: op, Err: err}
			if !idempotent || ctx.Err() != nil {
				return nil, backoff.Permanent(terr)
			}
			log.WithError(err).WithField("attempt", attempt).Warn("⚠️ Lỗi kết nối Loyalty API, thử lại")
			return nil, terr
		}
		c.limiter.RecordResponse(resp.StatusCode)

		if resp.IsSuccess() {
			return resp, nil
		}

		classified := classifyStatus(op, resp)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			log.WithField("attempt", attempt).Warn("⚠️ Loyalty API báo quá tải (429), thử lại")
			return nil, classified
		case resp.StatusCode >= 500 && idempotent:
			log.WithFields(logrus.Fields{"attempt": attempt, "status": resp.StatusCode}).Warn("⚠️ Loyalty API lỗi server, thử lại")
			return nil, classified
		default:
			return nil, backoff.Permanent(classified)
		}
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return nil, err
		}
		log.WithError(err).Error("❌ Gọi Loyalty API thất bại")
		if !isClassified(err) {
			err = &TransportError{Op: op, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// classifyStatus chuyển response không thành công thành lỗi tương ứng
func classifyStatus(op string, resp *httpclient.Response) error {
	msg := describeUnexpectedBody(bytes.TrimSpace(resp.Body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusNotFound && op == "get_customer":
		return fmt.Errorf("%w (status %d)", ErrCustomerNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	default:
		return &ApplicationError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
}

func isClassified(err error) bool {
	var (
		te *TransportError
		ae *AuthError
		pe *ApplicationError
	)
	return errors.As(err, &te) || errors.As(err, &ae) || errors.As(err, &pe) || errors.Is(err, ErrCustomerNotFound)
}

// envelopeFailure nhận diện envelope {"success": false, "error"|"message": ...}
func envelopeFailure(raw []byte) (string, bool) {
	var env struct {
		Success *bool           `json:"success"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	if env.Success == nil || *env.Success {
		return "", false
	}
	msg := env.Message
	if len(env.Error) > 0 {
		var s string
		if json.Unmarshal(env.Error, &s) == nil {
			msg = s
		} else {
			msg = string(env.Error)
		}
	}
	if msg == "" {
		msg = "success=false"
	}
	return msg, true
}

// describeUnexpectedBody tạo thông điệp lỗi ngắn gọn từ body không như mong đợi
func describeUnexpectedBody(body []byte) string {
	if msg, failed := envelopeFailure(body); failed {
		return msg
	}
	if len(body) == 0 {
		return "response rỗng"
	}
	if len(body) > maxLoggedBodyLength {
		return "response không đúng định dạng: " + string(body[:maxLoggedBodyLength]) + "..."
	}
	return "response không đúng định dạng: " + string(body)
}

// extractID đọc field "id" (số hoặc chuỗi) từ một object JSON, trả về "" nếu không có
func extractID(raw json.RawMessage) string {
	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(obj.ID, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(obj.ID))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := n.Int64(); err == nil && i > 0 {
			return strconv.FormatInt(i, 10)
		}
	}
	return ""
}
