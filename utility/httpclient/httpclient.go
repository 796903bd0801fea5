/*
Package httpclient cung cấp HTTP client đơn giản để gọi JSON API.
Mọi request đều nhận context.Context để có thể huỷ khi engine bị cancel hoặc khi tắt agent.
*/
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxBodySize giới hạn số byte đọc từ response body
const maxBodySize = 10 << 20

// HttpClient struct chứa thông tin cấu hình cho HTTP client
type HttpClient struct {
	BaseURL    string            // Base URL của API (ví dụ: "https://loyalty.example.com/api")
	HTTPClient *http.Client      // HTTP client từ standard library
	Headers    map[string]string // Custom headers (Authorization, Accept, ...)
}

// Response là kết quả đã đọc xong body của một request
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// IsSuccess trả về true khi status code thuộc 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshal body vào v
func (r *Response) DecodeJSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// NewHttpClient tạo một HttpClient mới với base URL và timeout
// Tham số:
//   - baseURL: Base URL của API
//   - timeout: Timeout cho mỗi request (ví dụ: 30 * time.Second)
func NewHttpClient(baseURL string, timeout time.Duration) *HttpClient {
	return &HttpClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Headers: make(map[string]string),
	}
}

// SetHeader thêm hoặc cập nhật header cho mọi request sau đó
func (c *HttpClient) SetHeader(key, value string) {
	c.Headers[key] = value
}

// Do tạo, gửi request và đọc toàn bộ body
// Tham số:
//   - ctx: Context để huỷ request
//   - method: HTTP method (GET, POST, PUT, DELETE)
//   - endpoint: Endpoint path (ví dụ: "/customer/12")
//   - body: Request body (marshal thành JSON nếu không nil)
//   - params: Query parameters
//
// Trả về lỗi khi không gửi được request hoặc không đọc được body.
// Status code không phải 2xx KHÔNG được coi là lỗi ở tầng này.
func (c *HttpClient) Do(ctx context.Context, method, endpoint string, body interface{}, params map[string]string) (*Response, error) {
	fullURL, err := url.Parse(c.BaseURL + endpoint)
	if err != nil {
		return nil, fmt.Errorf("URL không hợp lệ: %w", err)
	}

	if len(params) > 0 {
		query := fullURL.Query()
		for key, value := range params {
			query.Set(key, value)
		}
		fullURL.RawQuery = query.Encode()
	}

	var requestBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("không thể marshal request body: %w", err)
		}
		requestBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), requestBody)
	if err != nil {
		return nil, err
	}
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("không thể đọc response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// GET gửi yêu cầu HTTP GET
func (c *HttpClient) GET(ctx context.Context, endpoint string, params map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, endpoint, nil, params)
}

// POST gửi yêu cầu HTTP POST với body JSON
func (c *HttpClient) POST(ctx context.Context, endpoint string, body interface{}, params map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodPost, endpoint, body, params)
}
