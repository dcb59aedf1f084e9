package ads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
)

// HTTPClient talks to the real upstream REST API. Responses are returned
// raw; error payloads are mapped into the apierr taxonomy so refund
// classification works the same as for the mock.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) Search(ctx context.Context, customerID, query string, pageSize int) ([]byte, error) {
	return c.post(ctx, fmt.Sprintf("%s/customers/%s/search", c.baseURL, customerID), map[string]any{
		"query":     query,
		"page_size": pageSize,
	})
}

func (c *HTTPClient) Mutate(ctx context.Context, customerID string, operations []map[string]any, validateOnly bool) ([]byte, error) {
	return c.post(ctx, fmt.Sprintf("%s/customers/%s/mutate", c.baseURL, customerID), map[string]any{
		"operations":    operations,
		"validate_only": validateOnly,
	})
}

func (c *HTTPClient) post(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.Internal("marshal upstream request: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apierr.Internal("build upstream request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures never reached the upstream billing path.
		return nil, apierr.UpstreamTransient(err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.UpstreamTransient("read upstream response: " + err.Error())
	}

	if resp.StatusCode >= 400 {
		return nil, mapErrorPayload(resp.StatusCode, data)
	}
	return data, nil
}

// mapErrorPayload extracts the upstream error code when the body carries
// one, otherwise falls back to classifying by HTTP status.
func mapErrorPayload(status int, body []byte) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Code != "" {
		return apierr.MapUpstream(payload.Error.Code, payload.Error.Message)
	}

	msg := fmt.Sprintf("upstream returned status %d", status)
	if status >= 500 || status == http.StatusTooManyRequests {
		return apierr.UpstreamTransient(msg)
	}
	return apierr.UpstreamTerminal(msg)
}
