// Package upstream holds the HTTP clients for the two code-assist API
// flavors. Both speak the same envelope protocol; they differ in endpoint,
// identification headers and model catalog.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/config"
	"catiecli-go/internal/models"
	"catiecli-go/internal/rewrite"
)

const (
	geminiCLIUserAgent   = "grpc-java-okhttp/1.68.1"
	antigravityUserAgent = "antigravity/1.11.3 windows/amd64"
)

// envelope wraps every generate call.
type envelope struct {
	Model   string                   `json:"model"`
	Project string                   `json:"project"`
	Request *rewrite.GenerateRequest `json:"request"`
}

// Client talks to one upstream variant.
type Client struct {
	variant string
	baseURL string
	cli     *http.Client
}

func newClient(variant, baseURL string, cfg config.UpstreamConfig) *Client {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 30 * time.Second
	}
	read := cfg.ReadTimeout
	if read <= 0 {
		read = 600 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connect,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		variant: variant,
		baseURL: strings.TrimRight(baseURL, "/"),
		cli:     &http.Client{Transport: tr, Timeout: read},
	}
}

// NewGeminiCLI builds the code-assist client.
func NewGeminiCLI(cfg config.UpstreamConfig) *Client {
	return newClient(models.VariantGeminiCLI, cfg.CodeAssistEndpoint, cfg)
}

// NewAntigravity builds the antigravity client.
func NewAntigravity(cfg config.UpstreamConfig) *Client {
	return newClient(models.VariantAntigravity, cfg.AntigravityEndpoint, cfg)
}

// WithHTTPClient swaps the underlying HTTP client, for tests.
func (c *Client) WithHTTPClient(cli *http.Client) *Client {
	c.cli = cli
	return c
}

// WithBaseURL points the client at a different host, for tests.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Variant() string { return c.variant }

func (c *Client) BaseURL() string { return c.baseURL }

// UserAgent exposes the variant user agent for callers that hit upstream
// endpoints outside this client, such as project resolution.
func (c *Client) UserAgent() string {
	if c.variant == models.VariantAntigravity {
		return antigravityUserAgent
	}
	return geminiCLIUserAgent
}

func (c *Client) setHeaders(httpReq *http.Request, accessToken, model string) {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	switch c.variant {
	case models.VariantAntigravity:
		httpReq.Header.Set("User-Agent", antigravityUserAgent)
		httpReq.Header.Set("requestId", "req-"+uuid.NewString())
		if model != "" {
			if strings.Contains(strings.ToLower(model), "image") {
				httpReq.Header.Set("requestType", "image_gen")
			} else {
				httpReq.Header.Set("requestType", "agent")
			}
		}
	default:
		httpReq.Header.Set("User-Agent", geminiCLIUserAgent)
	}
}

func (c *Client) post(ctx context.Context, path, accessToken, model string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq, accessToken, model)
	return c.cli.Do(httpReq)
}

// StatusError is a non-200 upstream reply. The text form is what the retry
// classifier parses; status and headers ride along so rate-limit handling
// can honor Retry-After.
type StatusError struct {
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.StatusCode, e.Body)
}

// apiError drains the body and converts a non-200 response into a
// StatusError.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       string(body),
	}
}

// Generate issues a non-streaming call and returns the raw response body.
func (c *Client) Generate(ctx context.Context, accessToken, project, model string, req *rewrite.GenerateRequest) ([]byte, error) {
	resp, err := c.post(ctx, "/v1internal:generateContent", accessToken, model,
		envelope{Model: model, Project: project, Request: req})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Stream issues a streaming call. The caller owns the returned body and must
// close it; data arrives as SSE lines.
func (c *Client) Stream(ctx context.Context, accessToken, project, model string, req *rewrite.GenerateRequest) (io.ReadCloser, error) {
	resp, err := c.post(ctx, "/v1internal:streamGenerateContent?alt=sse", accessToken, model,
		envelope{Model: model, Project: project, Request: req})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

// FetchModels asks the upstream for its model catalog. Only the antigravity
// variant exposes this; 2.x models are filtered out because the catalog there
// only reflects the newer families accurately.
func (c *Client) FetchModels(ctx context.Context, accessToken string) ([]string, error) {
	resp, err := c.post(ctx, "/v1internal:fetchAvailableModels", accessToken, "", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Models map[string]json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}

	var ids []string
	for id := range parsed.Models {
		if strings.Contains(id, "2.5") || strings.Contains(strings.ToLower(id), "gemini-2") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ModelQuota is the per-model usage snapshot reported by the upstream.
type ModelQuota struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime"`
}

// FetchQuota reports remaining quota per model for the credential behind the
// access token.
func (c *Client) FetchQuota(ctx context.Context, accessToken string) (map[string]ModelQuota, error) {
	resp, err := c.post(ctx, "/v1internal:fetchAvailableModels", accessToken, "", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Models map[string]struct {
			QuotaInfo *ModelQuota `json:"quotaInfo"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode quota info: %w", err)
	}

	quotas := make(map[string]ModelQuota)
	for id, m := range parsed.Models {
		if m.QuotaInfo != nil {
			quotas[id] = *m.QuotaInfo
		}
	}
	log.WithField("models", len(quotas)).Debug("fetched upstream quota info")
	return quotas, nil
}
