package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	onboardAttempts     = 5
	defaultPollInterval = 2 * time.Second

	// Fallback tier when the account reports no default.
	legacyTierID = "LEGACY"
)

// clientMetadata is sent verbatim on both probe calls; the upstream rejects
// requests without it.
var clientMetadata = map[string]string{
	"ideType":    "ANTIGRAVITY",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// Resolver discovers the cloudaicompanion project backing a Google account,
// onboarding the account onto a tier when it has never been activated.
type Resolver struct {
	httpClient   *http.Client
	pollInterval time.Duration
}

// ResolverOption customizes Resolver creation.
type ResolverOption func(*Resolver)

// WithResolverHTTPClient overrides the HTTP client used for probe calls.
func WithResolverHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithPollInterval overrides the onboarding poll interval (testing).
func WithPollInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the project id for the account behind accessToken. Already
// activated accounts answer on the first call; new accounts are onboarded
// onto their default tier and polled until the operation finishes.
func (r *Resolver) Resolve(ctx context.Context, baseURL, accessToken, userAgent string) (string, error) {
	raw, err := r.post(ctx, baseURL+"/v1internal:loadCodeAssist", accessToken, userAgent,
		map[string]any{"metadata": clientMetadata})
	if err != nil {
		return "", err
	}
	res := gjson.ParseBytes(raw)

	// A null or empty currentTier means the account was never activated even
	// when the key is present, so key existence alone is not enough.
	if res.Get("currentTier").String() != "" {
		project := res.Get("cloudaicompanionProject").String()
		if project == "" {
			return "", fmt.Errorf("account is activated but reports no project")
		}
		return project, nil
	}

	tier := legacyTierID
	for _, t := range res.Get("allowedTiers").Array() {
		if t.Get("isDefault").Bool() {
			tier = t.Get("id").String()
			break
		}
	}
	log.WithField("tier", tier).Info("Onboarding account onto code assist tier")

	payload := map[string]any{"tierId": tier, "metadata": clientMetadata}
	for attempt := 0; attempt < onboardAttempts; attempt++ {
		raw, err := r.post(ctx, baseURL+"/v1internal:onboardUser", accessToken, userAgent, payload)
		if err != nil {
			return "", err
		}
		lro := gjson.ParseBytes(raw)
		if lro.Get("done").Bool() {
			// The finished operation carries the project either as an object
			// or as a bare string.
			if id := lro.Get("response.cloudaicompanionProject.id").String(); id != "" {
				return id, nil
			}
			if s := lro.Get("response.cloudaicompanionProject").String(); s != "" {
				return s, nil
			}
			return "", fmt.Errorf("onboarding finished without a project id")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
	return "", fmt.Errorf("project onboarding did not finish after %d attempts", onboardAttempts)
}

func (r *Resolver) post(ctx context.Context, url, accessToken, userAgent string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := raw
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("probe failed with status %d: %s", resp.StatusCode, string(snippet))
	}
	return raw, nil
}
