// Package dispatch runs one generate request end to end: placeholder usage
// logging, quota enforcement, credential selection, token refresh, lazy
// project resolution and the upstream call, retrying over alternate
// credentials on retryable failures.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/config"
	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/models"
	"catiecli-go/internal/pool"
	"catiecli-go/internal/rewrite"
	"catiecli-go/internal/upstream"
)

const (
	// maxLoggedField caps error_message and request_body in usage rows.
	maxLoggedField = 2000
	// maxClientField caps raw upstream error text shown to clients.
	maxClientField = 200

	customMessagesKey = "custom_error_messages_enabled"

	finalizeTimeout = 5 * time.Second
)

// continuePrompt asks for the remainder of a truncated streamed answer.
const continuePrompt = "Continue exactly where the previous message stopped. Do not repeat text that was already written."

// Store is the persistence surface the dispatcher needs.
type Store interface {
	InsertPlaceholder(ctx context.Context, l *models.UsageLog) (int64, error)
	FinalizeLog(ctx context.Context, l *models.UsageLog) error
	UpdateProjectID(ctx context.Context, id int64, projectID string) error
	GetSystemConfig(ctx context.Context, key string) (string, error)
	ListErrorMessageRules(ctx context.Context) ([]apperrors.MessageRule, error)
}

// CredentialPool selects credentials and records their failures.
type CredentialPool interface {
	Acquire(ctx context.Context, userID int64, variant, model string, exclude []int64) (*models.Credential, error)
	HandleRateLimit(ctx context.Context, cred *models.Credential, model, errText string, header http.Header) (time.Duration, error)
	HandleFailure(ctx context.Context, cred *models.Credential, errText string) error
}

// QuotaGuard gates non-admin requests before any upstream work.
type QuotaGuard interface {
	Check(ctx context.Context, user *models.User, variant, model string) error
}

// TokenSource yields a fresh decrypted access token for a credential.
type TokenSource interface {
	AccessToken(ctx context.Context, cred *models.Credential) (string, error)
}

// ProjectResolver discovers the cloud project backing a credential.
type ProjectResolver interface {
	Resolve(ctx context.Context, baseURL, accessToken, userAgent string) (string, error)
}

// Upstream is the slice of the upstream client the dispatcher drives.
type Upstream interface {
	Generate(ctx context.Context, accessToken, project, model string, req *rewrite.GenerateRequest) ([]byte, error)
	Stream(ctx context.Context, accessToken, project, model string, req *rewrite.GenerateRequest) (io.ReadCloser, error)
	BaseURL() string
	UserAgent() string
}

// RPMObserver mirrors placeholder inserts into the sliding-window request
// counter so the fast path counts what the SQL path counts.
type RPMObserver interface {
	Observe(ctx context.Context, userID int64, at time.Time) error
}

// Broadcaster receives finalized usage rows, typically the WebSocket hub.
type Broadcaster interface {
	BroadcastLog(l *models.UsageLog)
}

// Metrics observes completed dispatches and credential rotations.
type Metrics interface {
	ObserveRequest(variant, model string, status int, latency time.Duration)
	ObserveRetry()
}

// Dispatcher wires the pieces together.
type Dispatcher struct {
	store     Store
	pool      CredentialPool
	guard     QuotaGuard
	tokens    TokenSource
	projects  ProjectResolver
	upstreams map[string]Upstream
	cfg       *config.Config
	hub       Broadcaster
	metrics   Metrics
	rpm       RPMObserver
	now       func() time.Time
}

// Option customizes Dispatcher creation.
type Option func(*Dispatcher)

func WithBroadcaster(hub Broadcaster) Option {
	return func(d *Dispatcher) { d.hub = hub }
}

func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRPMObserver wires the Redis fast-path counter.
func WithRPMObserver(o RPMObserver) Option {
	return func(d *Dispatcher) { d.rpm = o }
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(store Store, credPool CredentialPool, guard QuotaGuard, tokens TokenSource,
	projects ProjectResolver, upstreams map[string]Upstream, cfg *config.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		pool:      credPool,
		guard:     guard,
		tokens:    tokens,
		projects:  projects,
		upstreams: upstreams,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Request carries one inbound generate call. Model is the client-facing id
// with streaming and variant prefixes intact; Payload is the already
// translated native body.
type Request struct {
	User      *models.User
	Model     string
	Endpoint  string
	Payload   *rewrite.GenerateRequest
	RawBody   []byte
	ClientIP  string
	UserAgent string
	Stream    bool
}

// Result is a successful dispatch. For non-streaming calls Body holds the
// upstream response and the usage row is already finalized. For streaming
// calls the caller owns Stream (and must Close it), may reopen through Open
// for continuation, and must call Finish once the stream has been consumed.
type Result struct {
	Name          rewrite.ModelName
	UpstreamModel string
	Body          []byte
	Stream        io.ReadCloser
	Open          func(ctx context.Context, priorText string) (io.ReadCloser, error)
	Credential    *models.Credential
	Retries       int

	// Finish finalizes the usage row exactly once, on an independent store
	// session so client disconnects cannot cancel the write.
	Finish func(status int, errText string)
}

// Dispatch runs the retry state machine for one request.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, *apperrors.APIError) {
	start := d.now()
	name := rewrite.ParseModelName(req.Model)

	entry := &models.UsageLog{
		UserID:      req.User.ID,
		Model:       req.Model,
		Endpoint:    req.Endpoint,
		RequestBody: truncate(string(req.RawBody), maxLoggedField),
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
	}
	// The placeholder row makes in-flight requests visible to the RPM
	// window; a failed insert degrades accounting but not service.
	if id, err := d.store.InsertPlaceholder(ctx, entry); err != nil {
		log.WithError(err).Warn("usage log placeholder insert failed")
	} else {
		entry.ID = id
	}
	if d.rpm != nil {
		if err := d.rpm.Observe(ctx, req.User.ID, start); err != nil {
			log.WithError(err).Debug("rpm fast-path observe failed")
		}
	}

	finish := d.finisher(entry, name.Variant, req.Model, start)

	if !req.User.IsAdmin {
		if err := d.guard.Check(ctx, req.User, name.Variant, name.Upstream); err != nil {
			apiErr := asAPIError(err, http.StatusTooManyRequests)
			finish(apiErr.HTTPStatus, apiErr.Message)
			return nil, apiErr
		}
	}

	client, ok := d.upstreams[name.Variant]
	if !ok {
		apiErr := apperrors.New(http.StatusBadRequest, "model_not_found",
			"invalid_request_error", "unknown model: "+req.Model)
		finish(apiErr.HTTPStatus, apiErr.Message)
		return nil, apiErr
	}

	// Normalization mutates the payload, so it runs once; retries reuse the
	// same upstream shape over a different credential.
	upstreamModel := rewrite.Normalize(name.Variant, name.Upstream, req.Payload, d.cfg.Upstream.SystemPrompt)

	maxAttempts := d.cfg.Dispatch.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		exclude    []int64
		lastText   string
		lastStatus int
		tried      int
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cred, err := d.pool.Acquire(ctx, req.User.ID, name.Variant, name.Upstream, exclude)
		if err != nil {
			if errors.Is(err, pool.ErrNoCredential) {
				if attempt == 0 {
					apiErr := apperrors.New(http.StatusServiceUnavailable,
						string(apperrors.KindNoCredential), "server_error",
						"no credential available for "+req.Model)
					finish(apiErr.HTTPStatus, apiErr.Message)
					return nil, apiErr
				}
				// pool exhausted mid-retry, surface the last upstream error
				break
			}
			lastText = err.Error()
			lastStatus = http.StatusInternalServerError
			break
		}

		entry.CredentialID = sql.NullInt64{Int64: cred.ID, Valid: true}
		entry.CredentialEmail = cred.Email
		entry.RetryCount = attempt
		tried = attempt + 1

		token, err := d.tokens.AccessToken(ctx, cred)
		if err != nil {
			lastText, lastStatus = err.Error(), http.StatusUnauthorized
			d.failCredential(ctx, cred, lastText)
			exclude = append(exclude, cred.ID)
			continue
		}

		project := cred.ProjectID
		if project == "" && name.Variant == models.VariantGeminiCLI {
			project, err = d.projects.Resolve(ctx, client.BaseURL(), token, client.UserAgent())
			if err != nil {
				lastText = err.Error()
				lastStatus = apperrors.ExtractStatus(lastText, http.StatusForbidden)
				d.failCredential(ctx, cred, lastText)
				exclude = append(exclude, cred.ID)
				continue
			}
			cred.ProjectID = project
			if uerr := d.store.UpdateProjectID(ctx, cred.ID, project); uerr != nil {
				log.WithError(uerr).WithField("credential_id", cred.ID).Warn("project id persist failed")
			}
		}

		if req.Stream {
			open := opener(client, token, project, upstreamModel, req.Payload)
			body, serr := open(ctx, "")
			if serr == nil {
				return &Result{
					Name:          name,
					UpstreamModel: upstreamModel,
					Stream:        body,
					Open:          open,
					Credential:    cred,
					Retries:       attempt,
					Finish:        finish,
				}, nil
			}
			err = serr
		} else {
			body, gerr := client.Generate(ctx, token, project, upstreamModel, req.Payload)
			if gerr == nil {
				finish(http.StatusOK, "")
				return &Result{
					Name:          name,
					UpstreamModel: upstreamModel,
					Body:          body,
					Credential:    cred,
					Retries:       attempt,
					Finish:        finish,
				}, nil
			}
			err = gerr
		}

		lastText = err.Error()
		lastStatus = apperrors.ExtractStatus(lastText, 0)
		d.recordCallFailure(ctx, entry, cred, name.Upstream, lastStatus, lastText, upstreamHeader(err))
		exclude = append(exclude, cred.ID)
		if d.metrics != nil {
			d.metrics.ObserveRetry()
		}

		if !retryableStatus(lastStatus) && !apperrors.IsRetryableText(lastText) {
			break
		}
	}

	if lastText == "" {
		lastText = pool.ErrNoCredential.Error()
		lastStatus = http.StatusServiceUnavailable
	}
	if lastStatus == 0 {
		lastStatus = http.StatusInternalServerError
	}

	message := fmt.Sprintf("API call failed (retried %d times): %s", tried, truncate(lastText, maxClientField))
	kind, _ := apperrors.Classify(lastStatus, lastText)
	if custom, ok := d.customMessage(ctx, kind, lastText); ok {
		message = custom
	}

	apiErr := apperrors.MapHTTPError(lastStatus, nil)
	apiErr.Message = message
	finish(lastStatus, lastText)
	return nil, apiErr
}

// finisher builds the once-only finalize closure shared by the dispatcher's
// own error paths and the streaming caller.
func (d *Dispatcher) finisher(entry *models.UsageLog, variant, model string, start time.Time) func(int, string) {
	var once sync.Once
	return func(status int, errText string) {
		once.Do(func() {
			latency := d.now().Sub(start)
			if d.metrics != nil {
				d.metrics.ObserveRequest(variant, model, status, latency)
			}
			if entry.ID == 0 {
				return
			}
			entry.StatusCode = status
			entry.LatencyMS = latency.Milliseconds()
			if errText != "" {
				entry.ErrorMessage = truncate(errText, maxLoggedField)
				kind, code := apperrors.Classify(status, errText)
				entry.ErrorType = string(kind)
				entry.ErrorCode = code
			}

			fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			defer cancel()
			if err := d.store.FinalizeLog(fctx, entry); err != nil {
				log.WithError(err).WithField("log_id", entry.ID).Warn("usage log finalize failed")
				return
			}
			if d.hub != nil {
				d.hub.BroadcastLog(entry)
			}
		})
	}
}

// recordCallFailure updates pool bookkeeping after a failed upstream call.
// Rate limits cool the credential down for the parsed delay; everything else
// counts as a plain failure.
func (d *Dispatcher) recordCallFailure(ctx context.Context, entry *models.UsageLog, cred *models.Credential, model string, status int, errText string, header http.Header) {
	if status == http.StatusTooManyRequests {
		if cd, err := d.pool.HandleRateLimit(ctx, cred, model, errText, header); err == nil {
			entry.CDSeconds = int(cd / time.Second)
		} else {
			log.WithError(err).WithField("credential_id", cred.ID).Warn("rate limit bookkeeping failed")
		}
		return
	}
	d.failCredential(ctx, cred, errText)
}

// upstreamHeader surfaces response headers from a typed upstream error so
// Retry-After reaches cooldown accounting.
func upstreamHeader(err error) http.Header {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return se.Header
	}
	return nil
}

func (d *Dispatcher) failCredential(ctx context.Context, cred *models.Credential, errText string) {
	if err := d.pool.HandleFailure(ctx, cred, errText); err != nil {
		log.WithError(err).WithField("credential_id", cred.ID).Warn("credential failure bookkeeping failed")
	}
}

// customMessage applies operator-defined message rules when the feature
// toggle is set.
func (d *Dispatcher) customMessage(ctx context.Context, kind apperrors.Kind, errText string) (string, bool) {
	enabled, err := d.store.GetSystemConfig(ctx, customMessagesKey)
	if err != nil || enabled != "true" {
		return "", false
	}
	rules, err := d.store.ListErrorMessageRules(ctx)
	if err != nil {
		log.WithError(err).Warn("error message rules unavailable")
		return "", false
	}
	return apperrors.MatchRule(rules, kind, errText)
}

// opener returns the stream opener used for both the first attempt and
// truncation continuations. A continuation replays the conversation with the
// already-delivered text appended as a model turn plus a continue request.
func opener(client Upstream, token, project, model string, base *rewrite.GenerateRequest) func(context.Context, string) (io.ReadCloser, error) {
	return func(ctx context.Context, priorText string) (io.ReadCloser, error) {
		req := base
		if priorText != "" {
			cont := *base
			cont.Contents = make([]rewrite.Content, 0, len(base.Contents)+2)
			cont.Contents = append(cont.Contents, base.Contents...)
			cont.Contents = append(cont.Contents,
				rewrite.Content{Role: "model", Parts: []rewrite.Part{rewrite.TextPart(priorText)}},
				rewrite.Content{Role: "user", Parts: []rewrite.Part{rewrite.TextPart(continuePrompt)}},
			)
			req = &cont
		}
		return client.Stream(ctx, token, project, model, req)
	}
}

var retryableStatuses = map[int]bool{
	http.StatusNotFound:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func retryableStatus(status int) bool { return retryableStatuses[status] }

func asAPIError(err error, fallbackStatus int) *apperrors.APIError {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return apperrors.New(fallbackStatus, string(apperrors.KindUnknown), "server_error", err.Error())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
