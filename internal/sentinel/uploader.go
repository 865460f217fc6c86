package sentinel

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/topazyo/s3-sentinel-connector/internal/resilience"
	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// sentinelRetryableStatus lists the DCR ingestion endpoint's retryable
// response codes: 408, 429 (honoring Retry-After), 500, 502, 503, 504.
// Any other failure status, such as 400, 401, 403, 413 or 422, is not
// retried.
var sentinelRetryableStatus = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// uploadError wraps a Sentinel DCR response so the router's retry
// predicate can classify it without re-parsing status codes.
type uploadError struct {
	status        int
	body          string
	retryAfter    time.Duration
	hasRetryAfter bool
}

func (e *uploadError) Error() string {
	return fmt.Sprintf("sentinel ingestion returned %d: %s", e.status, e.body)
}

// RetryAfter implements resilience's retry-after hint: a 429 with a
// parsed Retry-After header overrides the retry policy's own computed
// backoff instead of stacking on top of it.
func (e *uploadError) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.hasRetryAfter
}

func isSentinelRetryable(err error) bool {
	var uErr *uploadError
	if !asUploadError(err, &uErr) {
		return false
	}
	_, ok := sentinelRetryableStatus[uErr.status]
	return ok
}

func asUploadError(err error, target **uploadError) bool {
	for err != nil {
		if u, ok := err.(*uploadError); ok {
			*target = u
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// TokenSource obtains an AAD bearer token for the Sentinel DCE scope,
// narrowed from azcore's TokenCredential so the uploader can be tested
// against a stub without a live AAD tenant.
type TokenSource interface {
	GetToken(ctx context.Context, opts policy.TokenRequestOptions) (AccessToken, error)
}

// AccessToken mirrors azcore.AccessToken's two fields that the
// uploader cares about, avoiding an azcore import purely for the type
// name in this file's exported surface.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// UploaderConfig configures the Sentinel DCR HTTP client.
type UploaderConfig struct {
	// DCEEndpoint is the Data Collection Endpoint base URL, e.g.
	// "https://my-dce-xxxx.ingest.monitor.azure.com".
	DCEEndpoint string

	// DCRImmutableID is the DCR's immutable-id (dcr-xxxxxxxx).
	DCRImmutableID string

	// StreamName is the custom stream name declared on the DCR.
	StreamName string

	// Scope is the AAD token scope requested for the DCE, typically
	// "https://monitor.azure.com/.default".
	Scope string

	// Gzip enables Content-Encoding: gzip on the POST body.
	Gzip bool

	Timeout time.Duration
}

func (c UploaderConfig) withDefaults() UploaderConfig {
	if c.Scope == "" {
		c.Scope = "https://monitor.azure.com/.default"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

func (c UploaderConfig) url() string {
	return fmt.Sprintf("%s/dataCollectionRules/%s/streams/%s?api-version=2023-01-01",
		c.DCEEndpoint, c.DCRImmutableID, c.StreamName)
}

// Uploader posts sealed batches to a Sentinel DCR stream over an
// http.Client built with bounded idle conns, an explicit timeout, and
// optional gzip, authenticated with an AAD bearer token against a
// single DCE.
type Uploader struct {
	cfg     UploaderConfig
	client  *http.Client
	tokens  TokenSource
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

// NewUploader builds an Uploader. tokens is typically an
// *azidentity.DefaultAzureCredential; main passes the breaker registered
// under the dependency name "sentinel".
func NewUploader(cfg UploaderConfig, tokens TokenSource, breaker *resilience.CircuitBreaker, retry resilience.RetryPolicy) *Uploader {
	cfg = cfg.withDefaults()
	retry.Retryable = isSentinelRetryable

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Uploader{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		tokens:  tokens,
		breaker: breaker,
		retry:   retry,
	}
}

// Upload serializes batch's records as a JSON array and POSTs them to
// the DCR stream, retrying per the uploader's retry policy and routing
// every attempt through the named circuit breaker. A non-retryable
// response (or final retry exhaustion) is returned to the caller, which
// diverts the batch to the failed-batch sink.
func (u *Uploader) Upload(ctx context.Context, batch *models.Batch) error {
	attempts, err := u.upload(ctx, batch)
	batch.SetUploadAttempts(attempts)
	return err
}

// upload runs the retry+breaker-wrapped POST loop and reports how many
// attempts were made, so a final failure's failed-batch envelope can
// carry an accurate attempt_count.
func (u *Uploader) upload(ctx context.Context, batch *models.Batch) (int, error) {
	payload, err := marshalRecords(batch.Records)
	if err != nil {
		return 0, fmt.Errorf("marshal batch %s: %w", batch.ID, err)
	}

	attempts := 0
	err = resilience.Do(ctx, u.retry, func(ctx context.Context) error {
		attempts++
		return u.breaker.Execute(ctx, func(ctx context.Context) error {
			return u.postOnce(ctx, payload)
		})
	})
	return attempts, err
}

func marshalRecords(records []*models.Record) ([]byte, error) {
	rows := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		row := make(map[string]interface{}, len(r.Fields)+1)
		for k, v := range r.Fields {
			row[k] = v
		}
		row["TimeGenerated"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
		rows = append(rows, row)
	}
	return json.Marshal(rows)
}

func (u *Uploader) postOnce(ctx context.Context, payload []byte) error {
	body := payload
	if u.cfg.Gzip {
		compressed, err := compressGzip(payload)
		if err != nil {
			return fmt.Errorf("compress batch payload: %w", err)
		}
		body = compressed
	}

	token, err := u.tokens.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{u.cfg.Scope}})
	if err != nil {
		return fmt.Errorf("acquire AAD token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.url(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sentinel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sentinel request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	uErr := &uploadError{status: resp.StatusCode, body: string(respBody)}
	if resp.StatusCode == http.StatusTooManyRequests {
		if wait, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			uErr.retryAfter, uErr.hasRetryAfter = wait, true
		}
	}

	return uErr
}

// retryAfter parses an HTTP Retry-After header as a delta-seconds value,
// the only form the Sentinel DCR endpoint documents.
func retryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultTokenSource wraps azidentity.NewDefaultAzureCredential so
// callers outside this package don't need to import azidentity directly.
func DefaultTokenSource() (TokenSource, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("construct AAD credential: %w", err)
	}
	return azureTokenSource{cred: cred}, nil
}

type azureTokenSource struct {
	cred *azidentity.DefaultAzureCredential
}

func (s azureTokenSource) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (AccessToken, error) {
	tok, err := s.cred.GetToken(ctx, opts)
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: tok.Token, ExpiresOn: tok.ExpiresOn}, nil
}
