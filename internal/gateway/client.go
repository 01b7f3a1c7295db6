// Package gateway is the HTTP client for the remote regulatory reporting API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"varianceiq/pkg/contracts/domain"
)

const (
	TracerName = "varianceiq.gateway"

	// maxErrorBody bounds how much of a failed response is kept in the error.
	maxErrorBody = 512
)

// Config describes how to reach the reporting API.
type Config struct {
	BaseURL           string
	TokenURL          string
	ClientID          string
	ClientSecret      string
	Scopes            []string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	Retry             RetryConfig
}

// Client implements the analysis gateway against the reporting API.
// It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	userAgent  string
	retry      RetryConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. When client credentials are
// configured the OAuth2 transport wraps this client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a Client from cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway base url scheme %q", base.Scheme)
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
		userAgent:  cfg.UserAgent,
		retry:      cfg.Retry,
		logger:     slog.Default(),
		tracer:     otel.Tracer(TracerName),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.userAgent == "" {
		c.userAgent = "varianceiq"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "gateway"))

	if cfg.ClientID != "" {
		if cfg.TokenURL == "" {
			return nil, errors.New("gateway token url is required when client id is set")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		// Token fetches go through the configured client as well.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		c.httpClient = cc.Client(tokenCtx)
	}

	meter := otel.Meter(TracerName)
	if c.requests, err = meter.Int64Counter("gateway_requests_total",
		metric.WithDescription("Total number of reporting API requests")); err != nil {
		return nil, fmt.Errorf("failed to create gateway metrics: %w", err)
	}
	if c.latency, err = meter.Float64Histogram("gateway_request_duration_seconds",
		metric.WithDescription("Reporting API request duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create gateway metrics: %w", err)
	}

	return c, nil
}

// instancePayload accepts both plain dates and timestamps for referenceDate.
type instancePayload struct {
	ID            any    `json:"id"`
	ReferenceDate string `json:"referenceDate"`
}

// ListInstances returns every submitted instance of a form.
func (c *Client) ListInstances(ctx context.Context, formCode string) ([]domain.Instance, error) {
	path := fmt.Sprintf("/api/v1/returns/%s/instances", url.PathEscape(formCode))

	var payload []instancePayload
	if err := c.getJSON(ctx, OpListInstances, formCode, path, nil, &payload); err != nil {
		return nil, err
	}

	list := make([]domain.Instance, 0, len(payload))
	for _, p := range payload {
		id := domain.FormatValue(p.ID)
		if id == "" {
			continue
		}
		list = append(list, domain.Instance{ID: id, ReferenceDate: normalizeDate(p.ReferenceDate)})
	}
	return list, nil
}

// CompareInstances returns the cell-level variances between two instances of a form.
func (c *Client) CompareInstances(ctx context.Context, formCode string, from, to domain.Instance) ([]domain.VarianceRow, error) {
	path := fmt.Sprintf("/api/v1/returns/%s/analysis", url.PathEscape(formCode))
	query := url.Values{}
	query.Set("fromInstanceId", from.ID)
	query.Set("toInstanceId", to.ID)

	var rows []domain.VarianceRow
	if err := c.getJSON(ctx, OpCompareInstances, formCode, path, query, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.VarianceRow{}
	}
	return rows, nil
}

// Validate returns the validation rule outcomes for an instance.
func (c *Client) Validate(ctx context.Context, inst domain.Instance) ([]domain.ValidationResult, error) {
	path := fmt.Sprintf("/api/v1/instances/%s/validations", url.PathEscape(inst.ID))

	var results []domain.ValidationResult
	if err := c.getJSON(ctx, OpValidate, inst.ID, path, nil, &results); err != nil {
		return nil, err
	}
	if results == nil {
		results = []domain.ValidationResult{}
	}
	return results, nil
}

// getJSON performs a throttled, retried GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, op, subject, path string, query url.Values, out any) error {
	ctx, span := c.tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.op", op),
			attribute.String("gateway.subject", subject),
		))
	defer span.End()

	// path segments are already escaped
	endpoint := c.baseURL.String() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	err := c.withRetry(ctx, op, subject, func(ctx context.Context) error {
		return c.do(ctx, op, subject, endpoint, out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, op, subject, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(op, subject, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Op: op, Subject: subject, Message: "build request", Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.record(ctx, op, status, time.Since(start))
	if err != nil {
		return transportError(op, subject, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, subject, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &Error{Op: op, Subject: subject, StatusCode: resp.StatusCode, Message: "malformed response", Cause: err}
	}

	c.logger.DebugContext(ctx, "gateway_request_completed",
		slog.String("op", op),
		slog.String("subject", subject),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (c *Client) record(ctx context.Context, op string, status int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.Int("status", status),
	)
	c.requests.Add(ctx, 1, attrs)
	c.latency.Record(ctx, d.Seconds(), attrs)
}

// normalizeDate trims timestamps such as 2025-06-30T00:00:00 to their date part.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 10 && s[4] == '-' && s[7] == '-' {
		return s[:10]
	}
	return s
}
