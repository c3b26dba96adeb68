// Package remote talks to the catalog source and the optional backend.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/pricecompare/internal/domain/catalog"
)

// ErrBackendDisabled is returned by backend calls when no backend is configured.
var ErrBackendDisabled = errors.New("backend disabled")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Config holds endpoints and per-call timeouts.
type Config struct {
	CatalogBaseURL string        `default:"http://localhost:3000" usage:"Base URL serving data/productos.json"`
	BackendURL     string        `default:"" usage:"Backend base URL for health and session sync"`
	BackendEnabled bool          `default:"false" usage:"Enable backend health probe and session sync"`
	FetchTimeout   time.Duration `default:"30s" usage:"Catalog fetch timeout"`
	HealthTimeout  time.Duration `default:"5s" usage:"Health probe and session sync timeout"`
}

// Client calls the remote endpoints. Every call is bounded by its configured
// timeout and a timeout is reported like any other failure.
type Client struct {
	cfg  Config
	http *http.Client
	lg   *zap.Logger
}

// NewClient creates a Client with an instrumented transport.
func NewClient(cfg Config, lg *zap.Logger, mp metric.MeterProvider, tp trace.TracerProvider) *Client {
	var opts []otelhttp.Option
	if mp != nil {
		opts = append(opts, otelhttp.WithMeterProvider(mp))
	}
	if tp != nil {
		opts = append(opts, otelhttp.WithTracerProvider(tp))
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
		lg: lg,
	}
}

// BackendEnabled reports whether backend calls are configured.
func (c *Client) BackendEnabled() bool {
	return c.cfg.BackendEnabled && c.cfg.BackendURL != ""
}

func join(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// FetchCatalog downloads and decodes the catalog. Transport errors, non-2xx
// responses and malformed payloads are all returned as errors.
func (c *Client) FetchCatalog(ctx context.Context) ([]catalog.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	url := join(c.cfg.CatalogBaseURL, "/data/productos.json")
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	products, err := catalog.Decode(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	return products, nil
}

// Health probes the backend. A nil error means the backend is active.
func (c *Client) Health(ctx context.Context) error {
	if !c.BackendEnabled() {
		return ErrBackendDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, join(c.cfg.BackendURL, "/api/health"), nil)
	if err != nil {
		return err
	}
	drain(resp.Body)
	return nil
}

// SessionPayload is the body of a session sync request.
type SessionPayload struct {
	// SessionTime is the elapsed session duration.
	SessionTime  time.Duration
	LastActivity time.Time
	Timestamp    time.Time
	Source       string
}

// Encode writes p as JSON. Durations are milliseconds and times are Unix
// milliseconds.
func (p SessionPayload) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("sessionTime")
	e.Int64(p.SessionTime.Milliseconds())
	e.FieldStart("lastActivity")
	e.Int64(p.LastActivity.UnixMilli())
	e.FieldStart("timestamp")
	e.Int64(p.Timestamp.UnixMilli())
	e.FieldStart("source")
	e.Str(p.Source)
	e.ObjEnd()
}

// SyncSession posts the session payload to the backend.
func (c *Client) SyncSession(ctx context.Context, p SessionPayload) error {
	if !c.BackendEnabled() {
		return ErrBackendDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	var e jx.Encoder
	p.Encode(&e)
	resp, err := c.do(ctx, http.MethodPost, join(c.cfg.BackendURL, "/api/session/sync"), e.Bytes())
	if err != nil {
		return err
	}
	drain(resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	c.lg.Debug("Remote call",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
	)
	return resp, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
