package live

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/tempora/errs"
)

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultRateLimit        = rate.Limit(10)
	defaultBurst            = 1
	defaultMaxAttempts      = 4
	defaultRetryInitialWait = 100 * time.Millisecond
	maxErrorBodyBytes       = 4 << 10
)

// RESTConfig parameterises a RESTTransport.
type RESTConfig struct {
	// BaseURL is the venue API root, e.g. "https://api.example.com".
	BaseURL string
	// Venue names the venue for error envelopes.
	Venue string
	// Client defaults to an http.Client with a 10s timeout.
	Client *http.Client
	// Limit is the sustained request rate; Burst the token bucket size.
	Limit rate.Limit
	Burst int
	// MaxAttempts caps tries per call, including the first.
	MaxAttempts uint
	// RetryInitialWait seeds the exponential retry backoff.
	RetryInitialWait time.Duration
	// Header entries are attached to every request.
	Header http.Header
}

func (c *RESTConfig) applyDefaults() {
	if c.Venue == "" {
		c.Venue = "live"
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.Limit <= 0 {
		c.Limit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryInitialWait <= 0 {
		c.RetryInitialWait = defaultRetryInitialWait
	}
}

// RESTTransport issues JSON requests against a venue REST API with
// client-side rate limiting and a bounded retry budget for transient
// failures. Throttled responses surface as rate_limited; transport failures
// and 5xx responses as connectivity; other 4xx responses fail immediately.
type RESTTransport struct {
	cfg     RESTConfig
	limiter *rate.Limiter
	base    *url.URL
}

// NewRESTTransport validates cfg and builds the transport.
func NewRESTTransport(cfg RESTConfig) (*RESTTransport, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.New(cfg.Venue, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("invalid base url %q", cfg.BaseURL)))
	}
	cfg.applyDefaults()
	return &RESTTransport{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.Limit, cfg.Burst),
		base:    base,
	}, nil
}

// Get issues a GET for path, decoding the JSON response into out when out is
// non-nil.
func (t *RESTTransport) Get(ctx context.Context, path string, query url.Values, out any) error {
	return t.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON-encoded body.
func (t *RESTTransport) Post(ctx context.Context, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}
	return t.do(ctx, http.MethodPost, path, nil, payload, out)
}

// Delete issues a DELETE for path.
func (t *RESTTransport) Delete(ctx context.Context, path string, query url.Values, out any) error {
	return t.do(ctx, http.MethodDelete, path, query, nil, out)
}

func (t *RESTTransport) do(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	endpoint := t.base.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	target := endpoint.String()

	operation := func() ([]byte, error) {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("create %s request: %w", method, err))
		}
		for key, values := range t.cfg.Header {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.cfg.Client.Do(req)
		if err != nil {
			return nil, errs.Connectivity(t.cfg.Venue, err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errs.Connectivity(t.cfg.Venue, fmt.Errorf("read response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errs.RateLimited(t.cfg.Venue, trimmedBody(data))
		case resp.StatusCode >= 500:
			return nil, errs.Connectivity(t.cfg.Venue, fmt.Errorf("status %d: %s", resp.StatusCode, trimmedBody(data)))
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(errs.New(t.cfg.Venue, errs.CodeInvalid,
				errs.WithHTTP(resp.StatusCode),
				errs.WithMessage(trimmedBody(data))))
		}
		return data, nil
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(t.newPolicy()),
		backoff.WithMaxTries(t.cfg.MaxAttempts))
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (t *RESTTransport) newPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.RetryInitialWait
	return policy
}

func trimmedBody(data []byte) string {
	if len(data) > maxErrorBodyBytes {
		data = data[:maxErrorBodyBytes]
	}
	return strings.TrimSpace(string(data))
}
