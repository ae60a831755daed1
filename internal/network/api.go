package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// ErrUnexpectedStatus is wrapped by every StatusError.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d from %s: %s", ErrUnexpectedStatus, e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

const maxErrorBody = 512

// APIClient is a rate-limited JSON client for one provider's REST API.
type APIClient struct {
	http    *http.Client
	baseURL *url.URL
	limiter *rate.Limiter
	headers http.Header
	token   string
	log     *zap.Logger
}

// APIOption configures an APIClient.
type APIOption func(*APIClient)

// WithHTTPClient replaces the default client built by NewClient.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *APIClient) { a.http = c }
}

// WithBearerToken authenticates every request with a static bearer token.
func WithBearerToken(token string) APIOption {
	return func(a *APIClient) { a.token = token }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) APIOption {
	return func(a *APIClient) { a.headers.Set(key, value) }
}

// WithRateLimit caps request throughput. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) APIOption {
	return func(a *APIClient) {
		if rps <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewAPIClient creates a client rooted at baseURL.
func NewAPIClient(baseURL string, logger *zap.Logger, opts ...APIOption) (*APIClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &APIClient{
		baseURL: u,
		limiter: rate.NewLimiter(rate.Inf, 0),
		headers: http.Header{"Accept": []string{"application/json"}},
		log:     logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.http == nil {
		cfg := NewDefaultClientConfig()
		cfg.Logger = logger
		a.http = NewClient(cfg)
	}
	if a.token != "" {
		base := a.http.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		authed := *a.http
		authed.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.token, TokenType: "Bearer"}),
			Base:   base,
		}
		a.http = &authed
	}
	return a, nil
}

// Resolve turns a path relative to the base URL, or an absolute URL such as a
// pagination link, into a request URL.
func (a *APIClient) Resolve(pathOrURL string, query url.Values) (string, error) {
	var u *url.URL
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		parsed, err := url.Parse(pathOrURL)
		if err != nil {
			return "", err
		}
		u = parsed
	} else {
		ref := *a.baseURL
		ref.Path = a.baseURL.Path + "/" + strings.TrimPrefix(pathOrURL, "/")
		u = &ref
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// GetJSON issues a GET and decodes a 2xx body into out. Response headers are
// returned so callers can follow Link pagination.
func (a *APIClient) GetJSON(ctx context.Context, pathOrURL string, query url.Values, out any) (http.Header, error) {
	target, err := a.Resolve(pathOrURL, query)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range a.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	a.log.Debug("GET", zap.String("url", target))
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, &StatusError{StatusCode: resp.StatusCode, URL: target, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.Header, fmt.Errorf("failed to decode response from %s: %w", target, err)
		}
	}
	return resp.Header, nil
}
