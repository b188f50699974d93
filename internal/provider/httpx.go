package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxBody = 4 << 20

// Client performs polite GET requests for one source: an honest User-Agent,
// a token-bucket limiter shared by every check of the source, and a body cap.
type Client struct {
	Source    string
	HTTP      *http.Client
	UserAgent string
	Limiter   *rate.Limiter
	MaxBody   int64
}

// NewClient builds a client for d. A zero rate disables limiting.
func NewClient(d Deps, defaultRate float64) *Client {
	hc := d.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: d.Timeout(20 * time.Second)}
	}
	r := d.Source.RatePerSec
	if r <= 0 {
		r = defaultRate
	}
	var lim *rate.Limiter
	if r > 0 {
		lim = rate.NewLimiter(rate.Limit(r), 1)
	}
	ua := strings.TrimSpace(d.Source.UserAgent)
	if ua == "" {
		ua = UserAgent()
	}
	return &Client{Source: d.Name, HTTP: hc, UserAgent: ua, Limiter: lim, MaxBody: defaultMaxBody}
}

// UserAgent identifies this program truthfully.
func UserAgent() string {
	return "stockwatch/" + Version + " (availability monitor)"
}

// Get fetches url and returns the body. Non-2xx responses become *Error
// wrapping ErrAuth, ErrRateLimited, ErrNotFound or ErrBadResponse.
func (c *Client) Get(ctx context.Context, op, url string, header http.Header) ([]byte, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, &Error{Source: c.Source, Op: op, Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Source: c.Source, Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Source: c.Source, Op: op, Err: err}
	}
	defer resp.Body.Close()

	max := c.MaxBody
	if max <= 0 {
		max = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max))
	if err != nil {
		return nil, &Error{Source: c.Source, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(c.Source, op, resp, body)
	}
	return body, nil
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, op, url string, out any) error {
	h := http.Header{}
	h.Set("Accept", "application/json")
	body, err := c.Get(ctx, op, url, h)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Source: c.Source, Op: op, Err: fmt.Errorf("%w: decode json: %v", ErrBadResponse, err)}
	}
	return nil
}

func statusError(source, op string, resp *http.Response, body []byte) *Error {
	e := &Error{Source: source, Op: op, StatusCode: resp.StatusCode}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Err = ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Err = ErrRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusNotFound:
		e.Err = ErrNotFound
	default:
		e.Err = ErrBadResponse
	}
	if snippet != "" {
		e.Err = fmt.Errorf("%w: %s", e.Err, snippet)
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
