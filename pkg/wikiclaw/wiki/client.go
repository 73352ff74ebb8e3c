// Package wiki implements a client for the MediaWiki query API used as the
// knowledge base. Every request carries a fixed client identifier, is paced
// by a token bucket, and passes through a circuit breaker so an unhealthy
// wiki fails fast instead of stalling every transclusion.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the bot to the wiki operators.
const DefaultUserAgent = "wikiclaw/1.0 (+https://github.com/jholhewres/wikiclaw)"

// Config holds wiki API configuration.
type Config struct {
	// APIURL is the api.php endpoint (e.g. "https://wiki.example.org/api.php").
	APIURL string `yaml:"api_url"`

	// PageURL is the article path prefix (e.g. "https://wiki.example.org/wiki/").
	// Page titles are appended with spaces replaced by underscores.
	PageURL string `yaml:"page_url"`

	// UserAgent is sent as the User-Agent header on every request.
	UserAgent string `yaml:"user_agent"`

	// Namespaces lists the namespace IDs preloaded into the title index.
	Namespaces []int `yaml:"namespaces"`

	// RequestsPerSecond paces outgoing requests (default: 10).
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the token bucket size (default: 20).
	Burst int `yaml:"burst"`

	// RefreshSchedule is a cron spec for re-listing the title index.
	// Empty disables periodic refresh.
	RefreshSchedule string `yaml:"refresh_schedule"`

	// Breaker configures the circuit breaker around API calls.
	Breaker BreakerConfig `yaml:"breaker"`

	// TimeoutSeconds bounds a single HTTP request (default: 20).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that trips the breaker (default: 5).
	MaxFailures uint32 `yaml:"max_failures"`

	// OpenSeconds is how long the breaker stays open before probing (default: 30).
	OpenSeconds int `yaml:"open_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:         DefaultUserAgent,
		Namespaces:        []int{0},
		RequestsPerSecond: 10,
		Burst:             20,
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenSeconds: 30,
		},
		TimeoutSeconds: 20,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	d := DefaultConfig()
	out := c
	if out.UserAgent == "" {
		out.UserAgent = d.UserAgent
	}
	if len(out.Namespaces) == 0 {
		out.Namespaces = d.Namespaces
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = d.RequestsPerSecond
	}
	if out.Burst <= 0 {
		out.Burst = d.Burst
	}
	if out.Breaker.MaxFailures == 0 {
		out.Breaker.MaxFailures = d.Breaker.MaxFailures
	}
	if out.Breaker.OpenSeconds <= 0 {
		out.Breaker.OpenSeconds = d.Breaker.OpenSeconds
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = d.TimeoutSeconds
	}
	return out
}

// Client talks to the wiki query API.
type Client struct {
	apiURL     string
	pageURL    *url.URL
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates a wiki API client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	if cfg.APIURL == "" {
		return nil, fmt.Errorf("wiki: api_url is required")
	}
	if _, err := url.Parse(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("wiki: invalid api_url: %w", err)
	}

	pageBase := cfg.PageURL
	if pageBase == "" {
		// Derive "<scheme>://<host>/wiki/" from the API URL.
		u, _ := url.Parse(cfg.APIURL)
		pageBase = u.Scheme + "://" + u.Host + "/wiki/"
	}
	if !strings.HasSuffix(pageBase, "/") {
		pageBase += "/"
	}
	pageURL, err := url.Parse(pageBase)
	if err != nil {
		return nil, fmt.Errorf("wiki: invalid page_url: %w", err)
	}

	l := logger.With("component", "wiki")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "wiki-api",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// API-level errors mean the wiki is up and answering.
			var apiErr *APIError
			return err == nil || errors.As(err, &apiErr) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("wiki: circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		apiURL:    cfg.APIURL,
		pageURL:   pageURL,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: breaker,
		logger:  l,
	}, nil
}

// ---------- URLs ----------

// PageURL returns the absolute article URL for a title, with an optional
// section anchor.
func (c *Client) PageURL(title, fragment string) string {
	path := strings.ReplaceAll(strings.TrimSpace(title), " ", "_")
	u := c.pageURL.String() + escapeTitle(path)
	if fragment != "" {
		u += "#" + escapeTitle(strings.ReplaceAll(fragment, " ", "_"))
	}
	return u
}

// BaseURL returns the article path prefix; relative links in rendered HTML
// are resolved against it.
func (c *Client) BaseURL() *url.URL {
	u := *c.pageURL
	return &u
}

// escapeTitle percent-encodes a title for use in a URL path while keeping
// the characters MediaWiki leaves readable (':', '/', etc.).
func escapeTitle(s string) string {
	escaped := url.PathEscape(s)
	r := strings.NewReplacer("%3A", ":", "%2F", "/", "%28", "(", "%29", ")", "%2C", ",")
	return r.Replace(escaped)
}

// ---------- Operations ----------

// AllPages lists every non-redirect page title in a namespace, following
// continuation tokens until the listing is exhausted.
func (c *Client) AllPages(ctx context.Context, namespace int) ([]string, error) {
	var titles []string
	cont := map[string]string{}

	for {
		params := url.Values{
			"action":        {"query"},
			"list":          {"allpages"},
			"apnamespace":   {strconv.Itoa(namespace)},
			"aplimit":       {"max"},
			"apfilterredir": {"nonredirects"},
		}
		for k, v := range cont {
			params.Set(k, v)
		}

		var resp queryResponse
		if err := c.get(ctx, params, &resp); err != nil {
			return nil, fmt.Errorf("listing namespace %d: %w", namespace, err)
		}
		for _, p := range resp.Query.AllPages {
			titles = append(titles, p.Title)
		}

		if len(resp.Continue) == 0 {
			break
		}
		cont = resp.Continue
	}

	c.logger.Debug("wiki: listed namespace", "namespace", namespace, "pages", len(titles))
	return titles, nil
}

// QueryTitle checks a title for existence with redirect resolution enabled.
func (c *Client) QueryTitle(ctx context.Context, title string) (*QueryResult, error) {
	params := url.Values{
		"action":    {"query"},
		"titles":    {title},
		"redirects": {"1"},
	}

	var resp queryResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	return &QueryResult{
		Normalized: resp.Query.Normalized,
		Redirects:  resp.Query.Redirects,
		Pages:      resp.Query.Pages,
	}, nil
}

// ParseHTML returns the rendered HTML of a page. section is a section index
// from Sections ("0" is the lead); empty means the whole page.
func (c *Client) ParseHTML(ctx context.Context, title, section string) (string, error) {
	params := url.Values{
		"action":             {"parse"},
		"page":               {title},
		"prop":               {"text"},
		"redirects":          {"1"},
		"disableeditsection": {"1"},
		"disabletoc":         {"1"},
	}
	if section != "" {
		params.Set("section", section)
	}

	var resp parseResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return "", err
	}
	if resp.Parse == nil || resp.Parse.Text == nil {
		return "", fmt.Errorf("%w: missing parse.text", ErrBadResponse)
	}
	return *resp.Parse.Text, nil
}

// Sections returns a page's section table.
func (c *Client) Sections(ctx context.Context, title string) ([]Section, error) {
	params := url.Values{
		"action":    {"parse"},
		"page":      {title},
		"prop":      {"sections"},
		"redirects": {"1"},
	}

	var resp parseResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	if resp.Parse == nil {
		return nil, fmt.Errorf("%w: missing parse", ErrBadResponse)
	}
	return resp.Parse.Sections, nil
}

// Extract returns the short plain-text lead of a page.
func (c *Client) Extract(ctx context.Context, title string) (string, error) {
	params := url.Values{
		"action":      {"query"},
		"prop":        {"extracts"},
		"titles":      {title},
		"exintro":     {"1"},
		"explaintext": {"1"},
		"redirects":   {"1"},
	}

	var resp extractResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return "", err
	}
	for _, p := range resp.Query.Pages {
		if p.Missing {
			return "", ErrPageNotFound
		}
		return p.Extract, nil
	}
	return "", fmt.Errorf("%w: no pages in extract reply", ErrBadResponse)
}

// Search runs a full-text search and returns up to limit hits.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {strconv.Itoa(limit)},
		"srprop":   {"snippet"},
	}

	var resp queryResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	return resp.Query.Search, nil
}

// ---------- Transport ----------

// envelope gives get access to the shared error/continue fields of any reply.
type envelope interface {
	apiErr() *APIError
}

func (e *apiEnvelope) apiErr() *APIError { return e.Error }

// get performs one GET against the API and decodes the JSON reply into out.
func (c *Client) get(ctx context.Context, params url.Values, out envelope) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wiki: rate limiter: %w", err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, params, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (c *Client) do(ctx context.Context, params url.Values, out envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("wiki: building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wiki: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("wiki: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if apiErr := out.apiErr(); apiErr != nil {
		return apiErr
	}
	return nil
}
