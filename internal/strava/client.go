package strava

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/joshdurbin/strava-mirror/internal/logging"
)

const (
	// DefaultBaseURL is the Strava REST API root.
	DefaultBaseURL = "https://www.strava.com/api/v3"
	// MaxPerPage is the largest page size Strava accepts.
	MaxPerPage     = 200
	requestTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Default retry settings. Only rate limited responses are retried.
const (
	defaultMaxRetries = 2
	defaultMinWait    = 5 * time.Second
	defaultMaxWait    = 60 * time.Second
)

// RetryConfig holds retry/backoff settings for rate limited responses
type RetryConfig struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: defaultMaxRetries,
		MinWait:    defaultMinWait,
		MaxWait:    defaultMaxWait,
	}
}

// Client is a process-wide Strava API client. Access tokens are supplied
// per call so modules bound to different accounts share one transport.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string

	rateMu      sync.RWMutex
	rateLimit   RateLimitInfo
	onRateLimit func(RateLimitInfo)
	now         func() time.Time
}

// NewClient creates a client against baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, cfg RetryConfig) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = requestTimeout
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = cfg.MinWait
	client.RetryWaitMax = cfg.MaxWait
	client.Logger = &logging.LeveledLogger{}
	client.CheckRetry = checkRetry
	client.Backoff = backoff
	// Hand the final response back instead of a generic "giving up" error
	// so the status and fault body can be classified.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = c.logRequest
	client.ResponseLogHook = c.logResponse
	c.httpClient = client

	return c
}

// OnRateLimit registers fn to receive the rate limit view after every response.
func (c *Client) OnRateLimit(fn func(RateLimitInfo)) *Client {
	c.onRateLimit = fn
	return c
}

// WithClock replaces the clock used to stamp and age rate limit readings.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// checkRetry retries rate limited responses only. Server errors and
// transport failures are reported so the caller can skip the cycle.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// backoff honours Retry-After, clamped to [min, max].
func backoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	wait := min * time.Duration(1<<uint(attemptNum))
	if resp != nil {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			wait = d
		}
	}
	if wait < min {
		wait = min
	}
	if wait > max {
		wait = max
	}
	logging.Logger.Info().
		Dur("wait", wait).
		Int("attempt", attemptNum).
		Msg("rate limited, backing off before retry")
	return wait
}

func (c *Client) logRequest(_ retryablehttp.Logger, req *http.Request, retry int) {
	log := logging.Logger
	if retry > 0 {
		log.Info().
			Str("url", req.URL.Path).
			Int("attempt", retry+1).
			Msg("retrying request")
	}
	if logging.IsTraceEnabled() {
		log.Debug().
			Str("method", req.Method).
			Str("url", req.URL.Path).
			Str("headers", formatHeaders(req.Header)).
			Msg("request headers")
	}
}

func (c *Client) logResponse(_ retryablehttp.Logger, resp *http.Response) {
	log := logging.Logger
	rateLimit := c.updateRateLimit(resp)

	if logging.IsTraceEnabled() {
		log.Debug().
			Int("status", resp.StatusCode).
			Str("url", resp.Request.URL.Path).
			Str("headers", formatHeaders(resp.Header)).
			Msg("response headers")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		log.Warn().
			Str("url", resp.Request.URL.Path).
			Str("15min_usage", fmt.Sprintf("%d/%d", rateLimit.Usage15Min, rateLimit.Limit15Min)).
			Str("daily_usage", fmt.Sprintf("%d/%d", rateLimit.UsageDaily, rateLimit.LimitDaily)).
			Dur("wait_for_reset", rateLimit.TimeUntil15MinReset).
			Msg("rate limited by API")
	}
}

// RateLimit returns the last observed rate limit info aged to the current
// time. See RateLimitInfo.At.
func (c *Client) RateLimit() RateLimitInfo {
	c.rateMu.RLock()
	info := c.rateLimit
	c.rateMu.RUnlock()
	return info.At(c.now())
}

func (c *Client) updateRateLimit(resp *http.Response) RateLimitInfo {
	rateLimit := parseRateLimitHeaders(resp.Header, c.now())
	if resp.StatusCode == http.StatusTooManyRequests {
		rateLimit.IsRateLimited = true
	}
	if rateLimit.Limit15Min == 0 && rateLimit.LimitDaily == 0 && !rateLimit.IsRateLimited {
		return rateLimit
	}

	c.rateMu.Lock()
	c.rateLimit = rateLimit
	c.rateMu.Unlock()

	if c.onRateLimit != nil {
		c.onRateLimit(rateLimit)
	}
	return rateLimit
}

// GetAthleteStats fetches GET /athletes/{id}/stats.
func (c *Client) GetAthleteStats(ctx context.Context, accessToken string, athleteID int64) (AthleteStats, error) {
	var stats AthleteStats
	endpoint := fmt.Sprintf("%s/athletes/%d/stats", c.baseURL, athleteID)
	err := c.get(ctx, accessToken, endpoint, &stats)
	return stats, err
}

// ListActivities fetches a single page of GET /athlete/activities.
func (c *Client) ListActivities(ctx context.Context, accessToken string, opts ListOptions) ([]Activity, error) {
	perPage := opts.PerPage
	if perPage <= 0 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	page := max(opts.Page, 1)

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if !opts.After.IsZero() {
		q.Set("after", strconv.FormatInt(opts.After.Unix(), 10))
	}

	var activities []Activity
	if err := c.get(ctx, accessToken, c.baseURL+"/athlete/activities?"+q.Encode(), &activities); err != nil {
		return nil, err
	}
	if activities == nil {
		activities = []Activity{}
	}
	return activities, nil
}

// ListAllActivities pages through every activity after the given instant
// in request order. Traversal stops at the first empty or short page; any
// error aborts it and discards the partial result.
func (c *Client) ListAllActivities(ctx context.Context, accessToken string, after time.Time, progress ProgressCallback) ([]Activity, error) {
	all := []Activity{}

	for page := 1; ; page++ {
		activities, err := c.ListActivities(ctx, accessToken, ListOptions{
			After:   after,
			Page:    page,
			PerPage: MaxPerPage,
		})
		if err != nil {
			return nil, err
		}

		all = append(all, activities...)
		if progress != nil {
			progress(FetchResult{
				Page:         page,
				Count:        len(activities),
				TotalFetched: len(all),
				RateLimit:    c.RateLimit(),
			})
		}

		if len(activities) < MaxPerPage {
			return all, nil
		}
	}
}

func (c *Client) get(ctx context.Context, accessToken, endpoint string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "creating request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &Error{Kind: KindUnknown, StatusCode: resp.StatusCode, Message: "decoding response", Err: err}
	}
	return nil
}

func classifyResponse(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &Error{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    faultMessage(body),
	}
	if apiErr.Kind == KindRateLimited {
		apiErr.RetryAfter, _ = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return apiErr
}

// formatHeaders formats HTTP headers for logging, redacting sensitive values
func formatHeaders(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		value := strings.Join(headers[k], ", ")
		switch strings.ToLower(k) {
		case "authorization", "cookie", "set-cookie":
			value = "[REDACTED]"
		}
		parts = append(parts, fmt.Sprintf("%s: %q", k, value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
