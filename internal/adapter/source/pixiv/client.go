package pixiv

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

	"github.com/mmcdole/pixmirror/internal/domain"
)

const (
	DefaultAPIURL  = "https://app-api.pixiv.net"
	DefaultAuthURL = "https://oauth.secure.pixiv.net"
	DefaultReferer = "https://app-api.pixiv.net/"

	defaultTimeout = 60 * time.Second
	defaultUA      = "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)"
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
)

// Options configures a Client
type Options struct {
	APIURL       string
	AuthURL      string
	ClientID     string
	ClientSecret string
	HashSecret   string // signs X-Client-Hash when set
	UserAgent    string
	Referer      string
	Timeout      time.Duration // API requests
}

func (o *Options) defaults() {
	if o.APIURL == "" {
		o.APIURL = DefaultAPIURL
	}
	if o.AuthURL == "" {
		o.AuthURL = DefaultAuthURL
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.Referer == "" {
		o.Referer = DefaultReferer
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
}

// Client implements domain.Source for the pixiv app API
type Client struct {
	opts       Options
	httpClient *http.Client
	dlClient   *http.Client
	logger     *slog.Logger
}

var _ domain.Source = (*Client)(nil)

// statusError is a non-2xx response the caller may want to classify
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// NewClient creates a new pixiv API client. Downloads use a client without an
// overall timeout; callers bound them with a context.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts.defaults()
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	opts.AuthURL = strings.TrimRight(opts.AuthURL, "/")
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		dlClient: &http.Client{},
		logger:   logger,
	}
}

// doRequest performs an authenticated GET against the app API
// Includes retry logic with exponential backoff for 5xx server errors
func (c *Client) doRequest(ctx context.Context, s *domain.Session, path string, query url.Values) ([]byte, error) {
	reqURL := c.opts.APIURL + path
	if query != nil {
		reqURL = fmt.Sprintf("%s?%s", reqURL, query.Encode())
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1)) // 500ms, 1s, 2s
			c.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "url", reqURL)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)
		if s != nil {
			req.Header.Set("Authorization", "Bearer "+s.AccessToken)
		}

		c.logger.Debug("pixiv request", "url", reqURL, "attempt", attempt)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			c.logger.Warn("pixiv request failed, will retry", "error", err, "attempt", attempt)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || isRateLimitBody(body) {
			return nil, domain.ErrRateLimited
		}

		if resp.StatusCode == http.StatusUnauthorized || isExpiredTokenBody(resp.StatusCode, body) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAuth, strings.TrimSpace(string(body)))
		}

		if resp.StatusCode >= 500 && resp.StatusCode < 600 {
			lastErr = &statusError{Code: resp.StatusCode, Body: string(body)}
			c.logger.Warn("pixiv server error, will retry",
				"status", resp.StatusCode,
				"attempt", attempt,
				"maxRetries", maxRetries,
				"path", path,
			)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			c.logger.Error("pixiv request error", "status", resp.StatusCode, "body", string(body))
			return nil, &statusError{Code: resp.StatusCode, Body: string(body)}
		}

		return body, nil
	}

	c.logger.Error("pixiv request failed after retries", "error", lastErr, "path", path)
	return nil, lastErr
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("App-OS", "android")
	req.Header.Set("User-Agent", c.opts.UserAgent)
}

func isRateLimitBody(body []byte) bool {
	var env ErrorEnvelope
	if json.Unmarshal(body, &env) != nil || env.Error == nil {
		return false
	}
	return strings.EqualFold(env.Error.Message, "Rate Limit")
}

// isExpiredTokenBody detects the 400 the API answers with for a stale access token.
func isExpiredTokenBody(code int, body []byte) bool {
	if code != http.StatusBadRequest {
		return false
	}
	var env ErrorEnvelope
	if json.Unmarshal(body, &env) != nil || env.Error == nil {
		return false
	}
	return strings.Contains(env.Error.Message, "invalid_grant") ||
		strings.Contains(env.Error.Message, "OAuth")
}

// BookmarkPage fetches one page of the user's bookmark listing
func (c *Client) BookmarkPage(ctx context.Context, s *domain.Session, scope domain.Scope, pr domain.PageRequest) (*domain.Page, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: no session", domain.ErrAuth)
	}
	if scope != domain.ScopePublic && scope != domain.ScopePrivate {
		return nil, fmt.Errorf("%w: listing scope %q", domain.ErrInvalidConfig, scope)
	}

	query := url.Values{}
	query.Set("user_id", strconv.FormatInt(s.UserID, 10))
	query.Set("restrict", string(scope))
	if pr.MaxBookmarkID != "" && pr.MaxBookmarkID != "0" {
		query.Set("max_bookmark_id", pr.MaxBookmarkID)
	}
	if pr.Offset != "" {
		query.Set("offset", pr.Offset)
	}

	body, err := c.doRequest(ctx, s, "/v1/user/bookmarks/illust", query)
	if err != nil {
		return nil, err
	}

	var resp BookmarksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &domain.Page{
		Items: MapIllusts(resp.Illusts, scope),
		Next:  parseNextURL(resp.NextURL),
	}, nil
}

// ItemDetail fetches a single illustration
func (c *Client) ItemDetail(ctx context.Context, s *domain.Session, itemID int64) (*domain.ItemDescriptor, error) {
	query := url.Values{}
	query.Set("illust_id", strconv.FormatInt(itemID, 10))

	body, err := c.doRequest(ctx, s, "/v1/illust/detail", query)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusBadRequest) {
			return nil, fmt.Errorf("%w: %d", domain.ErrItemUnavailable, itemID)
		}
		return nil, err
	}

	var resp IllustDetailResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Illust == nil || (resp.Illust.Visible != nil && !*resp.Illust.Visible) {
		return nil, fmt.Errorf("%w: %d", domain.ErrItemUnavailable, itemID)
	}

	d, ok := MapIllust(*resp.Illust, "")
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrItemUnavailable, itemID)
	}
	return &d, nil
}

// Download streams the content at rawURL into w. The image host rejects
// requests without the app referer.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, -1, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Referer", c.opts.Referer)
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.dlClient.Do(req)
	if err != nil {
		return 0, -1, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, resp.ContentLength, &statusError{Code: resp.StatusCode}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, resp.ContentLength, fmt.Errorf("failed to read body: %w", err)
	}
	return n, resp.ContentLength, nil
}
