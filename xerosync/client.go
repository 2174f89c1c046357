package xerosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors the worker uses to decide run-level outcome.
var (
	// ErrAuthFailed means the remote rejected our credentials; the run aborts
	// and the connection is marked errored so the operator reconnects.
	ErrAuthFailed = errors.New("xero authentication failed")
	// ErrRemoteUnavailable means the remote kept failing after all retries.
	ErrRemoteUnavailable = errors.New("xero api unavailable")
)

const (
	defaultPageSize    = 100
	maxPages           = 2000
	maxEmptyPages      = 3
	defaultMaxAttempts = 5
	maxBackoff         = 30 * time.Second
	rateLimitFallback  = 60 * time.Second
)

type xeroClient struct {
	baseURL     string
	tenantId    string
	tokens      TokenProvider
	http        *http.Client
	pageSize    int
	maxAttempts int
	pageDelay   time.Duration
	// sleep is swapped out in tests so retry paths run instantly.
	sleep func(time.Duration)
}

func newXeroClient(tenantId string, tokens TokenProvider) *xeroClient {
	baseURL := strings.TrimSpace(os.Getenv("XERO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.xero.com/api.xro/2.0"
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(os.Getenv("XERO_SYNC_PAGE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	maxAttempts := defaultMaxAttempts
	if v := strings.TrimSpace(os.Getenv("XERO_SYNC_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	pageDelay := 200 * time.Millisecond
	if v := strings.TrimSpace(os.Getenv("XERO_SYNC_PAGE_DELAY_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			pageDelay = time.Duration(n) * time.Millisecond
		}
	}

	return &xeroClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tenantId:    tenantId,
		tokens:      tokens,
		http:        &http.Client{Timeout: 30 * time.Second},
		pageSize:    pageSize,
		maxAttempts: maxAttempts,
		pageDelay:   pageDelay,
		sleep:       time.Sleep,
	}
}

type xeroListResponse struct {
	Contacts []json.RawMessage `json:"Contacts"`
	Invoices []json.RawMessage `json:"Invoices"`
	Payments []json.RawMessage `json:"Payments"`
}

func (r xeroListResponse) records() []json.RawMessage {
	if len(r.Contacts) > 0 {
		return r.Contacts
	}
	if len(r.Invoices) > 0 {
		return r.Invoices
	}
	return r.Payments
}

// fetchAll walks every page of one collection endpoint and hands each page to
// fn. Pagination stops on a short page, after three consecutive empty pages,
// or at the page cap. A non-nil error from fn aborts the walk.
func (c *xeroClient) fetchAll(ctx context.Context, path string, modifiedSince *time.Time, fn func(page []json.RawMessage) error) error {
	empty := 0
	for page := 1; page <= maxPages; page++ {
		records, err := c.getPage(ctx, path, page, modifiedSince)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			empty++
			if empty >= maxEmptyPages {
				return nil
			}
			continue
		}
		empty = 0
		if err := fn(records); err != nil {
			return err
		}
		if len(records) < c.pageSize {
			return nil
		}
		if c.pageDelay > 0 {
			c.sleep(c.pageDelay)
		}
	}
	return nil
}

// getPage fetches one page, retrying transient failures in place. 429 waits
// for Retry-After and retries the same page; 5xx and transport errors back off
// exponentially; 401/403 aborts immediately.
func (c *xeroClient) getPage(ctx context.Context, path string, page int, modifiedSince *time.Time) ([]json.RawMessage, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, retryAfter, err := c.doGet(ctx, path, page, modifiedSince)
		if err == nil {
			return records, nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		if errors.Is(err, ErrRemoteUnavailable) {
			// Non-auth 4xx: the request itself is bad, retrying wastes quota.
			return nil, err
		}
		lastErr = err
		if retryAfter > 0 {
			c.sleep(retryAfter)
			continue
		}
		c.sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, lastErr)
}

func (c *xeroClient) doGet(ctx context.Context, path string, page int, modifiedSince *time.Time) ([]json.RawMessage, time.Duration, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Xero-Tenant-Id", c.tenantId)
	req.Header.Set("Accept", "application/json")
	if modifiedSince != nil {
		req.Header.Set("If-Modified-Since", modifiedSince.UTC().Format("2006-01-02T15:04:05"))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfterDelay(resp.Header.Get("Retry-After")), fmt.Errorf("xero rate limited")
	case resp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("xero api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// 4xx other than auth/rate-limit will not get better on retry.
		return nil, 0, fmt.Errorf("%w: xero api error %d: %s", ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed xeroListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("decode xero response: %w", err)
	}
	return parsed.records(), 0, nil
}

func retryAfterDelay(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return rateLimitFallback
}

/* Push side */

// put sends one entity upsert to the remote. Xero uses POST-as-upsert on its
// collection endpoints.
func (c *xeroClient) put(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, retryAfter, err := c.doPut(ctx, path, body)
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		if errors.Is(err, ErrRemoteUnavailable) {
			// Validation rejections repeat identically; surface them once.
			return nil, err
		}
		lastErr = err
		if retryAfter > 0 {
			c.sleep(retryAfter)
			continue
		}
		c.sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, lastErr)
}

func (c *xeroClient) doPut(ctx context.Context, path string, body []byte) (json.RawMessage, time.Duration, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Xero-Tenant-Id", c.tenantId)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfterDelay(resp.Header.Get("Retry-After")), fmt.Errorf("xero rate limited")
	case resp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("xero api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, 0, fmt.Errorf("%w: xero api error %d: %s", ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return json.RawMessage(respBody), 0, nil
}
