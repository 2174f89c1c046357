package xerosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(baseURL string) *xeroClient {
	return &xeroClient{
		baseURL:     baseURL,
		tenantId:    "tenant-1",
		tokens:      staticTokenProvider("test-token"),
		http:        &http.Client{Timeout: 5 * time.Second},
		pageSize:    10,
		maxAttempts: 3,
		pageDelay:   0,
		sleep:       func(time.Duration) {},
	}
}

func contactsPage(n int) []byte {
	contacts := make([]map[string]string, n)
	for i := range contacts {
		contacts[i] = map[string]string{"ContactID": fmt.Sprintf("c-%d", i)}
	}
	body, _ := json.Marshal(map[string]interface{}{"Contacts": contacts})
	return body
}

func TestFetchAllStopsOnShortPage(t *testing.T) {
	var pagesServed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pagesServed = append(pagesServed, page)
		switch page {
		case "1", "2", "3":
			w.Write(contactsPage(10))
		case "4":
			w.Write(contactsPage(7)) // short page ends the walk
		default:
			t.Errorf("unexpected page request: %s", page)
			w.Write(contactsPage(0))
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	total := 0
	err := client.fetchAll(context.Background(), "/Contacts", nil, func(page []json.RawMessage) error {
		total += len(page)
		return nil
	})
	if err != nil {
		t.Fatalf("fetchAll: %v", err)
	}
	if total != 37 {
		t.Fatalf("total records = %d, want 37", total)
	}
	if len(pagesServed) != 4 {
		t.Fatalf("pages requested = %v, want exactly 4", pagesServed)
	}
}

func TestFetchAllStopsAfterConsecutiveEmptyPages(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write(contactsPage(0))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	err := client.fetchAll(context.Background(), "/Contacts", nil, func(page []json.RawMessage) error {
		t.Fatalf("callback invoked for empty page")
		return nil
	})
	if err != nil {
		t.Fatalf("fetchAll: %v", err)
	}
	if requests != maxEmptyPages {
		t.Fatalf("requests = %d, want %d", requests, maxEmptyPages)
	}
}

func TestGetPageRetriesSamePageAfterRateLimit(t *testing.T) {
	var attempts int
	var sleeps []time.Duration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if got := r.URL.Query().Get("page"); got != "1" {
			t.Errorf("retried a different page: %s", got)
		}
		w.Write(contactsPage(3))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	client.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	records, err := client.getPage(context.Background(), "/Contacts", 1, nil)
	if err != nil {
		t.Fatalf("getPage: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if len(sleeps) != 1 || sleeps[0] != 7*time.Second {
		t.Fatalf("expected a single 7s Retry-After wait, got %v", sleeps)
	}
}

func TestGetPageRateLimitWithoutHeaderUsesFallback(t *testing.T) {
	var attempts int
	var sleeps []time.Duration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(contactsPage(1))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	client.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	if _, err := client.getPage(context.Background(), "/Contacts", 1, nil); err != nil {
		t.Fatalf("getPage: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != rateLimitFallback {
		t.Fatalf("expected %v fallback wait, got %v", rateLimitFallback, sleeps)
	}
}

func TestGetPageBacksOffOnServerErrors(t *testing.T) {
	var attempts int
	var sleeps []time.Duration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(contactsPage(2))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	client.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	records, err := client.getPage(context.Background(), "/Contacts", 1, nil)
	if err != nil {
		t.Fatalf("getPage: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("expected doubling backoff [1s 2s], got %v", sleeps)
	}
}

func TestGetPageExhaustsAttempts(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.getPage(context.Background(), "/Contacts", 1, nil)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("err = %v, want ErrRemoteUnavailable", err)
	}
	if attempts != client.maxAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, client.maxAttempts)
	}
}

func TestGetPageDoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.getPage(context.Background(), "/Contacts", 1, nil)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("err = %v, want ErrRemoteUnavailable", err)
	}
	if attempts != 1 {
		t.Fatalf("a 4xx repeats identically; attempts = %d, want 1", attempts)
	}
}

func TestPutDoesNotRetryValidationRejections(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.put(context.Background(), "/Contacts", map[string]string{"Name": ""})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("err = %v, want ErrRemoteUnavailable", err)
	}
	if attempts != 1 {
		t.Fatalf("validation rejections must surface once; attempts = %d", attempts)
	}
}

func TestGetPageAbortsImmediatelyOnAuthFailure(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.getPage(context.Background(), "/Contacts", 1, nil)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if attempts != 1 {
		t.Fatalf("auth failures must not retry; attempts = %d", attempts)
	}
}

func TestDoGetSendsTenantAndModifiedSinceHeaders(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Xero-Tenant-Id"); got != "tenant-1" {
			t.Errorf("Xero-Tenant-Id = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("If-Modified-Since"); got != "2026-03-01T12:00:00" {
			t.Errorf("If-Modified-Since = %q", got)
		}
		w.Write(contactsPage(1))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	if _, err := client.getPage(context.Background(), "/Contacts", 1, &since); err != nil {
		t.Fatalf("getPage: %v", err)
	}
}

func TestRetryAfterDelay(t *testing.T) {
	if d := retryAfterDelay("15"); d != 15*time.Second {
		t.Fatalf("retryAfterDelay(15) = %v", d)
	}
	if d := retryAfterDelay(""); d != rateLimitFallback {
		t.Fatalf("missing header should fall back to %v, got %v", rateLimitFallback, d)
	}
	if d := retryAfterDelay("-3"); d != rateLimitFallback {
		t.Fatalf("negative header should fall back, got %v", d)
	}
}
