package xerosync

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/buildflow_backend/models"
)

func TestStaticTokenProvider(t *testing.T) {
	token, err := staticTokenProvider("abc").AccessToken(context.Background())
	if err != nil || token != "abc" {
		t.Fatalf("got %q/%v", token, err)
	}
	if _, err := staticTokenProvider("").AccessToken(context.Background()); err == nil {
		t.Fatalf("empty token must error")
	}
}

func TestConnectionTokenProviderUsesCachedToken(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	provider := newConnectionTokenProvider(&models.XeroConnection{
		ID:             1,
		AccessToken:    "cached-token",
		RefreshToken:   "refresh",
		TokenExpiresAt: &expires,
	})

	token, err := provider.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "cached-token" {
		t.Fatalf("token = %q, want cached value without refresh", token)
	}
}

func TestConnectionTokenProviderRefreshNeedsRefreshToken(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	provider := newConnectionTokenProvider(&models.XeroConnection{
		ID:             1,
		AccessToken:    "stale",
		TokenExpiresAt: &expired,
	})

	if _, err := provider.AccessToken(context.Background()); err == nil {
		t.Fatalf("expired token without refresh token must error")
	}
}
