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
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/sirupsen/logrus"
)

// TokenProvider hands the client a valid access token, refreshing behind the
// scenes when needed.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// staticTokenProvider is used in tests and for short-lived dry runs.
type staticTokenProvider string

func (t staticTokenProvider) AccessToken(ctx context.Context) (string, error) {
	if t == "" {
		return "", errors.New("empty access token")
	}
	return string(t), nil
}

// connectionTokenProvider refreshes the OAuth token stored on the connection
// row. Refresh happens when the token is within a minute of expiry, and the
// rotated refresh token is persisted immediately because Xero invalidates the
// old one on use.
type connectionTokenProvider struct {
	mu           sync.Mutex
	connectionId uint
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	http         *http.Client
}

func newConnectionTokenProvider(conn *models.XeroConnection) *connectionTokenProvider {
	expiresAt := time.Time{}
	if conn.TokenExpiresAt != nil {
		expiresAt = *conn.TokenExpiresAt
	}
	return &connectionTokenProvider{
		connectionId: conn.ID,
		accessToken:  conn.AccessToken,
		refreshToken: conn.RefreshToken,
		expiresAt:    expiresAt,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *connectionTokenProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Until(p.expiresAt) > time.Minute {
		return p.accessToken, nil
	}
	if err := p.refresh(ctx); err != nil {
		return "", err
	}
	return p.accessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (p *connectionTokenProvider) refresh(ctx context.Context) error {
	if p.refreshToken == "" {
		return errors.New("no refresh token on connection")
	}
	tokenURL := strings.TrimSpace(os.Getenv("XERO_TOKEN_URL"))
	if tokenURL == "" {
		tokenURL = "https://identity.xero.com/connect/token"
	}
	clientId := os.Getenv("XERO_CLIENT_ID")
	clientSecret := os.Getenv("XERO_CLIENT_SECRET")

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", p.refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientId, clientSecret)

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("token refresh failed %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}
	if parsed.AccessToken == "" {
		return errors.New("token refresh returned empty access token")
	}

	p.accessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		p.refreshToken = parsed.RefreshToken
	}
	p.expiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)

	if err := p.persist(ctx); err != nil {
		// Token still works for this run; only the stored copy is stale.
		config.GetLogger().WithFields(logrus.Fields{
			"connection_id": p.connectionId,
			"error":         err.Error(),
		}).Error("failed to persist refreshed xero token")
	}
	return nil
}

func (p *connectionTokenProvider) persist(ctx context.Context) error {
	db := config.GetDB()
	expiresAt := p.expiresAt
	return db.WithContext(ctx).Model(&models.XeroConnection{}).
		Where("id = ?", p.connectionId).
		Updates(map[string]interface{}{
			"access_token":     p.accessToken,
			"refresh_token":    p.refreshToken,
			"token_expires_at": &expiresAt,
		}).Error
}
