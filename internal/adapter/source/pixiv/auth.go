package pixiv

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

const tokenEndpoint = "/auth/token"

// Authenticate exchanges a refresh token for an access token
func (c *Client) Authenticate(ctx context.Context, credential string) (*domain.Session, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, fmt.Errorf("%w: empty credential", domain.ErrAuth)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", credential)
	data.Set("client_id", c.opts.ClientID)
	data.Set("client_secret", c.opts.ClientSecret)
	data.Set("include_policy", "true")

	reqURL := c.opts.AuthURL + tokenEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req)
	c.signRequest(req, time.Now())

	c.logger.Info("authenticating with refresh token")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("auth request failed", "error", err)
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		c.logger.Error("credential rejected", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", domain.ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &statusError{Code: resp.StatusCode, Body: string(body)}
	}

	var authResp AuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return nil, fmt.Errorf("failed to parse auth response: %w", err)
	}
	if authResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token in response", domain.ErrAuth)
	}

	userID, err := strconv.ParseInt(authResp.User.ID, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: no user id in response", domain.ErrAuth)
	}

	s := &domain.Session{
		AccessToken: authResp.AccessToken,
		UserID:      userID,
		UserName:    authResp.User.Name,
	}
	if authResp.RefreshToken != "" && authResp.RefreshToken != credential {
		s.RefreshToken = authResp.RefreshToken
	}
	if authResp.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(authResp.ExpiresIn) * time.Second)
	}

	c.logger.Info("authenticated", "user_id", s.UserID, "user", s.UserName)
	return s, nil
}

// signRequest adds the client time/hash pair the token endpoint expects.
func (c *Client) signRequest(req *http.Request, now time.Time) {
	if c.opts.HashSecret == "" {
		return
	}
	clientTime := now.UTC().Format("2006-01-02T15:04:05+00:00")
	sum := md5.Sum([]byte(clientTime + c.opts.HashSecret))
	req.Header.Set("X-Client-Time", clientTime)
	req.Header.Set("X-Client-Hash", hex.EncodeToString(sum[:]))
}
