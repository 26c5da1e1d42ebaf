package wstrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/wstether/pkg/wstcred"
)

const (
	tokenMaxAttempts    = 3
	tokenAttemptTimeout = 80 * time.Second
)

// TokenManager refreshes the relay's OAuth-style access/refresh token pair
// with bounded exponential backoff. A definitive rejection clears the
// stored pair; network faults and server errors are retried.
type TokenManager struct {
	lg    logger.Logger
	store wstcred.Store
	hc    *http.Client
	url   string

	retryMin time.Duration
	retryMax time.Duration
}

// NewTokenManager creates a TokenManager posting to refreshURL. If hc is
// nil, http.DefaultClient is used.
func NewTokenManager(lg logger.Logger, store wstcred.Store, hc *http.Client, refreshURL string) *TokenManager {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &TokenManager{
		lg:       lg.ForkLogStr("token-manager"),
		store:    store,
		hc:       hc,
		url:      refreshURL,
		retryMin: 500 * time.Millisecond,
		retryMax: 2 * time.Second,
	}
}

type tokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the stored refresh token for a fresh pair, persists it
// and returns it. ErrSessionInvalid means the relay definitively rejected
// the token (or none was stored); the stored pair is cleared in that case.
func (m *TokenManager) Refresh(ctx context.Context) (*wstcred.TokenPair, error) {
	tokens, err := m.store.GetTokens(ctx)
	if err != nil {
		if errors.Is(err, wstcred.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}

	b := &backoff.Backoff{Min: m.retryMin, Max: m.retryMax, Factor: 2}
	for {
		pair, definitive, err := m.attempt(ctx, tokens.Refresh)
		if err == nil {
			if err := m.store.PutTokens(ctx, pair); err != nil {
				return nil, err
			}
			return pair, nil
		}
		if definitive {
			return nil, err
		}
		attempt := int(b.Attempt())
		d := b.Duration()
		if attempt+1 >= tokenMaxAttempts {
			return nil, err
		}
		m.lg.DLogf("token refresh attempt %d failed (%s); retrying in %s", attempt+1, err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt makes one refresh call. definitive reports that retrying cannot
// help (token rejected or request terminally malformed).
func (m *TokenManager) attempt(ctx context.Context, refreshToken string) (pair *wstcred.TokenPair, definitive bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, tokenAttemptTimeout)
	defer cancel()

	body, err := json.Marshal(&tokenRefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, true, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", m.url, bytes.NewReader(body))
	if err != nil {
		return nil, true, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.hc.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var tr tokenRefreshResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, false, fmt.Errorf("token endpoint returned bad JSON: %w", err)
		}
		if tr.AccessToken == "" || tr.RefreshToken == "" {
			return nil, true, errors.New("token endpoint returned an incomplete pair")
		}
		return &wstcred.TokenPair{Access: tr.AccessToken, Refresh: tr.RefreshToken}, false, nil

	case resp.StatusCode == http.StatusUnauthorized:
		if derr := m.store.DeleteTokens(ctx); derr != nil {
			m.lg.WLogf("failed to clear rejected tokens: %s", derr)
		}
		return nil, true, ErrSessionInvalid

	case resp.StatusCode >= 500:
		return nil, false, fmt.Errorf("token endpoint failed: %s", resp.Status)

	default:
		return nil, true, fmt.Errorf("token refresh rejected: %s", resp.Status)
	}
}
