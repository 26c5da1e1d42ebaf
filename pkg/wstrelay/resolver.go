// Package wstrelay drives signed HTTP traffic from a paired client to its
// host through the relay server. It provides the per-host session resolver
// (with caching and single-flight deduplication), the signed request
// dispatcher with its bounded auth-failure recovery, and the token manager
// that refreshes the relay's own access/refresh token pair.
package wstrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/sammck-go/logger"
	"golang.org/x/sync/singleflight"

	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/sammck-go/wstether/pkg/wstsig"
)

const defaultResolveTimeout = 30 * time.Second

// HostContext is one resolved relay session for a paired host. It is
// immutable once returned; the resolver replaces whole entries on refresh
// and invalidation rather than mutating them.
type HostContext struct {
	// Host is the paired credential the session was opened with.
	Host *wstcred.PairedHost

	// BaseURL is the relay session base URL. Request paths are appended
	// to it.
	BaseURL *url.URL

	// SessionID is the short-lived signing session id bound into every
	// signature sent through this context.
	SessionID string

	// ResolvedAt records when the session was established.
	ResolvedAt time.Time
}

// ResolverConfig carries the parameters for NewResolver.
type ResolverConfig struct {
	// RelayURL is the relay server base, e.g. "https://relay.example.com".
	RelayURL string

	// Store supplies paired host credentials.
	Store wstcred.Store

	// HTTPClient is used for session open/exchange/refresh calls. If nil,
	// a client with a fresh cookie jar is created.
	HTTPClient *http.Client

	// ResolveTimeout bounds a single resolution or refresh attempt.
	// 0 means 30 seconds.
	ResolveTimeout time.Duration

	// Clock is the time source used for signature timestamps. If nil,
	// the wall clock is used.
	Clock time2.Clock
}

// Resolver resolves and caches one relay session per paired host id.
// Resolution for a given host id is single-flight: concurrent Resolve
// calls share one in-flight handshake. Invalidate drops the cached
// session without touching the stored pairing.
type Resolver struct {
	lg      logger.Logger
	store   wstcred.Store
	relay   *url.URL
	hc      *http.Client
	clock   time2.Clock
	timeout time.Duration

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]*HostContext
	epoch map[string]uint64
}

// NewResolver creates a Resolver from cfg.
func NewResolver(lg logger.Logger, cfg ResolverConfig) (*Resolver, error) {
	relay, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("bad relay URL %q: %w", cfg.RelayURL, err)
	}
	if relay.Scheme == "" || relay.Host == "" {
		return nil, fmt.Errorf("relay URL %q must be absolute", cfg.RelayURL)
	}
	if cfg.Store == nil {
		return nil, errors.New("a credential store is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc = &http.Client{Jar: jar}
	}
	timeout := cfg.ResolveTimeout
	if timeout == 0 {
		timeout = defaultResolveTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time2.DefaultClock
	}
	return &Resolver{
		lg:      lg.ForkLogStr("resolver"),
		store:   cfg.Store,
		relay:   relay,
		hc:      hc,
		clock:   clock,
		timeout: timeout,
		cache:   make(map[string]*HostContext),
		epoch:   make(map[string]uint64),
	}, nil
}

// Resolve returns the cached session context for hostID, establishing one
// if none is cached. Concurrent calls for the same host id observe the
// result of a single underlying handshake.
func (r *Resolver) Resolve(ctx context.Context, hostID string) (*HostContext, error) {
	r.mu.Lock()
	if hc, ok := r.cache[hostID]; ok {
		r.mu.Unlock()
		return hc, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(hostID, func() (interface{}, error) {
		r.mu.Lock()
		if hc, ok := r.cache[hostID]; ok {
			r.mu.Unlock()
			return hc, nil
		}
		start := r.epoch[hostID]
		r.mu.Unlock()

		hc, err := r.resolveOnce(ctx, hostID)
		if err != nil {
			return nil, err
		}

		// An Invalidate that raced this resolution bumped the epoch; the
		// result is returned to the waiting callers but not cached.
		r.mu.Lock()
		if r.epoch[hostID] == start {
			r.cache[hostID] = hc
		} else {
			r.lg.DLogf("resolution for %s raced an invalidation; result not cached", hostID)
		}
		r.mu.Unlock()
		return hc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*HostContext), nil
}

// Invalidate drops the cached session for hostID so the next Resolve
// re-establishes one. The stored pairing is untouched.
func (r *Resolver) Invalidate(hostID string) {
	r.mu.Lock()
	delete(r.cache, hostID)
	r.epoch[hostID]++
	r.mu.Unlock()
}

// RefreshSigningSession rotates the signing session id for hc using the
// stored pairing, returning a fresh context. A (nil, nil) return means the
// relay rejected the refresh as unauthenticated; the caller keeps whatever
// error it was recovering from.
func (r *Resolver) RefreshSigningSession(ctx context.Context, hc *HostContext) (*HostContext, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hostID := hc.Host.HostID
	body, err := json.Marshal(&sessionRefreshRequest{HostID: hostID, SessionID: hc.SessionID})
	if err != nil {
		return nil, err
	}
	resp, err := r.postSigned(ctx, hc.Host, hc.SessionID, "/session/refresh", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if IsAuthStatus(resp.StatusCode) {
		r.lg.DLogf("session refresh for %s rejected: %s", hostID, resp.Status)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session refresh for %s failed: %s", hostID, resp.Status)
	}
	var srr sessionCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&srr); err != nil {
		return nil, fmt.Errorf("session refresh for %s returned bad JSON: %w", hostID, err)
	}
	if srr.Code == "" {
		return nil, fmt.Errorf("session refresh for %s returned no exchange code", hostID)
	}
	nhc, err := r.exchangeCode(ctx, hc.Host, srr.Code)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[hostID] = nhc
	r.mu.Unlock()
	r.lg.DLogf("signing session for %s rotated to %s", hostID, nhc.SessionID)
	return nhc, nil
}

// resolveOnce performs one full session handshake for hostID.
func (r *Resolver) resolveOnce(ctx context.Context, hostID string) (*HostContext, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	host, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		if errors.Is(err, wstcred.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotPaired, hostID)
		}
		return nil, err
	}

	r.lg.DLogf("opening relay session for %s", hostID)
	code, err := r.openSession(ctx, host)
	if err != nil {
		return nil, err
	}
	hc, err := r.exchangeCode(ctx, host, code)
	if err != nil {
		return nil, err
	}
	r.lg.DLogf("relay session %s established for %s at %s", hc.SessionID, hostID, hc.BaseURL)
	return hc, nil
}

type sessionOpenRequest struct {
	HostID string `json:"host_id"`
}

type sessionRefreshRequest struct {
	HostID    string `json:"host_id"`
	SessionID string `json:"session_id"`
}

type sessionCodeResponse struct {
	Code string `json:"code"`
}

// openSession asks the relay for a short-lived exchange code. There is no
// signing session yet at this point, so the signature's session field
// carries the host id; the relay verifies it against the verify key it
// holds for that pairing.
func (r *Resolver) openSession(ctx context.Context, host *wstcred.PairedHost) (string, error) {
	body, err := json.Marshal(&sessionOpenRequest{HostID: host.HostID})
	if err != nil {
		return "", err
	}
	resp, err := r.postSigned(ctx, host, host.HostID, "/session/open", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relay session open for %s failed: %s", host.HostID, resp.Status)
	}
	var sor sessionCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sor); err != nil {
		return "", fmt.Errorf("relay session open for %s returned bad JSON: %w", host.HostID, err)
	}
	if sor.Code == "" {
		return "", fmt.Errorf("relay session open for %s returned no exchange code", host.HostID)
	}
	return sor.Code, nil
}

// exchangeCode redeems an exchange code. The relay answers with redirects;
// the final URL embeds the signing session id, from which the session base
// URL is derived.
func (r *Resolver) exchangeCode(ctx context.Context, host *wstcred.PairedHost, code string) (*HostContext, error) {
	u := r.relay.JoinPath("session", "exchange")
	q := url.Values{}
	q.Set("code", code)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session exchange for %s failed: %s", host.HostID, resp.Status)
	}
	return contextFromSessionURL(host, resp.Request.URL, r.clock.Now())
}

// postSigned sends one signed POST to the relay root.
func (r *Resolver) postSigned(ctx context.Context, host *wstcred.PairedHost, sessionID, path string, body []byte) (*http.Response, error) {
	u := r.relay.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	sig := wstsig.SignRequest(host.Keypair, sessionID, "POST", wstsig.NormalizePath(u), body, r.clock.Now())
	sig.Attach(req.Header)
	return r.hc.Do(req)
}

// contextFromSessionURL extracts the signing session id from the final
// exchange URL, whose path embeds a "/t/<session_id>/" segment pair, and
// builds the session base URL ending at that pair.
func contextFromSessionURL(host *wstcred.PairedHost, final *url.URL, now time.Time) (*HostContext, error) {
	parts := strings.Split(strings.Trim(final.Path, "/"), "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] != "t" || parts[i+1] == "" {
			continue
		}
		base := *final
		base.Path = "/" + strings.Join(parts[:i+2], "/") + "/"
		base.RawQuery = ""
		base.Fragment = ""
		return &HostContext{
			Host:       host,
			BaseURL:    &base,
			SessionID:  parts[i+1],
			ResolvedAt: now,
		}, nil
	}
	return nil, fmt.Errorf("exchange redirect URL %q does not embed a session id", final)
}
