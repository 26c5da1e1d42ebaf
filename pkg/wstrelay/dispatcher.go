package wstrelay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/wstether/pkg/wstsig"
)

// Dispatcher sends signed HTTP requests to paired hosts through the relay.
// An authentication failure is recovered exactly once: invalidate the
// cached session, refresh it, and resend with a fresh signature. A second
// failure is returned to the caller unchanged.
type Dispatcher struct {
	lg       logger.Logger
	resolver *Resolver
}

// NewDispatcher creates a Dispatcher on top of resolver. The resolver's
// HTTP client (and its cookie jar) is shared so relay cookies ride along
// with signed calls.
func NewDispatcher(lg logger.Logger, resolver *Resolver) *Dispatcher {
	return &Dispatcher{
		lg:       lg.ForkLogStr("dispatcher"),
		resolver: resolver,
	}
}

// Do sends one signed request to the paired host hostID. path is relative
// to the session base URL and may carry a query string; body may be nil.
// The caller owns the returned response body.
func (d *Dispatcher) Do(ctx context.Context, hostID, method, path string, body []byte) (*http.Response, error) {
	hc, err := d.resolver.Resolve(ctx, hostID)
	if err != nil {
		return nil, err
	}
	resp, err := d.send(ctx, hc, method, path, body)
	if err != nil {
		return nil, err
	}
	if !IsAuthStatus(resp.StatusCode) {
		return resp, nil
	}

	d.lg.DLogf("signed %s %s to %s returned %s; refreshing session", method, path, hostID, resp.Status)
	d.resolver.Invalidate(hostID)
	nhc, err := d.resolver.RefreshSigningSession(ctx, hc)
	if err != nil {
		d.lg.DLogf("session refresh for %s errored (%s); returning original response", hostID, err)
		return resp, nil
	}
	if nhc == nil {
		return resp, nil
	}

	drainAndClose(resp.Body)
	retry, err := d.send(ctx, nhc, method, path, body)
	if err != nil {
		return nil, err
	}
	if IsAuthStatus(retry.StatusCode) {
		d.resolver.Invalidate(hostID)
	}
	return retry, nil
}

// send issues one signed request against an already-resolved context.
func (d *Dispatcher) send(ctx context.Context, hc *HostContext, method, path string, body []byte) (*http.Response, error) {
	signPath, err := wstsig.ParsePath(path)
	if err != nil {
		return nil, err
	}
	rel, _ := url.Parse(path)
	target := hc.BaseURL.JoinPath(rel.EscapedPath())
	target.RawQuery = rel.RawQuery

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target.String(), rd)
	if err != nil {
		return nil, err
	}
	sig := wstsig.SignRequest(hc.Host.Keypair, hc.SessionID, method, signPath, body, d.resolver.clock.Now())
	sig.Attach(req.Header)
	return d.resolver.hc.Do(req)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
