package wsthost

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/sammck-go/wstether/pkg/wstsig"
)

const maxSignedBody = 4 << 20

var (
	errUnknownKey   = errors.New("unknown signing key")
	errBadSignature = errors.New("signature mismatch")
)

// ClientInfo identifies the verified caller of a signed request.
type ClientInfo struct {
	Client    *wstcred.EnrolledClient
	Signature *wstsig.RequestSignature
}

type clientInfoKey struct{}

func withClientInfo(ctx context.Context, info *ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

// ClientFromContext returns the verified caller attached by the signature
// middleware.
func ClientFromContext(ctx context.Context) (*ClientInfo, bool) {
	info, ok := ctx.Value(clientInfoKey{}).(*ClientInfo)
	return info, ok
}

// verifySignedRequest authenticates a signed inbound request, returning
// the signature and the enrolled client that produced it. The signature
// is checked before the replay guard so unauthenticated traffic cannot
// grow the nonce set.
func (a *Agent) verifySignedRequest(r *http.Request, body []byte) (*wstsig.RequestSignature, *wstcred.EnrolledClient, error) {
	sig, err := wstsig.ParseSignatureHeaders(r.Header)
	if err != nil {
		return nil, nil, err
	}
	client, ok := a.registry.get(sig.KeyID)
	if !ok {
		return nil, nil, errUnknownKey
	}
	if !wstsig.VerifyRequest(client.VerifyKey, sig, r.Method, wstsig.NormalizePath(r.URL), body) {
		return nil, nil, errBadSignature
	}
	// Nonce space is segmented per client key so one client cannot burn
	// another's nonces.
	if err := a.replay.Check(sig.KeyID+"|"+sig.Nonce, sig.TimestampMS); err != nil {
		return nil, nil, err
	}
	return sig, client, nil
}

// requireSignature wraps next with signed-request verification. The
// verified caller is available to next through ClientFromContext.
func (a *Agent) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		sig, client, err := a.verifySignedRequest(r, body)
		if err != nil {
			a.DLogf("rejecting %s %s: %s", r.Method, r.URL.Path, err)
			http.Error(w, "signature required", http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		info := &ClientInfo{Client: client, Signature: sig}
		next.ServeHTTP(w, r.WithContext(withClientInfo(r.Context(), info)))
	})
}
