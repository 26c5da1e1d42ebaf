package wstsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	signingVersion = "v1"
	inputSep       = "|"
)

// RequestSignature authorizes one relay HTTP request. It is a stateless
// value, recomputed per call.
type RequestSignature struct {
	SessionID   string
	Nonce       string
	TimestampMS int64
	KeyID       string
	Signature   []byte
}

// payloadDigest is the base64 SHA-256 of a request body or frame payload.
// An empty payload digests as the hash of zero bytes.
func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// RequestSigningInput builds the canonical byte string signed for an HTTP
// request. Signer and verifier must produce it byte for byte:
//
//	v1|<session>|<nonce>|<unix-ms>|<METHOD>|<path>|<b64(sha256(body))>
func RequestSigningInput(sessionID, nonce string, timestampMS int64, method, path string, body []byte) []byte {
	fields := []string{
		signingVersion,
		sessionID,
		nonce,
		strconv.FormatInt(timestampMS, 10),
		strings.ToUpper(method),
		path,
		payloadDigest(body),
	}
	return []byte(strings.Join(fields, inputSep))
}

// FrameSigningInput builds the canonical byte string signed for one duplex
// channel frame:
//
//	v1|<session>|<nonce>|<seq>|<frame-type>|<b64(sha256(payload))>
func FrameSigningInput(sessionID, nonce string, seq uint64, frameType string, payload []byte) []byte {
	fields := []string{
		signingVersion,
		sessionID,
		nonce,
		strconv.FormatUint(seq, 10),
		frameType,
		payloadDigest(payload),
	}
	return []byte(strings.Join(fields, inputSep))
}

// SignRequest computes the signature authorizing one outbound request,
// with a fresh nonce and the given wall-clock time.
func SignRequest(key *Keypair, sessionID, method, path string, body []byte, now time.Time) *RequestSignature {
	sig := &RequestSignature{
		SessionID:   sessionID,
		Nonce:       uuid.NewString(),
		TimestampMS: now.UnixMilli(),
		KeyID:       KeyID(key.Public),
	}
	input := RequestSigningInput(sig.SessionID, sig.Nonce, sig.TimestampMS, method, path, body)
	sig.Signature = ed25519.Sign(key.Private, input)
	return sig
}

// VerifyRequest recomputes the request signing input and checks the
// signature against the given verify key.
func VerifyRequest(pub ed25519.PublicKey, sig *RequestSignature, method, path string, body []byte) bool {
	input := RequestSigningInput(sig.SessionID, sig.Nonce, sig.TimestampMS, method, path, body)
	return VerifyFrame(pub, input, sig.Signature)
}

// SignFrame signs a prebuilt frame signing input.
func SignFrame(key *Keypair, signingInput []byte) []byte {
	return ed25519.Sign(key.Private, signingInput)
}

// VerifyFrame checks an ed25519 signature over a prebuilt signing input.
// Malformed keys or signatures verify as false, never panic.
func VerifyFrame(pub ed25519.PublicKey, signingInput, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, signingInput, signature)
}

// NormalizePath produces the canonical path used in signing inputs: the
// escaped URL path with a leading slash, plus the raw query when present.
func NormalizePath(u *url.URL) string {
	p := u.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// ParsePath normalizes a caller-supplied path string, rejecting absolute
// URLs so a signed path can never escape the session base.
func ParsePath(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("bad request path %q: %w", path, err)
	}
	if u.IsAbs() || u.Host != "" {
		return "", fmt.Errorf("request path %q must be relative to the session base", path)
	}
	return NormalizePath(u), nil
}
