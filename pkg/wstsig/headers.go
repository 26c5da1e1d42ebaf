package wstsig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Signature header names, the external contract shared by client, relay,
// and host.
const (
	HeaderSession   = "X-Wstether-Session"
	HeaderNonce     = "X-Wstether-Nonce"
	HeaderTimestamp = "X-Wstether-Timestamp"
	HeaderKeyID     = "X-Wstether-Key"
	HeaderSignature = "X-Wstether-Signature"
)

// ErrNoSignature is returned by ParseSignatureHeaders when a request
// carries no signature headers at all.
var ErrNoSignature = errors.New("request carries no signature headers")

// Attach sets the signature headers on an outbound request.
func (s *RequestSignature) Attach(h http.Header) {
	h.Set(HeaderSession, s.SessionID)
	h.Set(HeaderNonce, s.Nonce)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.TimestampMS, 10))
	h.Set(HeaderKeyID, s.KeyID)
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(s.Signature))
}

// ParseSignatureHeaders extracts a RequestSignature from inbound headers.
func ParseSignatureHeaders(h http.Header) (*RequestSignature, error) {
	if h.Get(HeaderSignature) == "" && h.Get(HeaderSession) == "" {
		return nil, ErrNoSignature
	}
	sig := &RequestSignature{
		SessionID: h.Get(HeaderSession),
		Nonce:     h.Get(HeaderNonce),
		KeyID:     h.Get(HeaderKeyID),
	}
	if sig.SessionID == "" || sig.Nonce == "" || sig.KeyID == "" {
		return nil, errors.New("signature headers are incomplete")
	}
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad %s header: %w", HeaderTimestamp, err)
	}
	sig.TimestampMS = ts
	raw, err := base64.StdEncoding.DecodeString(h.Get(HeaderSignature))
	if err != nil {
		return nil, fmt.Errorf("bad %s header: %w", HeaderSignature, err)
	}
	sig.Signature = raw
	return sig, nil
}
