package wstduplex

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"unicode/utf8"
)

// EnvelopeVersion is the only wire version this implementation speaks.
// Envelopes carrying any other version are rejected, never coerced.
const EnvelopeVersion = 1

// FrameType is the closed set of envelope frame types.
type FrameType string

const (
	FrameText   FrameType = "text"
	FrameBinary FrameType = "binary"
	FramePing   FrameType = "ping"
	FramePong   FrameType = "pong"
	FrameClose  FrameType = "close"
)

func (t FrameType) valid() bool {
	switch t {
	case FrameText, FrameBinary, FramePing, FramePong, FrameClose:
		return true
	}
	return false
}

// Envelope is the signed wire wrapper for one duplex frame. It is immutable
// once constructed; inbound payloads are not trusted until the signature
// has been verified.
type Envelope struct {
	Version   int       `json:"version"`
	Seq       uint64    `json:"seq"`
	Type      FrameType `json:"msg_type"`
	Payload   string    `json:"payload_b64"`
	Signature string    `json:"signature_b64"`
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope strictly parses one wire frame: exactly one JSON value,
// no unknown fields, no trailing data, a known version and frame type, and
// well-formed base64. Returns the envelope plus the decoded payload and
// signature bytes. Every failure is a ProtocolError.
func DecodeEnvelope(data []byte) (env *Envelope, payload, sig []byte, err error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, nil, nil, protocolErrorf("bad envelope: %s", err)
	}
	if rest := bytes.TrimSpace(data[dec.InputOffset():]); len(rest) != 0 {
		return nil, nil, nil, protocolErrorf("trailing data after envelope")
	}
	if e.Version != EnvelopeVersion {
		return nil, nil, nil, protocolErrorf("unsupported envelope version %d", e.Version)
	}
	if !e.Type.valid() {
		return nil, nil, nil, protocolErrorf("unknown frame type %q", e.Type)
	}
	payload, err = base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, nil, nil, protocolErrorf("bad payload base64: %s", err)
	}
	sig, err = base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return nil, nil, nil, protocolErrorf("bad signature base64: %s", err)
	}
	return &e, payload, sig, nil
}

// EncodeClosePayload builds a close-frame payload: a 2-byte big-endian
// status code followed by the UTF-8 reason. Code 0 with an empty reason
// yields an empty payload, meaning "close with no explicit code".
func EncodeClosePayload(code int, reason string) []byte {
	if code == 0 && reason == "" {
		return nil
	}
	buf := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	return append(buf, reason...)
}

// DecodeClosePayload splits a close-frame payload into its status code and
// reason. An empty payload decodes as code 0 ("no explicit code").
func DecodeClosePayload(payload []byte) (code int, reason string, err error) {
	if len(payload) == 0 {
		return 0, "", nil
	}
	if len(payload) < 2 {
		return 0, "", protocolErrorf("close payload of %d bytes is too short", len(payload))
	}
	code = int(binary.BigEndian.Uint16(payload[:2]))
	rest := payload[2:]
	if !utf8.Valid(rest) {
		return 0, "", protocolErrorf("close reason is not valid UTF-8")
	}
	return code, string(rest), nil
}
