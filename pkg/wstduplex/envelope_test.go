package wstduplex

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Version:   EnvelopeVersion,
		Seq:       7,
		Type:      FrameText,
		Payload:   base64.StdEncoding.EncodeToString([]byte("hello")),
		Signature: base64.StdEncoding.EncodeToString([]byte("fakesig")),
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() returned error: %s", err)
	}
	got, payload, sig, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() returned error: %s", err)
	}
	if got.Seq != 7 || got.Type != FrameText {
		t.Fatalf("DecodeEnvelope() = %+v", got)
	}
	if !bytes.Equal(payload, []byte("hello")) {
		t.Fatalf("payload = %q, expected hello", payload)
	}
	if !bytes.Equal(sig, []byte("fakesig")) {
		t.Fatalf("signature = %q", sig)
	}
}

func TestEnvelopeStrictParse(t *testing.T) {
	valid := `{"version":1,"seq":1,"msg_type":"text","payload_b64":"","signature_b64":""}`

	cases := []struct {
		name string
		data string
	}{
		{"not JSON", `this is not json`},
		{"unknown field", `{"version":1,"seq":1,"msg_type":"text","payload_b64":"","signature_b64":"","extra":1}`},
		{"trailing data", valid + `{"version":1}`},
		{"trailing garbage", valid + `x`},
		{"wrong version", `{"version":2,"seq":1,"msg_type":"text","payload_b64":"","signature_b64":""}`},
		{"zero version", `{"version":0,"seq":1,"msg_type":"text","payload_b64":"","signature_b64":""}`},
		{"unknown frame type", `{"version":1,"seq":1,"msg_type":"blob","payload_b64":"","signature_b64":""}`},
		{"negative seq", `{"version":1,"seq":-1,"msg_type":"text","payload_b64":"","signature_b64":""}`},
		{"fractional seq", `{"version":1,"seq":1.5,"msg_type":"text","payload_b64":"","signature_b64":""}`},
		{"bad payload base64", `{"version":1,"seq":1,"msg_type":"text","payload_b64":"!!!","signature_b64":""}`},
		{"bad signature base64", `{"version":1,"seq":1,"msg_type":"text","payload_b64":"","signature_b64":"!!!"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := DecodeEnvelope([]byte(tc.data))
			if err == nil {
				t.Fatalf("DecodeEnvelope() accepted %s", tc.data)
			}
			if !IsProtocolError(err) {
				t.Fatalf("DecodeEnvelope() returned %v, expected a ProtocolError", err)
			}
		})
	}

	// trailing whitespace alone is tolerated
	if _, _, _, err := DecodeEnvelope([]byte(valid + "\n")); err != nil {
		t.Fatalf("DecodeEnvelope() rejected trailing newline: %s", err)
	}
}

func TestClosePayloadCodec(t *testing.T) {
	if got := EncodeClosePayload(0, ""); got != nil {
		t.Fatalf("EncodeClosePayload(0, \"\") = %v, expected empty", got)
	}

	code, reason, err := DecodeClosePayload(nil)
	if err != nil || code != 0 || reason != "" {
		t.Fatalf("DecodeClosePayload(nil) = %d %q %v", code, reason, err)
	}

	code, reason, err = DecodeClosePayload([]byte{0x03, 0xE8, 'h', 'i'})
	if err != nil {
		t.Fatalf("DecodeClosePayload() returned error: %s", err)
	}
	if code != 1000 || reason != "hi" {
		t.Fatalf("DecodeClosePayload() = %d %q, expected 1000 hi", code, reason)
	}

	payload := EncodeClosePayload(1001, "going away")
	code, reason, err = DecodeClosePayload(payload)
	if err != nil || code != 1001 || reason != "going away" {
		t.Fatalf("close payload round trip = %d %q %v", code, reason, err)
	}

	if _, _, err := DecodeClosePayload([]byte{0x03}); err == nil {
		t.Fatalf("DecodeClosePayload() accepted a 1-byte payload")
	}
	if _, _, err := DecodeClosePayload([]byte{0x03, 0xE8, 0xFF, 0xFE}); err == nil {
		t.Fatalf("DecodeClosePayload() accepted a non-UTF-8 reason")
	}
}

func TestFrameTypeSet(t *testing.T) {
	for _, ft := range []FrameType{FrameText, FrameBinary, FramePing, FramePong, FrameClose} {
		if !ft.valid() {
			t.Fatalf("%q reported invalid", ft)
		}
	}
	for _, ft := range []FrameType{"", "TEXT", "blob", "close "} {
		if ft.valid() {
			t.Fatalf("%q reported valid", ft)
		}
	}
}
