// Package wstpake implements the password-authenticated pairing exchange
// that bootstraps a tether client's long-term signing credential from a
// short human-typed enrollment code.
//
// The exchange is a two-message SPAKE2-style PAKE over edwards25519
// followed by mutual key confirmation:
//
//	Client                                Host
//	  |                                     |
//	  |--- 'A' + X = x*G + pw*M  ---------->|
//	  |<-- 'B' + Y = y*G + pw*N,  host_id --|
//	  |                                     |
//	  |   K = x*(Y - pw*N)                  |   K = y*(X - pw*M)
//	  |   key = transcript hash             |   key = transcript hash
//	  |                                     |
//	  |--- client proof, client key ------->|
//	  |<-- host proof, host key ------------|
//
// Either side aborts on any malformed message or proof mismatch, and a
// failed attempt must never leave a credential behind. An Enrollment is
// linear: it finishes at most once and its secrets are wiped as soon as
// the shared key is derived.
package wstpake

import (
	"crypto/rand"
	"strings"

	"filippo.io/edwards25519"
)

// ClientIdentity is the fixed initiator identity bound into the
// transcript. The responder identity is the host id, which the client
// learns from the enrollment start response.
const ClientIdentity = "wstether-client"

// CodeLength is the normalized length of an enrollment code.
const CodeLength = 6

// codeAlphabet omits letters easily misread when typed (I, L, O, U).
// 32 characters, so byte sampling is unbiased.
const codeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

// NormalizeCode trims the user-entered code, uppercases it, and strips
// every non-alphanumeric rune. The result must be exactly CodeLength
// characters.
func NormalizeCode(code string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(code)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	normalized := b.String()
	if len(normalized) != CodeLength {
		return "", enrollmentErrorf("enrollment code normalizes to %d characters, need %d", len(normalized), CodeLength)
	}
	return normalized, nil
}

// GenerateCode returns a fresh enrollment code for a host to display.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, CodeLength)
	for i, v := range buf {
		out[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return string(out), nil
}

type enrollPhase int

const (
	phaseAwaitingPeer enrollPhase = iota
	phaseConsumed
)

// Enrollment is the initiator side of one pairing attempt. It is single
// use: Finish consumes it whether or not it succeeds, and a second Finish
// returns ErrEnrollmentConsumed. It is not safe for concurrent use.
type Enrollment struct {
	password []byte
	pwScalar *edwards25519.Scalar
	x        *edwards25519.Scalar
	msgA     []byte
	phase    enrollPhase
}

// NewEnrollment normalizes the enrollment code, derives the password
// scalar, samples a fresh ephemeral scalar, and prepares the initiator
// pake message.
func NewEnrollment(code string) (*Enrollment, error) {
	normalized, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	password := []byte(normalized)
	pwScalar, err := derivePasswordScalar(password)
	if err != nil {
		return nil, err
	}
	x, err := randomScalar()
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		password: password,
		pwScalar: pwScalar,
		x:        x,
		msgA:     encodeMessage(SideClient, blindedPoint(x, pwScalar, genM)),
	}, nil
}

// Message returns the initiator pake message to send to the host.
func (e *Enrollment) Message() []byte {
	return append([]byte(nil), e.msgA...)
}

// Finish consumes the enrollment against the host's pake message and
// returns the key-confirmation state. hostID is the responder identity
// from the start response. Any failure wipes the enrollment secrets and
// the instance cannot be retried.
func (e *Enrollment) Finish(hostID string, peerMsg []byte) (*Confirmation, error) {
	if e.phase != phaseAwaitingPeer {
		return nil, ErrEnrollmentConsumed
	}
	e.phase = phaseConsumed
	defer e.discard()

	peer, err := parseMessage(SideHost, peerMsg)
	if err != nil {
		return nil, err
	}
	shared, err := sharedPoint(e.x, e.pwScalar, peer, genN)
	if err != nil {
		return nil, err
	}
	key := transcriptHash(e.password, []byte(ClientIdentity), []byte(hostID), e.msgA[1:], peerMsg[1:], shared)
	return newConfirmation(key)
}

func (e *Enrollment) discard() {
	zeroBytes(e.password)
	e.pwScalar = nil
	e.x = nil
}
