package wstpake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

const (
	pointSize = 32

	// MessageSize is the exact wire length of a pake message: a one-byte
	// side tag followed by an encoded curve point.
	MessageSize = 1 + pointSize

	// SideClient and SideHost tag the two pake messages on the wire.
	SideClient = byte('A')
	SideHost   = byte('B')
)

// The password-blinding generators for the edwards25519 ciphersuite.
// Decoded once at init; any corruption is a programming error.
const (
	genMHex = "d048032c6ea0b6d697ddc2e86bda85a33adac920f1bf18e1b0c6d166a5cecdaf"
	genNHex = "d3bfb518f44f3430f29d0c92af503865a1ed3281dc69b35dd868ba85f886c4ab"
)

var (
	genM = mustDecodePoint(genMHex)
	genN = mustDecodePoint(genNHex)
)

func mustDecodePoint(encoded string) *edwards25519.Point {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		panic("wstpake: bad generator constant: " + err.Error())
	}
	p, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		panic("wstpake: bad generator constant: " + err.Error())
	}
	return p
}

const passwordScalarInfo = "wstether/pake/password/v1"

// derivePasswordScalar stretches a normalized enrollment code into a group
// scalar: HKDF-SHA256 to 48 bytes, interpreted little-endian, reduced mod
// the group order. The 48 bytes are zero-padded to the 64-byte wide form,
// which leaves the little-endian value unchanged.
func derivePasswordScalar(password []byte) (*edwards25519.Scalar, error) {
	kr := hkdf.New(sha256.New, password, nil, []byte(passwordScalarInfo))
	stretched := make([]byte, 48)
	if _, err := io.ReadFull(kr, stretched); err != nil {
		return nil, err
	}
	wide := make([]byte, 64)
	copy(wide, stretched)
	return edwards25519.NewScalar().SetUniformBytes(wide)
}

func randomScalar() (*edwards25519.Scalar, error) {
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return edwards25519.NewScalar().SetUniformBytes(seed[:])
}

// blindedPoint computes x*G + pw*gen, the password-blinded public share
// each side puts on the wire.
func blindedPoint(x, pw *edwards25519.Scalar, gen *edwards25519.Point) *edwards25519.Point {
	p := new(edwards25519.Point).ScalarBaseMult(x)
	mask := new(edwards25519.Point).ScalarMult(pw, gen)
	return p.Add(p, mask)
}

// sharedPoint strips the peer's password blinding and applies the local
// ephemeral scalar: x*(peer - pw*gen). A low-order result would let a
// bogus peer point force a predictable key, so the identity is rejected.
func sharedPoint(x, pw *edwards25519.Scalar, peer, gen *edwards25519.Point) ([]byte, error) {
	mask := new(edwards25519.Point).ScalarMult(pw, gen)
	k := new(edwards25519.Point).Subtract(peer, mask)
	k.ScalarMult(x, k)
	if k.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, enrollmentErrorf("shared point is the identity element")
	}
	return k.Bytes(), nil
}

func encodeMessage(side byte, p *edwards25519.Point) []byte {
	msg := make([]byte, 1, MessageSize)
	msg[0] = side
	return append(msg, p.Bytes()...)
}

// parseMessage validates the length and side tag of a peer pake message and
// decodes its curve point.
func parseMessage(side byte, msg []byte) (*edwards25519.Point, error) {
	if len(msg) != MessageSize {
		return nil, enrollmentErrorf("pake message is %d bytes, need %d", len(msg), MessageSize)
	}
	if msg[0] != side {
		return nil, enrollmentErrorf("pake message has side tag %#x, need %#x", msg[0], side)
	}
	p, err := new(edwards25519.Point).SetBytes(msg[1:])
	if err != nil {
		return nil, enrollmentErrorf("pake message point encoding is invalid")
	}
	return p, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
