package wstpake

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	confirmationInfo = "key-confirmation"
	clientProofLabel = "client-proof"
	hostProofLabel   = "server-proof"
)

// transcriptHash derives the shared session key from the whole exchange.
// The input is six fixed 32-byte blocks: the password, initiator identity
// and responder identity each pre-hashed with SHA-256, then the two pake
// points and the shared point in their raw encodings. The 192-byte
// concatenation is hashed once more.
func transcriptHash(password, idA, idB, ptA, ptB, shared []byte) []byte {
	buf := make([]byte, 0, 6*sha256.Size)
	for _, pre := range [][]byte{password, idA, idB} {
		h := sha256.Sum256(pre)
		buf = append(buf, h[:]...)
	}
	buf = append(buf, ptA...)
	buf = append(buf, ptB...)
	buf = append(buf, shared...)
	sum := sha256.Sum256(buf)
	return sum[:]
}

func confirmationKey(sharedKey []byte) ([]byte, error) {
	kr := hkdf.New(sha256.New, sharedKey, nil, []byte(confirmationInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kr, key); err != nil {
		return nil, err
	}
	return key, nil
}

func confirmationProof(confKey []byte, label string, enrollmentID uuid.UUID, keys ...[]byte) []byte {
	mac := hmac.New(sha256.New, confKey)
	mac.Write([]byte(label))
	mac.Write(enrollmentID[:])
	for _, k := range keys {
		mac.Write(k)
	}
	return mac.Sum(nil)
}

// Confirmation carries the secrets both sides hold after a completed
// exchange and builds or checks the key-confirmation proofs that bind a
// fresh signing key to the exchange. Proof verification is constant-time.
type Confirmation struct {
	sharedKey []byte
	confKey   []byte
}

func newConfirmation(sharedKey []byte) (*Confirmation, error) {
	confKey, err := confirmationKey(sharedKey)
	if err != nil {
		return nil, err
	}
	return &Confirmation{sharedKey: sharedKey, confKey: confKey}, nil
}

// SharedKey returns the 32-byte session key. Both sides of a correct run
// derive the same value.
func (c *Confirmation) SharedKey() []byte {
	return append([]byte(nil), c.sharedKey...)
}

// ClientProof binds the enrollment id and the client's new verify key.
func (c *Confirmation) ClientProof(enrollmentID uuid.UUID, clientKey []byte) []byte {
	return confirmationProof(c.confKey, clientProofLabel, enrollmentID, clientKey)
}

// HostProof binds the enrollment id, the host's verify key, and the
// client's verify key, so each side confirms it saw the other's key.
func (c *Confirmation) HostProof(enrollmentID uuid.UUID, hostKey, clientKey []byte) []byte {
	return confirmationProof(c.confKey, hostProofLabel, enrollmentID, hostKey, clientKey)
}

func (c *Confirmation) VerifyClientProof(proof []byte, enrollmentID uuid.UUID, clientKey []byte) error {
	if !hmac.Equal(proof, c.ClientProof(enrollmentID, clientKey)) {
		return enrollmentErrorf("client confirmation proof mismatch")
	}
	return nil
}

func (c *Confirmation) VerifyHostProof(proof []byte, enrollmentID uuid.UUID, hostKey, clientKey []byte) error {
	if !hmac.Equal(proof, c.HostProof(enrollmentID, hostKey, clientKey)) {
		return enrollmentErrorf("host confirmation proof mismatch")
	}
	return nil
}
