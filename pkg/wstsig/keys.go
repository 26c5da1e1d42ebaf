// Package wstsig implements the signing credential layer: the ed25519
// keypairs minted at pairing time, the canonical signing inputs for relay
// HTTP requests and duplex channel frames, the signature headers, and the
// replay guard used by verifiers. Signing and verification are pure
// functions of their inputs so both ends of the tunnel can reproduce them
// byte for byte.
package wstsig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

// Keypair holds one paired identity's signing credential. The private
// half never leaves the device.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// NewKeypair mints a fresh signing keypair.
func NewKeypair() (*Keypair, error) {
	return NewKeypairFromReader(rand.Reader)
}

// NewKeypairFromReader mints a keypair from the given entropy source.
func NewKeypairFromReader(r io.Reader) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &Keypair{Private: priv, Public: pub}, nil
}

// NewKeypairFromSeedString derives a reproducible keypair from a seed
// string. For dev and test configurations only.
func NewKeypairFromSeedString(seed string) (*Keypair, error) {
	return NewKeypairFromReader(NewDetermRand([]byte(seed)))
}

// Seed returns the portable 32-byte private seed for storage.
func (kp *Keypair) Seed() []byte {
	return kp.Private.Seed()
}

// KeypairFromSeed rebuilds a keypair from its portable seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed is %d bytes, need %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// KeyID returns the short base58 identifier of a verify key, used in
// signature headers and registry lookups.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base58.Encode(sum[:8])
}

const hostIDPrefix = "wsth1"

// HostIDForKey derives the stable public host id from a host verify key.
func HostIDForKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hostIDPrefix + base58.Encode(sum[:10])
}
