package wstcred

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// At-rest encryption for credential files: argon2id stretches the
// passphrase, XChaCha20-Poly1305 seals the document, and a versioned
// JSON envelope under a magic prefix records the KDF parameters so they
// can be raised later without breaking old files.

const (
	envelopeMagic   = "WSTENC1\n"
	envelopeVersion = 1

	kdfTime     = uint32(2)
	kdfMemoryKB = uint32(64 * 1024)
	kdfThreads  = uint8(1)
)

var (
	// ErrAuthFailed is returned when a credential file cannot be
	// decrypted: wrong passphrase or corrupted ciphertext.
	ErrAuthFailed = errors.New("credential decryption failed")
	// ErrInvalid is returned when a credential file is not in a
	// recognized encrypted format.
	ErrInvalid = errors.New("credential file format not recognized")
)

type envelope struct {
	Version     int    `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Encrypt seals a credential document under a passphrase.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(envelopeMagic), body...), nil
}

// Decrypt opens a credential document sealed by Encrypt.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrInvalid
	}
	var env envelope
	if err := json.Unmarshal(data[len(envelopeMagic):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrInvalid
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.Salt) == 0 {
		return nil, ErrInvalid
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// IsEncrypted reports whether data carries the encrypted-envelope prefix.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(envelopeMagic))
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
