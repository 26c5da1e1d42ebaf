package wstsig

// Deterministic crypto.Reader backing reproducible dev and test keys.
// Each SHA-512 block yields half output, half chained state:
// [a|...] -> sha512(a) -> [b|output] -> sha512(b)

import (
	"crypto/sha512"
	"io"
)

// determRandIter is the number of times a seed is hashed with SHA-512 to
// produce the starting state of the pseudo-random stream.
const determRandIter = 2048

// NewDetermRand creates an io.Reader producing pseudo-random bytes that
// are deterministic from a seed. Never use it for production keys.
func NewDetermRand(seed []byte) io.Reader {
	var out []byte
	next := seed
	for i := 0; i < determRandIter; i++ {
		next, out = determHash(next)
	}
	return &determRand{next: next, out: out}
}

type determRand struct {
	next, out []byte
}

func (d *determRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := determHash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func determHash(input []byte) (next []byte, output []byte) {
	nextout := sha512.Sum512(input)
	return nextout[:sha512.Size/2], nextout[sha512.Size/2:]
}
