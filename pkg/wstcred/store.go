// Package wstcred persists the credentials the tunnel depends on: the
// per-host pairing records and relay token pair on the client side, and
// the host identity plus enrolled client keys on the agent side. Stores
// are safe for concurrent use and treat credentials as opaque values;
// no signing logic lives here.
package wstcred

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/sammck-go/wstether/pkg/wstsig"
)

// ErrNotFound is returned when a store has no record under the given key.
var ErrNotFound = errors.New("credential not found")

// PairedHost is the long-lived credential produced by one successful
// pairing: the host's id, the client's signing keypair, and the verify
// key for frames arriving from the host.
type PairedHost struct {
	HostID        string
	Keypair       *wstsig.Keypair
	HostVerifyKey ed25519.PublicKey
	PairedAt      time.Time
}

// TokenPair is the OAuth-style access/refresh pair for the relay login
// session. Opaque at this layer.
type TokenPair struct {
	Access  string
	Refresh string
}

// EnrolledClient is one client verify key admitted by a host agent.
type EnrolledClient struct {
	KeyID      string            `json:"key_id"`
	VerifyKey  ed25519.PublicKey `json:"verify_key"`
	EnrolledAt time.Time         `json:"enrolled_at"`
}

// Store is the persistent credential collaborator. Implementations must
// be safe for concurrent use; blocking implementations honor ctx.
type Store interface {
	GetHost(ctx context.Context, hostID string) (*PairedHost, error)
	PutHost(ctx context.Context, host *PairedHost) error
	DeleteHost(ctx context.Context, hostID string) error
	ListHosts(ctx context.Context) ([]*PairedHost, error)

	GetTokens(ctx context.Context) (*TokenPair, error)
	PutTokens(ctx context.Context, tokens *TokenPair) error
	DeleteTokens(ctx context.Context) error
}

func clonePairedHost(h *PairedHost) *PairedHost {
	if h == nil {
		return nil
	}
	out := &PairedHost{
		HostID:   h.HostID,
		PairedAt: h.PairedAt,
	}
	if h.Keypair != nil {
		out.Keypair = &wstsig.Keypair{
			Private: append(ed25519.PrivateKey(nil), h.Keypair.Private...),
			Public:  append(ed25519.PublicKey(nil), h.Keypair.Public...),
		}
	}
	out.HostVerifyKey = append(ed25519.PublicKey(nil), h.HostVerifyKey...)
	return out
}
