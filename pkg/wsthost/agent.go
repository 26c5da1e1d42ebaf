// Package wsthost implements the tethered host agent: the enrollment
// responder endpoints, the signed-request surface, and the accept path
// for signed duplex channels. An Agent owns the host identity keypair,
// the registry of enrolled client verify keys, and at most one active
// pairing code at a time.
package wsthost

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/sammck-go/wstether/pkg/wstduplex"
	"github.com/sammck-go/wstether/pkg/wstpake"
	"github.com/sammck-go/wstether/pkg/wstsig"
)

const (
	defaultEnrollRate  = 3
	defaultEnrollBurst = 3
	replayWindow       = 5 * time.Minute
)

// ErrUnknownClient is returned when a key id names no enrolled client.
var ErrUnknownClient = errors.New("no enrolled client with that key id")

// AgentConfig configures NewAgent. The zero value yields an ephemeral
// agent with a random identity and default limits.
type AgentConfig struct {
	// StatePath names the agent state file holding the host key seed and
	// the enrolled clients. Empty means an ephemeral identity.
	StatePath string

	// Passphrase, when non-empty, encrypts the state file at rest.
	Passphrase string

	// KeySeed, when non-empty, derives the host identity
	// deterministically from the given string, overriding any stored
	// identity. For dev and test rigs only.
	KeySeed string

	// API handles signed application requests under /api/. Nil leaves
	// that surface unrouted.
	API http.Handler

	// Channel receives events from accepted duplex channels. Nil
	// discards them.
	Channel wstduplex.Handler

	// ChannelKeepAlive, when positive, pings accepted channels at the
	// given interval.
	ChannelKeepAlive time.Duration

	// EnrollRatePerMin and EnrollBurst bound enrollment attempts per
	// client IP. Non-positive values mean 3 and 3.
	EnrollRatePerMin float64
	EnrollBurst      int

	// Clock, if non-nil, replaces wall time for rate limiting, replay
	// checks, and enrollment expiry.
	Clock time2.Clock

	Debug bool
}

// Agent is the host side of the tether. It is fully operational once
// NewAgent returns; Run additionally binds a listener for the HTTP
// surface, while embedders can route Handler() themselves.
type Agent struct {
	*asyncobj.Helper
	lg logger.Logger

	key    *wstsig.Keypair
	hostID string

	statePath  string
	passphrase string

	clock         time2.Clock
	registry      *clientRegistry
	enroll        *enrollState
	enrollLimiter *keyedLimiter
	replay        *wstsig.ReplayGuard
	api           http.Handler
	chanHandler   wstduplex.Handler
	chanKeepAlive time.Duration
	handler       http.Handler
	debug         bool

	mu         sync.Mutex
	httpServer *HTTPServer
	channels   map[*wstduplex.Channel]struct{}
	chanTotal  int
}

// NewAgent loads or creates the host identity and returns a ready agent.
// When StatePath is set, the state file is created or refreshed so the
// identity survives restarts.
func NewAgent(lg logger.Logger, cfg *AgentConfig) (*Agent, error) {
	if cfg == nil {
		cfg = &AgentConfig{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time2.DefaultClock
	}

	var key *wstsig.Keypair
	var clients []*wstcred.EnrolledClient
	var err error

	if cfg.StatePath != "" {
		st, lerr := wstcred.LoadAgentState(cfg.StatePath, cfg.Passphrase)
		switch {
		case lerr == nil:
			clients = st.Clients
			if cfg.KeySeed == "" {
				key, err = wstsig.KeypairFromSeed(st.HostKeySeed)
				if err != nil {
					return nil, fmt.Errorf("agent state %s: %w", cfg.StatePath, err)
				}
			}
		case errors.Is(lerr, wstcred.ErrNotFound):
		default:
			return nil, lerr
		}
	}
	if key == nil {
		if cfg.KeySeed != "" {
			key, err = wstsig.NewKeypairFromSeedString(cfg.KeySeed)
		} else {
			key, err = wstsig.NewKeypair()
		}
		if err != nil {
			return nil, err
		}
	}

	enrollRate := cfg.EnrollRatePerMin
	if enrollRate <= 0 {
		enrollRate = defaultEnrollRate
	}
	enrollBurst := cfg.EnrollBurst
	if enrollBurst <= 0 {
		enrollBurst = defaultEnrollBurst
	}

	a := &Agent{
		lg:            lg.ForkLogStr("wst-agent"),
		key:           key,
		hostID:        wstsig.HostIDForKey(key.Public),
		statePath:     cfg.StatePath,
		passphrase:    cfg.Passphrase,
		clock:         clock,
		registry:      newClientRegistry(clients),
		enroll:        newEnrollState(0),
		enrollLimiter: newKeyedLimiter(enrollRate, enrollBurst, 0),
		replay:        wstsig.NewReplayGuard(clock, replayWindow),
		api:           cfg.API,
		chanHandler:   cfg.Channel,
		chanKeepAlive: cfg.ChannelKeepAlive,
		debug:         cfg.Debug,
		channels:      make(map[*wstduplex.Channel]struct{}),
	}
	a.Helper = asyncobj.NewHelper(a.lg, a)
	a.handler = a.buildHandler()
	if err := a.persistState(); err != nil {
		return nil, err
	}
	a.SetIsActivated()

	a.DLogf("agent identity %s, %d enrolled client(s)", a.hostID, a.registry.len())
	return a, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// tears down the HTTP server and any live channels.
func (a *Agent) HandleOnceShutdown(completionErr error) error {
	a.DLogf("HandleOnceShutdown")
	a.mu.Lock()
	hs := a.httpServer
	chans := make([]*wstduplex.Channel, 0, len(a.channels))
	for ch := range a.channels {
		chans = append(chans, ch)
	}
	a.mu.Unlock()

	if hs != nil {
		if err := hs.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	for _, ch := range chans {
		ch.StartShutdown(nil)
	}
	for _, ch := range chans {
		ch.WaitShutdown()
	}
	return completionErr
}

// Run binds addr and serves the agent's HTTP surface until ctx is
// cancelled or the agent is shut down.
func (a *Agent) Run(ctx context.Context, addr string) error {
	a.ShutdownOnContext(ctx)

	a.mu.Lock()
	if a.httpServer != nil {
		a.mu.Unlock()
		return errors.New("agent is already running")
	}
	hs := NewHTTPServer(a.lg)
	a.httpServer = hs
	a.mu.Unlock()

	a.ILogf("Host id %s", a.hostID)
	if n := a.registry.len(); n > 0 {
		a.ILogf("%d client key(s) enrolled", n)
	}
	a.ILogf("Listening on %s...", addr)

	err := hs.ListenAndServe(ctx, addr, a.handler)
	a.StartShutdown(err)
	return a.WaitShutdown()
}

func (a *Agent) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/enroll/start", a.handleEnrollStart)
	mux.HandleFunc("/enroll/finish", a.handleEnrollFinish)
	mux.HandleFunc("/tether/channel", a.handleChannel)
	if a.api != nil {
		mux.Handle("/api/", a.requireSignature(a.api))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	h := http.Handler(mux)
	if a.debug {
		h = requestlog.Wrap(h)
	}
	return h
}

// handleChannel upgrades a signed GET into a signed duplex channel bound
// to the authorizing signature.
func (a *Agent) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sig, client, err := a.verifySignedRequest(r, nil)
	if err != nil {
		a.DLogf("channel open rejected: %s", err)
		http.Error(w, "signature required", http.StatusUnauthorized)
		return
	}
	conn, err := wstduplex.Upgrade(w, r)
	if err != nil {
		a.DLogf("websocket upgrade failed: %s", err)
		return
	}
	ch, err := wstduplex.NewChannel(a.lg, conn, wstduplex.Config{
		SessionID: sig.SessionID,
		Nonce:     sig.Nonce,
		Key:       a.key,
		PeerKey:   client.VerifyKey,
		Handler:   a.chanHandler,
		KeepAlive: a.chanKeepAlive,
	})
	if err != nil {
		a.DLogf("channel setup failed: %s", err)
		conn.Close(0, "")
		return
	}
	a.trackChannel(ch, client)
}

func (a *Agent) trackChannel(ch *wstduplex.Channel, client *wstcred.EnrolledClient) {
	a.mu.Lock()
	a.channels[ch] = struct{}{}
	a.chanTotal++
	open, total := len(a.channels), a.chanTotal
	a.mu.Unlock()
	a.DLogf("channel open for %s [%d/%d]", client.KeyID, open, total)

	go func() {
		err := ch.WaitShutdown()
		a.mu.Lock()
		delete(a.channels, ch)
		open := len(a.channels)
		a.mu.Unlock()
		if err != nil {
			a.DLogf("channel for %s closed (error: %s) [%d/%d]", client.KeyID, err, open, total)
		} else {
			a.DLogf("channel for %s closed [%d/%d]", client.KeyID, open, total)
		}
	}()
}

// persistState writes the current identity and registry to the state
// file. A no-op for ephemeral agents.
func (a *Agent) persistState() error {
	if a.statePath == "" {
		return nil
	}
	st := &wstcred.AgentState{
		HostKeySeed: a.key.Seed(),
		Clients:     a.registry.snapshot(),
	}
	return wstcred.SaveAgentState(a.statePath, a.passphrase, st)
}

// HostID returns the agent's stable host identifier.
func (a *Agent) HostID() string {
	return a.hostID
}

// HostVerifyKey returns the public half of the host identity.
func (a *Agent) HostVerifyKey() ed25519.PublicKey {
	return a.key.Public
}

// Handler returns the agent's HTTP surface for embedders that bring
// their own listener.
func (a *Agent) Handler() http.Handler {
	return a.handler
}

// ListenAddr returns the bound listen address, or nil before Run has
// bound one.
func (a *Agent) ListenAddr() net.Addr {
	a.mu.Lock()
	hs := a.httpServer
	a.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Addr()
}

// EnrolledClients returns a snapshot of the registry ordered by key id.
func (a *Agent) EnrolledClients() []*wstcred.EnrolledClient {
	return a.registry.snapshot()
}

// RemoveClient revokes an enrolled client key and persists the change.
func (a *Agent) RemoveClient(keyID string) error {
	if !a.registry.remove(keyID) {
		return ErrUnknownClient
	}
	if err := a.persistState(); err != nil {
		return err
	}
	a.ILogf("removed client %s", keyID)
	return nil
}

// OpenChannels returns the number of live duplex channels.
func (a *Agent) OpenChannels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.channels)
}

// SetEnrollCode arms enrollment with the given pairing code, replacing
// any previous one, and returns the normalized form.
func (a *Agent) SetEnrollCode(code string) (string, error) {
	normalized, err := wstpake.NormalizeCode(code)
	if err != nil {
		return "", err
	}
	a.enroll.arm(normalized)
	a.DLogf("pairing code armed")
	return normalized, nil
}

// NewEnrollCode generates a fresh pairing code, arms enrollment with it,
// and returns it for display.
func (a *Agent) NewEnrollCode() (string, error) {
	code, err := wstpake.GenerateCode()
	if err != nil {
		return "", err
	}
	a.enroll.arm(code)
	a.DLogf("pairing code armed")
	return code, nil
}

// ClearEnrollCode disarms enrollment.
func (a *Agent) ClearEnrollCode() {
	a.enroll.disarm()
}
