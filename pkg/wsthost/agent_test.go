package wsthost

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/sammck-go/wstether/pkg/wstduplex"
	"github.com/sammck-go/wstether/pkg/wstpake"
	"github.com/sammck-go/wstether/pkg/wstsig"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// newTestAgent builds an agent with enrollment limits loose enough for
// tests that pair repeatedly. Tests of the limiter itself pass explicit
// limits.
func newTestAgent(t *testing.T, cfg *AgentConfig) *Agent {
	t.Helper()
	if cfg == nil {
		cfg = &AgentConfig{}
	}
	if cfg.EnrollRatePerMin == 0 {
		cfg.EnrollRatePerMin = 600
	}
	if cfg.EnrollBurst == 0 {
		cfg.EnrollBurst = 100
	}
	a, err := NewAgent(testLogger(t), cfg)
	if err != nil {
		t.Fatalf("NewAgent() returned error: %s", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func pairViaServer(t *testing.T, a *Agent, ts *httptest.Server) *wstcred.PairedHost {
	t.Helper()
	code, err := a.NewEnrollCode()
	if err != nil {
		t.Fatalf("NewEnrollCode() returned error: %s", err)
	}
	ph, err := Pair(context.Background(), ts.Client(), ts.URL, code)
	if err != nil {
		t.Fatalf("Pair() returned error: %s", err)
	}
	return ph
}

// echoAPI answers signed requests with "<caller key id>:<body>".
func echoAPI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := ClientFromContext(r.Context())
		if !ok {
			http.Error(w, "no client info", http.StatusInternalServerError)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "%s:%s", info.Client.KeyID, body)
	})
}

func signedRequest(t *testing.T, kp *wstsig.Keypair, method, rawurl, signPath string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawurl, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("http.NewRequest() returned error: %s", err)
	}
	sig := wstsig.SignRequest(kp, "sess-test", method, signPath, body, time.Now())
	sig.Attach(req.Header)
	return req
}

func TestEnrollmentRoundTrip(t *testing.T) {
	a := newTestAgent(t, nil)
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	ph := pairViaServer(t, a, ts)

	if ph.HostID != a.HostID() {
		t.Fatalf("paired host id %s, expected %s", ph.HostID, a.HostID())
	}
	if !ph.HostVerifyKey.Equal(a.HostVerifyKey()) {
		t.Fatalf("paired host verify key does not match the agent key")
	}
	clients := a.EnrolledClients()
	if len(clients) != 1 {
		t.Fatalf("agent has %d enrolled clients, expected 1", len(clients))
	}
	if clients[0].KeyID != wstsig.KeyID(ph.Keypair.Public) {
		t.Fatalf("enrolled key id %s, expected %s", clients[0].KeyID, wstsig.KeyID(ph.Keypair.Public))
	}
}

func TestEnrollmentRequiresActiveCode(t *testing.T) {
	a := newTestAgent(t, nil)
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	_, err := Pair(context.Background(), ts.Client(), ts.URL, "ABC123")
	if err == nil {
		t.Fatalf("pairing succeeded with no armed code")
	}
	if !strings.Contains(err.Error(), "enrollment failed") {
		t.Fatalf("Pair() returned %q, expected the uniform rejection", err)
	}
}

func TestEnrollmentWrongCodeConsumesCode(t *testing.T) {
	a := newTestAgent(t, nil)
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	ctx := context.Background()

	code, err := a.SetEnrollCode("ABC123")
	if err != nil {
		t.Fatalf("SetEnrollCode() returned error: %s", err)
	}
	if _, err := Pair(ctx, ts.Client(), ts.URL, "ABC124"); err == nil {
		t.Fatalf("pairing with the wrong code succeeded")
	}

	// The failed guess burned the code.
	if _, err := Pair(ctx, ts.Client(), ts.URL, code); err == nil {
		t.Fatalf("pairing succeeded with a consumed code")
	}

	code2, err := a.NewEnrollCode()
	if err != nil {
		t.Fatalf("NewEnrollCode() returned error: %s", err)
	}
	if _, err := Pair(ctx, ts.Client(), ts.URL, code2); err != nil {
		t.Fatalf("Pair() with a fresh code returned error: %s", err)
	}
	if got := len(a.EnrolledClients()); got != 1 {
		t.Fatalf("agent has %d enrolled clients, expected 1", got)
	}
}

func TestEnrollmentSessionExpiry(t *testing.T) {
	clock := time2.NewMockClock(time.Now())
	a := newTestAgent(t, &AgentConfig{Clock: clock})
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	ctx := context.Background()

	code, err := a.NewEnrollCode()
	if err != nil {
		t.Fatalf("NewEnrollCode() returned error: %s", err)
	}
	enr, err := wstpake.NewEnrollment(code)
	if err != nil {
		t.Fatalf("wstpake.NewEnrollment() returned error: %s", err)
	}

	var start EnrollStartResponse
	err = postJSON(ctx, ts.Client(), ts.URL+"/enroll/start",
		&EnrollStartRequest{ClientMsgB64: b64(enr.Message())}, &start)
	if err != nil {
		t.Fatalf("enroll start returned error: %s", err)
	}
	serverMsg, err := base64.StdEncoding.DecodeString(start.ServerMsgB64)
	if err != nil {
		t.Fatalf("bad server message encoding: %s", err)
	}
	conf, err := enr.Finish(start.HostID, serverMsg)
	if err != nil {
		t.Fatalf("Finish() returned error: %s", err)
	}
	eid, err := uuid.Parse(start.EnrollmentID)
	if err != nil {
		t.Fatalf("bad enrollment id: %s", err)
	}

	clock.Advance(3 * time.Minute)

	kp, err := wstsig.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() returned error: %s", err)
	}
	var finish EnrollFinishResponse
	err = postJSON(ctx, ts.Client(), ts.URL+"/enroll/finish",
		&EnrollFinishRequest{
			EnrollmentID:   start.EnrollmentID,
			ClientProofB64: b64(conf.ClientProof(eid, kp.Public)),
			ClientKeyB64:   b64(kp.Public),
		}, &finish)
	if err == nil {
		t.Fatalf("finish succeeded on an expired session")
	}
	if !strings.Contains(err.Error(), "enrollment failed") {
		t.Fatalf("expired finish returned %q, expected the uniform rejection", err)
	}

	// Expiry is not a guess, so the code survives for a fresh attempt.
	if _, err := Pair(ctx, ts.Client(), ts.URL, code); err != nil {
		t.Fatalf("Pair() after an expired session returned error: %s", err)
	}
}

func TestEnrollmentRateLimited(t *testing.T) {
	a := newTestAgent(t, &AgentConfig{EnrollRatePerMin: 3, EnrollBurst: 3})
	h := a.Handler()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/enroll/start", strings.NewReader(`{"client_msg_b64":""}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d returned %d, expected %d", i+1, rec.Code, http.StatusForbidden)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/enroll/start", strings.NewReader(`{"client_msg_b64":""}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth attempt returned %d, expected %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestSignedAPIRoundTrip(t *testing.T) {
	a := newTestAgent(t, &AgentConfig{API: echoAPI()})
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	ph := pairViaServer(t, a, ts)

	body := []byte(`{"op":"inc"}`)
	req := signedRequest(t, ph.Keypair, http.MethodPost, ts.URL+"/api/echo?x=1", "/api/echo?x=1", body)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("signed request returned error: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed request returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response returned error: %s", err)
	}
	want := wstsig.KeyID(ph.Keypair.Public) + ":" + string(body)
	if string(data) != want {
		t.Fatalf("response body %q, expected %q", data, want)
	}
}

func TestSignedAPIRejections(t *testing.T) {
	a := newTestAgent(t, &AgentConfig{API: echoAPI()})
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	ph := pairViaServer(t, a, ts)

	expectStatus := func(req *http.Request, want int, what string) {
		t.Helper()
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: request returned error: %s", what, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: returned status %d, expected %d", what, resp.StatusCode, want)
		}
	}

	// No signature headers at all.
	bare, err := http.NewRequest(http.MethodPost, ts.URL+"/api/echo", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("http.NewRequest() returned error: %s", err)
	}
	expectStatus(bare, http.StatusUnauthorized, "unsigned request")

	// Signed with a key the agent never enrolled.
	rogue, err := wstsig.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() returned error: %s", err)
	}
	expectStatus(signedRequest(t, rogue, http.MethodPost, ts.URL+"/api/echo", "/api/echo", []byte("{}")),
		http.StatusUnauthorized, "unknown key")

	// Body swapped after signing.
	tampered, err := http.NewRequest(http.MethodPost, ts.URL+"/api/echo", strings.NewReader(`{"op":"dec"}`))
	if err != nil {
		t.Fatalf("http.NewRequest() returned error: %s", err)
	}
	sig := wstsig.SignRequest(ph.Keypair, "sess-test", http.MethodPost, "/api/echo", []byte(`{"op":"inc"}`), time.Now())
	sig.Attach(tampered.Header)
	expectStatus(tampered, http.StatusUnauthorized, "tampered body")

	// Same signature presented twice.
	first := signedRequest(t, ph.Keypair, http.MethodPost, ts.URL+"/api/echo", "/api/echo", []byte("{}"))
	replay, err := http.NewRequest(http.MethodPost, ts.URL+"/api/echo", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("http.NewRequest() returned error: %s", err)
	}
	replay.Header = first.Header.Clone()
	expectStatus(first, http.StatusOK, "original request")
	expectStatus(replay, http.StatusUnauthorized, "replayed request")

	// Signature timestamp outside the freshness window.
	stale, err := http.NewRequest(http.MethodPost, ts.URL+"/api/echo", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("http.NewRequest() returned error: %s", err)
	}
	staleSig := wstsig.SignRequest(ph.Keypair, "sess-test", http.MethodPost, "/api/echo", []byte("{}"), time.Now().Add(-10*time.Minute))
	staleSig.Attach(stale.Header)
	expectStatus(stale, http.StatusUnauthorized, "stale timestamp")
}

func TestChannelOverWebsocket(t *testing.T) {
	echo := &wstduplex.HandlerFuncs{
		Text: func(c *wstduplex.Channel, text string) {
			if err := c.Send("echo:" + text); err != nil {
				t.Errorf("echo Send() returned error: %s", err)
			}
		},
	}
	a := newTestAgent(t, &AgentConfig{Channel: echo})
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	ph := pairViaServer(t, a, ts)

	base, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("url.Parse() returned error: %s", err)
	}
	wsu := wstduplex.WebsocketURL(base)
	wsu.Path = "/tether/channel"

	sig := wstsig.SignRequest(ph.Keypair, "sess-chan", http.MethodGet, "/tether/channel", nil, time.Now())
	conn, err := wstduplex.Dial(context.Background(), wsu.String(), sig)
	if err != nil {
		t.Fatalf("wstduplex.Dial() returned error: %s", err)
	}

	texts := make(chan string, 16)
	ch, err := wstduplex.NewChannel(testLogger(t), conn, wstduplex.Config{
		SessionID: sig.SessionID,
		Nonce:     sig.Nonce,
		Key:       ph.Keypair,
		PeerKey:   ph.HostVerifyKey,
		Handler: &wstduplex.HandlerFuncs{
			Text: func(c *wstduplex.Channel, text string) { texts <- text },
		},
	})
	if err != nil {
		t.Fatalf("NewChannel() returned error: %s", err)
	}

	if err := ch.Send("ping"); err != nil {
		t.Fatalf("Send() returned error: %s", err)
	}
	select {
	case text := <-texts:
		if text != "echo:ping" {
			t.Fatalf("received %q, expected %q", text, "echo:ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the echo")
	}

	if err := ch.CloseWithStatus(1000, "done"); err != nil {
		t.Fatalf("CloseWithStatus() returned error: %s", err)
	}
	if err := ch.WaitShutdown(); err != nil {
		t.Fatalf("WaitShutdown() returned error: %s", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.OpenChannels() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("agent still reports %d open channel(s)", a.OpenChannels())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChannelRequiresSignature(t *testing.T) {
	a := newTestAgent(t, nil)
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/tether/channel")
	if err != nil {
		t.Fatalf("GET returned error: %s", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned channel open returned %d, expected %d", resp.StatusCode, http.StatusUnauthorized)
	}

	rogue, err := wstsig.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() returned error: %s", err)
	}
	req := signedRequest(t, rogue, http.MethodGet, ts.URL+"/tether/channel", "/tether/channel", nil)
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("signed GET returned error: %s", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown-key channel open returned %d, expected %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRemoveClientRevokesAccess(t *testing.T) {
	a := newTestAgent(t, &AgentConfig{API: echoAPI()})
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	ph := pairViaServer(t, a, ts)
	keyID := wstsig.KeyID(ph.Keypair.Public)

	req := signedRequest(t, ph.Keypair, http.MethodPost, ts.URL+"/api/echo", "/api/echo", []byte("{}"))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("signed request returned error: %s", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed request returned status %d before revocation", resp.StatusCode)
	}

	if err := a.RemoveClient(keyID); err != nil {
		t.Fatalf("RemoveClient() returned error: %s", err)
	}
	req = signedRequest(t, ph.Keypair, http.MethodPost, ts.URL+"/api/echo", "/api/echo", []byte("{}"))
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("signed request returned error: %s", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key returned status %d, expected %d", resp.StatusCode, http.StatusUnauthorized)
	}

	if err := a.RemoveClient(keyID); err != ErrUnknownClient {
		t.Fatalf("RemoveClient() on a revoked key returned %v, expected ErrUnknownClient", err)
	}
}

func TestAgentStatePersistence(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "agent-state.json")

	a1 := newTestAgent(t, &AgentConfig{StatePath: statePath, Passphrase: "hunter2"})
	ts := httptest.NewServer(a1.Handler())
	ph := pairViaServer(t, a1, ts)
	ts.Close()
	hostID := a1.HostID()
	if err := a1.Close(); err != nil {
		t.Fatalf("Close() returned error: %s", err)
	}

	a2 := newTestAgent(t, &AgentConfig{StatePath: statePath, Passphrase: "hunter2", API: echoAPI()})
	if a2.HostID() != hostID {
		t.Fatalf("restarted agent has host id %s, expected %s", a2.HostID(), hostID)
	}
	clients := a2.EnrolledClients()
	if len(clients) != 1 || clients[0].KeyID != wstsig.KeyID(ph.Keypair.Public) {
		t.Fatalf("restarted agent lost the enrolled client")
	}

	ts2 := httptest.NewServer(a2.Handler())
	defer ts2.Close()
	req := signedRequest(t, ph.Keypair, http.MethodPost, ts2.URL+"/api/echo", "/api/echo", []byte("{}"))
	resp, err := ts2.Client().Do(req)
	if err != nil {
		t.Fatalf("signed request returned error: %s", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restarted agent rejected the enrolled key with status %d", resp.StatusCode)
	}
}

func TestHostIdentityFromSeed(t *testing.T) {
	a1 := newTestAgent(t, &AgentConfig{KeySeed: "dev-host-1"})
	a2 := newTestAgent(t, &AgentConfig{KeySeed: "dev-host-1"})
	a3 := newTestAgent(t, &AgentConfig{KeySeed: "dev-host-2"})

	if a1.HostID() != a2.HostID() {
		t.Fatalf("same seed produced host ids %s and %s", a1.HostID(), a2.HostID())
	}
	if a1.HostID() == a3.HostID() {
		t.Fatalf("distinct seeds produced the same host id")
	}
}

func TestAgentRunServesAndShutsDown(t *testing.T) {
	a := newTestAgent(t, nil)
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), "127.0.0.1:0") }()

	var addr net.Addr
	deadline := time.Now().Add(5 * time.Second)
	for addr == nil {
		if time.Now().After(deadline) {
			t.Fatalf("agent did not start listening")
		}
		addr = a.ListenAddr()
		if addr == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}

	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("GET /health returned error: %s", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("reading health response returned error: %s", err)
	}
	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Fatalf("GET /health returned %d %q", resp.StatusCode, body)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() returned error: %s", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not return after Close()")
	}
}
