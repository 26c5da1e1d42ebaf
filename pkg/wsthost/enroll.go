package wsthost

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/sammck-go/wstether/pkg/wstpake"
	"github.com/sammck-go/wstether/pkg/wstsig"
	"github.com/tomasen/realip"
)

// Enrollment wire shapes, shared by the agent endpoints and the pairing
// initiator (see Pair).

// EnrollStartRequest opens a pairing attempt with the initiator's pake
// message.
type EnrollStartRequest struct {
	ClientMsgB64 string `json:"client_msg_b64"`
}

// EnrollStartResponse carries the responder pake message and the id the
// initiator must present at finish.
type EnrollStartResponse struct {
	HostID       string `json:"host_id"`
	EnrollmentID string `json:"enrollment_id"`
	ServerMsgB64 string `json:"server_msg_b64"`
}

// EnrollFinishRequest presents the initiator's key-confirmation proof and
// the verify key it wants enrolled.
type EnrollFinishRequest struct {
	EnrollmentID   string `json:"enrollment_id"`
	ClientProofB64 string `json:"client_proof_b64"`
	ClientKeyB64   string `json:"client_key_b64"`
}

// EnrollFinishResponse carries the responder's proof and the host verify
// key the client should pin.
type EnrollFinishResponse struct {
	ServerProofB64 string `json:"server_proof_b64"`
	HostKeyB64     string `json:"host_key_b64"`
}

const defaultEnrollTTL = 2 * time.Minute

const maxEnrollBody = 64 << 10

// enrollSession is one in-flight pake exchange, created by start and
// removed by finish or expiry.
type enrollSession struct {
	id      uuid.UUID
	conf    *wstpake.Confirmation
	expires time.Time
}

// enrollState guards the single active pairing code and the sessions
// opened under it.
type enrollState struct {
	mu       sync.Mutex
	code     string
	sessions map[uuid.UUID]*enrollSession
	ttl      time.Duration
}

func newEnrollState(ttl time.Duration) *enrollState {
	if ttl <= 0 {
		ttl = defaultEnrollTTL
	}
	return &enrollState{
		sessions: make(map[uuid.UUID]*enrollSession),
		ttl:      ttl,
	}
}

// arm replaces the active pairing code. Sessions opened under a previous
// code are invalidated.
func (e *enrollState) arm(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.code = code
	e.sessions = make(map[uuid.UUID]*enrollSession)
}

// disarm clears the active code and drops all open sessions.
func (e *enrollState) disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.code = ""
	e.sessions = make(map[uuid.UUID]*enrollSession)
}

func (e *enrollState) activeCode() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.code, e.code != ""
}

func (e *enrollState) put(s *enrollSession, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, old := range e.sessions {
		if now.After(old.expires) {
			delete(e.sessions, id)
		}
	}
	e.sessions[s.id] = s
}

// take removes and returns the session for id. Expired sessions are
// reported as absent.
func (e *enrollState) take(id uuid.UUID, now time.Time) (*enrollSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, false
	}
	delete(e.sessions, id)
	if now.After(s.expires) {
		return nil, false
	}
	return s, true
}

// enrollFailed is the uniform rejection. Every enrollment failure looks
// alike to the caller so responses cannot be used as a guessing oracle.
func enrollFailed(w http.ResponseWriter) {
	http.Error(w, "enrollment failed", http.StatusForbidden)
}

func (a *Agent) handleEnrollStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.enrollLimiter.allow(realip.FromRequest(r), a.clock.Now()) {
		http.Error(w, "too many enrollment attempts", http.StatusTooManyRequests)
		return
	}
	var req EnrollStartRequest
	if err := readJSONBody(w, r, &req); err != nil {
		a.DLogf("enroll start: bad request body: %s", err)
		enrollFailed(w)
		return
	}
	clientMsg, err := base64.StdEncoding.DecodeString(req.ClientMsgB64)
	if err != nil {
		a.DLogf("enroll start: bad message encoding: %s", err)
		enrollFailed(w)
		return
	}
	code, ok := a.enroll.activeCode()
	if !ok {
		a.DLogf("enroll start: no active pairing code")
		enrollFailed(w)
		return
	}
	resp, err := wstpake.NewResponder(code, a.hostID, clientMsg)
	if err != nil {
		a.DLogf("enroll start: %s", err)
		enrollFailed(w)
		return
	}
	s := &enrollSession{
		id:      uuid.New(),
		conf:    resp.Confirmation(),
		expires: a.clock.Now().Add(a.enroll.ttl),
	}
	a.enroll.put(s, a.clock.Now())
	a.DLogf("enroll start: opened session %s", s.id)
	writeJSON(w, &EnrollStartResponse{
		HostID:       a.hostID,
		EnrollmentID: s.id.String(),
		ServerMsgB64: base64.StdEncoding.EncodeToString(resp.Message()),
	})
}

func (a *Agent) handleEnrollFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.enrollLimiter.allow(realip.FromRequest(r), a.clock.Now()) {
		http.Error(w, "too many enrollment attempts", http.StatusTooManyRequests)
		return
	}
	var req EnrollFinishRequest
	if err := readJSONBody(w, r, &req); err != nil {
		a.DLogf("enroll finish: bad request body: %s", err)
		enrollFailed(w)
		return
	}
	id, err := uuid.Parse(req.EnrollmentID)
	if err != nil {
		a.DLogf("enroll finish: bad enrollment id: %s", err)
		enrollFailed(w)
		return
	}
	proof, err := base64.StdEncoding.DecodeString(req.ClientProofB64)
	if err != nil {
		a.DLogf("enroll finish: bad proof encoding: %s", err)
		enrollFailed(w)
		return
	}
	clientKey, err := base64.StdEncoding.DecodeString(req.ClientKeyB64)
	if err != nil || len(clientKey) != ed25519.PublicKeySize {
		a.DLogf("enroll finish: bad client key")
		enrollFailed(w)
		return
	}
	s, ok := a.enroll.take(id, a.clock.Now())
	if !ok {
		a.DLogf("enroll finish: unknown or expired session %s", id)
		enrollFailed(w)
		return
	}

	// The finish verdict consumes the active code either way, so a code
	// cannot be guessed at twice.
	a.enroll.disarm()

	if err := s.conf.VerifyClientProof(proof, s.id, clientKey); err != nil {
		a.DLogf("enroll finish: session %s: %s", s.id, err)
		enrollFailed(w)
		return
	}

	client := &wstcred.EnrolledClient{
		KeyID:      wstsig.KeyID(clientKey),
		VerifyKey:  ed25519.PublicKey(clientKey),
		EnrolledAt: a.clock.Now(),
	}
	a.registry.add(client)
	if err := a.persistState(); err != nil {
		a.WLogf("failed to persist enrolled client %s: %s", client.KeyID, err)
	}
	a.ILogf("enrolled client %s", client.KeyID)

	writeJSON(w, &EnrollFinishResponse{
		ServerProofB64: base64.StdEncoding.EncodeToString(s.conf.HostProof(s.id, a.key.Public, clientKey)),
		HostKeyB64:     base64.StdEncoding.EncodeToString(a.key.Public),
	})
}

func readJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnrollBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
