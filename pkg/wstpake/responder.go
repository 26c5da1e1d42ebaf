package wstpake

// Responder runs the host side of one pairing attempt. Unlike the
// initiator it completes in a single step, since the initiator's message
// is already in hand when the responder is created.
type Responder struct {
	msgB []byte
	conf *Confirmation
}

// NewResponder derives the responder pake message and the shared key from
// the displayed enrollment code, the host id, and the initiator's message.
func NewResponder(code, hostID string, peerMsg []byte) (*Responder, error) {
	normalized, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	password := []byte(normalized)
	defer zeroBytes(password)

	pwScalar, err := derivePasswordScalar(password)
	if err != nil {
		return nil, err
	}
	peer, err := parseMessage(SideClient, peerMsg)
	if err != nil {
		return nil, err
	}
	y, err := randomScalar()
	if err != nil {
		return nil, err
	}
	msgB := encodeMessage(SideHost, blindedPoint(y, pwScalar, genN))
	shared, err := sharedPoint(y, pwScalar, peer, genM)
	if err != nil {
		return nil, err
	}
	key := transcriptHash(password, []byte(ClientIdentity), []byte(hostID), peerMsg[1:], msgB[1:], shared)
	conf, err := newConfirmation(key)
	if err != nil {
		return nil, err
	}
	return &Responder{msgB: msgB, conf: conf}, nil
}

// Message returns the responder pake message to send back to the client.
func (r *Responder) Message() []byte {
	return append([]byte(nil), r.msgB...)
}

// Confirmation returns the key-confirmation state for proof exchange.
func (r *Responder) Confirmation() *Confirmation {
	return r.conf
}
