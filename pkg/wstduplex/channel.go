// Package wstduplex implements the signed duplex channel: a framed,
// strictly-sequenced envelope protocol layered over a raw duplex socket.
// Every frame in each direction carries a sequence number and an ed25519
// signature bound to the session id and nonce of the HTTP signature that
// authorized the channel open, so neither end can replay, reorder, or
// inject frames.
package wstduplex

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/wstether/pkg/wstsig"
)

const (
	closeCodeNormal        = 1000
	closeCodeProtocolError = 1002

	defaultSendQueueSize = 32
)

// signingContext owns a channel's signing state: the session id and nonce
// from the authorizing request signature plus the two sequence counters.
// Only the outbound worker touches outSeq and only the inbound worker
// touches inSeq; counters increase by exactly 1 per frame and are never
// reset.
type signingContext struct {
	sessionID string
	nonce     string
	key       *wstsig.Keypair
	peerKey   ed25519.PublicKey
	inSeq     uint64
	outSeq    uint64
}

func (sc *signingContext) signOutbound(ft FrameType, payload []byte) *Envelope {
	sc.outSeq++
	input := wstsig.FrameSigningInput(sc.sessionID, sc.nonce, sc.outSeq, string(ft), payload)
	return &Envelope{
		Version:   EnvelopeVersion,
		Seq:       sc.outSeq,
		Type:      ft,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(wstsig.SignFrame(sc.key, input)),
	}
}

func (sc *signingContext) verifyInbound(env *Envelope, payload, sig []byte) error {
	if env.Seq != sc.inSeq+1 {
		return protocolErrorf("frame seq %d does not follow %d", env.Seq, sc.inSeq)
	}
	input := wstsig.FrameSigningInput(sc.sessionID, sc.nonce, env.Seq, string(env.Type), payload)
	if !wstsig.VerifyFrame(sc.peerKey, input, sig) {
		return protocolErrorf("signature verification failed for frame %d", env.Seq)
	}
	sc.inSeq = env.Seq
	return nil
}

// FrameConn is the minimal framed-socket surface a Channel wraps. The
// production implementation is WSConn; tests use in-memory pairs.
type FrameConn interface {
	// ReadFrame returns the next whole wire frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes one whole wire frame.
	WriteFrame(data []byte) error

	// Close tears down the socket, conveying the given close code and
	// reason when the transport supports them.
	Close(code int, reason string) error
}

// Handler receives channel events. Callbacks run sequentially on the
// channel's inbound worker, in frame order; a callback that blocks stalls
// inbound processing.
type Handler interface {
	OnText(c *Channel, text string)
	OnBinary(c *Channel, payload []byte)
	OnClose(c *Channel, code int, reason string)
	OnError(c *Channel, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields ignore their
// event.
type HandlerFuncs struct {
	Text   func(c *Channel, text string)
	Binary func(c *Channel, payload []byte)
	Close  func(c *Channel, code int, reason string)
	Error  func(c *Channel, err error)
}

func (h *HandlerFuncs) OnText(c *Channel, text string) {
	if h.Text != nil {
		h.Text(c, text)
	}
}

func (h *HandlerFuncs) OnBinary(c *Channel, payload []byte) {
	if h.Binary != nil {
		h.Binary(c, payload)
	}
}

func (h *HandlerFuncs) OnClose(c *Channel, code int, reason string) {
	if h.Close != nil {
		h.Close(c, code, reason)
	}
}

func (h *HandlerFuncs) OnError(c *Channel, err error) {
	if h.Error != nil {
		h.Error(c, err)
	}
}

// Config carries the parameters for NewChannel. SessionID, Nonce, Key and
// PeerKey come from the request signature that authorized the opening
// handshake, binding the channel to that authenticated request.
type Config struct {
	SessionID string
	Nonce     string
	Key       *wstsig.Keypair
	PeerKey   ed25519.PublicKey

	// Handler receives channel events. If nil, events are discarded.
	Handler Handler

	// SendQueueSize bounds the outbound FIFO. 0 means 32.
	SendQueueSize int

	// KeepAlive, when positive, sends a ping frame each interval.
	KeepAlive time.Duration
}

type outboundFrame struct {
	ft      FrameType
	payload []byte
}

// Channel wraps a FrameConn with the signed envelope protocol while
// preserving the ordinary duplex-socket surface: Send/SendBinary/SendPing,
// CloseWithStatus, buffered-amount accounting, and open/close/error/message
// events. A single outbound worker consumes a FIFO queue so sequence
// numbers are issued in send-call order; a single inbound worker verifies
// and dispatches frames in arrival order.
type Channel struct {
	*asyncobj.Helper

	conn    FrameConn
	sc      *signingContext
	handler Handler
	stats   ChannelStats

	outq      chan outboundFrame
	done      chan struct{}
	errOnce   sync.Once
	keepAlive time.Duration

	buffered int64
	lastPong int64
}

// NewChannel wraps conn and starts the channel workers. The channel owns
// conn from here on and closes it on shutdown.
func NewChannel(lg logger.Logger, conn FrameConn, cfg Config) (*Channel, error) {
	if conn == nil {
		return nil, errors.New("a FrameConn is required")
	}
	if cfg.SessionID == "" || cfg.Nonce == "" {
		return nil, errors.New("the authorizing session id and nonce are required")
	}
	if cfg.Key == nil {
		return nil, errors.New("a signing keypair is required")
	}
	if len(cfg.PeerKey) != ed25519.PublicKeySize {
		return nil, errors.New("a peer verify key is required")
	}
	handler := cfg.Handler
	if handler == nil {
		handler = &HandlerFuncs{}
	}
	qsize := cfg.SendQueueSize
	if qsize <= 0 {
		qsize = defaultSendQueueSize
	}

	c := &Channel{
		conn: conn,
		sc: &signingContext{
			sessionID: cfg.SessionID,
			nonce:     cfg.Nonce,
			key:       cfg.Key,
			peerKey:   cfg.PeerKey,
		},
		handler:   handler,
		outq:      make(chan outboundFrame, qsize),
		done:      make(chan struct{}),
		keepAlive: cfg.KeepAlive,
	}
	c.Helper = asyncobj.NewHelper(lg.ForkLogStr("wst-channel"), c)
	c.SetIsActivated()

	go c.readLoop()
	go c.writeLoop()
	if c.keepAlive > 0 {
		go c.keepAliveLoop()
	}
	c.DLogf("channel open, session=%s", cfg.SessionID)
	return c, nil
}

// HandleOnceShutdown releases the workers and closes the underlying
// socket, conveying a protocol-error close code when the channel died of a
// protocol violation.
func (c *Channel) HandleOnceShutdown(completionErr error) error {
	close(c.done)
	code, reason := closeCodeNormal, ""
	if IsProtocolError(completionErr) {
		code, reason = closeCodeProtocolError, "protocol violation"
	}
	err := c.conn.Close(code, reason)
	if completionErr == nil {
		completionErr = err
	}
	c.DLogf("channel shut down (%s)", c.stats.String())
	return completionErr
}

// Send queues one text frame.
func (c *Channel) Send(text string) error {
	return c.enqueue(FrameText, []byte(text))
}

// SendBinary queues one binary frame. The payload is copied, so the caller
// may reuse p.
func (c *Channel) SendBinary(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	return c.enqueue(FrameBinary, buf)
}

// SendPing queues one ping frame.
func (c *Channel) SendPing() error {
	return c.enqueue(FramePing, nil)
}

// CloseWithStatus queues a close frame carrying the given status code and
// reason, then shuts the channel down once it has been written. Code 0
// with an empty reason closes without an explicit code.
func (c *Channel) CloseWithStatus(code int, reason string) error {
	return c.enqueue(FrameClose, EncodeClosePayload(code, reason))
}

// BufferedAmount returns the number of payload bytes queued but not yet
// written to the socket.
func (c *Channel) BufferedAmount() int64 {
	return atomic.LoadInt64(&c.buffered)
}

// LastPongAt returns the arrival time of the most recent pong frame, or
// the zero time if none has arrived.
func (c *Channel) LastPongAt() time.Time {
	ns := atomic.LoadInt64(&c.lastPong)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns a snapshot of the channel's frame and byte counters.
func (c *Channel) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Channel) enqueue(ft FrameType, payload []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.outq <- outboundFrame{ft: ft, payload: payload}:
		atomic.AddInt64(&c.buffered, int64(len(payload)))
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// abort surfaces err to the consumer exactly once and starts shutdown.
func (c *Channel) abort(err error) {
	c.errOnce.Do(func() {
		c.handler.OnError(c, err)
	})
	c.StartShutdown(err)
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.outq:
			if err := c.writeFrame(f); err != nil {
				if c.IsStartedShutdown() {
					return
				}
				c.abort(fmt.Errorf("channel write failed: %w", err))
				return
			}
			if f.ft == FrameClose {
				c.StartShutdown(nil)
				return
			}
		}
	}
}

func (c *Channel) writeFrame(f outboundFrame) error {
	defer atomic.AddInt64(&c.buffered, -int64(len(f.payload)))
	env := c.sc.signOutbound(f.ft, f.payload)
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.conn.WriteFrame(data); err != nil {
		return err
	}
	c.stats.addOut(len(f.payload))
	c.DLogf("sent %s frame seq=%d (%s)", f.ft, env.Seq, sizestr.ToString(int64(len(f.payload))))
	return nil
}

func (c *Channel) readLoop() {
	for {
		data, err := c.conn.ReadFrame()
		if err != nil {
			if c.IsStartedShutdown() {
				return
			}
			c.abort(fmt.Errorf("channel transport closed: %w", err))
			return
		}
		done, err := c.handleFrame(data)
		if err != nil {
			c.abort(err)
			return
		}
		if done {
			return
		}
	}
}

// handleFrame verifies and dispatches one inbound frame. done reports that
// the channel is finished (a close frame arrived).
func (c *Channel) handleFrame(data []byte) (done bool, err error) {
	env, payload, sig, err := DecodeEnvelope(data)
	if err != nil {
		return false, err
	}
	if err := c.sc.verifyInbound(env, payload, sig); err != nil {
		return false, err
	}
	c.stats.addIn(len(payload))
	c.DLogf("received %s frame seq=%d (%s)", env.Type, env.Seq, sizestr.ToString(int64(len(payload))))

	switch env.Type {
	case FrameText:
		if !utf8.Valid(payload) {
			return false, protocolErrorf("text frame payload is not valid UTF-8")
		}
		c.handler.OnText(c, string(payload))
	case FrameBinary:
		c.handler.OnBinary(c, payload)
	case FramePing:
		// answered for the peer; nothing is delivered to the consumer
		_ = c.enqueue(FramePong, payload)
	case FramePong:
		atomic.StoreInt64(&c.lastPong, time.Now().UnixNano())
	case FrameClose:
		code, reason, err := DecodeClosePayload(payload)
		if err != nil {
			return false, err
		}
		c.DLogf("peer closed channel: code=%d reason=%q", code, reason)
		c.handler.OnClose(c, code, reason)
		c.StartShutdown(nil)
		return true, nil
	default:
		return false, protocolErrorf("unhandled frame type %q", env.Type)
	}
	return false, nil
}

func (c *Channel) keepAliveLoop() {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.SendPing(); err != nil {
				return
			}
		}
	}
}
