package wstduplex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/wstether/pkg/wstsig"
)

// ProtocolName is the websocket subprotocol spoken over the tunnel. Both
// ends must offer and agree on it.
const ProtocolName = "wstether-v1"

const closeGraceTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{ProtocolName},
}

// WSConn adapts a gorilla websocket connection to FrameConn. Envelopes
// travel as whole text messages.
type WSConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// ReadFrame returns the next websocket message.
func (w *WSConn) ReadFrame() ([]byte, error) {
	_, p, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WriteFrame writes one websocket text message.
func (w *WSConn) WriteFrame(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a websocket close frame carrying code and reason, then tears
// down the connection. Safe to call more than once.
func (w *WSConn) Close(code int, reason string) error {
	w.closeOnce.Do(func() {
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(closeGraceTimeout)
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// Dial opens a websocket to wsURL, attaching sig's signature headers to
// the handshake request.
func Dial(ctx context.Context, wsURL string, sig *wstsig.RequestSignature) (*WSConn, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{ProtocolName},
	}
	h := http.Header{}
	sig.Attach(h)
	conn, resp, err := d.DialContext(ctx, wsURL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed: %s: %w", wsURL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", wsURL, err)
	}
	if conn.Subprotocol() != ProtocolName {
		_ = conn.Close()
		return nil, fmt.Errorf("peer did not accept subprotocol %q", ProtocolName)
	}
	return NewWSConn(conn), nil
}

// Upgrade accepts an inbound websocket request and wraps it as a
// FrameConn. The caller verifies the request's signature headers before
// upgrading.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if conn.Subprotocol() != ProtocolName {
		_ = conn.Close()
		return nil, fmt.Errorf("client did not offer subprotocol %q", ProtocolName)
	}
	return NewWSConn(conn), nil
}

// WebsocketURL rebases an http(s) URL onto the matching ws(s) scheme.
func WebsocketURL(u *url.URL) *url.URL {
	w := *u
	switch w.Scheme {
	case "http":
		w.Scheme = "ws"
	case "https":
		w.Scheme = "wss"
	}
	return &w
}
