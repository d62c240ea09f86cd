package lightstreamer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Transport is the duplex, text-framed channel the session driver
// owns. The core does not implement transports other than the default
// WS_STREAMING one (§1); this interface exists so tests can substitute
// an in-memory fake.
type Transport interface {
	// ReadFrame blocks until the next TLCP frame arrives, ctx is
	// cancelled, or the transport fails.
	ReadFrame(ctx context.Context) (string, error)
	// WriteFrame writes a single pre-serialized TLCP frame.
	WriteFrame(ctx context.Context, frame string) error
	Close() error
}

// TransportFactory dials a duplex text-frame transport for serverURL,
// attaching headers to the handshake request.
type TransportFactory func(serverURL string, headers http.Header) (Transport, error)

// defaultEndpointPath is appended to a bare server URL, per §6: the
// core does not parse URLs beyond splitting scheme/host/path.
const defaultEndpointPath = "/lightstreamer"

// DialWebSocket is the default TransportFactory, backed by
// gorilla/websocket.
func DialWebSocket(serverURL string, headers http.Header) (Transport, error) {
	u, err := resolveEndpoint(serverURL)
	if err != nil {
		return nil, newConfigError("invalid server URL %q: %v", serverURL, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), headers)
	if err != nil {
		return nil, newTransportError("dial failed", err)
	}

	t := &wsTransport{
		conn:    conn,
		frames:  make(chan string, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
	conn.SetPongHandler(t.handlePong)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

	go t.readLoop()
	go t.pingLoop()

	return t, nil
}

// resolveEndpoint splits scheme/host/path from serverURL, converts
// http(s) to ws(s), and defaults the path to /lightstreamer when the
// caller supplied a bare host.
func resolveEndpoint(serverURL string) (*url.URL, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a WebSocket URL
	default:
		return nil, errors.New("unsupported scheme: " + u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultEndpointPath
	}
	return u, nil
}

// wsTransport adapts a *websocket.Conn to Transport. Its read loop
// splits each inbound WS text message into its constituent TLCP frames
// (a single message can carry several back to back) and feeds them to
// a buffered channel that ReadFrame drains.
type wsTransport struct {
	conn *websocket.Conn

	frames  chan string
	readErr chan error

	closed    chan struct{}
	closeDone bool
}

func (t *wsTransport) readLoop() {
	defer close(t.frames)
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case t.readErr <- classifyReadError(err):
			default:
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		for _, f := range SplitFrames(data) {
			select {
			case t.frames <- f:
			case <-t.closed:
				return
			}
		}
	}
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		case <-t.closed:
			return
		}
	}
}

func (t *wsTransport) handlePong(string) error {
	return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
}

func (t *wsTransport) ReadFrame(ctx context.Context) (string, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			select {
			case err := <-t.readErr:
				return "", err
			default:
				return "", newTransportError("connection closed", nil)
			}
		}
		return f, nil
	case err := <-t.readErr:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.closed:
		return "", newTransportError("transport closed", nil)
	}
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame string) error {
	deadline := time.Now().Add(wsWriteWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return newTransportError("set write deadline", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, EncodeFrame(frame)); err != nil {
		return newTransportError("write failed", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	if t.closeDone {
		return nil
	}
	t.closeDone = true
	close(t.closed)
	return t.conn.Close()
}

// classifyReadError turns a gorilla/websocket read error into a
// TransportError, distinguishing a clean remote close from an
// abnormal one the way the teacher's handleReadError does.
func classifyReadError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newTransportError("network error", err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return newTransportError("connection closed by peer", err)
	}
	return newTransportError("unexpected close", err)
}
