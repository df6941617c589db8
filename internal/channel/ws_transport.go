package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultPath is the websocket endpoint served by the relay
const DefaultPath = "/ws"

// UserHeader carries the session's user id on the websocket handshake
const UserHeader = "X-Posesync-User"

// WSTransport dials the peer over a websocket carrying JSON text frames
type WSTransport struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// NewWSTransport creates a transport for serverURL. http(s) URLs are
// converted to ws(s), and an empty path selects DefaultPath.
func NewWSTransport(serverURL string, dialTimeout time.Duration, logger zerolog.Logger) (*WSTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}

	dialer := *websocket.DefaultDialer
	if dialTimeout > 0 {
		dialer.HandshakeTimeout = dialTimeout
	}

	return &WSTransport{
		URL:          u.String(),
		Dialer:       &dialer,
		WriteTimeout: 5 * time.Second,
		Logger:       logger.With().Str("component", "channel-ws").Logger(),
	}, nil
}

// Dial implements Transport
func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	t.Logger.Info().Str("url", t.URL).Msg("Connecting to peer")
	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &wsConn{conn: conn, writeTimeout: t.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func (c *wsConn) Write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *wsConn) Read() (Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return Envelope{}, fmt.Errorf("read: %w", err)
	}
	return env, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with Write
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
