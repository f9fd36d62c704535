package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/webpilot/internal/identity"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/shared"
)

// Conn is one open session channel.
type Conn interface {
	Read(ctx context.Context) (protocol.Message, error)
	Write(ctx context.Context, msg protocol.Message) error
	Close(reason string) error
}

// Dialer opens session channels.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// WebSocketDialer dials the deciding side's websocket endpoint.
type WebSocketDialer struct {
	// BaseURL is the server address, e.g. http://localhost:8080.
	BaseURL string
	// Role is sent as the role query parameter; defaults to executor.
	Role string
	// HTTPClient is optional.
	HTTPClient *http.Client
}

// Endpoint returns the websocket URL for sessionID.
func (d *WebSocketDialer) Endpoint(sessionID string) (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/sessions/" + url.PathEscape(sessionID)
	role := d.Role
	if role == "" {
		role = "executor"
	}
	u.RawQuery = url.Values{"role": {role}}.Encode()
	return u.String(), nil
}

// Dial opens a websocket for sessionID.
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	endpoint, err := d.Endpoint(sessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(identity.SessionHeaderName, sessionID)

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(4 << 20)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (protocol.Message, error) {
	var msg protocol.Message
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: malformed frame: %v", shared.ErrProtocol, err)
	}
	return msg, nil
}

func (c *wsConn) Write(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
