package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

// Client is one side's signaling connection. Its channels plug directly into
// a booth Host or Guest loop.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger
	in     chan protocol.Message
	out    chan protocol.Message
}

// SignalURL builds the websocket URL for a room on an http(s) base URL.
func SignalURL(baseURL, roomID, userID string, role protocol.Role) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/signal/ws"
	q := u.Query()
	q.Set("roomId", roomID)
	q.Set("userId", userID)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the signaling endpoint of baseURL.
func Dial(ctx context.Context, baseURL, roomID, userID string, role protocol.Role, logger *zap.Logger) (*Client, error) {
	wsURL, err := SignalURL(baseURL, roomID, userID, role)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 4 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("signaling dial failed: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:   conn,
		logger: logger.Named("signal-client").With(zap.String("room_id", roomID), zap.String("user_id", userID)),
		in:     make(chan protocol.Message, 256),
		out:    make(chan protocol.Message, 256),
	}, nil
}

// Inbound yields parsed messages from the server. It is closed when the
// connection ends.
func (c *Client) Inbound() <-chan protocol.Message { return c.in }

// Outbound accepts messages to send.
func (c *Client) Outbound() chan<- protocol.Message { return c.out }

// Run pumps both directions until ctx is done or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		defer close(c.in)
		defer cancel()
		readErr <- c.readLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.conn.Close()
			select {
			case err := <-readErr:
				if err != nil && !IsClosed(err) {
					return err
				}
			case <-time.After(time.Second):
			}
			return nil
		case msg := <-c.out:
			data, err := protocol.Encode(msg)
			if err != nil {
				c.logger.Error("encode message", zap.String("type", string(msg.Kind())), zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.conn.Close()
				return fmt.Errorf("ws write: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.conn.SetReadLimit(maxReadSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("dropping unparseable message", zap.Error(err))
			continue
		}
		select {
		case c.in <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
