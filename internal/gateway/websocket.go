package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// WebSocketSubprotocol is negotiated on every MCP websocket connection.
const WebSocketSubprotocol = "mcp"

const (
	wsHandshakeTimeout = 30 * time.Second
	wsCloseGrace       = time.Second
)

// WebSocketTransport is an mcp.Transport that exchanges one JSON-RPC
// message per websocket text frame.
type WebSocketTransport struct {
	URL    string
	Header http.Header
	// Dialer overrides the default dialer. Its Subprotocols are replaced.
	Dialer *websocket.Dialer
}

// Connect dials the server.
func (t *WebSocketTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if t.Dialer != nil {
		dialer = *t.Dialer
	}
	dialer.Subprotocols = []string{WebSocketSubprotocol}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", t.URL, err)
	}
	if conn.Subprotocol() != WebSocketSubprotocol {
		conn.Close()
		return nil, fmt.Errorf("websocket dial %s: server did not accept subprotocol %q", t.URL, WebSocketSubprotocol)
	}
	return newWSConnection(conn), nil
}

// AcceptedWebSocket wraps a server-side websocket so an mcp.Server can be
// connected over it.
type AcceptedWebSocket struct {
	Conn *websocket.Conn
}

// Connect returns the wrapped connection.
func (t *AcceptedWebSocket) Connect(context.Context) (mcp.Connection, error) {
	return newWSConnection(t.Conn), nil
}

type wsRead struct {
	msg jsonrpc.Message
	err error
}

// wsConnection adapts a websocket to mcp.Connection. A single goroutine owns
// reads; writes are serialized by writeMu.
type wsConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	incoming  chan wsRead
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newWSConnection(conn *websocket.Conn) *wsConnection {
	c := &wsConnection{
		conn:     conn,
		incoming: make(chan wsRead),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConnection) readLoop() {
	defer close(c.incoming)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			select {
			case c.incoming <- wsRead{err: err}:
			case <-c.done:
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			err = fmt.Errorf("decode websocket message: %w", err)
		}
		select {
		case c.incoming <- wsRead{msg: msg, err: err}:
		case <-c.done:
			return
		}
	}
}

func (c *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case r, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return r.msg, r.err
	}
}

func (c *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode websocket message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return errors.New("websocket connection closed")
	default:
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseGrace))

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// SessionID is empty; websocket connections carry no MCP session header.
func (c *wsConnection) SessionID() string { return "" }
