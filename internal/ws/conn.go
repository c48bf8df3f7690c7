package ws

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const (
	maxMessageSize = 64 * 1024 // enough for SDP
	pingPeriod     = 20 * time.Second
	writeWait      = 10 * time.Second
)

// Client is one live websocket connection. The rooms and admitted sets are
// owned by the hub's dispatcher goroutine; nothing else may touch them.
type Client struct {
	ID   string
	Name string

	ws   *websocket.Conn
	send chan *Message

	rooms    map[string]struct{} // rooms this connection is a member of
	admitted map[string]struct{} // rooms the host approved this connection for
}

// Accept upgrades HTTP to websocket
func Accept(w http.ResponseWriter, r *http.Request, origins []string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  origins,
		CompressionMode: websocket.CompressionDisabled,
	})
}

// NewClient wraps a connection; ws may be nil for clients driven in-process
func NewClient(id string, ws *websocket.Conn, buffer int) *Client {
	if ws != nil {
		ws.SetReadLimit(maxMessageSize)
	}
	return &Client{
		ID:       id,
		ws:       ws,
		send:     make(chan *Message, buffer),
		rooms:    map[string]struct{}{},
		admitted: map[string]struct{}{},
	}
}

// Read blocks until it receives a text/binary message
// Returns false if connection is closed
func (c *Client) Read(ctx context.Context) ([]byte, bool) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, false
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, true
		}
	}
}

// WriteLoop sends outbound messages + periodic pings
// Exits when the hub closes the send queue or ctx is cancelled
func (c *Client) WriteLoop(ctx context.Context) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()

	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				_ = c.Close()
				return
			}
			b, err := encode(m)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err = c.ws.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the WS connection normally
func (c *Client) Close() error { return c.ws.Close(websocket.StatusNormalClosure, "bye") }

func (c *Client) inRoom(roomID string) bool {
	_, ok := c.rooms[roomID]
	return ok
}
