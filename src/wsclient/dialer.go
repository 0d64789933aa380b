package wsclient

import (
	"context"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gridwatch/realtime/src/types"
)

// WebSocketDialer dials the hub's WebSocket endpoint with a bearer
// credential.
type WebSocketDialer struct {
	URL   string
	Token string
}

// Dial establishes one authenticated connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (types.Conn, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts fasthttp/websocket.Conn to types.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error { return w.conn.WriteJSON(v) }
func (w *wsConn) ReadJSON(v any) error  { return w.conn.ReadJSON(v) }
func (w *wsConn) Close() error          { return w.conn.Close() }

// Ping satisfies types.Pinger using a WebSocket control frame.
func (w *wsConn) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}
