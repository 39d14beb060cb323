package common

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a gorilla websocket connection into the duplex
// message channel shape the multiplexer consumes. Only binary messages carry
// frames; anything else on the connection is discarded.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: conn}
}

// ReadMessage returns the next binary message. The returned buffer is freshly
// allocated per message and safe to retain.
func (ws *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		t, p, err := ws.Conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if t != websocket.BinaryMessage {
			continue
		}
		return p, nil
	}
}

// WriteMessage sends one binary message. Safe for concurrent use: gorilla
// only supports one writer at a time.
func (ws *WebSocketConn) WriteMessage(p []byte) error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.Conn.WriteMessage(websocket.BinaryMessage, p)
}

func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.Conn.Close()
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}
