package websocket

import "time"

// Connection is the subset of *websocket.Conn the pumps use, so tests can
// drive a client without a network.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

// Broadcaster sends a typed message to every connected client.
type Broadcaster interface {
	Broadcast(messageType string, data interface{})
}
