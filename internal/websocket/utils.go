package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// ReadWait bounds how long a peer may stay silent. Heartbeats keep healthy peers under it.
	ReadWait = 60 * time.Second
)

// WriteEnvelope sends one frame with a write deadline.
func WriteEnvelope(conn *websocket.Conn, env Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// ReadEnvelope reads and decodes one frame, refreshing the read deadline.
func ReadEnvelope(conn *websocket.Conn) (Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(ReadWait))
	var env Envelope
	err := conn.ReadJSON(&env)
	return env, err
}
