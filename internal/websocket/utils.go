package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// WriteTyped marshals v and sends it as a single text frame, bounding the
// write so a stalled client cannot block the sender.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(v)
}

// WriteError sends an ErrorResponse frame.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}
