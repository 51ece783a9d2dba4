package channel

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// wsSocket adapts a gorilla websocket connection to the Socket contract.
// The dial and the read loop both run on background goroutines; outcomes are
// reported through the handler slots only.
type wsSocket struct {
	header http.Header

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

// NewWebSocketDialer returns a Dialer backed by gorilla/websocket. The header
// is sent with every handshake (e.g. an Authorization bearer token).
func NewWebSocketDialer(header http.Header) Dialer {
	return func(url string, h SocketHandlers) (Socket, error) {
		s := &wsSocket{header: header}
		go s.dial(url, h)
		return s, nil
	}
}

func (s *wsSocket) dial(url string, h SocketHandlers) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.Dial(url, s.header)
	if err != nil {
		if resp != nil {
			slog.Error("ws: connection failed", "status", resp.StatusCode, "error", err)
		} else {
			slog.Error("ws: connection failed", "error", err)
		}
		if h.OnError != nil {
			h.OnError(err)
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if h.OnOpen != nil {
		h.OnOpen()
	}

	s.readLoop(conn, h)
}

func (s *wsSocket) readLoop(conn *websocket.Conn, h SocketHandlers) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("ws: read error", "error", err)
			}

			s.mu.Lock()
			wasClosed := s.closed
			s.closed = true
			s.conn = nil
			s.mu.Unlock()
			conn.Close()

			if !wasClosed && h.OnClose != nil {
				code := websocket.CloseAbnormalClosure
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
				}
				h.OnClose(code, err.Error())
			}
			return
		}

		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("socket not open")
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	return err
}

func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()

	return conn.Close()
}
