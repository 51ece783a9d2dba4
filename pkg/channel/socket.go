package channel

// Socket is the transport seam. A concrete implementation (see NewWebSocketDialer)
// reports lifecycle through the handler slots; tests substitute a scripted fake.
type Socket interface {
	// Send transmits one text frame. A synchronous error means the frame was
	// not delivered and the caller should treat the link as failing.
	Send(data []byte) error
	Close(code int, reason string) error
}

// SocketHandlers are the four callback slots a Socket implementation fires.
// Open/close completion is observed here, never by blocking the caller.
type SocketHandlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Dialer starts opening a socket to url and returns immediately. The outcome
// arrives through the handlers: OnOpen on success, OnError (and no OnOpen) on
// a failed open, OnClose when an established link drops.
type Dialer func(url string, h SocketHandlers) (Socket, error)
