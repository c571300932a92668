package docsync

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// must exceed the client ping interval so pongs keep the read alive
	ReadTimeout   time.Duration
	RequestHeader http.Header
}

func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// WebSocketTransport dials a room's websocket endpoint. The url carries the
// session and storage identity as query parameters; the transport treats it
// as opaque.
type WebSocketTransport struct {
	url      string
	settings *WebSocketSettings
}

func NewWebSocketTransportWithDefaults(url string) *WebSocketTransport {
	return NewWebSocketTransport(url, DefaultWebSocketSettings())
}

func NewWebSocketTransport(url string, settings *WebSocketSettings) *WebSocketTransport {
	return &WebSocketTransport{
		url:      url,
		settings: settings,
	}
}

func (self *WebSocketTransport) Dial(ctx context.Context) (ClientConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, self.settings.RequestHeader)
	if err != nil {
		return nil, err
	}
	return &webSocketConn{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type webSocketConn struct {
	ws       *websocket.Conn
	settings *WebSocketSettings
}

func (self *webSocketConn) ReadFrame() (string, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if len(message) == 0 {
			// keepalive
			continue
		}
		return string(message), nil
	}
}

func (self *webSocketConn) WriteFrame(frame string) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (self *webSocketConn) Close() error {
	return self.ws.Close()
}
