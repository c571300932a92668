package docsync

import (
	"time"

	"github.com/fieldline/docsync/protocol"
)

type SessionStatus int

const (
	// socket attached, handshake not completed
	SessionAwaitingConnect SessionStatus = iota
	SessionConnected
	// socket gone, eviction grace timer running
	SessionIdle
)

// SessionAdapter delivers protocol messages to one connected client. Send
// must not block: the room invokes it while holding the room lock, so
// implementations enqueue and pump on their own goroutine (or buffer, for
// tests).
type SessionAdapter interface {
	SendMessage(message protocol.Message) error
	Close()
}

type SessionRemovedEvent struct {
	SessionId string
	Meta      any
}

// one logical connected client. The session id is stable per logical client
// and survives reconnects; the adapter is replaced on each socket attach.
type session struct {
	id      string
	adapter SessionAdapter
	status  SessionStatus
	meta    any

	// ids of session/presence scoped records this session pushed, removed
	// from the room when the session is evicted
	ephemeralIds map[string]bool

	evictTimer *time.Timer
}

func (self *session) cancelEviction() {
	if self.evictTimer != nil {
		self.evictTimer.Stop()
		self.evictTimer = nil
	}
}

func (self *session) send(message protocol.Message) {
	if self.adapter == nil {
		return
	}
	// a failed send means the socket is going away; the close path will
	// follow from the transport
	self.adapter.SendMessage(message)
}
