package docsync

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/fieldline/docsync/protocol"
)

// Socket is the transport-level surface the wrapper writes to. SendFrame
// must not block; implementations enqueue and pump.
type Socket interface {
	SendFrame(frame string) error
	Close() error
}

type SocketRoomSettings struct {
	// outgoing messages larger than this are chunked; 0 disables chunking
	MaxFrameSize int
}

func DefaultSocketRoomSettings() *SocketRoomSettings {
	return &SocketRoomSettings{
		MaxFrameSize: 256 * 1024,
	}
}

// SocketRoom binds transport sockets to room sessions: incoming frames pass
// through a per-session chunk assembler into the room, outgoing events are
// serialized back to frames. Every handler is keyed by session id only and
// is safe to drive from hosts that dispatch socket callbacks themselves
// (hibernating connection environments), not just from live socket objects.
type SocketRoom struct {
	room     *Room
	settings *SocketRoomSettings

	mutex      sync.Mutex
	sockets    map[string]Socket
	assemblers map[string]*protocol.ChunkAssembler
	// bumped on every attach; a stale adapter's close must not tear down a
	// newer attach
	attachGens map[string]int

	onBeforeSendMessage   *callbackList[func(sessionId string, message protocol.Message)]
	onAfterReceiveMessage *callbackList[func(sessionId string, message protocol.Message, stringified string)]
}

func NewSocketRoomWithDefaults(room *Room) *SocketRoom {
	return NewSocketRoom(room, DefaultSocketRoomSettings())
}

func NewSocketRoom(room *Room, settings *SocketRoomSettings) *SocketRoom {
	return &SocketRoom{
		room:                  room,
		settings:              settings,
		sockets:               map[string]Socket{},
		assemblers:            map[string]*protocol.ChunkAssembler{},
		attachGens:            map[string]int{},
		onBeforeSendMessage:   newCallbackList[func(string, protocol.Message)](),
		onAfterReceiveMessage: newCallbackList[func(string, protocol.Message, string)](),
	}
}

func (self *SocketRoom) Room() *Room {
	return self.room
}

// observation hooks for persistence/metrics collaborators

func (self *SocketRoom) OnBeforeSendMessage(callback func(sessionId string, message protocol.Message)) func() {
	return self.onBeforeSendMessage.add(callback)
}

func (self *SocketRoom) OnAfterReceiveMessage(callback func(sessionId string, message protocol.Message, stringified string)) func() {
	return self.onAfterReceiveMessage.add(callback)
}

func (self *SocketRoom) OnSessionRemoved(callback func(SessionRemovedEvent)) func() {
	return self.room.OnSessionRemoved(callback)
}

func (self *SocketRoom) OnDataChange(callback func()) func() {
	return self.room.OnDataChange(callback)
}

func (self *SocketRoom) HandleSocketConnect(sessionId string, socket Socket, meta any) error {
	self.mutex.Lock()
	if previous, ok := self.sockets[sessionId]; ok && previous != socket {
		previous.Close()
	}
	self.sockets[sessionId] = socket
	self.assemblers[sessionId] = protocol.NewChunkAssembler()
	self.attachGens[sessionId] += 1
	gen := self.attachGens[sessionId]
	self.mutex.Unlock()

	adapter := &socketSessionAdapter{
		socketRoom: self,
		sessionId:  sessionId,
		gen:        gen,
	}
	if err := self.room.HandleNewSession(sessionId, adapter, meta); err != nil {
		self.detachSocket(sessionId)
		socket.Close()
		return err
	}
	return nil
}

// HandleSocketMessage feeds one wire frame through the session's chunk
// assembler and, once a message is complete, into the room. A codec error or
// a handler panic sends a typed error event and force-closes the socket:
// fail fast rather than leave a session in an undefined state.
func (self *SocketRoom) HandleSocketMessage(sessionId string, frame string) {
	handleError(func() {
		self.mutex.Lock()
		assembler, ok := self.assemblers[sessionId]
		self.mutex.Unlock()
		if !ok {
			glog.V(2).Infof("[sock]frame for unknown session %s\n", sessionId)
			return
		}

		assembled, err := assembler.HandleFrame(frame)
		if err != nil {
			glog.Infof("[sock]%s frame error = %s\n", sessionId, err)
			self.closeSocketWithError(sessionId, err.Error())
			return
		}
		if assembled == nil {
			// chunk sequence incomplete
			return
		}
		for _, callback := range self.onAfterReceiveMessage.get() {
			callback(sessionId, assembled.Message, assembled.Stringified)
		}
		self.room.HandleMessage(sessionId, assembled.Message)
	}, func(err error) {
		self.closeSocketWithError(sessionId, "internal error")
	})
}

func (self *SocketRoom) HandleSocketClose(sessionId string) {
	self.detachSocket(sessionId)
	self.room.HandleClose(sessionId)
}

func (self *SocketRoom) HandleSocketError(sessionId string, err error) {
	glog.Infof("[sock]%s error = %s\n", sessionId, err)
	self.HandleSocketClose(sessionId)
}

func (self *SocketRoom) Close() {
	self.room.Close()
	self.mutex.Lock()
	sockets := maps.Values(self.sockets)
	self.sockets = map[string]Socket{}
	self.assemblers = map[string]*protocol.ChunkAssembler{}
	self.mutex.Unlock()
	for _, socket := range sockets {
		socket.Close()
	}
}

func (self *SocketRoom) closeSocketWithError(sessionId string, message string) {
	self.mutex.Lock()
	socket, ok := self.sockets[sessionId]
	self.mutex.Unlock()
	if ok {
		if b, err := protocol.EncodeMessage(&protocol.Error{Message: message}); err == nil {
			socket.SendFrame(string(b))
		}
		socket.Close()
	}
	self.HandleSocketClose(sessionId)
}

func (self *SocketRoom) detachSocket(sessionId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.sockets, sessionId)
	delete(self.assemblers, sessionId)
}

func (self *SocketRoom) sendMessage(sessionId string, message protocol.Message) error {
	for _, callback := range self.onBeforeSendMessage.get() {
		callback(sessionId, message)
	}
	b, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	self.mutex.Lock()
	socket, ok := self.sockets[sessionId]
	self.mutex.Unlock()
	if !ok {
		// socket already detached; the room close path will follow
		return nil
	}
	for _, frame := range protocol.ChunkMessage(string(b), self.settings.MaxFrameSize) {
		if err := socket.SendFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// socketSessionAdapter is the room-facing view of one socket attach. Sends
// look the socket up by session id so a reattached socket is picked up
// transparently. Close tears down only the attach generation this adapter
// was created for: a client can redial before the old socket's close is ever
// observed (silent drop, hosts without close callbacks), and the stale
// adapter must not kill the replacement socket.
type socketSessionAdapter struct {
	socketRoom *SocketRoom
	sessionId  string
	gen        int
}

func (self *socketSessionAdapter) SendMessage(message protocol.Message) error {
	return self.socketRoom.sendMessage(self.sessionId, message)
}

func (self *socketSessionAdapter) Close() {
	self.socketRoom.mutex.Lock()
	socket, ok := self.socketRoom.sockets[self.sessionId]
	owned := ok && self.socketRoom.attachGens[self.sessionId] == self.gen
	if owned {
		delete(self.socketRoom.sockets, self.sessionId)
		delete(self.socketRoom.assemblers, self.sessionId)
	}
	self.socketRoom.mutex.Unlock()
	if owned {
		socket.Close()
	}
}
