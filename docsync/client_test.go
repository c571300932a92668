package docsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/fieldline/docsync/protocol"
)

// memoryLink is an in-process frame pipe between a client and a socket room.
type memoryLink struct {
	transport  *memoryTransport
	socketRoom *SocketRoom
	sessionId  string

	toClient chan string
	toServer chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newMemoryLink(transport *memoryTransport) *memoryLink {
	link := &memoryLink{
		transport:  transport,
		socketRoom: transport.socketRoom,
		sessionId:  transport.sessionId,
		toClient:   make(chan string, 1024),
		toServer:   make(chan string, 1024),
		closed:     make(chan struct{}),
	}
	go link.pumpToServer()
	return link
}

// frames reach the room in write order
func (self *memoryLink) pumpToServer() {
	for {
		select {
		case frame := <-self.toServer:
			self.transport.waitGate(self.closed)
			self.socketRoom.HandleSocketMessage(self.sessionId, frame)
		case <-self.closed:
			return
		}
	}
}

func (self *memoryLink) isClosed() bool {
	select {
	case <-self.closed:
		return true
	default:
		return false
	}
}

// client side

func (self *memoryLink) ReadFrame() (string, error) {
	// drain frames delivered before the close
	select {
	case frame := <-self.toClient:
		return frame, nil
	default:
	}
	select {
	case frame := <-self.toClient:
		return frame, nil
	case <-self.closed:
		return "", fmt.Errorf("link closed")
	}
}

func (self *memoryLink) WriteFrame(frame string) error {
	select {
	case <-self.closed:
		return fmt.Errorf("link closed")
	default:
	}
	self.toServer <- frame
	return nil
}

func (self *memoryLink) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
		// synchronous so a redial cannot observe the stale socket
		self.socketRoom.HandleSocketClose(self.sessionId)
	})
	return nil
}

// server side

type memoryServerSocket struct {
	link *memoryLink
}

func (self *memoryServerSocket) SendFrame(frame string) error {
	select {
	case <-self.link.closed:
		return fmt.Errorf("link closed")
	case self.link.toClient <- frame:
		return nil
	}
}

func (self *memoryServerSocket) Close() error {
	self.link.closeOnce.Do(func() {
		close(self.link.closed)
	})
	return nil
}

type memoryTransport struct {
	socketRoom *SocketRoom
	sessionId  string

	mutex sync.Mutex
	dials int
	link  *memoryLink
	// when set, server-bound frames stall until the gate closes
	gate chan struct{}
}

func (self *memoryTransport) Dial(ctx context.Context) (ClientConn, error) {
	link := newMemoryLink(self)
	err := self.socketRoom.HandleSocketConnect(self.sessionId, &memoryServerSocket{link: link}, nil)
	if err != nil {
		return nil, err
	}
	self.mutex.Lock()
	self.dials += 1
	self.link = link
	self.mutex.Unlock()
	return link, nil
}

func (self *memoryTransport) dialCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.dials
}

func (self *memoryTransport) currentLink() *memoryLink {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.link
}

func (self *memoryTransport) holdServerFrames() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.gate = make(chan struct{})
}

func (self *memoryTransport) releaseServerFrames() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.gate != nil {
		close(self.gate)
		self.gate = nil
	}
}

func (self *memoryTransport) waitGate(closed chan struct{}) {
	self.mutex.Lock()
	gate := self.gate
	self.mutex.Unlock()
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-closed:
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", description)
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.InitialReconnectInterval = 10 * time.Millisecond
	settings.MaxReconnectInterval = 50 * time.Millisecond
	return settings
}

func TestClientSync(t *testing.T) {
	room := newTestRoom(t)
	socketRoom := NewSocketRoomWithDefaults(room)
	defer socketRoom.Close()

	transport := &memoryTransport{socketRoom: socketRoom, sessionId: "c1"}
	client := NewClient(context.Background(), "c1", transport, testSchema(), testClientSettings())
	defer client.Close()

	waitFor(t, "client synced", func() bool {
		return client.Status() == StatusSynced
	})

	// an optimistic put is visible locally at once
	record := testRecord("shape:1", "geo", map[string]any{"x": 1.0, "y": 2.0})
	err := client.PutRecord(record)
	assert.Equal(t, err, nil)
	got, ok := client.GetRecord("shape:1")
	assert.Equal(t, true, ok)
	assert.Equal(t, true, record.Equal(got))

	// and reaches the room
	waitFor(t, "room received record", func() bool {
		_, ok := room.Store()["shape:1"]
		return ok
	})
	waitFor(t, "client clock caught up", func() bool {
		return client.LastServerClock() == room.Clock()
	})
	assert.Equal(t, true, room.Store().Equal(client.Store()))

	// a replacement travels as a field patch and converges
	updated := testRecord("shape:1", "geo", map[string]any{"x": 9.0, "y": 2.0})
	err = client.PutRecord(updated)
	assert.Equal(t, err, nil)
	waitFor(t, "room received update", func() bool {
		record, ok := room.Store()["shape:1"]
		return ok && record["x"] == 9.0
	})

	client.DeleteRecord("shape:1")
	_, ok = client.GetRecord("shape:1")
	assert.Equal(t, false, ok)
	waitFor(t, "room received delete", func() bool {
		_, ok := room.Store()["shape:1"]
		return !ok
	})
}

func TestClientReceivesRemoteChanges(t *testing.T) {
	room := newTestRoom(t)
	socketRoom := NewSocketRoomWithDefaults(room)
	defer socketRoom.Close()

	transport := &memoryTransport{socketRoom: socketRoom, sessionId: "c1"}
	client := NewClient(context.Background(), "c1", transport, testSchema(), testClientSettings())
	defer client.Close()

	waitFor(t, "client synced", func() bool {
		return client.Status() == StatusSynced
	})

	// another session pushes directly into the room
	other := connectSession(t, room, "other", 0)
	defer other.Close()
	pushDiff(room, "other", 1, NetworkDiff{
		"shape:7": {Type: OpPut, Record: testRecord("shape:7", "geo", map[string]any{"x": 4.0})},
	})

	waitFor(t, "client received broadcast", func() bool {
		record, ok := client.GetRecord("shape:7")
		return ok && record["x"] == 4.0
	})

	pushDiff(room, "other", 2, NetworkDiff{
		"shape:7": {Type: OpRemove},
	})
	waitFor(t, "client received removal", func() bool {
		_, ok := client.GetRecord("shape:7")
		return !ok
	})
}

func TestClientIncompatibility(t *testing.T) {
	room := newTestRoom(t)
	socketRoom := NewSocketRoomWithDefaults(room)
	defer socketRoom.Close()

	transport := &memoryTransport{socketRoom: socketRoom, sessionId: "c1"}
	settings := testClientSettings()
	settings.ProtocolVersion = 1
	client := NewClient(context.Background(), "c1", transport, testSchema(), settings)
	defer client.Close()

	// terminal: no reconnect loop after a compatibility rejection
	waitFor(t, "client errored", func() bool {
		return client.Status() == StatusError
	})
	assert.Equal(t, protocol.ReasonClientTooOld, client.IncompatibilityReason())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, transport.dialCount())
}

func TestClientRebasesPendingOverServerDiff(t *testing.T) {
	room := newTestRoom(t)
	socketRoom := NewSocketRoomWithDefaults(room)
	defer socketRoom.Close()

	transport := &memoryTransport{socketRoom: socketRoom, sessionId: "c1"}
	client := NewClient(context.Background(), "c1", transport, testSchema(), testClientSettings())
	defer client.Close()

	waitFor(t, "client synced", func() bool {
		return client.Status() == StatusSynced
	})

	connectSession(t, room, "other", 0)
	pushDiff(room, "other", 1, NetworkDiff{
		"shape:1": {Type: OpPut, Record: testRecord("shape:1", "geo", map[string]any{"x": 0.0, "y": 0.0})},
	})
	waitFor(t, "client has shape:1", func() bool {
		_, ok := client.GetRecord("shape:1")
		return ok
	})

	// hold the client's push short of the room, leaving it pending unacked
	transport.holdServerFrames()
	err := client.PutRecord(testRecord("shape:1", "geo", map[string]any{"x": 1.0, "y": 0.0}))
	assert.Equal(t, err, nil)

	// a conflicting room change lands while the local edit is pending: the
	// confirmed store takes the diff and the pending patch replays on top
	pushDiff(room, "other", 2, NetworkDiff{
		"shape:1": {Type: OpPatch, Diff: ObjectDiff{"y": {Type: OpPut, Value: 7.0}}},
	})
	waitFor(t, "rebased view", func() bool {
		record, ok := client.GetRecord("shape:1")
		return ok && record["x"] == 1.0 && record["y"] == 7.0
	})
	// the room has not seen the local edit yet
	assert.Equal(t, 0.0, room.Store()["shape:1"]["x"])

	transport.releaseServerFrames()
	waitFor(t, "room converged", func() bool {
		record, ok := room.Store()["shape:1"]
		return ok && record["x"] == 1.0 && record["y"] == 7.0
	})
	waitFor(t, "client converged", func() bool {
		return client.Status() == StatusSynced && room.Store().Equal(client.Store())
	})
}

func TestClientCloseReleasesConn(t *testing.T) {
	room := newTestRoom(t)
	socketRoom := NewSocketRoomWithDefaults(room)
	defer socketRoom.Close()

	transport := &memoryTransport{socketRoom: socketRoom, sessionId: "c1"}
	client := NewClient(context.Background(), "c1", transport, testSchema(), testClientSettings())

	waitFor(t, "client synced", func() bool {
		return client.Status() == StatusSynced
	})
	link := transport.currentLink()
	assert.Equal(t, false, link.isClosed())

	// close must release the blocked read, not wait out a read deadline
	client.Close()
	waitFor(t, "conn closed", func() bool {
		return link.isClosed()
	})
}

func TestClientRejectedPushResyncs(t *testing.T) {
	room := newTestRoom(t)
	socketRoom := NewSocketRoomWithDefaults(room)
	defer socketRoom.Close()

	transport := &memoryTransport{socketRoom: socketRoom, sessionId: "c1"}
	// open client schema, same version: the handshake passes but the room
	// rejects unknown record types at push time
	clientSchema := PermissiveSchema(1, "presence")
	client := NewClient(context.Background(), "c1", transport, clientSchema, testClientSettings())
	defer client.Close()

	waitFor(t, "client synced", func() bool {
		return client.Status() == StatusSynced
	})

	err := client.PutRecord(testRecord("shape:1", "geo", map[string]any{"x": 1.0}))
	assert.Equal(t, err, nil)
	err = client.PutRecord(testRecord("bogus:1", "bogus", map[string]any{"x": 1.0}))
	assert.Equal(t, err, nil)

	// the rejected optimistic state is dropped, the connection resyncs, and
	// the client converges back to the room's truth
	waitFor(t, "client resynced", func() bool {
		if client.Status() != StatusSynced {
			return false
		}
		if _, ok := client.GetRecord("bogus:1"); ok {
			return false
		}
		return room.Store().Equal(client.Store())
	})
	assert.Equal(t, true, 2 <= transport.dialCount())

	_, ok := room.Store()["shape:1"]
	assert.Equal(t, true, ok)
}
