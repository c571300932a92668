package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"github.com/fieldline/docsync/protocol"
)

type ClientStatus string

const (
	StatusConnecting ClientStatus = "connecting"
	StatusLoading    ClientStatus = "loading"
	StatusSynced     ClientStatus = "synced"
	StatusOffline    ClientStatus = "offline"
	StatusError      ClientStatus = "error"
)

// ClientConn is one live connection to a room.
type ClientConn interface {
	ReadFrame() (string, error)
	WriteFrame(frame string) error
	Close() error
}

type ClientTransport interface {
	Dial(ctx context.Context) (ClientConn, error)
}

type ClientSettings struct {
	ProtocolVersion int
	// outgoing messages larger than this are chunked; 0 disables chunking
	MaxFrameSize int
	PingInterval time.Duration
	// reconnect backoff bounds
	InitialReconnectInterval time.Duration
	MaxReconnectInterval     time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ProtocolVersion:          protocol.ProtocolVersion,
		MaxFrameSize:             256 * 1024,
		PingInterval:             10 * time.Second,
		InitialReconnectInterval: 500 * time.Millisecond,
		MaxReconnectInterval:     30 * time.Second,
	}
}

// a locally applied mutation batch not yet confirmed by the room
type pendingPush struct {
	pushId int64
	diff   NetworkDiff
	sent   bool
}

var errIncompatible = errors.New("incompatible with room")
var errResync = errors.New("resync required")

// Client is the client-side sync engine: it owns a local record store
// modeled as confirmed state plus a pending-push log, sends local mutations
// as pushes, applies room diffs, and reconnects with resync on socket drop.
// Local edits are applied optimistically and never block on the network; the
// exposed store is the confirmed state with pending pushes replayed on top.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId string
	schema    Schema
	transport ClientTransport
	settings  *ClientSettings

	mutex                 sync.Mutex
	status                ClientStatus
	incompatibilityReason string
	confirmed             RecordStore
	pending               []*pendingPush
	nextPushId            int64
	lastServerClock       int64

	flush chan struct{}

	onStatusChange *callbackList[func(ClientStatus)]
	onStoreChange  *callbackList[func()]
}

func NewClientWithDefaults(ctx context.Context, sessionId string, transport ClientTransport, schema Schema) *Client {
	return NewClient(ctx, sessionId, transport, schema, DefaultClientSettings())
}

func NewClient(ctx context.Context, sessionId string, transport ClientTransport, schema Schema, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		sessionId:      sessionId,
		schema:         schema,
		transport:      transport,
		settings:       settings,
		status:         StatusConnecting,
		confirmed:      RecordStore{},
		nextPushId:     1,
		flush:          make(chan struct{}, 1),
		onStatusChange: newCallbackList[func(ClientStatus)](),
		onStoreChange:  newCallbackList[func()](),
	}
	go client.run()
	return client
}

func (self *Client) Status() ClientStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

// IncompatibilityReason is set when the status is StatusError.
func (self *Client) IncompatibilityReason() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.incompatibilityReason
}

func (self *Client) LastServerClock() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastServerClock
}

func (self *Client) OnStatusChange(callback func(ClientStatus)) func() {
	return self.onStatusChange.add(callback)
}

func (self *Client) OnStoreChange(callback func()) func() {
	return self.onStoreChange.add(callback)
}

// Store is the immediately consistent local view: confirmed state with
// pending pushes replayed on top.
func (self *Client) Store() RecordStore {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.viewLocked()
}

func (self *Client) GetRecord(id string) (Record, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	record, ok := self.viewLocked()[id]
	return record, ok
}

// PutRecord applies a create-or-replace optimistically and queues it for
// push. Replacements of existing records push as field-level patches.
func (self *Client) PutRecord(record Record) error {
	if err := self.schema.ValidateRecord(record); err != nil {
		return err
	}
	self.mutex.Lock()
	view := self.viewLocked()
	var op RecordOp
	if existing, ok := view[record.Id()]; ok {
		recordDiff, changed := DiffRecord(existing, record)
		if !changed {
			self.mutex.Unlock()
			return nil
		}
		op = RecordOp{Type: OpPatch, Diff: recordDiff}
	} else {
		op = RecordOp{Type: OpPut, Record: record.Clone()}
	}
	self.queueLocked(NetworkDiff{record.Id(): op})
	self.mutex.Unlock()
	self.notifyStoreChange()
	return nil
}

func (self *Client) DeleteRecord(id string) {
	self.mutex.Lock()
	if _, ok := self.viewLocked()[id]; !ok {
		self.mutex.Unlock()
		return
	}
	self.queueLocked(NetworkDiff{id: RecordOp{Type: OpRemove}})
	self.mutex.Unlock()
	self.notifyStoreChange()
}

func (self *Client) Close() {
	self.cancel()
}

// caller holds the client mutex
func (self *Client) queueLocked(diff NetworkDiff) {
	self.pending = append(self.pending, &pendingPush{
		pushId: self.nextPushId,
		diff:   diff,
	})
	self.nextPushId += 1
	select {
	case self.flush <- struct{}{}:
	default:
	}
}

// caller holds the client mutex
func (self *Client) viewLocked() RecordStore {
	view := self.confirmed.Clone()
	for _, push := range self.pending {
		view = ApplyNetworkDiff(view, push.diff)
	}
	return view
}

func (self *Client) setStatus(status ClientStatus) {
	self.mutex.Lock()
	if self.status == status {
		self.mutex.Unlock()
		return
	}
	self.status = status
	self.mutex.Unlock()
	for _, callback := range self.onStatusChange.get() {
		callback(status)
	}
}

func (self *Client) notifyStoreChange() {
	for _, callback := range self.onStoreChange.get() {
		callback()
	}
}

func (self *Client) run() {
	defer self.cancel()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.InitialReconnectInterval
	reconnect.MaxInterval = self.settings.MaxReconnectInterval
	// retry until canceled
	reconnect.MaxElapsedTime = 0

	for {
		self.setStatus(StatusConnecting)
		conn, err := self.transport.Dial(self.ctx)
		if err == nil {
			err = self.runConn(conn, reconnect)
			conn.Close()
		}
		if errors.Is(err, errIncompatible) {
			// terminal: the caller must reload/upgrade; never auto-retry
			self.setStatus(StatusError)
			return
		}
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		glog.V(2).Infof("[client]%s connection ended = %s\n", self.sessionId, err)
		self.setStatus(StatusOffline)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

// runConn drives one connection from handshake to close. Returns
// errIncompatible for terminal rejections.
func (self *Client) runConn(conn ClientConn, reconnect *backoff.ExponentialBackOff) error {
	writer := &connWriter{
		conn:         conn,
		maxFrameSize: self.settings.MaxFrameSize,
	}

	self.mutex.Lock()
	lastServerClock := self.lastServerClock
	for _, push := range self.pending {
		// anything unacked when the previous socket died goes out again
		push.sent = false
	}
	self.mutex.Unlock()

	err := writer.writeMessage(&protocol.Connect{
		SessionId:       self.sessionId,
		LastServerClock: lastServerClock,
		ProtocolVersion: self.settings.ProtocolVersion,
		Schema:          self.schema.Serialize(),
	})
	if err != nil {
		return err
	}
	self.setStatus(StatusLoading)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock the read loop on shutdown instead of waiting out the read
	// deadline
	go func() {
		<-handleCtx.Done()
		conn.Close()
	}()

	// send pump: pings and pending push flushes
	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-self.flush:
				if self.Status() != StatusSynced {
					continue
				}
				if err := self.flushPending(writer); err != nil {
					glog.V(2).Infof("[client]%s-> flush error = %s\n", self.sessionId, err)
					return
				}
			case <-time.After(self.settings.PingInterval):
				if err := writer.writeMessage(&protocol.Ping{}); err != nil {
					return
				}
			}
		}
	}()

	assembler := protocol.NewChunkAssembler()
	for {
		select {
		case <-handleCtx.Done():
			return fmt.Errorf("connection canceled")
		default:
		}

		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		assembled, err := assembler.HandleFrame(frame)
		if err != nil {
			return err
		}
		if assembled == nil {
			continue
		}
		if err := self.handleServerMessage(assembled.Message, writer, reconnect); err != nil {
			return err
		}
	}
}

func (self *Client) handleServerMessage(message protocol.Message, writer *connWriter, reconnect *backoff.ExponentialBackOff) error {
	switch v := message.(type) {
	case *protocol.ConnectAccepted:
		// snapshot or patch follows; nothing to apply yet
		glog.V(2).Infof("[client]%s<- accepted clock=%d\n", self.sessionId, v.Clock)
		return nil

	case *protocol.Snapshot:
		store := RecordStore{}
		if err := json.Unmarshal(v.Store, &store); err != nil {
			return fmt.Errorf("unreadable snapshot: %w", err)
		}
		self.mutex.Lock()
		self.confirmed = store
		self.lastServerClock = v.Clock
		self.mutex.Unlock()
		self.becomeSynced(reconnect)
		self.notifyStoreChange()
		return nil

	case *protocol.Patch:
		if v.Ack != 0 {
			self.confirmAck(v.Ack, v.Clock)
		} else {
			diff := NetworkDiff{}
			if len(v.Diff) > 0 {
				if err := json.Unmarshal(v.Diff, &diff); err != nil {
					return fmt.Errorf("unreadable patch: %w", err)
				}
			}
			self.mutex.Lock()
			// rebase: the confirmed store takes the room's change and the
			// still-pending pushes replay on top in the exposed view
			self.confirmed = ApplyNetworkDiff(self.confirmed, diff)
			self.lastServerClock = v.Clock
			self.mutex.Unlock()
			self.notifyStoreChange()
		}
		self.becomeSynced(reconnect)
		return nil

	case *protocol.IncompatibilityError:
		self.mutex.Lock()
		self.incompatibilityReason = v.Reason
		self.mutex.Unlock()
		glog.Infof("[client]%s<- incompatible: %s\n", self.sessionId, v.Reason)
		return errIncompatible

	case *protocol.Error:
		// the room rejected something we sent; drop the optimistic state it
		// refused and resync from the confirmed baseline
		glog.Infof("[client]%s<- error: %s\n", self.sessionId, v.Message)
		self.mutex.Lock()
		self.pending = nil
		self.mutex.Unlock()
		self.notifyStoreChange()
		return errResync

	case *protocol.Pong:
		return nil

	default:
		glog.V(2).Infof("[client]%s<- unexpected %T\n", self.sessionId, v)
		return nil
	}
}

func (self *Client) becomeSynced(reconnect *backoff.ExponentialBackOff) {
	if self.Status() == StatusSynced {
		return
	}
	reconnect.Reset()
	self.setStatus(StatusSynced)
	// resend anything pending from before the reconnect
	select {
	case self.flush <- struct{}{}:
	default:
	}
}

// confirmAck moves the matching pending push into the confirmed store. A
// push is only treated as confirmed when its own ack clock is observed, so
// acks interleaved with further local edits resolve correctly.
func (self *Client) confirmAck(pushId int64, clock int64) {
	self.mutex.Lock()
	for i, push := range self.pending {
		if push.pushId == pushId {
			self.confirmed = ApplyNetworkDiff(self.confirmed, push.diff)
			self.pending = append(self.pending[:i], self.pending[i+1:]...)
			break
		}
	}
	self.lastServerClock = clock
	self.mutex.Unlock()
}

func (self *Client) flushPending(writer *connWriter) error {
	self.mutex.Lock()
	toSend := []*pendingPush{}
	for _, push := range self.pending {
		if !push.sent {
			push.sent = true
			toSend = append(toSend, push)
		}
	}
	self.mutex.Unlock()

	for _, push := range toSend {
		err := writer.writeMessage(&protocol.Push{
			PushId: push.pushId,
			Diff:   marshalDiff(push.diff),
		})
		if err != nil {
			return err
		}
		glog.V(2).Infof("[client]%s-> push %d\n", self.sessionId, push.pushId)
	}
	return nil
}

// connWriter serializes writes from the read loop and the send pump onto
// one connection.
type connWriter struct {
	mutex        sync.Mutex
	conn         ClientConn
	maxFrameSize int
}

func (self *connWriter) writeMessage(message protocol.Message) error {
	b, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, frame := range protocol.ChunkMessage(string(b), self.maxFrameSize) {
		if err := self.conn.WriteFrame(frame); err != nil {
			return err
		}
	}
	return nil
}
