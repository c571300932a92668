package docsync

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/fieldline/docsync/protocol"
)

type RoomSettings struct {
	// grace period after a socket close before the session is evicted
	ClientTimeout time.Duration
	// tombstone history bound; older tombstones are pruned and reconnects
	// from before the pruned range fall back to a full snapshot
	MaxTombstones        int
	TombstonePruneBuffer int
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		ClientTimeout:        10 * time.Second,
		MaxTombstones:        3000,
		TombstonePruneBuffer: 300,
	}
}

type documentState struct {
	record           Record
	lastChangedClock int64
}

// Room is the server-authoritative state machine for one shared document:
// the canonical record store, the monotonic room clock, per-record
// last-changed clocks, tombstones for deletions, and the connected sessions.
// All entry points serialize behind the room mutex; one room is a single
// logical owner of its state. Separate rooms are fully independent.
type Room struct {
	instanceId Id
	schema     Schema
	settings   *RoomSettings

	mutex         sync.Mutex
	clock         int64
	documentClock int64
	documents     map[string]*documentState
	tombstones    map[string]int64
	// reconnects asking for history older than this get a full snapshot
	tombstoneHistoryStartsAtClock int64
	sessions                      map[string]*session
	corrupt                       bool
	closed                        bool

	// hook invocations queued under the mutex, run after release so a hook
	// may call back into the room (GetSnapshot from a persistence hook)
	deferredEvents []func()

	onDataChange     *callbackList[func()]
	onSessionRemoved *callbackList[func(SessionRemovedEvent)]
}

func NewRoomWithDefaults(snapshot *RoomSnapshot, schema Schema) (*Room, error) {
	return NewRoom(snapshot, schema, DefaultRoomSettings())
}

func NewRoom(snapshot *RoomSnapshot, schema Schema, settings *RoomSettings) (*Room, error) {
	if schema == nil {
		return nil, fmt.Errorf("room requires a schema collaborator")
	}
	if snapshot == nil {
		snapshot = EmptySnapshot()
	}
	if err := schema.MigrateSnapshot(snapshot); err != nil {
		return nil, err
	}
	if err := snapshot.Check(); err != nil {
		return nil, err
	}

	room := &Room{
		instanceId:       NewId(),
		schema:           schema,
		settings:         settings,
		documents:        map[string]*documentState{},
		tombstones:       map[string]int64{},
		sessions:         map[string]*session{},
		onDataChange:     newCallbackList[func()](),
		onSessionRemoved: newCallbackList[func(SessionRemovedEvent)](),
	}
	room.clock = snapshot.Clock
	room.documentClock = snapshot.Clock
	for _, document := range snapshot.Documents {
		room.documents[document.State.Id()] = &documentState{
			record:           document.State.Clone(),
			lastChangedClock: document.LastChangedClock,
		}
	}
	for id, clock := range snapshot.Tombstones {
		room.tombstones[id] = clock
	}
	glog.V(2).Infof("[room]%s init clock=%d documents=%d\n", room.instanceId, room.clock, len(room.documents))
	return room, nil
}

func (self *Room) Clock() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.clock
}

func (self *Room) DocumentClock() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.documentClock
}

// Store returns a copy of the live record collection, presence included.
func (self *Room) Store() RecordStore {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.storeLocked()
}

func (self *Room) SessionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.sessions)
}

func (self *Room) OnDataChange(callback func()) func() {
	return self.onDataChange.add(callback)
}

func (self *Room) OnSessionRemoved(callback func(SessionRemovedEvent)) func() {
	return self.onSessionRemoved.add(callback)
}

// HandleNewSession attaches a socket adapter for a session id. A session
// that reconnects within the grace window keeps its identity; the handshake
// still re-runs on the new socket.
func (self *Room) HandleNewSession(sessionId string, adapter SessionAdapter, meta any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return fmt.Errorf("room is closed")
	}
	if s, ok := self.sessions[sessionId]; ok {
		s.cancelEviction()
		if s.adapter != nil && s.adapter != adapter {
			s.adapter.Close()
		}
		s.adapter = adapter
		s.status = SessionAwaitingConnect
		s.meta = meta
		glog.V(2).Infof("[room]%s session %s reattach\n", self.instanceId, sessionId)
		return nil
	}
	self.sessions[sessionId] = &session{
		id:           sessionId,
		adapter:      adapter,
		status:       SessionAwaitingConnect,
		meta:         meta,
		ephemeralIds: map[string]bool{},
	}
	glog.V(2).Infof("[room]%s session %s attach\n", self.instanceId, sessionId)
	return nil
}

// caller holds the room mutex
func (self *Room) queueEvent(event func()) {
	self.deferredEvents = append(self.deferredEvents, event)
}

// dispatchEvents runs queued hook invocations. Deferred before the mutex
// unlock at every entry point that can queue events, so it runs after release.
func (self *Room) dispatchEvents() {
	self.mutex.Lock()
	events := self.deferredEvents
	self.deferredEvents = nil
	self.mutex.Unlock()
	for _, event := range events {
		event()
	}
}

// HandleMessage applies one fully assembled client message for a session.
func (self *Room) HandleMessage(sessionId string, message protocol.Message) {
	self.mutex.Lock()
	defer self.dispatchEvents()
	defer self.mutex.Unlock()

	s, ok := self.sessions[sessionId]
	if !ok || self.closed {
		return
	}

	switch v := message.(type) {
	case *protocol.Connect:
		self.handleConnect(s, v)
	case *protocol.Push:
		self.handlePush(s, v)
	case *protocol.Ping:
		s.send(&protocol.Pong{})
	default:
		s.send(&protocol.Error{Message: fmt.Sprintf("unexpected message %T", v)})
	}
}

// HandleClose starts the eviction grace timer rather than destroying the
// session, so a brief network drop does not force a full resync.
func (self *Room) HandleClose(sessionId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	s, ok := self.sessions[sessionId]
	if !ok {
		return
	}
	s.adapter = nil
	s.status = SessionIdle
	s.cancelEviction()
	timer := time.AfterFunc(self.settings.ClientTimeout, func() {
		self.evictIdleSession(sessionId)
	})
	s.evictTimer = timer
}

// CloseSession force-removes a session, sending reason as an
// incompatibility event when non-empty.
func (self *Room) CloseSession(sessionId string, reason string) {
	self.mutex.Lock()
	defer self.dispatchEvents()
	defer self.mutex.Unlock()

	s, ok := self.sessions[sessionId]
	if !ok {
		return
	}
	if reason != "" {
		s.send(&protocol.IncompatibilityError{Reason: reason})
	}
	self.removeSession(s)
}

func (self *Room) evictIdleSession(sessionId string) {
	self.mutex.Lock()
	defer self.dispatchEvents()
	defer self.mutex.Unlock()

	s, ok := self.sessions[sessionId]
	if !ok || s.status != SessionIdle {
		// the session reconnected or was already removed; stale timer
		return
	}
	self.removeSession(s)
}

// removeSession destroys the session and deletes the ephemeral records it
// owned, broadcasting the removals. Caller holds the room mutex.
func (self *Room) removeSession(s *session) {
	s.cancelEviction()
	if s.adapter != nil {
		s.adapter.Close()
		s.adapter = nil
	}
	delete(self.sessions, s.id)

	removalDiff := NetworkDiff{}
	for id := range s.ephemeralIds {
		if _, live := self.documents[id]; live {
			removalDiff[id] = RecordOp{Type: OpRemove}
		}
	}
	if len(removalDiff) > 0 {
		self.clock += 1
		for id := range removalDiff {
			delete(self.documents, id)
			self.tombstones[id] = self.clock
		}
		self.broadcastPatch(removalDiff, nil)
	}

	glog.V(2).Infof("[room]%s session %s removed\n", self.instanceId, s.id)
	event := SessionRemovedEvent{
		SessionId: s.id,
		Meta:      s.meta,
	}
	self.queueEvent(func() {
		for _, callback := range self.onSessionRemoved.get() {
			callback(event)
		}
	})
}

func (self *Room) handleConnect(s *session, connect *protocol.Connect) {
	reject := func(reason string) {
		glog.Infof("[room]%s session %s rejected: %s\n", self.instanceId, s.id, reason)
		s.send(&protocol.IncompatibilityError{Reason: reason})
		self.removeSession(s)
	}

	if connect.ProtocolVersion < protocol.MinProtocolVersion {
		reject(protocol.ReasonClientTooOld)
		return
	}
	if protocol.ProtocolVersion < connect.ProtocolVersion {
		reject(protocol.ReasonServerTooOld)
		return
	}
	switch self.schema.Compatibility(connect.Schema) {
	case CompatClientTooOld:
		reject(protocol.ReasonClientTooOld)
		return
	case CompatServerTooOld:
		reject(protocol.ReasonServerTooOld)
		return
	}

	s.status = SessionConnected
	s.send(&protocol.ConnectAccepted{
		Clock:           self.clock,
		ProtocolVersion: protocol.ProtocolVersion,
	})

	lastKnown := connect.LastServerClock
	if lastKnown <= 0 || self.clock < lastKnown || lastKnown < self.tombstoneHistoryStartsAtClock {
		// fresh client, or a gap larger than the retained tombstone
		// history: full snapshot
		storeJson, err := json.Marshal(self.storeLocked())
		if err != nil {
			glog.Infof("[room]%s snapshot encode error = %s\n", self.instanceId, err)
			s.send(&protocol.Error{Message: "snapshot encode failed"})
			self.removeSession(s)
			return
		}
		s.send(&protocol.Snapshot{
			Clock: self.clock,
			Store: storeJson,
		})
		return
	}

	// reconnection cost proportional to the change missed, not to document
	// size
	diff := NetworkDiff{}
	for id, document := range self.documents {
		if lastKnown < document.lastChangedClock {
			diff[id] = RecordOp{Type: OpPut, Record: document.record.Clone()}
		}
	}
	for id, clock := range self.tombstones {
		if lastKnown < clock {
			diff[id] = RecordOp{Type: OpRemove}
		}
	}
	s.send(&protocol.Patch{
		Diff:  marshalDiff(diff),
		Clock: self.clock,
	})
}

type proposedChange struct {
	id    string
	op    RecordOp
	scope RecordScope
}

func (self *Room) handlePush(s *session, push *protocol.Push) {
	if s.status != SessionConnected {
		s.send(&protocol.Error{Message: "push before connect"})
		return
	}
	if self.corrupt {
		s.send(&protocol.Error{Message: "room refuses mutation"})
		return
	}

	diff := NetworkDiff{}
	if err := json.Unmarshal(push.Diff, &diff); err != nil {
		s.send(&protocol.Error{Message: fmt.Sprintf("unreadable push diff: %s", err)})
		return
	}

	// validate the whole batch before touching state: a push is applied
	// atomically or not at all
	changes := make([]proposedChange, 0, len(diff))
	for id, op := range diff {
		document, live := self.documents[id]
		switch op.Type {
		case OpPut:
			if op.Record.Id() != id {
				s.send(&protocol.Error{Message: fmt.Sprintf("record id mismatch: %s", id)})
				return
			}
			if err := self.schema.ValidateRecord(op.Record); err != nil {
				s.send(&protocol.Error{Message: fmt.Sprintf("invalid record %s: %s", id, err)})
				return
			}
			changes = append(changes, proposedChange{
				id:    id,
				op:    RecordOp{Type: OpPut, Record: op.Record.Clone()},
				scope: self.schema.Scope(op.Record.TypeName()),
			})
		case OpPatch:
			if !live {
				// raced a deletion; last writer already won
				continue
			}
			candidate := ApplyRecordDiff(document.record, op.Diff)
			if candidate.Id() != id || candidate.TypeName() != document.record.TypeName() {
				s.send(&protocol.Error{Message: fmt.Sprintf("patch rewrites identity of %s", id)})
				return
			}
			if err := self.schema.ValidateRecord(candidate); err != nil {
				s.send(&protocol.Error{Message: fmt.Sprintf("invalid record %s: %s", id, err)})
				return
			}
			changes = append(changes, proposedChange{
				id:    id,
				op:    RecordOp{Type: OpPut, Record: candidate},
				scope: self.schema.Scope(candidate.TypeName()),
			})
		case OpRemove:
			if !live {
				continue
			}
			changes = append(changes, proposedChange{
				id:    id,
				op:    RecordOp{Type: OpRemove},
				scope: self.schema.Scope(document.record.TypeName()),
			})
		default:
			s.send(&protocol.Error{Message: fmt.Sprintf("invalid operation %q", op.Type)})
			return
		}
	}

	if len(changes) == 0 {
		s.send(&protocol.Patch{
			Ack:   push.PushId,
			Clock: self.clock,
		})
		return
	}

	// the room always accepts the incoming value: last writer wins per
	// accepted push. One clock tick per push batch.
	self.clock += 1
	docChanged := false
	appliedDiff := NetworkDiff{}
	for _, change := range changes {
		// broadcast the op as pushed: other sessions hold the same pre-push
		// state the room did, so a pushed patch patches cleanly there too
		appliedDiff[change.id] = diff[change.id]
		switch change.op.Type {
		case OpPut:
			self.documents[change.id] = &documentState{
				record:           change.op.Record,
				lastChangedClock: self.clock,
			}
			delete(self.tombstones, change.id)
		case OpRemove:
			delete(self.documents, change.id)
			self.tombstones[change.id] = self.clock
		}
		if change.scope == ScopeDocument {
			docChanged = true
		} else {
			s.ephemeralIds[change.id] = true
		}
	}
	if docChanged {
		self.documentClock = self.clock
	}
	self.pruneTombstones()

	if err := self.checkInvariants(); err != nil {
		self.corrupt = true
		glog.Errorf("[room]%s corrupt after clock %d: %s\n", self.instanceId, self.clock, err)
		for _, other := range self.sessions {
			other.send(&protocol.Error{Message: "room state corrupt"})
		}
		return
	}

	self.broadcastPatch(appliedDiff, s)
	s.send(&protocol.Patch{
		Ack:   push.PushId,
		Clock: self.clock,
	})
	glog.V(2).Infof("[room]%s push %s clock=%d changes=%d\n", self.instanceId, s.id, self.clock, len(changes))

	if docChanged {
		self.queueEvent(func() {
			for _, callback := range self.onDataChange.get() {
				callback()
			}
		})
	}
}

// broadcastPatch sends a patch at the current clock to every connected
// session except skip. Caller holds the room mutex.
func (self *Room) broadcastPatch(diff NetworkDiff, skip *session) {
	patch := &protocol.Patch{
		Diff:  marshalDiff(diff),
		Clock: self.clock,
	}
	for _, other := range self.sessions {
		if other == skip || other.status != SessionConnected {
			continue
		}
		other.send(patch)
	}
}

func (self *Room) pruneTombstones() {
	if len(self.tombstones) <= self.settings.MaxTombstones {
		return
	}
	ids := maps.Keys(self.tombstones)
	slices.SortFunc(ids, func(a string, b string) int {
		if self.tombstones[a] < self.tombstones[b] {
			return -1
		} else if self.tombstones[b] < self.tombstones[a] {
			return 1
		} else {
			return 0
		}
	})
	pruneCount := len(self.tombstones) - self.settings.MaxTombstones + self.settings.TombstonePruneBuffer
	if len(ids) < pruneCount {
		pruneCount = len(ids)
	}
	for _, id := range ids[:pruneCount] {
		if self.tombstoneHistoryStartsAtClock <= self.tombstones[id] {
			self.tombstoneHistoryStartsAtClock = self.tombstones[id] + 1
		}
		delete(self.tombstones, id)
	}
	glog.V(2).Infof("[room]%s pruned %d tombstones, history starts at %d\n", self.instanceId, pruneCount, self.tombstoneHistoryStartsAtClock)
}

// the corruption guard: a record id must never be both live and tombstoned,
// and clocks must not regress
func (self *Room) checkInvariants() error {
	for id := range self.documents {
		if _, ok := self.tombstones[id]; ok {
			return fmt.Errorf("record %s is both live and tombstoned", id)
		}
	}
	if self.clock < self.documentClock {
		return fmt.Errorf("document clock %d ahead of room clock %d", self.documentClock, self.clock)
	}
	for id, document := range self.documents {
		if self.clock < document.lastChangedClock {
			return fmt.Errorf("record %s changed at %d ahead of room clock %d", id, document.lastChangedClock, self.clock)
		}
	}
	return nil
}

// GetSnapshot serializes the persisted view of the room: document scoped
// records only, presence and session state excluded.
func (self *Room) GetSnapshot() *RoomSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	documents := []DocumentState{}
	for _, document := range self.documents {
		if self.schema.Scope(document.record.TypeName()) != ScopeDocument {
			continue
		}
		documents = append(documents, DocumentState{
			State:            document.record.Clone(),
			LastChangedClock: document.lastChangedClock,
		})
	}
	tombstones := make(map[string]int64, len(self.tombstones))
	for id, clock := range self.tombstones {
		tombstones[id] = clock
	}
	return &RoomSnapshot{
		Clock:      self.clock,
		Documents:  documents,
		Tombstones: tombstones,
		Schema:     self.schema.Serialize(),
	}
}

// LoadSnapshot force-overwrites the room state and evicts every session:
// in-flight subscriptions cannot be rebased onto superseded state, so
// clients reconnect and resync against the new store.
func (self *Room) LoadSnapshot(snapshot *RoomSnapshot) error {
	self.mutex.Lock()
	defer self.dispatchEvents()
	defer self.mutex.Unlock()

	if err := self.schema.MigrateSnapshot(snapshot); err != nil {
		return err
	}
	if err := snapshot.Check(); err != nil {
		return err
	}

	// evict first: in-flight sessions cannot be rebased, and eviction may
	// advance the clock for ephemeral cleanup
	for _, s := range maps.Values(self.sessions) {
		self.removeSession(s)
	}

	nextClock := snapshot.Clock
	if nextClock <= self.clock {
		nextClock = self.clock + 1
	}

	nextDocuments := map[string]*documentState{}
	for _, document := range snapshot.Documents {
		nextDocuments[document.State.Id()] = &documentState{
			record:           document.State.Clone(),
			lastChangedClock: document.LastChangedClock,
		}
	}
	nextTombstones := make(map[string]int64, len(snapshot.Tombstones))
	for id, clock := range snapshot.Tombstones {
		nextTombstones[id] = clock
	}
	// anything live now but absent from the new store was deleted by the
	// overwrite
	for id := range self.documents {
		if _, ok := nextDocuments[id]; !ok {
			nextTombstones[id] = nextClock
		}
	}

	self.documents = nextDocuments
	self.tombstones = nextTombstones
	self.clock = nextClock
	self.documentClock = nextClock
	self.tombstoneHistoryStartsAtClock = 0
	self.corrupt = false
	self.pruneTombstones()

	glog.Infof("[room]%s snapshot loaded, clock=%d documents=%d\n", self.instanceId, self.clock, len(self.documents))
	self.queueEvent(func() {
		for _, callback := range self.onDataChange.get() {
			callback()
		}
	})
	return nil
}

func (self *Room) Closed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}

func (self *Room) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	for _, s := range maps.Values(self.sessions) {
		s.cancelEviction()
		if s.adapter != nil {
			s.adapter.Close()
		}
	}
	self.sessions = map[string]*session{}
	glog.V(2).Infof("[room]%s closed\n", self.instanceId)
}

func (self *Room) storeLocked() RecordStore {
	store := make(RecordStore, len(self.documents))
	for id, document := range self.documents {
		store[id] = document.record.Clone()
	}
	return store
}

func marshalDiff(diff NetworkDiff) json.RawMessage {
	b, err := json.Marshal(diff)
	if err != nil {
		// diffs are built from values that already crossed a json boundary
		panic(err)
	}
	return b
}
