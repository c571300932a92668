package docsync

import (
	"encoding/json"
	"fmt"
)

// DocumentState is one persisted record plus the room clock at which it last
// changed.
type DocumentState struct {
	State            Record `json:"state"`
	LastChangedClock int64  `json:"lastChangedClock"`
}

// RoomSnapshot is the persisted/transferable representation of a whole room:
// produced on demand for persistence or client bootstrap, consumed to seed a
// fresh room or force-overwrite one.
type RoomSnapshot struct {
	Clock      int64            `json:"clock"`
	Documents  []DocumentState  `json:"documents"`
	Tombstones map[string]int64 `json:"tombstones"`
	Schema     SerializedSchema `json:"schema,omitempty"`
}

// StoreSnapshot is the store-shaped initialization input: just records and a
// schema, no clock history.
type StoreSnapshot struct {
	Store  RecordStore      `json:"store"`
	Schema SerializedSchema `json:"schema,omitempty"`
}

// SnapshotFromStore normalizes a store-shaped snapshot: clock reset to 0,
// empty tombstones, lastChangedClock 0 for every record.
func SnapshotFromStore(store *StoreSnapshot) *RoomSnapshot {
	documents := make([]DocumentState, 0, len(store.Store))
	for _, record := range store.Store {
		documents = append(documents, DocumentState{
			State:            record.Clone(),
			LastChangedClock: 0,
		})
	}
	return &RoomSnapshot{
		Clock:      0,
		Documents:  documents,
		Tombstones: map[string]int64{},
		Schema:     store.Schema,
	}
}

func EmptySnapshot() *RoomSnapshot {
	return &RoomSnapshot{
		Clock:      0,
		Documents:  []DocumentState{},
		Tombstones: map[string]int64{},
	}
}

func (self *RoomSnapshot) Check() error {
	seen := map[string]bool{}
	for _, document := range self.Documents {
		if err := CheckRecord(document.State); err != nil {
			return err
		}
		id := document.State.Id()
		if seen[id] {
			return fmt.Errorf("duplicate record id %s in snapshot", id)
		}
		seen[id] = true
		if self.Clock < document.LastChangedClock {
			return fmt.Errorf("record %s changed at %d after snapshot clock %d", id, document.LastChangedClock, self.Clock)
		}
	}
	for id, clock := range self.Tombstones {
		if seen[id] {
			return fmt.Errorf("record id %s is both live and tombstoned", id)
		}
		if self.Clock < clock {
			return fmt.Errorf("tombstone %s at %d after snapshot clock %d", id, clock, self.Clock)
		}
	}
	return nil
}

func (self *RoomSnapshot) Store() RecordStore {
	store := make(RecordStore, len(self.Documents))
	for _, document := range self.Documents {
		store[document.State.Id()] = document.State.Clone()
	}
	return store
}

func EncodeSnapshot(snapshot *RoomSnapshot) ([]byte, error) {
	return json.Marshal(snapshot)
}

// DecodeSnapshot accepts either a room snapshot or a store-shaped snapshot
// and normalizes to a room snapshot.
func DecodeSnapshot(b []byte) (*RoomSnapshot, error) {
	probe := struct {
		Store json.RawMessage `json:"store"`
	}{}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, err
	}
	if probe.Store != nil {
		storeSnapshot := &StoreSnapshot{}
		if err := json.Unmarshal(b, storeSnapshot); err != nil {
			return nil, err
		}
		return SnapshotFromStore(storeSnapshot), nil
	}
	snapshot := &RoomSnapshot{}
	if err := json.Unmarshal(b, snapshot); err != nil {
		return nil, err
	}
	if snapshot.Tombstones == nil {
		snapshot.Tombstones = map[string]int64{}
	}
	return snapshot, nil
}
