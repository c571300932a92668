package docsync

import (
	"encoding/json"
	"fmt"
)

// The core treats the document's record schema as an external collaborator:
// it validates and migrates records without the core knowing what a record
// type actually is.

// RecordScope controls persistence and the document clock.
type RecordScope int

const (
	// persisted, advances the document clock
	ScopeDocument RecordScope = iota
	// ephemeral per-session state, dropped on eviction
	ScopeSession
	// ephemeral cursors/selections, dropped on eviction
	ScopePresence
)

// Compat is the result of comparing a local schema against a remote
// serialized schema during the handshake.
type Compat int

const (
	CompatOK Compat = iota
	CompatClientTooOld
	CompatServerTooOld
)

// SerializedSchema is the wire/persisted form of a schema, opaque to the
// core.
type SerializedSchema = json.RawMessage

type Schema interface {
	// ValidateRecord accepts or rejects one proposed record
	ValidateRecord(record Record) error
	// Scope reports the scope of a record type
	Scope(typeName string) RecordScope
	Serialize() SerializedSchema
	// Compatibility compares against the schema a connecting peer reported.
	// Called on the room with the client's schema before any record data is
	// exchanged.
	Compatibility(remote SerializedSchema) Compat
	// MigrateSnapshot up-migrates a persisted snapshot in place when its
	// serialized schema is older than this one
	MigrateSnapshot(snapshot *RoomSnapshot) error
}

// BasicSchema is a minimal schema collaborator: a version number and a scope
// per known record type. Records of unknown types are rejected. Hosts with
// richer validation supply their own Schema.
type BasicSchema struct {
	Version int                    `json:"version"`
	Types   map[string]RecordScope `json:"types"`

	// accept unknown record types as document scoped
	open bool
}

func NewBasicSchema(version int, types map[string]RecordScope) *BasicSchema {
	return &BasicSchema{
		Version: version,
		Types:   types,
	}
}

// PermissiveSchema accepts any structurally valid record as document scoped,
// except typeNames listed as presence.
func PermissiveSchema(version int, presenceTypes ...string) *BasicSchema {
	types := map[string]RecordScope{}
	for _, typeName := range presenceTypes {
		types[typeName] = ScopePresence
	}
	return &BasicSchema{
		Version: version,
		Types:   types,
		open:    true,
	}
}

type basicSchemaJson struct {
	Version int                    `json:"version"`
	Types   map[string]RecordScope `json:"types"`
	Open    bool                   `json:"open,omitempty"`
}

func (self *BasicSchema) ValidateRecord(record Record) error {
	if err := CheckRecord(record); err != nil {
		return err
	}
	if !self.open {
		if _, ok := self.Types[record.TypeName()]; !ok {
			return fmt.Errorf("unknown record type %q", record.TypeName())
		}
	}
	return nil
}

func (self *BasicSchema) Scope(typeName string) RecordScope {
	if scope, ok := self.Types[typeName]; ok {
		return scope
	}
	return ScopeDocument
}

func (self *BasicSchema) Serialize() SerializedSchema {
	b, _ := json.Marshal(&basicSchemaJson{
		Version: self.Version,
		Types:   self.Types,
		Open:    self.open,
	})
	return SerializedSchema(b)
}

func (self *BasicSchema) Compatibility(remote SerializedSchema) Compat {
	if len(remote) == 0 {
		return CompatClientTooOld
	}
	remoteSchema := &basicSchemaJson{}
	if err := json.Unmarshal(remote, remoteSchema); err != nil {
		return CompatClientTooOld
	}
	if remoteSchema.Version < self.Version {
		return CompatClientTooOld
	}
	if self.Version < remoteSchema.Version {
		return CompatServerTooOld
	}
	return CompatOK
}

func (self *BasicSchema) MigrateSnapshot(snapshot *RoomSnapshot) error {
	if len(snapshot.Schema) == 0 {
		// store-shaped input normalized without a schema, adopt ours
		snapshot.Schema = self.Serialize()
		return nil
	}
	persisted := &basicSchemaJson{}
	if err := json.Unmarshal(snapshot.Schema, persisted); err != nil {
		return fmt.Errorf("unreadable persisted schema: %w", err)
	}
	if self.Version < persisted.Version {
		return fmt.Errorf("snapshot schema version %d is newer than %d", persisted.Version, self.Version)
	}
	// BasicSchema has no per-version record migrations; adopting the newer
	// serialized schema is the whole migration
	snapshot.Schema = self.Serialize()
	return nil
}
