package docsync

import (
	"fmt"
	"reflect"
)

// Record is the unit of storage, diffing, and network transfer: an
// identified, typed bag of JSON-shaped fields. Records cross package and
// wire boundaries by value only; Clone before retaining.
type Record map[string]any

const (
	RecordFieldId       = "id"
	RecordFieldTypeName = "typeName"
)

func (self Record) Id() string {
	id, _ := self[RecordFieldId].(string)
	return id
}

func (self Record) TypeName() string {
	typeName, _ := self[RecordFieldTypeName].(string)
	return typeName
}

func (self Record) Clone() Record {
	return Record(cloneValue(map[string]any(self)).(map[string]any))
}

func (self Record) Equal(other Record) bool {
	return valuesEqual(map[string]any(self), map[string]any(other))
}

// CheckRecord is the structural validity floor below the schema collaborator:
// a record must carry a non-empty id and typeName.
func CheckRecord(record Record) error {
	if record == nil {
		return fmt.Errorf("nil record")
	}
	if record.Id() == "" {
		return fmt.Errorf("record missing id")
	}
	if record.TypeName() == "" {
		return fmt.Errorf("record %s missing typeName", record.Id())
	}
	return nil
}

// RecordStore is a whole record collection keyed by record id.
type RecordStore map[string]Record

func (self RecordStore) Clone() RecordStore {
	out := make(RecordStore, len(self))
	for id, record := range self {
		out[id] = record.Clone()
	}
	return out
}

func (self RecordStore) Equal(other RecordStore) bool {
	if len(self) != len(other) {
		return false
	}
	for id, record := range self {
		otherRecord, ok := other[id]
		if !ok || !record.Equal(otherRecord) {
			return false
		}
	}
	return true
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func valuesEqual(a any, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, item := range av {
			bItem, ok := bv[key]
			if !ok || !valuesEqual(item, bItem) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, item := range av {
			if !valuesEqual(item, bv[i]) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	default:
		if a == b {
			return true
		}
		// numeric leaves may arrive as different Go types depending on
		// whether they crossed a json boundary
		return reflect.DeepEqual(normalizeNumber(a), normalizeNumber(b))
	}
}

func normalizeNumber(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}
