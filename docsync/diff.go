package docsync

import (
	"encoding/json"
	"fmt"
)

// The diff engine compares values structurally. Nested plain objects diff
// recursively at field granularity; arrays and opaque values replace
// wholesale, which bounds the work without list edit distance. Applying a
// diff the engine produced is pure and total; foreign diffs get best-effort
// leniency (a patch against a missing or non-object field is dropped) so a
// pending op can be replayed on top of a newer confirmed store.

const (
	OpPut    = "put"
	OpPatch  = "patch"
	OpDelete = "delete"
	OpRemove = "remove"
)

// ValueOp is one field-level operation inside an ObjectDiff.
// Wire form is a tagged tuple: ["put", v] | ["patch", d] | ["delete"].
type ValueOp struct {
	Type  string
	Value any
	Diff  ObjectDiff
}

func (self ValueOp) MarshalJSON() ([]byte, error) {
	switch self.Type {
	case OpPut:
		return json.Marshal([]any{OpPut, self.Value})
	case OpPatch:
		return json.Marshal([]any{OpPatch, self.Diff})
	case OpDelete:
		return json.Marshal([]any{OpDelete})
	default:
		return nil, fmt.Errorf("unknown value op: %q", self.Type)
	}
}

func (self *ValueOp) UnmarshalJSON(b []byte) error {
	tag, body, err := decodeOpTuple(b)
	if err != nil {
		return err
	}
	*self = ValueOp{Type: tag}
	switch tag {
	case OpPut:
		if body == nil {
			return fmt.Errorf("put op missing value")
		}
		return json.Unmarshal(body, &self.Value)
	case OpPatch:
		if body == nil {
			return fmt.Errorf("patch op missing diff")
		}
		return json.Unmarshal(body, &self.Diff)
	case OpDelete:
		return nil
	default:
		return fmt.Errorf("unknown value op: %q", tag)
	}
}

// ObjectDiff is a field-level diff of one record (or nested object).
type ObjectDiff map[string]ValueOp

// RecordOp is one record-level operation inside a NetworkDiff.
// Wire form: ["put", record] | ["patch", d] | ["remove"].
type RecordOp struct {
	Type   string
	Record Record
	Diff   ObjectDiff
}

func (self RecordOp) MarshalJSON() ([]byte, error) {
	switch self.Type {
	case OpPut:
		return json.Marshal([]any{OpPut, self.Record})
	case OpPatch:
		return json.Marshal([]any{OpPatch, self.Diff})
	case OpRemove:
		return json.Marshal([]any{OpRemove})
	default:
		return nil, fmt.Errorf("unknown record op: %q", self.Type)
	}
}

func (self *RecordOp) UnmarshalJSON(b []byte) error {
	tag, body, err := decodeOpTuple(b)
	if err != nil {
		return err
	}
	*self = RecordOp{Type: tag}
	switch tag {
	case OpPut:
		if body == nil {
			return fmt.Errorf("put op missing record")
		}
		return json.Unmarshal(body, &self.Record)
	case OpPatch:
		if body == nil {
			return fmt.Errorf("patch op missing diff")
		}
		return json.Unmarshal(body, &self.Diff)
	case OpRemove:
		return nil
	default:
		return fmt.Errorf("unknown record op: %q", tag)
	}
}

// NetworkDiff maps record id to the operation that moves the record from one
// collection state to the next. After the initial snapshot this is the only
// thing sent over the wire for document mutations.
type NetworkDiff map[string]RecordOp

func decodeOpTuple(b []byte) (tag string, body json.RawMessage, err error) {
	var tuple []json.RawMessage
	if err = json.Unmarshal(b, &tuple); err != nil {
		return
	}
	if len(tuple) == 0 || len(tuple) > 2 {
		err = fmt.Errorf("op tuple must have 1 or 2 elements, got %d", len(tuple))
		return
	}
	if err = json.Unmarshal(tuple[0], &tag); err != nil {
		return
	}
	if len(tuple) == 2 {
		body = tuple[1]
	}
	return
}

// DiffObject computes a field-level diff between two plain objects.
// The second return is false when the objects are equal.
func DiffObject(prev map[string]any, next map[string]any) (ObjectDiff, bool) {
	diff := ObjectDiff{}
	for key, prevValue := range prev {
		nextValue, ok := next[key]
		if !ok {
			diff[key] = ValueOp{Type: OpDelete}
			continue
		}
		prevObject, prevIsObject := prevValue.(map[string]any)
		nextObject, nextIsObject := nextValue.(map[string]any)
		if prevIsObject && nextIsObject {
			if subDiff, changed := DiffObject(prevObject, nextObject); changed {
				diff[key] = ValueOp{Type: OpPatch, Diff: subDiff}
			}
			continue
		}
		if !valuesEqual(prevValue, nextValue) {
			diff[key] = ValueOp{Type: OpPut, Value: cloneValue(nextValue)}
		}
	}
	for key, nextValue := range next {
		if _, ok := prev[key]; !ok {
			diff[key] = ValueOp{Type: OpPut, Value: cloneValue(nextValue)}
		}
	}
	if len(diff) == 0 {
		return nil, false
	}
	return diff, true
}

// DiffRecord computes a field-level diff between two versions of a record.
func DiffRecord(prev Record, next Record) (ObjectDiff, bool) {
	return DiffObject(map[string]any(prev), map[string]any(next))
}

// ApplyObjectDiff reproduces the next object from the previous object and a
// diff. The input is never mutated.
func ApplyObjectDiff(obj map[string]any, diff ObjectDiff) map[string]any {
	out := make(map[string]any, len(obj))
	for key, value := range obj {
		out[key] = cloneValue(value)
	}
	for key, op := range diff {
		switch op.Type {
		case OpPut:
			out[key] = cloneValue(op.Value)
		case OpDelete:
			delete(out, key)
		case OpPatch:
			if child, ok := out[key].(map[string]any); ok {
				out[key] = ApplyObjectDiff(child, op.Diff)
			}
		}
	}
	return out
}

// ApplyRecordDiff is ApplyObjectDiff for records.
func ApplyRecordDiff(record Record, diff ObjectDiff) Record {
	return Record(ApplyObjectDiff(map[string]any(record), diff))
}

// GetNetworkDiff compares two whole record collections key by key.
func GetNetworkDiff(prev RecordStore, next RecordStore) (NetworkDiff, bool) {
	diff := NetworkDiff{}
	for id, prevRecord := range prev {
		nextRecord, ok := next[id]
		if !ok {
			diff[id] = RecordOp{Type: OpRemove}
			continue
		}
		if recordDiff, changed := DiffRecord(prevRecord, nextRecord); changed {
			diff[id] = RecordOp{Type: OpPatch, Diff: recordDiff}
		}
	}
	for id, nextRecord := range next {
		if _, ok := prev[id]; !ok {
			diff[id] = RecordOp{Type: OpPut, Record: nextRecord.Clone()}
		}
	}
	if len(diff) == 0 {
		return nil, false
	}
	return diff, true
}

// ApplyNetworkDiff applies a network diff to a store, returning a fresh
// store. Patches against missing records are dropped.
func ApplyNetworkDiff(store RecordStore, diff NetworkDiff) RecordStore {
	out := store.Clone()
	for id, op := range diff {
		switch op.Type {
		case OpPut:
			out[id] = op.Record.Clone()
		case OpRemove:
			delete(out, id)
		case OpPatch:
			if record, ok := out[id]; ok {
				out[id] = ApplyRecordDiff(record, op.Diff)
			}
		}
	}
	return out
}

// MergeNetworkDiffs layers b on top of a, producing the diff equivalent to
// applying a then b.
func MergeNetworkDiffs(a NetworkDiff, b NetworkDiff) NetworkDiff {
	out := NetworkDiff{}
	for id, op := range a {
		out[id] = op
	}
	for id, op := range b {
		prevOp, ok := out[id]
		if !ok {
			out[id] = op
			continue
		}
		switch op.Type {
		case OpPut, OpRemove:
			out[id] = op
		case OpPatch:
			switch prevOp.Type {
			case OpPut:
				out[id] = RecordOp{
					Type:   OpPut,
					Record: ApplyRecordDiff(prevOp.Record, op.Diff),
				}
			case OpPatch:
				out[id] = RecordOp{
					Type: OpPatch,
					Diff: mergeObjectDiffs(prevOp.Diff, op.Diff),
				}
			default:
				// patch after remove: the record came back by some other
				// path, keep the later op
				out[id] = op
			}
		}
	}
	return out
}

func mergeObjectDiffs(a ObjectDiff, b ObjectDiff) ObjectDiff {
	out := ObjectDiff{}
	for key, op := range a {
		out[key] = op
	}
	for key, op := range b {
		prevOp, ok := out[key]
		if !ok || op.Type != OpPatch {
			out[key] = op
			continue
		}
		switch prevOp.Type {
		case OpPut:
			if child, isObject := prevOp.Value.(map[string]any); isObject {
				out[key] = ValueOp{Type: OpPut, Value: ApplyObjectDiff(child, op.Diff)}
			} else {
				out[key] = op
			}
		case OpPatch:
			out[key] = ValueOp{Type: OpPatch, Diff: mergeObjectDiffs(prevOp.Diff, op.Diff)}
		default:
			out[key] = op
		}
	}
	return out
}
