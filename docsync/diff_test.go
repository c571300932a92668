package docsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testRecord(id string, typeName string, fields map[string]any) Record {
	record := Record{}
	for key, value := range fields {
		record[key] = value
	}
	record[RecordFieldId] = id
	record[RecordFieldTypeName] = typeName
	return record
}

func TestDiffRecordRoundTrip(t *testing.T) {
	pairs := [][2]Record{
		{
			testRecord("shape:1", "geo", map[string]any{"x": 0.0, "y": 0.0}),
			testRecord("shape:1", "geo", map[string]any{"x": 10.0, "y": 0.0}),
		},
		{
			testRecord("shape:1", "geo", map[string]any{
				"props": map[string]any{"w": 100.0, "h": 50.0, "label": "a"},
			}),
			testRecord("shape:1", "geo", map[string]any{
				"props": map[string]any{"w": 100.0, "h": 60.0},
			}),
		},
		{
			testRecord("shape:1", "geo", map[string]any{
				"points": []any{1.0, 2.0},
			}),
			testRecord("shape:1", "geo", map[string]any{
				"points": []any{1.0, 2.0, 3.0},
				"closed": true,
			}),
		},
		{
			testRecord("page:1", "page", map[string]any{"name": "one"}),
			testRecord("page:1", "page", map[string]any{
				"name": "one",
				"meta": map[string]any{"locked": false},
			}),
		},
	}

	for _, pair := range pairs {
		prev := pair[0]
		next := pair[1]

		diff, changed := DiffRecord(prev, next)
		assert.Equal(t, true, changed)
		applied := ApplyRecordDiff(prev, diff)
		assert.Equal(t, true, next.Equal(applied))

		// the input is never mutated
		assert.Equal(t, true, prev.Equal(pair[0]))

		// diffs survive the wire
		b, err := json.Marshal(diff)
		assert.Equal(t, err, nil)
		decoded := ObjectDiff{}
		err = json.Unmarshal(b, &decoded)
		assert.Equal(t, err, nil)
		applied = ApplyRecordDiff(prev, decoded)
		assert.Equal(t, true, next.Equal(applied))
	}
}

func TestDiffRecordUnchanged(t *testing.T) {
	record := testRecord("shape:1", "geo", map[string]any{
		"x":     1.0,
		"props": map[string]any{"w": 2.0},
		"list":  []any{"a", "b"},
	})
	diff, changed := DiffRecord(record, record.Clone())
	assert.Equal(t, false, changed)
	assert.Equal(t, diff, nil)
}

func TestDiffArraysReplaceWholesale(t *testing.T) {
	prev := testRecord("shape:1", "line", map[string]any{
		"points": []any{map[string]any{"x": 0.0}, map[string]any{"x": 1.0}},
	})
	next := testRecord("shape:1", "line", map[string]any{
		"points": []any{map[string]any{"x": 0.0}, map[string]any{"x": 2.0}},
	})
	diff, changed := DiffRecord(prev, next)
	assert.Equal(t, true, changed)
	assert.Equal(t, OpPut, diff["points"].Type)
}

func TestNetworkDiffRoundTrip(t *testing.T) {
	prev := RecordStore{
		"shape:1": testRecord("shape:1", "geo", map[string]any{"x": 0.0}),
		"shape:2": testRecord("shape:2", "geo", map[string]any{"x": 1.0}),
	}
	next := RecordStore{
		"shape:2": testRecord("shape:2", "geo", map[string]any{"x": 5.0}),
		"shape:3": testRecord("shape:3", "geo", map[string]any{"x": 2.0}),
	}

	diff, changed := GetNetworkDiff(prev, next)
	assert.Equal(t, true, changed)
	assert.Equal(t, OpRemove, diff["shape:1"].Type)
	assert.Equal(t, OpPatch, diff["shape:2"].Type)
	assert.Equal(t, OpPut, diff["shape:3"].Type)

	applied := ApplyNetworkDiff(prev, diff)
	assert.Equal(t, true, next.Equal(applied))

	b, err := json.Marshal(diff)
	assert.Equal(t, err, nil)
	decoded := NetworkDiff{}
	err = json.Unmarshal(b, &decoded)
	assert.Equal(t, err, nil)
	applied = ApplyNetworkDiff(prev, decoded)
	assert.Equal(t, true, next.Equal(applied))

	_, changed = GetNetworkDiff(next, next.Clone())
	assert.Equal(t, false, changed)
}

func TestApplyNetworkDiffLenient(t *testing.T) {
	store := RecordStore{}
	diff := NetworkDiff{
		"shape:9": {Type: OpPatch, Diff: ObjectDiff{"x": {Type: OpPut, Value: 1.0}}},
	}
	applied := ApplyNetworkDiff(store, diff)
	assert.Equal(t, 0, len(applied))
}

func TestMergeNetworkDiffs(t *testing.T) {
	base := RecordStore{
		"shape:1": testRecord("shape:1", "geo", map[string]any{"x": 0.0, "y": 0.0}),
	}
	a, _ := GetNetworkDiff(base, RecordStore{
		"shape:1": testRecord("shape:1", "geo", map[string]any{"x": 1.0, "y": 0.0}),
		"shape:2": testRecord("shape:2", "geo", map[string]any{"x": 9.0}),
	})
	second := RecordStore{
		"shape:1": testRecord("shape:1", "geo", map[string]any{"x": 1.0, "y": 2.0}),
	}
	b, _ := GetNetworkDiff(RecordStore{
		"shape:1": testRecord("shape:1", "geo", map[string]any{"x": 1.0, "y": 0.0}),
		"shape:2": testRecord("shape:2", "geo", map[string]any{"x": 9.0}),
	}, second)

	merged := MergeNetworkDiffs(a, b)
	applied := ApplyNetworkDiff(base, merged)
	assert.Equal(t, true, second.Equal(applied))
}
