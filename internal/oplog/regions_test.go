package oplog

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeletedRegionsAddMerges(t *testing.T) {
	tests := []struct {
		name string
		add  []Region
		want []Region
	}{
		{"disjoint", []Region{{10, 12}, {2, 4}}, []Region{{2, 4}, {10, 12}}},
		{"overlap", []Region{{2, 6}, {5, 9}}, []Region{{2, 9}}},
		{"adjacent", []Region{{2, 4}, {5, 7}}, []Region{{2, 7}}},
		{"engulf", []Region{{3, 4}, {6, 7}, {1, 10}}, []Region{{1, 10}}},
		{"bridge", []Region{{1, 2}, {8, 9}, {3, 7}}, []Region{{1, 9}}},
		{"inverted ignored", []Region{{5, 3}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDeletedRegions(tt.add...)
			assert.Equal(t, tt.want, d.Regions())
		})
	}
}

func TestDeletedRegionsLookup(t *testing.T) {
	d := NewDeletedRegions(Region{2, 4}, Region{10, 12})

	for idx, want := range map[Index]bool{1: false, 2: true, 4: true, 5: false, 9: false, 10: true, 12: true, 13: false} {
		assert.Equal(t, want, d.IsInDeletedRegion(idx), "index %d", idx)
	}

	r, ok := d.FindNextDeletedRegion(5)
	require.True(t, ok)
	assert.Equal(t, Region{10, 12}, r)

	r, ok = d.FindNextDeletedRegion(3)
	require.True(t, ok)
	assert.Equal(t, Region{2, 4}, r)

	_, ok = d.FindNextDeletedRegion(13)
	assert.False(t, ok)
}

func TestDeletedRegionsOverride(t *testing.T) {
	d := NewDeletedRegions(Region{5, 6})
	d.SetOverride(NewDeletedRegions(Region{2, 3}))

	assert.True(t, d.IsOverridden())
	assert.True(t, d.IsInDeletedRegion(2), "override is consulted")
	assert.Equal(t, []Region{{5, 6}}, d.Regions(), "base set untouched")

	merged := d.Clone()
	merged.MergeOverride()
	assert.False(t, merged.IsOverridden())
	assert.Equal(t, []Region{{2, 3}, {5, 6}}, merged.Regions())

	dropped := d.Clone()
	dropped.DropOverride()
	assert.False(t, dropped.IsInDeletedRegion(2))
	assert.Equal(t, []Region{{5, 6}}, dropped.Regions())

	assert.False(t, d.Equal(dropped))
	assert.True(t, d.Equal(d.Clone()))
}

func TestDeletedRegionsJSON(t *testing.T) {
	d := NewDeletedRegions(Region{2, 4})
	d.SetOverride(NewDeletedRegions(Region{2, 9}))

	b, err := json.Marshal(d)
	require.NoError(t, err)

	var back DeletedRegions
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, d.Equal(back), "got %s", back)
}

func TestIndexArithmetic(t *testing.T) {
	assert.Equal(t, Index(2), InitialIndex.Next())
	assert.Equal(t, NoneIndex, NoneIndex.Previous())
	assert.Equal(t, NoneIndex, Index(3).Subtract(5))
	assert.Equal(t, Index(7), Index(5).RangeEnd(3))
	assert.Equal(t, Index(4), Index(5).RangeEnd(0))
}

func TestParseOwnedWorkerID(t *testing.T) {
	owned := OwnedWorkerID{
		ProjectID: uuid.New(),
		WorkerID:  WorkerID{ComponentID: uuid.New(), Name: "shard/7"},
	}
	got, err := ParseOwnedWorkerID(owned.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != owned {
		t.Fatalf("got %v want %v", got, owned)
	}
	for _, bad := range []string{"", "a/b", owned.ProjectID.String() + "/x/name", owned.ProjectID.String() + "/" + owned.WorkerID.ComponentID.String() + "/"} {
		if _, err := ParseOwnedWorkerID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
