package oplog

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Region is an inclusive range of oplog indices.
type Region struct {
	Start Index `json:"start"`
	End   Index `json:"end"`
}

// Contains reports whether idx lies within the region.
func (r Region) Contains(idx Index) bool { return r.Start <= idx && idx <= r.End }

func (r Region) String() string { return fmt.Sprintf("[%d..%d]", r.Start, r.End) }

// DeletedRegions is an ordered set of non-overlapping regions with an
// optional override set layered on top while a snapshot update is in flight.
type DeletedRegions struct {
	regions  []Region
	override *DeletedRegions
}

// NewDeletedRegions builds a normalized set from arbitrary regions.
func NewDeletedRegions(regions ...Region) DeletedRegions {
	var d DeletedRegions
	for _, r := range regions {
		d.Add(r)
	}
	return d
}

// Add inserts r, merging it with overlapping or adjacent regions.
func (d *DeletedRegions) Add(r Region) {
	if r.End < r.Start {
		return
	}
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].End.Next() >= r.Start })
	j := i
	for j < len(d.regions) && d.regions[j].Start <= r.End.Next() {
		if d.regions[j].Start < r.Start {
			r.Start = d.regions[j].Start
		}
		if d.regions[j].End > r.End {
			r.End = d.regions[j].End
		}
		j++
	}
	merged := make([]Region, 0, len(d.regions)-(j-i)+1)
	merged = append(merged, d.regions[:i]...)
	merged = append(merged, r)
	merged = append(merged, d.regions[j:]...)
	d.regions = merged
}

// AddAll inserts every region of other, ignoring its override.
func (d *DeletedRegions) AddAll(other DeletedRegions) {
	for _, r := range other.regions {
		d.Add(r)
	}
}

// IsInDeletedRegion reports whether idx is covered by the base set or the
// override.
func (d DeletedRegions) IsInDeletedRegion(idx Index) bool {
	if containsIndex(d.regions, idx) {
		return true
	}
	return d.override != nil && d.override.IsInDeletedRegion(idx)
}

func containsIndex(regions []Region, idx Index) bool {
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End >= idx })
	return i < len(regions) && regions[i].Start <= idx
}

// FindNextDeletedRegion returns the first region, base or override, that
// ends at or after idx.
func (d DeletedRegions) FindNextDeletedRegion(idx Index) (Region, bool) {
	all := d.Effective().regions
	i := sort.Search(len(all), func(i int) bool { return all[i].End >= idx })
	if i == len(all) {
		return Region{}, false
	}
	return all[i], true
}

// Effective returns the union of the base set and the override.
func (d DeletedRegions) Effective() DeletedRegions {
	out := DeletedRegions{regions: append([]Region(nil), d.regions...)}
	if d.override != nil {
		out.AddAll(d.override.Effective())
	}
	return out
}

// SetOverride installs o as the override, replacing any previous one.
func (d *DeletedRegions) SetOverride(o DeletedRegions) {
	c := o.Clone()
	c.override = nil
	d.override = &c
}

// MergeOverride folds the override into the base set and clears it.
func (d *DeletedRegions) MergeOverride() {
	if d.override == nil {
		return
	}
	d.AddAll(*d.override)
	d.override = nil
}

// DropOverride discards the override without merging it.
func (d *DeletedRegions) DropOverride() { d.override = nil }

// Override returns a copy of the override set, if any.
func (d DeletedRegions) Override() (DeletedRegions, bool) {
	if d.override == nil {
		return DeletedRegions{}, false
	}
	return d.override.Clone(), true
}

func (d DeletedRegions) IsOverridden() bool { return d.override != nil }

// Regions returns a copy of the base regions in ascending order.
func (d DeletedRegions) Regions() []Region { return append([]Region(nil), d.regions...) }

func (d DeletedRegions) IsEmpty() bool { return len(d.regions) == 0 && d.override == nil }

func (d DeletedRegions) Clone() DeletedRegions {
	c := DeletedRegions{regions: append([]Region(nil), d.regions...)}
	if d.override != nil {
		o := d.override.Clone()
		c.override = &o
	}
	return c
}

// Equal compares base regions and overrides.
func (d DeletedRegions) Equal(o DeletedRegions) bool {
	if len(d.regions) != len(o.regions) {
		return false
	}
	for i := range d.regions {
		if d.regions[i] != o.regions[i] {
			return false
		}
	}
	if (d.override == nil) != (o.override == nil) {
		return false
	}
	return d.override == nil || d.override.Equal(*o.override)
}

func (d DeletedRegions) String() string {
	s := fmt.Sprint(d.regions)
	if d.override != nil {
		s += " override=" + d.override.String()
	}
	return s
}

type regionsJSON struct {
	Regions  []Region        `json:"regions"`
	Override *DeletedRegions `json:"override,omitempty"`
}

func (d DeletedRegions) MarshalJSON() ([]byte, error) {
	regions := d.regions
	if regions == nil {
		regions = []Region{}
	}
	return json.Marshal(regionsJSON{Regions: regions, Override: d.override})
}

func (d *DeletedRegions) UnmarshalJSON(b []byte) error {
	var raw regionsJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = NewDeletedRegions(raw.Regions...)
	if raw.Override != nil {
		d.SetOverride(*raw.Override)
	}
	return nil
}
