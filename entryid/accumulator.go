package entryid

import (
	"github.com/RoaringBitmap/roaring/roaring64"
)

// Accumulator collects ids from many sources in any order. It is used where
// ids arrive unsorted or from many contributors at once, such as merge
// records and range scans.
type Accumulator struct {
	bm *roaring64.Bitmap
}

func NewAccumulator() *Accumulator {
	return &Accumulator{bm: roaring64.New()}
}

func (a *Accumulator) Add(id ID) {
	a.bm.Add(id)
}

func (a *Accumulator) AddMany(ids []ID) {
	a.bm.AddMany(ids)
}

// AddSet adds every id of a Defined set. Unbounded sets must be handled by
// the caller; they carry no ids.
func (a *Accumulator) AddSet(s Set) {
	if len(s.ids) > 0 {
		a.bm.AddMany(s.ids)
	}
}

func (a *Accumulator) Remove(id ID) {
	a.bm.Remove(id)
}

func (a *Accumulator) RemoveMany(ids []ID) {
	for _, id := range ids {
		a.bm.Remove(id)
	}
}

// Len returns the number of distinct ids collected.
func (a *Accumulator) Len() int {
	return int(a.bm.GetCardinality())
}

func (a *Accumulator) IsEmpty() bool {
	return a.bm.IsEmpty()
}

// Set returns the collected ids as a Defined set.
func (a *Accumulator) Set() Set {
	if a.bm.IsEmpty() {
		return Set{}
	}
	return Set{ids: a.bm.ToArray()}
}

func (a *Accumulator) Reset() {
	a.bm.Clear()
}
