package index

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objmapper/objmapperd/internal/dref"
)

// PolicyFlags is a bitmask of per-object placement policy bits.
type PolicyFlags uint32

const (
	PolicyNone      PolicyFlags = 0
	PolicyEphemeral PolicyFlags = 1 << iota
	PolicyPinned
)

// Location is the (tier, storage path) pair. The two fields must change
// together: a migration swaps the whole pair atomically so a reader never
// observes a tier matched with the other tier's path.
type Location struct {
	TierID      string
	StoragePath string
}

// Entry is one object's index record. External code never constructs an
// Entry directly except through Index.Insert's argument; the index governs
// its lifetime from there.
type Entry struct {
	URI string

	loc atomic.Pointer[Location]

	sizeBytes   atomic.Int64
	mtimeUnixNS atomic.Int64
	flags       atomic.Uint32

	dref atomic.Pointer[dref.Cell]

	accessCount         atomic.Uint64
	lastAccessMonotonic atomic.Int64 // unix nanos
	hotnessBits         atomic.Uint64

	refCount atomic.Int64
	removed  atomic.Bool

	destroyOnce sync.Once
	destroy     func()
}

// NewEntry creates an entry ready for Index.Insert. destroy is invoked
// exactly once, the first time the entry has been both removed from the
// index and has no outstanding EntryRef pinning it. Synchronization
// inside the destroy callback itself is the caller's responsibility.
func NewEntry(u string, loc Location, sizeBytes int64, mtime time.Time, flags PolicyFlags, cell *dref.Cell, destroy func()) *Entry {
	e := &Entry{URI: u, destroy: destroy}
	e.dref.Store(cell)
	l := loc
	e.loc.Store(&l)
	e.sizeBytes.Store(sizeBytes)
	e.mtimeUnixNS.Store(mtime.UnixNano())
	e.flags.Store(uint32(flags))
	return e
}

// DRef returns the entry's current DescriptorCell. Callers must re-fetch
// after any operation that might migrate the entry (ReplaceDRef), rather
// than caching the returned pointer across suspension points.
func (e *Entry) DRef() *dref.Cell { return e.dref.Load() }

// ReplaceDRef atomically swaps in a new descriptor cell during migration.
// The old cell is returned so the caller can request its close once
// outstanding borrows against it have drained; the caller must not close
// it directly.
func (e *Entry) ReplaceDRef(cell *dref.Cell) (old *dref.Cell) {
	return e.dref.Swap(cell)
}

// Location returns the current (tier, storage path) pair. Coherent with
// respect to concurrent ReplaceLocation calls.
func (e *Entry) Location() Location { return *e.loc.Load() }

// ReplaceLocation atomically swaps the entry's tier/storage-path pair
// during migration. Outstanding borrows against the old descriptor are
// unaffected: the cell itself is swapped by the caller, and the old one
// closes only once those borrows drain.
func (e *Entry) ReplaceLocation(loc Location) {
	l := loc
	e.loc.Store(&l)
}

func (e *Entry) SizeBytes() int64     { return e.sizeBytes.Load() }
func (e *Entry) SetSizeBytes(n int64) { e.sizeBytes.Store(n) }

func (e *Entry) MTime() time.Time     { return time.Unix(0, e.mtimeUnixNS.Load()) }
func (e *Entry) SetMTime(t time.Time) { e.mtimeUnixNS.Store(t.UnixNano()) }

func (e *Entry) Flags() PolicyFlags { return PolicyFlags(e.flags.Load()) }

func (e *Entry) Ephemeral() bool { return e.Flags()&PolicyEphemeral != 0 }
func (e *Entry) Pinned() bool    { return e.Flags()&PolicyPinned != 0 }

func (e *Entry) SetPinned(pinned bool) {
	for {
		old := e.flags.Load()
		var next uint32
		if pinned {
			next = old | uint32(PolicyPinned)
		} else {
			next = old &^ uint32(PolicyPinned)
		}
		if e.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// AccessCount and LastAccess are updated by Index.Find on every successful
// lookup.
func (e *Entry) AccessCount() uint64 { return e.accessCount.Load() }

func (e *Entry) LastAccess() time.Time {
	return time.Unix(0, e.lastAccessMonotonic.Load())
}

func (e *Entry) recordAccess(now time.Time) {
	e.accessCount.Add(1)
	e.lastAccessMonotonic.Store(now.UnixNano())
}

// Hotness returns the cached hotness score, refreshed by the promoter.
func (e *Entry) Hotness() float64 {
	return math.Float64frombits(e.hotnessBits.Load())
}

func (e *Entry) SetHotness(h float64) {
	e.hotnessBits.Store(math.Float64bits(h))
}

// pin increments the entry's outstanding-reader count.
func (e *Entry) pin() { e.refCount.Add(1) }

// release decrements the outstanding-reader count, destroying the entry's
// backing resources if this was the last reference after removal.
func (e *Entry) release() {
	if e.refCount.Add(-1) == 0 && e.removed.Load() {
		e.destroyOnce.Do(func() {
			if e.destroy != nil {
				e.destroy()
			}
		})
	}
}

// markRemoved flags the entry as unlinked from the index. The caller must
// already hold a pin (from Index.Remove's own implicit reference) so that
// destruction is deferred to that pin's Release.
func (e *Entry) markRemoved() { e.removed.Store(true) }
