// Package index implements the concurrent URI index: a closed-addressing
// hash table whose read path (Find) never blocks and whose write path
// (Insert, Remove) is serialized by a single mutex.
//
// The table never resizes; the bucket count is fixed at construction and
// rounded up to a power of two.
package index

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrDuplicate is returned by Insert when a live entry already exists for
// the given URI.
var ErrDuplicate = errors.New("index: duplicate uri")

// node is one link in a bucket's singly-linked chain. Chains are rebuilt
// (not mutated in place) on insert/remove, so a reader that loaded a node
// via an atomic load may safely keep following next pointers without ever
// observing a torn update.
type node struct {
	key   string
	entry *Entry
	next  atomic.Pointer[node]
}

// Index is the URI -> ObjectEntry map.
type Index struct {
	mu      sync.Mutex // serializes Insert/Remove; Find never takes it
	buckets []atomic.Pointer[node]
	mask    uint64
}

// New creates an index sized for roughly expectedPopulation entries. The
// bucket count is the next power of two at least as large as
// expectedPopulation, with a floor of 16.
func New(expectedPopulation int) *Index {
	n := 16
	for n < expectedPopulation {
		n *= 2
	}
	return &Index{
		buckets: make([]atomic.Pointer[node], n),
		mask:    uint64(n - 1),
	}
}

func (idx *Index) bucketFor(uri string) *atomic.Pointer[node] {
	h := xxhash.Sum64String(uri)
	return &idx.buckets[h&idx.mask]
}

// EntryRef pins an Entry against destruction for the lifetime of the
// handle. The holder must call Release exactly once when done.
type EntryRef struct {
	entry *Entry
}

// Entry returns the pinned entry.
func (r EntryRef) Entry() *Entry { return r.entry }

// Release drops the pin obtained by Find or Remove.
func (r EntryRef) Release() {
	if r.entry != nil {
		r.entry.release()
	}
}

// Find performs a wait-free lookup: it hashes the key, atomically loads the
// bucket head, and walks next pointers comparing keys, taking no lock.
// A hit records access-time bookkeeping on the entry and returns an
// EntryRef that must be released by the caller.
func (idx *Index) Find(uri string) (EntryRef, bool) {
	return idx.find(uri, true)
}

// Peek reports the live entry for uri, if any, without pinning it or
// recording access stats. Used by the manager's startup scan to check
// whether a faster tier already claimed a URI before inserting a
// duplicate. The returned pointer must not be retained past the caller's
// current operation: it carries no pin.
func (idx *Index) Peek(uri string) *Entry { return idx.peek(uri) }

// peek is like Find but does not record access stats or pin the entry; used
// internally by Insert to check for an existing live entry without the
// side effects a real lookup has.
func (idx *Index) peek(uri string) *Entry {
	n := idx.bucketFor(uri).Load()
	for n != nil {
		if n.key == uri && !n.entry.removed.Load() {
			return n.entry
		}
		n = n.next.Load()
	}
	return nil
}

func (idx *Index) find(uri string, recordAccess bool) (EntryRef, bool) {
	n := idx.bucketFor(uri).Load()
	for n != nil {
		if n.key == uri {
			if n.entry.removed.Load() {
				return EntryRef{}, false
			}
			n.entry.pin()
			if recordAccess {
				n.entry.recordAccess(time.Now())
			}
			return EntryRef{entry: n.entry}, true
		}
		n = n.next.Load()
	}
	return EntryRef{}, false
}

// Insert adds entry under entry.URI, failing with ErrDuplicate if a live
// entry already exists for that URI. Writer-serialized.
func (idx *Index) Insert(entry *Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.peek(entry.URI) != nil {
		return ErrDuplicate
	}

	head := idx.bucketFor(entry.URI)
	n := &node{key: entry.URI, entry: entry}
	n.next.Store(head.Load())
	head.Store(n)
	return nil
}

// Remove unlinks the live entry for uri, if any, and returns an EntryRef
// pinning it so the caller may still use it (e.g. to read its DRef for a
// final delete/unlink) before releasing, at which point the entry's
// destroy callback fires if no other reader is using it.
func (idx *Index) Remove(uri string) (EntryRef, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	head := idx.bucketFor(uri)
	var prevNodes []*node
	n := head.Load()
	for n != nil {
		if n.key == uri && !n.entry.removed.Load() {
			break
		}
		prevNodes = append(prevNodes, n)
		n = n.next.Load()
	}
	if n == nil {
		return EntryRef{}, false
	}

	// Rebuild the chain without n, preserving relative order, and publish it
	// with a single atomic store so concurrent readers either see the whole
	// old chain or the whole new one for any node they have not yet passed.
	rest := n.next.Load()
	for i := len(prevNodes) - 1; i >= 0; i-- {
		newNode := &node{key: prevNodes[i].key, entry: prevNodes[i].entry}
		newNode.next.Store(rest)
		rest = newNode
	}
	head.Store(rest)

	n.entry.markRemoved()
	n.entry.pin() // the returned EntryRef's pin
	return EntryRef{entry: n.entry}, true
}

// ReplaceLocation looks up uri and, if present, atomically updates its
// (tier, storage path) pair. Reports whether the entry was found.
func (idx *Index) ReplaceLocation(uri string, loc Location) bool {
	entry := idx.peek(uri)
	if entry == nil {
		return false
	}
	entry.ReplaceLocation(loc)
	return true
}

// ForEach visits live entries in an unspecified order, taking no lock
// longer than a single bucket's chain walk. Used by the promoter's
// sampling pass and the idle-descriptor evictor. Stop early by returning
// false from visit.
func (idx *Index) ForEach(visit func(*Entry) bool) {
	for i := range idx.buckets {
		n := idx.buckets[i].Load()
		for n != nil {
			if !n.entry.removed.Load() {
				if !visit(n.entry) {
					return
				}
			}
			n = n.next.Load()
		}
	}
}

// Stats summarizes table occupancy. ChainLengths maps a bucket's live
// chain length to the number of buckets at that length, a cheap proxy for
// hash quality in a table that never resizes.
type Stats struct {
	Buckets      int
	Entries      int
	ChainLengths map[int]int
}

func (idx *Index) Stats() Stats {
	s := Stats{Buckets: len(idx.buckets), ChainLengths: make(map[int]int)}
	for i := range idx.buckets {
		chain := 0
		n := idx.buckets[i].Load()
		for n != nil {
			if !n.entry.removed.Load() {
				chain++
			}
			n = n.next.Load()
		}
		s.Entries += chain
		s.ChainLengths[chain]++
	}
	return s
}
