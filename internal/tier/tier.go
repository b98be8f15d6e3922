// Package tier implements one filesystem-backed storage region with a
// capacity limit and a persistence policy.
package tier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Policy is the persistence policy of a tier.
type Policy int

const (
	Persistent Policy = iota
	Volatile
)

func (p Policy) String() string {
	if p == Volatile {
		return "volatile"
	}
	return "persistent"
}

// Role is one of the placement roles a tier may carry.
type Role int

const (
	RoleDefaultTarget Role = iota
	RoleEphemeralTarget
	RolePromotionCache
)

// ErrNoSpace is returned by Create when accepting the object would push
// used_bytes past capacity_bytes.
var ErrNoSpace = errors.New("tier: no space")

// ErrNotFound is returned by Open/Delete for a storage path that does not
// exist on this tier.
var ErrNotFound = errors.New("tier: not found")

// OpenMode selects read or write access for Open.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
)

// Status reports a tier's current utilization.
type Status struct {
	CapacityBytes int64
	UsedBytes     int64
	ObjectCount   int64
	Utilization   float64
}

// Tier is one mount-rooted directory with bookkeeping.
type Tier struct {
	ID            string
	Name          string
	MountRoot     string
	CapacityBytes int64
	Policy        Policy
	Roles         map[Role]bool
	Weight        int // lower is faster; used to sort tiers fastest-first.

	Aux *AuxIndex

	mu          sync.Mutex
	usedBytes   int64
	objectCount int64
}

// New creates a Tier rooted at mountRoot, which must already exist.
func New(id, name, mountRoot string, capacityBytes int64, policy Policy, weight int, roles ...Role) *Tier {
	roleSet := make(map[Role]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return &Tier{
		ID:            id,
		Name:          name,
		MountRoot:     mountRoot,
		CapacityBytes: capacityBytes,
		Policy:        policy,
		Weight:        weight,
		Roles:         roleSet,
		Aux:           newAuxIndex(),
	}
}

func (t *Tier) HasRole(r Role) bool { return t.Roles[r] }

// HasSpace reports whether the tier can currently accept hintBytes more.
func (t *Tier) HasSpace(hintBytes int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedBytes+hintBytes <= t.CapacityBytes
}

// PathFor derives the deterministic, one-to-one storage path for uri.
// Rather than a hash-split tree (which would need a side table to reverse
// at startup scan), the URI is used directly as the relative path with
// its leading slash stripped, so Enumerate can recover the original URI
// from relative_path with no auxiliary state.
func PathFor(uri string) (string, error) {
	rel := strings.TrimPrefix(uri, "/")
	for _, part := range strings.Split(rel, "/") {
		if part == ".." || part == "." {
			return "", fmt.Errorf("tier: illegal path component in uri %q", uri)
		}
	}
	return rel, nil
}

// URIForPath reverses PathFor for use by Enumerate.
func URIForPath(relPath string) string {
	return "/" + relPath
}

// stagingInfix marks a migration's in-flight destination file. A staging
// file never sits at a canonical object path; Enumerate removes any left
// behind by a crash mid-copy.
const stagingInfix = ".migrating-"

// reserve accounts hintBytes and one object against capacity, failing
// with ErrNoSpace when it would not fit.
func (t *Tier) reserve(hintBytes int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.usedBytes+hintBytes > t.CapacityBytes {
		return ErrNoSpace
	}
	t.usedBytes += hintBytes
	t.objectCount++
	return nil
}

func (t *Tier) unreserve(hintBytes int64) {
	t.AdjustUsed(-hintBytes)
	t.decrementCount()
}

// Create allocates storagePath for uri, creates the file, and reserves
// hintBytes in used_bytes. The reservation is not adjusted to the bytes
// later written unless a caller invokes AdjustUsed. Returns the
// writable descriptor so the caller can pass it straight to the
// DescriptorCell that will back the new ObjectEntry.
func (t *Tier) Create(uri string, hintBytes int64) (storagePath string, f *os.File, err error) {
	if err := t.reserve(hintBytes); err != nil {
		return "", nil, err
	}

	rel, err := PathFor(uri)
	if err != nil {
		t.unreserve(hintBytes)
		return "", nil, err
	}

	full := filepath.Join(t.MountRoot, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.unreserve(hintBytes)
		return "", nil, fmt.Errorf("tier: mkdir: %w", err)
	}

	f, err = os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		t.unreserve(hintBytes)
		return "", nil, fmt.Errorf("tier: create: %w", err)
	}

	t.Aux.Put(uri, rel)
	return rel, f, nil
}

// CreateStaging allocates a temporary file beside uri's canonical path,
// reserving hintBytes. The file is invisible to lookups and to the
// startup scan until Promote renames it onto the canonical path, so a
// crash mid-copy never leaves a partial file at a name the scan would
// trust over the intact source copy.
func (t *Tier) CreateStaging(uri string, hintBytes int64) (stagingPath string, f *os.File, err error) {
	if err := t.reserve(hintBytes); err != nil {
		return "", nil, err
	}

	rel, err := PathFor(uri)
	if err != nil {
		t.unreserve(hintBytes)
		return "", nil, err
	}

	full := filepath.Join(t.MountRoot, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.unreserve(hintBytes)
		return "", nil, fmt.Errorf("tier: mkdir: %w", err)
	}

	f, err = os.CreateTemp(filepath.Dir(full), filepath.Base(full)+stagingInfix+"*")
	if err != nil {
		t.unreserve(hintBytes)
		return "", nil, fmt.Errorf("tier: create staging: %w", err)
	}
	_ = f.Chmod(0o644)

	relStaging, err := filepath.Rel(t.MountRoot, f.Name())
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		t.unreserve(hintBytes)
		return "", nil, err
	}
	return filepath.ToSlash(relStaging), f, nil
}

// Promote renames a staging file onto uri's canonical path and records
// the mapping in the aux index. Rename is atomic within the mount root,
// so a reader either finds the old canonical file or the fully-copied
// new one, never a partial write.
func (t *Tier) Promote(uri, stagingPath string) (storagePath string, err error) {
	rel, err := PathFor(uri)
	if err != nil {
		return "", err
	}
	if err := os.Rename(filepath.Join(t.MountRoot, stagingPath), filepath.Join(t.MountRoot, rel)); err != nil {
		return "", fmt.Errorf("tier: promote staging: %w", err)
	}
	t.Aux.Put(uri, rel)
	return rel, nil
}

// DiscardStaging removes a staging file that will not be promoted and
// releases its reservation.
func (t *Tier) DiscardStaging(stagingPath string, hintBytes int64) {
	_ = os.Remove(filepath.Join(t.MountRoot, stagingPath))
	t.unreserve(hintBytes)
}

// Open opens storagePath for the given mode.
func (t *Tier) Open(storagePath string, mode OpenMode) (*os.File, error) {
	full := filepath.Join(t.MountRoot, storagePath)
	flags := os.O_RDONLY
	if mode == ReadWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(full, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tier: open: %w", err)
	}
	return f, nil
}

// Delete unlinks storagePath and decrements used_bytes by sizeBytes (the
// size recorded in the owning ObjectEntry).
func (t *Tier) Delete(uri, storagePath string, sizeBytes int64) error {
	full := filepath.Join(t.MountRoot, storagePath)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("tier: delete: %w", err)
	}
	t.AdjustUsed(-sizeBytes)
	t.decrementCount()
	t.Aux.Delete(uri)
	return nil
}

// AdjustUsed corrects used_bytes after a create's hint turns out to
// differ from the bytes actually written.
func (t *Tier) AdjustUsed(delta int64) {
	t.mu.Lock()
	t.usedBytes += delta
	if t.usedBytes < 0 {
		t.usedBytes = 0
	}
	t.mu.Unlock()
}

func (t *Tier) decrementCount() {
	t.mu.Lock()
	if t.objectCount > 0 {
		t.objectCount--
	}
	t.mu.Unlock()
}

// Stat returns the size and modification time of storagePath.
func (t *Tier) Stat(storagePath string) (size int64, mtime time.Time, err error) {
	fi, err := os.Stat(filepath.Join(t.MountRoot, storagePath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, time.Time{}, ErrNotFound
		}
		return 0, time.Time{}, err
	}
	return fi.Size(), fi.ModTime(), nil
}

// Enumerate walks the mount root reporting (relative_path, size, mtime)
// triples, used at startup to seed the index.
func (t *Tier) Enumerate(visit func(relPath string, size int64, mtime time.Time) error) error {
	var total int64
	var count int64
	err := filepath.Walk(t.MountRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.Contains(info.Name(), stagingInfix) {
			// Leftover from a migration interrupted mid-copy; the source
			// tier still holds the intact original.
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			return nil
		}
		rel, relErr := filepath.Rel(t.MountRoot, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		total += info.Size()
		count++
		return visit(rel, info.Size(), info.ModTime())
	})
	if err != nil {
		return fmt.Errorf("tier: enumerate: %w", err)
	}

	t.mu.Lock()
	t.usedBytes = total
	t.objectCount = count
	t.mu.Unlock()
	return nil
}

// Status reports current utilization.
func (t *Tier) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	util := 0.0
	if t.CapacityBytes > 0 {
		util = float64(t.usedBytes) / float64(t.CapacityBytes)
	}
	return Status{
		CapacityBytes: t.CapacityBytes,
		UsedBytes:     t.usedBytes,
		ObjectCount:   t.objectCount,
		Utilization:   util,
	}
}

// AuxIndex is the tier's own URI -> storage_path table, consulted by the
// manager's lookup path on an index miss. It stores only strings, never a
// pointer into the global index's entries, so the two structures share no
// reclamation concerns.
type AuxIndex struct {
	mu sync.RWMutex
	m  map[string]string
}

func newAuxIndex() *AuxIndex { return &AuxIndex{m: make(map[string]string)} }

func (a *AuxIndex) Put(uri, storagePath string) {
	a.mu.Lock()
	a.m[uri] = storagePath
	a.mu.Unlock()
}

func (a *AuxIndex) Get(uri string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.m[uri]
	return p, ok
}

func (a *AuxIndex) Delete(uri string) {
	a.mu.Lock()
	delete(a.m, uri)
	a.mu.Unlock()
}
