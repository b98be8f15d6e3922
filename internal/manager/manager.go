// Package manager implements the tier manager: placement, lookup, create,
// delete, promotion and eviction over an ordered list of tiers and a
// shared URI index.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objmapper/objmapperd/internal/clockutil"
	"github.com/objmapper/objmapperd/internal/dref"
	"github.com/objmapper/objmapperd/internal/index"
	"github.com/objmapper/objmapperd/internal/telemetry"
	"github.com/objmapper/objmapperd/internal/tier"
	"golang.org/x/time/rate"
)

// migrationCopyBufSize is the chunk size copyMigration reads/writes and
// the minimum burst a configured migrationLimiter must allow.
const migrationCopyBufSize = 256 * 1024

// ErrNotFound reports that no tier holds the requested URI.
var ErrNotFound = errors.New("manager: not found")

// ErrNoEphemeralTier is returned by Create(flags.Ephemeral=true) when no
// tier carries the ephemeral-target role.
var ErrNoEphemeralTier = errors.New("manager: no ephemeral-target tier configured")

// ErrEphemeralTierMisconfigured flags an ephemeral-target tier that is
// not volatile. Ephemeral objects must never land on a persistent tier.
var ErrEphemeralTierMisconfigured = errors.New("manager: ephemeral-target tier must be volatile")

// PlacementFlags carries the caller's placement intent.
type PlacementFlags struct {
	Ephemeral bool
}

// Config holds the promoter's tunables.
type Config struct {
	TickInterval     time.Duration
	HalfLife         time.Duration
	PromoteThreshold float64
	DemoteThreshold  float64
	LowWaterTarget   float64 // fraction of capacity to evict a full tier down to
	HighWaterMark    float64 // fraction of capacity that triggers proactive demotion

	// MigrationBytesPerSec caps promotion/demotion copy throughput.
	// Zero means unlimited.
	MigrationBytesPerSec float64
}

// DefaultConfig returns promoter defaults suitable for a two-tier setup.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		HalfLife:         5 * time.Minute,
		PromoteThreshold: 0.7,
		DemoteThreshold:  0.2,
		LowWaterTarget:   0.8,
		HighWaterMark:    0.95,
		// MigrationBytesPerSec: 0 (unlimited) by default.
	}
}

// Stats counters are updated with atomic adds; no consistency among
// counters is promised or needed.
type Stats struct {
	Requests   atomic.Uint64
	Hits       atomic.Uint64
	Misses     atomic.Uint64
	Errors     atomic.Uint64
	Promotions atomic.Uint64
	Demotions  atomic.Uint64
	Evictions  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats, safe to hand to a caller.
type StatsSnapshot struct {
	Requests, Hits, Misses, Errors   uint64
	Promotions, Demotions, Evictions uint64
}

// EvictionReport summarizes one EvictTier pass.
type EvictionReport struct {
	TierID         string
	ObjectsEvicted int
	BytesFreed     int64
}

// Result pairs a pinned index entry with a borrowed descriptor handle.
type Result struct {
	Ref    index.EntryRef
	Handle dref.Handle
}

// Release drops both the descriptor borrow and the index pin. Callers must
// call this exactly once when done with the result.
func (r Result) Release() {
	if r.Ref.Entry() != nil {
		r.Ref.Entry().DRef().Drop(r.Handle)
	}
	r.Ref.Release()
}

// Manager owns the ordered tier list, the index, and the promoter worker.
type Manager struct {
	tiers   []*tier.Tier // sorted fastest-first by Weight
	idx     *index.Index
	clock   clockutil.Clock
	cfg     Config
	budget  *dref.Budget
	metrics telemetry.Handle

	// migrationLimiter throttles the byte-copy step of migrate, the
	// promoter's only sustained-I/O operation. nil when
	// cfg.MigrationBytesPerSec is zero (unlimited).
	migrationLimiter *rate.Limiter

	Stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager. tiers is copied and sorted fastest-first.
// metrics may be nil, in which case moves and evictions go unrecorded.
func New(tiers []*tier.Tier, idx *index.Index, clock clockutil.Clock, cfg Config, budget *dref.Budget, metrics telemetry.Handle) *Manager {
	if metrics == nil {
		metrics = telemetry.Noop{}
	}
	sorted := make([]*tier.Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Weight < sorted[j].Weight })

	var limiter *rate.Limiter
	if cfg.MigrationBytesPerSec > 0 {
		// Burst must cover the single largest WaitN call copyMigration can
		// issue (its read-buffer size) or WaitN fails permanently.
		burst := int(cfg.MigrationBytesPerSec)
		if burst < migrationCopyBufSize {
			burst = migrationCopyBufSize
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MigrationBytesPerSec), burst)
	}

	return &Manager{
		tiers:            sorted,
		idx:              idx,
		clock:            clock,
		cfg:              cfg,
		budget:           budget,
		metrics:          metrics,
		migrationLimiter: limiter,
		stopCh:           make(chan struct{}),
	}
}

func (m *Manager) tierByID(id string) *tier.Tier {
	for _, t := range m.tiers {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ScanTiers performs the one-shot startup enumeration: it is invoked
// exactly once, before the listener accepts connections, and seeds both
// the index and each tier's AuxIndex.
func (m *Manager) ScanTiers() error {
	for _, t := range m.tiers {
		t := t
		err := t.Enumerate(func(relPath string, size int64, mtime time.Time) error {
			uri := tier.URIForPath(relPath)
			t.Aux.Put(uri, relPath)

			if existing := m.idx.Peek(uri); existing != nil {
				return nil // a faster tier already claimed this URI
			}

			cell := dref.New(filepath.Join(t.MountRoot, relPath), dref.ModeRead, m.budget)
			loc := index.Location{TierID: t.ID, StoragePath: relPath}
			entry := index.NewEntry(uri, loc, size, mtime, index.PolicyNone, cell, func() { cell.RequestClose() })
			if err := m.idx.Insert(entry); err != nil && !errors.Is(err, index.ErrDuplicate) {
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("manager: scan tier %s: %w", t.ID, err)
		}
	}
	return nil
}

// selectTierFor picks the tier a new object should land on: the
// ephemeral-target tier for ephemeral objects, otherwise the fastest
// persistent tier with room.
func (m *Manager) selectTierFor(flags PlacementFlags, sizeHint int64) (*tier.Tier, error) {
	if flags.Ephemeral {
		for _, t := range m.tiers {
			if t.HasRole(tier.RoleEphemeralTarget) {
				if t.Policy != tier.Volatile {
					return nil, ErrEphemeralTierMisconfigured
				}
				return t, nil
			}
		}
		return nil, ErrNoEphemeralTier
	}

	for _, t := range m.tiers {
		if t.Policy == tier.Volatile {
			continue
		}
		if t.HasSpace(sizeHint) {
			return t, nil
		}
	}
	return nil, tier.ErrNoSpace
}

// Lookup resolves uri to a pinned entry and borrowed descriptor, first
// from the index, then by consulting each tier's aux index fastest-first
// and inserting what it finds.
func (m *Manager) Lookup(uri string) (Result, error) {
	m.Stats.Requests.Add(1)

	if res, ok := m.lookupInIndex(uri); ok {
		m.Stats.Hits.Add(1)
		return res, nil
	}

	for _, t := range m.tiers {
		storagePath, ok := t.Aux.Get(uri)
		if !ok {
			continue
		}

		size, mtime, err := t.Stat(storagePath)
		if err != nil {
			continue // stale aux entry; try the next tier
		}

		cell := dref.New(filepath.Join(t.MountRoot, storagePath), dref.ModeRead, m.budget)
		loc := index.Location{TierID: t.ID, StoragePath: storagePath}
		entry := index.NewEntry(uri, loc, size, mtime, index.PolicyNone, cell, func() { cell.RequestClose() })

		if err := m.idx.Insert(entry); err != nil {
			if errors.Is(err, index.ErrDuplicate) {
				if res, ok := m.lookupInIndex(uri); ok {
					m.Stats.Hits.Add(1)
					return res, nil
				}
			}
			m.Stats.Errors.Add(1)
			return Result{}, err
		}

		if res, ok := m.lookupInIndex(uri); ok {
			m.Stats.Hits.Add(1)
			return res, nil
		}
	}

	m.Stats.Misses.Add(1)
	return Result{}, ErrNotFound
}

func (m *Manager) lookupInIndex(uri string) (Result, bool) {
	ref, ok := m.idx.Find(uri)
	if !ok {
		return Result{}, false
	}
	h, err := ref.Entry().DRef().Borrow()
	if err != nil {
		ref.Release()
		return Result{}, false
	}
	return Result{Ref: ref, Handle: h}, true
}

// Create allocates uri on a tier selected by flags and returns a writable
// descriptor. An existing object under the same URI is deleted first
// (replace semantics), so two concurrent first-writers for the same URI
// each succeed and the last writer wins.
func (m *Manager) Create(uri string, flags PlacementFlags, sizeHint int64) (Result, error) {
	m.Stats.Requests.Add(1)
	m.deleteEntry(uri)

	t, err := m.selectTierFor(flags, sizeHint)
	if err != nil {
		m.Stats.Errors.Add(1)
		return Result{}, err
	}

	storagePath, f, err := t.Create(uri, sizeHint)
	if errors.Is(err, tier.ErrNoSpace) {
		m.EvictTier(t, m.cfg.LowWaterTarget)
		storagePath, f, err = t.Create(uri, sizeHint)
	}
	if err != nil {
		m.Stats.Errors.Add(1)
		return Result{}, err
	}

	policy := index.PolicyNone
	if flags.Ephemeral {
		policy = index.PolicyEphemeral
	}

	cell := dref.NewOpen(f, filepath.Join(t.MountRoot, storagePath), dref.ModeWrite, m.budget)
	loc := index.Location{TierID: t.ID, StoragePath: storagePath}
	entry := index.NewEntry(uri, loc, sizeHint, m.clock.Now(), policy, cell, func() { cell.RequestClose() })

	if err := m.idx.Insert(entry); err != nil {
		f.Close()
		m.Stats.Errors.Add(1)
		return Result{}, err
	}

	res, ok := m.lookupInIndex(uri)
	if !ok {
		m.Stats.Errors.Add(1)
		return Result{}, fmt.Errorf("manager: entry vanished immediately after insert for %q", uri)
	}
	return res, nil
}

// Delete removes uri's entry and unlinks its backing file.
func (m *Manager) Delete(uri string) error {
	m.Stats.Requests.Add(1)
	if !m.deleteEntry(uri) {
		m.Stats.Misses.Add(1)
		return ErrNotFound
	}
	return nil
}

// deleteEntry unlinks uri's entry from the index and its backing tier, if
// present. It reports whether an entry existed.
func (m *Manager) deleteEntry(uri string) bool {
	ref, ok := m.idx.Remove(uri)
	if !ok {
		return false
	}
	defer ref.Release()

	e := ref.Entry()
	loc := e.Location()
	if t := m.tierByID(loc.TierID); t != nil {
		_ = t.Delete(uri, loc.StoragePath, e.SizeBytes())
	}
	e.DRef().RequestClose()
	return true
}

// EvictTier frees space on t: LRU over last access among unpinned entries,
// deleting (volatile tier) or migrating down (persistent tier) until t's
// utilization reaches targetUtilization.
func (m *Manager) EvictTier(t *tier.Tier, targetUtilization float64) EvictionReport {
	var candidates []*index.Entry
	m.idx.ForEach(func(e *index.Entry) bool {
		if e.Location().TierID == t.ID && !e.Pinned() {
			candidates = append(candidates, e)
		}
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccess().Before(candidates[j].LastAccess())
	})

	report := EvictionReport{TierID: t.ID}
	targetBytes := int64(targetUtilization * float64(t.CapacityBytes))

	for _, e := range candidates {
		if t.Status().UsedBytes <= targetBytes {
			break
		}

		if t.Policy == tier.Volatile {
			size := e.SizeBytes()
			if m.deleteEntry(e.URI) {
				report.ObjectsEvicted++
				report.BytesFreed += size
				m.Stats.Evictions.Add(1)
				m.metrics.TierMoveCount(context.Background(), t.ID, telemetry.MoveEvict)
			}
			continue
		}

		dest := m.findSlowerTierWithSpace(t, e, e.SizeBytes())
		if dest == nil {
			continue
		}
		if err := m.migrate(e, dest); err == nil {
			report.ObjectsEvicted++
			report.BytesFreed += e.SizeBytes()
			m.Stats.Evictions.Add(1)
			m.metrics.TierMoveCount(context.Background(), t.ID, telemetry.MoveEvict)
		}
	}
	return report
}

// findSlowerTierWithSpace mirrors findFasterTierWithSpace's ephemeral
// guard: an ephemeral entry may only migrate to a slower volatile tier,
// never to a persistent one, even on the demote path.
func (m *Manager) findSlowerTierWithSpace(from *tier.Tier, e *index.Entry, size int64) *tier.Tier {
	for _, t := range m.tiers {
		if t.ID == from.ID || t.Weight <= from.Weight {
			continue
		}
		if e.Ephemeral() {
			if t.Policy != tier.Volatile {
				continue
			}
		} else if t.Policy != tier.Persistent {
			continue
		}
		if t.HasSpace(size) {
			return t
		}
	}
	return nil
}

func (m *Manager) findFasterTierWithSpace(from *tier.Tier, e *index.Entry, size int64) *tier.Tier {
	for _, t := range m.tiers {
		if t.ID == from.ID || t.Weight >= from.Weight {
			continue
		}
		if e.Ephemeral() && t.Policy != tier.Volatile {
			continue
		}
		if t.HasSpace(size) {
			return t
		}
	}
	return nil
}

// migrate copies e's bytes to a staging file on dest, renames it onto
// the canonical path, swaps the entry's location and descriptor cell,
// then unlinks the old file. The staging name keeps a partial copy off
// the canonical path: a crash mid-copy leaves only a staging file the
// startup scan discards, never a truncated object shadowing the intact
// source. Callers restrict dest candidates beforehand; an ephemeral
// entry never gets a persistent dest.
func (m *Manager) migrate(e *index.Entry, dest *tier.Tier) error {
	h, err := e.DRef().Borrow()
	if err != nil {
		return err
	}
	defer e.DRef().Drop(h)

	if _, err := h.File().Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("manager: migrate seek: %w", err)
	}

	stagingPath, newFile, err := dest.CreateStaging(e.URI, e.SizeBytes())
	if err != nil {
		return fmt.Errorf("manager: migrate create staging: %w", err)
	}
	if err := m.copyMigration(newFile, h.File()); err != nil {
		newFile.Close()
		dest.DiscardStaging(stagingPath, e.SizeBytes())
		return fmt.Errorf("manager: migrate copy: %w", err)
	}
	newPath, err := dest.Promote(e.URI, stagingPath)
	if err != nil {
		newFile.Close()
		dest.DiscardStaging(stagingPath, e.SizeBytes())
		return fmt.Errorf("manager: migrate promote: %w", err)
	}

	srcLoc := e.Location()
	newCell := dref.NewOpen(newFile, filepath.Join(dest.MountRoot, newPath), dref.ModeRead, m.budget)

	// Swap location and descriptor cell as one coherent pair. Borrows
	// taken against the old cell before this point keep reading the old
	// file; they are unaffected by the swap.
	e.ReplaceLocation(index.Location{TierID: dest.ID, StoragePath: newPath})
	oldCell := e.ReplaceDRef(newCell)

	m.metrics.TierBytesMoved(context.Background(), dest.ID, e.SizeBytes())

	// Unlink the old file; RequestClose defers the actual close until
	// outstanding borrows against the old cell drain.
	oldCell.RequestClose()
	if srcTier := m.tierByID(srcLoc.TierID); srcTier != nil {
		_ = srcTier.Delete(e.URI, srcLoc.StoragePath, e.SizeBytes())
	}

	return nil
}

// copyMigration copies src to dst, throttled by m.migrationLimiter when
// configured. Unthrottled, it degrades to a plain io.Copy.
func (m *Manager) copyMigration(dst io.Writer, src io.Reader) error {
	if m.migrationLimiter == nil {
		_, err := io.Copy(dst, src)
		return err
	}

	buf := make([]byte, migrationCopyBufSize)
	ctx := context.Background()
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := m.migrationLimiter.WaitN(ctx, n); err != nil {
				return err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// StartPromoter launches the background promotion/demotion worker.
// Stop cancels it.
func (m *Manager) StartPromoter() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case <-m.clock.After(m.cfg.TickInterval):
				m.promoterTick()
			}
		}
	}()
}

// Stop shuts down the promoter worker. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// evictIdleDescriptors runs when the global open-descriptor budget is
// exceeded: it closes idle cells (no outstanding borrows) in LRU order by
// last access until the budget is satisfied again or no idle cell
// remains. The index entry is untouched; only the underlying kernel
// descriptor is closed, reopening lazily on the next Borrow.
func (m *Manager) evictIdleDescriptors() {
	if m.budget == nil || !m.budget.Exceeded() {
		return
	}

	var idle []*index.Entry
	m.idx.ForEach(func(e *index.Entry) bool {
		cell := e.DRef()
		if cell.Open() && cell.Idle() {
			idle = append(idle, e)
		}
		return true
	})
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastAccess().Before(idle[j].LastAccess())
	})

	for _, e := range idle {
		if !m.budget.Exceeded() {
			return
		}
		e.DRef().RequestClose()
	}
}

// promoterTick scores every live entry's hotness and migrates entries
// that cross the promote/demote thresholds.
func (m *Manager) promoterTick() {
	m.evictIdleDescriptors()

	now := m.clock.Now()
	var toPromote, toDemote []*index.Entry

	m.idx.ForEach(func(e *index.Entry) bool {
		h := Hotness(now, e.LastAccess(), e.AccessCount(), m.cfg.HalfLife)
		e.SetHotness(h)
		switch {
		case h >= m.cfg.PromoteThreshold:
			toPromote = append(toPromote, e)
		case h <= m.cfg.DemoteThreshold:
			toDemote = append(toDemote, e)
		}
		return true
	})

	for _, e := range toPromote {
		cur := m.tierByID(e.Location().TierID)
		if cur == nil {
			continue
		}
		dest := m.findFasterTierWithSpace(cur, e, e.SizeBytes())
		if dest == nil {
			continue
		}
		if err := m.migrate(e, dest); err == nil {
			m.Stats.Promotions.Add(1)
			m.metrics.TierMoveCount(context.Background(), dest.ID, telemetry.MovePromote)
		}
	}

	for _, e := range toDemote {
		cur := m.tierByID(e.Location().TierID)
		if cur == nil || cur.Weight == m.tiers[len(m.tiers)-1].Weight {
			continue // already on the slowest tier
		}
		if cur.Status().Utilization < m.cfg.HighWaterMark {
			continue // only demote proactively once a fast tier is under pressure
		}
		dest := m.findSlowerTierWithSpace(cur, e, e.SizeBytes())
		if dest == nil {
			continue // no eligible slower tier, e.g. an ephemeral entry with no slower volatile tier
		}
		if err := m.migrate(e, dest); err == nil {
			m.Stats.Demotions.Add(1)
			m.metrics.TierMoveCount(context.Background(), dest.ID, telemetry.MoveDemote)
		}
	}
}

// Hotness combines recency decay with capped access frequency:
// 0.7*exp(-ln2*Δt/halflife) + 0.3*min(1, access_count/1000).
func Hotness(now, lastAccess time.Time, accessCount uint64, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	deltaSeconds := now.Sub(lastAccess).Seconds()
	halfLifeSeconds := halfLife.Seconds()
	decay := 0.7 * expDecay(deltaSeconds, halfLifeSeconds)
	freq := 0.3 * min1(float64(accessCount)/1000)
	return decay + freq
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func expDecay(deltaSeconds, halfLifeSeconds float64) float64 {
	return math.Exp(-math.Ln2 * deltaSeconds / halfLifeSeconds)
}

// Snapshot returns a point-in-time copy of the manager's counters.
func (m *Manager) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Requests:   m.Stats.Requests.Load(),
		Hits:       m.Stats.Hits.Load(),
		Misses:     m.Stats.Misses.Load(),
		Errors:     m.Stats.Errors.Load(),
		Promotions: m.Stats.Promotions.Load(),
		Demotions:  m.Stats.Demotions.Load(),
		Evictions:  m.Stats.Evictions.Load(),
	}
}
