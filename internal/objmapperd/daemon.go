// Package objmapperd assembles the daemon's subsystems (tiers, index,
// descriptor budget, tier manager and its promoter, metrics and logging
// surfaces, and the connection-accepting listener) into one long-lived
// Daemon value.
package objmapperd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/objmapper/objmapperd/internal/cfg"
	"github.com/objmapper/objmapperd/internal/clockutil"
	"github.com/objmapper/objmapperd/internal/dref"
	"github.com/objmapper/objmapperd/internal/engine"
	"github.com/objmapper/objmapperd/internal/index"
	"github.com/objmapper/objmapperd/internal/manager"
	"github.com/objmapper/objmapperd/internal/objlog"
	"github.com/objmapper/objmapperd/internal/telemetry"
	"github.com/objmapper/objmapperd/internal/tier"
	"golang.org/x/sync/errgroup"
)

// indexBuckets sizes the URI index for a few hundred thousand live objects
// without ever needing to resize (internal/index never rehashes).
const indexBuckets = 1 << 18

// Daemon owns every resource backing one running instance: the tier set,
// the Tier Manager (and its promoter goroutine), the metrics exporter, the
// logger, and the Unix-domain listener that hands connections to
// internal/engine.
type Daemon struct {
	ID string

	cfg cfg.Config
	log *slog.Logger

	logCloser       io.Closer
	metrics         telemetry.Handle
	metricsShutdown func(context.Context) error

	mgr      *manager.Manager
	listener *net.UnixListener

	engineCfg engine.Config
}

// New builds every wired subsystem from c but does not yet accept
// connections or start the promoter; call Run for that. It scans every
// tier's mount root once (manager.ScanTiers) so a restarted daemon
// recovers the index it held before going down.
func New(c cfg.Config) (*Daemon, error) {
	log, logCloser, err := objlog.New(c.Log)
	if err != nil {
		return nil, fmt.Errorf("objmapperd: logger: %w", err)
	}

	metrics, metricsShutdown, err := telemetry.Serve(c.Metrics.ListenAddr)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("objmapperd: metrics: %w", err)
	}

	tiers, err := buildTiers(c.Tiers)
	if err != nil {
		_ = metricsShutdown(context.Background())
		_ = logCloser.Close()
		return nil, err
	}

	idx := index.New(indexBuckets)
	budget := dref.NewBudget(c.DRef.MaxOpenDescriptors)
	mgrCfg := manager.Config{
		TickInterval:         c.Promoter.TickInterval,
		HalfLife:             c.Promoter.HalfLife,
		PromoteThreshold:     c.Promoter.PromoteThreshold,
		DemoteThreshold:      c.Promoter.DemoteThreshold,
		LowWaterTarget:       c.Promoter.LowWaterTarget,
		HighWaterMark:        c.Promoter.HighWaterMark,
		MigrationBytesPerSec: c.Promoter.MigrationBytesPerSec,
	}
	mgr := manager.New(tiers, idx, clockutil.RealClock{}, mgrCfg, budget, metrics)

	if err := mgr.ScanTiers(); err != nil {
		_ = metricsShutdown(context.Background())
		_ = logCloser.Close()
		return nil, fmt.Errorf("objmapperd: scanning tiers: %w", err)
	}

	for _, t := range tiers {
		t := t
		metrics.TierUsedBytesCallback(t.ID, func() int64 { return t.Status().UsedBytes })
	}

	listener, err := listenUnix(c.Listen.SocketPath)
	if err != nil {
		_ = metricsShutdown(context.Background())
		_ = logCloser.Close()
		return nil, fmt.Errorf("objmapperd: listen: %w", err)
	}

	backendParallelism := runtime.GOMAXPROCS(0)
	if backendParallelism > 255 {
		backendParallelism = 255
	}

	return &Daemon{
		ID:              uuid.NewString(),
		cfg:             c,
		log:             objlog.ForComponent(log, "daemon"),
		logCloser:       logCloser,
		metrics:         metrics,
		metricsShutdown: metricsShutdown,
		mgr:             mgr,
		listener:        listener,
		engineCfg: engine.Config{
			IdleTimeout:        c.Engine.IdleTimeout,
			MaxPipelineDepth:   c.Engine.MaxPipelineDepth,
			BackendParallelism: byte(backendParallelism),
		},
	}, nil
}

// buildTiers converts cfg.TierConfig entries into tier.Tier instances.
func buildTiers(configs []cfg.TierConfig) ([]*tier.Tier, error) {
	if len(configs) == 0 {
		return nil, errors.New("objmapperd: no tiers configured")
	}
	tiers := make([]*tier.Tier, 0, len(configs))
	for _, tc := range configs {
		if err := os.MkdirAll(tc.MountRoot, 0o755); err != nil {
			return nil, fmt.Errorf("objmapperd: tier %q: %w", tc.ID, err)
		}
		policy := tier.Persistent
		if tc.Policy == cfg.PolicyVolatile {
			policy = tier.Volatile
		}
		roles := make([]tier.Role, 0, len(tc.Roles))
		for _, r := range tc.Roles {
			roles = append(roles, tierRoleOf(r))
		}
		tiers = append(tiers, tier.New(tc.ID, tc.Name, tc.MountRoot, int64(tc.CapacityBytes), policy, tc.Weight, roles...))
	}
	return tiers, nil
}

func tierRoleOf(r cfg.TierRole) tier.Role {
	switch r {
	case cfg.RoleEphemeralTarget:
		return tier.RoleEphemeralTarget
	case cfg.RolePromotionCache:
		return tier.RolePromotionCache
	default:
		return tier.RoleDefaultTarget
	}
}

// listenUnix binds a Unix-domain socket at path, clearing a stale socket
// file left behind by an unclean shutdown.
func listenUnix(path string) (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Run starts the promoter and accepts connections until ctx is canceled,
// then waits for every in-flight connection to drain before releasing its
// resources. Cancellation closes the listener, which unblocks the accept
// loop.
func (d *Daemon) Run(ctx context.Context) error {
	d.mgr.StartPromoter()
	defer d.mgr.Stop()

	defer func() {
		if err := d.metricsShutdown(context.Background()); err != nil {
			d.log.Error("metrics shutdown", "error", err)
		}
		if err := d.logCloser.Close(); err != nil {
			d.log.Error("log shutdown", "error", err)
		}
	}()

	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-ctx.Done():
			d.listener.Close()
		case <-stopWatcher:
		}
	}()

	d.log.Info("listening", "socket", d.listener.Addr().String(), "daemon_id", d.ID)

	var g errgroup.Group
	var acceptErr error
	for {
		conn, err := d.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			acceptErr = err
			break
		}
		g.Go(func() error {
			c := engine.New(conn, d.mgr, d.engineCfg, clockutil.RealClock{}, d.log, d.metrics, d.cfg.URI.MaxBytes)
			c.Serve(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && acceptErr == nil {
		acceptErr = err
	}
	return acceptErr
}
