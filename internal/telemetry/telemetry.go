// Package telemetry defines the daemon's metric surface: a struct of
// OTel instruments behind a small handle interface, attribute-sets cached
// in a sync.Map so hot paths never re-allocate a
// metric.WithAttributeSet per call.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result names the outcome of a dispatched request, used as the "result"
// attribute on the request counter.
type Result string

const (
	ResultHit   Result = "hit"
	ResultMiss  Result = "miss"
	ResultError Result = "error"
)

// TierMove names whether an object was promoted toward the fastest tier,
// demoted away from it, or evicted, used as the "move" attribute on
// TierMoveCount.
type TierMove string

const (
	MovePromote TierMove = "promote"
	MoveDemote  TierMove = "demote"
	MoveEvict   TierMove = "evict"
)

var defaultLatencyBucketsUs = metric.WithExplicitBucketBoundaries(
	10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000,
)

// Handle is the metric surface internal/manager and internal/engine record
// against. A Handle is never nil in production; Noop satisfies it for tests
// and for daemons started with metrics disabled.
type Handle interface {
	// RequestCount increments the request counter, tagged by op ("get",
	// "put", "delete") and outcome.
	RequestCount(ctx context.Context, op string, result Result)
	// DispatchLatency records how long a manager dispatch took, tagged by op.
	DispatchLatency(ctx context.Context, op string, d time.Duration)

	// FDSendCount increments the ancillary-data send counter, tagged by
	// whether the sendmsg succeeded.
	FDSendCount(ctx context.Context, ok bool)

	// TierMoveCount increments the promotion/demotion/eviction counter,
	// tagged by tier ID and move kind.
	TierMoveCount(ctx context.Context, tierID string, move TierMove)
	// TierBytesMoved records bytes copied by a migration, tagged by tier ID.
	TierBytesMoved(ctx context.Context, tierID string, bytes int64)

	// TierUsedBytesCallback registers a tier's current occupancy as an
	// observable gauge; callers pass a function the exporter calls on scrape.
	TierUsedBytesCallback(tierID string, fn func() int64)

	// ConnectionCount adjusts the live-connection gauge by delta (+1 on
	// accept, -1 on close).
	ConnectionCount(ctx context.Context, delta int64)
}

type attrKey struct {
	op     string
	result Result
}

// otelHandle is the production Handle: a struct of instruments with a
// sync.Map attribute-set cache per tag combination.
type otelHandle struct {
	tierMeter        metric.Meter
	requestCount     metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
	fdSendOK         metric.Int64Counter
	fdSendFail       metric.Int64Counter
	tierMoveCount    metric.Int64Counter
	tierBytesMoved   metric.Int64Counter
	connectionCount  metric.Int64UpDownCounter
	requestAttrCache sync.Map // attrKey -> metric.MeasurementOption
	tierAttrCache    sync.Map // tierID -> metric.MeasurementOption
	tierMoveCache    sync.Map // [2]string{tierID,move} -> metric.MeasurementOption
}

func loadOrStoreAttrOption[K comparable](m *sync.Map, key K, gen func() attribute.Set) metric.MeasurementOption {
	if v, ok := m.Load(key); ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributeSet(gen())
	actual, _ := m.LoadOrStore(key, opt)
	return actual.(metric.MeasurementOption)
}

func (h *otelHandle) requestAttrOption(op string, result Result) metric.MeasurementOption {
	return loadOrStoreAttrOption(&h.requestAttrCache, attrKey{op, result}, func() attribute.Set {
		return attribute.NewSet(attribute.String("op", op), attribute.String("result", string(result)))
	})
}

func (h *otelHandle) tierAttrOption(tierID string) metric.MeasurementOption {
	return loadOrStoreAttrOption(&h.tierAttrCache, tierID, func() attribute.Set {
		return attribute.NewSet(attribute.String("tier_id", tierID))
	})
}

func (h *otelHandle) tierMoveAttrOption(tierID string, move TierMove) metric.MeasurementOption {
	type key struct {
		tierID string
		move   TierMove
	}
	return loadOrStoreAttrOption(&h.tierMoveCache, key{tierID, move}, func() attribute.Set {
		return attribute.NewSet(attribute.String("tier_id", tierID), attribute.String("move", string(move)))
	})
}

func (h *otelHandle) RequestCount(ctx context.Context, op string, result Result) {
	h.requestCount.Add(ctx, 1, h.requestAttrOption(op, result))
}

func (h *otelHandle) DispatchLatency(ctx context.Context, op string, d time.Duration) {
	h.dispatchLatency.Record(ctx, float64(d.Microseconds()), h.requestAttrOption(op, ResultHit))
}

func (h *otelHandle) FDSendCount(ctx context.Context, ok bool) {
	if ok {
		h.fdSendOK.Add(ctx, 1)
		return
	}
	h.fdSendFail.Add(ctx, 1)
}

func (h *otelHandle) TierMoveCount(ctx context.Context, tierID string, move TierMove) {
	h.tierMoveCount.Add(ctx, 1, h.tierMoveAttrOption(tierID, move))
}

func (h *otelHandle) TierBytesMoved(ctx context.Context, tierID string, bytes int64) {
	h.tierBytesMoved.Add(ctx, bytes, h.tierAttrOption(tierID))
}

func (h *otelHandle) TierUsedBytesCallback(tierID string, fn func() int64) {
	gauge, err := h.tierMeter.Int64ObservableGauge("tier/used_bytes",
		metric.WithDescription("Current occupied bytes on a storage tier."),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			obsrv.Observe(fn(), h.tierAttrOption(tierID))
			return nil
		}))
	if err != nil || gauge == nil {
		return
	}
}

func (h *otelHandle) ConnectionCount(ctx context.Context, delta int64) {
	h.connectionCount.Add(ctx, delta)
}

// New builds the production Handle: every instrument is allocated up
// front and any construction error fails the whole daemon start rather
// than running with a half-initialized metric set.
func New() (Handle, error) {
	// Meters come from the global provider as it stands when New runs.
	requestMeter := otel.Meter("objmapperd/request")
	tierMeter := otel.Meter("objmapperd/tier")
	connectionMeter := otel.Meter("objmapperd/connection")

	requestCount, err1 := requestMeter.Int64Counter("request/count",
		metric.WithDescription("Cumulative object requests dispatched, by op and result."))
	dispatchLatency, err2 := requestMeter.Float64Histogram("request/dispatch_latency",
		metric.WithDescription("Manager dispatch latency for a request."),
		metric.WithUnit("us"), defaultLatencyBucketsUs)
	fdSendOK, err3 := connectionMeter.Int64Counter("connection/fd_send_ok_count",
		metric.WithDescription("Ancillary-data sendmsg calls that delivered a descriptor successfully."))
	fdSendFail, err4 := connectionMeter.Int64Counter("connection/fd_send_fail_count",
		metric.WithDescription("Ancillary-data sendmsg calls that failed."))
	tierMoveCount, err5 := tierMeter.Int64Counter("tier/move_count",
		metric.WithDescription("Objects moved between tiers, by tier and move kind (promote/demote/evict)."))
	tierBytesMoved, err6 := tierMeter.Int64Counter("tier/bytes_moved",
		metric.WithDescription("Bytes copied by tier migrations."), metric.WithUnit("By"))
	connectionCount, err7 := connectionMeter.Int64UpDownCounter("connection/live_count",
		metric.WithDescription("Currently open client connections."))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7); err != nil {
		return nil, err
	}

	return &otelHandle{
		tierMeter:       tierMeter,
		requestCount:    requestCount,
		dispatchLatency: dispatchLatency,
		fdSendOK:        fdSendOK,
		fdSendFail:      fdSendFail,
		tierMoveCount:   tierMoveCount,
		tierBytesMoved:  tierBytesMoved,
		connectionCount: connectionCount,
	}, nil
}

// Noop satisfies Handle with a zero-cost no-op, for tests and for
// daemons started with metrics disabled.
type Noop struct{}

func (Noop) RequestCount(context.Context, string, Result)           {}
func (Noop) DispatchLatency(context.Context, string, time.Duration) {}
func (Noop) FDSendCount(context.Context, bool)                      {}
func (Noop) TierMoveCount(context.Context, string, TierMove)        {}
func (Noop) TierBytesMoved(context.Context, string, int64)          {}
func (Noop) TierUsedBytesCallback(string, func() int64)             {}
func (Noop) ConnectionCount(context.Context, int64)                 {}

var _ Handle = Noop{}
var _ Handle = (*otelHandle)(nil)
