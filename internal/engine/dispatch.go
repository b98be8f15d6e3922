package engine

import (
	"context"
	"errors"
	"time"

	"github.com/objmapper/objmapperd/internal/manager"
	"github.com/objmapper/objmapperd/internal/telemetry"
	"github.com/objmapper/objmapperd/internal/uri"
	"github.com/objmapper/objmapperd/internal/wire"
)

// outcome is the result of dispatching one decoded request. result is
// non-nil only when a descriptor must accompany the reply (a GET or PUT
// success); the caller sends it as ancillary data and then releases
// result exactly once, after the send syscall returns.
type outcome struct {
	status byte
	meta   []wire.MetaEntry
	result *manager.Result
}

func errorOutcome(status byte, err error) outcome {
	if err == nil {
		return outcome{status: status}
	}
	return outcome{status: status, meta: []wire.MetaEntry{wire.EncodeErrorMessageMeta(err.Error())}}
}

// dispatch routes one request: the /delete/ convention first, then
// GET-if-present-else-PUT over whatever remains. Existing clients depend
// on this exact mapping from URI shape to operation.
func (c *Conn) dispatch(mode byte, ephemeral bool, rawURI string) outcome {
	if err := uri.Validate(rawURI); err != nil {
		return errorOutcome(wire.StatusURITooLong, err)
	}
	if _, ok := uri.SplitList(rawURI); ok {
		return outcome{status: wire.StatusUnsupportedOp}
	}
	if mode != wire.ModeFDPass {
		// Modes 2 and 3 decode cleanly but only FD-pass delivery is
		// implemented.
		return outcome{status: wire.StatusUnsupportedOp}
	}

	if effective, ok := uri.SplitDelete(rawURI); ok {
		return c.dispatchDelete(effective)
	}
	return c.dispatchGetOrPut(rawURI, ephemeral)
}

// observe records one dispatched request's outcome and latency.
func (c *Conn) observe(op string, start time.Time, out outcome) outcome {
	result := telemetry.ResultHit
	switch out.status {
	case wire.StatusOK:
	case wire.StatusNotFound:
		result = telemetry.ResultMiss
	default:
		result = telemetry.ResultError
	}
	ctx := context.Background()
	c.metrics.RequestCount(ctx, op, result)
	c.metrics.DispatchLatency(ctx, op, c.clock.Now().Sub(start))
	return out
}

func (c *Conn) dispatchDelete(effectiveURI string) outcome {
	start := c.clock.Now()
	if err := c.mgr.Delete(effectiveURI); err != nil {
		if errors.Is(err, manager.ErrNotFound) {
			return c.observe("delete", start, outcome{status: wire.StatusNotFound})
		}
		return c.observe("delete", start, errorOutcome(wire.StatusStorageError, err))
	}
	return c.observe("delete", start, outcome{status: wire.StatusOK})
}

func (c *Conn) dispatchGetOrPut(rawURI string, ephemeral bool) outcome {
	start := c.clock.Now()
	if res, err := c.mgr.Lookup(rawURI); err == nil {
		return c.observe("get", start, outcome{status: wire.StatusOK, meta: entryMeta(res), result: &res})
	} else if !errors.Is(err, manager.ErrNotFound) {
		return c.observe("get", start, errorOutcome(wire.StatusInternalError, err))
	}

	res, err := c.mgr.Create(rawURI, manager.PlacementFlags{Ephemeral: ephemeral}, 0)
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrNoEphemeralTier), errors.Is(err, manager.ErrEphemeralTierMisconfigured):
			return c.observe("put", start, errorOutcome(wire.StatusInvalidRequest, err))
		default:
			return c.observe("put", start, errorOutcome(wire.StatusStorageError, err))
		}
	}
	return c.observe("put", start, outcome{status: wire.StatusOK, meta: entryMeta(res), result: &res})
}

func entryMeta(res manager.Result) []wire.MetaEntry {
	e := res.Ref.Entry()
	return []wire.MetaEntry{
		wire.EncodeObjectSizeMeta(e.SizeBytes()),
		wire.EncodeMTimeMeta(e.MTime()),
		wire.EncodeTierIDMeta(e.Location().TierID),
	}
}
