// Package engine implements the per-connection protocol state machine:
// it negotiates the v1/v2 handshake, decodes requests, dispatches them to
// the manager, and replies with a passed file descriptor as the success
// carrier. One Conn per accepted connection; the only shared state is the
// manager reference handed in at construction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/objmapper/objmapperd/internal/clockutil"
	"github.com/objmapper/objmapperd/internal/manager"
	"github.com/objmapper/objmapperd/internal/objlog"
	"github.com/objmapper/objmapperd/internal/telemetry"
	"github.com/objmapper/objmapperd/internal/wire"
	"golang.org/x/sync/semaphore"
)

// Config holds the engine's connection-level tunables.
type Config struct {
	IdleTimeout      time.Duration
	MaxPipelineDepth uint16
	// BackendParallelism is advertised to v2 clients in HELLO-ACK as a hint
	// of how many requests the daemon can usefully service concurrently.
	BackendParallelism byte
}

// DefaultConfig mirrors internal/cfg's defaults for standalone engine use
// (e.g. in tests that construct a Conn without going through cfg.Load).
func DefaultConfig() Config {
	return Config{IdleTimeout: 10 * time.Minute, MaxPipelineDepth: 32, BackendParallelism: 4}
}

// serverCaps is the set of capability bits this engine is willing to
// negotiate.
const serverCaps = wire.CapOOOReplies | wire.CapPipelining

// Conn runs the state machine for one accepted connection: handshake,
// then the ready-state request loop, then closing. Accept happens before
// the Conn is constructed.
type Conn struct {
	id      string
	conn    *net.UnixConn
	mgr     *manager.Manager
	cfg     Config
	clock   clockutil.Clock
	log     *slog.Logger
	metrics telemetry.Handle

	maxURI int

	version       int // 1 or 2, set once the handshake completes
	oooNegotiated bool
	pipelineDepth uint16
}

// New wraps an accepted Unix-domain connection. maxURILen bounds decoded
// URIs.
func New(conn *net.UnixConn, mgr *manager.Manager, cfg Config, clock clockutil.Clock, log *slog.Logger, metrics telemetry.Handle, maxURILen int) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:      id,
		conn:    conn,
		mgr:     mgr,
		cfg:     cfg,
		clock:   clock,
		log:     objlog.ForComponent(log, "engine").With(slog.String("conn_id", id)),
		metrics: metrics,
		maxURI:  maxURILen,
	}
}

// Serve runs the connection to completion: handshake, then the Ready-state
// request loop, until the peer disconnects, a framing error occurs, or ctx
// is cancelled. It always closes conn before returning.
func (c *Conn) Serve(ctx context.Context) {
	defer c.conn.Close()

	// Cancelling ctx closes conn, which unblocks any pending read.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	c.metrics.ConnectionCount(ctx, 1)
	defer c.metrics.ConnectionCount(ctx, -1)

	if err := c.handshake(); err != nil {
		if !errors.Is(err, io.EOF) {
			c.log.Warn("handshake failed", "err", err)
		}
		return
	}

	var err error
	if c.version == 2 {
		err = c.serveV2(ctx)
	} else {
		err = c.serveV1(ctx)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.log.Warn("connection terminated", "version", c.version, "err", err)
	}
}

// handshake peeks the first four bytes to detect the v2 magic sentinel
// without consuming v1 request bytes.
func (c *Conn) handshake() error {
	peeked, err := peekMagic(c.conn, len(wire.Magic))
	if err != nil {
		return err
	}
	if string(peeked) != wire.Magic {
		c.version = 1
		return nil
	}

	buf := make([]byte, wire.HelloLen)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return fmt.Errorf("engine: read hello: %w", err)
	}
	hello, err := wire.DecodeHello(buf)
	if err != nil {
		return fmt.Errorf("engine: decode hello: %w", err)
	}

	c.version = 2
	negotiatedCaps := hello.Caps & serverCaps
	c.oooNegotiated = negotiatedCaps&wire.CapOOOReplies != 0

	depth := hello.MaxPipeline
	if depth == 0 || depth > c.cfg.MaxPipelineDepth {
		depth = c.cfg.MaxPipelineDepth
	}
	c.pipelineDepth = depth

	ack := wire.EncodeHelloAck(negotiatedCaps, depth, c.cfg.BackendParallelism)
	if _, err := c.conn.Write(ack); err != nil {
		return fmt.Errorf("engine: write hello-ack: %w", err)
	}
	return nil
}

// readN reads exactly n bytes, refreshing the idle-connection deadline.
func (c *Conn) readN(n int) ([]byte, error) {
	if c.cfg.IdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(c.clock.Now().Add(c.cfg.IdleTimeout))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readURI decodes a length-prefixed URI. When uriLen exceeds the
// configured maximum it reports ok=false without touching any tier, and
// the caller replies URI_TOO_LONG.
func (c *Conn) readURI(uriLen uint16) (string, bool, error) {
	if int(uriLen) > c.maxURI {
		// Drain and discard so the stream stays framed for the next request.
		if _, err := io.CopyN(io.Discard, c.conn, int64(uriLen)); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	b, err := c.readN(int(uriLen))
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// serveV1 implements the strictly-ordered legacy loop: read one request,
// dispatch, reply, repeat. Peer end-of-stream is clean closure.
func (c *Conn) serveV1(ctx context.Context) error {
	for {
		hdrBuf, err := c.readN(wire.V1RequestHeaderLen)
		if err != nil {
			return err
		}
		hdr, err := wire.DecodeRequestV1Header(hdrBuf)
		if err != nil {
			return err
		}

		rawURI, ok, err := c.readURI(hdr.URILen)
		if err != nil {
			return err
		}
		if !ok {
			if err := c.replyV1(outcome{status: wire.StatusURITooLong}); err != nil {
				return err
			}
			continue
		}

		out := c.dispatch(hdr.Mode, false, rawURI)
		if err := c.replyV1(out); err != nil {
			return err
		}
	}
}

// replyV1 encodes out as a v1 response, writes it, and releases the
// borrow backing out.result (if any) only after the write has actually
// happened; the client's descriptor stays valid regardless.
func (c *Conn) replyV1(out outcome) error {
	f := c.encodeV1(out)
	err := c.sendRaw(f)
	if f.release != nil {
		f.release()
	}
	return err
}

// serveV2 implements the pipelined loop: requests are decoded strictly in
// order and each is dispatched on its own goroutine once a pipeline-depth
// slot is free; replies are emitted through replyQueue according to the
// ORDERED flag and the negotiated OOO_REPLIES capability.
func (c *Conn) serveV2(ctx context.Context) error {
	depth := int64(c.pipelineDepth)
	if depth <= 0 {
		depth = 1
	}
	sem := semaphore.NewWeighted(depth)

	var writeMu sync.Mutex
	rq := newReplyQueue(c.oooNegotiated, func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.sendRaw(f)
	})

	var wg sync.WaitGroup
	var loopErr error

	for {
		typeByte, err := c.peekMsgType()
		if err != nil {
			loopErr = err
			break
		}

		if typeByte == wire.MsgClose {
			closeBuf, err := c.readN(wire.CloseLen)
			if err != nil {
				loopErr = err
				break
			}
			if _, err := wire.DecodeClose(closeBuf); err != nil {
				loopErr = err
				break
			}
			wg.Wait()
			ackBytes := wire.EncodeCloseAck(rq.outstanding())
			writeMu.Lock()
			_, werr := c.conn.Write(ackBytes)
			writeMu.Unlock()
			return werr
		}

		hdrBuf, err := c.readN(wire.V2RequestHeaderLen)
		if err != nil {
			loopErr = err
			break
		}
		hdr, err := wire.DecodeRequestV2Header(hdrBuf)
		if err != nil {
			loopErr = err
			break
		}

		rawURI, ok, err := c.readURI(hdr.URILen)
		if err != nil {
			loopErr = err
			break
		}

		rq.arrive(hdr.RequestID)
		ordered := hdr.Flags&wire.FlagOrdered != 0
		ephemeral := hdr.Flags&wire.FlagEphemeral != 0

		if !ok {
			out := outcome{status: wire.StatusURITooLong}
			if err := rq.submit(hdr.RequestID, ordered, c.encodeV2(hdr.RequestID, out)); err != nil {
				loopErr = err
				break
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			loopErr = err
			break
		}
		wg.Add(1)
		go func(requestID uint32, mode byte, ephemeral, ordered bool, rawURI string) {
			defer wg.Done()
			defer sem.Release(1)

			out := c.dispatch(mode, ephemeral, rawURI)
			f := c.encodeV2(requestID, out)
			if err := rq.submit(requestID, ordered, f); err != nil {
				c.log.Warn("v2 reply send failed", "request_id", requestID, "err", err)
			}
		}(hdr.RequestID, hdr.Mode, ephemeral, ordered, rawURI)
	}

	wg.Wait()
	rq.drain()
	return loopErr
}

// peekMsgType peeks the single-byte v2 message type tag without consuming
// it, so the caller can branch between REQUEST and CLOSE framing.
func (c *Conn) peekMsgType() (byte, error) {
	b, err := peekMagic(c.conn, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// encodeV2 builds the wire bytes for a v2 reply, carrying out.result's
// release callback (if any) so the caller can drop the borrow once the
// frame has actually been written, not before. The descriptor (if any)
// must still be sent alongside via sendRaw; encodeV2 only prepares the frame.
func (c *Conn) encodeV2(requestID uint32, out outcome) frame {
	meta := wire.EncodeMetadata(out.meta)
	contentLen := uint64(1)
	fd := -1
	var release func()
	if out.result != nil {
		contentLen = 0
		fd = out.result.Handle.Fd()
		release = out.result.Release
	}
	b := wire.EncodeResponseV2(requestID, out.status, contentLen, meta)
	return frame{bytes: b, fd: fd, release: release}
}

// encodeV1 is encodeV2's v1 counterpart (no request ID in the header).
func (c *Conn) encodeV1(out outcome) frame {
	meta := wire.EncodeMetadata(out.meta)
	contentLen := uint64(1)
	fd := -1
	var release func()
	if out.result != nil {
		contentLen = 0
		fd = out.result.Handle.Fd()
		release = out.result.Release
	}
	b := wire.EncodeResponseV1(out.status, contentLen, meta)
	return frame{bytes: b, fd: fd, release: release}
}

// sendRaw writes f.bytes to the connection, passing f.fd as ancillary
// rights data when present. The ancillary write is a single attempted
// syscall; any error here is fatal to the connection, since the envelope
// already sent cannot be retracted. The caller propagates it up to
// Serve, which closes conn.
func (c *Conn) sendRaw(f frame) error {
	if f.fd < 0 {
		_, err := c.conn.Write(f.bytes)
		return err
	}
	rights := unixRights(f.fd)
	n, oob, err := c.conn.WriteMsgUnix(f.bytes, rights, nil)
	if err != nil {
		c.metrics.FDSendCount(context.Background(), false)
		return err
	}
	if n != len(f.bytes) || oob != len(rights) {
		c.metrics.FDSendCount(context.Background(), false)
		return fmt.Errorf("engine: short ancillary write: %d/%d bytes, %d/%d oob", n, len(f.bytes), oob, len(rights))
	}
	c.metrics.FDSendCount(context.Background(), true)
	return nil
}
