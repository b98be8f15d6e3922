package engine_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/objmapper/objmapperd/internal/clockutil"
	"github.com/objmapper/objmapperd/internal/dref"
	"github.com/objmapper/objmapperd/internal/engine"
	"github.com/objmapper/objmapperd/internal/index"
	"github.com/objmapper/objmapperd/internal/manager"
	"github.com/objmapper/objmapperd/internal/telemetry"
	"github.com/objmapper/objmapperd/internal/tier"
	"github.com/objmapper/objmapperd/internal/uri"
	"github.com/objmapper/objmapperd/internal/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpair returns a connected pair of Unix-domain stream sockets wrapped
// as *net.UnixConn. net.Pipe cannot carry ancillary data, so the engine's
// FD-passing tests need a real kernel socketpair.
func socketpair(t *testing.T) (server, client *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		uc, ok := c.(*net.UnixConn)
		require.True(t, ok)
		return uc
	}
	return toConn(fds[0]), toConn(fds[1])
}

func newTestManager(t *testing.T, tiers ...*tier.Tier) *manager.Manager {
	t.Helper()
	return manager.New(tiers, index.New(16), clockutil.RealClock{}, manager.DefaultConfig(), dref.NewBudget(1024), nil)
}

func persistentTier(t *testing.T) *tier.Tier {
	t.Helper()
	return tier.New("fast", "fast-tier", t.TempDir(), 1<<20, tier.Persistent, 0, tier.RoleDefaultTarget)
}

func volatileTier(t *testing.T) *tier.Tier {
	t.Helper()
	return tier.New("vol", "ephemeral-tier", t.TempDir(), 1<<20, tier.Volatile, -1, tier.RoleEphemeralTarget)
}

func runEngine(t *testing.T, server *net.UnixConn, mgr *manager.Manager) {
	t.Helper()
	conn := engine.New(server, mgr, engine.DefaultConfig(), clockutil.RealClock{}, slog.New(slog.NewTextHandler(io.Discard, nil)), telemetry.Noop{}, uri.MaxBytes)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Serve(context.Background())
	}()
	t.Cleanup(func() {
		<-done
	})
}

// readV1Response reads a full v1 response, including any ancillary
// descriptor, off client.
func readV1Response(t *testing.T, client *net.UnixConn) (wire.ResponseV1Header, []byte, *os.File) {
	t.Helper()

	hdrBuf := make([]byte, wire.V1ResponseFixedLen)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := client.ReadMsgUnix(hdrBuf, oob)
	require.NoError(t, err)
	require.Equal(t, wire.V1ResponseFixedLen, n)

	hdr, err := wire.DecodeResponseV1Header(hdrBuf)
	require.NoError(t, err)

	var metadata []byte
	if hdr.MetadataLen > 0 {
		metadata = make([]byte, hdr.MetadataLen)
		_, err := io.ReadFull(client, metadata)
		require.NoError(t, err)
	}

	var f *os.File
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		fds, err := unix.ParseUnixRights(&msgs[0])
		require.NoError(t, err)
		require.Len(t, fds, 1)
		f = os.NewFile(uintptr(fds[0]), "received")
	}

	return hdr, metadata, f
}

func TestV1PutThenGetRoundTrip(t *testing.T) {
	server, client := socketpair(t)
	defer client.Close()

	mgr := newTestManager(t, persistentTier(t))
	runEngine(t, server, mgr)

	putURI := "/objects/a.bin"
	req := append(wire.EncodeRequestV1Header(wire.ModeFDPass, uint16(len(putURI))), putURI...)
	_, err := client.Write(req)
	require.NoError(t, err)

	hdr, _, f := readV1Response(t, client)
	require.Equal(t, wire.StatusOK, hdr.Status)
	require.NotNil(t, f)
	_, err = f.WriteString("payload")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Second request for the same URI is a GET against the now-existing
	// object.
	_, err = client.Write(req)
	require.NoError(t, err)

	hdr2, meta2, f2 := readV1Response(t, client)
	require.Equal(t, wire.StatusOK, hdr2.Status)
	require.NotNil(t, f2)
	defer f2.Close()

	entries, err := wire.DecodeMetadata(meta2)
	require.NoError(t, err)
	sizeBytes, ok := wire.FindMeta(entries, wire.MetaObjectSize)
	require.True(t, ok)
	require.Len(t, sizeBytes, 8)

	got := make([]byte, 7)
	_, err = f2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestV1Delete(t *testing.T) {
	server, client := socketpair(t)
	defer client.Close()

	mgr := newTestManager(t, persistentTier(t))
	runEngine(t, server, mgr)

	putURI := "/objects/gone.bin"
	req := append(wire.EncodeRequestV1Header(wire.ModeFDPass, uint16(len(putURI))), putURI...)
	_, err := client.Write(req)
	require.NoError(t, err)
	hdr, _, f := readV1Response(t, client)
	require.Equal(t, wire.StatusOK, hdr.Status)
	require.NoError(t, f.Close())

	delURI := uri.DeletePrefix + putURI[1:]
	delReq := append(wire.EncodeRequestV1Header(wire.ModeFDPass, uint16(len(delURI))), delURI...)
	_, err = client.Write(delReq)
	require.NoError(t, err)
	delHdr, _, delF := readV1Response(t, client)
	require.Equal(t, wire.StatusOK, delHdr.Status)
	require.Nil(t, delF)

	// Deleting again reports NOT_FOUND.
	_, err = client.Write(delReq)
	require.NoError(t, err)
	delHdr2, _, _ := readV1Response(t, client)
	require.Equal(t, wire.StatusNotFound, delHdr2.Status)
}

func TestV1URITooLong(t *testing.T) {
	server, client := socketpair(t)
	defer client.Close()

	mgr := newTestManager(t, persistentTier(t))
	runEngine(t, server, mgr)

	overLen := uint16(uri.MaxBytes + 1)
	hdrBytes := wire.EncodeRequestV1Header(wire.ModeFDPass, overLen)
	_, err := client.Write(hdrBytes)
	require.NoError(t, err)
	_, err = client.Write(make([]byte, overLen))
	require.NoError(t, err)

	hdr, _, f := readV1Response(t, client)
	require.Equal(t, wire.StatusURITooLong, hdr.Status)
	require.Nil(t, f)
}

func TestV1PutWithoutPersistentTierIsStorageError(t *testing.T) {
	server, client := socketpair(t)
	defer client.Close()

	// v1 has no flags byte, so ephemeral placement can only be exercised
	// through v2; this test instead confirms a plain v1 PUT against a
	// manager with only a volatile (non-default) tier fails cleanly with
	// STORAGE_ERROR rather than hanging or panicking.
	mgr := newTestManager(t, volatileTier(t))
	runEngine(t, server, mgr)

	putURI := "/objects/no-default-tier.bin"
	req := append(wire.EncodeRequestV1Header(wire.ModeFDPass, uint16(len(putURI))), putURI...)
	_, err := client.Write(req)
	require.NoError(t, err)

	hdr, _, f := readV1Response(t, client)
	require.Equal(t, wire.StatusStorageError, hdr.Status)
	require.Nil(t, f)
}

func TestV2HandshakeNegotiatesCaps(t *testing.T) {
	server, client := socketpair(t)
	defer client.Close()

	mgr := newTestManager(t, persistentTier(t))
	runEngine(t, server, mgr)

	hello := wire.EncodeHello(wire.CapOOOReplies|wire.CapPipelining, 8)
	_, err := client.Write(hello)
	require.NoError(t, err)

	ackBuf := make([]byte, wire.HelloAckLen)
	_, err = io.ReadFull(client, ackBuf)
	require.NoError(t, err)
	ack, err := wire.DecodeHelloAck(ackBuf)
	require.NoError(t, err)

	require.Equal(t, byte(wire.Version2), ack.Version)
	require.Equal(t, wire.CapOOOReplies|wire.CapPipelining, ack.NegotiatedCaps)
	require.Equal(t, uint16(8), ack.MaxPipeline)

	closeReq := wire.EncodeClose(wire.CloseNormal)
	_, err = client.Write(closeReq)
	require.NoError(t, err)

	ackBytes := make([]byte, wire.CloseAckLen)
	_, err = io.ReadFull(client, ackBytes)
	require.NoError(t, err)
	outstanding, err := wire.DecodeCloseAck(ackBytes)
	require.NoError(t, err)
	require.Equal(t, uint32(0), outstanding)
}

func TestV2PipelinedOutOfOrderReply(t *testing.T) {
	server, client := socketpair(t)
	defer client.Close()

	mgr := newTestManager(t, persistentTier(t))
	runEngine(t, server, mgr)

	hello := wire.EncodeHello(wire.CapOOOReplies|wire.CapPipelining, 8)
	_, err := client.Write(hello)
	require.NoError(t, err)
	ackBuf := make([]byte, wire.HelloAckLen)
	_, err = io.ReadFull(client, ackBuf)
	require.NoError(t, err)

	// Pre-seed the fast tier with an existing object so request 2's GET
	// resolves faster than request 1's miss-then-create PUT.
	preURI := "/objects/fast.bin"
	preRes, err := mgr.Create(preURI, manager.PlacementFlags{}, 4)
	require.NoError(t, err)
	_, err = preRes.Handle.File().WriteString("fast")
	require.NoError(t, err)
	preRes.Release()

	slowURI := "/objects/slow.bin"
	req1 := wire.EncodeRequestV2Header(1, 0, wire.ModeFDPass, uint16(len(slowURI)))
	req1 = append(req1, slowURI...)
	req2 := wire.EncodeRequestV2Header(2, 0, wire.ModeFDPass, uint16(len(preURI)))
	req2 = append(req2, preURI...)

	_, err = client.Write(req1)
	require.NoError(t, err)
	_, err = client.Write(req2)
	require.NoError(t, err)

	first := readV2Response(t, client)
	// Either arrival order is acceptable under OOO_REPLIES; the important
	// property is that both requests eventually complete with OK and that
	// request IDs are preserved end to end.
	require.Equal(t, wire.StatusOK, first.Status)
	second := readV2Response(t, client)
	require.Equal(t, wire.StatusOK, second.Status)

	seen := map[uint32]bool{first.RequestID: true, second.RequestID: true}
	require.True(t, seen[1])
	require.True(t, seen[2])
}

func readV2Response(t *testing.T, client *net.UnixConn) wire.ResponseV2Header {
	t.Helper()

	hdrBuf := make([]byte, wire.V2ResponseFixedLen)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := client.ReadMsgUnix(hdrBuf, oob)
	require.NoError(t, err)
	require.Equal(t, wire.V2ResponseFixedLen, n)

	hdr, err := wire.DecodeResponseV2Header(hdrBuf)
	require.NoError(t, err)

	if hdr.MetadataLen > 0 {
		meta := make([]byte, hdr.MetadataLen)
		_, err := io.ReadFull(client, meta)
		require.NoError(t, err)
	}

	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		require.NoError(t, err)
		fds, err := unix.ParseUnixRights(&msgs[0])
		require.NoError(t, err)
		for _, fd := range fds {
			os.NewFile(uintptr(fd), "received").Close()
		}
	}

	return hdr
}
