// Package wire implements the daemon's framed binary protocol: pure
// encode/decode over already-read byte slices, with no I/O of its own.
// internal/engine owns the socket reads and writes; this package only
// turns bytes into structs and back. All multi-byte integers are
// big-endian on the wire.
package wire

import (
	"encoding/binary"
	"errors"
	"time"
)

// Magic is the v2 handshake sentinel. It is chosen so that it can never
// collide with a v1 mode byte ('1', '2', '3'), letting the engine tell the
// two protocol generations apart from a 4-byte non-destructive peek.
const Magic = "OBJM"

// Version2 is the only v2 protocol version this package understands.
const Version2 = 2

// Message type tags for v2 frames.
const (
	MsgRequest  byte = 0x01
	MsgResponse byte = 0x02
	MsgClose    byte = 0x03
	MsgCloseAck byte = 0x04
)

// Capability bits negotiated in HELLO/HELLO-ACK.
const (
	CapOOOReplies uint16 = 0x0001
	CapPipelining uint16 = 0x0002
)

// Mode bytes. Only FD-pass is implemented; Mode2 and Mode3 must decode
// cleanly but fail dispatch with StatusUnsupportedOp.
const (
	ModeFDPass byte = '1'
	Mode2      byte = '2'
	Mode3      byte = '3'
)

// Request flag bits, v2 only (v1 has no flags byte).
const (
	// FlagEphemeral asks that the object be stored on a volatile tier
	// only. Historically named "priority" by clients.
	FlagEphemeral byte = 0x01
	// FlagOrdered forces the engine not to emit this reply before all
	// earlier unacknowledged replies on the connection.
	FlagOrdered byte = 0x02
)

// Reply status codes.
const (
	StatusOK              byte = 0x00
	StatusNotFound        byte = 0x01
	StatusInvalidRequest  byte = 0x02
	StatusInvalidMode     byte = 0x03
	StatusURITooLong      byte = 0x04
	StatusUnsupportedOp   byte = 0x05
	StatusInternalError   byte = 0x10
	StatusStorageError    byte = 0x11
	StatusOutOfMemory     byte = 0x12
	StatusTimeout         byte = 0x13
	StatusUnavailable     byte = 0x14
	StatusProtocolError   byte = 0x20
	StatusVersionMismatch byte = 0x21
	StatusCapabilityError byte = 0x22
)

// Close reasons carried in a v2 CLOSE frame.
const (
	CloseNormal      byte = 0x00
	CloseIdleTimeout byte = 0x01
	CloseError       byte = 0x02
)

// Well-known metadata TLV types. Receivers skip types they do not know.
const (
	MetaObjectSize   byte = 0x01
	MetaMTime        byte = 0x02
	MetaTierID       byte = 0x03
	MetaErrorMessage byte = 0xFF
)

// Fixed frame lengths.
const (
	HelloLen           = 9
	HelloAckLen        = 10
	V1RequestHeaderLen = 3
	V2RequestHeaderLen = 9
	V1ResponseFixedLen = 11
	V2ResponseFixedLen = 16
	CloseLen           = 2
	CloseAckLen        = 6
	metaHeaderLen      = 3
)

var (
	ErrShortFrame      = errors.New("wire: frame too short")
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrVersionMismatch = errors.New("wire: unsupported version")
	ErrBadMsgType      = errors.New("wire: unexpected message type")
	ErrTruncatedMeta   = errors.New("wire: truncated metadata entry")
)

// Hello is the decoded v2 HELLO frame.
type Hello struct {
	Version     byte
	Caps        uint16
	MaxPipeline uint16
}

// EncodeHello produces the 9-byte v2 HELLO frame.
func EncodeHello(caps, maxPipeline uint16) []byte {
	b := make([]byte, HelloLen)
	copy(b[0:4], Magic)
	b[4] = Version2
	binary.BigEndian.PutUint16(b[5:7], caps)
	binary.BigEndian.PutUint16(b[7:9], maxPipeline)
	return b
}

// DecodeHello parses a full 9-byte HELLO frame, including its magic, so the
// engine can validate the frame it already peeked.
func DecodeHello(b []byte) (Hello, error) {
	if len(b) != HelloLen {
		return Hello{}, ErrShortFrame
	}
	if string(b[0:4]) != Magic {
		return Hello{}, ErrBadMagic
	}
	version := b[4]
	if version != Version2 {
		return Hello{}, ErrVersionMismatch
	}
	return Hello{
		Version:     version,
		Caps:        binary.BigEndian.Uint16(b[5:7]),
		MaxPipeline: binary.BigEndian.Uint16(b[7:9]),
	}, nil
}

// HelloAck is the decoded v2 HELLO-ACK frame.
type HelloAck struct {
	Version            byte
	NegotiatedCaps     uint16
	MaxPipeline        uint16
	BackendParallelism byte
}

// EncodeHelloAck produces the 10-byte v2 HELLO-ACK frame.
func EncodeHelloAck(negotiatedCaps, maxPipeline uint16, backendParallelism byte) []byte {
	b := make([]byte, HelloAckLen)
	copy(b[0:4], Magic)
	b[4] = Version2
	binary.BigEndian.PutUint16(b[5:7], negotiatedCaps)
	binary.BigEndian.PutUint16(b[7:9], maxPipeline)
	b[9] = backendParallelism
	return b
}

func DecodeHelloAck(b []byte) (HelloAck, error) {
	if len(b) != HelloAckLen {
		return HelloAck{}, ErrShortFrame
	}
	if string(b[0:4]) != Magic {
		return HelloAck{}, ErrBadMagic
	}
	version := b[4]
	if version != Version2 {
		return HelloAck{}, ErrVersionMismatch
	}
	return HelloAck{
		Version:            version,
		NegotiatedCaps:     binary.BigEndian.Uint16(b[5:7]),
		MaxPipeline:        binary.BigEndian.Uint16(b[7:9]),
		BackendParallelism: b[9],
	}, nil
}

// RequestV1Header is the fixed-size prefix of a v1 request; the caller
// still needs to read URILen bytes of URI separately.
type RequestV1Header struct {
	Mode   byte
	URILen uint16
}

func EncodeRequestV1Header(mode byte, uriLen uint16) []byte {
	b := make([]byte, V1RequestHeaderLen)
	b[0] = mode
	binary.BigEndian.PutUint16(b[1:3], uriLen)
	return b
}

func DecodeRequestV1Header(b []byte) (RequestV1Header, error) {
	if len(b) != V1RequestHeaderLen {
		return RequestV1Header{}, ErrShortFrame
	}
	return RequestV1Header{Mode: b[0], URILen: binary.BigEndian.Uint16(b[1:3])}, nil
}

// RequestV2Header is the fixed-size prefix of a v2 request.
type RequestV2Header struct {
	RequestID uint32
	Flags     byte
	Mode      byte
	URILen    uint16
}

func EncodeRequestV2Header(requestID uint32, flags, mode byte, uriLen uint16) []byte {
	b := make([]byte, V2RequestHeaderLen)
	b[0] = MsgRequest
	binary.BigEndian.PutUint32(b[1:5], requestID)
	b[5] = flags
	b[6] = mode
	binary.BigEndian.PutUint16(b[7:9], uriLen)
	return b
}

func DecodeRequestV2Header(b []byte) (RequestV2Header, error) {
	if len(b) != V2RequestHeaderLen {
		return RequestV2Header{}, ErrShortFrame
	}
	if b[0] != MsgRequest {
		return RequestV2Header{}, ErrBadMsgType
	}
	return RequestV2Header{
		RequestID: binary.BigEndian.Uint32(b[1:5]),
		Flags:     b[5],
		Mode:      b[6],
		URILen:    binary.BigEndian.Uint16(b[7:9]),
	}, nil
}

// ResponseV1Header is the fixed-size prefix of a v1 response.
type ResponseV1Header struct {
	Status      byte
	ContentLen  uint64
	MetadataLen uint16
}

func EncodeResponseV1(status byte, contentLen uint64, metadata []byte) []byte {
	b := make([]byte, V1ResponseFixedLen+len(metadata))
	b[0] = status
	binary.BigEndian.PutUint64(b[1:9], contentLen)
	binary.BigEndian.PutUint16(b[9:11], uint16(len(metadata)))
	copy(b[V1ResponseFixedLen:], metadata)
	return b
}

func DecodeResponseV1Header(b []byte) (ResponseV1Header, error) {
	if len(b) != V1ResponseFixedLen {
		return ResponseV1Header{}, ErrShortFrame
	}
	return ResponseV1Header{
		Status:      b[0],
		ContentLen:  binary.BigEndian.Uint64(b[1:9]),
		MetadataLen: binary.BigEndian.Uint16(b[9:11]),
	}, nil
}

// ResponseV2Header is the fixed-size prefix of a v2 response.
type ResponseV2Header struct {
	RequestID   uint32
	Status      byte
	ContentLen  uint64
	MetadataLen uint16
}

func EncodeResponseV2(requestID uint32, status byte, contentLen uint64, metadata []byte) []byte {
	b := make([]byte, V2ResponseFixedLen+len(metadata))
	b[0] = MsgResponse
	binary.BigEndian.PutUint32(b[1:5], requestID)
	b[5] = status
	binary.BigEndian.PutUint64(b[6:14], contentLen)
	binary.BigEndian.PutUint16(b[14:16], uint16(len(metadata)))
	copy(b[V2ResponseFixedLen:], metadata)
	return b
}

func DecodeResponseV2Header(b []byte) (ResponseV2Header, error) {
	if len(b) != V2ResponseFixedLen {
		return ResponseV2Header{}, ErrShortFrame
	}
	if b[0] != MsgResponse {
		return ResponseV2Header{}, ErrBadMsgType
	}
	return ResponseV2Header{
		RequestID:   binary.BigEndian.Uint32(b[1:5]),
		Status:      b[5],
		ContentLen:  binary.BigEndian.Uint64(b[6:14]),
		MetadataLen: binary.BigEndian.Uint16(b[14:16]),
	}, nil
}

// EncodeClose produces the 2-byte v2 CLOSE frame.
func EncodeClose(reason byte) []byte {
	return []byte{MsgClose, reason}
}

func DecodeClose(b []byte) (reason byte, err error) {
	if len(b) != CloseLen {
		return 0, ErrShortFrame
	}
	if b[0] != MsgClose {
		return 0, ErrBadMsgType
	}
	return b[1], nil
}

// EncodeCloseAck produces the 6-byte v2 CLOSE-ACK frame.
func EncodeCloseAck(outstanding uint32) []byte {
	b := make([]byte, CloseAckLen)
	b[0] = MsgCloseAck
	b[1] = 0
	binary.BigEndian.PutUint32(b[2:6], outstanding)
	return b
}

func DecodeCloseAck(b []byte) (outstanding uint32, err error) {
	if len(b) != CloseAckLen {
		return 0, ErrShortFrame
	}
	if b[0] != MsgCloseAck {
		return 0, ErrBadMsgType
	}
	return binary.BigEndian.Uint32(b[2:6]), nil
}

// MetaEntry is one decoded TLV metadata entry.
type MetaEntry struct {
	Type  byte
	Value []byte
}

// EncodeMetadata concatenates entries into the metadata(metadata_len) blob.
func EncodeMetadata(entries []MetaEntry) []byte {
	var size int
	for _, e := range entries {
		size += metaHeaderLen + len(e.Value)
	}
	b := make([]byte, 0, size)
	for _, e := range entries {
		var hdr [metaHeaderLen]byte
		hdr[0] = e.Type
		binary.BigEndian.PutUint16(hdr[1:3], uint16(len(e.Value)))
		b = append(b, hdr[:]...)
		b = append(b, e.Value...)
	}
	return b
}

// DecodeMetadata parses every TLV entry in b. Callers that do not
// recognize a given entry's Type simply ignore it; DecodeMetadata itself
// still returns every entry so the caller can make that decision.
func DecodeMetadata(b []byte) ([]MetaEntry, error) {
	var entries []MetaEntry
	for len(b) > 0 {
		if len(b) < metaHeaderLen {
			return nil, ErrTruncatedMeta
		}
		typ := b[0]
		length := binary.BigEndian.Uint16(b[1:3])
		b = b[metaHeaderLen:]
		if int(length) > len(b) {
			return nil, ErrTruncatedMeta
		}
		entries = append(entries, MetaEntry{Type: typ, Value: b[:length:length]})
		b = b[length:]
	}
	return entries, nil
}

// FindMeta returns the first entry of the given type, if present.
func FindMeta(entries []MetaEntry, typ byte) ([]byte, bool) {
	for _, e := range entries {
		if e.Type == typ {
			return e.Value, true
		}
	}
	return nil, false
}

func EncodeObjectSizeMeta(size int64) MetaEntry {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(size))
	return MetaEntry{Type: MetaObjectSize, Value: v}
}

func EncodeMTimeMeta(t time.Time) MetaEntry {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(t.UnixNano()))
	return MetaEntry{Type: MetaMTime, Value: v}
}

func EncodeTierIDMeta(id string) MetaEntry {
	return MetaEntry{Type: MetaTierID, Value: []byte(id)}
}

func EncodeErrorMessageMeta(msg string) MetaEntry {
	return MetaEntry{Type: MetaErrorMessage, Value: []byte(msg)}
}
