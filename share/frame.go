package chshare

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// MsgType is the one-byte type field of a framed message (§4.4, §6.1)
type MsgType byte

// Message types recognized on the client link
const (
	MsgTCPOpen    MsgType = 1
	MsgTCPData    MsgType = 2
	MsgTCPClose   MsgType = 3
	MsgTCPStatus  MsgType = 4
	MsgUDPData    MsgType = 5
	MsgUDPControl MsgType = 6
	MsgSystem     MsgType = 7
)

func (t MsgType) String() string {
	switch t {
	case MsgTCPOpen:
		return "TCP_OPEN"
	case MsgTCPData:
		return "TCP_DATA"
	case MsgTCPClose:
		return "TCP_CLOSE"
	case MsgTCPStatus:
		return "TCP_STATUS"
	case MsgUDPData:
		return "UDP_DATA"
	case MsgUDPControl:
		return "UDP_CONTROL"
	case MsgSystem:
		return "SYSTEM"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// SYSTEM message payload codes (§4.4 row 7)
const (
	SystemBadPassword  byte = 1
	SystemAccessDenied byte = 2
)

// HeaderSize is the packed, padding-free size in bytes of a frame header
const HeaderSize = 9

// MaxWireChunk is the largest single frame (header + payload) this
// implementation will ever emit in one piece, since peers cannot
// reliably parse larger proxy frames (§4.4)
const MaxWireChunk = 4096

// MaxPayloadChunk is MaxWireChunk minus the header: the largest payload
// this implementation will carry in a single frame (§4.4, §8 Testable
// Property 8)
const MaxPayloadChunk = MaxWireChunk - HeaderSize

// FrameHeader is the fixed 9-byte header preceding every framed message
// on the client link (§6.1). Expressed here as an explicit
// little-endian-serialized struct rather than relying on native layout,
// per spec.md §9's guidance on replacing packed-struct-with-flex-array
// patterns.
type FrameHeader struct {
	Type    MsgType
	Address uint32
	Size    uint32
}

// Marshal encodes h into its 9-byte wire representation
func (h FrameHeader) Marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = byte(h.Type)
	binary.LittleEndian.PutUint32(b[1:5], h.Address)
	binary.LittleEndian.PutUint32(b[5:9], h.Size)
	return b
}

// UnmarshalFrameHeader decodes a 9-byte wire header. buf must be exactly
// HeaderSize bytes.
func UnmarshalFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) != HeaderSize {
		return FrameHeader{}, fmt.Errorf("frame header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	return FrameHeader{
		Type:    MsgType(buf[0]),
		Address: binary.LittleEndian.Uint32(buf[1:5]),
		Size:    binary.LittleEndian.Uint32(buf[5:9]),
	}, nil
}

// AddressToBytes returns the 4 wire-order bytes of a little-endian u32
// address field, which are also, in order, the dotted-quad octets
// (§4.4: "the proxy formats it as b[0].b[1].b[2].b[3]")
func AddressToBytes(addr uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], addr)
	return b
}

// FormatDottedQuad renders a little-endian-packed IPv4 address field as
// a dotted-quad string
func FormatDottedQuad(addr uint32) string {
	b := AddressToBytes(addr)
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// BytesToAddress packs four octets (in dotted-quad order) into the
// little-endian u32 representation used in the Address field
func BytesToAddress(a, b, c, d byte) uint32 {
	return binary.LittleEndian.Uint32([]byte{a, b, c, d})
}

// AddressFromIP packs a net.IP's four octets into the little-endian u32
// representation used in the Address field
func AddressFromIP(ip net.IP) uint32 {
	ip4 := ip.To4()
	return BytesToAddress(ip4[0], ip4[1], ip4[2], ip4[3])
}

// IPFromAddress unpacks a little-endian u32 Address field into a net.IP
func IPFromAddress(addr uint32) net.IP {
	b := AddressToBytes(addr)
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// WriteHeader writes a frame header to w
func WriteHeader(w io.Writer, h FrameHeader) error {
	b := h.Marshal()
	_, err := w.Write(b[:])
	return err
}

// WriteFrame writes a complete frame (header + payload) in a single
// write budget no larger than MaxWireChunk, splitting payload across as
// many independent frames of the same Type/Address as needed. Each
// emitted frame's Size field reflects only that frame's own chunk
// (§8 Testable Property 8: a payload larger than MaxPayloadChunk is
// forwarded as multiple writes each no larger than MaxWireChunk).
//
// Callers that need every chunk to share one logical Size (e.g. relaying
// a client-declared TCP_DATA size to the upstream socket) should use
// DrainChunks directly instead; WriteFrame is for the proxy's own
// outbound wrapping of a single buffer it already holds in memory.
func WriteFrame(w io.Writer, msgType MsgType, address uint32, payload []byte) error {
	if len(payload) == 0 {
		return WriteHeader(w, FrameHeader{Type: msgType, Address: address, Size: 0})
	}
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxPayloadChunk {
			n = MaxPayloadChunk
		}
		chunk := payload[:n]
		if err := WriteHeader(w, FrameHeader{Type: msgType, Address: address, Size: uint32(n)}); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// DrainChunks reads exactly total bytes from r, delivering them to fn in
// chunks no larger than chunkSize (§4.6: "drain size bytes ... in
// chunks of up to 4096 bytes"). If fn returns an error, DrainChunks
// still reads and discards the remainder of total so the stream stays
// framed correctly for the next header, then returns fn's error.
func DrainChunks(r io.Reader, total uint32, chunkSize int, fn func(chunk []byte) error) error {
	buf := make([]byte, chunkSize)
	var fnErr error
	remaining := total
	for remaining > 0 {
		n := uint32(chunkSize)
		if n > remaining {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return err
		}
		remaining -= n
		if fnErr == nil {
			fnErr = fn(buf[:n])
		}
	}
	return fnErr
}
