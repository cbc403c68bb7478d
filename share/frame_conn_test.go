package chshare

import (
	"io"
	"testing"

	"github.com/prep/socketpair"
)

// TestWriteFrameOverSocketpair exercises WriteHeader/WriteFrame/DrainChunks
// over a real connected stream (an AF_UNIX socketpair, the same primitive
// the teacher used to couple endpoints without a network round trip)
// rather than a bytes.Buffer, so short writes/reads on a real fd are
// covered too.
func TestWriteFrameOverSocketpair(t *testing.T) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New: %s", err)
	}
	defer a.Close()
	defer b.Close()

	payload := make([]byte, MaxPayloadChunk+123)
	for i := range payload {
		payload[i] = byte(i)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteFrame(a, MsgTCPData, 0xaabbccdd, payload)
	}()

	var hdrBuf [HeaderSize]byte
	var got []byte
	for len(got) < len(payload) {
		if _, err := io.ReadFull(b, hdrBuf[:]); err != nil {
			t.Fatalf("reading header: %s", err)
		}
		hdr, err := UnmarshalFrameHeader(hdrBuf[:])
		if err != nil {
			t.Fatalf("UnmarshalFrameHeader: %s", err)
		}
		if hdr.Address != 0xaabbccdd {
			t.Fatalf("Address = %#x, want %#x", hdr.Address, 0xaabbccdd)
		}
		chunk := make([]byte, hdr.Size)
		if _, err := io.ReadFull(b, chunk); err != nil {
			t.Fatalf("reading chunk: %s", err)
		}
		got = append(got, chunk...)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("WriteFrame: %s", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}
