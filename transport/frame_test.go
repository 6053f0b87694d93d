package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("single frame"),
		{},
		bytes.Repeat([]byte{0xab}, 70000), // larger than uint16
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for i, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}

	// Stream fully consumed
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF at end of stream, got %v", err)
	}
}

func TestFrameWireFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("abc")); err != nil {
		t.Fatal(err)
	}

	wire := buf.Bytes()
	if len(wire) != 7 {
		t.Fatalf("Expected 7 wire bytes, got %d", len(wire))
	}
	// 4-byte big-endian length prefix
	if binary.BigEndian.Uint32(wire[:4]) != 3 {
		t.Errorf("Wrong length prefix: %v", wire[:4])
	}
	if string(wire[4:]) != "abc" {
		t.Error("Payload corrupted")
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer

	// Oversized write is refused before touching the writer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Error("Oversized frame partially written")
	}

	// Oversized length prefix is refused before allocating
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(prefix[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	// Length prefix promises more bytes than the stream holds
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.WriteString("short")

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("Expected error for truncated frame")
	}

	// Partial length prefix
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); err == nil {
		t.Error("Expected error for partial length prefix")
	}
}
