package protocol

import (
	"encoding/binary"
	"fmt"
)

// Backfill chunk header sizes. The first chunk carries a request counter
// and a reserved field after the sequence and identifier bytes.
const (
	FirstChunkHeaderSize = 6
	ChunkHeaderSize      = 2
)

// BackfillChunk is one notification of a backfill transfer. Payload holds
// packed 8-byte records and may end mid-record; records are only decoded
// after reassembly.
type BackfillChunk struct {
	Sequence       uint8
	Identifier     uint8
	RequestCounter uint16 // first chunk only
	Payload        []byte
}

// ParseBackfillChunk splits a raw backfill notification into header and
// payload. It does not check the sequence against earlier chunks.
func ParseBackfillChunk(data []byte) (*BackfillChunk, error) {
	if len(data) < ChunkHeaderSize {
		return nil, fmt.Errorf("protocol: backfill chunk has %d bytes: %w", len(data), ErrShortMessage)
	}
	c := &BackfillChunk{Sequence: data[0], Identifier: data[1]}
	header := ChunkHeaderSize
	if c.Sequence == 1 {
		if len(data) < FirstChunkHeaderSize {
			return nil, fmt.Errorf("protocol: first backfill chunk has %d bytes: %w", len(data), ErrShortMessage)
		}
		c.RequestCounter = binary.LittleEndian.Uint16(data[2:4])
		header = FirstChunkHeaderSize
	}
	c.Payload = make([]byte, len(data)-header)
	copy(c.Payload, data[header:])
	return c, nil
}

// MarshalBackfillChunk encodes a chunk the way the transmitter sends it.
// The reader never sends chunks; this exists for tests.
func MarshalBackfillChunk(c BackfillChunk) []byte {
	buf := []byte{c.Sequence, c.Identifier}
	if c.Sequence == 1 {
		buf = binary.LittleEndian.AppendUint16(buf, c.RequestCounter)
		buf = append(buf, 0, 0)
	}
	return append(buf, c.Payload...)
}
