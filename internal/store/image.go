package store

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/chaz8081/g6-reader/internal/ble/protocol"
)

// Image layout, little-endian:
//
//	magic "G6RS" | version:u8 | last_sequence:u32 | last_timestamp:u32 |
//	capacity:u32 | head:u32 | used:u32 | buffer(capacity) | crc16
//
// Version 1 images lack last_timestamp; it is recovered from the buffer.
const (
	imageMagic        = "G6RS"
	imageVersion      = 2
	imageHeaderSize   = len(imageMagic) + 1 + 5*4
	imageV1HeaderSize = len(imageMagic) + 1 + 4*4
)

// MarshalBinary encodes the store as a self-checking image.
func (s *Store) MarshalBinary() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, imageHeaderSize+len(s.buf)+protocol.CRCSize)
	buf = append(buf, imageMagic...)
	buf = append(buf, imageVersion)
	buf = binary.LittleEndian.AppendUint32(buf, s.lastSeq)
	buf = binary.LittleEndian.AppendUint32(buf, s.lastTs)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.buf)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.head))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.used))
	buf = append(buf, s.buf...)
	return protocol.AppendCRC(buf), nil
}

// UnmarshalBinary replaces the store's contents with a decoded image. The
// eviction counter is reset.
func (s *Store) UnmarshalBinary(data []byte) error {
	if len(data) < imageV1HeaderSize+protocol.CRCSize {
		return fmt.Errorf("store: image has %d bytes: %w", len(data), ErrCorruptImage)
	}
	if string(data[:4]) != imageMagic {
		return fmt.Errorf("store: bad magic %q: %w", data[:4], ErrCorruptImage)
	}
	headerSize := imageHeaderSize
	switch data[4] {
	case imageVersion:
	case 1:
		headerSize = imageV1HeaderSize
	default:
		return fmt.Errorf("store: unsupported image version %d: %w", data[4], ErrCorruptImage)
	}
	if len(data) < headerSize+protocol.CRCSize {
		return fmt.Errorf("store: image has %d bytes: %w", len(data), ErrCorruptImage)
	}
	if !protocol.VerifyCRC(data) {
		return fmt.Errorf("store: image crc: %w", ErrCorruptImage)
	}

	lastSeq := binary.LittleEndian.Uint32(data[5:9])
	var lastTs uint32
	fields := data[9:headerSize]
	if headerSize == imageHeaderSize {
		lastTs = binary.LittleEndian.Uint32(fields[0:4])
		fields = fields[4:]
	}
	capacity := int(binary.LittleEndian.Uint32(fields[0:4]))
	head := int(binary.LittleEndian.Uint32(fields[4:8]))
	used := int(binary.LittleEndian.Uint32(fields[8:12]))
	body := data[headerSize : len(data)-protocol.CRCSize]

	if capacity != len(body) || capacity < SlotSize {
		return fmt.Errorf("store: capacity %d with %d buffer bytes: %w", capacity, len(body), ErrCorruptImage)
	}
	ring := capacity / SlotSize * SlotSize
	if head%SlotSize != 0 || head >= ring || used%SlotSize != 0 || used > ring {
		return fmt.Errorf("store: head %d used %d outside ring %d: %w", head, used, ring, ErrCorruptImage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		s.log = slog.Default()
	}
	s.lastSeq = lastSeq
	s.lastTs = lastTs
	s.buf = append([]byte(nil), body...)
	s.head = head
	s.used = used
	s.evicted = 0
	for n := 0; n < used; n += SlotSize {
		if r, err := s.slotAt((head + n) % ring); err == nil && r.Timestamp > s.lastTs {
			s.lastTs = r.Timestamp
		}
	}
	return nil
}
