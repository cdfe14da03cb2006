// Package store keeps validated readings and the last accepted sequence
// number across sleep cycles. Readings live in a fixed-size circular byte
// buffer of framed slots; the whole state is serialized to an image at the
// load/store boundary.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/g6-reader/internal/ble/protocol"
)

const (
	// SlotHeaderSize is the marker byte plus the record length byte.
	SlotHeaderSize = 2
	// SlotSize is the footprint of one stored reading.
	SlotSize = SlotHeaderSize + protocol.RecordSize
	// DefaultCapacity holds 256 readings.
	DefaultCapacity = 256 * SlotSize

	slotMarker = 0xA5
)

var (
	ErrCapacityTooSmall      = errors.New("capacity smaller than one slot")
	ErrSequenceNotIncreasing = errors.New("sequence not increasing")
	ErrCorruptImage          = errors.New("corrupt state image")
	ErrNoState               = errors.New("no persisted state")
)

// Store is the persistent reading store. It is safe for concurrent use,
// although the session runner is its only writer.
type Store struct {
	mu      sync.Mutex
	log     *slog.Logger
	lastSeq uint32
	lastTs  uint32 // newest timestamp ever saved
	buf     []byte // len(buf) is the configured capacity
	head    int    // offset of the oldest slot
	used    int    // bytes in use, a multiple of SlotSize
	evicted int
}

// New returns an empty store holding up to capacity bytes.
func New(capacity int) (*Store, error) {
	if capacity < SlotSize {
		return nil, fmt.Errorf("store: capacity %d: %w", capacity, ErrCapacityTooSmall)
	}
	return &Store{log: slog.Default(), buf: make([]byte, capacity)}, nil
}

// SetLogger replaces the logger used for eviction and drain output.
func (s *Store) SetLogger(log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log != nil {
		s.log = log
	}
}

// ring is the part of the buffer slots may occupy. Slots never wrap.
func (s *Store) ring() int {
	return len(s.buf) / SlotSize * SlotSize
}

// Capacity returns the configured size in bytes.
func (s *Store) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Len returns the number of stored readings.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used / SlotSize
}

// Evicted returns how many readings were dropped to make room since the
// store was created or loaded.
func (s *Store) Evicted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Save appends r. When the buffer is full the oldest reading is evicted.
func (s *Store) Save(r protocol.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(r)
	return nil
}

func (s *Store) saveLocked(r protocol.Reading) {
	ring := s.ring()
	if s.used+SlotSize > ring {
		old, _ := s.slotAt(s.head)
		s.head = (s.head + SlotSize) % ring
		s.used -= SlotSize
		s.evicted++
		s.log.Warn("store full, evicted oldest reading", "evicted", old.String(), "total_evicted", s.evicted)
	}

	off := (s.head + s.used) % ring
	slot := s.buf[off : off+SlotSize]
	slot[0] = slotMarker
	slot[1] = protocol.RecordSize
	copy(slot[SlotHeaderSize:], protocol.AppendRecord(nil, r))
	s.used += SlotSize
	if r.Timestamp > s.lastTs {
		s.lastTs = r.Timestamp
	}
}

// slotAt decodes the slot at off.
func (s *Store) slotAt(off int) (protocol.Reading, error) {
	slot := s.buf[off : off+SlotSize]
	if slot[0] != slotMarker || slot[1] != protocol.RecordSize {
		return protocol.Reading{}, fmt.Errorf("store: bad slot header %x at %d", slot[:SlotHeaderSize], off)
	}
	return protocol.UnmarshalRecord(slot[SlotHeaderSize:])
}

// Drain removes and returns every stored reading, oldest first. Slots with
// a damaged header are skipped.
func (s *Store) Drain() []protocol.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked()
}

func (s *Store) drainLocked() []protocol.Reading {
	ring := s.ring()
	out := make([]protocol.Reading, 0, s.used/SlotSize)
	for n := 0; n < s.used; n += SlotSize {
		r, err := s.slotAt((s.head + n) % ring)
		if err != nil {
			s.log.Warn("skipping damaged slot", "error", err)
			continue
		}
		out = append(out, r)
	}
	clear(s.buf)
	s.head, s.used = 0, 0
	return out
}

// DrainAndLog drains the store and logs each reading. With peek set the
// readings are written back, compacted from the start of the buffer.
func (s *Store) DrainAndLog(log *slog.Logger, peek bool) []protocol.Reading {
	if log == nil {
		log = slog.Default()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	readings := s.drainLocked()
	for i, r := range readings {
		log.Info("stored reading",
			"index", i,
			"timestamp", r.Timestamp,
			"glucose", r.Glucose,
			"calibration", r.Calibration.String(),
			"trend", r.Trend,
		)
	}
	log.Info("store drained", "count", len(readings), "last_sequence", s.lastSeq, "peek", peek)

	if peek {
		for _, r := range readings {
			s.saveLocked(r)
		}
	}
	return readings
}

// LastSequence returns the sequence number of the last accepted live
// reading, or 0 if none was ever accepted.
func (s *Store) LastSequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// LastTimestamp returns the newest reading timestamp ever saved, including
// readings since drained or evicted, or 0 if nothing was saved.
func (s *Store) LastTimestamp() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTs
}

// CommitSequence records seq as the last accepted sequence. It must be
// strictly greater than the current value.
func (s *Store) CommitSequence(seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return fmt.Errorf("store: commit %d after %d: %w", seq, s.lastSeq, ErrSequenceNotIncreasing)
	}
	s.lastSeq = seq
	return nil
}
