package session

import (
	"fmt"

	"github.com/chaz8081/g6-reader/internal/ble/protocol"
)

const (
	// BackfillLookback is how far back the backfill window starts.
	BackfillLookback = 1800
	// BackfillLag keeps the window clear of the live reading.
	BackfillLag = 60
	// MaxBackfillBytes bounds the reassembly buffer.
	MaxBackfillBytes = 500
)

// Decision is the outcome of comparing a live sequence with the last
// accepted one.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionBackfill
	DecisionAnomaly
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionBackfill:
		return "backfill"
	case DecisionAnomaly:
		return "anomaly"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Reconcile decides whether readings were missed between last and cur. A
// last of zero means nothing was ever accepted, so backfill is always
// requested. A repeated or regressed sequence is an anomaly.
func Reconcile(last, cur uint32) Decision {
	if last == 0 {
		return DecisionBackfill
	}
	diff := int64(cur) - int64(last)
	switch {
	case diff == 1:
		return DecisionNone
	case diff > 1:
		return DecisionBackfill
	default:
		return DecisionAnomaly
	}
}

// Window is a backfill range in transmitter seconds, both ends inclusive.
type Window struct {
	Start uint32
	End   uint32
}

// WindowAt returns [current-1800, current-60], clamped at zero.
func WindowAt(current uint32) Window {
	var w Window
	if current > BackfillLookback {
		w.Start = current - BackfillLookback
	}
	if current > BackfillLag {
		w.End = current - BackfillLag
	}
	return w
}

// MaxRecords is the most records the window can hold at one per minute.
func (w Window) MaxRecords() int {
	if w.End < w.Start {
		return 0
	}
	return int(w.End-w.Start)/60 + 1
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts uint32) bool {
	return ts >= w.Start && ts <= w.End
}

// Reassembly collects backfill chunk payloads in sequence order.
type Reassembly struct {
	NextChunk uint8 // sequence number of the next expected chunk
	limit     int   // bytes after which the transfer is complete
	buf       []byte
}

// NewReassembly prepares for a window holding at most maxRecords records.
func NewReassembly(maxRecords int) Reassembly {
	limit := maxRecords * protocol.RecordSize
	if limit > MaxBackfillBytes || limit <= 0 {
		limit = MaxBackfillBytes
	}
	return Reassembly{NextChunk: 1, limit: limit}
}

// Push appends one raw chunk. A chunk out of sequence is rejected before
// any of its bytes are kept. Push never modifies a buffer shared with an
// earlier copy of the Reassembly.
func (r *Reassembly) Push(data []byte) error {
	c, err := protocol.ParseBackfillChunk(data)
	if err != nil {
		return err
	}
	if r.NextChunk == 0 {
		r.NextChunk = 1
	}
	if c.Sequence != r.NextChunk {
		return fmt.Errorf("session: got backfill chunk %d, want %d: %w", c.Sequence, r.NextChunk, protocol.ErrChunkSequence)
	}
	if len(r.buf)+len(c.Payload) > MaxBackfillBytes {
		return fmt.Errorf("session: backfill of %d bytes exceeds %d: %w",
			len(r.buf)+len(c.Payload), MaxBackfillBytes, ErrBackfillOverflow)
	}

	buf := make([]byte, len(r.buf), len(r.buf)+len(c.Payload))
	copy(buf, r.buf)
	r.buf = append(buf, c.Payload...)
	r.NextChunk++
	return nil
}

// Len returns the number of reassembled bytes.
func (r *Reassembly) Len() int { return len(r.buf) }

// Full reports whether the window's worth of records has arrived.
func (r *Reassembly) Full() bool {
	return r.limit > 0 && len(r.buf) >= r.limit
}

// Records decodes the reassembled buffer.
func (r *Reassembly) Records() ([]protocol.Reading, error) {
	return protocol.DecodeRecords(r.buf)
}
