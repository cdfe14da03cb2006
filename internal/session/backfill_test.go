package session

import (
	"errors"
	"testing"

	"github.com/chaz8081/g6-reader/internal/ble/protocol"
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name      string
		last, cur uint32
		want      Decision
	}{
		{"next in sequence", 99, 100, DecisionNone},
		{"gap of two", 99, 101, DecisionBackfill},
		{"large gap", 99, 10099, DecisionBackfill},
		{"boot", 0, 100, DecisionBackfill},
		{"boot with zero", 0, 0, DecisionBackfill},
		{"boot with one", 0, 1, DecisionBackfill},
		{"duplicate", 100, 100, DecisionAnomaly},
		{"regressed", 100, 50, DecisionAnomaly},
		{"wrapped", 0xFFFFFFF0, 5, DecisionAnomaly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reconcile(tt.last, tt.cur); got != tt.want {
				t.Errorf("Reconcile(%d, %d) = %s, want %s", tt.last, tt.cur, got, tt.want)
			}
		})
	}
}

func TestReconcileWindowIndependentOfGap(t *testing.T) {
	w := WindowAt(86400)
	for k := uint32(2); k < 50; k++ {
		if Reconcile(1000, 1000+k) != DecisionBackfill {
			t.Fatalf("gap %d did not request backfill", k)
		}
	}
	if w != (Window{Start: 86400 - 1800, End: 86400 - 60}) {
		t.Errorf("WindowAt(86400) = %+v", w)
	}
}

func TestWindowAtClamps(t *testing.T) {
	tests := []struct {
		current uint32
		want    Window
	}{
		{0, Window{0, 0}},
		{30, Window{0, 0}},
		{600, Window{0, 540}},
		{1800, Window{0, 1740}},
		{1801, Window{1, 1741}},
	}
	for _, tt := range tests {
		if got := WindowAt(tt.current); got != tt.want {
			t.Errorf("WindowAt(%d) = %+v, want %+v", tt.current, got, tt.want)
		}
	}
}

func TestWindowMaxRecords(t *testing.T) {
	if got := WindowAt(86400).MaxRecords(); got != 30 {
		t.Errorf("MaxRecords() = %d, want 30", got)
	}
	if got := (Window{Start: 10, End: 5}).MaxRecords(); got != 0 {
		t.Errorf("inverted window MaxRecords() = %d, want 0", got)
	}
}

func chunk(seq uint8, readings ...protocol.Reading) []byte {
	var payload []byte
	for _, r := range readings {
		payload = protocol.AppendRecord(payload, r)
	}
	return protocol.MarshalBackfillChunk(protocol.BackfillChunk{Sequence: seq, Identifier: 0x10, Payload: payload})
}

func TestReassemblyInOrder(t *testing.T) {
	r := NewReassembly(30)
	recs := []protocol.Reading{
		{Timestamp: 100, Glucose: 90, Calibration: protocol.CalibrationOK},
		{Timestamp: 400, Glucose: 95, Calibration: protocol.CalibrationOK},
		{Timestamp: 700, Glucose: 99, Calibration: protocol.CalibrationOK},
	}
	if err := r.Push(chunk(1, recs[0])); err != nil {
		t.Fatalf("Push(1) error = %v", err)
	}
	if err := r.Push(chunk(2, recs[1], recs[2])); err != nil {
		t.Fatalf("Push(2) error = %v", err)
	}
	if r.NextChunk != 3 {
		t.Errorf("NextChunk = %d, want 3", r.NextChunk)
	}

	got, err := r.Records()
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Records() returned %d, want 3", len(got))
	}
	for i := range recs {
		if got[i] != recs[i] {
			t.Errorf("record %d = %v, want %v", i, got[i], recs[i])
		}
	}
}

func TestReassemblyRecordSplitAcrossChunks(t *testing.T) {
	rec := protocol.AppendRecord(nil, protocol.Reading{Timestamp: 42, Glucose: 120, Calibration: protocol.CalibrationOK})
	r := NewReassembly(30)
	r.Push(protocol.MarshalBackfillChunk(protocol.BackfillChunk{Sequence: 1, Payload: rec[:5]}))
	r.Push(protocol.MarshalBackfillChunk(protocol.BackfillChunk{Sequence: 2, Payload: rec[5:]}))

	got, err := r.Records()
	if err != nil || len(got) != 1 || got[0].Timestamp != 42 {
		t.Errorf("Records() = %v, %v", got, err)
	}
}

func TestReassemblyOutOfOrderRejectedBeforeStore(t *testing.T) {
	r := NewReassembly(30)
	if err := r.Push(chunk(1, protocol.Reading{Timestamp: 1, Calibration: protocol.CalibrationOK})); err != nil {
		t.Fatalf("Push(1) error = %v", err)
	}
	before := r.Len()

	err := r.Push(chunk(3, protocol.Reading{Timestamp: 3, Calibration: protocol.CalibrationOK}))
	if !errors.Is(err, protocol.ErrChunkSequence) {
		t.Fatalf("Push(3) error = %v, want ErrChunkSequence", err)
	}
	if r.Len() != before {
		t.Errorf("Len() = %d after rejected chunk, want %d", r.Len(), before)
	}
	if r.NextChunk != 2 {
		t.Errorf("NextChunk = %d, want 2", r.NextChunk)
	}
}

func TestReassemblyFirstChunkMustBeOne(t *testing.T) {
	r := NewReassembly(30)
	if err := r.Push(chunk(2)); !errors.Is(err, protocol.ErrChunkSequence) {
		t.Errorf("Push(2) first error = %v, want ErrChunkSequence", err)
	}
}

func TestReassemblyOverflow(t *testing.T) {
	r := NewReassembly(1000)
	big := make([]byte, 200)
	for seq := uint8(1); seq <= 2; seq++ {
		if err := r.Push(protocol.MarshalBackfillChunk(protocol.BackfillChunk{Sequence: seq, Payload: big})); err != nil {
			t.Fatalf("Push(%d) error = %v", seq, err)
		}
	}
	err := r.Push(protocol.MarshalBackfillChunk(protocol.BackfillChunk{Sequence: 3, Payload: big}))
	if !errors.Is(err, ErrBackfillOverflow) {
		t.Errorf("Push(3) error = %v, want ErrBackfillOverflow", err)
	}
}

func TestReassemblyFull(t *testing.T) {
	r := NewReassembly(2)
	r.Push(chunk(1, protocol.Reading{Timestamp: 1}))
	if r.Full() {
		t.Fatal("Full() after one of two records")
	}
	r.Push(chunk(2, protocol.Reading{Timestamp: 2}))
	if !r.Full() {
		t.Error("Full() = false after two of two records")
	}
}

func TestReassemblyCopyIsIndependent(t *testing.T) {
	a := NewReassembly(30)
	a.Push(chunk(1, protocol.Reading{Timestamp: 1}))
	b := a
	b.Push(chunk(2, protocol.Reading{Timestamp: 2}))
	a.Push(chunk(2, protocol.Reading{Timestamp: 99}))

	ra, _ := a.Records()
	rb, _ := b.Records()
	if ra[1].Timestamp != 99 || rb[1].Timestamp != 2 {
		t.Errorf("copies share storage: a=%v b=%v", ra, rb)
	}
}
