package protocol

import (
	"encoding/binary"
	"fmt"
)

// RecordSize is the size of one packed reading record.
const RecordSize = 8

// GlucoseMask keeps the 12 value bits of the glucose field. The transmitter
// uses the top 4 bits for flags that are not stored.
const GlucoseMask = 0x0FFF

// Reading is one CGM measurement. Timestamp is in transmitter-relative
// seconds, Glucose in mg/dL.
type Reading struct {
	Timestamp   uint32
	Glucose     uint16
	Calibration CalibrationState
	Trend       int8
}

func (r Reading) String() string {
	return fmt.Sprintf("t=%d glucose=%d calibration=%s trend=%d", r.Timestamp, r.Glucose, r.Calibration, r.Trend)
}

// AppendRecord appends the 8-byte record form of r to buf.
//
//	timestamp:u32-le | glucose:u16-le | calibration:u8 | trend:u8
func AppendRecord(buf []byte, r Reading) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, r.Timestamp)
	buf = binary.LittleEndian.AppendUint16(buf, r.Glucose&GlucoseMask)
	return append(buf, byte(r.Calibration), byte(r.Trend))
}

// UnmarshalRecord decodes one 8-byte record. The glucose value is masked to
// 12 bits.
func UnmarshalRecord(data []byte) (Reading, error) {
	if len(data) < RecordSize {
		return Reading{}, fmt.Errorf("protocol: record has %d bytes: %w", len(data), ErrTruncatedRecord)
	}
	return Reading{
		Timestamp:   binary.LittleEndian.Uint32(data[0:4]),
		Glucose:     binary.LittleEndian.Uint16(data[4:6]) & GlucoseMask,
		Calibration: CalibrationState(data[6]),
		Trend:       int8(data[7]),
	}, nil
}

// DecodeRecords splits a reassembled backfill buffer into readings, oldest
// first. A trailing partial record is an error.
func DecodeRecords(buf []byte) ([]Reading, error) {
	if len(buf)%RecordSize != 0 {
		return nil, fmt.Errorf("protocol: %d trailing bytes after %d records: %w",
			len(buf)%RecordSize, len(buf)/RecordSize, ErrTruncatedRecord)
	}
	readings := make([]Reading, 0, len(buf)/RecordSize)
	for off := 0; off < len(buf); off += RecordSize {
		r, err := UnmarshalRecord(buf[off : off+RecordSize])
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}
