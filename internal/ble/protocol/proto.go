// Package protocol implements the binary message codec spoken on the CGM
// transmitter's authentication and control characteristics.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Fixed message sizes.
const (
	AuthChallengeRxSize = 17
	AuthStatusRxSize    = 3
	TimeRxSize          = 16
	GlucoseRxMinSize    = 16
	BackfillTxSize      = 20
	BackfillRxSize      = 20
)

// AuthChannel is the channel byte sent with AuthRequest.
const AuthChannel = 0x02

// AuthChallenge is the transmitter's answer to AuthRequest.
type AuthChallenge struct {
	TokenHash [8]byte // transmitter's encryption of our token
	Challenge [8]byte
}

// AuthStatus reports whether the transmitter accepted our challenge
// response and whether it is bonded to us.
type AuthStatus struct {
	Authenticated byte
	Bonded        byte
}

// TimeRx carries the transmitter session clock.
type TimeRx struct {
	Status           TransmitterState
	CurrentTime      uint32
	SessionStartTime uint32
}

// GlucoseRx is a live reading with its sequence number.
type GlucoseRx struct {
	Status   TransmitterState
	Sequence uint32
	Reading  Reading
}

// BackfillRx confirms a backfill request.
type BackfillRx struct {
	Status    byte
	StartTime uint32
	EndTime   uint32
}

// MarshalAuthRequest encodes AuthRequest.
//
//	[0x01, token(8), channel]
func MarshalAuthRequest(token [8]byte, channel byte) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, byte(OpAuthRequestTx))
	buf = append(buf, token[:]...)
	return append(buf, channel)
}

// UnmarshalAuthChallenge decodes the 17-byte AuthChallenge read from the
// authentication characteristic.
func UnmarshalAuthChallenge(data []byte) (*AuthChallenge, error) {
	if err := expect(data, OpAuthChallengeRx, AuthChallengeRxSize); err != nil {
		return nil, err
	}
	c := &AuthChallenge{}
	copy(c.TokenHash[:], data[1:9])
	copy(c.Challenge[:], data[9:17])
	return c, nil
}

// MarshalAuthChallenge encodes our response to the transmitter's challenge.
//
//	[0x04, enc_challenge(8)]
func MarshalAuthChallenge(encChallenge [8]byte) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(OpAuthChallengeTx))
	return append(buf, encChallenge[:]...)
}

// UnmarshalAuthStatus decodes the 3-byte AuthStatus.
func UnmarshalAuthStatus(data []byte) (*AuthStatus, error) {
	if err := expect(data, OpAuthStatusRx, AuthStatusRxSize); err != nil {
		return nil, err
	}
	return &AuthStatus{Authenticated: data[1], Bonded: data[2]}, nil
}

// MarshalKeepAlive asks the transmitter to keep the link up for seconds.
func MarshalKeepAlive(seconds byte) []byte {
	return []byte{byte(OpKeepAliveTx), seconds}
}

// MarshalBondRequest encodes BondRequest.
func MarshalBondRequest() []byte {
	return []byte{byte(OpBondRequestTx)}
}

// MarshalDisconnect asks the transmitter to drop the link.
func MarshalDisconnect() []byte {
	return []byte{byte(OpDisconnectTx)}
}

// MarshalTimeTx encodes [0x24, crc16].
func MarshalTimeTx() []byte {
	return AppendCRC([]byte{byte(OpTimeTx)})
}

// UnmarshalTimeRx decodes the 16-byte TimeRx notification.
//
//	[0x25, state, current_time:u32, session_start_time:u32, reserved(4), crc16]
func UnmarshalTimeRx(data []byte) (*TimeRx, error) {
	if err := expect(data, OpTimeRx, TimeRxSize); err != nil {
		return nil, err
	}
	if !VerifyCRC(data) {
		return nil, fmt.Errorf("protocol: %s: %w", OpTimeRx, ErrCRCMismatch)
	}
	return &TimeRx{
		Status:           TransmitterState(data[1]),
		CurrentTime:      binary.LittleEndian.Uint32(data[2:6]),
		SessionStartTime: binary.LittleEndian.Uint32(data[6:10]),
	}, nil
}

// MarshalGlucoseTx encodes [0x4e, crc16].
func MarshalGlucoseTx() []byte {
	return AppendCRC([]byte{byte(OpGlucoseTx)})
}

// UnmarshalGlucoseRx decodes a live reading. The message is at least 16
// bytes and ends with a CRC over everything before it.
//
//	[0x4f, state, sequence:u32, timestamp:u32, glucose:u16, calib, trend, ..., crc16]
func UnmarshalGlucoseRx(data []byte) (*GlucoseRx, error) {
	if len(data) < GlucoseRxMinSize {
		return nil, fmt.Errorf("protocol: %s has %d bytes, want >= %d: %w",
			OpGlucoseRx, len(data), GlucoseRxMinSize, ErrShortMessage)
	}
	if Opcode(data[0]) != OpGlucoseRx {
		return nil, fmt.Errorf("protocol: got %s, want %s: %w", Opcode(data[0]), OpGlucoseRx, ErrUnexpectedOpcode)
	}
	if !VerifyCRC(data) {
		return nil, fmt.Errorf("protocol: %s: %w", OpGlucoseRx, ErrCRCMismatch)
	}
	reading, err := UnmarshalRecord([]byte{
		data[6], data[7], data[8], data[9], // timestamp
		data[10], data[11], // glucose
		data[12], // calibration
		data[13], // trend
	})
	if err != nil {
		return nil, err
	}
	return &GlucoseRx{
		Status:   TransmitterState(data[1]),
		Sequence: binary.LittleEndian.Uint32(data[2:6]),
		Reading:  reading,
	}, nil
}

// MarshalBackfillTx requests historical readings for [start, end].
//
//	[0x50, 0x05, 0x02, 0x00, start:u32, end:u32, zero(6), crc16]
func MarshalBackfillTx(start, end uint32) []byte {
	buf := make([]byte, 0, BackfillTxSize)
	buf = append(buf, byte(OpBackfillTx), 0x05, 0x02, 0x00)
	buf = binary.LittleEndian.AppendUint32(buf, start)
	buf = binary.LittleEndian.AppendUint32(buf, end)
	buf = append(buf, make([]byte, BackfillTxSize-CRCSize-len(buf))...)
	return AppendCRC(buf)
}

// UnmarshalBackfillRx decodes the 20-byte backfill status message.
func UnmarshalBackfillRx(data []byte) (*BackfillRx, error) {
	if err := expect(data, OpBackfillRx, BackfillRxSize); err != nil {
		return nil, err
	}
	if !VerifyCRC(data) {
		return nil, fmt.Errorf("protocol: %s: %w", OpBackfillRx, ErrCRCMismatch)
	}
	return &BackfillRx{
		Status:    data[1],
		StartTime: binary.LittleEndian.Uint32(data[4:8]),
		EndTime:   binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// PeekOpcode returns the leading opcode of data.
func PeekOpcode(data []byte) (Opcode, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("protocol: empty message: %w", ErrShortMessage)
	}
	return Opcode(data[0]), nil
}

// expect checks the opcode and exact length of a fixed-size message.
func expect(data []byte, op Opcode, size int) error {
	if len(data) == 0 {
		return fmt.Errorf("protocol: empty %s: %w", op, ErrShortMessage)
	}
	if Opcode(data[0]) != op {
		return fmt.Errorf("protocol: got %s, want %s: %w", Opcode(data[0]), op, ErrUnexpectedOpcode)
	}
	if len(data) != size {
		return fmt.Errorf("protocol: %s has %d bytes, want %d: %w", op, len(data), size, ErrWrongLength)
	}
	return nil
}
