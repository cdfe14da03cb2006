package protocol

import "fmt"

// Opcode is the leading byte of every non-backfill message.
type Opcode byte

const (
	OpAuthRequestTx   Opcode = 0x01
	OpAuthChallengeRx Opcode = 0x03
	OpAuthChallengeTx Opcode = 0x04
	OpAuthStatusRx    Opcode = 0x05
	OpKeepAliveTx     Opcode = 0x06
	OpBondRequestTx   Opcode = 0x07
	OpBondRequestRx   Opcode = 0x08
	OpDisconnectTx    Opcode = 0x09
	OpTimeTx          Opcode = 0x24
	OpTimeRx          Opcode = 0x25
	OpGlucoseTx       Opcode = 0x4e
	OpGlucoseRx       Opcode = 0x4f
	OpBackfillTx      Opcode = 0x50
	OpBackfillRx      Opcode = 0x51
)

func (o Opcode) String() string {
	switch o {
	case OpAuthRequestTx:
		return "AuthRequestTx"
	case OpAuthChallengeRx:
		return "AuthChallengeRx"
	case OpAuthChallengeTx:
		return "AuthChallengeTx"
	case OpAuthStatusRx:
		return "AuthStatusRx"
	case OpKeepAliveTx:
		return "KeepAliveTx"
	case OpBondRequestTx:
		return "BondRequestTx"
	case OpBondRequestRx:
		return "BondRequestRx"
	case OpDisconnectTx:
		return "DisconnectTx"
	case OpTimeTx:
		return "TimeTx"
	case OpTimeRx:
		return "TimeRx"
	case OpGlucoseTx:
		return "GlucoseTx"
	case OpGlucoseRx:
		return "GlucoseRx"
	case OpBackfillTx:
		return "BackfillTx"
	case OpBackfillRx:
		return "BackfillRx"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", byte(o))
	}
}

// CalibrationState is the sensor lifecycle status reported with every reading.
// Only CalibrationOK readings are stored.
type CalibrationState byte

const (
	CalibrationStopped               CalibrationState = 0x01
	CalibrationWarmup                CalibrationState = 0x02
	CalibrationNeedFirstCalibration  CalibrationState = 0x04
	CalibrationNeedSecondCalibration CalibrationState = 0x05
	CalibrationOK                    CalibrationState = 0x06
	CalibrationNeedCalibration       CalibrationState = 0x07
	CalibrationSensorFailed          CalibrationState = 0x0b
)

func (c CalibrationState) String() string {
	switch c {
	case CalibrationStopped:
		return "stopped"
	case CalibrationWarmup:
		return "warmup"
	case CalibrationNeedFirstCalibration:
		return "need first calibration"
	case CalibrationNeedSecondCalibration:
		return "need second calibration"
	case CalibrationOK:
		return "ok"
	case CalibrationNeedCalibration:
		return "need calibration"
	case CalibrationSensorFailed:
		return "sensor failed"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(c))
	}
}

// TransmitterState is the status byte carried by TimeRx and GlucoseRx.
type TransmitterState byte

const (
	TransmitterOK         TransmitterState = 0x00
	TransmitterBatteryLow TransmitterState = 0x81
	TransmitterBricked    TransmitterState = 0x83
)

func (t TransmitterState) String() string {
	switch t {
	case TransmitterOK:
		return "ok"
	case TransmitterBatteryLow:
		return "battery low"
	case TransmitterBricked:
		return "bricked"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}
