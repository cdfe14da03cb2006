package protocol

import "errors"

var (
	ErrShortMessage     = errors.New("message too short")
	ErrWrongLength      = errors.New("wrong message length")
	ErrUnexpectedOpcode = errors.New("unexpected opcode")
	ErrCRCMismatch      = errors.New("crc mismatch")
	ErrChunkSequence    = errors.New("backfill chunk out of sequence")
	ErrTruncatedRecord  = errors.New("truncated reading record")
)
