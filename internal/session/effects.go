package session

import (
	"time"

	"github.com/chaz8081/g6-reader/internal/ble"
	"github.com/chaz8081/g6-reader/internal/ble/protocol"
)

// Effect is a side effect requested by Engine.Step. The runner carries
// effects out in order.
type Effect interface {
	Kind() string
}

type WriteEffect struct {
	Handle ble.Handle
	Data   []byte
}

func (WriteEffect) Kind() string { return "write" }

type ReadEffect struct {
	Handle ble.Handle
}

func (ReadEffect) Kind() string { return "read" }

// SubscribeEffect writes Mode's CCCD value to the descriptor at Handle.
type SubscribeEffect struct {
	Handle ble.Handle
	Mode   ble.SubscribeMode
}

func (SubscribeEffect) Kind() string { return "subscribe" }

type SaveReadingEffect struct {
	Reading protocol.Reading
}

func (SaveReadingEffect) Kind() string { return "save_reading" }

type CommitSequenceEffect struct {
	Sequence uint32
}

func (CommitSequenceEffect) Kind() string { return "commit_sequence" }

// DrainEffect logs the store contents. With Peek the store keeps them.
type DrainEffect struct {
	Peek bool
}

func (DrainEffect) Kind() string { return "drain" }

// SleepEffect ends the session. Err is set when the session failed.
type SleepEffect struct {
	Duration time.Duration
	Err      error
}

func (SleepEffect) Kind() string { return "sleep" }
