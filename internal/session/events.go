package session

import "github.com/chaz8081/g6-reader/internal/ble"

type Event interface {
	Type() string
}

// DirectoryReadyEvent carries the discovery result and the link's bond
// state.
type DirectoryReadyEvent struct {
	Directory *ble.Directory
	Bonded    bool
}

func (e DirectoryReadyEvent) Type() string { return "directory_ready" }

type WriteDoneEvent struct {
	Handle ble.Handle
	Err    error
}

func (e WriteDoneEvent) Type() string { return "write_done" }

type ReadDoneEvent struct {
	Handle ble.Handle
	Data   []byte
	Err    error
}

func (e ReadDoneEvent) Type() string { return "read_done" }

// SubscribeDoneEvent reports completion of a CCCD write. Handle is the
// descriptor handle.
type SubscribeDoneEvent struct {
	Handle ble.Handle
	Err    error
}

func (e SubscribeDoneEvent) Type() string { return "subscribe_done" }

type NotificationEvent struct {
	Handle ble.Handle
	Data   []byte
}

func (e NotificationEvent) Type() string { return "notification" }

// BackfillCompleteEvent is posted when no backfill chunk arrived for the
// idle timeout.
type BackfillCompleteEvent struct{}

func (e BackfillCompleteEvent) Type() string { return "backfill_complete" }

type DisconnectedEvent struct {
	Err error
}

func (e DisconnectedEvent) Type() string { return "disconnected" }

// AbortEvent ends the session with Err, e.g. when the supervisory deadline
// expires or an effect could not be carried out.
type AbortEvent struct {
	Err error
}

func (e AbortEvent) Type() string { return "abort" }
