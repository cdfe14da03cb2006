package session

// Phase is a step of the transmitter session.
type Phase string

const (
	PhaseConnected               Phase = "connected"
	PhaseDirectoryReady          Phase = "directory_ready"
	PhaseCheckingBondState       Phase = "checking_bond_state"
	PhaseAuthenticating          Phase = "authenticating"
	PhaseNotifyingControl        Phase = "notifying_control"
	PhaseBonding                 Phase = "bonding"
	PhaseEnablingControlNotify   Phase = "enabling_control_notify"
	PhaseSyncingTime             Phase = "syncing_time"
	PhaseRequestingGlucose       Phase = "requesting_glucose"
	PhaseAwaitingGlucoseReading  Phase = "awaiting_glucose_reading"
	PhaseReconcilingBackfill     Phase = "reconciling_backfill"
	PhaseNoBackfillNeeded        Phase = "no_backfill_needed"
	PhaseRequestingBackfill      Phase = "requesting_backfill"
	PhaseAwaitingBackfillStatus  Phase = "awaiting_backfill_status"
	PhaseReceivingBackfillChunks Phase = "receiving_backfill_chunks"
	PhaseDraining                Phase = "draining"
	PhaseSleeping                Phase = "sleeping"
	PhaseFatalError              Phase = "fatal_error"
)

func (p Phase) String() string { return string(p) }

// Terminal reports whether the session is over.
func (p Phase) Terminal() bool {
	return p == PhaseSleeping || p == PhaseFatalError
}

// authStep tracks progress through the authentication exchange, which is
// driven by completions on the authentication characteristic.
type authStep int

const (
	authSendRequest authStep = iota
	authReadChallenge
	authSendChallenge
	authReadStatus
	authSendKeepAlive
	authSendBondRequest
)

func (a authStep) String() string {
	switch a {
	case authSendRequest:
		return "send_request"
	case authReadChallenge:
		return "read_challenge"
	case authSendChallenge:
		return "send_challenge"
	case authReadStatus:
		return "read_status"
	case authSendKeepAlive:
		return "send_keep_alive"
	case authSendBondRequest:
		return "send_bond_request"
	default:
		return "unknown"
	}
}
