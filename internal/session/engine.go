// Package session drives one connection to a CGM transmitter from discovery
// to sleep. Engine.Step is a pure transition function; Runner executes the
// effects it returns against a BLE connection and the reading store.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/g6-reader/internal/ble"
	"github.com/chaz8081/g6-reader/internal/ble/crypto"
	"github.com/chaz8081/g6-reader/internal/ble/protocol"
)

var (
	ErrTokenMismatch     = errors.New("transmitter did not echo our token")
	ErrNotAuthenticated  = errors.New("transmitter rejected authentication")
	ErrCalibrationState  = errors.New("reading not calibrated")
	ErrDisconnected      = errors.New("disconnected")
	ErrBackfillOverflow  = errors.New("backfill buffer overflow")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// Config holds the engine's tunables.
type Config struct {
	TransmitterID        string
	SleepBetweenReadings time.Duration
	SleepAfterError      time.Duration
	KeepAlive            byte // seconds
}

// DefaultConfig returns the values the transmitter is normally run with.
func DefaultConfig(id string) Config {
	return Config{
		TransmitterID:        id,
		SleepBetweenReadings: 600 * time.Second,
		SleepAfterError:      30 * time.Second,
		KeepAlive:            25,
	}
}

// State is everything known about one session. It is created by
// NewSession, changed only by Step and discarded when the session ends.
type State struct {
	ConnID string
	Phase  Phase

	auth     ble.CharacteristicEntry
	control  ble.CharacteristicEntry
	backfill ble.CharacteristicEntry

	authStep   authStep
	Token      [8]byte
	TokenHash  [8]byte // our encryption of Token
	Challenge  [8]byte
	AuthStatus byte
	BondStatus byte

	CurrentTime       uint32
	Window            Window
	Backfill          Reassembly
	ExpectingBackfill bool

	LastSequence  uint32 // as loaded at session start
	LastTimestamp uint32 // newest stored timestamp, as loaded at session start
	Sequence      uint32 // sequence of the live reading, once received
	Live          *protocol.Reading
	Saved         int // readings handed to the store this session

	Err error
}

// Engine computes session transitions.
type Engine struct {
	cfg    Config
	cipher *crypto.Cipher
	log    *slog.Logger
}

// NewEngine derives the transmitter key and returns an engine.
func NewEngine(cfg Config, log *slog.Logger) (*Engine, error) {
	c, err := crypto.NewCipherForID(cfg.TransmitterID)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 25
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, cipher: c, log: log}, nil
}

// NewSession returns the initial state for a fresh connection. Backfill
// records at or before lastTimestamp are already stored and are skipped.
func (e *Engine) NewSession(connID string, token [8]byte, lastSequence, lastTimestamp uint32) State {
	return State{
		ConnID:        connID,
		Phase:         PhaseConnected,
		Token:         token,
		TokenHash:     e.cipher.Encrypt(token),
		LastSequence:  lastSequence,
		LastTimestamp: lastTimestamp,
	}
}

// Step applies ev to s and returns the new state with the effects to carry
// out. Events arriving after the session ended are ignored.
func (e *Engine) Step(s State, ev Event) (State, []Effect) {
	if s.Phase.Terminal() {
		return s, nil
	}
	log := e.log.With("phase", s.Phase.String(), "conn", s.ConnID)
	log.Debug("event", "type", ev.Type())

	switch ev := ev.(type) {
	case DirectoryReadyEvent:
		return e.onDirectoryReady(s, ev)
	case WriteDoneEvent:
		return e.onWriteDone(s, ev, log)
	case ReadDoneEvent:
		return e.onReadDone(s, ev, log)
	case SubscribeDoneEvent:
		return e.onSubscribeDone(s, ev, log)
	case NotificationEvent:
		return e.onNotification(s, ev, log)
	case BackfillCompleteEvent:
		return e.onBackfillComplete(s, log)
	case DisconnectedEvent:
		if s.Phase == PhaseDraining {
			return e.sleep(s)
		}
		err := ErrDisconnected
		if ev.Err != nil {
			err = fmt.Errorf("%w: %w", ErrDisconnected, ev.Err)
		}
		return e.fail(s, fmt.Errorf("session: in %s: %w", s.Phase, err))
	case AbortEvent:
		return e.fail(s, ev.Err)
	default:
		log.Warn("ignoring unknown event", "type", ev.Type())
		return s, nil
	}
}

func (e *Engine) enter(s State, p Phase) State {
	e.log.Debug("phase transition", "conn", s.ConnID, "from", s.Phase.String(), "to", p.String())
	s.Phase = p
	return s
}

// fail is the single abandon path.
func (e *Engine) fail(s State, err error) (State, []Effect) {
	e.log.Error("session failed", "conn", s.ConnID, "phase", s.Phase.String(), "error", err)
	s = e.enter(s, PhaseFatalError)
	s.Err = err
	s.ExpectingBackfill = false
	return s, []Effect{SleepEffect{Duration: e.cfg.SleepAfterError, Err: err}}
}

func (e *Engine) sleep(s State) (State, []Effect) {
	s = e.enter(s, PhaseSleeping)
	e.log.Info("session complete", "conn", s.ConnID, "saved", s.Saved, "sleep", e.cfg.SleepBetweenReadings)
	return s, []Effect{SleepEffect{Duration: e.cfg.SleepBetweenReadings}}
}

func (e *Engine) onDirectoryReady(s State, ev DirectoryReadyEvent) (State, []Effect) {
	if s.Phase != PhaseConnected {
		return e.fail(s, fmt.Errorf("session: directory ready in %s: %w", s.Phase, ErrUnexpectedMessage))
	}
	s = e.enter(s, PhaseDirectoryReady)
	if err := ev.Directory.Require(ble.AuthenticationUUID, ble.ControlUUID, ble.BackfillUUID); err != nil {
		return e.fail(s, fmt.Errorf("session: %w", err))
	}
	s.auth, _ = ev.Directory.Lookup(ble.AuthenticationUUID)
	s.control, _ = ev.Directory.Lookup(ble.ControlUUID)
	s.backfill, _ = ev.Directory.Lookup(ble.BackfillUUID)

	s = e.enter(s, PhaseCheckingBondState)
	if ev.Bonded {
		s = e.enter(s, PhaseNotifyingControl)
		return s, []Effect{SubscribeEffect{Handle: s.control.DescriptorHandle, Mode: ble.SubscribeNotify}}
	}

	s = e.enter(s, PhaseAuthenticating)
	s.authStep = authSendRequest
	return s, []Effect{WriteEffect{
		Handle: s.auth.ValueHandle,
		Data:   protocol.MarshalAuthRequest(s.Token, protocol.AuthChannel),
	}}
}

func (e *Engine) onWriteDone(s State, ev WriteDoneEvent, log *slog.Logger) (State, []Effect) {
	if ev.Err != nil {
		if s.Phase == PhaseDraining {
			log.Warn("disconnect request failed", "error", ev.Err)
			return e.sleep(s)
		}
		return e.fail(s, fmt.Errorf("session: write %s in %s: %w", ev.Handle, s.Phase, ev.Err))
	}

	switch {
	case s.Phase == PhaseAuthenticating && ev.Handle == s.auth.ValueHandle:
		switch s.authStep {
		case authSendRequest:
			s.authStep = authReadChallenge
			return s, []Effect{ReadEffect{Handle: s.auth.ValueHandle}}
		case authSendChallenge:
			s.authStep = authReadStatus
			return s, []Effect{ReadEffect{Handle: s.auth.ValueHandle}}
		case authSendKeepAlive:
			s.authStep = authSendBondRequest
			s = e.enter(s, PhaseBonding)
			return s, []Effect{WriteEffect{Handle: s.auth.ValueHandle, Data: protocol.MarshalBondRequest()}}
		}
	case s.Phase == PhaseBonding && ev.Handle == s.auth.ValueHandle:
		s = e.enter(s, PhaseEnablingControlNotify)
		return s, []Effect{SubscribeEffect{Handle: s.control.DescriptorHandle, Mode: ble.SubscribeNotify}}
	case s.Phase == PhaseRequestingGlucose && ev.Handle == s.control.ValueHandle:
		return e.enter(s, PhaseAwaitingGlucoseReading), nil
	case s.Phase == PhaseDraining && ev.Handle == s.control.ValueHandle:
		return e.sleep(s)
	}

	log.Debug("ignoring write completion", "handle", ev.Handle.String(), "auth_step", s.authStep.String())
	return s, nil
}

func (e *Engine) onReadDone(s State, ev ReadDoneEvent, log *slog.Logger) (State, []Effect) {
	if ev.Err != nil {
		return e.fail(s, fmt.Errorf("session: read %s in %s: %w", ev.Handle, s.Phase, ev.Err))
	}
	if s.Phase != PhaseAuthenticating || ev.Handle != s.auth.ValueHandle {
		log.Debug("ignoring read completion", "handle", ev.Handle.String())
		return s, nil
	}

	switch s.authStep {
	case authReadChallenge:
		c, err := protocol.UnmarshalAuthChallenge(ev.Data)
		if err != nil {
			return e.fail(s, fmt.Errorf("session: auth challenge: %w", err))
		}
		if !crypto.TokenMatches(s.TokenHash, c.TokenHash) {
			return e.fail(s, fmt.Errorf("session: got %x, want %x: %w", c.TokenHash, s.TokenHash, ErrTokenMismatch))
		}
		s.Challenge = c.Challenge
		s.authStep = authSendChallenge
		return s, []Effect{WriteEffect{
			Handle: s.auth.ValueHandle,
			Data:   protocol.MarshalAuthChallenge(e.cipher.Encrypt(c.Challenge)),
		}}

	case authReadStatus:
		st, err := protocol.UnmarshalAuthStatus(ev.Data)
		if err != nil {
			return e.fail(s, fmt.Errorf("session: auth status: %w", err))
		}
		s.AuthStatus, s.BondStatus = st.Authenticated, st.Bonded
		if st.Authenticated != 1 {
			return e.fail(s, fmt.Errorf("session: auth status %d: %w", st.Authenticated, ErrNotAuthenticated))
		}
		log.Info("authenticated", "bond_status", st.Bonded)
		s.authStep = authSendKeepAlive
		return s, []Effect{WriteEffect{Handle: s.auth.ValueHandle, Data: protocol.MarshalKeepAlive(e.cfg.KeepAlive)}}
	}

	log.Debug("ignoring read completion", "auth_step", s.authStep.String())
	return s, nil
}

func (e *Engine) onSubscribeDone(s State, ev SubscribeDoneEvent, log *slog.Logger) (State, []Effect) {
	if ev.Err != nil {
		return e.fail(s, fmt.Errorf("session: subscribe %s in %s: %w", ev.Handle, s.Phase, ev.Err))
	}

	switch {
	case (s.Phase == PhaseNotifyingControl || s.Phase == PhaseEnablingControlNotify) &&
		ev.Handle == s.control.DescriptorHandle:
		s = e.enter(s, PhaseSyncingTime)
		return s, []Effect{WriteEffect{Handle: s.control.ValueHandle, Data: protocol.MarshalTimeTx()}}
	case s.Phase == PhaseRequestingBackfill && ev.Handle == s.backfill.DescriptorHandle:
		s = e.enter(s, PhaseAwaitingBackfillStatus)
		s.ExpectingBackfill = true
		s.Backfill = NewReassembly(s.Window.MaxRecords())
		return s, []Effect{WriteEffect{
			Handle: s.control.ValueHandle,
			Data:   protocol.MarshalBackfillTx(s.Window.Start, s.Window.End),
		}}
	}

	log.Debug("ignoring subscribe completion", "handle", ev.Handle.String())
	return s, nil
}

func (e *Engine) onNotification(s State, ev NotificationEvent, log *slog.Logger) (State, []Effect) {
	if s.ExpectingBackfill && ev.Handle == s.backfill.ValueHandle {
		return e.onBackfillChunk(s, ev.Data, log)
	}
	if ev.Handle != s.control.ValueHandle || s.control.ValueHandle == 0 {
		log.Debug("ignoring notification", "handle", ev.Handle.String(), "bytes", len(ev.Data))
		return s, nil
	}

	op, err := protocol.PeekOpcode(ev.Data)
	if err != nil {
		return e.fail(s, fmt.Errorf("session: control notification: %w", err))
	}

	switch {
	case s.Phase == PhaseSyncingTime && op == protocol.OpTimeRx:
		return e.onTimeRx(s, ev.Data, log)
	case (s.Phase == PhaseRequestingGlucose || s.Phase == PhaseAwaitingGlucoseReading) && op == protocol.OpGlucoseRx:
		return e.onGlucoseRx(s, ev.Data, log)
	case (s.Phase == PhaseAwaitingBackfillStatus || s.Phase == PhaseReceivingBackfillChunks) && op == protocol.OpBackfillRx:
		return e.onBackfillRx(s, ev.Data, log)
	case s.Phase == PhaseDraining:
		log.Debug("ignoring notification while draining", "opcode", op.String())
		return s, nil
	}
	return e.fail(s, fmt.Errorf("session: %s in %s: %w", op, s.Phase, protocol.ErrUnexpectedOpcode))
}

func (e *Engine) onTimeRx(s State, data []byte, log *slog.Logger) (State, []Effect) {
	t, err := protocol.UnmarshalTimeRx(data)
	if err != nil {
		return e.fail(s, fmt.Errorf("session: time: %w", err))
	}
	s.CurrentTime = t.CurrentTime
	s.Window = WindowAt(t.CurrentTime)
	log.Info("transmitter time",
		"current", t.CurrentTime,
		"session_start", t.SessionStartTime,
		"status", t.Status.String(),
	)
	if t.Status != protocol.TransmitterOK {
		log.Warn("transmitter status", "status", t.Status.String())
	}

	s = e.enter(s, PhaseRequestingGlucose)
	return s, []Effect{WriteEffect{Handle: s.control.ValueHandle, Data: protocol.MarshalGlucoseTx()}}
}

func (e *Engine) onGlucoseRx(s State, data []byte, log *slog.Logger) (State, []Effect) {
	g, err := protocol.UnmarshalGlucoseRx(data)
	if err != nil {
		return e.fail(s, fmt.Errorf("session: glucose: %w", err))
	}
	if g.Reading.Calibration != protocol.CalibrationOK {
		return e.fail(s, fmt.Errorf("session: calibration %s: %w", g.Reading.Calibration, ErrCalibrationState))
	}
	s = e.enter(s, PhaseReconcilingBackfill)
	s.Sequence = g.Sequence

	var effects []Effect
	if g.Sequence > s.LastSequence {
		live := g.Reading
		s.Live = &live
		s.Saved++
		effects = append(effects,
			SaveReadingEffect{Reading: live},
			CommitSequenceEffect{Sequence: g.Sequence},
		)
		log.Info("reading", "sequence", g.Sequence, "glucose", live.Glucose, "trend", live.Trend, "timestamp", live.Timestamp)
	} else {
		log.Warn("sequence anomaly, reading not stored", "sequence", g.Sequence, "last_sequence", s.LastSequence)
	}

	decision := Reconcile(s.LastSequence, g.Sequence)
	log.Debug("reconciled", "decision", decision.String(), "last_sequence", s.LastSequence, "sequence", g.Sequence)

	if decision == DecisionBackfill {
		s = e.enter(s, PhaseRequestingBackfill)
		log.Info("requesting backfill", "start", s.Window.Start, "end", s.Window.End)
		return s, append(effects, SubscribeEffect{Handle: s.backfill.DescriptorHandle, Mode: ble.SubscribeNotify})
	}
	if decision == DecisionNone {
		s = e.enter(s, PhaseNoBackfillNeeded)
	}
	var drain []Effect
	s, drain = e.drain(s)
	return s, append(effects, drain...)
}

func (e *Engine) onBackfillRx(s State, data []byte, log *slog.Logger) (State, []Effect) {
	b, err := protocol.UnmarshalBackfillRx(data)
	if err != nil {
		return e.fail(s, fmt.Errorf("session: backfill status: %w", err))
	}
	log.Info("backfill status", "status", b.Status, "start", b.StartTime, "end", b.EndTime)
	if b.StartTime != s.Window.Start || b.EndTime != s.Window.End {
		log.Warn("backfill window differs from request",
			"want_start", s.Window.Start, "want_end", s.Window.End,
			"got_start", b.StartTime, "got_end", b.EndTime)
	}

	// Status after the chunks marks the end of the transfer.
	if s.Phase == PhaseReceivingBackfillChunks && s.Backfill.Len() > 0 {
		return e.completeBackfill(s, log)
	}
	return e.enter(s, PhaseReceivingBackfillChunks), nil
}

func (e *Engine) onBackfillChunk(s State, data []byte, log *slog.Logger) (State, []Effect) {
	if err := s.Backfill.Push(data); err != nil {
		return e.fail(s, err)
	}
	log.Debug("backfill chunk", "next", s.Backfill.NextChunk, "bytes", s.Backfill.Len())
	if s.Phase == PhaseAwaitingBackfillStatus {
		s = e.enter(s, PhaseReceivingBackfillChunks)
	}
	if s.Backfill.Full() {
		return e.completeBackfill(s, log)
	}
	return s, nil
}

func (e *Engine) onBackfillComplete(s State, log *slog.Logger) (State, []Effect) {
	if s.Phase != PhaseReceivingBackfillChunks {
		log.Debug("ignoring backfill timeout")
		return s, nil
	}
	return e.completeBackfill(s, log)
}

func (e *Engine) completeBackfill(s State, log *slog.Logger) (State, []Effect) {
	s.ExpectingBackfill = false
	readings, err := s.Backfill.Records()
	if err != nil {
		return e.fail(s, fmt.Errorf("session: backfill: %w", err))
	}

	var effects []Effect
	for _, r := range readings {
		switch {
		case r.Calibration != protocol.CalibrationOK:
			log.Warn("skipping uncalibrated backfill record", "timestamp", r.Timestamp, "calibration", r.Calibration.String())
			continue
		case s.Live != nil && r.Timestamp == s.Live.Timestamp:
			log.Debug("skipping backfill record matching live reading", "timestamp", r.Timestamp)
			continue
		case r.Timestamp <= s.LastTimestamp:
			log.Debug("skipping backfill record already stored", "timestamp", r.Timestamp, "last_timestamp", s.LastTimestamp)
			continue
		case !s.Window.Contains(r.Timestamp):
			log.Warn("backfill record outside window", "timestamp", r.Timestamp)
		}
		s.Saved++
		effects = append(effects, SaveReadingEffect{Reading: r})
	}
	log.Info("backfill complete", "records", len(readings), "saved", len(effects))

	var drain []Effect
	s, drain = e.drain(s)
	return s, append(effects, drain...)
}

// drain logs the store and asks the transmitter to drop the link.
func (e *Engine) drain(s State) (State, []Effect) {
	s = e.enter(s, PhaseDraining)
	return s, []Effect{
		DrainEffect{Peek: true},
		WriteEffect{Handle: s.control.ValueHandle, Data: protocol.MarshalDisconnect()},
	}
}
