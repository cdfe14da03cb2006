package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chaz8081/g6-reader/internal/ble"
	"github.com/chaz8081/g6-reader/internal/ble/crypto"
	"github.com/chaz8081/g6-reader/internal/ble/protocol"
)

// ReadingStore is the part of the persistent store a session uses.
type ReadingStore interface {
	Save(r protocol.Reading) error
	CommitSequence(seq uint32) error
	LastSequence() uint32
	LastTimestamp() uint32
	DrainAndLog(log *slog.Logger, peek bool) []protocol.Reading
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	BackfillIdleTimeout time.Duration // quiet period that ends a backfill transfer
	EventBuffer         int           // capacity of the inbound event channel
	Rand                io.Reader     // token source, crypto/rand when nil
}

// DefaultRunnerOptions returns sensible defaults.
func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		BackfillIdleTimeout: 3 * time.Second,
		EventBuffer:         64,
	}
}

// Result is the outcome of one session.
type Result struct {
	State State
	Sleep time.Duration
	Err   error
}

// Runner executes a session over one connection. Notifications and timers
// post into a channel; completions of effects the runner carries out are
// queued and handled before the next channel receive, so every event is
// processed on the Run goroutine in arrival order.
type Runner struct {
	engine *Engine
	conn   ble.Connection
	store  ReadingStore
	opts   RunnerOptions
	log    *slog.Logger

	events chan Event
	done   chan struct{}
}

// NewRunner binds an engine to a connection and a store.
func NewRunner(engine *Engine, conn ble.Connection, store ReadingStore, opts RunnerOptions, log *slog.Logger) *Runner {
	if opts.BackfillIdleTimeout <= 0 {
		opts.BackfillIdleTimeout = 3 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		engine: engine,
		conn:   conn,
		store:  store,
		opts:   opts,
		log:    log,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// post delivers ev to the loop unless the session has ended.
func (r *Runner) post(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Run drives the session until it sleeps or fails. ctx bounds the whole
// session; its expiry aborts the session. Run may be called once.
func (r *Runner) Run(ctx context.Context, connID string) Result {
	defer close(r.done)

	r.conn.OnNotification(func(h ble.Handle, data []byte) {
		r.post(NotificationEvent{Handle: h, Data: data})
	})
	r.conn.OnDisconnect(func() {
		r.post(DisconnectedEvent{})
	})

	var idle *time.Timer
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	var queue []Event
	s := State{ConnID: connID, Phase: PhaseConnected}
	token, err := crypto.NewToken(r.opts.Rand)
	if err != nil {
		queue = append(queue, AbortEvent{Err: fmt.Errorf("session: %w", err)})
	} else {
		s = r.engine.NewSession(connID, token, r.store.LastSequence(), r.store.LastTimestamp())
		dir, err := r.conn.Discover(ctx)
		if err != nil {
			queue = append(queue, AbortEvent{Err: fmt.Errorf("session: discover: %w", err)})
		} else {
			queue = append(queue, DirectoryReadyEvent{Directory: dir, Bonded: r.conn.Bonded()})
		}
	}

	for {
		var ev Event
		if len(queue) > 0 {
			ev, queue = queue[0], queue[1:]
		} else {
			select {
			case ev = <-r.events:
			case <-ctx.Done():
				ev = AbortEvent{Err: fmt.Errorf("session: %w", ctx.Err())}
			}
		}

		var effects []Effect
		s, effects = r.engine.Step(s, ev)

		for _, eff := range effects {
			if sleep, ok := eff.(SleepEffect); ok {
				return Result{State: s, Sleep: sleep.Duration, Err: sleep.Err}
			}
			queue = append(queue, r.execute(ctx, eff)...)
		}

		if _, ok := ev.(NotificationEvent); ok && s.ExpectingBackfill {
			if idle == nil {
				idle = time.AfterFunc(r.opts.BackfillIdleTimeout, func() {
					r.post(BackfillCompleteEvent{})
				})
			} else {
				idle.Reset(r.opts.BackfillIdleTimeout)
			}
		}
	}
}

// execute carries out one effect and returns the events it produced.
func (r *Runner) execute(ctx context.Context, eff Effect) []Event {
	switch eff := eff.(type) {
	case WriteEffect:
		err := r.conn.Write(ctx, eff.Handle, eff.Data)
		return []Event{WriteDoneEvent{Handle: eff.Handle, Err: err}}
	case ReadEffect:
		data, err := r.conn.Read(ctx, eff.Handle)
		return []Event{ReadDoneEvent{Handle: eff.Handle, Data: data, Err: err}}
	case SubscribeEffect:
		err := r.conn.Write(ctx, eff.Handle, eff.Mode.CCCD())
		return []Event{SubscribeDoneEvent{Handle: eff.Handle, Err: err}}
	case SaveReadingEffect:
		if err := r.store.Save(eff.Reading); err != nil {
			return []Event{AbortEvent{Err: fmt.Errorf("session: save reading: %w", err)}}
		}
	case CommitSequenceEffect:
		if err := r.store.CommitSequence(eff.Sequence); err != nil {
			return []Event{AbortEvent{Err: fmt.Errorf("session: %w", err)}}
		}
	case DrainEffect:
		r.store.DrainAndLog(r.log, eff.Peek)
	default:
		r.log.Warn("unknown effect", "kind", eff.Kind())
	}
	return nil
}
