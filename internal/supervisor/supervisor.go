// Package supervisor runs the ingest pipeline and restarts it after failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/galois26/xwiki-consumer/internal/model"
	"github.com/galois26/xwiki-consumer/internal/normalize"
	"github.com/galois26/xwiki-consumer/internal/store"
	"github.com/galois26/xwiki-consumer/internal/stream"
	"github.com/galois26/xwiki-consumer/internal/telemetry"
	"github.com/galois26/xwiki-consumer/internal/tracked"
)

type State int32

const (
	Connecting State = iota
	Streaming
	Reconnecting
	Stopped
)

var stateNames = []string{"CONNECTING", "STREAMING", "RECONNECTING", "STOPPED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Restart reasons.
const (
	ReasonTransport   = "transport"
	ReasonPersistence = "persistence"
	ReasonUnknown     = "unknown"
)

// Classify maps a cycle failure to its restart reason.
func Classify(err error) string {
	var te *stream.TransportError
	var pe *store.PersistenceError
	switch {
	case errors.As(err, &te):
		return ReasonTransport
	case errors.As(err, &pe):
		return ReasonPersistence
	default:
		return ReasonUnknown
	}
}

// Session is the persistence boundary of one cycle.
type Session interface {
	tracked.Loader
	Upsert(ctx context.Context, ev model.Event) error
	Checkpoint(ctx context.Context) (string, bool, error)
	SetCheckpoint(ctx context.Context, cursor string) error
	io.Closer
}

// Subscription is one live feed connection.
type Subscription interface {
	Next() (model.RawMessage, error)
	io.Closer
}

type (
	Connector func(ctx context.Context) (Session, error)
	Opener    func(ctx context.Context, cursor string) (Subscription, error)
)

type Options struct {
	ReconnectDelay  time.Duration
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

type Supervisor struct {
	connect Connector
	open    Opener
	opts    Options
	log     *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	state atomic.Int32
}

func New(connect Connector, open Opener, opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		connect: connect,
		open:    open,
		opts:    opts,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	s.state.Store(int32(Stopped))
	return s
}

// State is safe to call from any goroutine.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Info("state change", "from", prev.String(), "to", st.String())
	}
	s.opts.Metrics.SetState(st.String(), stateNames)
}

// Run drives cycles until ctx is cancelled and then returns ctx.Err().
// No failure class ends the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(Stopped)
	for {
		s.setState(Connecting)
		err := s.cycle(ctx)
		if ctx.Err() != nil {
			s.log.Info("shutting down", "reason", context.Cause(ctx))
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("cycle ended without error")
		}
		reason := Classify(err)
		s.opts.Metrics.Restart(reason)
		s.setState(Reconnecting)
		s.log.Error("pipeline failed, restarting", "reason", reason, "err", err, "delay", s.opts.ReconnectDelay)
		if err := s.sleep(ctx, s.opts.ReconnectDelay); err != nil {
			return err
		}
	}
}

// cycle owns one session and one subscription; both are closed on return.
func (s *Supervisor) cycle(ctx context.Context) error {
	log := s.log.With("cycle", uuid.NewString())
	s.opts.Metrics.Connect()

	sess, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer closeQuietly(log, "session", sess)

	cursor, _, err := sess.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	cache := tracked.NewCache(sess, s.opts.RefreshInterval, s.opts.RefreshTimeout, log)
	cache.OnRefresh = s.opts.Metrics.Refresh
	if err := cache.Load(ctx, s.now()); err != nil {
		return fmt.Errorf("initial tracked load: %w", err)
	}

	sub, err := s.open(ctx, cursor)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer closeQuietly(log, "subscription", sub)

	s.setState(Streaming)
	log.Info("streaming", "cursor", cursor, "tracked", cache.Current().Len(), "tracked_loaded_at", cache.LoadedAt())

	for {
		msg, err := sub.Next()
		var oe *stream.OversizeError
		if errors.As(err, &oe) {
			// the next acknowledged frame moves the cursor past it
			log.Warn("dropping oversized frame", "limit", oe.Limit)
			s.opts.Metrics.Message(telemetry.OutcomeDropped)
			continue
		}
		if err != nil {
			return err
		}
		if err := s.handle(ctx, log, sess, cache, msg); err != nil {
			return err
		}
		cache.MaybeRefresh(ctx, s.now())
	}
}

// handle evaluates one message and then acknowledges it.
func (s *Supervisor) handle(ctx context.Context, log *slog.Logger, sess Session, cache *tracked.Cache, msg model.RawMessage) error {
	m := s.opts.Metrics
	if msg.Kind() != "message" || msg.Data == "" {
		m.Message(telemetry.OutcomeIgnored)
		return nil
	}

	ev, err := normalize.Parse([]byte(msg.Data))
	switch {
	case err != nil:
		var pe *normalize.ParseError
		if !errors.As(err, &pe) {
			return err
		}
		log.Warn("dropping malformed message", "id", deref(msg.ID), "err", err)
		m.Message(telemetry.OutcomeDropped)
	case cache.Current().Has(ev.NormalizedActor):
		start := time.Now()
		if err := sess.Upsert(ctx, ev); err != nil {
			return fmt.Errorf("store event %s: %w", ev.ID, err)
		}
		m.ObserveUpsert(time.Since(start))
		m.Message(telemetry.OutcomeStored)
		m.EventSeen(ev.Timestamp)
		log.Info("stored event", "id", ev.ID, "wiki", ev.Wiki, "actor", ev.Actor, "type", ev.Type)
	default:
		m.Message(telemetry.OutcomeUntracked)
		m.EventSeen(ev.Timestamp)
	}

	if msg.ID == nil || *msg.ID == "" {
		return nil
	}
	// never acknowledge a message whose evaluation raced a shutdown
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sess.SetCheckpoint(ctx, *msg.ID); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	m.Checkpointed(time.Now())
	return nil
}

func closeQuietly(log *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Debug("close failed", "what", what, "err", err)
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
