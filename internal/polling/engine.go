// Package polling drives the CIBA and device-code grants: initiate an
// out-of-band authorization, then poll the token endpoint until the user
// approves, denies or the request expires.
package polling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/metrics"
	"github.com/curtismu7/oauthplayground/internal/oidc"
	"github.com/curtismu7/oauthplayground/internal/protocol"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

// State is the engine's position in the polling lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateInitiating       State = "initiating"
	StateAwaitingApproval State = "awaiting-approval"
	StatePolling          State = "polling"
	StateSuccess          State = "success"
	StateError            State = "error"
)

const (
	DefaultInterval = 5 * time.Second
	// slowDownStep is added to the interval on every slow_down (RFC 8628 section 3.5).
	slowDownStep = 5 * time.Second
	// defaultLifetime applies when the server omits expires_in.
	defaultLifetime = 300

	kindAuthRequest = "pending_auth_request"
)

var (
	ErrInvalidRequest = errors.New("invalid polling request")
	ErrExpired        = errors.New("authorization request expired")
	ErrCancelled      = errors.New("polling cancelled")
)

// Options wires an Engine.
type Options struct {
	Grant           Grant
	Scopes          storage.Scopes
	Bus             *events.Bus
	Events          *eventlog.Logger
	Metrics         *metrics.Metrics
	Clock           clockwork.Clock
	Logger          *slog.Logger
	DefaultInterval time.Duration
}

// Snapshot is a point-in-time view of an engine.
type Snapshot struct {
	Grant       string             `json:"grant"`
	State       State              `json:"state"`
	Interval    int64              `json:"interval"`
	NextPollAt  *time.Time         `json:"nextPollAt,omitempty"`
	ExpiresAt   *time.Time         `json:"expiresAt,omitempty"`
	Attempts    int                `json:"attempts"`
	Error       string             `json:"error,omitempty"`
	ErrorKind   protocol.ErrorKind `json:"errorKind,omitempty"`
	AuthRequest *AuthRequest       `json:"authRequest,omitempty"`
	Tokens      *oidc.TokenSet     `json:"tokens,omitempty"`
}

// note is an event log record collected under mu and written once it is released.
type note struct {
	level  eventlog.Level
	cat    eventlog.Category
	msg    string
	fields map[string]any
}

type pending struct {
	Request Request     `json:"request"`
	Auth    AuthRequest `json:"auth"`
}

// Engine runs one polling session at a time for one grant. A session ends
// in success or error; Initiate starts a new one. Every Initiate and Cancel
// bumps the epoch, and responses that come back under an older epoch are
// discarded.
type Engine struct {
	grant    Grant
	keys     Keys
	scopes   storage.Scopes
	bus      *events.Bus
	events   *eventlog.Logger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   *slog.Logger
	baseline time.Duration

	wake chan struct{}

	mu       sync.Mutex
	state    State
	epoch    uint64
	inFlight bool
	req      Request
	auth     *AuthRequest
	interval time.Duration
	nextPoll time.Time
	attempts int
	lastErr  error
	tokens   *oidc.TokenSet
	notes    []note
}

// New creates an idle engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	return &Engine{
		grant:    opts.Grant,
		keys:     opts.Grant.Keys(),
		scopes:   opts.Scopes,
		bus:      opts.Bus,
		events:   opts.Events,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		logger:   opts.Logger.With("grant", opts.Grant.Name()),
		baseline: opts.DefaultInterval,
		wake:     make(chan struct{}, 1),
		state:    StateIdle,
	}
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Initiate validates r, starts an authorization request and schedules the
// first poll one interval from now. Any session already running is
// abandoned.
func (e *Engine) Initiate(ctx context.Context, r Request) error {
	defer e.flushNotes(ctx)
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.resetLocked()
	if err := r.validate(); err != nil {
		e.failLocked(err)
		e.mu.Unlock()
		return err
	}
	e.state = StateInitiating
	e.req = r
	e.mu.Unlock()

	a, err := e.grant.Initiate(ctx, r)

	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		return ErrCancelled
	}
	if err != nil {
		err = fmt.Errorf("initiate %s: %w", e.grant.Name(), err)
		e.failLocked(err)
		return err
	}

	a.IssuedAt = e.clock.Now().UTC()
	if a.ExpiresIn <= 0 {
		a.ExpiresIn = defaultLifetime
	}
	e.auth = &a
	e.interval = e.baseline
	e.raiseIntervalLocked(a.Interval)
	e.nextPoll = a.IssuedAt.Add(e.interval)
	e.state = StateAwaitingApproval

	if err := storage.Put(ctx, e.scopes.Session, e.keys.AuthRequest, kindAuthRequest, pending{Request: r, Auth: a}); err != nil {
		e.logger.Warn("Failed to persist auth request", "error", err)
	}
	e.logger.Info("Authorization request started", "expires_in", a.ExpiresIn, "interval", e.interval)
	e.noteLocked(eventlog.LevelInfo, eventlog.CategoryAPICall, "Authorization request started", map[string]any{
		"expires_in": a.ExpiresIn,
		"interval":   int64(e.interval / time.Second),
	})
	e.bus.Publish(events.Event{Type: events.PollingStarted, Source: e.grant.Name()})
	e.notify()
	return nil
}

// Resume restores a pending authorization request persisted by an earlier
// process. It reports whether one was found and is still live.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	var p pending
	if _, err := storage.Load(ctx, e.scopes.Session, e.keys.AuthRequest, kindAuthRequest, &p); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	now := e.clock.Now()
	if now.After(p.Auth.ExpiresAt()) {
		e.clearAuthRequest(ctx)
		return false, nil
	}

	e.mu.Lock()
	e.epoch++
	e.resetLocked()
	e.req = p.Request
	e.auth = &p.Auth
	e.interval = e.baseline
	e.raiseIntervalLocked(p.Auth.Interval)
	e.nextPoll = now.Add(e.interval)
	e.state = StatePolling
	e.mu.Unlock()

	e.notify()
	return true, nil
}

// Cancel abandons the current session and returns to idle. A poll already
// on the wire completes but its result is dropped.
func (e *Engine) Cancel(ctx context.Context) {
	e.mu.Lock()
	e.epoch++
	active := e.state == StateInitiating || e.state == StateAwaitingApproval || e.state == StatePolling
	e.resetLocked()
	e.mu.Unlock()

	e.clearAuthRequest(ctx)
	if active {
		e.record(ctx, eventlog.LevelInfo, eventlog.CategoryFlow, "Polling cancelled", nil)
		e.bus.Publish(events.Event{Type: events.PollingStopped, Source: e.grant.Name(), Data: map[string]any{"reason": "cancelled"}})
	}
	e.notify()
}

// PollOnce performs one poll if the session is waiting on the user. It
// does nothing when no request is pending or a poll is already in flight.
func (e *Engine) PollOnce(ctx context.Context) State {
	defer e.flushNotes(ctx)
	e.mu.Lock()
	if (e.state != StateAwaitingApproval && e.state != StatePolling) || e.inFlight || e.auth == nil {
		st := e.state
		e.mu.Unlock()
		return st
	}
	now := e.clock.Now()
	if now.After(e.auth.ExpiresAt()) {
		e.failLocked(ErrExpired)
		e.mu.Unlock()
		e.metrics.IncPoll(e.grant.Name(), "expired")
		e.clearAuthRequest(ctx)
		return StateError
	}
	e.state = StatePolling
	e.inFlight = true
	e.attempts++
	epoch := e.epoch
	req, auth := e.req, *e.auth
	e.mu.Unlock()

	tokens, err := e.grant.Poll(ctx, req, auth)

	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		e.logger.Debug("Discarding poll response from a cancelled session")
		return e.state
	}
	e.inFlight = false
	now = e.clock.Now()

	if err == nil {
		e.metrics.IncPoll(e.grant.Name(), "success")
		if perr := storage.Put(ctx, e.scopes.Local, e.keys.Tokens, oidc.KindTokenSet, tokens); perr != nil {
			e.logger.Warn("Failed to persist tokens", "error", perr)
		}
		e.tokens = &tokens
		e.auth = nil
		e.nextPoll = time.Time{}
		e.state = StateSuccess
		e.clearAuthRequest(ctx)
		e.logger.Info("Authorization approved", "attempts", e.attempts)
		e.noteLocked(eventlog.LevelInfo, eventlog.CategoryAPICall, "Tokens issued", map[string]any{"attempts": e.attempts})
		e.bus.Publish(events.Event{Type: events.TokensIssued, Source: e.grant.Name()})
		e.bus.Publish(events.Event{Type: events.PollingStopped, Source: e.grant.Name(), Data: map[string]any{"reason": "success"}})
		return e.state
	}

	var oe *oidc.OAuthError
	code := ""
	if errors.As(err, &oe) {
		code = oe.Code
	}
	switch code {
	case "authorization_pending":
		e.metrics.IncPoll(e.grant.Name(), "pending")
		e.raiseIntervalLocked(oe.Interval)
		e.nextPoll = now.Add(e.interval)
	case "slow_down":
		e.metrics.IncPoll(e.grant.Name(), "slow_down")
		e.interval += slowDownStep
		e.raiseIntervalLocked(oe.Interval)
		e.nextPoll = now.Add(e.interval)
		e.logger.Info("Server asked to slow down", "interval", e.interval)
	default:
		e.metrics.IncPoll(e.grant.Name(), "error")
		e.failLocked(err)
		e.clearAuthRequest(ctx)
	}
	return e.state
}

// Run polls on schedule until ctx is done. Only one poll is in flight at a
// time and the next is scheduled after the previous response is handled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		e.mu.Lock()
		st, next := e.state, e.nextPoll
		e.mu.Unlock()

		if st != StateAwaitingApproval && st != StatePolling {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
				continue
			}
		}

		if d := next.Sub(e.clock.Now()); d > 0 {
			timer := e.clock.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-e.wake:
				timer.Stop()
				continue
			case <-timer.Chan():
			}
		}
		e.PollOnce(ctx)
	}
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Grant:    e.grant.Name(),
		State:    e.state,
		Interval: int64(e.interval / time.Second),
		Attempts: e.attempts,
		Tokens:   e.tokens,
	}
	if e.auth != nil {
		a := *e.auth
		s.AuthRequest = &a
		exp := a.ExpiresAt()
		s.ExpiresAt = &exp
	}
	if !e.nextPoll.IsZero() {
		next := e.nextPoll
		s.NextPollAt = &next
	}
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
		s.ErrorKind = protocol.Classify(e.lastErr)
	}
	return s
}

// Tokens returns the token set persisted by the last successful session.
func (e *Engine) Tokens(ctx context.Context) (oidc.TokenSet, error) {
	var ts oidc.TokenSet
	_, err := storage.Load(ctx, e.scopes.Local, e.keys.Tokens, oidc.KindTokenSet, &ts)
	return ts, err
}

func (e *Engine) resetLocked() {
	e.state = StateIdle
	e.inFlight = false
	e.auth = nil
	e.interval = 0
	e.nextPoll = time.Time{}
	e.attempts = 0
	e.lastErr = nil
	e.tokens = nil
}

// raiseIntervalLocked adopts a server-supplied interval in seconds when it
// is longer than the current one.
func (e *Engine) raiseIntervalLocked(secs int64) {
	if s := time.Duration(secs) * time.Second; s > e.interval {
		e.interval = s
	}
}

func (e *Engine) failLocked(err error) {
	e.state = StateError
	e.lastErr = err
	e.auth = nil
	e.nextPoll = time.Time{}
	e.logger.Warn("Polling failed", "error", err, "kind", protocol.Classify(err))
	e.noteLocked(eventlog.LevelError, eventlog.CategoryError, err.Error(), map[string]any{"kind": string(protocol.Classify(err))})
	e.bus.Publish(events.Event{Type: events.PollingStopped, Source: e.grant.Name(), Data: map[string]any{"reason": "error", "error": err.Error()}})
}

func (e *Engine) clearAuthRequest(ctx context.Context) {
	if err := e.scopes.Session.Delete(ctx, e.keys.AuthRequest); err != nil {
		e.logger.Warn("Failed to clear auth request", "error", err)
	}
}

func (e *Engine) noteLocked(level eventlog.Level, cat eventlog.Category, msg string, fields map[string]any) {
	if e.events != nil {
		e.notes = append(e.notes, note{level: level, cat: cat, msg: msg, fields: fields})
	}
}

// flushNotes writes the records collected under mu. Callers must not hold mu.
func (e *Engine) flushNotes(ctx context.Context) {
	e.mu.Lock()
	notes := e.notes
	e.notes = nil
	e.mu.Unlock()
	for _, n := range notes {
		e.record(ctx, n.level, n.cat, n.msg, n.fields)
	}
}

func (e *Engine) record(ctx context.Context, level eventlog.Level, cat eventlog.Category, msg string, fields map[string]any) {
	if e.events == nil {
		return
	}
	log := e.events.Info
	if level == eventlog.LevelError {
		log = e.events.Error
	}
	if err := log(ctx, e.grant.Name(), cat, msg, fields); err != nil {
		e.logger.Debug("Failed to record polling event", "error", err)
	}
}
