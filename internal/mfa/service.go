package mfa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/curtismu7/oauthplayground/internal/eventlog"
	"github.com/curtismu7/oauthplayground/internal/events"
	"github.com/curtismu7/oauthplayground/internal/metrics"
	"github.com/curtismu7/oauthplayground/internal/storage"
)

const (
	// DataVersion is the StateData layout version.
	DataVersion = 1
	// MaxResumeAge is how long a persisted run stays resumable.
	MaxResumeAge = 7 * 24 * time.Hour

	kindState = "mfa_state"
)

// StateData is the persisted state of one MFA run.
type StateData struct {
	Version              int            `json:"version"`
	RunID                string         `json:"runId"`
	EnvID                string         `json:"envId"`
	TransactionID        string         `json:"transactionId,omitempty"`
	State                State          `json:"state"`
	WorkerToken          string         `json:"workerToken,omitempty"`
	WorkerTokenExpiresAt time.Time      `json:"workerTokenExpiresAt,omitzero"`
	SelectedFactor       string         `json:"selectedFactor,omitempty"`
	ChallengeData        map[string]any `json:"challengeData,omitempty"`
	Error                string         `json:"error,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// Resumable reports whether d may be continued at now, and why not.
func (d StateData) Resumable(now time.Time) (bool, string) {
	switch {
	case d.Version != DataVersion:
		return false, "unsupported version"
	case d.State.Terminal():
		return false, "run finished in " + string(d.State)
	case d.WorkerToken != "" && !d.WorkerTokenExpiresAt.IsZero() && !now.Before(d.WorkerTokenExpiresAt):
		return false, "worker token expired"
	case now.Sub(d.CreatedAt) >= MaxResumeAge:
		return false, "run is older than 7 days"
	}
	return true, ""
}

// ErrNotStarted is returned by ProcessEvent before Start.
var ErrNotStarted = errors.New("mfa run not started")

// Payload carries data that accompanies an event. Empty fields leave the
// current values alone.
type Payload struct {
	Reason               string
	TransactionID        string
	WorkerToken          string
	WorkerTokenExpiresAt time.Time
	SelectedFactor       string
	ChallengeData        map[string]any
	Error                string
}

// Options wires a Service.
type Options struct {
	Store   storage.Store
	Events  *eventlog.Logger
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Service owns the current MFA run.
type Service struct {
	store   storage.Store
	events  *eventlog.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	clock   clockwork.Clock
	logger  *slog.Logger

	opMu sync.Mutex // serializes Start and ProcessEvent across their I/O

	mu   sync.Mutex
	data StateData
}

// NewService creates a service with no run loaded; call Start.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:   opts.Store,
		events:  opts.Events,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// Start resumes the persisted run for envID when the resume policy allows,
// otherwise begins a fresh run in INIT. It reports whether it resumed.
func (s *Service) Start(ctx context.Context, envID string) (StateData, bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	now := s.clock.Now().UTC()

	var saved StateData
	_, err := storage.Load(ctx, s.store, storage.KeyMFAState, kindState, &saved)
	switch {
	case err == nil:
		if saved.EnvID != envID {
			s.logger.Info("Discarding MFA run for another environment", "run_id", saved.RunID)
		} else if ok, why := saved.Resumable(now); ok {
			s.mu.Lock()
			s.data = saved
			s.mu.Unlock()
			s.logger.Info("Resumed MFA run", "run_id", saved.RunID, "state", saved.State)
			return saved, true, nil
		} else {
			s.logger.Info("Starting fresh MFA run", "previous_run", saved.RunID, "reason", why)
		}
	case errors.Is(err, storage.ErrNotFound):
	case errors.Is(err, storage.ErrSchemaMismatch):
		s.logger.Warn("Ignoring incompatible MFA state", "error", err)
	default:
		return StateData{}, false, err
	}

	fresh := StateData{
		Version:   DataVersion,
		RunID:     uuid.NewString(),
		EnvID:     envID,
		State:     StateInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := storage.Put(ctx, s.store, storage.KeyMFAState, kindState, fresh); err != nil {
		return StateData{}, false, fmt.Errorf("persist mfa state: %w", err)
	}
	s.mu.Lock()
	s.data = fresh
	s.mu.Unlock()
	return fresh, false, nil
}

// Current returns the state of the loaded run.
func (s *Service) Current() StateData {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data
	d.ChallengeData = maps.Clone(d.ChallengeData)
	return d
}

// ProcessEvent applies ev to the current run. Pairs outside the transition
// table fail with ErrInvalidTransition and change nothing. The transition
// is journaled before the new state is stored.
func (s *Service) ProcessEvent(ctx context.Context, ev Event, p Payload) (StateData, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cur := s.Current()
	if cur.RunID == "" {
		return StateData{}, ErrNotStarted
	}
	from := cur.State
	to, err := Next(from, ev)
	if err != nil {
		s.metrics.IncTransition(string(ev), false)
		s.logger.Warn("Rejected MFA transition", "state", from, "event", ev)
		return cur, err
	}

	next := cur
	next.ChallengeData = maps.Clone(cur.ChallengeData)
	next.State = to
	next.UpdatedAt = s.clock.Now().UTC()
	if ev == EventReset {
		next = StateData{
			Version:   DataVersion,
			RunID:     uuid.NewString(),
			EnvID:     cur.EnvID,
			State:     StateInit,
			CreatedAt: next.UpdatedAt,
			UpdatedAt: next.UpdatedAt,
		}
	}
	apply(&next, p)
	if to == StateError && next.Error == "" {
		next.Error = p.Reason
	}

	if s.events != nil {
		err := s.events.Info(ctx, cur.RunID, eventlog.CategoryStateChange, fmt.Sprintf("%s -> %s", from, to), map[string]any{
			"from":   string(from),
			"to":     string(to),
			"event":  string(ev),
			"reason": p.Reason,
		})
		if err != nil {
			return cur, fmt.Errorf("journal transition: %w", err)
		}
	}
	if err := storage.Put(ctx, s.store, storage.KeyMFAState, kindState, next); err != nil {
		return cur, fmt.Errorf("persist mfa state: %w", err)
	}

	s.mu.Lock()
	s.data = next
	s.mu.Unlock()
	s.metrics.IncTransition(string(ev), true)
	s.bus.Publish(events.Event{
		Type:   events.StateChanged,
		Source: "mfa",
		Data:   map[string]any{"from": string(from), "to": string(to), "event": string(ev), "runId": next.RunID},
	})
	return next, nil
}

func apply(d *StateData, p Payload) {
	if p.TransactionID != "" {
		d.TransactionID = p.TransactionID
	}
	if p.WorkerToken != "" {
		d.WorkerToken = p.WorkerToken
		d.WorkerTokenExpiresAt = p.WorkerTokenExpiresAt
	}
	if p.SelectedFactor != "" {
		d.SelectedFactor = p.SelectedFactor
	}
	if p.ChallengeData != nil {
		d.ChallengeData = maps.Clone(p.ChallengeData)
	}
	if p.Error != "" {
		d.Error = p.Error
	}
}
