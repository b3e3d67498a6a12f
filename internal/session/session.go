// Package session implements the admission controller for
// conversational sessions. It enforces a global ceiling and a
// per-owner ceiling on concurrently active sessions and reclaims
// sessions that go idle or run too long.
//
// The controller exclusively owns the active set. Callers receive
// copies; activity refreshes go through [Registry.Touch].
package session

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/events"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// Reclaim reasons recorded on timed-out sessions.
const (
	ReasonIdle        = "idle"
	ReasonMaxDuration = "max_duration"
)

// Session is one unit of conversational work.
type Session struct {
	ID             string
	Key            string
	OwnerID        string
	ScopeID        string
	StartedAt      time.Time
	LastActivityAt time.Time
	Status         Status

	// EndedAt and Reason are set once the session leaves the active set.
	EndedAt time.Time
	Reason  string

	Metadata map[string]string
}

func (s *Session) clone() *Session {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Observer is notified of every terminal transition (release, reclaim
// and rejection). It is called without the admission lock held, from
// the goroutine that caused the transition.
type Observer func(s *Session)

// Config holds the limits and dependencies for a Registry.
type Config struct {
	GlobalMax   int
	PerOwnerMax int
	// IdleTimeout and MaxDuration bound session lifetime during Sweep.
	// Zero disables the corresponding check.
	IdleTimeout time.Duration
	MaxDuration time.Duration

	Clock    clock.Clock  // nil = wall clock
	Logger   *slog.Logger // nil = slog.Default()
	Events   *events.Bus  // optional
	Observer Observer     // optional
}

// Stats is a point-in-time view of the active set.
type Stats struct {
	Active      int
	PerOwner    map[string]int
	GlobalMax   int
	PerOwnerMax int
	Admitted    uint64
	Rejected    uint64
	Reclaimed   uint64
}

// Registry is the admission controller. All methods are safe for
// concurrent use.
type Registry struct {
	globalMax   int
	perOwnerMax int
	idleTimeout time.Duration
	maxDuration time.Duration

	clock    clock.Clock
	logger   *slog.Logger
	events   *events.Bus
	observer Observer

	// rejectLog throttles capacity warnings during overload.
	rejectLog rate.Sometimes

	mu        sync.Mutex
	active    map[string]*Session // session key -> session
	perOwner  map[string]int
	admitted  uint64
	rejected  uint64
	reclaimed uint64
}

// New creates an admission controller. Limits below 1 are raised to 1.
func New(cfg Config) *Registry {
	if cfg.GlobalMax < 1 {
		cfg.GlobalMax = 1
	}
	if cfg.PerOwnerMax < 1 {
		cfg.PerOwnerMax = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		globalMax:   cfg.GlobalMax,
		perOwnerMax: cfg.PerOwnerMax,
		idleTimeout: cfg.IdleTimeout,
		maxDuration: cfg.MaxDuration,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		events:      cfg.Events,
		observer:    cfg.Observer,
		rejectLog:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
		active:      make(map[string]*Session),
		perOwner:    make(map[string]int),
	}
}

// Admit admits a new session for ownerID under sessionKey, or returns
// the existing active session for that key with its activity
// refreshed. The lookup, both limit checks and the insertion happen in
// one critical section. A rejection returns an *AdmissionError.
func (r *Registry) Admit(ownerID, sessionKey, scopeID string) (*Session, error) {
	now := r.clock.Now()

	r.mu.Lock()
	if s, ok := r.active[sessionKey]; ok {
		if now.After(s.LastActivityAt) {
			s.LastActivityAt = now
		}
		existing := s.clone()
		r.mu.Unlock()
		if existing.OwnerID != ownerID {
			r.logger.Debug("session re-entered by different owner",
				"session_key", sessionKey,
				"owner", existing.OwnerID,
				"requested_owner", ownerID,
			)
		}
		return existing, nil
	}

	var admitErr *AdmissionError
	switch {
	case len(r.active) >= r.globalMax:
		admitErr = &AdmissionError{Limit: LimitGlobal, OwnerID: ownerID, Active: len(r.active), Max: r.globalMax}
	case r.perOwner[ownerID] >= r.perOwnerMax:
		admitErr = &AdmissionError{Limit: LimitOwner, OwnerID: ownerID, Active: r.perOwner[ownerID], Max: r.perOwnerMax}
	}
	if admitErr != nil {
		r.rejected++
		r.mu.Unlock()
		r.reject(sessionKey, scopeID, now, admitErr)
		return nil, admitErr
	}

	s := &Session{
		ID:             uuid.NewString(),
		Key:            sessionKey,
		OwnerID:        ownerID,
		ScopeID:        scopeID,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
	}
	r.active[sessionKey] = s
	r.perOwner[ownerID]++
	r.admitted++
	activeCount := len(r.active)
	admitted := s.clone()
	r.mu.Unlock()

	r.logger.Debug("session admitted",
		"session_id", admitted.ID,
		"session_key", sessionKey,
		"owner", ownerID,
		"active", activeCount,
	)
	r.events.Emit(events.SourceSession, events.KindSessionAdmitted,
		"session_id", admitted.ID,
		"session_key", sessionKey,
		"owner", ownerID,
		"active", activeCount,
	)
	return admitted, nil
}

func (r *Registry) reject(sessionKey, scopeID string, now time.Time, err *AdmissionError) {
	r.logger.Debug("session rejected", "session_key", sessionKey, "owner", err.OwnerID, "limit", err.Limit)
	r.rejectLog.Do(func() {
		r.logger.Warn("session admission at capacity",
			"limit", err.Limit,
			"active", err.Active,
			"max", err.Max,
		)
	})
	r.events.Emit(events.SourceSession, events.KindSessionRejected,
		"session_key", sessionKey,
		"owner", err.OwnerID,
		"limit", string(err.Limit),
	)
	if r.observer != nil {
		r.observer(&Session{
			Key:            sessionKey,
			OwnerID:        err.OwnerID,
			ScopeID:        scopeID,
			StartedAt:      now,
			LastActivityAt: now,
			EndedAt:        now,
			Status:         StatusRejected,
			Reason:         string(err.Limit),
		})
	}
}

// Release removes the session under sessionKey from the active set
// with the given terminal status. Releasing an absent key is a logged
// no-op, so duplicate releases never disturb the counters.
func (r *Registry) Release(sessionKey string, status Status) {
	r.ReleaseWithReason(sessionKey, status, "")
}

// ReleaseWithReason is Release with a free-form reason recorded on the
// session (for example the error that ended it). It reports whether a
// session was released.
func (r *Registry) ReleaseWithReason(sessionKey string, status Status, reason string) bool {
	if sessionKey == "" {
		r.logger.Warn("session release with empty key ignored")
		return false
	}
	if status != StatusCompleted && status != StatusTimedOut {
		r.logger.Warn("session release with non-terminal status, treating as completed",
			"session_key", sessionKey,
			"status", status,
		)
		status = StatusCompleted
	}
	if reason == "" {
		reason = string(status)
	}

	ended, ok := r.remove(sessionKey, "", status, func(*Session) string { return reason })
	if !ok {
		r.logger.Debug("session release ignored, not active", "session_key", sessionKey)
		return false
	}
	r.finish(ended, events.KindSessionReleased)
	return true
}

// remove ends the session under key with status. An empty id matches
// any session; reasonFor returning "" leaves the session active. Must
// not be called with r.mu held.
func (r *Registry) remove(key, id string, status Status, reasonFor func(*Session) string) (*Session, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[key]
	if !ok || (id != "" && s.ID != id) {
		return nil, false
	}
	reason := reasonFor(s)
	if reason == "" {
		return nil, false
	}
	delete(r.active, key)
	r.perOwner[s.OwnerID]--
	if r.perOwner[s.OwnerID] <= 0 {
		delete(r.perOwner, s.OwnerID)
	}
	s.Status = status
	s.Reason = reason
	s.EndedAt = now
	return s.clone(), true
}

func (r *Registry) finish(s *Session, kind string) {
	r.logger.Debug("session ended",
		"session_id", s.ID,
		"session_key", s.Key,
		"owner", s.OwnerID,
		"status", s.Status,
		"reason", s.Reason,
	)
	r.events.Emit(events.SourceSession, kind,
		"session_id", s.ID,
		"session_key", s.Key,
		"owner", s.OwnerID,
		"status", string(s.Status),
		"reason", s.Reason,
	)
	if r.observer != nil {
		r.observer(s)
	}
}

// Touch refreshes the activity timestamp of an active session. It is a
// no-op if the session has already been released or reclaimed.
func (r *Registry) Touch(sessionKey string) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[sessionKey]; ok && now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// SetMetadata records a key/value pair on an active session. It
// reports false if the session is not active.
func (r *Registry) SetMetadata(sessionKey, name, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[sessionKey]
	if !ok {
		return false
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[name] = value
	return true
}

// Sweep reclaims every session idle longer than the idle timeout or
// alive longer than the maximum duration, as of now. Candidates are
// collected under the lock and then released one at a time, each
// re-checked so a session touched in between survives. The reclaimed
// sessions are returned so the caller can notify their owners.
func (r *Registry) Sweep(now time.Time) []*Session {
	type candidate struct{ key, id string }

	r.mu.Lock()
	var candidates []candidate
	for key, s := range r.active {
		if r.expiry(s, now) != "" {
			candidates = append(candidates, candidate{key, s.ID})
		}
	}
	r.mu.Unlock()

	var reclaimed []*Session
	for _, c := range candidates {
		s, ok := r.remove(c.key, c.id, StatusTimedOut, func(s *Session) string {
			return r.expiry(s, now)
		})
		if ok {
			reclaimed = append(reclaimed, s)
		}
	}
	if len(reclaimed) == 0 {
		return nil
	}

	r.mu.Lock()
	r.reclaimed += uint64(len(reclaimed))
	r.mu.Unlock()

	for _, s := range reclaimed {
		r.finish(s, events.KindSessionReclaimed)
	}
	r.logger.Info("sessions reclaimed", "count", len(reclaimed))
	return reclaimed
}

func (r *Registry) expiry(s *Session, now time.Time) string {
	if r.maxDuration > 0 && now.Sub(s.StartedAt) > r.maxDuration {
		return ReasonMaxDuration
	}
	if r.idleTimeout > 0 && now.Sub(s.LastActivityAt) > r.idleTimeout {
		return ReasonIdle
	}
	return ""
}

// Run performs one sweep at the current clock time. It has the shape of
// a supervisor task so it can be scheduled with Every.
func (r *Registry) Run(ctx context.Context) error {
	r.Sweep(r.clock.Now())
	return ctx.Err()
}

// Get returns a copy of the active session under sessionKey.
func (r *Registry) Get(sessionKey string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[sessionKey]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Active returns copies of the active sessions for ownerID, or of all
// active sessions when ownerID is empty, oldest first.
func (r *Registry) Active(ownerID string) []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		if ownerID == "" || s.OwnerID == ownerID {
			out = append(out, s.clone())
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// Stats returns the current counts and limits.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Active:      len(r.active),
		PerOwner:    maps.Clone(r.perOwner),
		GlobalMax:   r.globalMax,
		PerOwnerMax: r.perOwnerMax,
		Admitted:    r.admitted,
		Rejected:    r.rejected,
		Reclaimed:   r.reclaimed,
	}
}
