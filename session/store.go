package session

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-storyteller-client/credential"
	"github.com/jrsteele09/go-storyteller-client/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Listener receives every snapshot written to the Store, in write order.
// Listeners must not write to the Store.
type Listener func(Session)

// Authenticated is the outcome of a successful resolution.
type Authenticated struct {
	Identity   Identity
	Credential credential.Credential
	Complete   bool
	Warning    string // Surfaced as LastError while the session stays usable
}

// Store owns the Session record. Every transition is applied atomically and is
// tagged with a generation: write-backs carrying an older generation are dropped.
type Store struct {
	emit sync.Mutex // serialises transition + notification
	mu   sync.RWMutex

	current    Session
	generation uint64
	listeners  map[int]Listener
	nextID     int
	recorder   metrics.Recorder
}

type StoreOption func(*Store)

func WithRecorder(r metrics.Recorder) StoreOption {
	return func(s *Store) {
		s.recorder = r
	}
}

// NewStore creates an empty, uninitialized Store.
func NewStore(options ...StoreOption) *Store {
	s := &Store{
		listeners: make(map[int]Listener),
		recorder:  metrics.Nop{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current record.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Generation returns the current operation generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Subscribe registers fn for future snapshots and returns its unsubscribe function.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}
}

// Begin marks a resolution as in flight and starts a new generation, which it returns.
// With invalidate set the identity, credential and onboarding status are dropped, so
// nothing from the previous session can be read while the new one resolves.
func (s *Store) Begin(invalidate bool) uint64 {
	var gen uint64
	s.apply(func(cur *Session) bool {
		s.generation++
		gen = s.generation
		cur.Loading = true
		if invalidate {
			cur.Identity = nil
			cur.Credential = credential.Credential{}
			cur.SessionComplete = false
		}
		return true
	})
	return gen
}

// Authenticate settles generation gen into a ready-authenticated state.
func (s *Store) Authenticate(gen uint64, a Authenticated) bool {
	return s.applyGeneration(gen, "Authenticate", func(cur *Session) {
		id := a.Identity
		*cur = Session{
			Identity:        &id,
			Credential:      a.Credential,
			SessionComplete: a.Complete,
			Initialized:     true,
			LastError:       a.Warning,
		}
	})
}

// Unauthenticate settles generation gen into ready-unauthenticated. reason, when set, becomes LastError.
func (s *Store) Unauthenticate(gen uint64, reason string) bool {
	return s.applyGeneration(gen, "Unauthenticate", func(cur *Session) {
		*cur = Session{Initialized: true, LastError: reason}
	})
}

// Fail records a failed operation. The session falls back to whatever ready state it
// held when the operation began (unauthenticated if Begin invalidated it).
func (s *Store) Fail(gen uint64, reason string) bool {
	return s.applyGeneration(gen, "Fail", func(cur *Session) {
		s.recorder.RecordSessionState(string(StateError))
		cur.Loading = false
		cur.Initialized = true
		cur.LastError = reason
	})
}

// UpdateCredential replaces the credential after a refresh and settles generation gen.
func (s *Store) UpdateCredential(gen uint64, c credential.Credential) bool {
	return s.applyGeneration(gen, "UpdateCredential", func(cur *Session) {
		cur.Credential = c
		cur.Loading = false
		cur.Initialized = true
		cur.LastError = ""
	})
}

// MarkOnboardingComplete flips SessionComplete once the backend accepted a profile for subjectID.
// It is ignored when subjectID is no longer the signed in identity.
func (s *Store) MarkOnboardingComplete(subjectID string) bool {
	return s.setOnboarding(subjectID, true)
}

// MarkOnboardingIncomplete is the inverse, after the backend deleted the profile of subjectID.
func (s *Store) MarkOnboardingIncomplete(subjectID string) bool {
	return s.setOnboarding(subjectID, false)
}

func (s *Store) setOnboarding(subjectID string, complete bool) bool {
	return s.apply(func(cur *Session) bool {
		if cur.Identity == nil || cur.Identity.SubjectID != subjectID {
			log.Debug().Str("subject", subjectID).Msg("ignoring onboarding status for a stale identity")
			return false
		}
		if cur.SessionComplete == complete {
			return false
		}
		cur.SessionComplete = complete
		return true
	})
}

// ClearError acknowledges LastError.
func (s *Store) ClearError() {
	s.apply(func(cur *Session) bool {
		if cur.LastError == "" {
			return false
		}
		cur.LastError = ""
		return true
	})
}

// Reset is the sign-out transition. It always succeeds and invalidates every in-flight generation.
func (s *Store) Reset() {
	s.apply(func(cur *Session) bool {
		s.generation++
		*cur = Session{Initialized: true}
		return true
	})
}

// Expire ends the session of subjectID, as Reset does for sign-out, with reason as LastError.
// It is ignored when subjectID is no longer the signed in identity.
func (s *Store) Expire(subjectID, reason string) bool {
	applied := s.apply(func(cur *Session) bool {
		if cur.Identity == nil || cur.Identity.SubjectID != subjectID {
			return false
		}
		s.generation++
		*cur = Session{Initialized: true, LastError: reason}
		return true
	})
	if !applied {
		log.Debug().Str("subject", subjectID).Msg("not expiring a session that is no longer current")
	}
	return applied
}

// Await blocks until done accepts a snapshot or ctx ends.
func (s *Store) Await(ctx context.Context, done func(Session) bool) (Session, error) {
	matched := make(chan Session, 1)
	unsubscribe := s.Subscribe(func(snap Session) {
		if done(snap) {
			select {
			case matched <- snap:
			default:
			}
		}
	})
	defer unsubscribe()

	if snap := s.Snapshot(); done(snap) {
		return snap, nil
	}
	select {
	case snap := <-matched:
		return snap, nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

func (s *Store) applyGeneration(gen uint64, op string, mutate func(*Session)) bool {
	applied := s.apply(func(cur *Session) bool {
		if gen != s.generation {
			return false
		}
		mutate(cur)
		return true
	})
	if !applied {
		log.Debug().Str("op", op).Uint64("generation", gen).Msg("discarding stale session write")
	}
	return applied
}

// apply runs mutate under the write lock and, when it reports a change, notifies listeners
// with the resulting snapshot before any other transition can start.
func (s *Store) apply(mutate func(*Session) bool) bool {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	if !mutate(&s.current) {
		s.mu.Unlock()
		return false
	}
	snap := s.current.clone()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	s.recorder.RecordSessionState(string(snap.State()))
	for _, l := range listeners {
		l(snap)
	}
	return true
}
