package auth

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-storyteller-client/credential"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/jrsteele09/go-storyteller-client/onboarding"
	"github.com/jrsteele09/go-storyteller-client/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Initialize waits for the identity provider, loads the cached credential and subscribes to
// provider session changes. Only the first call does anything. A failed Ready leaves the
// session unauthenticated and lets a later call try again.
func (s *Service) Initialize(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	gen := s.deps.Store.Begin(false)
	if err := s.deps.Provider.Ready(opCtx); err != nil {
		authErr := s.fail("initialize", gen, err)
		s.started.Store(false)
		return authErr
	}

	cached, err := s.deps.Cache.Load(opCtx)
	if err != nil {
		log.Warn().Err(err).Msg("could not read cached credential")
	}
	s.cachedLock.Lock()
	s.cached = cached
	s.cachedLock.Unlock()

	s.baseCtx, s.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	s.stop = make(chan struct{})
	s.workerDone = make(chan struct{})
	go s.work()

	s.unsubscribe = s.deps.Provider.SubscribeToSessionChanges(s.events.push)
	s.recorder.RecordAuthOperation("initialize", "ok")
	return nil
}

// Dispose unsubscribes from the provider and stops session change processing.
// An Initialize after Dispose starts over.
func (s *Service) Dispose() {
	if !s.started.Load() || s.unsubscribe == nil {
		return
	}
	s.unsubscribe()
	s.cancelBase()
	close(s.stop)
	<-s.workerDone
	s.unsubscribe = nil
	s.started.Store(false)
}

// Pending is the number of session changes queued or being processed.
func (s *Service) Pending() int {
	return s.events.pending()
}

func (s *Service) work() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.stop:
			return
		case <-s.events.signal:
		}
		for {
			user, ok := s.events.pop()
			if !ok {
				break
			}
			s.handleSessionChange(user)
			s.events.done()
		}
	}
}

// handleSessionChange resolves one provider notification into the store.
func (s *Service) handleSessionChange(user *identity.User) {
	s.flight.Lock()
	defer s.flight.Unlock()
	ctx, cancel := s.operationContext(s.baseCtx)
	defer cancel()

	if s.events.queued() > 0 {
		// A newer notification describes the provider's current state.
		log.Debug().Msg("skipping superseded session change")
		return
	}

	snap := s.deps.Store.Snapshot()
	if user == nil {
		if snap.Initialized && !snap.Loading && snap.Identity == nil {
			return
		}
		gen := s.deps.Store.Begin(true)
		s.clearCache(ctx)
		s.deps.Store.Unauthenticate(gen, "")
		return
	}
	if s.alreadyResolved(snap, user) {
		log.Debug().Str("subject", user.SubjectID).Msg("session change already resolved")
		return
	}

	changed := snap.Identity == nil || snap.Identity.SubjectID != user.SubjectID
	gen := s.deps.Store.Begin(changed)

	cred, err := s.credentialFor(ctx, gen, user)
	if errors.Is(err, identity.ErrNoSession) {
		// The provider session ended before we got here; its nil notification follows.
		s.clearCache(ctx)
		s.deps.Store.Unauthenticate(gen, "")
		return
	}
	if err != nil {
		s.loseSession(ctx, gen, err)
		return
	}

	result, used, err := s.deps.Resolver.ResolveWithRefresh(ctx, cred, s.refresher(gen))
	if errors.Is(err, onboarding.ErrSessionLost) {
		s.loseSession(ctx, gen, err)
		return
	}
	warning := ""
	if err != nil {
		warning = err.Error()
		log.Warn().Err(err).Str("subject", user.SubjectID).Msg("onboarding status unavailable, treating as incomplete")
	}
	s.deps.Store.Authenticate(gen, session.Authenticated{
		Identity:   identityOf(user),
		Credential: used,
		Complete:   result.Complete,
		Warning:    warning,
	})
}

// alreadyResolved reports whether snap already describes user with a usable credential,
// as it does right after SignIn or SignUp.
func (s *Service) alreadyResolved(snap session.Session, user *identity.User) bool {
	return snap.Initialized &&
		!snap.Loading &&
		snap.Identity != nil &&
		snap.Identity.SubjectID == user.SubjectID &&
		!snap.Credential.IsZero() &&
		!snap.Credential.Expired(s.nowTime())
}

// credentialFor picks the credential for user: the cached one from start-up if it is
// still valid and belongs to user, a forced refresh if it has expired, otherwise whatever
// the provider holds.
func (s *Service) credentialFor(ctx context.Context, gen uint64, user *identity.User) (credential.Credential, error) {
	s.cachedLock.Lock()
	cached := s.cached
	s.cached = nil
	s.cachedLock.Unlock()

	if cached != nil && cached.BelongsTo(user.SubjectID) {
		if !cached.Expired(s.nowTime()) {
			return *cached, nil
		}
		log.Debug().Str("subject", user.SubjectID).Msg("cached credential expired, refreshing")
		return s.refresher(gen)(ctx)
	}
	if cached != nil {
		log.Debug().Str("subject", user.SubjectID).Msg("cached credential belongs to another identity")
	}

	cred, err := s.fetchCredential(ctx, false)
	if err != nil {
		return credential.Credential{}, err
	}
	s.save(ctx, gen, cred)
	return cred, nil
}

// eventQueue is an unbounded FIFO of provider notifications. push never blocks.
// Only the newest of a burst is acted on; older entries are drained and skipped.
type eventQueue struct {
	lock     sync.Mutex
	items    []*identity.User
	inFlight int
	signal   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(u *identity.User) {
	q.lock.Lock()
	q.items = append(q.items, u)
	q.lock.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (*identity.User, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	u := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.inFlight++
	return u, true
}

func (q *eventQueue) done() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.inFlight--
}

func (q *eventQueue) queued() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *eventQueue) pending() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items) + q.inFlight
}
