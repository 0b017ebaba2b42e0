// Package auth owns the credential lifecycle: signing in and out, keeping a valid bearer
// credential, and resolving each identity provider session into the shared session.Store.
package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-storyteller-client/credential"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/jrsteele09/go-storyteller-client/internal/metrics"
	"github.com/jrsteele09/go-storyteller-client/onboarding"
	"github.com/jrsteele09/go-storyteller-client/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultOperationTimeout = 15 * time.Second
	defaultCredentialTTL    = 30 * 24 * time.Hour
)

// Deps holds the collaborators of a Service.
type Deps struct {
	Provider identity.Provider    // Identity provider session and credentials
	Resolver *onboarding.Resolver // Backend onboarding status
	Cache    *credential.Cache    // Persisted credential record
	Store    *session.Store       // Session record the service writes to
}

// Service is the credential lifecycle manager. All resolutions run one at a time; SignOut
// never waits for them and makes any in-flight result stale instead.
type Service struct {
	deps          Deps
	nowTime       func() time.Time
	recorder      metrics.Recorder
	opTimeout     time.Duration
	credentialTTL time.Duration

	flight  sync.Mutex // one resolution at a time
	persist sync.Mutex // orders cache writes against sign-out

	started     atomic.Bool
	unsubscribe func()
	events      *eventQueue
	stop        chan struct{}
	workerDone  chan struct{}
	baseCtx     context.Context
	cancelBase  context.CancelFunc

	cachedLock sync.Mutex
	cached     *credential.Credential // Loaded at Initialize, consumed by the first session event
}

type Option func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithOperationTimeout bounds each lifecycle operation, including the onboarding check it triggers.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.opTimeout = d
	}
}

// WithCredentialTTL is the lifetime assumed for credentials the provider issues without an expiry.
func WithCredentialTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.credentialTTL = ttl
	}
}

func NewService(deps Deps, options ...Option) (*Service, error) {
	if deps.Provider == nil {
		return nil, errors.New("[NewService] identity provider is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("[NewService] onboarding resolver is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("[NewService] credential cache is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[NewService] session store is required")
	}

	s := &Service{
		deps:          deps,
		nowTime:       time.Now,
		recorder:      metrics.Nop{},
		opTimeout:     defaultOperationTimeout,
		credentialTTL: defaultCredentialTTL,
		events:        newEventQueue(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Session returns the current snapshot.
func (s *Service) Session() session.Session {
	return s.deps.Store.Snapshot()
}

// Store exposes the session store for subscribers.
func (s *Service) Store() *session.Store {
	return s.deps.Store
}

type SignInResult struct {
	Identity        session.Identity
	Credential      credential.Credential
	SessionComplete bool
}

type SignUpResult struct {
	Identity   session.Identity
	Credential credential.Credential
}

// errSuperseded is returned when a sign-out landed while the operation was in flight.
var errSuperseded = errors.New("superseded by sign-out")

// SignIn authenticates with the identity provider and resolves onboarding status with the
// backend before returning, so SessionComplete in the result is backend verified.
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	s.flight.Lock()
	defer s.flight.Unlock()
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	gen := s.deps.Store.Begin(false)
	user, err := s.deps.Provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, s.fail("sign-in", gen, err)
	}
	cred, err := s.fetchCredential(ctx, false)
	if err != nil {
		return nil, s.fail("sign-in", gen, err)
	}
	s.save(ctx, gen, cred)

	id := identityOf(user)
	result, used, err := s.deps.Resolver.ResolveWithRefresh(ctx, cred, s.refresher(gen))
	if errors.Is(err, onboarding.ErrSessionLost) {
		s.loseSession(ctx, gen, err)
		s.recorder.RecordAuthOperation("sign-in", string(KindUnknown))
		return nil, newAuthError(KindUnknown, err)
	}

	warning := ""
	if err != nil {
		warning = err.Error()
		log.Warn().Err(err).Str("subject", id.SubjectID).Msg("onboarding status unavailable, treating as incomplete")
	}
	applied := s.deps.Store.Authenticate(gen, session.Authenticated{
		Identity:   id,
		Credential: used,
		Complete:   result.Complete,
		Warning:    warning,
	})
	if !applied {
		s.abandon(ctx)
		s.recorder.RecordAuthOperation("sign-in", "superseded")
		return nil, &AuthError{Kind: KindUnknown, Message: errSuperseded.Error(), Err: errSuperseded}
	}

	s.recorder.RecordAuthOperation("sign-in", "ok")
	return &SignInResult{Identity: id, Credential: used, SessionComplete: result.Complete}, nil
}

// SignUp creates the account and signs it in. A new account never has a profile, so the
// session is incomplete without asking the backend.
func (s *Service) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	s.flight.Lock()
	defer s.flight.Unlock()
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	gen := s.deps.Store.Begin(false)
	user, err := s.deps.Provider.CreateAccountWithPassword(ctx, email, password)
	if err != nil {
		return nil, s.fail("sign-up", gen, err)
	}
	cred, err := s.fetchCredential(ctx, false)
	if err != nil {
		return nil, s.fail("sign-up", gen, err)
	}
	s.save(ctx, gen, cred)

	id := identityOf(user)
	if !s.deps.Store.Authenticate(gen, session.Authenticated{Identity: id, Credential: cred, Complete: false}) {
		s.abandon(ctx)
		s.recorder.RecordAuthOperation("sign-up", "superseded")
		return nil, &AuthError{Kind: KindUnknown, Message: errSuperseded.Error(), Err: errSuperseded}
	}

	s.recorder.RecordAuthOperation("sign-up", "ok")
	return &SignUpResult{Identity: id, Credential: cred}, nil
}

// SignOut resets the session immediately, then clears the cache and tells the provider.
// Failures after the reset are logged, never returned.
func (s *Service) SignOut(ctx context.Context) {
	s.deps.Store.Reset()
	s.clearCache(ctx)

	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.deps.Provider.SignOut(ctx); err != nil {
		log.Warn().Err(err).Msg("identity provider sign-out failed, local session already cleared")
		s.recorder.RecordAuthOperation("sign-out", "provider-error")
		return
	}
	s.recorder.RecordAuthOperation("sign-out", "ok")
}

// RefreshCredential forces the provider to mint a new credential for the current identity.
// A failed refresh loses the session.
func (s *Service) RefreshCredential(ctx context.Context) (credential.Credential, error) {
	s.flight.Lock()
	defer s.flight.Unlock()
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.refreshLocked(ctx, "")
}

// refreshLocked refreshes the current identity's credential; a non-empty subject must match it.
func (s *Service) refreshLocked(ctx context.Context, subject string) (credential.Credential, error) {
	id := s.deps.Store.Snapshot().Identity
	if id == nil || (subject != "" && id.SubjectID != subject) {
		s.recorder.RecordAuthOperation("refresh", "no-session")
		return credential.Credential{}, &AuthError{Kind: KindUnknown, Message: "Not signed in.", Err: identity.ErrNoSession}
	}

	gen := s.deps.Store.Begin(false)
	cred, err := s.fetchCredential(ctx, true)
	if err != nil {
		authErr := toAuthError(err)
		s.loseSession(ctx, gen, err)
		s.recorder.RecordAuthOperation("refresh", string(authErr.Kind))
		return credential.Credential{}, authErr
	}
	s.save(ctx, gen, cred)
	if !s.deps.Store.UpdateCredential(gen, cred) {
		s.recorder.RecordAuthOperation("refresh", "superseded")
		return credential.Credential{}, &AuthError{Kind: KindUnknown, Message: errSuperseded.Error(), Err: errSuperseded}
	}
	s.recorder.RecordAuthOperation("refresh", "ok")
	return cred, nil
}

// MarkOnboardingComplete records a profile the backend accepted for subjectID.
func (s *Service) MarkOnboardingComplete(subjectID string) bool {
	return s.deps.Store.MarkOnboardingComplete(subjectID)
}

// MarkOnboardingIncomplete records that the backend no longer holds a profile for subjectID.
func (s *Service) MarkOnboardingIncomplete(subjectID string) bool {
	return s.deps.Store.MarkOnboardingIncomplete(subjectID)
}

// ClearError acknowledges the last surfaced error.
func (s *Service) ClearError() {
	s.deps.Store.ClearError()
}

func (s *Service) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// fetchCredential asks the provider for a credential and fills in a default expiry.
func (s *Service) fetchCredential(ctx context.Context, force bool) (credential.Credential, error) {
	cred, err := s.deps.Provider.CurrentCredential(ctx, force)
	if err != nil {
		return credential.Credential{}, err
	}
	if cred.IsZero() {
		return credential.Credential{}, errors.New("[Service.fetchCredential] provider returned an empty credential")
	}
	return cred.WithDefaultExpiry(s.nowTime(), s.credentialTTL), nil
}

// refresher is the single refresh the resolver may use for generation gen.
func (s *Service) refresher(gen uint64) onboarding.Refresher {
	return func(ctx context.Context) (credential.Credential, error) {
		cred, err := s.fetchCredential(ctx, true)
		if err != nil {
			s.recorder.RecordAuthOperation("refresh", string(toAuthError(err).Kind))
			return credential.Credential{}, err
		}
		s.recorder.RecordAuthOperation("refresh", "ok")
		s.save(ctx, gen, cred)
		return cred, nil
	}
}

// fail settles gen after a failed operation and returns the classified error.
func (s *Service) fail(op string, gen uint64, err error) *AuthError {
	authErr := toAuthError(err)
	log.Debug().Err(err).Str("op", op).Str("kind", string(authErr.Kind)).Msg("auth operation failed")
	s.deps.Store.Fail(gen, authErr.Error())
	s.recorder.RecordAuthOperation(op, string(authErr.Kind))
	return authErr
}

// loseSession is the unrecoverable refresh path: back to unauthenticated with the cache cleared.
// Nothing happens when gen has been superseded.
func (s *Service) loseSession(ctx context.Context, gen uint64, cause error) {
	if !s.deps.Store.Unauthenticate(gen, sessionExpiredMessage) {
		return
	}
	log.Warn().Err(cause).Msg("session lost")
	s.clearCache(ctx)
}

// abandon undoes a provider sign-in that finished after the user signed out.
func (s *Service) abandon(ctx context.Context) {
	log.Debug().Msg("discarding sign-in superseded by sign-out")
	s.clearCache(ctx)
	if err := s.deps.Provider.SignOut(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("could not sign out superseded provider session")
	}
}

// save persists cred unless gen has been superseded.
func (s *Service) save(ctx context.Context, gen uint64, cred credential.Credential) {
	s.persist.Lock()
	defer s.persist.Unlock()
	if s.deps.Store.Generation() != gen {
		log.Debug().Uint64("generation", gen).Msg("not persisting credential for a stale generation")
		return
	}
	if err := s.deps.Cache.Save(ctx, cred); err != nil {
		log.Warn().Err(err).Msg("could not persist credential")
	}
}

func (s *Service) clearCache(ctx context.Context) {
	s.persist.Lock()
	defer s.persist.Unlock()
	if err := s.deps.Cache.Clear(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("could not clear persisted credential")
	}
}

func identityOf(u *identity.User) session.Identity {
	return session.Identity{
		SubjectID:     u.SubjectID,
		Email:         u.Clone().Email,
		EmailVerified: u.EmailVerified,
	}
}
