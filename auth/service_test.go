package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrsteele09/go-storyteller-client/auth"
	"github.com/jrsteele09/go-storyteller-client/backend"
	"github.com/jrsteele09/go-storyteller-client/backend/backendfake"
	"github.com/jrsteele09/go-storyteller-client/credential"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/jrsteele09/go-storyteller-client/identity/identityfake"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/jrsteele09/go-storyteller-client/internal/metrics"
	"github.com/jrsteele09/go-storyteller-client/kvstore/memstore"
	"github.com/jrsteele09/go-storyteller-client/navigation"
	"github.com/jrsteele09/go-storyteller-client/onboarding"
	"github.com/jrsteele09/go-storyteller-client/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	testEmail     = "parent@example.com"
	testPassword  = "Bedtime42"
	otherEmail    = "other@example.com"
	otherPassword = "Lullaby77"
)

type backendConfig struct {
	baseURL string
}

func (c backendConfig) GetBackendBaseURL() string        { return c.baseURL }
func (c backendConfig) GetBackendTimeout() time.Duration { return 5 * time.Second }

// testFixture holds all test dependencies
type testFixture struct {
	idp     *identityfake.FakeProvider
	fake    *backendfake.Server
	server  *httptest.Server
	backend *backend.Client
	kv      *memstore.MemStore
	cache   *credential.Cache
	store   *session.Store
	service *auth.Service
	subject string
	other   string
}

func setupTestFixture(t *testing.T, options ...auth.Option) *testFixture {
	t.Helper()
	return setupTestFixtureWithRecorder(t, metrics.Nop{}, options...)
}

func setupTestFixtureWithRecorder(t *testing.T, rec metrics.Recorder, options ...auth.Option) *testFixture {
	t.Helper()

	idp := identityfake.New()
	user, err := idp.AddAccount(testEmail, testPassword)
	require.NoError(t, err)
	other, err := idp.AddAccount(otherEmail, otherPassword)
	require.NoError(t, err)

	fake := backendfake.New(idp.Verify)
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := backend.New(backendConfig{baseURL: server.URL})
	kv := memstore.New()
	cache := credential.NewCache(kv)
	store := session.NewStore(session.WithRecorder(rec))

	service, err := auth.NewService(auth.Deps{
		Provider: idp,
		Resolver: onboarding.NewResolver(client, onboarding.WithTimeout(2*time.Second), onboarding.WithRecorder(rec)),
		Cache:    cache,
		Store:    store,
	}, append([]auth.Option{auth.WithRecorder(rec), auth.WithOperationTimeout(5 * time.Second)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(service.Dispose)

	return &testFixture{
		idp:     idp,
		fake:    fake,
		server:  server,
		backend: client,
		kv:      kv,
		cache:   cache,
		store:   store,
		service: service,
		subject: user.SubjectID,
		other:   other.SubjectID,
	}
}

// settle waits until every queued session change has been processed.
func (f *testFixture) settle(t *testing.T) session.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return f.service.Pending() == 0 && snap.Initialized && !snap.Loading
	}, 3*time.Second, 5*time.Millisecond)
	return f.store.Snapshot()
}

// plantCredential writes a cached credential for email expiring at exp.
func (f *testFixture) plantCredential(t *testing.T, email string, exp time.Time) credential.Credential {
	t.Helper()
	token, err := f.idp.IssueToken(email, exp)
	require.NoError(t, err)
	cred := credential.Credential{Token: token, ExpiresAt: exp.Truncate(time.Millisecond)}
	require.NoError(t, f.cache.Save(context.Background(), cred))
	return cred
}

func (f *testFixture) cached(t *testing.T) *credential.Credential {
	t.Helper()
	cred, err := f.cache.Load(context.Background())
	require.NoError(t, err)
	return cred
}

// routeRecorder collects every route the store's snapshots map to.
type routeRecorder struct {
	lock   sync.Mutex
	routes []navigation.Route
}

func recordRoutes(store *session.Store) (*routeRecorder, func()) {
	r := &routeRecorder{}
	unsubscribe := store.Subscribe(func(s session.Session) {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.routes = append(r.routes, navigation.Decide(s))
	})
	return r, unsubscribe
}

func (r *routeRecorder) seen() []navigation.Route {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]navigation.Route(nil), r.routes...)
}

func networkError() error {
	return &url.Error{Op: "Post", URL: "https://idp.example.com/token", Err: errors.New("connection refused")}
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := auth.NewService(auth.Deps{})
	require.Error(t, err)
}

func TestSignIn_IncompleteProfileNeverFlashesMain(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	routes, unsubscribe := recordRoutes(f.store)
	defer unsubscribe()

	result, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.False(t, result.SessionComplete)
	require.Equal(t, f.subject, result.Identity.SubjectID)
	require.Equal(t, 1, f.fake.VerifyCalls(), "sign-in resolves onboarding before returning")

	require.Equal(t, navigation.RouteOnboarding, navigation.Decide(f.service.Session()))
	require.NotContains(t, routes.seen(), navigation.RouteMain)

	cached := f.cached(t)
	require.NotNil(t, cached)
	require.Equal(t, result.Credential.Token, cached.Token)
}

func TestSignIn_CompleteProfile(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{Child: backend.Child{Name: "Ada"}})

	result, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.True(t, result.SessionComplete)

	snap := f.service.Session()
	require.Equal(t, session.StateReadyAuthenticatedComplete, snap.State())
	require.Equal(t, navigation.RouteMain, navigation.Decide(snap))
	require.Empty(t, snap.LastError)
}

func TestSignIn_Errors(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		inject   error
		want     error
	}{
		{name: "wrong password", email: testEmail, password: "Wrong1234", want: auth.ErrInvalidCredentials},
		{name: "unknown account", email: "nobody@example.com", password: testPassword, want: auth.ErrAccountNotFound},
		{name: "rate limited", email: testEmail, password: testPassword, inject: identity.ErrRateLimited, want: auth.ErrRateLimited},
		{name: "network", email: testEmail, password: testPassword, inject: networkError(), want: auth.ErrNetworkUnavailable},
		{name: "unexpected", email: testEmail, password: testPassword, inject: errors.New("boom"), want: auth.ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			f.idp.FailSignIn(tt.inject)

			_, err := f.service.SignIn(context.Background(), tt.email, tt.password)
			require.ErrorIs(t, err, tt.want)

			var authErr *auth.AuthError
			require.ErrorAs(t, err, &authErr)
			snap := f.service.Session()
			require.Equal(t, session.StateReadyUnauthenticated, snap.State())
			require.Equal(t, authErr.Error(), snap.LastError)
			require.Nil(t, f.cached(t))
		})
	}
}

func TestSignIn_BackendFailureIsFailSafe(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	f.fake.Fail(backend.PathVerifyToken, backendfake.Failure{Status: http.StatusServiceUnavailable, Detail: "maintenance"})

	result, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.False(t, result.SessionComplete)

	snap := f.service.Session()
	require.True(t, snap.IsAuthenticated())
	require.Contains(t, snap.LastError, "maintenance")
	require.Equal(t, navigation.RouteOnboarding, navigation.Decide(snap))

	f.service.ClearError()
	require.Empty(t, f.service.Session().LastError)
}

func TestSignIn_RejectedCredentialIsRefreshedOnce(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	f.fake.Fail(backend.PathVerifyToken, backendfake.Failure{Status: http.StatusUnauthorized, Detail: "Token expired", Times: 1})

	result, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.True(t, result.SessionComplete)
	require.Equal(t, 1, f.idp.RefreshCalls())
	require.Equal(t, 2, f.fake.VerifyCalls())
	require.Equal(t, result.Credential.Token, f.cached(t).Token, "the refreshed credential is persisted")
}

func TestSignIn_RejectedTwiceLosesSession(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.Fail(backend.PathVerifyToken, backendfake.Failure{Status: http.StatusUnauthorized, Detail: "Token expired"})

	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.Error(t, err)
	require.Equal(t, 1, f.idp.RefreshCalls())

	snap := f.service.Session()
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(snap))
	require.NotEmpty(t, snap.LastError)
	require.Nil(t, f.cached(t))
}

func TestSignIn_RetryFailureAfterRefreshLosesSession(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	f.fake.FailSequence(backend.PathVerifyToken,
		backendfake.Failure{Status: http.StatusUnauthorized, Detail: "Token expired"},
		backendfake.Failure{Status: http.StatusBadGateway, Detail: "upstream"},
	)

	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.Error(t, err)
	require.Equal(t, 1, f.idp.RefreshCalls())
	require.Equal(t, 2, f.fake.VerifyCalls())

	snap := f.service.Session()
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(snap))
	require.NotEmpty(t, snap.LastError)
	require.Nil(t, f.cached(t))
}

func TestSignUp_AlwaysIncomplete(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.server.Close()

	result, err := f.service.SignUp(ctx, "new@example.com", "Storytime9")
	require.NoError(t, err)
	require.NotEmpty(t, result.Identity.SubjectID)

	snap := f.service.Session()
	require.True(t, snap.IsAuthenticated())
	require.False(t, snap.SessionComplete)
	require.Empty(t, snap.LastError, "the backend is not consulted")
	require.Equal(t, navigation.RouteOnboarding, navigation.Decide(snap))
	require.Equal(t, result.Credential.Token, f.cached(t).Token)
}

func TestSignUp_Errors(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		inject   error
		want     error
	}{
		{name: "existing account", email: testEmail, password: testPassword, want: auth.ErrAlreadyExists},
		{name: "weak password", email: "new@example.com", password: "short", want: auth.ErrWeakSecret},
		{name: "invalid email", email: "not-an-email", password: testPassword, want: auth.ErrInvalidIdentifier},
		{name: "network", email: "new@example.com", password: testPassword, inject: networkError(), want: auth.ErrNetworkUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			f.idp.FailSignUp(tt.inject)

			_, err := f.service.SignUp(context.Background(), tt.email, tt.password)
			require.ErrorIs(t, err, tt.want)
			require.False(t, f.service.Session().IsAuthenticated())
		})
	}
}

func TestSignOut_IsUnconditional(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)

	f.idp.FailSignOut(networkError())
	f.service.SignOut(ctx)

	if diff := cmp.Diff(session.Session{Initialized: true}, f.service.Session()); diff != "" {
		t.Fatalf("session after sign-out (-want +got):\n%s", diff)
	}
	require.Nil(t, f.cached(t))
	require.Equal(t, 1, f.idp.SignOutCalls())
}

func TestSignOut_ThenOtherIdentityHasNoStaleCompleteness(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.service.Initialize(ctx))
	f.settle(t)
	f.fake.SetProfile(f.subject, backend.Profile{})

	first, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.True(t, first.SessionComplete)

	f.service.SignOut(ctx)
	second, err := f.service.SignIn(ctx, otherEmail, otherPassword)
	require.NoError(t, err)
	require.False(t, second.SessionComplete)

	snap := f.settle(t)
	require.Equal(t, f.other, snap.Identity.SubjectID)
	require.False(t, snap.SessionComplete)
	require.Equal(t, navigation.RouteOnboarding, navigation.Decide(snap))
}

func TestSignOut_PreemptsInFlightSignIn(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.service.Initialize(ctx))
	f.settle(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	f.fake.SetDelay(300 * time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := f.service.SignIn(ctx, testEmail, testPassword)
		errs <- err
	}()
	require.Eventually(t, func() bool { return f.fake.VerifyCalls() == 1 }, 2*time.Second, 2*time.Millisecond)

	f.service.SignOut(ctx)
	require.Equal(t, session.StateReadyUnauthenticated, f.service.Session().State())

	err := <-errs
	require.ErrorIs(t, err, auth.ErrUnknown)

	f.fake.SetDelay(0)
	snap := f.settle(t)
	require.Nil(t, snap.Identity, "the late sign-in result is discarded")
	require.Nil(t, f.cached(t))
}

func TestSignOut_PreemptsInFlightSessionChange(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.idp.RestoreSession(testEmail))
	f.plantCredential(t, testEmail, time.Now().Add(time.Hour))
	f.fake.SetProfile(f.subject, backend.Profile{})
	f.fake.SetDelay(300 * time.Millisecond)

	require.NoError(t, f.service.Initialize(ctx))
	require.Eventually(t, func() bool { return f.fake.VerifyCalls() == 1 }, 2*time.Second, 2*time.Millisecond)

	f.service.SignOut(ctx)
	require.Equal(t, session.StateReadyUnauthenticated, f.service.Session().State())

	snap := f.settle(t)
	require.Nil(t, snap.Identity, "the late cold-start resolution is discarded")
	require.False(t, snap.SessionComplete)
	require.Empty(t, snap.LastError)
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(snap))
	require.Nil(t, f.cached(t))
}

func TestRefreshCredential(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, err := f.service.RefreshCredential(ctx)
	require.Error(t, err, "no session to refresh")

	signedIn, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)

	refreshed, err := f.service.RefreshCredential(ctx)
	require.NoError(t, err)
	require.NotEqual(t, signedIn.Credential.Token, refreshed.Token)
	require.Equal(t, refreshed, f.service.Session().Credential)
	require.Equal(t, refreshed.Token, f.cached(t).Token)
	require.Equal(t, session.StateReadyAuthenticatedIncomplete, f.service.Session().State())
}

func TestRefreshCredential_FailureLosesSession(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)

	f.idp.FailRefresh(errors.New("refresh token revoked"))
	_, err = f.service.RefreshCredential(ctx)
	require.Error(t, err)

	snap := f.service.Session()
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(snap))
	require.NotEmpty(t, snap.LastError)
	require.Nil(t, f.cached(t))
}

func TestInitialize_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)

	var lock sync.Mutex
	initializedTransitions := 0
	prev := f.store.Snapshot()
	unsubscribe := f.store.Subscribe(func(s session.Session) {
		lock.Lock()
		defer lock.Unlock()
		if s.Initialized && !prev.Initialized {
			initializedTransitions++
		}
		prev = s
	})
	defer unsubscribe()

	require.NoError(t, f.service.Initialize(ctx))
	require.NoError(t, f.service.Initialize(ctx))
	f.settle(t)

	require.Equal(t, 1, f.idp.Subscriptions())
	lock.Lock()
	require.Equal(t, 1, initializedTransitions)
	lock.Unlock()
}

func TestInitialize_ProviderNotReady(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.idp.FailReady(networkError())

	err := f.service.Initialize(ctx)
	require.ErrorIs(t, err, auth.ErrNetworkUnavailable)
	snap := f.service.Session()
	require.True(t, snap.Initialized)
	require.NotEmpty(t, snap.LastError)
	require.Equal(t, 0, f.idp.Subscriptions())

	f.idp.FailReady(nil)
	require.NoError(t, f.service.Initialize(ctx), "a failed start can be retried")
	f.settle(t)
	require.Equal(t, 1, f.idp.Subscriptions())
}

func TestColdStart_ValidCachedCredentialCompleteProfile(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.idp.RestoreSession(testEmail))
	planted := f.plantCredential(t, testEmail, time.Now().Add(time.Hour))
	f.fake.SetProfile(f.subject, backend.Profile{})

	require.NoError(t, f.service.Initialize(ctx))
	snap := f.settle(t)

	require.Equal(t, navigation.RouteMain, navigation.Decide(snap))
	require.Equal(t, planted.Token, snap.Credential.Token, "the cached credential is reused")
	require.Zero(t, f.idp.RefreshCalls())
}

func TestColdStart_BackendUnreachable(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.idp.RestoreSession(testEmail))
	f.plantCredential(t, testEmail, time.Now().Add(time.Hour))
	f.fake.SetProfile(f.subject, backend.Profile{})
	f.server.Close()

	require.NoError(t, f.service.Initialize(ctx))
	snap := f.settle(t)

	require.Equal(t, navigation.RouteOnboarding, navigation.Decide(snap))
	require.True(t, snap.IsAuthenticated())
	require.NotEmpty(t, snap.LastError)
}

func TestColdStart_ExpiredCachedCredentialIsRefreshedFirst(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.idp.RestoreSession(testEmail))
	planted := f.plantCredential(t, testEmail, time.Now().Add(-time.Hour))
	f.fake.SetProfile(f.subject, backend.Profile{})

	require.NoError(t, f.service.Initialize(ctx))
	snap := f.settle(t)

	require.Equal(t, 1, f.idp.RefreshCalls())
	require.Equal(t, 1, f.fake.VerifyCalls())
	require.NotEqual(t, planted.Token, snap.Credential.Token)
	require.Equal(t, navigation.RouteMain, navigation.Decide(snap))
	require.Equal(t, snap.Credential.Token, f.cached(t).Token)
}

func TestColdStart_ExpiredCachedCredentialRefreshFails(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.idp.RestoreSession(testEmail))
	f.plantCredential(t, testEmail, time.Now().Add(-time.Hour))
	f.idp.FailRefresh(errors.New("refresh token revoked"))

	require.NoError(t, f.service.Initialize(ctx))
	snap := f.settle(t)

	require.Equal(t, 1, f.idp.RefreshCalls())
	require.Zero(t, f.fake.VerifyCalls(), "no resolve is attempted with an expired credential")
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(snap))
	require.Nil(t, f.cached(t))
}

func TestColdStart_NoProviderSessionClearsCache(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.plantCredential(t, testEmail, time.Now().Add(time.Hour))

	require.NoError(t, f.service.Initialize(ctx))
	snap := f.settle(t)

	require.Equal(t, session.StateReadyUnauthenticated, snap.State())
	require.Nil(t, f.cached(t))
	require.Zero(t, f.fake.VerifyCalls())
}

func TestColdStart_CachedCredentialOfAnotherIdentityIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.idp.RestoreSession(testEmail))
	planted := f.plantCredential(t, otherEmail, time.Now().Add(time.Hour))
	f.fake.SetProfile(f.other, backend.Profile{})

	require.NoError(t, f.service.Initialize(ctx))
	snap := f.settle(t)

	require.NotEqual(t, planted.Token, snap.Credential.Token)
	require.True(t, snap.Credential.BelongsTo(f.subject))
	require.False(t, snap.SessionComplete, "the other identity's profile does not count")
}

func TestSessionChangesAreFollowed(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	require.NoError(t, f.service.Initialize(ctx))
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(f.settle(t)))

	require.NoError(t, f.idp.RestoreSession(testEmail))
	require.Eventually(t, func() bool {
		return navigation.Decide(f.service.Session()) == navigation.RouteMain
	}, 3*time.Second, 5*time.Millisecond)

	f.idp.DropSession()
	require.Eventually(t, func() bool {
		return navigation.Decide(f.service.Session()) == navigation.RouteSignIn
	}, 3*time.Second, 5*time.Millisecond)
	f.settle(t)
	require.Nil(t, f.cached(t))
}

func TestSignInEventDoesNotResolveTwice(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.service.Initialize(ctx))
	f.settle(t)

	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)
	f.settle(t)
	require.Equal(t, 1, f.fake.VerifyCalls())
}

func TestDispose_Unsubscribes(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	require.NoError(t, f.service.Initialize(ctx))
	f.settle(t)
	require.Equal(t, 1, f.idp.Subscriptions())

	f.service.Dispose()
	require.Equal(t, 0, f.idp.Subscriptions())
	f.service.Dispose()

	require.NoError(t, f.service.Initialize(ctx))
	f.settle(t)
	require.Equal(t, 1, f.idp.Subscriptions())
}

func TestAuthorized_RefreshesOnceOnRejection(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{Child: backend.Child{Name: "Ada"}})
	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)

	f.fake.Fail(backend.PathStories+"/{token}", backendfake.Failure{Status: http.StatusUnauthorized, Detail: "Token expired", Times: 1})
	stories, err := auth.Do(ctx, f.service, f.backend.ListStories)
	require.NoError(t, err)
	require.Empty(t, stories)
	require.Equal(t, 1, f.idp.RefreshCalls())
	require.True(t, f.service.Session().IsAuthenticated())
}

func TestAuthorized_SecondRejectionLosesSession(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)

	f.fake.Fail(backend.PathStories+"/{token}", backendfake.Failure{Status: http.StatusUnauthorized, Detail: "Token expired"})
	_, err = auth.Do(ctx, f.service, f.backend.ListStories)
	require.ErrorIs(t, err, interrors.ErrSessionExpired)
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(f.service.Session()))
	require.Nil(t, f.cached(t))
}

func TestAuthorized_RetryFailureAfterRefreshLosesSession(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.fake.SetProfile(f.subject, backend.Profile{})
	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)

	f.fake.FailSequence(backend.PathStories+"/{token}",
		backendfake.Failure{Status: http.StatusUnauthorized, Detail: "Token expired"},
		backendfake.Failure{Status: http.StatusServiceUnavailable, Detail: "maintenance"},
	)
	_, err = auth.Do(ctx, f.service, f.backend.ListStories)
	require.ErrorIs(t, err, interrors.ErrSessionExpired)
	require.Equal(t, 1, f.idp.RefreshCalls())
	require.Equal(t, navigation.RouteSignIn, navigation.Decide(f.service.Session()))
	require.Nil(t, f.cached(t))
}

func TestAuthorized_LateRejectionLeavesNextIdentityAlone(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)

	rejected := &backend.APIError{StatusCode: http.StatusUnauthorized, Detail: "Token expired"}
	calls := 0
	err = f.service.Authorized(ctx, func(ctx context.Context, _ string) error {
		calls++
		if calls == 2 {
			// The user switches accounts while the retry is on the wire.
			f.service.SignOut(ctx)
			_, err := f.service.SignIn(ctx, otherEmail, otherPassword)
			require.NoError(t, err)
		}
		return rejected
	})
	require.ErrorIs(t, err, interrors.ErrSessionExpired)
	require.Equal(t, 2, calls)

	snap := f.service.Session()
	require.True(t, snap.IsAuthenticated())
	require.Equal(t, f.other, snap.Identity.SubjectID)
	require.Empty(t, snap.LastError)
	cached := f.cached(t)
	require.NotNil(t, cached)
	require.True(t, cached.BelongsTo(f.other))
}

func TestAuthorized_RequiresSession(t *testing.T) {
	f := setupTestFixture(t)
	err := f.service.Authorized(context.Background(), func(context.Context, string) error { return nil })
	require.ErrorIs(t, err, interrors.ErrNoSession)
}

func TestMetricsAreRecorded(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	f := setupTestFixtureWithRecorder(t, metrics.NewCollector(reg))

	_, err := f.service.SignIn(ctx, testEmail, testPassword)
	require.NoError(t, err)
	_, err = f.service.SignIn(ctx, testEmail, "Wrong1234")
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg, "storyteller_auth_operations_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "one series per operation and outcome")

	count, err = testutil.GatherAndCount(reg, "storyteller_onboarding_resolves_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
