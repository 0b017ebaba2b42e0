package identityfake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-storyteller-client/credential"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/jrsteele09/go-storyteller-client/internal/utils"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var _ identity.Provider = (*FakeProvider)(nil)

type account struct {
	user         identity.User
	passwordHash string
}

// FakeProvider is an in-memory identity provider. It issues HS256 signed ID tokens and
// lets tests inject failures for each provider call.
type FakeProvider struct {
	lock      sync.Mutex
	accounts  map[string]*account // keyed by lower-cased email
	current   *account
	held      credential.Credential
	key       []byte
	tokenTTL  time.Duration
	nowFunc   func() time.Time
	listeners identity.Listeners

	readyErr   error
	signInErr  error
	signUpErr  error
	signOutErr error
	refreshErr error
	delay      time.Duration

	refreshCalls int
	signOutCalls int
	signInCalls  int
}

type Option func(*FakeProvider)

func WithTokenTTL(ttl time.Duration) Option {
	return func(p *FakeProvider) {
		p.tokenTTL = ttl
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(p *FakeProvider) {
		p.nowFunc = now
	}
}

func WithSigningKey(key []byte) Option {
	return func(p *FakeProvider) {
		p.key = key
	}
}

func New(options ...Option) *FakeProvider {
	p := &FakeProvider{
		accounts: make(map[string]*account),
		key:      []byte("identityfake-signing-key"),
		tokenTTL: time.Hour,
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// AddAccount seeds an account without starting a session.
func (p *FakeProvider) AddAccount(email, password string) (identity.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return identity.User{}, errors.Wrap(err, "[FakeProvider.AddAccount] bcrypt")
	}
	user := identity.User{SubjectID: uuid.NewString(), Email: utils.Ptr(email), EmailVerified: true}

	p.lock.Lock()
	defer p.lock.Unlock()
	p.accounts[strings.ToLower(email)] = &account{user: user, passwordHash: string(hash)}
	return user, nil
}

// RestoreSession makes email the signed in account, as if the provider had persisted its session.
func (p *FakeProvider) RestoreSession(email string) error {
	p.lock.Lock()
	acc, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		p.lock.Unlock()
		return identity.ErrAccountNotFound
	}
	p.current = acc
	p.held = credential.Credential{}
	u := acc.user
	p.lock.Unlock()

	p.listeners.Notify(&u)
	return nil
}

// DropSession ends the provider session remotely, as a revoked refresh token would.
func (p *FakeProvider) DropSession() {
	p.lock.Lock()
	p.current = nil
	p.held = credential.Credential{}
	p.lock.Unlock()
	p.listeners.Notify(nil)
}

func (p *FakeProvider) FailReady(err error)   { p.set(func() { p.readyErr = err }) }
func (p *FakeProvider) FailSignIn(err error)  { p.set(func() { p.signInErr = err }) }
func (p *FakeProvider) FailSignUp(err error)  { p.set(func() { p.signUpErr = err }) }
func (p *FakeProvider) FailSignOut(err error) { p.set(func() { p.signOutErr = err }) }
func (p *FakeProvider) FailRefresh(err error) { p.set(func() { p.refreshErr = err }) }

// SetDelay makes every network-like call wait d (or until its context ends).
func (p *FakeProvider) SetDelay(d time.Duration) { p.set(func() { p.delay = d }) }

func (p *FakeProvider) RefreshCalls() int { return get(p, func() int { return p.refreshCalls }) }
func (p *FakeProvider) SignOutCalls() int { return get(p, func() int { return p.signOutCalls }) }
func (p *FakeProvider) SignInCalls() int  { return get(p, func() int { return p.signInCalls }) }

// Subscriptions is the number of active session-change subscriptions.
func (p *FakeProvider) Subscriptions() int {
	return p.listeners.Len()
}

func (p *FakeProvider) Ready(ctx context.Context) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return get(p, func() error { return p.readyErr })
}

func (p *FakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.lock.Lock()
	p.signInCalls++
	if p.signInErr != nil {
		err := p.signInErr
		p.lock.Unlock()
		return nil, err
	}
	acc, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		p.lock.Unlock()
		return nil, identity.ErrAccountNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.passwordHash), []byte(password)); err != nil {
		p.lock.Unlock()
		return nil, identity.ErrInvalidCredentials
	}
	p.current = acc
	p.held = credential.Credential{}
	u := acc.user
	p.lock.Unlock()

	p.listeners.Notify(&u)
	return u.Clone(), nil
}

func (p *FakeProvider) CreateAccountWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if err := get(p, func() error { return p.signUpErr }); err != nil {
		return nil, err
	}
	if err := identity.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := identity.ValidatePasswordStrength(password); err != nil {
		return nil, err
	}
	if get(p, func() bool { _, ok := p.accounts[strings.ToLower(email)]; return ok }) {
		return nil, identity.ErrAccountExists
	}
	if _, err := p.AddAccount(email, password); err != nil {
		return nil, err
	}
	return p.SignInWithPassword(ctx, email, password)
}

func (p *FakeProvider) SignOut(ctx context.Context) error {
	p.lock.Lock()
	p.signOutCalls++
	if p.signOutErr != nil {
		err := p.signOutErr
		p.lock.Unlock()
		return err
	}
	p.current = nil
	p.held = credential.Credential{}
	p.lock.Unlock()

	p.listeners.Notify(nil)
	return nil
}

func (p *FakeProvider) SubscribeToSessionChanges(fn identity.SessionListener) func() {
	return p.listeners.Add(fn, func() *identity.User {
		p.lock.Lock()
		defer p.lock.Unlock()
		if p.current == nil {
			return nil
		}
		u := p.current.user
		return &u
	})
}

func (p *FakeProvider) CurrentCredential(ctx context.Context, forceRefresh bool) (credential.Credential, error) {
	if err := p.wait(ctx); err != nil {
		return credential.Credential{}, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.current == nil {
		return credential.Credential{}, identity.ErrNoSession
	}
	now := p.nowFunc()
	if !forceRefresh && !p.held.Expired(now) {
		return p.held, nil
	}
	if forceRefresh {
		p.refreshCalls++
		if p.refreshErr != nil {
			return credential.Credential{}, p.refreshErr
		}
	}

	exp := now.Add(p.tokenTTL)
	token, err := p.issue(p.current.user, exp)
	if err != nil {
		return credential.Credential{}, err
	}
	p.held = credential.Credential{Token: token, ExpiresAt: time.Unix(exp.Unix(), 0)}
	return p.held, nil
}

// IssueToken mints a token for the account with email, expiring at exp. It lets tests
// plant cached credentials.
func (p *FakeProvider) IssueToken(email string, exp time.Time) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	acc, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		return "", identity.ErrAccountNotFound
	}
	return p.issue(acc.user, exp)
}

// Verify checks a token this provider issued and returns its user.
func (p *FakeProvider) Verify(rawToken string) (*identity.User, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		return p.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.nowFunc))
	if err != nil {
		return nil, errors.Wrap(err, "[FakeProvider.Verify]")
	}
	sub, _ := claims.GetSubject()
	email, _ := claims["email"].(string)
	verified, _ := claims["email_verified"].(bool)
	return &identity.User{SubjectID: sub, Email: utils.NonZero(email), EmailVerified: verified}, nil
}

func (p *FakeProvider) issue(user identity.User, exp time.Time) (string, error) {
	now := p.nowFunc()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":            "identityfake",
		"sub":            user.SubjectID,
		"email":          utils.Value(user.Email),
		"email_verified": user.EmailVerified,
		"iat":            now.Unix(),
		"exp":            exp.Unix(),
		"jti":            uuid.NewString(),
	}).SignedString(p.key)
	return token, errors.Wrap(err, "[FakeProvider.issue] SignedString")
}

func (p *FakeProvider) wait(ctx context.Context) error {
	d := get(p, func() time.Duration { return p.delay })
	if d == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *FakeProvider) set(fn func()) {
	p.lock.Lock()
	defer p.lock.Unlock()
	fn()
}

func get[T any](p *FakeProvider, fn func() T) T {
	p.lock.Lock()
	defer p.lock.Unlock()
	return fn()
}
