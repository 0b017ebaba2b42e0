// Package oidcidp signs users in against an OpenID Connect provider with the resource owner
// password grant. The provider's ID token is the bearer credential handed to the backend.
package oidcidp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-resty/resty/v2"
	"github.com/jrsteele09/go-storyteller-client/credential"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/jrsteele09/go-storyteller-client/internal/config"
	"github.com/jrsteele09/go-storyteller-client/internal/logging"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/jrsteele09/go-storyteller-client/internal/utils"
	"github.com/jrsteele09/go-storyteller-client/kvstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// RefreshTokenKey is where the provider session survives restarts.
const RefreshTokenKey = "identityRefreshToken"

// expirySkew renews the ID token slightly before it lapses.
const expirySkew = 30 * time.Second

var _ identity.Provider = (*Provider)(nil)

type Provider struct {
	issuerURL     string
	clientID      string
	clientSecret  string
	signUpURL     string
	revocationURL string
	scopes        []string
	httpClient    *http.Client
	rest          *resty.Client
	store         kvstore.Store
	limiter       *rate.Limiter
	nowFunc       func() time.Time

	lock         sync.Mutex
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	user         *identity.User
	refreshToken string
	held         credential.Credential
	listeners    identity.Listeners
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithSessionStore persists the refresh token so Ready can restore the session on the next start.
func WithSessionStore(store kvstore.Store) Option {
	return func(p *Provider) {
		p.store = store
	}
}

func WithLimiter(l *rate.Limiter) Option {
	return func(p *Provider) {
		p.limiter = l
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(p *Provider) {
		p.nowFunc = now
	}
}

func New(cfg config.IdentityConfig, options ...Option) *Provider {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute := cfg.GetSignInsPerMinute(); perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	p := &Provider{
		issuerURL:     cfg.GetIssuerURL(),
		clientID:      cfg.GetClientID(),
		clientSecret:  cfg.GetClientSecret(),
		signUpURL:     cfg.GetSignUpURL(),
		revocationURL: cfg.GetRevocationURL(),
		scopes:        cfg.GetScopes(),
		httpClient:    &http.Client{},
		limiter:       limiter,
		nowFunc:       time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	p.rest = resty.NewWithClient(p.httpClient).SetLogger(logging.Resty{Client: "identity"})
	return p
}

// Ready discovers the provider configuration and restores a persisted session, if any.
func (p *Provider) Ready(ctx context.Context) error {
	ctx = oidc.ClientContext(ctx, p.httpClient)
	discovered, err := oidc.NewProvider(ctx, p.issuerURL)
	if err != nil {
		return errors.Wrap(err, "[Provider.Ready] discovery")
	}

	endpoint := discovered.Endpoint()
	if p.clientSecret == "" {
		// Public clients identify themselves in the form body.
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	p.lock.Lock()
	p.verifier = discovered.Verifier(&oidc.Config{ClientID: p.clientID, Now: p.nowFunc})
	p.oauth2Config = &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     endpoint,
		Scopes:       p.scopes,
	}
	p.lock.Unlock()

	if p.store == nil {
		return nil
	}
	rt, ok, err := p.store.Get(ctx, RefreshTokenKey)
	if err != nil || !ok || rt == "" {
		return nil
	}
	tok, err := p.config().TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		log.Warn().Err(err).Msg("persisted identity session could not be restored")
		p.forget(ctx)
		return nil
	}
	user, err := p.establish(ctx, tok)
	if err != nil {
		log.Warn().Err(err).Msg("restored identity session carried an unusable id token")
		p.forget(ctx)
		return nil
	}
	p.listeners.Notify(user)
	return nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	if !p.limiter.Allow() {
		return nil, identity.ErrRateLimited
	}
	return p.signIn(ctx, email, password)
}

func (p *Provider) signIn(ctx context.Context, email, password string) (*identity.User, error) {
	cfg := p.config()
	if cfg == nil {
		return nil, errors.New("[Provider.SignInWithPassword] provider not ready")
	}
	ctx = oidc.ClientContext(ctx, p.httpClient)
	tok, err := cfg.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		return nil, classify(err)
	}
	user, err := p.establish(ctx, tok)
	if err != nil {
		return nil, err
	}
	p.listeners.Notify(user)
	return user.Clone(), nil
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
}

type providerError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// CreateAccountWithPassword posts to the sign-up endpoint and then signs the new account in.
func (p *Provider) CreateAccountWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	if p.signUpURL == "" {
		return nil, errors.Wrap(interrors.ErrUnsupported, "[Provider.CreateAccountWithPassword] no sign-up endpoint configured")
	}
	if err := identity.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := identity.ValidatePasswordStrength(password); err != nil {
		return nil, err
	}
	if !p.limiter.Allow() {
		return nil, identity.ErrRateLimited
	}

	var perr providerError
	resp, err := p.rest.R().
		SetContext(ctx).
		SetBody(signUpRequest{Email: email, Password: password, ClientID: p.clientID}).
		SetError(&perr).
		Post(p.signUpURL)
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.CreateAccountWithPassword] Post")
	}
	if resp.IsError() {
		return nil, classifySignUp(resp.StatusCode(), perr)
	}
	return p.signIn(ctx, email, password)
}

// SignOut drops the local session first and then revokes the refresh token. The returned
// error only describes the revocation.
func (p *Provider) SignOut(ctx context.Context) error {
	p.lock.Lock()
	rt := p.refreshToken
	p.lock.Unlock()

	p.forget(ctx)
	p.listeners.Notify(nil)

	if p.revocationURL == "" || rt == "" {
		return nil
	}
	return p.revoke(ctx, rt)
}

func (p *Provider) SubscribeToSessionChanges(fn identity.SessionListener) func() {
	return p.listeners.Add(fn, func() *identity.User {
		p.lock.Lock()
		defer p.lock.Unlock()
		return p.user.Clone()
	})
}

func (p *Provider) CurrentCredential(ctx context.Context, forceRefresh bool) (credential.Credential, error) {
	p.lock.Lock()
	if p.user == nil {
		p.lock.Unlock()
		return credential.Credential{}, identity.ErrNoSession
	}
	if !forceRefresh && !p.held.Expired(p.nowFunc().Add(expirySkew)) {
		held := p.held
		p.lock.Unlock()
		return held, nil
	}
	rt := p.refreshToken
	cfg := p.oauth2Config
	previous := p.user.SubjectID
	p.lock.Unlock()

	if rt == "" {
		return credential.Credential{}, errors.Wrap(identity.ErrNoSession, "[Provider.CurrentCredential] no refresh token")
	}

	ctx = oidc.ClientContext(ctx, p.httpClient)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		err = classify(err)
		if errors.Is(err, identity.ErrInvalidCredentials) {
			// The refresh token is dead, so is the provider session.
			p.forget(ctx)
			p.listeners.Notify(nil)
			return credential.Credential{}, errors.Wrap(identity.ErrNoSession, err.Error())
		}
		return credential.Credential{}, err
	}

	user, err := p.establish(ctx, tok)
	if err != nil {
		return credential.Credential{}, err
	}
	if user.SubjectID != previous {
		p.listeners.Notify(user)
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	return p.held, nil
}

func (p *Provider) config() *oauth2.Config {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.oauth2Config
}

// establish verifies the ID token in tok and makes its subject the current user.
func (p *Provider) establish(ctx context.Context, tok *oauth2.Token) (*identity.User, error) {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, errors.New("[Provider.establish] token response carried no id_token")
	}

	p.lock.Lock()
	verifier := p.verifier
	p.lock.Unlock()

	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.establish] Verify")
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "[Provider.establish] Claims")
	}

	user := &identity.User{
		SubjectID:     idToken.Subject,
		Email:         utils.NonZero(claims.Email),
		EmailVerified: claims.EmailVerified,
	}

	p.lock.Lock()
	p.user = user
	if tok.RefreshToken != "" {
		p.refreshToken = tok.RefreshToken
	}
	p.held = credential.Credential{Token: raw, ExpiresAt: idToken.Expiry}
	rt := p.refreshToken
	p.lock.Unlock()

	if p.store != nil && rt != "" {
		if err := p.store.Set(ctx, map[string]string{RefreshTokenKey: rt}); err != nil {
			log.Warn().Err(err).Msg("could not persist identity session")
		}
	}
	return user.Clone(), nil
}

func (p *Provider) forget(ctx context.Context) {
	p.lock.Lock()
	p.user = nil
	p.refreshToken = ""
	p.held = credential.Credential{}
	p.lock.Unlock()

	if p.store != nil {
		if err := p.store.Delete(context.WithoutCancel(ctx), RefreshTokenKey); err != nil {
			log.Warn().Err(err).Msg("could not delete persisted identity session")
		}
	}
}

func (p *Provider) revoke(ctx context.Context, refreshToken string) error {
	req := p.rest.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"token":           refreshToken,
			"token_type_hint": "refresh_token",
			"client_id":       p.clientID,
		})
	if p.clientSecret != "" {
		req.SetBasicAuth(p.clientID, p.clientSecret)
	}

	resp, err := req.Post(p.revocationURL)
	if err != nil {
		return errors.Wrap(err, "[Provider.revoke] Post")
	}
	if resp.StatusCode() >= 300 {
		return errors.Errorf("[Provider.revoke] revocation endpoint returned %d", resp.StatusCode())
	}
	return nil
}

// classify maps token endpoint failures onto the identity sentinels.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	detail := re.ErrorDescription
	if detail == "" {
		detail = re.ErrorCode
	}
	switch {
	case status == http.StatusTooManyRequests || re.ErrorCode == "slow_down":
		return fmt.Errorf("%w: %s", identity.ErrRateLimited, detail)
	case re.ErrorCode == "user_not_found" || re.ErrorCode == "account_not_found":
		return fmt.Errorf("%w: %s", identity.ErrAccountNotFound, detail)
	case re.ErrorCode == "invalid_grant":
		return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, detail)
	}
	return err
}

func classifySignUp(status int, perr providerError) error {
	detail := perr.Description
	if detail == "" {
		detail = http.StatusText(status)
	}
	switch {
	case status == http.StatusConflict || perr.Code == "account_exists":
		return fmt.Errorf("%w: %s", identity.ErrAccountExists, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", identity.ErrRateLimited, detail)
	case perr.Code == "weak_password":
		return fmt.Errorf("%w: %s", identity.ErrWeakPassword, detail)
	case perr.Code == "invalid_email":
		return fmt.Errorf("%w: %s", identity.ErrInvalidEmail, detail)
	}
	return errors.Errorf("[Provider.CreateAccountWithPassword] sign-up failed with %d: %s", status, detail)
}
