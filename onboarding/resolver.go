// Package onboarding decides whether a signed in user has finished onboarding by asking the backend.
// The backend's has_profile flag is the only source for that answer.
package onboarding

import (
	"context"
	"time"

	"github.com/jrsteele09/go-storyteller-client/backend"
	"github.com/jrsteele09/go-storyteller-client/credential"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/jrsteele09/go-storyteller-client/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Verifier is the part of the backend client the resolver needs.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*backend.VerifyResponse, error)
}

// Refresher forces a new credential from the identity provider.
type Refresher func(ctx context.Context) (credential.Credential, error)

type Result struct {
	Complete bool
	Profile  *backend.Profile
	UserInfo *backend.UserInfo
}

type Resolver struct {
	verifier Verifier
	timeout  time.Duration
	recorder metrics.Recorder
}

type Option func(*Resolver)

// WithTimeout bounds each backend query. Zero leaves only the caller's deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Resolver) {
		r.recorder = rec
	}
}

func NewResolver(verifier Verifier, options ...Option) *Resolver {
	r := &Resolver{
		verifier: verifier,
		timeout:  15 * time.Second,
		recorder: metrics.Nop{},
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Resolve asks the backend whether the owner of token has a profile.
func (r *Resolver) Resolve(ctx context.Context, token string) (Result, error) {
	result, err := r.resolve(ctx, token)
	if err != nil {
		var re *ResolveError
		if errors.As(err, &re) {
			r.recorder.RecordResolve(string(re.Kind))
		}
		return Result{}, err
	}
	if result.Complete {
		r.recorder.RecordResolve("complete")
	} else {
		r.recorder.RecordResolve("incomplete")
	}
	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, token string) (Result, error) {
	if token == "" {
		return Result{}, newResolveError(KindCredentialRejected, "no credential", nil)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	resp, err := r.verifier.VerifyToken(ctx, token)
	if err != nil {
		return Result{}, classify(err)
	}
	if !resp.Valid {
		msg := resp.Error
		if msg == "" {
			msg = "credential not accepted"
		}
		return Result{}, newResolveError(KindCredentialRejected, msg, nil)
	}
	return Result{Complete: resp.HasProfile, Profile: resp.Profile, UserInfo: resp.UserInfo}, nil
}

// ResolveWithRefresh resolves cred and, if the backend rejects it, refreshes once and retries.
// It returns the credential the result was obtained with. A failed refresh, or any failure of
// the retry, yields ErrSessionLost. Failures before a refresh are a *ResolveError and the
// session stays usable with onboarding treated as incomplete.
func (r *Resolver) ResolveWithRefresh(ctx context.Context, cred credential.Credential, refresh Refresher) (Result, credential.Credential, error) {
	result, err := r.Resolve(ctx, cred.Token)
	if err == nil || !errors.Is(err, ErrCredentialRejected) {
		return result, cred, err
	}

	log.Debug().Err(err).Msg("credential rejected by backend, refreshing once")
	fresh, refreshErr := refresh(ctx)
	if refreshErr != nil {
		r.recorder.RecordResolve("session-lost")
		return Result{}, cred, errors.Wrap(ErrSessionLost, refreshErr.Error())
	}

	result, err = r.Resolve(ctx, fresh.Token)
	if err != nil {
		r.recorder.RecordResolve("session-lost")
		return Result{}, fresh, errors.Wrap(ErrSessionLost, err.Error())
	}
	return result, fresh, nil
}

func classify(err error) error {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.IsCredentialRejected():
		return newResolveError(KindCredentialRejected, apiErr.Detail, err)
	case errors.As(err, &apiErr):
		// Any other refusal means the backend could not answer for this credential.
		return newResolveError(KindServerError, apiErr.Detail, err)
	case errors.Is(err, backend.ErrInvalidResponse):
		return newResolveError(KindInvalidResponse, "unreadable verification response", err)
	case interrors.IsNetwork(err), errors.Is(err, context.Canceled):
		return newResolveError(KindNetworkUnavailable, "backend unreachable", err)
	default:
		return newResolveError(KindServerError, err.Error(), err)
	}
}
