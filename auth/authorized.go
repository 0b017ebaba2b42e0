package auth

import (
	"context"

	"github.com/jrsteele09/go-storyteller-client/backend"
	"github.com/jrsteele09/go-storyteller-client/credential"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// sessionExpiredMessage is LastError after the session could not be kept alive.
const sessionExpiredMessage = "Your session has expired. Please sign in again."

// Authorized calls fn with the session credential. If the backend rejects the credential,
// it is refreshed once and fn is retried. A failed refresh or any failure of the retry
// loses the session, provided it still belongs to the identity the call started with.
func (s *Service) Authorized(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	snap := s.deps.Store.Snapshot()
	if snap.Identity == nil || snap.Credential.IsZero() {
		return errors.Wrap(interrors.ErrNoSession, "[Service.Authorized]")
	}
	subject := snap.Identity.SubjectID

	token := snap.Credential.Token
	if snap.Credential.Expired(s.nowTime()) {
		cred, err := s.refreshFor(ctx, subject)
		if err != nil {
			return err
		}
		token = cred.Token
	}

	err := fn(ctx, token)
	if !backend.IsCredentialRejected(err) {
		return err
	}

	log.Debug().Err(err).Msg("backend rejected credential, refreshing once")
	cred, err := s.refreshFor(ctx, subject)
	if err != nil {
		return err
	}
	if err := fn(ctx, cred.Token); err != nil {
		s.dropSession(ctx, subject, err)
		return errors.Wrap(interrors.ErrSessionExpired, err.Error())
	}
	return nil
}

// Do is Authorized for calls that return a value.
func Do[T any](ctx context.Context, s *Service, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var out T
	err := s.Authorized(ctx, func(ctx context.Context, token string) error {
		var err error
		out, err = fn(ctx, token)
		return err
	})
	return out, err
}

// refreshFor is RefreshCredential restricted to subject's session.
func (s *Service) refreshFor(ctx context.Context, subject string) (credential.Credential, error) {
	s.flight.Lock()
	defer s.flight.Unlock()
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.refreshLocked(ctx, subject)
}

// dropSession loses subject's session. A session that has since moved on to another
// identity, or was signed out, is left alone.
func (s *Service) dropSession(ctx context.Context, subject string, cause error) {
	s.flight.Lock()
	defer s.flight.Unlock()
	if !s.deps.Store.Expire(subject, sessionExpiredMessage) {
		return
	}
	log.Warn().Err(cause).Str("subject", subject).Msg("session lost")
	s.clearCache(ctx)
}
