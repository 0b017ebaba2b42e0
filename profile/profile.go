// Package profile manages the backend onboarding profile of the signed in user.
package profile

import (
	"context"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-storyteller-client/auth"
	"github.com/jrsteele09/go-storyteller-client/backend"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyRegistered is returned by Register when the backend already holds a profile for the user.
var ErrAlreadyRegistered = errors.New("profile already registered")

// Backend is the part of the backend API the profile service calls.
type Backend interface {
	RegisterUser(ctx context.Context, token string, reg backend.Registration) (*backend.ProfileResponse, error)
	GetProfile(ctx context.Context, token string) (*backend.ProfileResponse, error)
	UpdateProfile(ctx context.Context, token string, update backend.ProfileUpdate) (*backend.ProfileResponse, error)
	DeleteProfile(ctx context.Context, token string) (*backend.MessageResponse, error)
	UpdateSystemPrompt(ctx context.Context, token, prompt string) (*backend.MessageResponse, error)
}

type Service struct {
	auth    *auth.Service
	backend Backend
}

func New(authService *auth.Service, b Backend) *Service {
	return &Service{auth: authService, backend: b}
}

// Register creates the onboarding profile and marks the session complete for the identity that registered it.
func (s *Service) Register(ctx context.Context, reg backend.Registration) (*backend.Profile, error) {
	reg, err := ValidateRegistration(reg)
	if err != nil {
		return nil, err
	}
	subject, err := s.subject()
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Register]")
	}

	resp, err := auth.Do(ctx, s.auth, func(ctx context.Context, token string) (*backend.ProfileResponse, error) {
		return s.backend.RegisterUser(ctx, token, reg)
	})
	if isAlreadyRegistered(err) {
		s.auth.MarkOnboardingComplete(subject)
		return nil, ErrAlreadyRegistered
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Register] register user")
	}
	if !resp.Success || resp.Profile == nil {
		return nil, errors.Wrap(backend.ErrInvalidResponse, "[Service.Register] no profile returned")
	}

	if !s.auth.MarkOnboardingComplete(subject) {
		log.Debug().Str("subject", subject).Msg("profile registered for an identity that is no longer current or already complete")
	}
	return resp.Profile, nil
}

// Fetch returns the stored profile, or an error matching interrors.ErrNotFound when none exists.
func (s *Service) Fetch(ctx context.Context) (*backend.Profile, error) {
	resp, err := auth.Do(ctx, s.auth, s.backend.GetProfile)
	if backend.IsNotFound(err) {
		return nil, errors.Wrap(interrors.ErrNotFound, "[Service.Fetch] profile")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Fetch]")
	}
	if resp.Profile == nil {
		return nil, errors.Wrap(backend.ErrInvalidResponse, "[Service.Fetch] no profile returned")
	}
	return resp.Profile, nil
}

func (s *Service) Update(ctx context.Context, update backend.ProfileUpdate) (*backend.Profile, error) {
	update, err := ValidateUpdate(update)
	if err != nil {
		return nil, err
	}
	resp, err := auth.Do(ctx, s.auth, func(ctx context.Context, token string) (*backend.ProfileResponse, error) {
		return s.backend.UpdateProfile(ctx, token, update)
	})
	if backend.IsNotFound(err) {
		return nil, errors.Wrap(interrors.ErrNotFound, "[Service.Update] profile")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Update]")
	}
	if resp.Profile == nil {
		return nil, errors.Wrap(backend.ErrInvalidResponse, "[Service.Update] no profile returned")
	}
	return resp.Profile, nil
}

func (s *Service) UpdateSystemPrompt(ctx context.Context, prompt string) error {
	_, err := auth.Do(ctx, s.auth, func(ctx context.Context, token string) (*backend.MessageResponse, error) {
		return s.backend.UpdateSystemPrompt(ctx, token, prompt)
	})
	if backend.IsNotFound(err) {
		return errors.Wrap(interrors.ErrNotFound, "[Service.UpdateSystemPrompt] profile")
	}
	return errors.Wrap(err, "[Service.UpdateSystemPrompt]")
}

// Delete removes the profile; the session goes back to needing onboarding.
func (s *Service) Delete(ctx context.Context) error {
	subject, err := s.subject()
	if err != nil {
		return errors.Wrap(err, "[Service.Delete]")
	}
	_, err = auth.Do(ctx, s.auth, s.backend.DeleteProfile)
	if err != nil && !backend.IsNotFound(err) {
		return errors.Wrap(err, "[Service.Delete]")
	}
	s.auth.MarkOnboardingIncomplete(subject)
	if err != nil {
		return errors.Wrap(interrors.ErrNotFound, "[Service.Delete] profile")
	}
	return nil
}

func (s *Service) subject() (string, error) {
	id := s.auth.Session().Identity
	if id == nil {
		return "", interrors.ErrNoSession
	}
	return id.SubjectID, nil
}

func isAlreadyRegistered(err error) bool {
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusConflict) &&
		strings.Contains(strings.ToLower(apiErr.Detail), "already exists")
}
