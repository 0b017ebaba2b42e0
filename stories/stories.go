// Package stories generates and lists bedtime stories for the signed in user.
package stories

import (
	"context"
	"strings"

	"github.com/jrsteele09/go-storyteller-client/auth"
	"github.com/jrsteele09/go-storyteller-client/backend"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/pkg/errors"
)

var ErrEmptyPrompt = errors.New("story prompt is required")

type Backend interface {
	GenerateStory(ctx context.Context, token, prompt string) (*backend.StoryManifest, error)
	ListStories(ctx context.Context, token string) ([]backend.Story, error)
}

type Service struct {
	auth    *auth.Service
	backend Backend
}

func New(authService *auth.Service, b Backend) *Service {
	return &Service{auth: authService, backend: b}
}

// Generate asks the backend for a new story. The user needs a registered profile.
func (s *Service) Generate(ctx context.Context, prompt string) (*backend.StoryManifest, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	manifest, err := auth.Do(ctx, s.auth, func(ctx context.Context, token string) (*backend.StoryManifest, error) {
		return s.backend.GenerateStory(ctx, token, prompt)
	})
	if backend.IsNotFound(err) {
		return nil, errors.Wrap(interrors.ErrNotFound, "[Service.Generate] profile")
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Generate]")
	}
	return manifest, nil
}

func (s *Service) List(ctx context.Context) ([]backend.Story, error) {
	list, err := auth.Do(ctx, s.auth, s.backend.ListStories)
	return list, errors.Wrap(err, "[Service.List]")
}
