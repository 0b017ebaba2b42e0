// Package backend is the REST client for the storyteller backend.
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-storyteller-client/internal/config"
	"github.com/jrsteele09/go-storyteller-client/internal/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	PathVerifyToken  = "/auth/verify-token"
	PathRegister     = "/auth/register"
	PathProfile      = "/auth/profile"
	PathGenerate     = "/generate-story"
	PathStories      = "/stories"
	PathSystemPrompt = "/system-prompt"
	PathHealth       = "/health"

	RequestIDHeader = "X-Request-ID"

)

type Client struct {
	baseURL    string
	httpClient *http.Client
	rest       *resty.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

func New(cfg config.BackendConfig, options ...Option) *Client {
	c := &Client{
		baseURL:    cfg.GetBackendBaseURL(),
		httpClient: &http.Client{Timeout: cfg.GetBackendTimeout()},
	}
	for _, opt := range options {
		opt(c)
	}
	c.rest = resty.NewWithClient(c.httpClient).
		SetBaseURL(c.baseURL).
		SetHeader("Accept", "application/json").
		SetLogger(logging.Resty{Client: "backend"})
	return c
}

// VerifyToken asks the backend whether token is valid and whether its owner has a profile.
func (c *Client) VerifyToken(ctx context.Context, token string) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.do(ctx, "VerifyToken", http.MethodPost, PathVerifyToken, TokenRequest{Token: token}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RegisterUser(ctx context.Context, token string, reg Registration) (*ProfileResponse, error) {
	var resp ProfileResponse
	body := RegisterRequest{Token: token, Registration: reg}
	if err := c.do(ctx, "RegisterUser", http.MethodPost, PathRegister, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetProfile(ctx context.Context, token string) (*ProfileResponse, error) {
	var resp ProfileResponse
	if err := c.do(ctx, "GetProfile", http.MethodGet, tokenPath(PathProfile, token), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UpdateProfile(ctx context.Context, token string, update ProfileUpdate) (*ProfileResponse, error) {
	var resp ProfileResponse
	body := UpdateRequest{Token: token, ProfileUpdate: update}
	if err := c.do(ctx, "UpdateProfile", http.MethodPut, PathProfile, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteProfile(ctx context.Context, token string) (*MessageResponse, error) {
	var resp MessageResponse
	if err := c.do(ctx, "DeleteProfile", http.MethodDelete, tokenPath(PathProfile, token), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GenerateStory(ctx context.Context, token, prompt string) (*StoryManifest, error) {
	var resp StoryManifest
	body := StoryRequest{Token: token, Prompt: prompt}
	if err := c.do(ctx, "GenerateStory", http.MethodPost, PathGenerate, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListStories(ctx context.Context, token string) ([]Story, error) {
	var resp StoriesResponse
	if err := c.do(ctx, "ListStories", http.MethodGet, tokenPath(PathStories, token), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stories, nil
}

func (c *Client) UpdateSystemPrompt(ctx context.Context, token, prompt string) (*MessageResponse, error) {
	var resp MessageResponse
	body := SystemPromptRequest{Token: token, SystemPrompt: prompt}
	if err := c.do(ctx, "UpdateSystemPrompt", http.MethodPost, PathSystemPrompt, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "Health", http.MethodGet, PathHealth, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// tokenPath builds the routes that take the credential as a path segment.
func tokenPath(prefix, token string) string {
	return prefix + "/" + url.PathEscape(token)
}

// do sends one JSON request. Transport failures come back wrapped so internal/errors.IsNetwork
// still sees them, non-2xx responses as *APIError and undecodable bodies as ErrInvalidResponse.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	requestID := uuid.NewString()
	req := c.rest.R().
		SetContext(ctx).
		SetHeader(RequestIDHeader, requestID)
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		log.Debug().Err(err).Str("op", op).Str("request_id", requestID).Msg("backend request failed")
		return errors.Wrapf(err, "[Client.%s] %s", op, method)
	}
	log.Debug().
		Str("op", op).
		Str("request_id", requestID).
		Int("status", resp.StatusCode()).
		Dur("elapsed", time.Since(start)).
		Msg("backend request")

	data := resp.Body()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return newAPIError(resp.StatusCode(), data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(ErrInvalidResponse, "[Client.%s] %v", op, err)
	}
	return nil
}
