// Package backendfake is an in-memory storyteller backend for tests and offline use.
package backendfake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-storyteller-client/backend"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/jrsteele09/go-storyteller-client/internal/utils"
)

const contentTypeJSON = "application/json; charset=utf-8"

// Verifier resolves a bearer token to its owner.
type Verifier func(token string) (*identity.User, error)

// Failure is an injected response for a route.
type Failure struct {
	Status int
	Detail string
	// Malformed replaces the body with something that is not JSON. Status defaults to 200.
	Malformed bool
	// Times limits the failure to the next n requests. Zero keeps it until ClearFailures.
	Times int
}

type Server struct {
	router chi.Router
	verify Verifier

	lock        sync.Mutex
	profiles    map[string]backend.Profile
	stories     map[string][]backend.Story
	failures    map[string]Failure
	sequences   map[string][]Failure
	rejectAll   bool
	delay       time.Duration
	verifyCalls int
	nowFunc     func() time.Time
}

func New(verify Verifier) *Server {
	s := &Server{
		verify:   verify,
		profiles: map[string]backend.Profile{},
		stories:  map[string][]backend.Story{},
		failures:  map[string]Failure{},
		sequences: map[string][]Failure{},
		nowFunc:  time.Now,
	}

	r := chi.NewRouter()
	r.Use(logRequests)
	r.Use(s.injected)
	r.Post(backend.PathVerifyToken, s.verifyToken)
	r.Post(backend.PathRegister, s.register)
	r.Route(backend.PathProfile, func(r chi.Router) {
		r.Put("/", s.updateProfile)
		r.Get("/{token}", s.getProfile)
		r.Delete("/{token}", s.deleteProfile)
	})
	r.Post(backend.PathGenerate, s.generateStory)
	r.Get(backend.PathStories+"/{token}", s.listStories)
	r.Post(backend.PathSystemPrompt, s.updateSystemPrompt)
	r.Get(backend.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, backend.HealthResponse{Status: "healthy"})
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetProfile seeds a completed onboarding profile for subjectID.
func (s *Server) SetProfile(subjectID string, p backend.Profile) {
	s.lock.Lock()
	defer s.lock.Unlock()
	p.UserID = subjectID
	s.profiles[subjectID] = p
}

func (s *Server) HasProfile(subjectID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.profiles[subjectID]
	return ok
}

// Fail makes every request to path answer with f until ClearFailures. Routes that take the
// token in the path are addressed with a "{token}" placeholder, e.g. "/stories/{token}".
func (s *Server) Fail(path string, f Failure) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures[path] = f
}

// FailSequence answers the next len(fs) requests to path with fs, one each, in order.
// Times is ignored. Sequenced failures are served before anything set with Fail.
func (s *Server) FailSequence(path string, fs ...Failure) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sequences[path] = append(s.sequences[path], fs...)
}

func (s *Server) ClearFailures() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures = map[string]Failure{}
	s.sequences = map[string][]Failure{}
}

// nextFailure pops the injected failure for path, if any. Callers hold s.lock.
func (s *Server) nextFailure(path string) (Failure, bool) {
	for _, key := range []string{path, routePrefix(path)} {
		if queue := s.sequences[key]; len(queue) > 0 {
			if len(queue) == 1 {
				delete(s.sequences, key)
			} else {
				s.sequences[key] = queue[1:]
			}
			return queue[0], true
		}
	}
	key := path
	f, failing := s.failures[key]
	if !failing {
		key = routePrefix(path)
		f, failing = s.failures[key]
	}
	if failing && f.Times > 0 {
		if f.Times == 1 {
			delete(s.failures, key)
		} else {
			s.failures[key] = Failure{Status: f.Status, Detail: f.Detail, Malformed: f.Malformed, Times: f.Times - 1}
		}
	}
	return f, failing
}

// RejectAllTokens answers verify-token with valid=false regardless of the token.
func (s *Server) RejectAllTokens(reject bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rejectAll = reject
}

func (s *Server) SetDelay(d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.delay = d
}

func (s *Server) VerifyCalls() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.verifyCalls
}

func (s *Server) injected(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		delay := s.delay
		if r.URL.Path == backend.PathVerifyToken {
			s.verifyCalls++
		}
		f, failing := s.nextFailure(r.URL.Path)
		s.lock.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if !failing {
			next.ServeHTTP(w, r)
			return
		}
		if f.Malformed {
			status := f.Status
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Content-Type", contentTypeJSON)
			w.WriteHeader(status)
			_, _ = w.Write([]byte("<html>gateway</html>"))
			return
		}
		writeDetail(w, f.Status, f.Detail)
	})
}

// owner verifies token and writes the 401 itself when it cannot.
func (s *Server) owner(w http.ResponseWriter, token string) (*identity.User, bool) {
	user, err := s.verify(token)
	if err != nil || user == nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid or expired token")
		return nil, false
	}
	return user, true
}

func (s *Server) verifyToken(w http.ResponseWriter, r *http.Request) {
	var req backend.TokenRequest
	if !decode(w, r, &req) {
		return
	}

	s.lock.Lock()
	rejectAll := s.rejectAll
	s.lock.Unlock()

	user, err := s.verify(req.Token)
	if rejectAll || err != nil || user == nil {
		writeJSON(w, http.StatusOK, backend.VerifyResponse{Success: false, Valid: false, Error: "Invalid token"})
		return
	}

	s.lock.Lock()
	profile, hasProfile := s.profiles[user.SubjectID]
	s.lock.Unlock()

	resp := backend.VerifyResponse{
		Success:    true,
		Valid:      true,
		HasProfile: hasProfile,
		UserInfo: &backend.UserInfo{
			UID:           user.SubjectID,
			Email:         utils.Value(user.Email),
			EmailVerified: user.EmailVerified,
		},
	}
	if hasProfile {
		resp.Profile = &profile
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req backend.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	user, ok := s.owner(w, req.Token)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Parent.Name) == "" || strings.TrimSpace(req.Child.Name) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "parent and child names are required")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.profiles[user.SubjectID]; exists {
		writeDetail(w, http.StatusBadRequest, "User profile already exists")
		return
	}
	now := s.timestamp()
	profile := backend.Profile{
		UserID:       user.SubjectID,
		Parent:       req.Parent,
		Child:        req.Child,
		SystemPrompt: req.SystemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActive:   now,
	}
	s.profiles[user.SubjectID] = profile
	writeJSON(w, http.StatusOK, backend.ProfileResponse{
		Success: true,
		Message: "User registered successfully",
		UserID:  user.SubjectID,
		Profile: &profile,
	})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := s.owner(w, chi.URLParam(r, "token"))
	if !ok {
		return
	}
	s.lock.Lock()
	profile, exists := s.profiles[user.SubjectID]
	s.lock.Unlock()
	if !exists {
		writeDetail(w, http.StatusNotFound, "User profile not found")
		return
	}
	writeJSON(w, http.StatusOK, backend.ProfileResponse{Success: true, UserID: user.SubjectID, Profile: &profile})
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	user, ok := s.owner(w, req.Token)
	if !ok {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	profile, exists := s.profiles[user.SubjectID]
	if !exists {
		writeDetail(w, http.StatusNotFound, "User profile not found")
		return
	}
	if req.Parent != nil {
		profile.Parent = *req.Parent
	}
	if req.Child != nil {
		profile.Child = *req.Child
	}
	if req.SystemPrompt != nil {
		profile.SystemPrompt = *req.SystemPrompt
	}
	profile.UpdatedAt = s.timestamp()
	s.profiles[user.SubjectID] = profile
	writeJSON(w, http.StatusOK, backend.ProfileResponse{
		Success: true,
		Message: "Profile updated successfully",
		UserID:  user.SubjectID,
		Profile: &profile,
	})
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := s.owner(w, chi.URLParam(r, "token"))
	if !ok {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.profiles[user.SubjectID]; !exists {
		writeDetail(w, http.StatusNotFound, "User profile not found")
		return
	}
	delete(s.profiles, user.SubjectID)
	delete(s.stories, user.SubjectID)
	writeJSON(w, http.StatusOK, backend.MessageResponse{Success: true, Message: "Profile deleted successfully"})
}

func (s *Server) generateStory(w http.ResponseWriter, r *http.Request) {
	var req backend.StoryRequest
	if !decode(w, r, &req) {
		return
	}
	user, ok := s.owner(w, req.Token)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeDetail(w, http.StatusBadRequest, "prompt is required")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	profile, exists := s.profiles[user.SubjectID]
	if !exists {
		writeDetail(w, http.StatusNotFound, "User profile not found")
		return
	}

	storyID := uuid.NewString()
	manifest := backend.StoryManifest{
		StoryID:       storyID,
		Title:         fmt.Sprintf("%s and the %s", profile.Child.Name, req.Prompt),
		TotalDuration: 30,
		Segments: []backend.StorySegment{
			{Type: "image", URL: "/media/" + storyID + "/0.png", Start: 0},
			{Type: "audio", URL: "/media/" + storyID + "/0.mp3", Start: 0},
		},
	}
	s.stories[user.SubjectID] = append(s.stories[user.SubjectID], backend.Story{
		StoryID:   storyID,
		Title:     manifest.Title,
		CreatedAt: s.timestamp(),
		Manifest:  manifest,
	})
	profile.StoryCount++
	profile.LastActive = s.timestamp()
	s.profiles[user.SubjectID] = profile
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) listStories(w http.ResponseWriter, r *http.Request) {
	user, ok := s.owner(w, chi.URLParam(r, "token"))
	if !ok {
		return
	}
	s.lock.Lock()
	stories := append([]backend.Story{}, s.stories[user.SubjectID]...)
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, backend.StoriesResponse{Success: true, Stories: stories})
}

func (s *Server) updateSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req backend.SystemPromptRequest
	if !decode(w, r, &req) {
		return
	}
	user, ok := s.owner(w, req.Token)
	if !ok {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	profile, exists := s.profiles[user.SubjectID]
	if !exists {
		writeDetail(w, http.StatusNotFound, "User profile not found")
		return
	}
	profile.SystemPrompt = req.SystemPrompt
	profile.UpdatedAt = s.timestamp()
	s.profiles[user.SubjectID] = profile
	writeJSON(w, http.StatusOK, backend.MessageResponse{Success: true, Message: "System prompt updated successfully"})
}

func (s *Server) timestamp() string {
	return s.nowFunc().UTC().Format(time.RFC3339)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "malformed request body")
		return false
	}
	return true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
