package backend

type Parent struct {
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	PhoneNumber *string `json:"phone_number,omitempty"`
}

type Child struct {
	Name      string   `json:"name"`
	Age       int      `json:"age"`
	Interests []string `json:"interests"`
}

// Profile is the onboarding profile owned by the backend. Its existence is what makes a session complete.
type Profile struct {
	UserID       string `json:"user_id"`
	Parent       Parent `json:"parent"`
	Child        Child  `json:"child"`
	SystemPrompt string `json:"system_prompt"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
	StoryCount   int    `json:"story_count"`
	LastActive   string `json:"last_active,omitempty"`
}

type UserInfo struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

type VerifyResponse struct {
	Success    bool      `json:"success"`
	Valid      bool      `json:"valid"`
	HasProfile bool      `json:"has_profile"`
	UserInfo   *UserInfo `json:"user_info,omitempty"`
	Profile    *Profile  `json:"profile,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Registration is the body of POST /auth/register without the token, which the client adds.
type Registration struct {
	Parent       Parent `json:"parent"`
	Child        Child  `json:"child"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// ProfileUpdate carries only the sections being changed.
type ProfileUpdate struct {
	Parent       *Parent `json:"parent,omitempty"`
	Child        *Child  `json:"child,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

type ProfileResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	UserID  string   `json:"user_id"`
	Profile *Profile `json:"profile,omitempty"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type StorySegment struct {
	Type  string  `json:"type"`
	URL   string  `json:"url"`
	Start float64 `json:"start"`
}

type StoryManifest struct {
	StoryID       string         `json:"story_id"`
	Title         string         `json:"title"`
	TotalDuration float64        `json:"total_duration"`
	Segments      []StorySegment `json:"segments"`
}

type Story struct {
	StoryID   string        `json:"story_id"`
	Title     string        `json:"title"`
	CreatedAt string        `json:"created_at"`
	Manifest  StoryManifest `json:"manifest"`
}

type StoriesResponse struct {
	Success bool    `json:"success"`
	Stories []Story `json:"stories"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Request bodies as they go over the wire. The backend still names the bearer credential firebase_token.
type (
	TokenRequest struct {
		Token string `json:"firebase_token"`
	}
	RegisterRequest struct {
		Token string `json:"firebase_token"`
		Registration
	}
	UpdateRequest struct {
		Token string `json:"firebase_token"`
		ProfileUpdate
	}
	StoryRequest struct {
		Token  string `json:"firebase_token"`
		Prompt string `json:"prompt"`
	}
	SystemPromptRequest struct {
		Token        string `json:"firebase_token"`
		SystemPrompt string `json:"system_prompt"`
	}
)
