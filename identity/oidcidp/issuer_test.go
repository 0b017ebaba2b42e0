package oidcidp_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testClientID = "storyteller-test"
	testKeyID    = "test-key"
)

// fakeIssuer is a minimal OpenID provider: discovery, JWKS, password and refresh grants,
// sign-up and revocation.
type fakeIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	lock       sync.Mutex
	accounts   map[string]string
	refresh    map[string]string
	revoked    []string
	tokenCalls int
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIssuer{
		key:      key,
		accounts: map[string]string{},
		refresh:  map[string]string{},
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", f.discovery)
	r.Get("/jwks", f.jwks)
	r.Post("/token", f.token)
	r.Post("/signup", f.signUp)
	r.Post("/revoke", f.revoke)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIssuer) addAccount(email, password string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.accounts[email] = password
}

// revokeAll invalidates every outstanding refresh token.
func (f *fakeIssuer) revokeAll() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.refresh = map[string]string{}
}

func (f *fakeIssuer) revokedTokens() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.revoked...)
}

func (f *fakeIssuer) calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.tokenCalls
}

func (f *fakeIssuer) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                f.server.URL,
		"authorization_endpoint":                f.server.URL + "/authorize",
		"token_endpoint":                        f.server.URL + "/token",
		"jwks_uri":                              f.server.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *fakeIssuer) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(f.key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(f.key.E)).Bytes()),
		}},
	})
}

func (f *fakeIssuer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	f.lock.Lock()
	f.tokenCalls++
	var email string
	switch r.PostForm.Get("grant_type") {
	case "password":
		username := r.PostForm.Get("username")
		password, ok := f.accounts[username]
		if ok && password == r.PostForm.Get("password") {
			email = username
		}
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		email = f.refresh[rt]
		delete(f.refresh, rt)
	}
	if email == "" {
		f.lock.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "credentials not accepted",
		})
		return
	}
	rt := uuid.NewString()
	f.refresh[rt] = email
	f.lock.Unlock()

	idToken, err := f.idToken(email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": rt,
		"id_token":      idToken,
	})
}

func (f *fakeIssuer) idToken(email string) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            f.server.URL,
		"aud":            testClientID,
		"sub":            "sub-" + email,
		"email":          email,
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"jti":            uuid.NewString(),
	})
	tok.Header["kid"] = testKeyID
	return tok.SignedString(f.key)
}

func (f *fakeIssuer) signUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, exists := f.accounts[body.Email]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "account_exists", "error_description": "email in use"})
		return
	}
	f.accounts[body.Email] = body.Password
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeIssuer) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	rt := r.PostForm.Get("token")
	f.revoked = append(f.revoked, rt)
	delete(f.refresh, rt)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type testConfig struct {
	issuer string
}

func (c testConfig) GetIssuerURL() string     { return c.issuer }
func (c testConfig) GetClientID() string      { return testClientID }
func (c testConfig) GetClientSecret() string  { return "" }
func (c testConfig) GetSignUpURL() string     { return c.issuer + "/signup" }
func (c testConfig) GetRevocationURL() string { return c.issuer + "/revoke" }
func (c testConfig) GetScopes() []string      { return []string{"openid", "email"} }
func (c testConfig) GetSignInsPerMinute() int { return 100 }
