package main

import (
	"context"
	"net/http/httptest"
	"time"

	"github.com/jrsteele09/go-storyteller-client/auth"
	"github.com/jrsteele09/go-storyteller-client/backend"
	"github.com/jrsteele09/go-storyteller-client/backend/backendfake"
	"github.com/jrsteele09/go-storyteller-client/credential"
	"github.com/jrsteele09/go-storyteller-client/identity"
	"github.com/jrsteele09/go-storyteller-client/identity/identityfake"
	"github.com/jrsteele09/go-storyteller-client/identity/oidcidp"
	"github.com/jrsteele09/go-storyteller-client/internal/config"
	"github.com/jrsteele09/go-storyteller-client/internal/metrics"
	"github.com/jrsteele09/go-storyteller-client/kvstore"
	"github.com/jrsteele09/go-storyteller-client/kvstore/filestore"
	"github.com/jrsteele09/go-storyteller-client/kvstore/memstore"
	"github.com/jrsteele09/go-storyteller-client/onboarding"
	"github.com/jrsteele09/go-storyteller-client/profile"
	"github.com/jrsteele09/go-storyteller-client/session"
	"github.com/jrsteele09/go-storyteller-client/stories"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Offline mode account. Offline state lives only as long as the process.
const (
	demoEmail    = "demo@storyteller.local"
	demoPassword = "Storyteller1"
)

type app struct {
	cfg      config.Config
	registry *prometheus.Registry
	store    *session.Store
	auth     *auth.Service
	backend  *backend.Client
	profile  *profile.Service
	stories  *stories.Service
	closers  []func()
}

func newApp(cfg config.Config, offline bool) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	recorder := metrics.NewCollector(a.registry)

	var (
		provider identity.Provider
		kv       kvstore.Store
	)
	if offline {
		fake := identityfake.New()
		if _, err := fake.AddAccount(demoEmail, demoPassword); err != nil {
			return nil, errors.Wrap(err, "[newApp] seed offline account")
		}
		server := httptest.NewServer(backendfake.New(fake.Verify))
		a.closers = append(a.closers, server.Close)
		a.backend = backend.New(offlineBackend{url: server.URL, timeout: cfg.GetBackendTimeout()})
		provider = fake
		kv = memstore.New()
		log.Info().Str("email", demoEmail).Str("password", demoPassword).Msg("offline mode, in-memory identity provider and backend")
	} else {
		fs, err := filestore.New(cfg.GetDataFolder())
		if err != nil {
			return nil, err
		}
		log.Debug().Str("path", fs.Path()).Msg("persisting session data")
		kv = fs
		provider = oidcidp.New(cfg, oidcidp.WithSessionStore(fs))
		a.backend = backend.New(cfg)
	}

	a.store = session.NewStore(session.WithRecorder(recorder))
	svc, err := auth.NewService(auth.Deps{
		Provider: provider,
		Resolver: onboarding.NewResolver(a.backend, onboarding.WithTimeout(cfg.GetBackendTimeout()), onboarding.WithRecorder(recorder)),
		Cache:    credential.NewCache(kv),
		Store:    a.store,
	},
		auth.WithRecorder(recorder),
		auth.WithOperationTimeout(cfg.GetOperationTimeout()),
		auth.WithCredentialTTL(cfg.GetDefaultCredentialTTL()),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.auth = svc
	a.closers = append([]func(){svc.Dispose}, a.closers...)
	a.profile = profile.New(svc, a.backend)
	a.stories = stories.New(svc, a.backend)
	return a, nil
}

// Start initializes the session and waits for the first resolution to settle.
func (a *app) Start(ctx context.Context) (session.Session, error) {
	if err := a.auth.Initialize(ctx); err != nil {
		return a.store.Snapshot(), err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.GetOperationTimeout()+a.cfg.GetBackendTimeout())
	defer cancel()
	return a.store.Await(ctx, func(s session.Session) bool {
		return s.Initialized && !s.Loading
	})
}

func (a *app) Close() {
	for _, closeFn := range a.closers {
		closeFn()
	}
	a.closers = nil
}

type offlineBackend struct {
	url     string
	timeout time.Duration
}

func (b offlineBackend) GetBackendBaseURL() string        { return b.url }
func (b offlineBackend) GetBackendTimeout() time.Duration { return b.timeout }
