package credential

import (
	"context"
	"strconv"
	"time"

	"github.com/jrsteele09/go-storyteller-client/kvstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Persisted keys. Onboarding status is deliberately absent: it is always re-derived from the backend.
const (
	TokenKey  = "authToken"
	ExpiryKey = "tokenExpiry"
)

// Cache reads and writes the persisted credential record.
type Cache struct {
	store kvstore.Store
}

func NewCache(store kvstore.Store) *Cache {
	return &Cache{store: store}
}

// Load returns the persisted credential, or nil when there is none.
// A half written or malformed record is removed and reported as absent.
// Expired records are returned as-is; the caller decides whether to refresh.
func (c *Cache) Load(ctx context.Context) (*Credential, error) {
	token, hasToken, err := c.store.Get(ctx, TokenKey)
	if err != nil {
		return nil, errors.Wrap(err, "[Cache.Load] token")
	}
	rawExpiry, hasExpiry, err := c.store.Get(ctx, ExpiryKey)
	if err != nil {
		return nil, errors.Wrap(err, "[Cache.Load] expiry")
	}

	if !hasToken && !hasExpiry {
		return nil, nil
	}

	millis, parseErr := strconv.ParseInt(rawExpiry, 10, 64)
	if !hasToken || !hasExpiry || token == "" || parseErr != nil {
		log.Warn().Bool("hasToken", hasToken).Bool("hasExpiry", hasExpiry).Msg("discarding malformed cached credential")
		if err := c.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Credential{Token: token, ExpiresAt: time.UnixMilli(millis)}, nil
}

// Save persists cred, replacing any previous record.
func (c *Cache) Save(ctx context.Context, cred Credential) error {
	if cred.IsZero() || cred.ExpiresAt.IsZero() {
		return errors.New("[Cache.Save] credential needs a token and an expiry")
	}
	err := c.store.Set(ctx, map[string]string{
		TokenKey:  cred.Token,
		ExpiryKey: strconv.FormatInt(cred.ExpiresAt.UnixMilli(), 10),
	})
	return errors.Wrap(err, "[Cache.Save] Set")
}

// Clear removes the persisted record.
func (c *Cache) Clear(ctx context.Context) error {
	return errors.Wrap(c.store.Delete(ctx, TokenKey, ExpiryKey), "[Cache.Clear] Delete")
}
