package memstore

import (
	"context"

	"github.com/jrsteele09/go-storyteller-client/kvstore"
	"github.com/patrickmn/go-cache"
)

var _ kvstore.Store = (*MemStore)(nil)

// MemStore keeps values for the lifetime of the process only.
type MemStore struct {
	cache *cache.Cache
}

func New() *MemStore {
	return &MemStore{cache: cache.New(cache.NoExpiration, 0)}
}

func (m *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *MemStore) Set(_ context.Context, values map[string]string) error {
	for k, v := range values {
		m.cache.Set(k, v, cache.NoExpiration)
	}
	return nil
}

func (m *MemStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.cache.Delete(k)
	}
	return nil
}

// Len reports how many keys are stored.
func (m *MemStore) Len() int {
	return m.cache.ItemCount()
}
