package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-storyteller-client/kvstore"
	"github.com/pkg/errors"
)

const defaultFileName = "storage.json"

var _ kvstore.Store = (*FileStore)(nil)

// FileStore persists all keys in one JSON document inside the data folder.
// Writes go to a temp file first and are renamed into place.
type FileStore struct {
	path string
	lock sync.Mutex
}

func New(folder string) (*FileStore, error) {
	if err := os.MkdirAll(folder, 0o700); err != nil {
		return nil, errors.Wrap(err, "[filestore.New] MkdirAll")
	}
	return &FileStore{path: filepath.Join(folder, defaultFileName)}, nil
}

func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	values, err := fs.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (fs *FileStore) Set(_ context.Context, values map[string]string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	current, err := fs.read()
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	return fs.write(current)
}

func (fs *FileStore) Delete(_ context.Context, keys ...string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	current, err := fs.read()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(current, k)
	}
	return fs.write(current)
}

func (fs *FileStore) read() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.read] ReadFile")
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(err, "[FileStore.read] Unmarshal")
	}
	return values, nil
}

func (fs *FileStore) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[FileStore.write] Marshal")
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "[FileStore.write] WriteFile")
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return errors.Wrap(err, "[FileStore.write] Rename")
	}
	return nil
}
