package mapstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/placement"
	"github.com/pkg/errors"
)

// Store keeps the latest committed deployment. Load reports false if nothing
// has been saved yet.
type Store interface {
	Load(ctx context.Context) (placement.Deployment, bool, error)
	Save(ctx context.Context, d placement.Deployment) error
	Close()
}

type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(ctx context.Context) (placement.Deployment, bool, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s", f.path)
	}
	d, err := Decode(data)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "decode %s", f.path)
	}
	return d, true, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target, so a reader never sees a partial document.
func (f *FileStore) Save(ctx context.Context, d placement.Deployment) error {
	data, err := Encode(d)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrapf(err, "rename to %s", f.path)
	}
	logging.Info("[mapstore] saved %d layers to %s", len(d), f.path)
	return nil
}

func (f *FileStore) Close() {}

type MemStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Load(ctx context.Context) (placement.Deployment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, false, nil
	}
	d, err := Decode(m.data)
	return d, err == nil, err
}

func (m *MemStore) Save(ctx context.Context, d placement.Deployment) error {
	data, err := Encode(d)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.saves++
	return nil
}

func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemStore) Close() {}
