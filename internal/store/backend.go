package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Backend persists the state image across sleep cycles.
type Backend interface {
	// Load returns the last stored image, or ErrNoState if there is none.
	Load(ctx context.Context) ([]byte, error)
	// Store replaces the stored image.
	Store(ctx context.Context, image []byte) error
}

// Load restores a store from backend. A missing image yields an empty store
// of the given capacity. A corrupt image is reported as ErrCorruptImage.
func Load(ctx context.Context, backend Backend, capacity int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	data, err := backend.Load(ctx)
	if errors.Is(err, ErrNoState) {
		s, err := New(capacity)
		if err != nil {
			return nil, err
		}
		s.SetLogger(log)
		log.Info("no persisted state, starting empty", "capacity", capacity)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}

	s := &Store{log: log}
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if len(s.buf) != capacity {
		log.Warn("persisted capacity differs from configuration, keeping persisted",
			"persisted", len(s.buf), "configured", capacity)
	}
	log.Debug("state loaded", "readings", s.Len(), "last_sequence", s.LastSequence())
	return s, nil
}

// Persist writes the store's image to backend.
func (s *Store) Persist(ctx context.Context, backend Backend) error {
	image, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	if err := backend.Store(ctx, image); err != nil {
		return fmt.Errorf("store: persist: %w", err)
	}
	return nil
}

// MemoryBackend keeps the image in process memory, standing in for
// retained RAM.
type MemoryBackend struct {
	mu    sync.Mutex
	image []byte
}

func (m *MemoryBackend) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.image == nil {
		return nil, ErrNoState
	}
	return append([]byte(nil), m.image...), nil
}

func (m *MemoryBackend) Store(_ context.Context, image []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.image = append([]byte(nil), image...)
	return nil
}

// FileBackend keeps the image in a file, replaced atomically on every store.
type FileBackend struct {
	Path string
}

func (f *FileBackend) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FileBackend) Store(_ context.Context, image []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	return nil
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*FileBackend)(nil)
)
