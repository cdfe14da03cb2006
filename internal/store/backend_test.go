package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingStateStartsEmpty(t *testing.T) {
	s, err := Load(context.Background(), &MemoryBackend{}, DefaultCapacity, quietLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Len() != 0 || s.LastSequence() != 0 || s.Capacity() != DefaultCapacity {
		t.Errorf("Load() = len %d seq %d cap %d, want empty store", s.Len(), s.LastSequence(), s.Capacity())
	}
}

func TestPersistLoadMemory(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{}

	s := mustNew(t, DefaultCapacity)
	s.Save(reading(10))
	s.CommitSequence(7)
	if err := s.Persist(ctx, backend); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	// Mutating the store after Persist must not affect the backend copy.
	s.Save(reading(20))

	restored, err := Load(ctx, backend, DefaultCapacity, quietLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if restored.Len() != 1 || restored.LastSequence() != 7 {
		t.Errorf("restored len %d seq %d, want 1 and 7", restored.Len(), restored.LastSequence())
	}
}

func TestLoadKeepsPersistedCapacity(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{}
	s := mustNew(t, 4*SlotSize)
	s.Persist(ctx, backend)

	restored, err := Load(ctx, backend, DefaultCapacity, quietLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if restored.Capacity() != 4*SlotSize {
		t.Errorf("Capacity() = %d, want %d", restored.Capacity(), 4*SlotSize)
	}
}

func TestLoadCorruptImage(t *testing.T) {
	backend := &MemoryBackend{}
	backend.Store(context.Background(), []byte("not an image at all, clearly"))

	if _, err := Load(context.Background(), backend, DefaultCapacity, quietLogger()); !errors.Is(err, ErrCorruptImage) {
		t.Errorf("Load() error = %v, want ErrCorruptImage", err)
	}
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.bin")
	backend := &FileBackend{Path: path}

	if _, err := backend.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Fatalf("Load() on missing file error = %v, want ErrNoState", err)
	}

	s := mustNew(t, DefaultCapacity)
	s.Save(reading(300))
	s.CommitSequence(42)
	if err := s.Persist(ctx, backend); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	restored, err := Load(ctx, backend, DefaultCapacity, quietLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if restored.LastSequence() != 42 || restored.Len() != 1 {
		t.Errorf("restored seq %d len %d, want 42 and 1", restored.LastSequence(), restored.Len())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("state directory has %d entries, want only the state file", len(entries))
	}
}

func TestFileBackendOverwrite(t *testing.T) {
	ctx := context.Background()
	backend := &FileBackend{Path: filepath.Join(t.TempDir(), "state.bin")}

	backend.Store(ctx, []byte("first image, longer than the second"))
	backend.Store(ctx, []byte("second"))

	got, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Load() = %q, want %q", got, "second")
	}
}
