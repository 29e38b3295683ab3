// Package storage provides JSON document storage on an afero filesystem and
// the repository the server uses for resources, messages and file-change
// proposals.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage provides JSON document storage keyed by path segments.
type Storage struct {
	fs       afero.Fs
	basePath string
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
}

// New creates a Storage rooted at basePath on the OS filesystem.
func New(basePath string) *Storage {
	return NewWithFs(afero.NewOsFs(), basePath)
}

// NewMemory creates a Storage backed by an in-memory filesystem.
func NewMemory() *Storage {
	return NewWithFs(afero.NewMemMapFs(), "/")
}

// NewWithFs creates a Storage rooted at basePath on fs.
func NewWithFs(fs afero.Fs, basePath string) *Storage {
	return &Storage{
		fs:       fs,
		basePath: basePath,
		locks:    make(map[string]*sync.Mutex),
	}
}

// checkKey rejects segments that would resolve outside their collection.
func checkKey(path []string) error {
	for _, seg := range path {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\\x00") {
			return fmt.Errorf("%w: key segment %q", ErrInvalid, seg)
		}
	}
	return nil
}

// pathToFile converts a path slice to a file path.
func (s *Storage) pathToFile(path []string) (string, error) {
	dir, err := s.pathToDir(path)
	if err != nil {
		return "", err
	}
	return dir + ".json", nil
}

// pathToDir converts a path slice to a directory path.
func (s *Storage) pathToDir(path []string) (string, error) {
	if err := checkKey(path); err != nil {
		return "", err
	}
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...), nil
}

// Get reads the document at path into v.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.pathToFile(path)
	if err != nil {
		return err
	}

	data, err := afero.ReadFile(s.fs, filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Put writes v at path, replacing the previous document atomically.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.pathToFile(path)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	// Write to temp file first, then rename
	tmpPath := filePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, filePath); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes the document at path. Deleting a missing document is not an error.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	filePath, err := s.pathToFile(path)
	if err != nil {
		return err
	}

	lock := s.getLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	if err := s.fs.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns the keys of documents and sub-collections under path, sorted.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	dirPath, err := s.pathToDir(path)
	if err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(s.fs, dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	items := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(items)
	return items, nil
}

// Scan calls fn for every document directly under path in key order.
// Unreadable documents are skipped.
func (s *Storage) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	dirPath, err := s.pathToDir(path)
	if err != nil {
		return err
	}

	entries, err := afero.ReadDir(s.fs, dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := afero.ReadFile(s.fs, filepath.Join(dirPath, name))
		if err != nil {
			continue
		}
		if err := fn(strings.TrimSuffix(name, ".json"), json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether a document exists at path.
func (s *Storage) Exists(ctx context.Context, path []string) bool {
	filePath, err := s.pathToFile(path)
	if err != nil {
		return false
	}
	_, err = s.fs.Stat(filePath)
	return err == nil
}

// getLock returns the write lock for a file path.
func (s *Storage) getLock(filePath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[filePath] = lock
	}
	return lock
}
