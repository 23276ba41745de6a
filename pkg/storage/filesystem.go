package storage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalStorage persists rendered artifacts on disk under a base directory.
// Paths handed out are relative and slash separated so they can be stored on entities.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage ensures the base directory exists and returns a handle.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./storage"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Put writes the given bytes to the provided relative path under the base dir.
func (s *LocalStorage) Put(relPath string, data []byte) (string, error) {
	clean, err := cleanRelative(relPath)
	if err != nil {
		return "", err
	}
	full := s.resolve(clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("prepare storage directory: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return clean, nil
}

// Exists reports whether a blob is present.
func (s *LocalStorage) Exists(relPath string) (bool, error) {
	clean, err := cleanRelative(relPath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.resolve(clean))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

// Open returns a read-only handle for the stored file.
func (s *LocalStorage) Open(relPath string) (*os.File, error) {
	clean, err := cleanRelative(relPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(s.resolve(clean))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return file, nil
}

// Read loads a stored blob into memory.
func (s *LocalStorage) Read(relPath string) ([]byte, error) {
	clean, err := cleanRelative(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.resolve(clean))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes a stored file if present.
func (s *LocalStorage) Delete(relPath string) error {
	clean, err := cleanRelative(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(s.resolve(clean)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Path exposes the underlying absolute path (useful for debugging).
func (s *LocalStorage) Path(relPath string) string {
	return s.resolve(relPath)
}

func (s *LocalStorage) resolve(relPath string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(relPath))
}

func cleanRelative(relPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("blob path required")
	}
	clean := path.Clean("/" + filepath.ToSlash(relPath))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid blob path %q", relPath)
	}
	return clean, nil
}
