// Package local implements a filesystem archive for sitemap snapshots.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local snapshot archive.
type Config struct {
	// BaseDir is the archive root. It is created when missing.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes content-addressed snapshots below a root directory.
type BlobStore struct {
	root string
}

// New prepares the archive root and confirms it accepts writes.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("snapshot base directory is required")
	}
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(root, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot root: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat snapshot root: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("snapshot root %s is not a directory", root)
	}

	tmp, err := os.CreateTemp(root, ".writecheck-*")
	if err != nil {
		return nil, fmt.Errorf("snapshot root is not writable: %w", err)
	}
	_ = tmp.Close()
	if err := os.Remove(tmp.Name()); err != nil {
		return nil, fmt.Errorf("remove write check file: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// PutObject stores data at key and returns a file:// URI. Keys are content
// addressed, so an existing file is left untouched. Writes go through a temp
// file and rename so readers never observe a partial snapshot.
func (s *BlobStore) PutObject(_ context.Context, key string, _ string, data []byte) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	uri := "file://" + full
	if _, err := os.Stat(full); err == nil {
		return uri, nil
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	return uri, nil
}

// ReadObject returns the snapshot stored at key.
func (s *BlobStore) ReadObject(key string) ([]byte, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- full is confined to the archive root by resolve.
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// resolve maps key to a path inside the root, rejecting escapes.
func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("snapshot key is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("snapshot key %q escapes the archive root", key)
	}
	return full, nil
}
