package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/device-agent/interfaces"
)

// FileBackend implements a storage backend using the local file system.
// Each namespace is a directory under baseDir and each key a file in it.
type FileBackend struct {
	baseDir string
	log     *slog.Logger
}

var _ interfaces.AtomicKVBackend = (*FileBackend)(nil)

// NewFileBackend creates a new file storage backend using the specified base directory.
// Leftovers of an interrupted namespace swap are removed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	b := &FileBackend{
		baseDir: baseDir,
		log:     log,
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") || strings.HasSuffix(entry.Name(), ".old") {
			if err := os.RemoveAll(filepath.Join(baseDir, entry.Name())); err != nil {
				return nil, fmt.Errorf("failed to remove stale %s: %w", entry.Name(), err)
			}
			log.Debug("Removed stale namespace directory", slog.String("name", entry.Name()))
		}
	}

	return b, nil
}

// Get reads a key. Returns ErrNotFound if the file doesn't exist.
func (b *FileBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	path, err := b.keyPath(namespace, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched key from file",
		slog.String("path", path),
		slog.Int("size", len(data)))

	return data, nil
}

// Set writes a key through a temporary file and rename.
func (b *FileBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	path, err := b.keyPath(namespace, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := WriteFileAtomic(path, value, 0600); err != nil {
		return err
	}

	b.log.Debug("Stored key in file", slog.String("path", path))
	return nil
}

// Delete removes a key file. Missing files are ignored.
func (b *FileBackend) Delete(ctx context.Context, namespace, key string) error {
	path, err := b.keyPath(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// ReplaceNamespace writes the new contents into a fresh directory and swaps it in.
// A crash between the two renames leaves the namespace absent, never mixed.
func (b *FileBackend) ReplaceNamespace(ctx context.Context, namespace string, values map[string][]byte) error {
	nsDir, err := b.namespacePath(namespace)
	if err != nil {
		return err
	}

	tmpDir := fmt.Sprintf("%s.tmp-%s", nsDir, uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	for key, value := range values {
		if err := validName(key); err != nil {
			return err
		}
		if err := WriteFileAtomic(filepath.Join(tmpDir, key), value, 0600); err != nil {
			return err
		}
	}

	oldDir := nsDir + ".old"
	if err := os.Rename(nsDir, oldDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to move current namespace aside: %w", err)
	}

	if err := os.Rename(tmpDir, nsDir); err != nil {
		if restoreErr := os.Rename(oldDir, nsDir); restoreErr != nil && !errors.Is(restoreErr, os.ErrNotExist) {
			b.log.Error("Failed to restore namespace", "namespace", namespace, "err", restoreErr)
		}
		return fmt.Errorf("failed to install namespace: %w", err)
	}

	if err := os.RemoveAll(oldDir); err != nil {
		b.log.Warn("Failed to remove previous namespace", "namespace", namespace, "err", err)
	}
	// The new namespace is already in place.
	if err := syncDir(b.baseDir); err != nil {
		b.log.Warn("Failed to sync base directory", "namespace", namespace, "err", err)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) namespacePath(namespace string) (string, error) {
	if err := validName(namespace); err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, namespace), nil
}

func (b *FileBackend) keyPath(namespace, key string) (string, error) {
	nsDir, err := b.namespacePath(namespace)
	if err != nil {
		return "", err
	}
	if err := validName(key); err != nil {
		return "", err
	}
	return filepath.Join(nsDir, key), nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid storage name %q", name)
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file next to path, syncs it and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return fmt.Errorf("failed to chmod file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
