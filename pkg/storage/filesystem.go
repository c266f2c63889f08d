package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/d-kuro/lmsclient/pkg/constants"
)

// FileSystemStore implements Store as a single JSON object file.
// Every mutation rewrites the file atomically; reads are served from memory.
type FileSystemStore struct {
	baseDir string
	quota   int64

	mu    sync.RWMutex
	items map[string]string
	used  int64
}

// NewFileSystemStore creates a new filesystem-based store.
// If baseDir is empty, it will use the default directory (~/.lmsclient).
func NewFileSystemStore(baseDir string, quota int64) (*FileSystemStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = getDefaultStorageDir()
		if err != nil {
			return nil, err
		}
	}

	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}

	fs := &FileSystemStore{
		baseDir: baseDir,
		quota:   quota,
	}

	items, err := loadItemsFromFile(fs.filePath())
	if err != nil {
		return nil, err
	}
	fs.items = items
	for k, v := range items {
		fs.used += entrySize(k, v)
	}

	return fs, nil
}

// MustNewFileSystemStore creates a new file system store and panics if an error occurs.
func MustNewFileSystemStore(baseDir string, quota int64) *FileSystemStore {
	store, err := NewFileSystemStore(baseDir, quota)
	if err != nil {
		panic(err)
	}
	return store
}

// GetItem implements Store.GetItem.
func (fs *FileSystemStore) GetItem(_ context.Context, key string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	v, ok := fs.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetItem implements Store.SetItem.
func (fs *FileSystemStore) SetItem(_ context.Context, key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	old, existed := fs.items[key]
	used := fs.used + entrySize(key, value)
	if existed {
		used -= entrySize(key, old)
	}
	if fs.quota > 0 && used > fs.quota {
		return fmt.Errorf("set %q (%d of %d bytes): %w", key, used, fs.quota, ErrQuotaExceeded)
	}

	fs.items[key] = value
	if err := storeItemsToFile(fs.filePath(), fs.items); err != nil {
		if existed {
			fs.items[key] = old
		} else {
			delete(fs.items, key)
		}
		return err
	}
	fs.used = used
	return nil
}

// RemoveItem implements Store.RemoveItem.
func (fs *FileSystemStore) RemoveItem(_ context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	old, ok := fs.items[key]
	if !ok {
		return nil
	}

	delete(fs.items, key)
	if err := storeItemsToFile(fs.filePath(), fs.items); err != nil {
		fs.items[key] = old
		return err
	}
	fs.used -= entrySize(key, old)
	return nil
}

// Keys implements Store.Keys.
func (fs *FileSystemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	keys := make([]string, 0, len(fs.items))
	for k := range fs.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// GetStoragePath implements Describer.
func (fs *FileSystemStore) GetStoragePath() string {
	return fs.baseDir
}

func (fs *FileSystemStore) filePath() string {
	return filepath.Join(fs.baseDir, constants.StorageFileName)
}

// getDefaultStorageDir returns the default directory for the store file.
func getDefaultStorageDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, constants.DefaultStorageDir), nil
}

// ensureDir creates the directory if it doesn't exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// loadItemsFromFile reads the store file. A missing file is an empty store.
func loadItemsFromFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("failed to read store file at %s: %w", path, ErrPermission)
		}
		return nil, fmt.Errorf("failed to read store file at %s: %w", path, err)
	}

	items := make(map[string]string)
	if len(data) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse store file at %s: %w", path, ErrCorrupted)
	}
	return items, nil
}

// storeItemsToFile writes the store file through a temp file and rename.
func storeItemsToFile(path string, items map[string]string) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.FilePermissions); err != nil {
		return fmt.Errorf("failed to write store file at %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace store file at %s: %w", path, err)
	}
	return nil
}
