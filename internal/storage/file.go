package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists each record as one JSON file under baseDir, mirroring the
// record layout on disk: credentials/<name>.json and backends/<name>.json.
// The TTL cache is not supported; callers fall back to an in-memory slot.
type FileStore struct {
	baseDir string

	mu          sync.RWMutex
	credentials map[string]map[string]interface{}
	backends    map[string]map[string]interface{}
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{
		baseDir:     baseDir,
		credentials: make(map[string]map[string]interface{}),
		backends:    make(map[string]map[string]interface{}),
	}
}

func (f *FileStore) Initialize(ctx context.Context) error {
	for _, dir := range []string{
		filepath.Join(f.baseDir, "credentials"),
		filepath.Join(f.baseDir, "backends"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := f.loadDir("credentials", f.credentials); err != nil {
		return err
	}
	return f.loadDir("backends", f.backends)
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) Health(ctx context.Context) error {
	_, err := os.Stat(f.baseDir)
	return err
}

func (f *FileStore) GetCredential(ctx context.Context, name string) (map[string]interface{}, error) {
	return f.get(f.credentials, name)
}

func (f *FileStore) SetCredential(ctx context.Context, name string, data map[string]interface{}) error {
	return f.set("credentials", f.credentials, name, data)
}

func (f *FileStore) DeleteCredential(ctx context.Context, name string) error {
	return f.delete("credentials", f.credentials, name)
}

func (f *FileStore) ListCredentials(ctx context.Context) ([]string, error) {
	return f.list(f.credentials), nil
}

func (f *FileStore) GetBackend(ctx context.Context, name string) (map[string]interface{}, error) {
	return f.get(f.backends, name)
}

func (f *FileStore) SetBackend(ctx context.Context, name string, data map[string]interface{}) error {
	return f.set("backends", f.backends, name, data)
}

func (f *FileStore) DeleteBackend(ctx context.Context, name string) error {
	return f.delete("backends", f.backends, name)
}

func (f *FileStore) ListBackends(ctx context.Context) ([]string, error) {
	return f.list(f.backends), nil
}

// Cache operations are not supported on the file store.
func (f *FileStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	return nil, &ErrNotSupported{Operation: "GetCache"}
}

func (f *FileStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return &ErrNotSupported{Operation: "SetCache"}
}

func (f *FileStore) DeleteCache(ctx context.Context, key string) error {
	return &ErrNotSupported{Operation: "DeleteCache"}
}

func (f *FileStore) get(records map[string]map[string]interface{}, name string) (map[string]interface{}, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := records[name]
	if !ok {
		return nil, &ErrNotFound{Key: name}
	}
	return copyMap(data), nil
}

func (f *FileStore) set(kind string, records map[string]map[string]interface{}, name string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records[name] = copyMap(data)
	return f.save(kind, name, data)
}

func (f *FileStore) delete(kind string, records map[string]map[string]interface{}, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(records, name)
	path := f.recordPath(kind, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileStore) list(records map[string]map[string]interface{}) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	return names
}

func (f *FileStore) save(kind, name string, data map[string]interface{}) error {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, name, err)
	}
	path := f.recordPath(kind, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) loadDir(kind string, into map[string]map[string]interface{}) error {
	dir := filepath.Join(f.baseDir, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		var data map[string]interface{}
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("decode %s/%s: %w", kind, entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		// First occurrence wins if a record was somehow duplicated on disk.
		if _, exists := into[name]; !exists {
			into[name] = data
		}
	}
	return nil
}

func (f *FileStore) recordPath(kind, name string) string {
	// Record names become file names; keep them from escaping the data dir.
	safe := strings.ReplaceAll(strings.ReplaceAll(name, "/", "_"), "..", "_")
	return filepath.Join(f.baseDir, kind, safe+".json")
}
