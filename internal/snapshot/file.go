package snapshot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONFileBackend keeps every stream's document in one JSON object on disk.
// Writes go through a temp file and a rename.
type JSONFileBackend struct {
	Path string

	mu sync.Mutex
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(key string) (json.RawMessage, bool, error) {
	if b == nil || b.Path == "" {
		return nil, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	docs, err := b.readLocked()
	if err != nil {
		return nil, false, err
	}
	doc, ok := docs[key]
	return doc, ok, nil
}

func (b *JSONFileBackend) Save(key string, doc json.RawMessage) error {
	if b == nil || b.Path == "" {
		return nil
	}
	if err := validateSave(key, doc); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	docs, err := b.readLocked()
	if err != nil {
		return err
	}
	docs[key] = cloneDoc(doc)
	data, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *JSONFileBackend) Close() error { return nil }

func (b *JSONFileBackend) readLocked() (map[string]json.RawMessage, error) {
	docs := map[string]json.RawMessage{}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return docs, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return docs, nil
	}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
