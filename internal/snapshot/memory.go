package snapshot

import (
	"encoding/json"
	"sync"
)

type InMemoryBackend struct {
	mu   sync.Mutex
	docs map[string]json.RawMessage
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{docs: map[string]json.RawMessage{}}
}

func (b *InMemoryBackend) Load(key string) (json.RawMessage, bool, error) {
	if b == nil {
		return nil, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[key]
	if !ok {
		return nil, false, nil
	}
	return cloneDoc(doc), true, nil
}

func (b *InMemoryBackend) Save(key string, doc json.RawMessage) error {
	if b == nil {
		return nil
	}
	if err := validateSave(key, doc); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[key] = cloneDoc(doc)
	return nil
}

func (b *InMemoryBackend) Close() error { return nil }
