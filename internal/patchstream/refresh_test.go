package patchstream

import "testing"

func TestRefreshRegistryInvalidateIsMonotonic(t *testing.T) {
	registry := NewRefreshRegistry()
	key := RefreshKey{Kind: KindDiff, ID: "att_1"}
	other := RefreshKey{Kind: KindDiff, ID: "att_2"}
	if registry.Nonce(key) != 0 {
		t.Fatalf("expected zero initial nonce")
	}
	for want := uint64(1); want <= 3; want++ {
		if got := registry.Invalidate(key); got != want {
			t.Fatalf("expected nonce %d, got %d", want, got)
		}
	}
	if registry.Nonce(key) != 3 {
		t.Fatalf("expected nonce 3, got %d", registry.Nonce(key))
	}
	if registry.Nonce(other) != 0 {
		t.Fatalf("expected unrelated key untouched, got %d", registry.Nonce(other))
	}
}

func TestRefreshRegistryObservers(t *testing.T) {
	registry := NewRefreshRegistry()
	key := RefreshKey{Kind: KindDiff, ID: "att_1"}
	var seen []uint64
	cancel := registry.Subscribe(func(k RefreshKey, nonce uint64) {
		if k != key {
			t.Fatalf("unexpected key %s", k)
		}
		seen = append(seen, nonce)
	})
	registry.Invalidate(key)
	registry.Invalidate(key)
	cancel()
	cancel()
	registry.Invalidate(key)
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected nonces [1 2], got %v", seen)
	}
}

func TestNilRefreshRegistry(t *testing.T) {
	var registry *RefreshRegistry
	if registry.Nonce(RefreshKey{Kind: KindWorkspaces}) != 0 {
		t.Fatalf("expected nil registry to report zero")
	}
	if registry.Invalidate(RefreshKey{Kind: KindWorkspaces}) != 0 {
		t.Fatalf("expected nil registry invalidate to be a no-op")
	}
	registry.Subscribe(func(RefreshKey, uint64) {})()
}
