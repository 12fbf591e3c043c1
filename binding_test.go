package main

import (
	"path/filepath"
	"testing"
)

func TestBindingStoreAddContainsRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadBindingStore(filepath.Join(dir, "bindings.xml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	id := Identity{VendorID: 0x1234, ProductID: 0x5678, Serial: "ABC123"}

	if store.Contains(id) {
		t.Fatal("should not contain id before Add")
	}

	added, err := store.Add(id)
	if err != nil || !added {
		t.Fatalf("Add: added=%v err=%v", added, err)
	}

	if !store.Contains(id) {
		t.Fatal("should contain id after Add")
	}

	// Re-loading from disk must see the same binding
	reloaded, err := LoadBindingStore(filepath.Join(dir, "bindings.xml"))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Contains(id) {
		t.Fatal("reloaded store should contain id")
	}

	removed, err := store.Remove(id)
	if err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	if store.Contains(id) {
		t.Fatal("should not contain id after Remove")
	}
}

func TestBindingStoreKeyedOnIdentityNotBusID(t *testing.T) {
	// Two distinct physical ports, same device identity: the store
	// must treat re-plugging as the same binding, since it never
	// stores a busid.
	dir := t.TempDir()
	store, _ := LoadBindingStore(filepath.Join(dir, "bindings.xml"))

	id := Identity{VendorID: 0x0483, ProductID: 0x5740, Serial: "SN1"}
	store.Add(id)

	// Nothing in Binding or BindingStore references a busid/DevPath
	// at all; Contains keyed purely on Identity still finds it
	// regardless of which port the device is plugged into.
	if !store.Contains(id) {
		t.Fatal("binding lookup must be independent of port/busid")
	}
}

func TestBindingStoreDoubleAddIsNoop(t *testing.T) {
	dir := t.TempDir()
	store, _ := LoadBindingStore(filepath.Join(dir, "bindings.xml"))
	id := Identity{VendorID: 1, ProductID: 2}

	store.Add(id)
	added, err := store.Add(id)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if added {
		t.Fatal("second Add should report false")
	}
	if len(store.List()) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(store.List()))
	}
}

func TestBindingStoreClear(t *testing.T) {
	dir := t.TempDir()
	store, _ := LoadBindingStore(filepath.Join(dir, "bindings.xml"))
	store.Add(Identity{VendorID: 1, ProductID: 1})
	store.Add(Identity{VendorID: 2, ProductID: 2})

	n, err := store.Clear()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if len(store.List()) != 0 {
		t.Fatal("store should be empty after Clear")
	}
}
