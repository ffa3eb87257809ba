package meet

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/meetrelay/pkg/storage"
)

func TestRegistryCreateAndGet(t *testing.T) {
	store, err := storage.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	reg := NewRegistry(store, testLogger())

	auth := storage.AuthBlob{Locations: []storage.LocationEntry{{Name: "Platform", Priority: 10}}}
	h1, err := reg.Create("123456789", auth)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	h2, err := reg.Get("123456789")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("Get() returned a different handle than Create()")
	}
}

func TestRegistryCreateRejectsDuplicate(t *testing.T) {
	store, err := storage.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	reg := NewRegistry(store, testLogger())
	auth := storage.AuthBlob{Locations: []storage.LocationEntry{{Name: "Platform", Priority: 10}}}

	if _, err := reg.Create("123456789", auth); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	if _, err := reg.Create("123456789", auth); err != storage.ErrAlreadyExists {
		t.Fatalf("second Create() error = %v, want storage.ErrAlreadyExists", err)
	}
}

func TestRegistryGetUnknownMeetFails(t *testing.T) {
	store, err := storage.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	reg := NewRegistry(store, testLogger())

	if _, err := reg.Get("000000000"); err != storage.ErrNotFound {
		t.Fatalf("Get() on unknown meet error = %v, want storage.ErrNotFound", err)
	}
}

func TestRegistryReloadsAfterUnload(t *testing.T) {
	ctx := context.Background()
	store, err := storage.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	reg := NewRegistry(store, testLogger())
	auth := storage.AuthBlob{Locations: []storage.LocationEntry{{Name: "Platform", Priority: 10}}}

	h1, err := reg.Create("123456789", auth)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := h1.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.name", Value: rawJSON(t, `"John"`), LocalSeq: 1, AfterServerSeq: 0},
	}); err != nil {
		t.Fatalf("ApplyUpdates() error: %v", err)
	}
	if err := h1.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// Give the run loop's onUnload callback a chance to fire; Shutdown only
	// waits for the command to be processed, not for the goroutine to exit.
	for i := 0; i < 100 && reg.Count() > 0; i++ {
		time.Sleep(time.Millisecond)
	}

	h2, err := reg.Get("123456789")
	if err != nil {
		t.Fatalf("Get() after unload error: %v", err)
	}
	updates, _, err := h2.Pull(ctx, 0)
	if err != nil {
		t.Fatalf("Pull() after reload error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("Pull(0) after reload = %d updates, want 1 (reloaded from storage)", len(updates))
	}
}
