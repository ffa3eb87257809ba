package meet

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/meetrelay/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestActor(t *testing.T) (*Handle, *storage.Store) {
	t.Helper()
	store, err := storage.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}

	auth := storage.AuthBlob{
		Locations: []storage.LocationEntry{
			{Name: "Platform", Priority: 10},
			{Name: "Desk", Priority: 5},
		},
	}
	if err := store.Create("123456789", auth); err != nil {
		t.Fatalf("store.Create() error: %v", err)
	}

	actor, err := NewActor("123456789", store, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewActor() error: %v", err)
	}
	return NewHandle(actor), store
}

func rawJSON(t *testing.T, v string) json.RawMessage {
	t.Helper()
	return json.RawMessage(v)
}

func TestApplyUpdatesSimpleAcceptAndRelay(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	relayCh := make(chan AcceptedUpdate, 8)
	if err := h.Subscribe(ctx, "session-b", relayCh); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	result, err := h.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.name", Value: rawJSON(t, `"John"`), LocalSeq: 1, AfterServerSeq: 0},
	})
	if err != nil {
		t.Fatalf("ApplyUpdates() error: %v", err)
	}
	if len(result.Acks) != 1 || result.Acks[0].ServerSeq != 1 {
		t.Fatalf("Acks = %+v, want one ack with server_seq 1", result.Acks)
	}
	if len(result.Rejects) != 0 {
		t.Fatalf("Rejects = %+v, want none", result.Rejects)
	}

	select {
	case relay := <-relayCh:
		if relay.ServerSeq != 1 || relay.Location != "lifters.0.name" || relay.OriginatingLocation != "Platform" {
			t.Fatalf("relay = %+v, unexpected fields", relay)
		}
	default:
		t.Fatalf("subscriber b did not receive a relay")
	}
}

func TestApplyUpdatesConflictHigherPriorityWins(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	// Seed latest_by_location at server-seq 1 from Platform (priority 10).
	if _, err := h.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.attempts.0.weight", Value: rawJSON(t, `100.0`), LocalSeq: 1, AfterServerSeq: 0},
	}); err != nil {
		t.Fatalf("seed ApplyUpdates() error: %v", err)
	}

	// Desk (priority 5) proposes against a stale after_server_seq: 0,
	// conflicting with the now-current server-seq 1.
	result, err := h.ApplyUpdates(ctx, "session-b", "Desk", []Update{
		{Location: "lifters.0.attempts.0.weight", Value: rawJSON(t, `125.0`), LocalSeq: 2, AfterServerSeq: 0},
	})
	if err != nil {
		t.Fatalf("ApplyUpdates() error: %v", err)
	}
	if len(result.Rejects) != 1 || !result.Rejects[0].Conflict {
		t.Fatalf("Rejects = %+v, want one conflicting reject", result.Rejects)
	}
	if len(result.Acks) != 0 {
		t.Fatalf("Acks = %+v, want none (entire update rejected)", result.Acks)
	}
}

func TestApplyUpdatesEqualPriorityLaterArrivalWins(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	if _, err := h.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.attempts.0.weight", Value: rawJSON(t, `100.0`), LocalSeq: 1, AfterServerSeq: 0},
	}); err != nil {
		t.Fatalf("seed ApplyUpdates() error: %v", err)
	}

	// A second Platform session (same originating location, same priority)
	// proposes against the stale value; equal priority means later wins.
	result, err := h.ApplyUpdates(ctx, "session-a2", "Platform", []Update{
		{Location: "lifters.0.attempts.0.weight", Value: rawJSON(t, `105.0`), LocalSeq: 1, AfterServerSeq: 0},
	})
	if err != nil {
		t.Fatalf("ApplyUpdates() error: %v", err)
	}
	if len(result.Acks) != 1 || result.Acks[0].ServerSeq != 2 {
		t.Fatalf("Acks = %+v, want equal-priority later arrival accepted at server_seq 2", result.Acks)
	}
}

func TestApplyUpdatesIdempotentRetry(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	update := Update{Location: "lifters.0.name", Value: rawJSON(t, `"John"`), LocalSeq: 1, AfterServerSeq: 0}

	first, err := h.ApplyUpdates(ctx, "session-a", "Platform", []Update{update})
	if err != nil {
		t.Fatalf("first ApplyUpdates() error: %v", err)
	}
	second, err := h.ApplyUpdates(ctx, "session-a", "Platform", []Update{update})
	if err != nil {
		t.Fatalf("retry ApplyUpdates() error: %v", err)
	}

	if first.Acks[0].ServerSeq != second.Acks[0].ServerSeq {
		t.Fatalf("retry assigned a different server_seq: first=%d second=%d",
			first.Acks[0].ServerSeq, second.Acks[0].ServerSeq)
	}

	updates, last, err := h.Pull(ctx, 0)
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if len(updates) != 1 || last != 1 {
		t.Fatalf("Pull(0) after retry = %d updates, last=%d; want 1 update, last=1", len(updates), last)
	}
}

func TestApplyUpdatesSubmitterExcludedFromOwnRelay(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	selfCh := make(chan AcceptedUpdate, 8)
	if err := h.Subscribe(ctx, "session-a", selfCh); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if _, err := h.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.name", Value: rawJSON(t, `"John"`), LocalSeq: 1, AfterServerSeq: 0},
	}); err != nil {
		t.Fatalf("ApplyUpdates() error: %v", err)
	}

	select {
	case relay := <-selfCh:
		t.Fatalf("submitter received its own update via relay: %+v", relay)
	default:
	}
}

func TestPullInvalidSyncState(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	if _, _, err := h.Pull(ctx, 5); err != ErrInvalidSyncState {
		t.Fatalf("Pull(5) on empty log error = %v, want ErrInvalidSyncState", err)
	}
}

func TestPublishFinalizesAndRejectsFurtherUpdates(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	if _, err := h.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.name", Value: rawJSON(t, `"John"`), LocalSeq: 1, AfterServerSeq: 0},
	}); err != nil {
		t.Fatalf("ApplyUpdates() error: %v", err)
	}

	if err := h.Publish(ctx, []byte("csv,data\n"), "md@example.com"); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	state, err := h.State(ctx)
	if err != nil {
		t.Fatalf("State() error: %v", err)
	}
	if state != StateFinalized {
		t.Fatalf("State() = %v, want StateFinalized", state)
	}

	_, err = h.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.name", Value: rawJSON(t, `"Jane"`), LocalSeq: 2, AfterServerSeq: 1},
	})
	if err != ErrFinalized {
		t.Fatalf("ApplyUpdates() after publish error = %v, want ErrFinalized", err)
	}

	// Pull must still work after finalization.
	if _, _, err := h.Pull(ctx, 0); err != nil {
		t.Fatalf("Pull() after publish error: %v", err)
	}
}

func TestFinalizedActorUnloadsAfterLastSubscriberLeaves(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	ch := make(chan AcceptedUpdate, 8)
	if err := h.Subscribe(ctx, "session-a", ch); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := h.Publish(ctx, []byte("csv,data\n"), "md@example.com"); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if _, err := h.State(ctx); err != nil {
		t.Fatalf("State() error while still subscribed: %v", err)
	}

	if err := h.Unsubscribe(ctx, "session-a"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}

	if _, err := h.State(ctx); err != ErrUnloaded {
		t.Fatalf("State() after last subscriber left = %v, want ErrUnloaded", err)
	}
}

func TestActiveActorStaysResidentAfterLastSubscriberLeaves(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	ch := make(chan AcceptedUpdate, 8)
	if err := h.Subscribe(ctx, "session-a", ch); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := h.Unsubscribe(ctx, "session-a"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}

	state, err := h.State(ctx)
	if err != nil {
		t.Fatalf("State() error: %v", err)
	}
	if state != StateActive {
		t.Fatalf("State() = %v, want StateActive (meet not finalized, actor must stay resident)", state)
	}
}

func TestDurabilityReplayAfterRestart(t *testing.T) {
	store, err := storage.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	auth := storage.AuthBlob{Locations: []storage.LocationEntry{{Name: "Platform", Priority: 10}}}
	if err := store.Create("111111111", auth); err != nil {
		t.Fatalf("store.Create() error: %v", err)
	}

	ctx := context.Background()
	actor1, err := NewActor("111111111", store, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewActor() error: %v", err)
	}
	h1 := NewHandle(actor1)
	if _, err := h1.ApplyUpdates(ctx, "session-a", "Platform", []Update{
		{Location: "lifters.0.name", Value: rawJSON(t, `"John"`), LocalSeq: 1, AfterServerSeq: 0},
	}); err != nil {
		t.Fatalf("ApplyUpdates() error: %v", err)
	}
	if err := h1.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// Simulate a restart: a fresh actor for the same meet id, same store.
	actor2, err := NewActor("111111111", store, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewActor() (reload) error: %v", err)
	}
	h2 := NewHandle(actor2)

	updates, _, err := h2.Pull(ctx, 0)
	if err != nil {
		t.Fatalf("Pull(0) after reload error: %v", err)
	}
	if len(updates) != 1 || updates[0].ServerSeq != 1 {
		t.Fatalf("Pull(0) after reload = %+v, want the persisted update", updates)
	}
}

func TestApplyUpdatesUnknownLocationRejected(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	_, known, err := h.KnownLocation(ctx, "Scoreboard")
	if err != nil {
		t.Fatalf("KnownLocation() error: %v", err)
	}
	if known {
		t.Fatalf("KnownLocation(Scoreboard) = true, want false")
	}

	_, err = h.ApplyUpdates(ctx, "session-x", "Scoreboard", []Update{
		{Location: "lifters.0.name", Value: rawJSON(t, `"John"`), LocalSeq: 1, AfterServerSeq: 0},
	})
	if err != ErrUnknownLocation {
		t.Fatalf("ApplyUpdates() from unknown location error = %v, want ErrUnknownLocation", err)
	}
}

func TestLaggingSubscriberUnsubscribedOnOverflow(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestActor(t)

	slow := make(chan AcceptedUpdate) // unbuffered: the first send overflows it
	if err := h.Subscribe(ctx, "slow-session", slow); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		if _, err := h.ApplyUpdates(ctxTimeout, "session-a", "Platform", []Update{
			{Location: "lifters.0.attempts.0.weight", Value: rawJSON(t, "100.0"), LocalSeq: uint64(i), AfterServerSeq: uint64(i - 1)},
		}); err != nil {
			t.Fatalf("ApplyUpdates() iteration %d error: %v", i, err)
		}
	}
	// None of the above calls blocked on the unbuffered, never-read
	// channel, which proves the lagging subscriber was dropped rather
	// than stalling the actor's single run loop.
}
