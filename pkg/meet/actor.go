// Package meet implements the per-meet actor: the single-consumer inbox
// that serializes every mutation and read of one meet's update log.
package meet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wisbric/meetrelay/internal/telemetry"
	"github.com/wisbric/meetrelay/pkg/storage"
)

// State is the meet actor's lifecycle state.
type State int

const (
	StateLoading State = iota
	StateActive
	StateFinalized
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateFinalized:
		return "finalized"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Update is a single change proposed by a client, not yet accepted.
type Update struct {
	Location       string
	Value          json.RawMessage
	LocalSeq       uint64
	AfterServerSeq uint64
	Timestamp      int64
}

// AcceptedUpdate is an update that has been assigned a server-seq and
// persisted. This is what subscribers receive via relay and Pull.
type AcceptedUpdate struct {
	ServerSeq           uint64          `json:"server_seq"`
	Location            string          `json:"location"`
	Value               json.RawMessage `json:"value"`
	OriginatingLocation string          `json:"originating_location"`
	Timestamp           int64           `json:"ts"`
}

// AckEntry reports the server-seq assigned to one accepted local-seq.
type AckEntry struct {
	LocalSeq  uint64
	ServerSeq uint64
}

// RejectEntry reports why one proposed update was rejected.
type RejectEntry struct {
	LocalSeq uint64
	Conflict bool
	Reason   string
}

// ApplyResult is the outcome of an ApplyUpdates call: what the submitter
// should be told (Acks, Rejects) and what every other subscriber should
// receive (Relays).
type ApplyResult struct {
	Acks    []AckEntry
	Rejects []RejectEntry
	Relays  []AcceptedUpdate
}

// Errors returned by Handle methods, mapped by the caller onto the wire
// protocol's fixed error frames (spec.md §7).
var (
	ErrFinalized        = fmt.Errorf("meet: finalized, no further mutations accepted")
	ErrUnloaded         = fmt.Errorf("meet: actor unloaded")
	ErrInvalidSyncState = fmt.Errorf("meet: requested server-seq is ahead of actor state")
	ErrUnknownLocation  = fmt.Errorf("meet: unknown location")
)

type dedupKey struct {
	sessionID string
	localSeq  uint64
}

type subscriber struct {
	ch      chan AcceptedUpdate
	lagging bool
}

// SubscriberBufferSize bounds the per-subscriber relay channel (spec.md
// §5/§9: bounded, lagging subscribers are dropped rather than buffered
// without limit). Callers that create their own relay channel for
// Handle.Subscribe should size it to this constant.
const SubscriberBufferSize = 256

// Actor is one meet's single-consumer state machine. All fields below are
// owned exclusively by the run loop goroutine; everything else interacts
// with an Actor only through its command channel via the Handle.
type Actor struct {
	meetID  string
	storage *storage.Store
	logger  *slog.Logger

	inbox chan command
	done  chan struct{}

	state            State
	log              []AcceptedUpdate // indexed by server-seq-1, full accepted history
	latestByLocation map[string]AcceptedUpdate
	locations        map[string]int // location name -> priority
	dedup            map[dedupKey]uint64
	subscribers      map[string]*subscriber
	nextServerSeq    uint64
	replayedCorrupt  int
	onUnload         func(meetID string)
}

// NewActor creates an actor for meetID and starts its run loop in a new
// goroutine. The actor begins in StateLoading and replays its log from
// storage before accepting commands from the inbox. onUnload, if non-nil,
// is invoked once after the actor's run loop exits (spec.md §4.4 teardown).
func NewActor(meetID string, store *storage.Store, logger *slog.Logger, onUnload func(meetID string)) (*Actor, error) {
	a := &Actor{
		meetID:           meetID,
		storage:          store,
		logger:           logger.With("meet_id", meetID),
		inbox:            make(chan command), // unbuffered: once run returns, no send is accepted
		done:             make(chan struct{}),
		state:            StateLoading,
		nextServerSeq:    1, // server-seqs start at 1; a.log is indexed by server-seq-1
		latestByLocation: make(map[string]AcceptedUpdate),
		locations:        make(map[string]int),
		dedup:            make(map[dedupKey]uint64),
		subscribers:      make(map[string]*subscriber),
		onUnload:         onUnload,
	}

	if err := a.load(); err != nil {
		return nil, err
	}

	go a.run()
	return a, nil
}

// load replays the persisted log and auth blob into memory (spec.md
// §4.3 Loading state) before the run loop starts accepting commands.
func (a *Actor) load() error {
	auth, err := a.storage.LoadAuth(a.meetID)
	if err != nil {
		return fmt.Errorf("loading auth blob for meet %s: %w", a.meetID, err)
	}
	for _, loc := range auth.Locations {
		a.locations[loc.Name] = loc.Priority
	}

	records, corrupt, err := a.storage.Replay(a.meetID)
	if err != nil {
		return fmt.Errorf("replaying log for meet %s: %w", a.meetID, err)
	}
	a.replayedCorrupt = corrupt

	for _, rec := range records {
		accepted := AcceptedUpdate{
			ServerSeq:           rec.ServerSeq,
			Location:            rec.Location,
			Value:               rec.Value,
			OriginatingLocation: rec.OriginatingLocation,
			Timestamp:           rec.Timestamp,
		}
		a.latestByLocation[rec.Location] = accepted
		a.log = append(a.log, accepted)
		if rec.ServerSeq >= a.nextServerSeq {
			a.nextServerSeq = rec.ServerSeq + 1
		}
	}

	a.state = StateActive
	if corrupt > 0 {
		a.logger.Warn("replay skipped trailing corrupt record(s)", "count", corrupt)
	}
	a.logger.Info("meet actor loaded", "records", len(records), "state", a.state.String())
	return nil
}

// run is the single-consumer inbox loop. All state mutation happens here,
// on one goroutine, which is what gives the actor its ordering guarantees
// (spec.md §5).
func (a *Actor) run() {
	defer close(a.done)
	defer func() {
		if a.onUnload != nil {
			a.onUnload(a.meetID)
		}
	}()

	for cmd := range a.inbox {
		cmd.execute(a)
		if a.state == StateUnloaded {
			return
		}
	}
}

// command is implemented by every message the run loop accepts.
type command interface {
	execute(a *Actor)
}

// send enqueues cmd and blocks until the actor accepts it or ctx is done.
func (a *Actor) send(ctx context.Context, cmd command) error {
	select {
	case a.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrUnloaded
	}
}

// broadcast fans relays out to every subscriber except excludeSessionID
// (the submitter reconciles via its ack, not via relay — spec.md §4.3
// step 7). A subscriber whose channel is full is marked lagging and
// dropped; it must Pull to resync (spec.md §5, §9).
func (a *Actor) broadcast(relays []AcceptedUpdate, excludeSessionID string) {
	if len(relays) == 0 {
		return
	}
	for sessionID, sub := range a.subscribers {
		if sessionID == excludeSessionID || sub.lagging {
			continue
		}
	relayLoop:
		for _, u := range relays {
			select {
			case sub.ch <- u:
			default:
				sub.lagging = true
				close(sub.ch)
				delete(a.subscribers, sessionID)
				prefix := sessionID
				if len(prefix) > 8 {
					prefix = prefix[:8]
				}
				a.logger.Warn("subscriber lagging, unsubscribed", "session", prefix)
				break relayLoop
			}
		}
	}
}

// --- Subscribe ---

type subscribeCmd struct {
	sessionID string
	ch        chan AcceptedUpdate
	resp      chan error
}

func (c *subscribeCmd) execute(a *Actor) {
	a.subscribers[c.sessionID] = &subscriber{ch: c.ch}
	c.resp <- nil
}

// --- Unsubscribe ---

type unsubscribeCmd struct {
	sessionID string
	resp      chan struct{}
}

func (c *unsubscribeCmd) execute(a *Actor) {
	if sub, ok := a.subscribers[c.sessionID]; ok {
		delete(a.subscribers, c.sessionID)
		if !sub.lagging {
			close(sub.ch)
		}
	}

	// A finalized meet has no further mutations coming; once its last
	// subscriber leaves there is nothing left to serve Pull for, so the
	// registry drops it here instead of waiting for process shutdown.
	if a.state == StateFinalized && len(a.subscribers) == 0 {
		a.state = StateUnloaded
	}

	c.resp <- struct{}{}
}

// --- ApplyUpdates ---

type applyCmd struct {
	sessionID           string
	originatingLocation string
	updates             []Update
	resp                chan applyResponse
}

type applyResponse struct {
	result ApplyResult
	err    error
}

func (c *applyCmd) execute(a *Actor) {
	if a.state == StateFinalized {
		c.resp <- applyResponse{err: ErrFinalized}
		return
	}
	if a.state != StateActive {
		c.resp <- applyResponse{err: ErrUnloaded}
		return
	}

	originatingPriority, ok := a.locations[c.originatingLocation]
	if !ok {
		c.resp <- applyResponse{err: ErrUnknownLocation}
		return
	}

	var result ApplyResult
	var toPersist []storage.Record

	for _, u := range c.updates {
		key := dedupKey{sessionID: c.sessionID, localSeq: u.LocalSeq}
		if existing, ok := a.dedup[key]; ok {
			telemetry.UpdatesDedupedTotal.Inc()
			result.Acks = append(result.Acks, AckEntry{LocalSeq: u.LocalSeq, ServerSeq: existing})
			continue
		}

		latest, hasLatest := a.latestByLocation[u.Location]
		conflict := hasLatest && latest.ServerSeq > u.AfterServerSeq

		if conflict {
			latestPriority := a.locations[latest.OriginatingLocation]
			if originatingPriority < latestPriority {
				telemetry.UpdatesRejectedTotal.WithLabelValues(a.meetID).Inc()
				result.Rejects = append(result.Rejects, RejectEntry{
					LocalSeq: u.LocalSeq,
					Conflict: true,
					Reason:   "overridden by higher-priority location",
				})
				continue
			}
			// Strictly greater or equal priority: accept (equal priority
			// breaks the tie in favor of the later arrival, spec.md §4.3).
		}

		seq := a.nextServerSeq
		a.nextServerSeq++

		accepted := AcceptedUpdate{
			ServerSeq:           seq,
			Location:            u.Location,
			Value:               u.Value,
			OriginatingLocation: c.originatingLocation,
			Timestamp:           u.Timestamp,
		}
		a.latestByLocation[u.Location] = accepted
		a.log = append(a.log, accepted)
		a.dedup[key] = seq

		toPersist = append(toPersist, storage.Record{
			ServerSeq:           accepted.ServerSeq,
			Location:            accepted.Location,
			Value:               accepted.Value,
			OriginatingLocation: accepted.OriginatingLocation,
			Timestamp:           accepted.Timestamp,
		})
		result.Acks = append(result.Acks, AckEntry{LocalSeq: u.LocalSeq, ServerSeq: seq})
		result.Relays = append(result.Relays, accepted)
		telemetry.UpdatesAcceptedTotal.WithLabelValues(a.meetID).Inc()
	}

	// Durability precedes visibility (spec.md §4.3 step 5): persist before
	// any ack or relay is handed back to the caller.
	if len(toPersist) > 0 {
		if err := a.storage.Append(a.meetID, toPersist); err != nil {
			a.logger.Error("append failed, meet degraded", "error", err)
			c.resp <- applyResponse{err: fmt.Errorf("persisting updates: %w", err)}
			return
		}
	}

	a.broadcast(result.Relays, c.sessionID)
	c.resp <- applyResponse{result: result}
}

// --- Pull ---

type pullCmd struct {
	afterServerSeq uint64
	resp           chan pullResponse
}

type pullResponse struct {
	updates       []AcceptedUpdate
	lastServerSeq uint64
	err           error
}

func (c *pullCmd) execute(a *Actor) {
	var last uint64
	if a.nextServerSeq > 0 {
		last = a.nextServerSeq - 1
	}

	if c.afterServerSeq > last {
		c.resp <- pullResponse{err: ErrInvalidSyncState}
		return
	}

	// a.log is indexed by server-seq-1 and append-only, so everything
	// strictly after afterServerSeq is a contiguous tail slice.
	var out []AcceptedUpdate
	if c.afterServerSeq < uint64(len(a.log)) {
		tail := a.log[c.afterServerSeq:]
		out = make([]AcceptedUpdate, len(tail))
		copy(out, tail)
	}

	c.resp <- pullResponse{updates: out, lastServerSeq: last}
}

// --- Publish ---

type publishCmd struct {
	csv   []byte
	email string
	resp  chan publishResponse
}

type publishResponse struct {
	err error
}

func (c *publishCmd) execute(a *Actor) {
	if a.state == StateFinalized {
		c.resp <- publishResponse{err: ErrFinalized}
		return
	}
	if a.state != StateActive {
		c.resp <- publishResponse{err: ErrUnloaded}
		return
	}

	if err := a.storage.Finalize(a.meetID, c.csv, c.email); err != nil {
		c.resp <- publishResponse{err: fmt.Errorf("finalizing meet: %w", err)}
		return
	}

	a.state = StateFinalized
	a.logger.Info("meet finalized")
	c.resp <- publishResponse{}
}

// --- Shutdown ---

type shutdownCmd struct {
	resp chan struct{}
}

func (c *shutdownCmd) execute(a *Actor) {
	for sessionID, sub := range a.subscribers {
		if !sub.lagging {
			close(sub.ch)
		}
		delete(a.subscribers, sessionID)
	}
	a.state = StateUnloaded
	c.resp <- struct{}{}
}

// --- locationKnown helper (KnownLocation command) ---

type knownLocationCmd struct {
	name string
	resp chan knownLocationResponse
}

type knownLocationResponse struct {
	priority int
	known    bool
}

func (c *knownLocationCmd) execute(a *Actor) {
	priority, ok := a.locations[c.name]
	c.resp <- knownLocationResponse{priority: priority, known: ok}
}

// --- stateCmd (introspection, used by the registry/health endpoint) ---

type stateCmd struct {
	resp chan State
}

func (c *stateCmd) execute(a *Actor) {
	c.resp <- a.state
}
