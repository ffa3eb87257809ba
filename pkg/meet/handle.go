package meet

import "context"

// Handle is the external API to a running Actor. Every method enqueues a
// command on the actor's inbox and waits for its response, so all actual
// state mutation still happens on the actor's single run-loop goroutine.
type Handle struct {
	actor *Actor
}

// NewHandle wraps an Actor for external callers.
func NewHandle(a *Actor) *Handle {
	return &Handle{actor: a}
}

// Subscribe registers ch to receive this meet's relay stream for sessionID.
func (h *Handle) Subscribe(ctx context.Context, sessionID string, ch chan AcceptedUpdate) error {
	resp := make(chan error, 1)
	if err := h.actor.send(ctx, &subscribeCmd{sessionID: sessionID, ch: ch, resp: resp}); err != nil {
		return err
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe deregisters sessionID's relay channel.
func (h *Handle) Unsubscribe(ctx context.Context, sessionID string) error {
	resp := make(chan struct{}, 1)
	if err := h.actor.send(ctx, &unsubscribeCmd{sessionID: sessionID, resp: resp}); err != nil {
		return err
	}
	select {
	case <-resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyUpdates submits a batch of proposed updates on behalf of sessionID,
// originating from originatingLocation (used for priority resolution).
func (h *Handle) ApplyUpdates(ctx context.Context, sessionID, originatingLocation string, updates []Update) (ApplyResult, error) {
	resp := make(chan applyResponse, 1)
	cmd := &applyCmd{sessionID: sessionID, originatingLocation: originatingLocation, updates: updates, resp: resp}
	if err := h.actor.send(ctx, cmd); err != nil {
		return ApplyResult{}, err
	}
	select {
	case r := <-resp:
		return r.result, r.err
	case <-ctx.Done():
		return ApplyResult{}, ctx.Err()
	}
}

// Pull returns every accepted update strictly after afterServerSeq, along
// with the meet's current last server-seq.
func (h *Handle) Pull(ctx context.Context, afterServerSeq uint64) ([]AcceptedUpdate, uint64, error) {
	resp := make(chan pullResponse, 1)
	if err := h.actor.send(ctx, &pullCmd{afterServerSeq: afterServerSeq, resp: resp}); err != nil {
		return nil, 0, err
	}
	select {
	case r := <-resp:
		return r.updates, r.lastServerSeq, r.err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Publish finalizes the meet with the given CSV export and return email.
func (h *Handle) Publish(ctx context.Context, csv []byte, email string) error {
	resp := make(chan publishResponse, 1)
	if err := h.actor.send(ctx, &publishCmd{csv: csv, email: email, resp: resp}); err != nil {
		return err
	}
	select {
	case r := <-resp:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KnownLocation reports whether name is in this meet's location table and
// its configured priority.
func (h *Handle) KnownLocation(ctx context.Context, name string) (priority int, known bool, err error) {
	resp := make(chan knownLocationResponse, 1)
	if err := h.actor.send(ctx, &knownLocationCmd{name: name, resp: resp}); err != nil {
		return 0, false, err
	}
	select {
	case r := <-resp:
		return r.priority, r.known, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

// State returns the actor's current lifecycle state.
func (h *Handle) State(ctx context.Context) (State, error) {
	resp := make(chan State, 1)
	if err := h.actor.send(ctx, &stateCmd{resp: resp}); err != nil {
		return 0, err
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Shutdown stops the actor's run loop. After Shutdown returns, further
// sends on this handle fail with ErrUnloaded.
func (h *Handle) Shutdown(ctx context.Context) error {
	resp := make(chan struct{}, 1)
	if err := h.actor.send(ctx, &shutdownCmd{resp: resp}); err != nil {
		return err
	}
	select {
	case <-resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
