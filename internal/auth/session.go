// Package auth implements spec.md §4.2: password hashing, meet-id and
// token generation, the session table with sliding/absolute expiry and
// CSRF binding, and the admission rate limiter.
package auth

import (
	"errors"
	"sync"
	"time"
)

var errSessionNotFound = errors.New("auth: session not found")

// Session binds a bearer token to a (meet, location) per spec.md I4.
type Session struct {
	Token          string
	MeetID         string
	Location       string
	Priority       int
	CSRFToken      string
	CreatedAddr    string
	CreatedAt      time.Time
	AbsoluteExpiry time.Time
	IdleExpiry     time.Time

	// supersededBy is set by Rotate; a superseded session stays resolvable
	// for a short grace window so in-flight frames addressed to the old
	// token still validate (spec.md §4.2 rotate, SPEC_FULL.md §4).
	supersededBy string
}

// expired reports whether s can no longer be used, ignoring supersession.
func (s *Session) expired(now time.Time) bool {
	return now.After(s.AbsoluteExpiry) || now.After(s.IdleExpiry)
}

const rotationGrace = 30 * time.Second

// SessionTable is the shared, process-scoped session store (spec.md §9:
// "owned at process scope, accessed via handle"). It is safe for
// concurrent use by every connection's reader goroutine and every meet
// actor.
type SessionTable struct {
	mu          sync.RWMutex
	byToken     map[string]*Session
	byMeet      map[string]map[string]struct{} // meetID -> set of tokens
	absoluteTTL time.Duration
	idleTTL     time.Duration
}

// NewSessionTable creates an empty session table. Persistence, if wanted,
// is layered on top via Persister.Save/Load rather than built in, so the
// table itself works identically with or without Redis configured.
func NewSessionTable(absoluteTTL, idleTTL time.Duration) *SessionTable {
	return &SessionTable{
		byToken:     make(map[string]*Session),
		byMeet:      make(map[string]map[string]struct{}),
		absoluteTTL: absoluteTTL,
		idleTTL:     idleTTL,
	}
}

// Create mints a new session for (meetID, location) and indexes it.
func (t *SessionTable) Create(meetID, location string, priority int, addr string) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	csrf, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		Token:          token,
		MeetID:         meetID,
		Location:       location,
		Priority:       priority,
		CSRFToken:      csrf,
		CreatedAddr:    addr,
		CreatedAt:      now,
		AbsoluteExpiry: now.Add(t.absoluteTTL),
		IdleExpiry:     now.Add(t.idleTTL),
	}

	t.mu.Lock()
	t.byToken[token] = sess
	t.indexLocked(meetID, token)
	t.mu.Unlock()

	return sess, nil
}

func (t *SessionTable) indexLocked(meetID, token string) {
	set, ok := t.byMeet[meetID]
	if !ok {
		set = make(map[string]struct{})
		t.byMeet[meetID] = set
	}
	set[token] = struct{}{}
}

// Validate resolves token to its Session, refreshing the sliding idle
// expiry on success (spec.md P7). A token superseded by Rotate within the
// grace window resolves to the live session rather than the old one.
// Returns nil, false if token is unknown or expired.
func (t *SessionTable) Validate(token string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.byToken[token]
	if !ok {
		return nil, false
	}

	if sess.supersededBy != "" {
		next, ok := t.byToken[sess.supersededBy]
		if !ok || next.expired(time.Now()) {
			delete(t.byToken, token)
			return nil, false
		}
		sess = next
	}

	now := time.Now()
	if sess.expired(now) {
		t.removeLocked(sess.Token)
		return nil, false
	}

	sess.IdleExpiry = now.Add(t.idleTTL)
	return sess, true
}

// Rotate issues a new token for the session currently identified by
// token, keeping the old token resolvable for a short grace window.
func (t *SessionTable) Rotate(token string) (*Session, error) {
	t.mu.Lock()
	old, ok := t.byToken[token]
	if !ok {
		t.mu.Unlock()
		return nil, errSessionNotFound
	}
	t.mu.Unlock()

	newToken, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	newCSRF, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next := &Session{
		Token:          newToken,
		MeetID:         old.MeetID,
		Location:       old.Location,
		Priority:       old.Priority,
		CSRFToken:      newCSRF,
		CreatedAddr:    old.CreatedAddr,
		CreatedAt:      old.CreatedAt,
		AbsoluteExpiry: old.AbsoluteExpiry,
		IdleExpiry:     now.Add(t.idleTTL),
	}

	t.mu.Lock()
	t.byToken[newToken] = next
	t.indexLocked(next.MeetID, newToken)
	old.supersededBy = newToken
	t.mu.Unlock()

	time.AfterFunc(rotationGrace, func() {
		t.mu.Lock()
		delete(t.byToken, token)
		if set := t.byMeet[old.MeetID]; set != nil {
			delete(set, token)
		}
		t.mu.Unlock()
	})

	return next, nil
}

// Invalidate removes a single session immediately (explicit logout).
func (t *SessionTable) Invalidate(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(token)
}

// removeLocked must be called with t.mu held.
func (t *SessionTable) removeLocked(token string) {
	sess, ok := t.byToken[token]
	if !ok {
		return
	}
	delete(t.byToken, token)
	if set := t.byMeet[sess.MeetID]; set != nil {
		delete(set, token)
		if len(set) == 0 {
			delete(t.byMeet, sess.MeetID)
		}
	}
}

// InvalidateMeet drops every session bound to meetID, called when a meet
// reaches the Finalized state.
func (t *SessionTable) InvalidateMeet(meetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for token := range t.byMeet[meetID] {
		delete(t.byToken, token)
	}
	delete(t.byMeet, meetID)
}

// Sweep evicts every expired session and returns how many were removed.
// Validate also evicts lazily on access; Sweep exists so a session that is
// never touched again doesn't live in memory until the process restarts.
func (t *SessionTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var evicted int
	for token, sess := range t.byToken {
		if sess.supersededBy == "" && sess.expired(now) {
			t.removeLocked(token)
			evicted++
		}
	}
	return evicted
}

// Count returns the number of live sessions, for the active-sessions gauge.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byToken)
}

// snapshot returns a copy of every non-superseded session for persistence.
func (t *SessionTable) snapshot() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Session, 0, len(t.byToken))
	for _, sess := range t.byToken {
		if sess.supersededBy == "" {
			out = append(out, *sess)
		}
	}
	return out
}

// restore replaces the table's contents with a previously persisted
// snapshot, dropping anything already expired.
func (t *SessionTable) restore(sessions []Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for i := range sessions {
		if sessions[i].expired(now) {
			continue
		}
		sessCopy := sessions[i]
		t.byToken[sessCopy.Token] = &sessCopy
		t.indexLocked(sessCopy.MeetID, sessCopy.Token)
	}
}
