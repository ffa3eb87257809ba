// Package audit records the handful of security-relevant events spec.md
// calls out for operators to be able to reconstruct after the fact:
// meet creation, join attempts (successful or not), session rotation, and
// publish. Entries are structured log records, not a database table —
// there is no multi-tenant schema or query surface here, just a
// dedicated logger an operator can point at its own log pipeline.
package audit

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Logger emits structured audit records to its own slog.Logger, tagged
// so they can be filtered out of (or routed separately from) general
// application logs.
type Logger struct {
	logger *slog.Logger
}

// NewLogger wraps base with the "audit" component tag.
func NewLogger(base *slog.Logger) *Logger {
	return &Logger{logger: base.With("component", "audit")}
}

// MeetCreated records a successful CreateMeet.
func (a *Logger) MeetCreated(meetID, remoteAddr string) {
	a.logger.Info("meet created", "event", "meet_created", "meet_id", meetID, "remote_addr", remoteAddr)
}

// JoinAttempt records a JoinMeet attempt, successful or not. reason is
// empty on success.
func (a *Logger) JoinAttempt(meetID, locationName, remoteAddr string, accepted bool, reason string) {
	if accepted {
		a.logger.Info("join accepted", "event", "join_accepted",
			"meet_id", meetID, "location_name", locationName, "remote_addr", remoteAddr)
		return
	}
	a.logger.Warn("join rejected", "event", "join_rejected",
		"meet_id", meetID, "location_name", locationName, "remote_addr", remoteAddr, "reason", reason)
}

// SessionRotated records a session token rotation.
func (a *Logger) SessionRotated(meetID, locationName string) {
	a.logger.Info("session rotated", "event", "session_rotated",
		"meet_id", meetID, "location_name", locationName)
}

// MeetPublished records a successful PublishMeet.
func (a *Logger) MeetPublished(meetID, returnEmail string) {
	a.logger.Info("meet published", "event", "meet_published", "meet_id", meetID, "return_email", returnEmail)
}

// ClientIP extracts the client address from r, preferring
// X-Forwarded-For and X-Real-IP over RemoteAddr, for callers that want
// to attribute an audit entry to the address behind a proxy.
func ClientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
