package wsserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wisbric/meetrelay/internal/auth"
	"github.com/wisbric/meetrelay/internal/telemetry"
	"github.com/wisbric/meetrelay/pkg/meet"
	"github.com/wisbric/meetrelay/pkg/storage"
	"github.com/wisbric/meetrelay/pkg/wsproto"
)

// finalizedErrMsg and invalidSyncStateErrMsg are the fixed client-facing
// strings for conditions the message taxonomy has no dedicated frame for
// (spec.md §7: "error messages client-facing are fixed short strings").
const (
	finalizedErrMsg        = "meet is finalized"
	invalidSyncStateErrMsg = "invalid_sync_state"
	unknownLocationErrMsg  = "unknown location"
)

func (c *conn) handleCreateMeet(ctx context.Context, env wsproto.Envelope, relayCh chan meet.AcceptedUpdate) error {
	var payload wsproto.CreateMeetPayload
	if err := wsproto.DecodePayload(env, &payload); err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "malformed CreateMeet payload"})
		return nil
	}

	if err := c.server.policy.Validate(payload.Password); err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: err.Error()})
		return nil
	}

	locations := []storage.LocationEntry{{Name: payload.LocationName, Priority: payload.Priority}}
	for _, l := range payload.Locations {
		if l.LocationName == payload.LocationName {
			continue
		}
		locations = append(locations, storage.LocationEntry{Name: l.LocationName, Priority: l.Priority})
	}

	meetID, err := auth.GenerateMeetID(c.server.storage)
	if err != nil {
		c.logger.Error("generating meet id", "error", err)
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "could not create meet"})
		return nil
	}

	rec, err := auth.HashPassword(payload.Password)
	if err != nil {
		c.logger.Error("hashing password", "error", err)
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "could not create meet"})
		return nil
	}
	params, err := json.Marshal(rec.Params)
	if err != nil {
		c.logger.Error("marshaling kdf params", "error", err)
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "could not create meet"})
		return nil
	}

	blob := storage.AuthBlob{
		Algorithm: rec.Algorithm,
		Params:    params,
		Salt:      rec.Salt,
		Hash:      rec.Hash,
		Locations: locations,
		CreatedAt: nowUnix(),
	}

	h, err := c.server.registry.Create(meetID, blob)
	if err != nil {
		c.logger.Error("creating meet", "error", err)
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "could not create meet"})
		return nil
	}

	sess, err := c.server.sessions.Create(meetID, payload.LocationName, payload.Priority, c.remoteAddr)
	if err != nil {
		c.logger.Error("creating session", "error", err)
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "could not create meet"})
		return nil
	}

	if err := c.bind(ctx, sess, h, relayCh); err != nil {
		c.logger.Error("subscribing new meet creator", "error", err)
	}

	if c.server.audit != nil {
		c.server.audit.MeetCreated(meetID, c.remoteAddr)
	}

	c.send(wsproto.TypeMeetCreated, wsproto.MeetCreatedPayload{
		MeetID:       meetID,
		SessionToken: sess.Token,
		CSRFToken:    sess.CSRFToken,
	})
	return nil
}

func (c *conn) handleJoinMeet(ctx context.Context, env wsproto.Envelope, relayCh chan meet.AcceptedUpdate) error {
	var payload wsproto.JoinMeetPayload
	if err := wsproto.DecodePayload(env, &payload); err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "malformed JoinMeet payload"})
		return nil
	}

	if res, err := c.server.limiter.Check(ctx, c.remoteAddr); err == nil && !res.Allowed {
		c.rejectJoin(payload.MeetID, payload.LocationName, wsproto.ReasonRateLimited)
		return nil
	}

	meetID, err := auth.CanonicalizeMeetID(payload.MeetID)
	if err != nil {
		c.rejectJoin(payload.MeetID, payload.LocationName, wsproto.ReasonInvalidCredentials)
		return nil
	}

	blob, err := c.server.storage.LoadAuth(meetID)
	if err != nil {
		_ = c.server.limiter.Record(ctx, c.remoteAddr)
		c.rejectJoin(meetID, payload.LocationName, wsproto.ReasonInvalidCredentials)
		return nil
	}

	if !auth.VerifyPassword(payload.Password, auth.PasswordRecord{
		Algorithm: blob.Algorithm,
		Params:    decodeArgon2Params(blob.Params),
		Salt:      blob.Salt,
		Hash:      blob.Hash,
	}) {
		_ = c.server.limiter.Record(ctx, c.remoteAddr)
		c.rejectJoin(meetID, payload.LocationName, wsproto.ReasonInvalidCredentials)
		return nil
	}

	priority, known := locationPriority(blob, payload.LocationName)
	if !known {
		// Open question resolved: an unknown location is rejected rather
		// than silently admitted at priority 0.
		c.rejectJoin(meetID, payload.LocationName, wsproto.ReasonInvalidLocation)
		return nil
	}

	_ = c.server.limiter.Reset(ctx, c.remoteAddr)

	h, err := c.server.registry.Get(meetID)
	if err != nil {
		c.rejectJoin(meetID, payload.LocationName, wsproto.ReasonInvalidCredentials)
		return nil
	}

	sess, err := c.server.sessions.Create(meetID, payload.LocationName, priority, c.remoteAddr)
	if err != nil {
		c.logger.Error("creating session", "error", err)
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "could not join meet"})
		return nil
	}

	if err := c.bind(ctx, sess, h, relayCh); err != nil {
		c.logger.Error("subscribing joined location", "error", err)
	}

	if c.server.audit != nil {
		c.server.audit.JoinAttempt(meetID, payload.LocationName, c.remoteAddr, true, "")
	}

	c.send(wsproto.TypeMeetJoined, wsproto.MeetJoinedPayload{
		SessionToken: sess.Token,
		CSRFToken:    sess.CSRFToken,
	})
	return nil
}

// rejectJoin sends a JoinRejected frame and records the rejection for
// audit and metrics purposes.
func (c *conn) rejectJoin(meetID, locationName, reason string) {
	telemetry.LoginRejectedTotal.WithLabelValues(reason).Inc()
	if c.server.audit != nil {
		c.server.audit.JoinAttempt(meetID, locationName, c.remoteAddr, false, reason)
	}
	c.send(wsproto.TypeJoinRejected, wsproto.JoinRejectedPayload{Reason: reason})
}

func (c *conn) handleUpdateInit(ctx context.Context, env wsproto.Envelope) error {
	var payload wsproto.UpdateInitPayload
	if err := wsproto.DecodePayload(env, &payload); err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "malformed UpdateInit payload"})
		return nil
	}

	sess, h, ok := c.currentSession(payload.SessionToken)
	if !ok {
		c.send(wsproto.TypeInvalidSession, wsproto.InvalidSessionPayload{SessionToken: payload.SessionToken})
		return nil
	}

	updates := make([]meet.Update, 0, len(payload.Updates))
	for _, u := range payload.Updates {
		updates = append(updates, meet.Update{
			Location:       u.Location,
			Value:          u.Value,
			LocalSeq:       u.LocalSeq,
			AfterServerSeq: u.AfterServerSeq,
			Timestamp:      u.Timestamp,
		})
	}

	result, err := h.ApplyUpdates(ctx, sess.Token, sess.Location, updates)
	if err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: applyErrMessage(err)})
		return nil
	}

	if len(result.Acks) > 0 {
		acks := make([]wsproto.AckEntry, len(result.Acks))
		for i, a := range result.Acks {
			acks[i] = wsproto.AckEntry{LocalSeq: a.LocalSeq, ServerSeq: a.ServerSeq}
		}
		c.send(wsproto.TypeUpdateAck, wsproto.UpdateAckPayload{Acks: acks})
	}
	if len(result.Rejects) > 0 {
		rejects := make([]wsproto.RejectEntry, len(result.Rejects))
		for i, r := range result.Rejects {
			rejects[i] = wsproto.RejectEntry{LocalSeq: r.LocalSeq, Conflict: r.Conflict, Reason: r.Reason}
		}
		c.send(wsproto.TypeUpdateRejected, wsproto.UpdateRejectedPayload{Rejects: rejects})
	}
	return nil
}

func (c *conn) handleClientPull(ctx context.Context, env wsproto.Envelope) error {
	var payload wsproto.ClientPullPayload
	if err := wsproto.DecodePayload(env, &payload); err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "malformed ClientPull payload"})
		return nil
	}

	_, h, ok := c.currentSession(payload.SessionToken)
	if !ok {
		c.send(wsproto.TypeInvalidSession, wsproto.InvalidSessionPayload{SessionToken: payload.SessionToken})
		return nil
	}

	updates, last, err := h.Pull(ctx, payload.LastServerSeq)
	if err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: applyErrMessage(err)})
		return nil
	}

	out := make([]wsproto.RelayEntry, len(updates))
	for i, u := range updates {
		out[i] = wsproto.RelayEntry{
			ServerSeq:           u.ServerSeq,
			Location:            u.Location,
			Value:               u.Value,
			OriginatingLocation: u.OriginatingLocation,
		}
	}
	c.send(wsproto.TypeServerPull, wsproto.ServerPullPayload{Updates: out, LastServerSeq: last})
	return nil
}

func (c *conn) handlePublishMeet(ctx context.Context, env wsproto.Envelope) error {
	var payload wsproto.PublishMeetPayload
	if err := wsproto.DecodePayload(env, &payload); err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: "malformed PublishMeet payload"})
		return nil
	}

	sess, h, ok := c.currentSession(payload.SessionToken)
	if !ok {
		c.send(wsproto.TypeInvalidSession, wsproto.InvalidSessionPayload{SessionToken: payload.SessionToken})
		return nil
	}

	if err := h.Publish(ctx, []byte(payload.OplCSV), payload.ReturnEmail); err != nil {
		c.send(wsproto.TypeMalformedMessage, wsproto.MalformedMessagePayload{ErrMsg: applyErrMessage(err)})
		return nil
	}

	c.server.sessions.InvalidateMeet(sess.MeetID)
	if c.server.audit != nil {
		c.server.audit.MeetPublished(sess.MeetID, payload.ReturnEmail)
	}
	c.send(wsproto.TypePublishAck, wsproto.PublishAckPayload{MeetID: sess.MeetID})
	return nil
}

// applyErrMessage maps an internal meet-actor error onto a fixed,
// non-leaking client-facing string (spec.md §7 principle: "never leak
// backtraces or paths to clients").
func applyErrMessage(err error) string {
	switch err {
	case meet.ErrFinalized:
		return finalizedErrMsg
	case meet.ErrInvalidSyncState:
		return invalidSyncStateErrMsg
	case meet.ErrUnknownLocation:
		return unknownLocationErrMsg
	default:
		return "internal error"
	}
}

// locationPriority looks up name in blob's location table.
func locationPriority(blob storage.AuthBlob, name string) (priority int, known bool) {
	for _, l := range blob.Locations {
		if l.Name == name {
			return l.Priority, true
		}
	}
	return 0, false
}

// decodeArgon2Params unmarshals the persisted KDF params blob. A decode
// failure yields the zero value, which simply fails verification rather
// than panicking — a corrupt auth.json is an IO-category fault, not a
// crash.
func decodeArgon2Params(raw json.RawMessage) auth.Argon2Params {
	var p auth.Argon2Params
	_ = json.Unmarshal(raw, &p)
	return p
}

// nowUnix is a narrow seam so tests could substitute a fixed clock if
// needed; today it is simply time.Now().Unix().
func nowUnix() int64 {
	return time.Now().Unix()
}
