// Package wsproto defines the WebSocket wire protocol: the nested
// {"type","payload"} frame envelope, every client->server and
// server->client message variant, and their field validation rules.
package wsproto

import "encoding/json"

// Envelope is the outer frame shape every WebSocket text frame carries.
// This specification's client base carries both a nested (type+payload)
// and a flat (top-level msgType) discriminator historically; this
// implementation accepts only the nested form and documents that choice
// rather than silently supporting both (see the Type* constants below).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client -> server message type discriminators.
const (
	TypeCreateMeet  = "CreateMeet"
	TypeJoinMeet    = "JoinMeet"
	TypeUpdateInit  = "UpdateInit"
	TypeClientPull  = "ClientPull"
	TypePublishMeet = "PublishMeet"
)

// Server -> client message type discriminators.
const (
	TypeMeetCreated        = "MeetCreated"
	TypeMeetJoined         = "MeetJoined"
	TypeJoinRejected       = "JoinRejected"
	TypeUpdateAck          = "UpdateAck"
	TypeUpdateRejected     = "UpdateRejected"
	TypeUpdateRelay        = "UpdateRelay"
	TypeServerPull         = "ServerPull"
	TypePublishAck         = "PublishAck"
	TypeMalformedMessage   = "MalformedMessage"
	TypeUnknownMessageType = "UnknownMessageType"
	TypeInvalidSession     = "InvalidSession"
)

// Join-rejection reasons (JoinRejected.Reason).
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonInvalidLocation    = "invalid_location"
	ReasonRateLimited        = "rate_limited"
)

// LocationSpec names one location and its fixed priority, used both in
// CreateMeet's optional roster and in the persisted auth blob.
type LocationSpec struct {
	LocationName string `json:"location_name" validate:"required,min=1,max=64,printascii"`
	Priority     int    `json:"priority" validate:"gte=0"`
}

// --- Client -> server payloads ---

// CreateMeetPayload is the payload of a CreateMeet frame.
type CreateMeetPayload struct {
	Password     string         `json:"password" validate:"required"`
	LocationName string         `json:"location_name" validate:"required,min=1,max=64,printascii"`
	Priority     int            `json:"priority" validate:"gte=0"`
	Locations    []LocationSpec `json:"locations" validate:"omitempty,dive"`
}

// JoinMeetPayload is the payload of a JoinMeet frame.
type JoinMeetPayload struct {
	MeetID       string `json:"meet_id" validate:"required"`
	Password     string `json:"password" validate:"required"`
	LocationName string `json:"location_name" validate:"required,min=1,max=64,printascii"`
	Priority     *int   `json:"priority" validate:"omitempty,gte=0"`
}

// UpdateSpec is one proposed update within an UpdateInit batch.
type UpdateSpec struct {
	Location       string          `json:"location" validate:"required,max=512"`
	Value          json.RawMessage `json:"value" validate:"required"`
	LocalSeq       uint64          `json:"local_seq"`
	AfterServerSeq uint64          `json:"after_server_seq"`
	Timestamp      int64           `json:"timestamp"`
}

// UpdateInitPayload is the payload of an UpdateInit frame.
type UpdateInitPayload struct {
	MeetID       string       `json:"meet_id" validate:"required"`
	SessionToken string       `json:"session_token" validate:"required"`
	Updates      []UpdateSpec `json:"updates" validate:"required,min=1,dive"`
}

// ClientPullPayload is the payload of a ClientPull frame.
type ClientPullPayload struct {
	MeetID        string `json:"meet_id" validate:"required"`
	SessionToken  string `json:"session_token" validate:"required"`
	LastServerSeq uint64 `json:"last_server_seq"`
}

// publishCSVMaxBytes bounds opl_csv per spec.md §6.1 ("bounded length, e.g. <= 4 MiB").
const publishCSVMaxBytes = 4 << 20

// PublishMeetPayload is the payload of a PublishMeet frame.
type PublishMeetPayload struct {
	MeetID       string `json:"meet_id" validate:"required"`
	SessionToken string `json:"session_token" validate:"required"`
	ReturnEmail  string `json:"return_email" validate:"required,max=320,email"`
	OplCSV       string `json:"opl_csv" validate:"required,max=4194304"`
}

// --- Server -> client payloads ---

// MeetCreatedPayload is the payload of a MeetCreated frame.
type MeetCreatedPayload struct {
	MeetID       string `json:"meet_id"`
	SessionToken string `json:"session_token"`
	CSRFToken    string `json:"csrf_token"`
}

// MeetJoinedPayload is the payload of a MeetJoined frame.
type MeetJoinedPayload struct {
	SessionToken string `json:"session_token"`
	CSRFToken    string `json:"csrf_token"`
}

// JoinRejectedPayload is the payload of a JoinRejected frame.
type JoinRejectedPayload struct {
	Reason string `json:"reason"`
}

// AckEntry is one acknowledged update within an UpdateAck frame.
type AckEntry struct {
	LocalSeq  uint64 `json:"local_seq"`
	ServerSeq uint64 `json:"server_seq"`
}

// UpdateAckPayload is the payload of an UpdateAck frame.
type UpdateAckPayload struct {
	Acks []AckEntry `json:"acks"`
}

// RejectEntry is one rejected update within an UpdateRejected frame.
type RejectEntry struct {
	LocalSeq uint64 `json:"local_seq"`
	Conflict bool   `json:"conflict"`
	Reason   string `json:"reason"`
}

// UpdateRejectedPayload is the payload of an UpdateRejected frame.
type UpdateRejectedPayload struct {
	Rejects []RejectEntry `json:"rejects"`
}

// RelayEntry is one accepted update relayed to subscribers.
type RelayEntry struct {
	ServerSeq           uint64          `json:"server_seq"`
	Location            string          `json:"location"`
	Value               json.RawMessage `json:"value"`
	OriginatingLocation string          `json:"originating_location"`
}

// UpdateRelayPayload is the payload of an UpdateRelay frame.
type UpdateRelayPayload struct {
	Relays []RelayEntry `json:"relays"`
}

// ServerPullPayload is the payload of a ServerPull frame.
type ServerPullPayload struct {
	Updates       []RelayEntry `json:"updates"`
	LastServerSeq uint64       `json:"last_server_seq"`
}

// PublishAckPayload is the payload of a PublishAck frame.
type PublishAckPayload struct {
	MeetID string `json:"meet_id"`
}

// MalformedMessagePayload is the payload of a MalformedMessage frame.
type MalformedMessagePayload struct {
	ErrMsg string `json:"err_msg"`
}

// UnknownMessageTypePayload is the payload of an UnknownMessageType frame.
type UnknownMessageTypePayload struct {
	MsgType string `json:"msg_type"`
}

// InvalidSessionPayload is the payload of an InvalidSession frame.
type InvalidSessionPayload struct {
	SessionToken string `json:"session_token"`
}
