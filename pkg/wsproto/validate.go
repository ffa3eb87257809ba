package wsproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level, concurrency-safe validator instance shared
// by every DecodePayload call (one validator per process).
var validate = validator.New(validator.WithRequiredStructEnabled())

// maxFrameBytes bounds a single WebSocket text frame's payload, generous
// enough for an opl_csv up to publishCSVMaxBytes plus JSON overhead.
const maxFrameBytes = publishCSVMaxBytes + 4096

// ErrFrameTooLarge is returned by DecodeEnvelope when a frame exceeds
// maxFrameBytes.
var ErrFrameTooLarge = errors.New("wsproto: frame exceeds maximum size")

// MaxFrameBytes exposes the frame size bound for callers that configure
// their own transport-level read limit (e.g. websocket.Conn.SetReadLimit).
func MaxFrameBytes() int64 { return int64(maxFrameBytes) }

// DecodeEnvelope parses a raw WebSocket text frame into its envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) > maxFrameBytes {
		return Envelope{}, ErrFrameTooLarge
	}
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decoding frame envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("frame missing \"type\" discriminator")
	}
	return env, nil
}

// DecodePayload unmarshals env's payload into dst and runs struct-tag
// validation (spec.md §4.5 step 3). Field errors are returned as a single
// wrapped error suitable for MalformedMessage.ErrMsg; callers never see
// the validator's internal field-namespace formatting leak to clients.
func DecodePayload(env Envelope, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(env.Payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("field %q failed %q validation", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("validating payload: %w", err)
	}
	return nil
}
