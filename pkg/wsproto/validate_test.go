package wsproto

import "testing"

func TestDecodeEnvelopeRequiresType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"payload":{}}`))
	if err == nil {
		t.Fatalf("DecodeEnvelope() with no type succeeded, want error")
	}
}

func TestDecodeEnvelopeParsesNestedForm(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"JoinMeet","payload":{"meet_id":"123456789","password":"x","location_name":"Desk"}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope() error: %v", err)
	}
	if env.Type != TypeJoinMeet {
		t.Fatalf("Type = %q, want %q", env.Type, TypeJoinMeet)
	}
}

func TestDecodeEnvelopeRejectsOversizedFrame(t *testing.T) {
	big := make([]byte, maxFrameBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := DecodeEnvelope(big)
	if err != ErrFrameTooLarge {
		t.Fatalf("DecodeEnvelope() on oversized frame error = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodePayloadValidatesRequiredFields(t *testing.T) {
	env := Envelope{Type: TypeJoinMeet, Payload: []byte(`{"meet_id":"123456789"}`)}
	var payload JoinMeetPayload
	if err := DecodePayload(env, &payload); err == nil {
		t.Fatalf("DecodePayload() with missing required fields succeeded, want error")
	}
}

func TestDecodePayloadAcceptsValidJoinMeet(t *testing.T) {
	env := Envelope{
		Type:    TypeJoinMeet,
		Payload: []byte(`{"meet_id":"123456789","password":"PasswordOne1!","location_name":"Desk"}`),
	}
	var payload JoinMeetPayload
	if err := DecodePayload(env, &payload); err != nil {
		t.Fatalf("DecodePayload() error: %v", err)
	}
	if payload.MeetID != "123456789" || payload.LocationName != "Desk" {
		t.Fatalf("DecodePayload() = %+v, fields not populated", payload)
	}
}

func TestDecodePayloadRejectsOversizedLocationName(t *testing.T) {
	longName := make([]byte, 65)
	for i := range longName {
		longName[i] = 'x'
	}
	env := Envelope{
		Type:    TypeJoinMeet,
		Payload: []byte(`{"meet_id":"123456789","password":"x","location_name":"` + string(longName) + `"}`),
	}
	var payload JoinMeetPayload
	if err := DecodePayload(env, &payload); err == nil {
		t.Fatalf("DecodePayload() with 65-char location_name succeeded, want error")
	}
}

func TestDecodePayloadRejectsMalformedEmail(t *testing.T) {
	env := Envelope{
		Type: TypePublishMeet,
		Payload: []byte(`{"meet_id":"123456789","session_token":"t","return_email":"not-an-email","opl_csv":"a,b\n1,2\n"}`),
	}
	var payload PublishMeetPayload
	if err := DecodePayload(env, &payload); err == nil {
		t.Fatalf("DecodePayload() with malformed return_email succeeded, want error")
	}
}
