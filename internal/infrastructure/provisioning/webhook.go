package provisioning

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"livegrid/internal/core/ports"
)

var (
	ErrMissingSignature = errors.New("webhook authorization missing")
	ErrBodyMismatch     = errors.New("webhook body does not match signature")
)

type WebhookRoom struct {
	SID      string          `json:"sid"`
	Name     string          `json:"name"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type WebhookParticipant struct {
	SID      string          `json:"sid"`
	Identity string          `json:"identity"`
	Name     string          `json:"name"`
	// Metadata is either a JSON-encoded string or an object.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// WebhookEvent is the JSON body the room server posts.
type WebhookEvent struct {
	ID          string              `json:"id"`
	Event       string              `json:"event"`
	Room        *WebhookRoom        `json:"room,omitempty"`
	Participant *WebhookParticipant `json:"participant,omitempty"`
}

// WebhookVerifier authenticates webhook deliveries: the Authorization header
// holds a token signed with the shared secret whose sha256 claim covers the
// exact body bytes.
type WebhookVerifier struct {
	signer *TokenSigner
}

// NewWebhookVerifier creates a verifier sharing signer credentials with the room server.
func NewWebhookVerifier(signer *TokenSigner) *WebhookVerifier {
	return &WebhookVerifier{signer: signer}
}

// Verify checks the authorization token and that its sha256 claim matches body,
// then decodes the event.
func (v *WebhookVerifier) Verify(body []byte, authorization string) (*WebhookEvent, error) {
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" {
		return nil, ErrMissingSignature
	}

	claims, err := v.signer.Parse(token)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)
	expected := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(claims.SHA256)) != 1 {
		return nil, ErrBodyMismatch
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook body: %w", err)
	}
	return &event, nil
}

// Sign produces the Authorization value for body. Used by tests and by
// tooling that replays webhooks.
func (v *WebhookVerifier) Sign(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	return v.signer.sign(&Claims{SHA256: base64.StdEncoding.EncodeToString(sum[:])}, v.signer.ttl)
}

// RoomEvent translates the webhook into the orchestrator's vocabulary. ok is
// false for event kinds that carry no lifecycle meaning.
func (e *WebhookEvent) RoomEvent() (ports.RoomEvent, bool) {
	if e.Room == nil || e.Room.Name == "" {
		return ports.RoomEvent{}, false
	}

	out := ports.RoomEvent{Type: ports.RoomEventType(e.Event), RoomName: e.Room.Name}
	switch out.Type {
	case ports.RoomStarted, ports.RoomFinished:
		return out, true
	case ports.ParticipantJoined, ports.ParticipantLeft:
		if e.Participant == nil || e.Participant.Identity == "" {
			return ports.RoomEvent{}, false
		}
		out.Participant = &ports.RoomMember{
			Identity: e.Participant.Identity,
			Name:     e.Participant.Name,
			Metadata: rawMetadata(e.Participant.Metadata),
		}
		return out, true
	default:
		return ports.RoomEvent{}, false
	}
}

func rawMetadata(raw json.RawMessage) map[string]any {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return decodeMetadata(s)
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) == nil && len(m) > 0 {
		return m
	}
	return nil
}
