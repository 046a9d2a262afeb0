// Package bus defines the message types exchanged with platform adapters.
//
// Adapters produce EventEnvelope values for every inbound chat event and
// consume Action values (SendMessageAction / NoopAction) for delivery.
// The core never talks to a platform directly.
package bus

import (
	"encoding/json"
	"fmt"
)

// EnvelopeSchemaVersion is the current EventEnvelope wire schema version.
const EnvelopeSchemaVersion = 1

// Part kinds within an EventEnvelope.
const (
	PartText    = "text"
	PartMention = "mention"
	PartReply   = "reply"
	PartImage   = "image"
)

// Author identifies the sender of an inbound event.
type Author struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
	Role     string `json:"role,omitempty"` // "member", "admin", "owner"
}

// ContentPart is one segment of an inbound message.
type ContentPart struct {
	Kind string `json:"kind"` // PartText, PartMention, PartReply, PartImage

	Text      string `json:"text,omitempty"`       // PartText
	TargetID  string `json:"target_id,omitempty"`  // PartMention: mentioned user ID
	ReplyToID string `json:"reply_to_id,omitempty"` // PartReply: quoted message ID
	URL       string `json:"url,omitempty"`        // PartImage: image URL or data URL
	EmojiID   string `json:"emoji_id,omitempty"`   // PartImage: sticker/emoji identifier
}

// EventEnvelope is an inbound chat event as produced by a platform adapter.
// Immutable once created; the orchestrator never mutates it.
type EventEnvelope struct {
	SchemaVersion int               `json:"schema_version"`
	SessionID     string            `json:"session_id"`
	Platform      string            `json:"platform"`
	Protocol      string            `json:"protocol,omitempty"`
	MessageID     string            `json:"message_id"`
	Timestamp     int64             `json:"timestamp"` // unix ms
	Author        Author            `json:"author"`
	ContentParts  []ContentPart     `json:"content_parts"`
	Meta          map[string]string `json:"meta,omitempty"`
	Raw           json.RawMessage   `json:"raw,omitempty"`
}

// PlainText concatenates all text parts of the envelope.
func (e *EventEnvelope) PlainText() string {
	var out string
	for _, p := range e.ContentParts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ImageURLs returns the URLs of all image parts.
func (e *EventEnvelope) ImageURLs() []string {
	var urls []string
	for _, p := range e.ContentParts {
		if p.Kind == PartImage && p.URL != "" {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

// HasImage reports whether the envelope carries at least one image part.
func (e *EventEnvelope) HasImage() bool {
	for _, p := range e.ContentParts {
		if p.Kind == PartImage {
			return true
		}
	}
	return false
}

// Mentions returns the user IDs mentioned in the envelope.
func (e *EventEnvelope) Mentions() []string {
	var ids []string
	for _, p := range e.ContentParts {
		if p.Kind == PartMention && p.TargetID != "" {
			ids = append(ids, p.TargetID)
		}
	}
	return ids
}

// Encode serializes the envelope to its stable JSON encoding.
func (e *EventEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a stable JSON encoding back into an envelope.
func DecodeEnvelope(data []byte) (*EventEnvelope, error) {
	var e EventEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = EnvelopeSchemaVersion
	}
	return &e, nil
}

// Action is an outbound instruction for the platform adapter.
type Action interface {
	ActionKind() string
}

// SendMessageAction asks the adapter to deliver a reply.
type SendMessageAction struct {
	SessionKey string `json:"session_key"`
	Text       string `json:"text"`
	ReplyToID  string `json:"reply_to_id,omitempty"`
	AtUserID   string `json:"at_user_id,omitempty"` // mention target in group replies
}

func (SendMessageAction) ActionKind() string { return "send_message" }

// NoopAction signals that the core decided not to reply.
type NoopAction struct {
	Reason string `json:"reason,omitempty"`
}

func (NoopAction) ActionKind() string { return "noop" }

// ActionHandler consumes actions emitted by the orchestrator.
type ActionHandler func(Action)
