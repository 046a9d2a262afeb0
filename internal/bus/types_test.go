package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &EventEnvelope{
		SchemaVersion: EnvelopeSchemaVersion,
		SessionID:     "group:12345",
		Platform:      "onebot",
		Protocol:      "v11",
		MessageID:     "msg-778",
		Timestamp:     1724486400123,
		Author:        Author{ID: "u1", Nickname: "小明", Role: "member"},
		ContentParts: []ContentPart{
			{Kind: PartReply, ReplyToID: "msg-700"},
			{Kind: PartMention, TargetID: "bot-1"},
			{Kind: PartText, Text: "看看这张图"},
			{Kind: PartImage, URL: "https://example.com/a.jpg"},
		},
		Meta: map[string]string{"guild": "g1"},
	}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestEnvelopeAccessors(t *testing.T) {
	env := &EventEnvelope{
		ContentParts: []ContentPart{
			{Kind: PartText, Text: "hello "},
			{Kind: PartMention, TargetID: "u9"},
			{Kind: PartText, Text: "world"},
			{Kind: PartImage, URL: "https://x/img.png"},
		},
	}

	assert.Equal(t, "hello world", env.PlainText())
	assert.Equal(t, []string{"https://x/img.png"}, env.ImageURLs())
	assert.Equal(t, []string{"u9"}, env.Mentions())
	assert.True(t, env.HasImage())
}

func TestDecodeEnvelopeDefaultsSchemaVersion(t *testing.T) {
	decoded, err := DecodeEnvelope([]byte(`{"session_id":"private:u1","message_id":"m1","timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, EnvelopeSchemaVersion, decoded.SchemaVersion)
}

func TestActions(t *testing.T) {
	var a Action = SendMessageAction{SessionKey: "group:1", Text: "hi"}
	assert.Equal(t, "send_message", a.ActionKind())
	assert.Equal(t, "noop", NoopAction{}.ActionKind())
}
