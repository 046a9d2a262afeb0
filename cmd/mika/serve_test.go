package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikabot/mika/internal/agent"
	"github.com/mikabot/mika/internal/bus"
	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/sessions"
	"github.com/mikabot/mika/internal/store"
)

func newTestCore(t *testing.T) *core {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mika.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Bot.SelfID = "bot-1"
	cfg.Proactive.Enabled = false
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &core{
		cfg:      cfg,
		gate:     agent.NewProactiveGate(cfg, agent.KeywordMatcher{}, log),
		contexts: store.NewContextStore(db, 50, 8),
		images:   newImageIndex(16),
		log:      log,
	}
}

func TestHandleArchivesUnaddressedGroupMessage(t *testing.T) {
	c := newTestCore(t)

	env := &bus.EventEnvelope{
		SchemaVersion: 1,
		MessageID:     "m1",
		Timestamp:     1724486400000,
		Author:        bus.Author{ID: "u2", Nickname: "小红"},
		ContentParts:  []bus.ContentPart{{Kind: bus.PartText, Text: "今天好热"}},
		Meta:          map[string]string{"group_id": "g1"},
	}

	action := c.handle(context.Background(), env)
	noop, ok := action.(bus.NoopAction)
	require.True(t, ok)
	assert.Equal(t, "not_addressed", noop.Reason)

	rows, err := c.contexts.ArchiveTail(context.Background(), sessions.GroupKey("g1"), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "今天好热", rows[0].Content)
	assert.Equal(t, "u2", rows[0].UserID)
	assert.Equal(t, "小红", rows[0].DisplayName)
	assert.Equal(t, "m1", rows[0].MessageID)
	assert.Equal(t, int64(1724486400000), rows[0].Timestamp)

	// snapshot holds handled turns only
	msgs, err := c.contexts.Get(context.Background(), sessions.GroupKey("g1"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandleArchivesObservedImageAsPlaceholder(t *testing.T) {
	c := newTestCore(t)

	env := &bus.EventEnvelope{
		SchemaVersion: 1,
		MessageID:     "m2",
		Timestamp:     1724486401000,
		Author:        bus.Author{ID: "u3"},
		ContentParts: []bus.ContentPart{
			{Kind: bus.PartText, Text: "看这个"},
			{Kind: bus.PartImage, URL: "https://example.com/a.png"},
		},
		Meta: map[string]string{"group_id": "g1"},
	}

	c.handle(context.Background(), env)

	rows, err := c.contexts.ArchiveTail(context.Background(), sessions.GroupKey("g1"), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Content, "看这个")
	assert.Contains(t, rows[0].Content, "[图片]")
}

func TestHandleDropsSelfMessages(t *testing.T) {
	c := newTestCore(t)

	env := &bus.EventEnvelope{
		SchemaVersion: 1,
		MessageID:     "m3",
		Author:        bus.Author{ID: "bot-1"},
		ContentParts:  []bus.ContentPart{{Kind: bus.PartText, Text: "echo"}},
		Meta:          map[string]string{"group_id": "g1"},
	}

	action := c.handle(context.Background(), env)
	noop, ok := action.(bus.NoopAction)
	require.True(t, ok)
	assert.Equal(t, "self_message", noop.Reason)

	count, err := c.contexts.ArchiveCount(context.Background(), sessions.GroupKey("g1"))
	require.NoError(t, err)
	assert.Zero(t, count, "own messages never enter the archive")
}
