package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minuteMs = 60 * 1000

func sampleLines() []Line {
	base := int64(1_700_000_000_000)
	return []Line{
		{UserID: "u1", DisplayName: "Alice", Role: "user", Content: "早上好", Timestamp: base - 3*24*60*minuteMs},
		{UserID: "u2", DisplayName: "小明", Role: "user", Content: "看看这个图", MessageID: "m7", HasMedia: true, Timestamp: base - 2*60*minuteMs},
		{Role: "assistant", Content: "收到", Timestamp: base - 30*minuteMs},
		{UserID: "u3", DisplayName: "Alice", Role: "user", Content: "what   about    spacing", Timestamp: base - 2*minuteMs},
		{UserID: "u1", DisplayName: "Alice", Role: "user", Content: "最后一条", Timestamp: base},
	}
}

func TestBuildFrameAndRelativeTimes(t *testing.T) {
	out := Build(sampleLines(), Options{BotName: "Mika"})
	lines := strings.Split(out, "\n")

	assert.Equal(t, "[Chatroom Transcript]", lines[0])
	assert.Equal(t, "[End Transcript]", lines[len(lines)-1])
	assert.Contains(t, out, "[3天前]")
	assert.Contains(t, out, "[2小时前]")
	assert.Contains(t, out, "[30分钟前]")
	assert.Contains(t, out, "[2分钟前]")
	assert.Contains(t, out, "[刚刚] ")
	assert.Contains(t, out, "Mika: 收到")
}

func TestBuildDeterministic(t *testing.T) {
	a := Build(sampleLines(), Options{BotName: "Mika"})
	b := Build(sampleLines(), Options{BotName: "Mika"})
	assert.Equal(t, a, b)
}

func TestBuildDisambiguatesSharedNames(t *testing.T) {
	out := Build(sampleLines(), Options{BotName: "Mika"})
	// u1 and u3 both display as Alice
	assert.Contains(t, out, "Alice(u1)")
	assert.Contains(t, out, "Alice(u3)")
	assert.Contains(t, out, "小明")
}

func TestBuildMediaAnchor(t *testing.T) {
	out := Build(sampleLines(), Options{BotName: "Mika"})
	assert.Contains(t, out, "<msg_id:m7> 看看这个图")
	// lines without media carry no anchor
	assert.NotContains(t, out, "<msg_id:> ")
}

func TestBuildParticipantsHeader(t *testing.T) {
	out := Build(sampleLines(), Options{BotName: "Mika"})
	header := strings.Split(out, "\n")[1]
	assert.True(t, strings.HasPrefix(header, "[Participants] active: "))
	assert.Contains(t, header, "| last: Alice(u1)")
	assert.NotContains(t, header, "Mika", "bot is excluded from participants")
}

func TestBuildNormalizesAndClips(t *testing.T) {
	lines := []Line{{
		UserID: "u1", DisplayName: "Bob", Role: "user",
		Content:   "aa   bb\t\tcc " + strings.Repeat("x", 300),
		Timestamp: 1000,
	}}
	out := Build(lines, Options{BotName: "Mika", LineMaxChars: 40})
	assert.Contains(t, out, "aa bb cc")
	assert.Contains(t, out, "…")
	for _, l := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, len([]rune(l)), 80)
	}
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "小明_dev-1", SanitizeName("小明 _dev-1!!"))
	assert.Equal(t, "", SanitizeName("★☆✿"))
	// clipped to 24 display cells: CJK runes are 2 cells wide
	long := SanitizeName(strings.Repeat("汉", 30))
	assert.Equal(t, 12, len([]rune(long)))
}

func TestShrinkBlockKeepsNewestAndFrame(t *testing.T) {
	var lines []Line
	for i := 0; i < 10; i++ {
		lines = append(lines, Line{
			UserID: "u1", DisplayName: "Bob", Role: "user",
			Content: strings.Repeat("m", 3) + string(rune('0'+i)), Timestamp: int64(i * minuteMs),
		})
	}
	block := Build(lines, Options{BotName: "Mika"})
	shrunk := ShrinkBlock(block, 0.3)

	assert.True(t, strings.HasPrefix(shrunk, "[Chatroom Transcript]"))
	assert.True(t, strings.HasSuffix(shrunk, "[End Transcript]"))
	assert.Contains(t, shrunk, "mmm9", "newest line kept")
	assert.NotContains(t, shrunk, "mmm0", "oldest line dropped")
	assert.Less(t, len(strings.Split(shrunk, "\n")), len(strings.Split(block, "\n")))
}

func TestIsTranscriptBlock(t *testing.T) {
	block := Build(sampleLines(), Options{BotName: "Mika"})
	require.True(t, IsTranscriptBlock(block))
	assert.False(t, IsTranscriptBlock("You are Mika."))
}
