// Package transcript renders group chat history as a compact text block
// with speaker identity and relative time, for injection as a single
// system message.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const (
	headerLine     = "[Chatroom Transcript]"
	footerLine     = "[End Transcript]"
	maxNameWidth   = 24
	defaultLineMax = 120
)

// Line is one transcript entry before rendering.
type Line struct {
	UserID      string
	DisplayName string
	Role        string // "user" or "assistant"
	Content     string
	MessageID   string
	Timestamp   int64 // unix ms
	HasMedia    bool  // image/emoji placeholder present, keeps the msg_id anchor
}

// Options controls rendering.
type Options struct {
	BotName         string
	LineMaxChars    int
	MaxParticipants int
}

// Build renders lines (oldest first) into the transcript block. The newest
// message's timestamp is the baseline for relative-time hints, so output is
// deterministic for a fixed history.
func Build(lines []Line, opts Options) string {
	if len(lines) == 0 {
		return ""
	}
	if opts.LineMaxChars <= 0 {
		opts.LineMaxChars = defaultLineMax
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 8
	}

	baseline := lines[len(lines)-1].Timestamp
	names := resolveNames(lines, opts.BotName)

	var b strings.Builder
	b.WriteString(headerLine)
	b.WriteString("\n")
	b.WriteString(participantsHeader(lines, names, opts))
	b.WriteString("\n")

	for _, line := range lines {
		text := clipLine(normalizeSpace(line.Content), opts.LineMaxChars)
		if text == "" {
			continue
		}
		anchor := ""
		if line.HasMedia && line.MessageID != "" {
			anchor = fmt.Sprintf("<msg_id:%s> ", line.MessageID)
		}
		fmt.Fprintf(&b, "[%s] %s: %s%s\n",
			relativeHint(baseline, line.Timestamp), names[speakerKey(line)], anchor, text)
	}

	b.WriteString(footerLine)
	return b.String()
}

// ShrinkBlock reduces a rendered transcript to roughly keepRatio of its
// lines, keeping the newest ones and both frame lines.
func ShrinkBlock(block string, keepRatio float64) string {
	lines := strings.Split(block, "\n")
	if len(lines) < 4 || keepRatio >= 1 {
		return block
	}

	// frame: header, participants, body..., footer
	header := lines[:2]
	footer := lines[len(lines)-1]
	body := lines[2 : len(lines)-1]

	keep := int(float64(len(body)) * keepRatio)
	if keep < 1 {
		keep = 1
	}
	body = body[len(body)-keep:]

	var b strings.Builder
	b.WriteString(strings.Join(header, "\n"))
	b.WriteString("\n")
	b.WriteString(strings.Join(body, "\n"))
	b.WriteString("\n")
	b.WriteString(footer)
	return b.String()
}

// speakerKey identifies one speaker for name resolution.
func speakerKey(line Line) string {
	if line.Role == "assistant" {
		return "assistant"
	}
	return line.UserID
}

// resolveNames sanitizes display names and disambiguates collisions with a
// (user_id) suffix. Names are stable per user id.
func resolveNames(lines []Line, botName string) map[string]string {
	sanitized := make(map[string]string)
	byName := make(map[string][]string) // sanitized name → user ids

	for _, line := range lines {
		key := speakerKey(line)
		if _, done := sanitized[key]; done {
			continue
		}
		var name string
		if key == "assistant" {
			name = botName
			if name == "" {
				name = "Bot"
			}
		} else {
			name = SanitizeName(line.DisplayName)
			if name == "" {
				name = "User" + line.UserID
			}
		}
		sanitized[key] = name
		if key != "assistant" {
			byName[name] = append(byName[name], key)
		}
	}

	for name, ids := range byName {
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids {
			sanitized[id] = fmt.Sprintf("%s(%s)", name, id)
		}
	}
	return sanitized
}

// SanitizeName keeps CJK, ASCII letters, digits, underscore and hyphen,
// clipped to 24 display cells.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-':
			b.WriteRune(r)
		case isCJK(r):
			b.WriteRune(r)
		}
	}
	return runewidth.Truncate(b.String(), maxNameWidth, "")
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK unified
		(r >= 0x3400 && r <= 0x4DBF) || // extension A
		(r >= 0x3040 && r <= 0x30FF) || // kana
		(r >= 0xAC00 && r <= 0xD7AF) // hangul
}

// participantsHeader lists the most recent distinct speakers (excluding
// the bot) plus the last speaker.
func participantsHeader(lines []Line, names map[string]string, opts Options) string {
	var active []string
	seen := make(map[string]bool)
	last := ""

	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line.Role == "assistant" {
			continue
		}
		name := names[speakerKey(line)]
		if last == "" {
			last = name
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if len(active) < opts.MaxParticipants {
			active = append(active, name)
		}
	}
	// restore chronological-recent ordering: oldest of the kept set first
	for i, j := 0, len(active)-1; i < j; i, j = i+1, j-1 {
		active[i], active[j] = active[j], active[i]
	}

	return fmt.Sprintf("[Participants] active: %s | last: %s",
		strings.Join(active, ", "), last)
}

// relativeHint renders the CJK relative-time hint against the baseline.
func relativeHint(baseline, ts int64) string {
	delta := time.Duration(baseline-ts) * time.Millisecond
	switch {
	case delta < time.Minute:
		return "刚刚"
	case delta < time.Hour:
		return fmt.Sprintf("%d分钟前", int(delta.Minutes()))
	case delta < 24*time.Hour:
		return fmt.Sprintf("%d小时前", int(delta.Hours()))
	default:
		return fmt.Sprintf("%d天前", int(delta.Hours()/24))
	}
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clipLine truncates by display cells so CJK text clips evenly.
func clipLine(s string, max int) string {
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}

// IsTranscriptBlock reports whether a system message carries a transcript.
func IsTranscriptBlock(content string) bool {
	return strings.HasPrefix(content, headerLine)
}
