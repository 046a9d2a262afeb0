// Package agent is the conversational core: orchestrator pipeline, request
// planner, pre-search, retrieval agent, proactive gate, tool loop, reply
// sanitizer and prompt-injection guard.
package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeReply cleans assistant output before delivery: thinking markers,
// search-exposure prefixes, markdown residue, role tags, invisible unicode.
func SanitizeReply(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = stripThinkingMarkers(content)
	content = stripSearchExposure(content)
	content = stripLatex(content)
	content = convertMarkdown(content)
	content = stripRoleTags(content)
	content = stripInvisibleRunes(content)
	content = collapseBlankLines(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized reply", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// --- thinking / drafting markers ---

var thinkingMarkerPattern = regexp.MustCompile(
	`(?im)^[*_]{1,2}(?:thinking|drafting|planning)[*_]{1,2}\s*[:：].*$`)

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingMarkers(content string) string {
	lower := strings.ToLower(content)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range thinkingTagPatterns {
			content = pat.ReplaceAllString(content, "")
		}
	}
	if strings.ContainsAny(content, "*_") {
		content = thinkingMarkerPattern.ReplaceAllString(content, "")
	}
	return content
}

// --- search exposure prefixes ---

var searchExposurePattern = regexp.MustCompile(
	`(?i)^\s*(?:based on (?:the |my )?search(?: results?)?|according to (?:the |my )?search(?: results?)?|i searched (?:for|the web)[^,.:，。]*|根据搜索结果|根据搜索|我搜索了[^，。]*)[,.:，。:]?\s*`)

func stripSearchExposure(content string) string {
	return searchExposurePattern.ReplaceAllString(content, "")
}

// --- LaTeX ---

var (
	latexBlockPattern  = regexp.MustCompile(`(?s)\$\$.*?\$\$`)
	latexInlinePattern = regexp.MustCompile(`\$[^$\n]+\$`)
)

func stripLatex(content string) string {
	if !strings.Contains(content, "$") {
		return content
	}
	content = latexBlockPattern.ReplaceAllString(content, "")
	return latexInlinePattern.ReplaceAllString(content, "")
}

// --- markdown to chat-plain text ---

var (
	codeFencePattern   = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")
	inlineCodePattern  = regexp.MustCompile("`([^`\n]*)`")
	boldPattern        = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	underlinePattern   = regexp.MustCompile(`__([^_]+)__`)
	emphasisPattern    = regexp.MustCompile(`(?m)(^|[^\w*])\*([^*\n]+)\*`)
	underEmPattern     = regexp.MustCompile(`(?m)(^|[^\w_])_([^_\n]+)_`)
	headingPattern     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	blockquotePattern  = regexp.MustCompile(`(?m)^>\s*(.+)$`)
	orderedListPattern = regexp.MustCompile(`(?m)^(\s*)(\d+)\.\s+`)
	bulletListPattern  = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
	linkPattern        = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

// convertMarkdown flattens markdown into chat-friendly plain text: headings
// become 【X】, blockquotes 「X」, ordered lists 1、 and bullets · .
func convertMarkdown(content string) string {
	content = codeFencePattern.ReplaceAllString(content, "$1")
	content = linkPattern.ReplaceAllString(content, "$1")
	content = headingPattern.ReplaceAllString(content, "【$1】")
	content = blockquotePattern.ReplaceAllString(content, "「$1」")
	content = orderedListPattern.ReplaceAllString(content, "$1$2、")
	content = bulletListPattern.ReplaceAllString(content, "$1· ")
	content = boldPattern.ReplaceAllString(content, "$1")
	content = underlinePattern.ReplaceAllString(content, "$1")
	content = emphasisPattern.ReplaceAllString(content, "$1$2")
	content = underEmPattern.ReplaceAllString(content, "$1$2")
	content = inlineCodePattern.ReplaceAllString(content, "$1")
	return content
}

// --- role tags ---

// roleTagPattern matches leading "[Nickname(12345)]:" style speaker labels
// that models echo back from the transcript.
var roleTagPattern = regexp.MustCompile(`(?m)^\s*\[[^\[\]]{1,32}\(\d+\)\]\s*[:：]\s*`)

var decorativeTagPattern = regexp.MustCompile(
	`(?m)^\s*\[(?:回复|Reply|System Message|系统提示)[^\[\]]*\]\s*`)

func stripRoleTags(content string) string {
	if !strings.Contains(content, "[") {
		return content
	}
	content = roleTagPattern.ReplaceAllString(content, "")
	return decorativeTagPattern.ReplaceAllString(content, "")
}

// --- invisible unicode ---

var invisibleRunes = map[rune]bool{
	'\u200b': true, // zero-width space
	'\u200c': true, // zero-width non-joiner
	'\u200d': true, // zero-width joiner
	'\u200e': true, // left-to-right mark
	'\u200f': true, // right-to-left mark
	'\u202a': true, '\u202b': true, '\u202c': true, '\u202d': true, '\u202e': true,
	'\u2066': true, '\u2067': true, '\u2068': true, '\u2069': true,
	'\ufeff': true, // BOM
}

func stripInvisibleRunes(content string) string {
	return strings.Map(func(r rune) rune {
		if invisibleRunes[r] {
			return -1
		}
		return r
	}, content)
}

// --- blank lines ---

var blankRunPattern = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(content string) string {
	return blankRunPattern.ReplaceAllString(content, "\n\n")
}

// --- silent reply detection ---

const silentToken = "NO_REPLY"

// IsSilentReply reports whether the sanitized text is the silent-reply
// token, alone or at either edge of the message.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == silentToken {
		return true
	}
	if strings.HasPrefix(trimmed, silentToken) {
		rest := trimmed[len(silentToken):]
		if !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, silentToken) {
		before := trimmed[:len(trimmed)-len(silentToken)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
