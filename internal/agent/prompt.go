package agent

import (
	"strings"
	"time"

	"github.com/mikabot/mika/internal/config"
)

// PromptVars is the request-scoped value object threaded through the
// pipeline. No module-level state.
type PromptVars struct {
	BotName        string
	MasterName     string
	SessionKey     string
	UserID         string
	Nickname       string
	Now            time.Time
	ProfileSummary string
	Injections     []string
}

// Inject appends one system injection block.
func (v *PromptVars) Inject(block string) {
	if strings.TrimSpace(block) == "" {
		return
	}
	v.Injections = append(v.Injections, block)
}

// RenderSystemPrompt fills the persona template and appends the collected
// injections.
func RenderSystemPrompt(cfg *config.Config, vars *PromptVars) string {
	tmpl := cfg.Bot.SystemPrompt
	if tmpl == "" {
		tmpl = "你是{name}。现在是{datetime}。{profile}"
	}

	profile := ""
	if vars.ProfileSummary != "" {
		profile = "\n[用户画像] " + vars.ProfileSummary
	}

	r := strings.NewReplacer(
		"{name}", vars.BotName,
		"{master}", vars.MasterName,
		"{datetime}", vars.Now.Format("2006-01-02 15:04 Monday"),
		"{session}", vars.SessionKey,
		"{profile}", profile,
	)
	out := r.Replace(tmpl)

	if len(vars.Injections) > 0 {
		out += "\n\n" + strings.Join(vars.Injections, "\n\n")
	}
	return out
}

// maskSensitive replaces configured terms in history content at deep
// degradation levels.
func maskSensitive(text string, terms []string) string {
	for _, term := range terms {
		if term == "" {
			continue
		}
		text = strings.ReplaceAll(text, term, strings.Repeat("▇", len([]rune(term))))
	}
	return text
}
