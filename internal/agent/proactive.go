package agent

import (
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mikabot/mika/internal/config"
)

// Trigger paths reported by the gate.
const (
	TriggerKeyword  = "keyword"
	TriggerSemantic = "semantic"
)

// SemanticMatcher scores a message against the configured topic set.
type SemanticMatcher interface {
	Match(text string, topics []string) (match bool, topic string, score float64)
}

// groupState is the per-group proactive bookkeeping.
type groupState struct {
	heat              float64
	heatUpdatedAt     time.Time
	lastTrigger       time.Time
	messagesSinceLast int
	limiter           *rate.Limiter
}

// ProactiveGate decides whether the bot speaks up in a group without being
// addressed. All checks are cheap and local; the LLM judge runs afterwards
// in the orchestrator.
type ProactiveGate struct {
	cfg     *config.Config
	matcher SemanticMatcher
	log     *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupState

	now  func() time.Time
	rand func() float64

	// OnTrigger is called with the trigger path when the gate fires.
	OnTrigger func(path string)
}

func NewProactiveGate(cfg *config.Config, matcher SemanticMatcher, log *slog.Logger) *ProactiveGate {
	if log == nil {
		log = slog.Default()
	}
	return &ProactiveGate{
		cfg:     cfg,
		matcher: matcher,
		log:     log,
		groups:  make(map[string]*groupState),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// GateInput describes one inbound group message for evaluation.
type GateInput struct {
	GroupID    string
	SenderID   string
	Text       string
	HasImage   bool
	MentionsMe bool
	SelfSent   bool
}

// TriggerResult is a fired gate decision.
type TriggerResult struct {
	Path  string
	Topic string
	Score float64
}

// Observe records an inbound message into the heat model. Call for every
// group message, including ones that will not trigger.
func (g *ProactiveGate) Observe(groupID string, increment float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(groupID)
	g.decayHeat(st)
	st.heat += increment
	st.messagesSinceLast++
}

// Check evaluates all trigger conditions. A non-nil result means the
// orchestrator should run the LLM judge.
func (g *ProactiveGate) Check(in GateInput) *TriggerResult {
	p := g.cfg.Proactive
	if !p.Enabled || in.SelfSent || in.GroupID == "" || in.MentionsMe {
		return nil
	}
	if !g.whitelisted(in.GroupID) {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(in.GroupID)
	g.decayHeat(st)

	// keyword fast path short-circuits the semantic conditions
	if g.keywordMatch(in.Text) {
		if st.messagesSinceLast < p.KeywordCooldownMessages {
			return nil
		}
		if !st.limiter.Allow() {
			return nil
		}
		g.fire(st, TriggerKeyword)
		return &TriggerResult{Path: TriggerKeyword}
	}

	if p.Rate <= 0 {
		return nil
	}
	if len([]rune(in.Text)) <= p.IgnoreLen && !in.HasImage {
		return nil
	}
	if st.heat < p.HeatThreshold {
		return nil
	}
	if g.now().Sub(st.lastTrigger) < time.Duration(p.CooldownSeconds)*time.Second {
		return nil
	}
	if st.messagesSinceLast < p.CooldownMessages {
		return nil
	}
	if g.matcher == nil {
		return nil
	}
	match, topic, score := g.matcher.Match(in.Text, g.cfg.Proactive.Topics)
	if !match {
		return nil
	}
	if g.rand() > p.Rate {
		return nil
	}
	if !st.limiter.Allow() {
		return nil
	}

	g.fire(st, TriggerSemantic)
	return &TriggerResult{Path: TriggerSemantic, Topic: topic, Score: score}
}

// Heat returns the current decayed heat for a group.
func (g *ProactiveGate) Heat(groupID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(groupID)
	g.decayHeat(st)
	return st.heat
}

func (g *ProactiveGate) fire(st *groupState, path string) {
	st.lastTrigger = g.now()
	st.messagesSinceLast = 0
	g.log.Info("proactive.triggered", "path", path)
	if g.OnTrigger != nil {
		g.OnTrigger(path)
	}
}

func (g *ProactiveGate) state(groupID string) *groupState {
	st, ok := g.groups[groupID]
	if !ok {
		burst := g.cfg.Proactive.BurstPerMinute
		if burst <= 0 {
			burst = 2
		}
		st = &groupState{
			heatUpdatedAt: g.now(),
			limiter:       rate.NewLimiter(rate.Limit(float64(burst)/60.0), burst),
		}
		g.groups[groupID] = st
	}
	return st
}

func (g *ProactiveGate) decayHeat(st *groupState) {
	now := g.now()
	elapsed := now.Sub(st.heatUpdatedAt).Minutes()
	if elapsed > 0 {
		st.heat -= elapsed * g.cfg.Proactive.HeatDecayPerMinute
		if st.heat < 0 {
			st.heat = 0
		}
	}
	st.heatUpdatedAt = now
}

func (g *ProactiveGate) whitelisted(groupID string) bool {
	wl := g.cfg.Proactive.GroupWhitelist
	if len(wl) == 0 {
		return true
	}
	for _, id := range wl {
		if id == groupID {
			return true
		}
	}
	return false
}

func (g *ProactiveGate) keywordMatch(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range g.cfg.Proactive.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// KeywordMatcher is a trivial SemanticMatcher backed by substring overlap,
// used when no embedding-based matcher is wired.
type KeywordMatcher struct{}

func (KeywordMatcher) Match(text string, topics []string) (bool, string, float64) {
	lower := strings.ToLower(text)
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(topic)) {
			return true, topic, 1.0
		}
	}
	return false, "", 0
}
