package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/mikabot/mika/internal/store"
)

const (
	dreamTopicFetchLimit = 200
	mergedKeywordCap     = 10
	mergedKeyPointCap    = 10
	mergedParticipantCap = 20
)

// DreamOptions bounds one offline cleanup run.
type DreamOptions struct {
	MaxIterations         int
	MinSummaryChars       int
	MaxMergedSummaryChars int
}

// Dream deduplicates a session's topic summaries: merges same-named topics
// into the newest entry and drops thin one-shot topics.
type Dream struct {
	topics *store.TopicStore
	opts   DreamOptions
	log    *slog.Logger
}

func NewDream(topics *store.TopicStore, opts DreamOptions, log *slog.Logger) *Dream {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.MinSummaryChars <= 0 {
		opts.MinSummaryChars = 20
	}
	if opts.MaxMergedSummaryChars <= 0 {
		opts.MaxMergedSummaryChars = 2000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dream{topics: topics, opts: opts, log: log}
}

// DreamResult reports what one run changed.
type DreamResult struct {
	Merged  int
	Deleted int
}

// RunSession executes one bounded cleanup pass for the session.
func (d *Dream) RunSession(ctx context.Context, sessionKey string) (DreamResult, error) {
	var res DreamResult
	topics, err := d.topics.BySession(ctx, sessionKey, dreamTopicFetchLimit)
	if err != nil {
		return res, err
	}

	budget := d.opts.MaxIterations

	groups := make(map[string][]store.TopicSummary)
	for _, t := range topics {
		key := normalizeTopicName(t.Topic)
		groups[key] = append(groups[key], t)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make(map[int64]bool)
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 || budget <= 0 {
			continue
		}
		n, err := d.mergeGroup(ctx, group)
		if err != nil {
			d.log.Warn("topic merge failed", "session", sessionKey, "topic", key, "error", err)
			continue
		}
		for _, t := range group[1:] {
			merged[t.ID] = true
		}
		res.Merged += n
		budget--
	}

	for _, t := range topics {
		if budget <= 0 {
			break
		}
		if merged[t.ID] {
			continue
		}
		if len(t.Summary) < d.opts.MinSummaryChars && t.SourceMessageCount <= 1 {
			if err := d.topics.Delete(ctx, t.ID); err != nil {
				d.log.Warn("topic delete failed", "session", sessionKey, "id", t.ID, "error", err)
				continue
			}
			res.Deleted++
			budget--
		}
	}
	return res, nil
}

// mergeGroup folds a same-named group into its newest entry and deletes the
// rest. Returns the number of entries absorbed.
func (d *Dream) mergeGroup(ctx context.Context, group []store.TopicSummary) (int, error) {
	sort.Slice(group, func(i, j int) bool { return group[i].UpdatedAt > group[j].UpdatedAt })
	primary := group[0]

	summaries := []string{primary.Summary}
	for _, t := range group[1:] {
		summaries = append(summaries, t.Summary)
		primary.Keywords = unionCapped(primary.Keywords, t.Keywords, mergedKeywordCap)
		primary.KeyPoints = unionCapped(primary.KeyPoints, t.KeyPoints, mergedKeyPointCap)
		primary.Participants = unionCapped(primary.Participants, t.Participants, mergedParticipantCap)
		primary.SourceMessageCount += t.SourceMessageCount
		if t.TimestampStart > 0 && (primary.TimestampStart == 0 || t.TimestampStart < primary.TimestampStart) {
			primary.TimestampStart = t.TimestampStart
		}
		if t.TimestampEnd > primary.TimestampEnd {
			primary.TimestampEnd = t.TimestampEnd
		}
	}
	primary.Summary = truncateRunes(strings.Join(summaries, "\n"), d.opts.MaxMergedSummaryChars)

	if err := d.topics.Update(ctx, &primary); err != nil {
		return 0, err
	}
	absorbed := 0
	for _, t := range group[1:] {
		if err := d.topics.Delete(ctx, t.ID); err != nil {
			return absorbed, err
		}
		absorbed++
	}
	return absorbed, nil
}

func normalizeTopicName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func unionCapped(base, extra []string, limit int) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base))
	for _, s := range base {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range extra {
		if len(out) >= limit {
			break
		}
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
