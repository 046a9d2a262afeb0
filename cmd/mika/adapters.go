package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mikabot/mika/internal/media"
	"github.com/mikabot/mika/internal/sessions"
	"github.com/mikabot/mika/internal/store"
	"github.com/mikabot/mika/internal/tools"
)

// archiveHistory serves search_group_history from the message archive.
type archiveHistory struct {
	contexts *store.ContextStore
}

func (a *archiveHistory) RecentLines(ctx context.Context, groupID string, count int) ([]string, error) {
	rows, err := a.contexts.ArchiveTail(ctx, sessions.GroupKey(groupID), count)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		ts := time.UnixMilli(r.Timestamp).Format("01-02 15:04")
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ts, r.UserID, r.Content))
	}
	return lines, nil
}

// knowledgeSearch serves search_knowledge: embed the query, then cosine
// search over the stored entries.
type knowledgeSearch struct {
	store    *store.KnowledgeStore
	embedder store.Embedder
}

func (k *knowledgeSearch) Search(ctx context.Context, query string, topK int, corpusID string) ([]tools.KnowledgeHit, error) {
	vec, err := k.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := k.store.Search(ctx, vec, topK, corpusID)
	if err != nil {
		return nil, err
	}
	out := make([]tools.KnowledgeHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, tools.KnowledgeHit{
			Content: h.Entry.Content,
			Score:   h.Score,
			Source:  h.Entry.Source,
		})
	}
	return out, nil
}

// imageIndex remembers the image URLs carried by recent inbound messages,
// keyed by message id. The archive only stores placeholders, so this is the
// lookup path for fetch_history_images.
type imageIndex struct {
	mu    sync.Mutex
	byMsg map[string][]string
	order []string
	cap   int
}

func newImageIndex(capacity int) *imageIndex {
	if capacity <= 0 {
		capacity = 256
	}
	return &imageIndex{byMsg: make(map[string][]string), cap: capacity}
}

func (x *imageIndex) Remember(messageID string, urls []string) {
	if messageID == "" || len(urls) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, seen := x.byMsg[messageID]; !seen {
		x.order = append(x.order, messageID)
		for len(x.order) > x.cap {
			delete(x.byMsg, x.order[0])
			x.order = x.order[1:]
		}
	}
	x.byMsg[messageID] = append([]string(nil), urls...)
}

func (x *imageIndex) Lookup(messageID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.byMsg[messageID]
}

// archiveImages serves fetch_history_images. Ownership is enforced through
// the archive: a message id that does not exist in the requesting group's
// archive yields no images.
type archiveImages struct {
	contexts *store.ContextStore
	fetcher  *media.Fetcher
	index    *imageIndex
}

func (a *archiveImages) FetchImages(ctx context.Context, groupID string, msgIDs []string, maxImages int) (tools.ImageFetchResult, error) {
	key := sessions.GroupKey(groupID)
	result := tools.ImageFetchResult{Images: []string{}}

	for _, id := range msgIDs {
		if len(result.Images) >= maxImages {
			break
		}
		row, err := a.contexts.FindArchivedByMessageID(ctx, key, id)
		if err != nil || row == nil {
			result.Mapping = append(result.Mapping, id+": not found in this group")
			continue
		}
		urls := a.index.Lookup(id)
		if len(urls) == 0 {
			result.Mapping = append(result.Mapping, id+": images no longer available")
			continue
		}
		for _, u := range urls {
			if len(result.Images) >= maxImages {
				break
			}
			dataURL, err := a.fetcher.AsDataURL(ctx, u)
			if err != nil {
				result.Mapping = append(result.Mapping, id+": fetch failed")
				continue
			}
			result.Images = append(result.Images, dataURL)
			result.Mapping = append(result.Mapping, fmt.Sprintf("%s: picid:%s", id, media.StableID(u)))
		}
	}

	result.Count = len(result.Images)
	result.Success = result.Count > 0
	if !result.Success && result.Error == "" {
		result.Error = "no images resolved"
	}
	return result, nil
}
