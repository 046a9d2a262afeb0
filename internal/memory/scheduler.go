package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mikabot/mika/internal/store"
	"github.com/mikabot/mika/internal/supervisor"
)

// DreamScheduler ticks against a cron schedule and launches dream runs for
// sessions that have gone idle. The supervisor key doubles as the
// per-session lock.
type DreamScheduler struct {
	dream    *Dream
	topics   *store.TopicStore
	archive  *store.ContextStore
	sup      *supervisor.Supervisor
	schedule string
	idle     time.Duration
	gron     *gronx.Gronx
	log      *slog.Logger
	now      func() time.Time
}

func NewDreamScheduler(dream *Dream, topics *store.TopicStore, archive *store.ContextStore, sup *supervisor.Supervisor, schedule string, idleMinutes int, log *slog.Logger) *DreamScheduler {
	if schedule == "" {
		schedule = "0 * * * *"
	}
	if idleMinutes <= 0 {
		idleMinutes = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &DreamScheduler{
		dream:    dream,
		topics:   topics,
		archive:  archive,
		sup:      sup,
		schedule: schedule,
		idle:     time.Duration(idleMinutes) * time.Minute,
		gron:     gronx.New(),
		log:      log,
		now:      time.Now,
	}
}

// Tick checks the cron expression and spawns dream runs for idle sessions.
// Returns the number of runs launched.
func (s *DreamScheduler) Tick(ctx context.Context) int {
	due, err := s.gron.IsDue(s.schedule, s.now())
	if err != nil {
		s.log.Warn("invalid dream schedule", "schedule", s.schedule, "error", err)
		return 0
	}
	if !due {
		return 0
	}

	sessions, err := s.topics.SessionKeys(ctx)
	if err != nil {
		s.log.Warn("dream session listing failed", "error", err)
		return 0
	}

	launched := 0
	for _, session := range sessions {
		if !s.sessionIdle(ctx, session) {
			continue
		}
		session := session
		ok := s.sup.Submit("dream:"+session, func(taskCtx context.Context) {
			res, err := s.dream.RunSession(taskCtx, session)
			if err != nil {
				s.log.Warn("dream run failed", "session", session, "error", err)
				return
			}
			if res.Merged > 0 || res.Deleted > 0 {
				s.log.Info("dream run finished", "session", session,
					"merged", res.Merged, "deleted", res.Deleted)
			}
		})
		if ok {
			launched++
		}
	}
	return launched
}

// Loop ticks once per minute until the context is canceled.
func (s *DreamScheduler) Loop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// sessionIdle reports whether the session's newest archived message is older
// than the idle gate. Sessions with no archive rows are skipped.
func (s *DreamScheduler) sessionIdle(ctx context.Context, sessionKey string) bool {
	tail, err := s.archive.ArchiveTail(ctx, sessionKey, 1)
	if err != nil || len(tail) == 0 {
		return false
	}
	last := time.UnixMilli(tail[0].Timestamp)
	return s.now().Sub(last) >= s.idle
}
