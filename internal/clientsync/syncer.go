package clientsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/changefeed"
)

// View key builders shared by readers and the syncer.
func SessionKey(id uuid.UUID) string             { return "session:" + id.String() }
func SessionParticipantsKey(id uuid.UUID) string { return "session:" + id.String() + ":participants" }
func SessionReportsKey(id uuid.UUID) string      { return "session:" + id.String() + ":reports" }
func UserRestrictionKey(id uuid.UUID) string     { return "user:" + id.String() + ":restriction" }
func UserBansKey(id uuid.UUID) string            { return "user:" + id.String() + ":bans" }

// Stream is the changefeed subscription surface the syncer consumes.
type Stream interface {
	Subscribe(ctx context.Context, filter changefeed.Filter) (<-chan changefeed.Event, error)
}

// Syncer drives a ViewCache from the changefeed. Invalidations are
// coalesced per key; when the stream drops every view is invalidated
// wholesale before resubscribing, since the bus offers no replay.
type Syncer struct {
	cache     *ViewCache
	stream    Stream
	coalescer *Coalescer
	logger    *zap.Logger
	retryWait time.Duration
}

// NewSyncer creates a syncer over the given stream. onFlush, when not nil,
// observes each batch of invalidated keys after they hit the cache, letting
// the realtime layer push refresh hints to connected clients.
func NewSyncer(cache *ViewCache, stream Stream, coalesceWindow time.Duration, onFlush func(keys []string), logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Syncer{
		cache:     cache,
		stream:    stream,
		logger:    logger,
		retryWait: time.Second,
	}
	s.coalescer = NewCoalescer(coalesceWindow, func(keys []string) {
		for _, k := range keys {
			cache.Invalidate(k)
		}
		if onFlush != nil {
			onFlush(keys)
		}
	})
	return s
}

// Run consumes the changefeed until ctx is done, resubscribing with a full
// resynchronization after every stream loss.
func (s *Syncer) Run(ctx context.Context) {
	defer s.coalescer.Close()
	for {
		ch, err := s.stream.Subscribe(ctx, changefeed.Filter{})
		if err != nil {
			s.logger.Warn("changefeed subscribe failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryWait):
			}
			continue
		}
		for ev := range ch {
			s.coalescer.Mark(keysFor(ev)...)
		}
		if ctx.Err() != nil {
			return
		}
		// Stream dropped mid-flight: missed events are unrecoverable, so
		// every cached view is suspect.
		s.logger.Warn("changefeed stream lost, invalidating all views")
		s.cache.InvalidateAll()
	}
}

// eventRow is the subset of row fields the key mapping needs.
type eventRow struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    *uuid.UUID `json:"session_id"`
	BannedUserID *uuid.UUID `json:"banned_user_id"`
}

// keysFor maps one row event to the view keys it dirties. Any event
// touching a session also dirties the session view itself, because counts
// and peak_viewers are derived there.
func keysFor(ev changefeed.Event) []string {
	var row eventRow
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		return nil
	}
	switch ev.Table {
	case changefeed.TableSessions:
		return []string{SessionKey(row.ID)}
	case changefeed.TableParticipants:
		if row.SessionID == nil {
			return nil
		}
		return []string{SessionParticipantsKey(*row.SessionID), SessionKey(*row.SessionID)}
	case changefeed.TableReports:
		if row.SessionID == nil {
			return nil
		}
		return []string{SessionReportsKey(*row.SessionID)}
	case changefeed.TableBanRecords:
		if row.BannedUserID == nil {
			return nil
		}
		return []string{UserRestrictionKey(*row.BannedUserID), UserBansKey(*row.BannedUserID)}
	}
	return nil
}
