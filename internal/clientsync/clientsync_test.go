package clientsync

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlive/backend/internal/changefeed"
)

func TestViewCacheStaleStoreDiscarded(t *testing.T) {
	c := NewViewCache()
	key := "session:abc"

	generation := c.Generation(key)
	c.Invalidate(key) // invalidation lands while a load is in flight

	ok := c.Store(key, generation, "stale view")
	assert.False(t, ok)
	_, loaded := c.Get(key)
	assert.False(t, loaded)

	ok = c.Store(key, c.Generation(key), "fresh view")
	assert.True(t, ok)
	v, loaded := c.Get(key)
	require.True(t, loaded)
	assert.Equal(t, "fresh view", v)
}

func TestViewCacheInvalidateDropsValue(t *testing.T) {
	c := NewViewCache()
	require.True(t, c.Store("k", 0, 42))

	c.Invalidate("k")
	_, loaded := c.Get("k")
	assert.False(t, loaded)
	assert.Equal(t, uint64(1), c.Generation("k"))
}

func TestGetOrLoadDeduplicates(t *testing.T) {
	c := NewViewCache()
	var loads atomic.Int32
	load := func(context.Context) (any, error) {
		loads.Add(1)
		time.Sleep(10 * time.Millisecond)
		return "view", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, "view", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}

func TestCoalescerFoldsBurst(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	co := NewCoalescer(20*time.Millisecond, func(keys []string) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, keys)
	})
	defer co.Close()

	for i := 0; i < 50; i++ {
		co.Mark("session:1", "session:1:participants")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, batches[0], 2)
	assert.ElementsMatch(t, []string{"session:1", "session:1:participants"}, batches[0])
}

// fakeStream hands out scripted event channels, one per Subscribe call.
type fakeStream struct {
	mu       sync.Mutex
	channels []chan changefeed.Event
	subs     int
}

func (f *fakeStream) Subscribe(ctx context.Context, _ changefeed.Filter) (<-chan changefeed.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs >= len(f.channels) {
		ch := make(chan changefeed.Event)
		go func() { <-ctx.Done(); close(ch) }()
		return ch, nil
	}
	ch := f.channels[f.subs]
	f.subs++
	return ch, nil
}

func participantEvent(t *testing.T, sessionID uuid.UUID) changefeed.Event {
	t.Helper()
	row, err := json.Marshal(map[string]any{
		"id":         uuid.New(),
		"session_id": sessionID,
	})
	require.NoError(t, err)
	return changefeed.Event{Table: changefeed.TableParticipants, Type: changefeed.EventUpdate, Row: row}
}

func TestSyncerInvalidatesOnEvent(t *testing.T) {
	cache := NewViewCache()
	sessionID := uuid.New()
	require.True(t, cache.Store(SessionKey(sessionID), 0, "session view"))
	require.True(t, cache.Store(SessionParticipantsKey(sessionID), 0, "roster view"))

	events := make(chan changefeed.Event, 1)
	stream := &fakeStream{channels: []chan changefeed.Event{events}}
	syncer := NewSyncer(cache, stream, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); syncer.Run(ctx) }()

	events <- participantEvent(t, sessionID)

	assert.Eventually(t, func() bool {
		_, loadedSession := cache.Get(SessionKey(sessionID))
		_, loadedRoster := cache.Get(SessionParticipantsKey(sessionID))
		return !loadedSession && !loadedRoster
	}, time.Second, 5*time.Millisecond)

	cancel()
	close(events)
	<-done
}

func TestSyncerResyncsAfterStreamLoss(t *testing.T) {
	cache := NewViewCache()
	untouchedSession := uuid.New()
	require.True(t, cache.Store(SessionKey(untouchedSession), 0, "view"))

	first := make(chan changefeed.Event)
	second := make(chan changefeed.Event)
	stream := &fakeStream{channels: []chan changefeed.Event{first, second}}
	syncer := NewSyncer(cache, stream, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); syncer.Run(ctx) }()

	// Simulate a dropped connection: no event for the cached view was ever
	// delivered, yet the view must still be invalidated on reconnect.
	close(first)

	assert.Eventually(t, func() bool {
		_, loaded := cache.Get(SessionKey(untouchedSession))
		return !loaded
	}, time.Second, 5*time.Millisecond)

	stream.mu.Lock()
	resubscribed := stream.subs
	stream.mu.Unlock()
	assert.Equal(t, 2, resubscribed)

	cancel()
	close(second)
	<-done
}
