package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSource scripts a sequence of messages followed by a terminal error.
type fakeSource struct {
	msgs []*redis.Message
	err  error
}

func (f *fakeSource) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	if len(f.msgs) == 0 {
		return nil, f.err
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func feedMessage(t *testing.T, table string, row any) *redis.Message {
	t.Helper()
	ev, err := newEvent(table, EventUpdate, row)
	require.NoError(t, err)
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return &redis.Message{Channel: channelPrefix + table, Payload: string(body)}
}

func TestConsumeClosesStreamOnConnectionError(t *testing.T) {
	sessionID := uuid.New()
	src := &fakeSource{
		msgs: []*redis.Message{
			feedMessage(t, TableSessions, map[string]any{"id": sessionID}),
			{Channel: channelPrefix + TableSessions, Payload: "not json"},
			feedMessage(t, TableParticipants, map[string]any{"id": uuid.New(), "session_id": sessionID}),
		},
		err: errors.New("read tcp: connection reset by peer"),
	}

	sub := NewSubscriber(nil, zap.NewNop())
	out := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		sub.consume(context.Background(), src, Filter{}, out)
	}()

	first := <-out
	assert.Equal(t, TableSessions, first.Table)
	second := <-out
	assert.Equal(t, TableParticipants, second.Table)

	// The transport error must end the stream so consumers resubscribe
	// and resynchronize, rather than waiting on a silently repaired
	// connection that skipped events.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume did not return after connection error")
	}
	_, open := <-out
	assert.False(t, open)
}

func TestConsumeAppliesFilter(t *testing.T) {
	want := uuid.New()
	src := &fakeSource{
		msgs: []*redis.Message{
			feedMessage(t, TableReports, map[string]any{"id": uuid.New(), "session_id": uuid.New()}),
			feedMessage(t, TableReports, map[string]any{"id": uuid.New(), "session_id": want}),
		},
		err: errors.New("eof"),
	}

	sub := NewSubscriber(nil, zap.NewNop())
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		sub.consume(context.Background(), src, Filter{Tables: []string{TableReports}, SessionID: &want}, out)
	}()

	var got []Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 1)

	var scope rowScope
	require.NoError(t, json.Unmarshal(got[0].Row, &scope))
	require.NotNil(t, scope.SessionID)
	assert.Equal(t, want, *scope.SessionID)
}
