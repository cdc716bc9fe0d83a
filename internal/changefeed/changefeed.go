// Package changefeed carries row-level mutation events from the record
// store to subscribers over Redis pub/sub. Delivery is best-effort with no
// replay: consumers must resynchronize after a dropped stream.
package changefeed

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Watched table names.
const (
	TableSessions     = "sessions"
	TableParticipants = "participants"
	TableReports      = "reports"
	TableBanRecords   = "ban_records"
)

// EventType is the row mutation kind.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one row-level mutation notification.
type Event struct {
	Table string          `json:"table"`
	Type  EventType       `json:"type"`
	Row   json.RawMessage `json:"row"`
	At    int64           `json:"at"`
}

// Filter restricts a subscription to given tables and, optionally, to rows
// belonging to one session.
type Filter struct {
	Tables    []string
	SessionID *uuid.UUID
}

// rowScope is the subset of row fields used for session filtering.
type rowScope struct {
	ID        uuid.UUID  `json:"id"`
	SessionID *uuid.UUID `json:"session_id"`
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(ev Event) bool {
	if len(f.Tables) > 0 {
		ok := false
		for _, t := range f.Tables {
			if t == ev.Table {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SessionID == nil {
		return true
	}
	var scope rowScope
	if err := json.Unmarshal(ev.Row, &scope); err != nil {
		return false
	}
	if ev.Table == TableSessions {
		return scope.ID == *f.SessionID
	}
	return scope.SessionID != nil && *scope.SessionID == *f.SessionID
}

func newEvent(table string, typ EventType, row any) (Event, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return Event{}, err
	}
	return Event{Table: table, Type: typ, Row: body, At: time.Now().Unix()}, nil
}
