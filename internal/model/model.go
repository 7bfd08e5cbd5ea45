package model

import "time"

// Event is the normalized representation of one recentchange activity.
type Event struct {
	ID              string // feed-assigned id, primary key
	Wiki            string
	Namespace       int
	Title           string
	Actor           string // raw user name as sent by the feed
	NormalizedActor string
	Type            string // edit | new | log | categorize ...
	Minor           bool
	Patrolled       bool
	Bot             bool
	Comment         *string
	Timestamp       time.Time // zero when the feed sent no usable time
	RevisionID      *int64
	PageID          *int64
	LogType         *string // only set for log entries
	LogAction       *string
	ServerURL       string
	Raw             []byte // original payload
}

// RawMessage is one dispatched frame from the stream.
type RawMessage struct {
	ID    *string // nil when the frame carried no id
	Event *string // nil means the default "message" kind
	Data  string
}

// Kind returns the event kind, defaulting to "message".
func (m RawMessage) Kind() string {
	if m.Event == nil || *m.Event == "" {
		return "message"
	}
	return *m.Event
}
