package domain

import "time"

// EventKind tags a committed session change published to observers.
type EventKind string

// EventMessageAppended marks a change that only appended a message.
const EventMessageAppended EventKind = "message_appended"

// EventFor maps an audit kind onto the event kind observers see.
func EventFor(kind AuditKind) EventKind {
	return EventKind(kind)
}

// SessionEvent describes a committed change to one session. It is handed to
// observers after the store transaction succeeds.
type SessionEvent struct {
	Kind    EventKind `json:"kind"`
	Session *Session  `json:"session"`
	Message *Message  `json:"message,omitempty"`
	At      time.Time `json:"at"`
}
