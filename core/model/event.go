package model

import "time"

// EventStatus tracks a durable Event through the claim/ack/retry/dead-letter
// lifecycle of spec §4.4.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventClaimed   EventStatus = "claimed"
	EventAcked     EventStatus = "acked"
	EventRetrying  EventStatus = "retrying"
	EventDead      EventStatus = "dead"
)

// Event is one durable, at-least-once message on a namespace's event queue.
// Unlike the in-process observability bus (core/observability), an Event
// survives process restarts and is only removed from the pending set by an
// explicit Ack.
type Event struct {
	ID          string
	Namespace   string
	Topic       string
	Payload     Document
	CommitID    string // the Commit this event was paired with, if any
	Status      EventStatus
	Priority    int // higher claims first; ties broken by CreatedAt then ID
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time // backoff: claimable only at or after this time
	CreatedAt   time.Time
	LastError   string
}

// EventClaim represents a lease a handler session holds on a claimed Event.
// The lease is not renewed: a claim whose Expiry passes without an Ack is
// released back for another session to pick up by the event store's
// CleanupExpiredClaims.
type EventClaim struct {
	EventID   string
	SessionID string
	Nonce     string // uuid, distinguishes successive claims of the same event
	ClaimedAt time.Time
	Expiry    time.Time
}

// DeadLetter records an Event that exhausted MaxAttempts, chained so the
// original event's history remains inspectable via `ontoctl events inspect`.
type DeadLetter struct {
	EventID    string
	Namespace  string
	Topic      string
	Payload    Document
	Attempts   int
	LastError  string
	DeadAt     time.Time
}

// CronSchedule is a parsed 5-field cron expression (minute hour dom month
// dow) governing a recurring Event's NotBefore. No cron library in the
// retrieval pack implements this exact grammar, so it is hand-rolled; see
// core/eventstore/cron.go.
type CronSchedule struct {
	Minute  []int
	Hour    []int
	Dom     []int
	Month   []int
	Weekday []int // 0 and 7 both mean Sunday
	Expr    string
}

// SessionRecord tracks a runtime Session's handler-loop lease over a
// namespace's event queue, for listing; claims are released by their own
// lease expiry, not by the session's.
type SessionRecord struct {
	ID          string
	Namespace   string
	StartedAt   time.Time
	LastHeartbeat time.Time
	Expiry      time.Time
}

// WriteLock is the single-row advisory lock each namespace's storage backend
// exposes, preventing two sessions from racing to extend the commit log.
type WriteLock struct {
	Namespace string
	HolderID  string
	AcquiredAt time.Time
	Expiry     time.Time
}
