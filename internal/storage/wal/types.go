package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate  EventType = "CREATE"  // Job created
	EventClaim   EventType = "CLAIM"   // Job claimed by a worker
	EventAppend  EventType = "APPEND"  // Log entry appended
	EventRelease EventType = "RELEASE" // Claim released (retry, completion or terminal error)
	EventReap    EventType = "REAP"    // Stale claim released by the reaper
)

// Event represents a WAL event record. Job holds the full job document after
// the change, so replay only has to keep the latest state per job.
type Event struct {
	Seq       uint64          `json:"seq"`       // monotonically increasing, never reset
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Job       json.RawMessage `json:"job"`       // job document after the event
	Checksum  uint32          `json:"checksum"`  // CRC32 over seq, type, id and job
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
