package journal

import "github.com/ChuLiYu/rtsd/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the audit events recorded for daemon decisions
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventConnect    EventType = "CONNECT"     // Client admitted into a slot
	EventRejectConn EventType = "REJECT_CONN" // Connection refused, slot table full
	EventCreate     EventType = "CREATE"      // Reservation granted
	EventReject     EventType = "REJECT"      // Reservation refused by admission
	EventAttach     EventType = "ATTACH"      // Thread attached to a reservation
	EventDetach     EventType = "DETACH"      // Thread detached
	EventDestroy    EventType = "DESTROY"     // Reservation released by its owner
	EventDisconnect EventType = "DISCONNECT"  // Client left, its reservations released
)

// Event represents one journal record
type Event struct {
	Seq       uint64       `json:"seq"`              // Event sequence number (monotonically increasing)
	Type      EventType    `json:"type"`             // Event type
	Slot      int          `json:"slot"`             // Carrier slot, -1 when no slot was assigned
	PID       int          `json:"pid"`              // Client process id, -1 if unknown
	Rsv       types.RsvID  `json:"rsv,omitempty"`    // Reservation concerned
	Thread    int32        `json:"thread,omitempty"` // Attached thread
	Params    types.Params `json:"params"`           // Requested parameters (CREATE/REJECT)
	Timestamp int64        `json:"timestamp"`        // Unix millisecond timestamp
	Checksum  uint32       `json:"checksum"`         // CRC32 checksum
}

// EventHandler is the function type for processing journal events
// Used during Replay; a returned error stops the replay
type EventHandler func(event Event) error
