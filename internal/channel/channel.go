// ============================================================================
// rtsd Reservation Channel
// ============================================================================
//
// Package: internal/channel
// File: channel.go
// Purpose: Request/reply IPC between access endpoints (clients) and the
//          carrier endpoint (daemon)
//
// Protocol:
//   1. Access dials the carrier's unix socket
//   2. Carrier admits the connection into the first empty slot and answers
//      with a handshake reply {Status: OK, Value: slot}; a full slot table is
//      answered with {Status: CAPACITY_EXHAUSTED} and the connection closed
//   3. Access sends one request at a time, each with a new sequence number
//   4. Carrier polls every slot once per cycle, marks slots whose request
//      carries a new sequence number as updated, and replies to each
//
// Concurrency:
//   The carrier is driven by a single goroutine. An access endpoint is not
//   reentrant; callers serialize its use.
//
// ============================================================================

package channel

import "time"

const (
	// DefaultPath is the carrier's listening address. A leading '@' selects
	// the linux abstract socket namespace.
	DefaultPath = "@rtsd"

	// DefaultMaxSize is the default number of carrier slots.
	DefaultMaxSize = 16

	// DefaultTimeout bounds one carrier Update cycle and each reply write.
	DefaultTimeout = 150 * time.Millisecond
)
