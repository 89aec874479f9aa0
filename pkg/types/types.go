// Package types defines the core domain model shared by the rtsd daemon,
// its client library and the reservation channel.
package types

import "fmt"

// Priority bounds for a task or reservation. Values written outside the range
// are clamped, never stored.
const (
	LowPrio  uint32 = 1  // lowest priority
	HighPrio uint32 = 99 // highest priority
)

// ClampPriority returns p forced into [LowPrio, HighPrio].
func ClampPriority(p uint32) uint32 {
	if p < LowPrio {
		return LowPrio
	}
	if p > HighPrio {
		return HighPrio
	}
	return p
}

// RsvID identifies a reservation granted by the daemon.
type RsvID int32

// NoRsv is the zero reservation identifier, never handed out.
const NoRsv RsvID = 0

// Status is the result code carried by every reply.
type Status int32

const (
	StatusOK                Status = iota // request served
	StatusGuaranteed                      // admission accepted with timing guarantee
	StatusNotGuaranteed                   // admission refused, not enough capacity
	StatusError                           // generic failure
	StatusCapacityExhausted               // carrier slot table is full
	StatusUnsupported                     // request type or query not supported
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusGuaranteed:
		return "GUARANTEED"
	case StatusNotGuaranteed:
		return "NOT_GUARANTEED"
	case StatusError:
		return "ERROR"
	case StatusCapacityExhausted:
		return "CAPACITY_EXHAUSTED"
	case StatusUnsupported:
		return "UNSUPPORTED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// RequestType selects the daemon operation a request asks for.
type RequestType int32

const (
	ReqNone RequestType = iota
	ReqCapQuery
	ReqCreateRsv
	ReqAttachThread
	ReqDetachThread
	ReqRemainingBudget
	ReqDestroyRsv
	ReqDisconnect
)

func (t RequestType) String() string {
	switch t {
	case ReqNone:
		return "none"
	case ReqCapQuery:
		return "cap_query"
	case ReqCreateRsv:
		return "create_rsv"
	case ReqAttachThread:
		return "attach_thread"
	case ReqDetachThread:
		return "detach_thread"
	case ReqRemainingBudget:
		return "remaining_budget"
	case ReqDestroyRsv:
		return "destroy_rsv"
	case ReqDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("RequestType(%d)", int32(t))
	}
}

// QueryType selects the capability asked by a ReqCapQuery request.
type QueryType int32

const (
	QueryBudget          QueryType = iota // total reservable capacity
	QueryRemainingBudget                  // capacity not yet reserved
)

// Params are the timing parameters of a reservation. Times are in
// milliseconds, the budget is the worst-case execution time per period.
type Params struct {
	Period   uint32 `json:"period_ms" yaml:"period_ms"`
	Budget   uint32 `json:"budget_ms" yaml:"budget_ms"`
	Deadline uint32 `json:"deadline_ms" yaml:"deadline_ms"`
	Priority uint32 `json:"priority" yaml:"priority"`
}

// Request is one message sent by an access endpoint to the carrier.
type Request struct {
	Seq    uint64      `json:"seq"`              // per-client sequence, increases on every send
	Type   RequestType `json:"type"`             // requested operation
	Pid    int32       `json:"pid,omitempty"`    // thread to attach
	Rsv    RsvID       `json:"rsv,omitempty"`    // target reservation
	Query  QueryType   `json:"query,omitempty"`  // capability query selector
	Params Params      `json:"params,omitempty"` // reservation parameters
}

// Reply is the carrier's answer to exactly one Request.
type Reply struct {
	Seq    uint64  `json:"seq"`              // sequence of the answered request
	Status Status  `json:"status"`           // result code
	Rsv    RsvID   `json:"rsv,omitempty"`    // granted or addressed reservation
	Value  float32 `json:"value,omitempty"`  // capability or budget value
	Detail string  `json:"detail,omitempty"` // human readable failure reason
}

// Client is the identity of a connected access endpoint as seen by the
// carrier.
type Client struct {
	Slot int    `json:"slot"`          // carrier slot index
	PID  int    `json:"pid"`           // peer process id, -1 if unknown
	UID  string `json:"uid,omitempty"` // peer user id
}

// Reservation is a granted share of CPU time held by one client.
type Reservation struct {
	ID          RsvID   `json:"id"`
	Owner       int     `json:"owner"`                 // carrier slot of the owning client
	OwnerPID    int     `json:"owner_pid"`             // owning process, -1 if unknown
	Params      Params  `json:"params"`                // admitted timing parameters
	Thread      int32   `json:"thread,omitempty"`      // attached thread, 0 if none
	Utilization float64 `json:"utilization"`           // budget / min(period, deadline)
	CreatedAt   int64   `json:"created_at"`            // unix millis
	AttachedAt  int64   `json:"attached_at,omitempty"` // unix millis, 0 if detached
}

// Counters are the daemon's lifetime request totals.
type Counters struct {
	Cycles     uint64 `json:"cycles"`
	Requests   uint64 `json:"requests"`
	Admitted   uint64 `json:"admitted"`
	Rejected   uint64 `json:"rejected"`
	Refused    uint64 `json:"refused_connections"`
	Released   uint64 `json:"released"`
	SendErrors uint64 `json:"send_errors"`
}

// StatusData is the daemon state written by the status dumper.
type StatusData struct {
	SchemaVer    int           `json:"schema_version"`
	Timestamp    int64         `json:"timestamp"`
	PID          int           `json:"pid"`
	Path         string        `json:"path"`
	Capacity     float64       `json:"capacity"`
	Used         float64       `json:"used"`
	MaxClients   int           `json:"max_clients"`
	Clients      []Client      `json:"clients"`
	Reservations []Reservation `json:"reservations"`
	Counters     Counters      `json:"counters"`
}
