package domain

import "strings"

// Status is the lifecycle state of a PaymentOrder.
type Status string

const (
	StatusCreated        Status = "created"
	StatusPendingGateway Status = "pending_gateway"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRefunded       Status = "refunded"
	StatusExpired        Status = "expired"
)

// transitions lists the allowed forward moves. Anything not listed is a regression.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusPendingGateway, StatusExpired},
	StatusPendingGateway: {StatusCompleted, StatusFailed, StatusExpired},
	StatusCompleted:      {StatusRefunded},
	StatusFailed:         nil,
	StatusRefunded:       nil,
	StatusExpired:        nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether moving from s to next is a forward move.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseGatewayStatus maps the gateway's status vocabulary onto Status.
// Unrecognized values map to StatusPendingGateway: the gateway has not decided yet.
func ParseGatewayStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "success", "succeeded", "approved", "paid", "captured":
		return StatusCompleted
	case "failed", "rejected", "declined", "error", "cancelled", "canceled":
		return StatusFailed
	case "refunded", "refund", "charged_back":
		return StatusRefunded
	case "expired", "timeout":
		return StatusExpired
	case "created", "pending", "pending_gateway", "in_process", "in_progress", "processing", "authorized":
		return StatusPendingGateway
	default:
		return StatusPendingGateway
	}
}
