// Package audit defines the record shape the protocol handler emits for
// every statement it forwards or rejects, and the sink contract a dispatch
// target implements (§4.9, §10.3). It carries no behavior of its own —
// internal/service.AuditWorker owns the bounded channel and drop semantics;
// internal/adapter/outbound/audit holds the concrete sinks.
package audit

import (
	"context"
	"time"
)

// DecisionForwarded marks a statement that reached the backend unchanged or
// rewritten. Rejected statements use Rejected(kind) instead, one kind per
// rewriter error (§7): "unauthorized_column", "unauthorized_insert",
// "unauthorized_update", "unauthorized_copy", "from_needs_alias",
// "parse_failure", "break_glass_denied".
const DecisionForwarded = "forwarded"

// Rejected builds the decision string for a statement the handler refused
// to forward, tagged with the reason kind.
func Rejected(kind string) string { return "rejected:" + kind }

// Record is one statement's audit trail entry. Statement and Groups are the
// two fields the core specification mandates; the rest are carried by every
// sink in the example pack and cost nothing to add (§3).
type Record struct {
	Statement string        `json:"statement"`
	Groups    []string      `json:"groups"`
	SessionID string        `json:"session_id"`
	Identity  string        `json:"identity,omitempty"`
	Decision  string        `json:"decision"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
}

// Sink dispatches a single audit record to its destination (standard
// output, a remote log service, or a local rotating file).
type Sink interface {
	Write(ctx context.Context, rec Record) error
}
