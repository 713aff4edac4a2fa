// Package escrow is the orchestration core for on-chain job escrows.
//
// Flow:
//  1. Client funds an escrow for a job → record becomes Active
//  2. Freelancer starts work → work-started marker set on the record
//  3. Client releases → funds to freelancer, record Completed
//  4. Client refunded (by contract rules) → record Cancelled
//
// The chain is the source of truth; local records are a per-session
// cache kept consistent by gateway confirmations and the event
// reconciler.
package escrow

import (
	"math/big"
	"strings"
	"time"
)

// Status is the state of an escrow record.
type Status int

const (
	// StatusPending is a local intent: validated and submitted, not yet
	// confirmed on chain.
	StatusPending Status = iota
	// StatusActive means the escrow exists on chain and is funded.
	StatusActive
	// StatusCompleted means funds were released to the freelancer. Final.
	StatusCompleted
	// StatusCancelled means funds were refunded to the client. Final.
	StatusCancelled
)

// String returns the status name used at the API boundary.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the status name. Internally status is a closed
// enum; strings appear only at the boundary.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from → to is a legal forward move.
// Terminal states never resurrect, and a record never moves backwards.
// This rule is the ordering defense: events applied out of order still
// converge on the same final state.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	return to > from
}

// StatusFromContract maps the contract's integer status enum to the
// internal representation. The contract has no notion of the local
// Pending intent: 0 is active, 1 completed, 2 cancelled.
func StatusFromContract(v uint8) Status {
	switch v {
	case 1:
		return StatusCompleted
	case 2:
		return StatusCancelled
	default:
		return StatusActive
	}
}

// TokenNative identifies the native currency in TokenIdentity.
const TokenNative = "native"

// Record is the local view of one escrow agreement. ID is the opaque
// job identifier shared with the marketplace backend.
type Record struct {
	ID            string    `json:"id"`
	Client        string    `json:"client"`
	Freelancer    string    `json:"freelancer"`
	Amount        string    `json:"amount"` // canonical decimal string
	AmountBase    *big.Int  `json:"-"`
	TokenIdentity string    `json:"tokenIdentity"`
	Status        Status    `json:"status"`
	Title         string    `json:"title,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Deadline      time.Time `json:"deadline"`
	WorkStartedAt time.Time `json:"workStartedAt,omitzero"`
	// Exists distinguishes "queried and found" from "not yet queried".
	Exists bool `json:"exists"`
}

// Clone returns a deep copy so store reads cannot be mutated by
// consumers.
func (r *Record) Clone() *Record {
	cp := *r
	if r.AmountBase != nil {
		cp.AmountBase = new(big.Int).Set(r.AmountBase)
	}
	return &cp
}

// InvolvesParty reports whether addr is the client or the freelancer.
func (r *Record) InvolvesParty(addr string) bool {
	a := strings.ToLower(addr)
	return a == r.Client || a == r.Freelancer
}
