package domain

import "fmt"

// State is the off-chain lifecycle state of a project.
type State string

const (
	StateOpen       State = "open"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StatePaid       State = "paid"
)

func (s State) Valid() bool {
	switch s {
	case StateOpen, StateInProgress, StateCompleted, StatePaid:
		return true
	}
	return false
}

// HasLedgerID reports whether a project in this state must carry a ledger id.
func (s State) HasLedgerID() bool {
	return s == StateInProgress || s == StateCompleted || s == StatePaid
}

// HasFreelancer reports whether a project in this state must have an assignee.
func (s State) HasFreelancer() bool {
	return s.Valid() && s != StateOpen
}

// Op names a lifecycle transition.
type Op string

const (
	OpHire         Op = "hire"
	OpMarkComplete Op = "mark_complete"
	OpFinalize     Op = "finalize"
)

// Party is the relation the acting user must have to the project.
type Party string

const (
	PartyOwner      Party = "owner"
	PartyFreelancer Party = "freelancer"
)

// Transition is one row of the lifecycle table.
type Transition struct {
	Op    Op
	From  []State
	To    State
	Actor Party
}

// Permits reports whether the transition may start from s.
func (t Transition) Permits(s State) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// Transitions is the single table of legal lifecycle moves. Every guard on
// project state and acting party is derived from it.
var Transitions = map[Op]Transition{
	OpHire: {
		Op:    OpHire,
		From:  []State{StateOpen},
		To:    StateInProgress,
		Actor: PartyOwner,
	},
	OpMarkComplete: {
		Op:    OpMarkComplete,
		From:  []State{StateInProgress},
		To:    StateCompleted,
		Actor: PartyFreelancer,
	},
	// finalize is allowed from in_progress as well: the ledger is the
	// authority on the completion flag and rejects an early release.
	OpFinalize: {
		Op:    OpFinalize,
		From:  []State{StateInProgress, StateCompleted},
		To:    StatePaid,
		Actor: PartyOwner,
	},
}

// PartyOf returns the relation userID has to p, or "" if none.
func PartyOf(p Project, userID string) Party {
	if userID == "" {
		return ""
	}
	if p.OwnerID == userID {
		return PartyOwner
	}
	if p.FreelancerID != nil && *p.FreelancerID == userID {
		return PartyFreelancer
	}
	return ""
}

// CheckInvariants validates the ledger-id and assignee invariants of p.
func CheckInvariants(p Project) error {
	if !p.Status.Valid() {
		return fmt.Errorf("project %s: unknown status %q", p.ID, p.Status)
	}
	if p.Status.HasLedgerID() != (p.LedgerID != nil) {
		return fmt.Errorf("project %s: ledger id presence does not match status %s", p.ID, p.Status)
	}
	if p.Status.HasFreelancer() != (p.FreelancerID != nil) {
		return fmt.Errorf("project %s: freelancer presence does not match status %s", p.ID, p.Status)
	}
	return nil
}

// StateFromLedger derives the off-chain state a ledger record implies.
func StateFromLedger(rec LedgerRecord) State {
	switch {
	case rec.Released:
		return StatePaid
	case rec.Completed:
		return StateCompleted
	default:
		return StateInProgress
	}
}
