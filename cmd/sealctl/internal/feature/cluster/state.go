package cluster

import (
	"fmt"
)

// State is the bootstrap lifecycle of one cluster. Transitions are
// monotonic except Active<->Degraded, which oscillates with node
// health.
type State int

const (
	Uninitialized State = iota
	Initializing
	Unsealing
	FormingRaft
	Active
	Degraded
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Unsealing:
		return "unsealing"
	case FormingRaft:
		return "forming-raft"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observation is what one API read tells us about the cluster, fed
// into Next to advance the state machine. Keeping the transition a
// pure function makes re-entrancy and partial-failure resumption
// testable without a live cluster.
type Observation struct {
	Initialized  bool
	SeedUnsealed bool
	JoinedVoters int
	Quorum       int
	TotalNodes   int
	HasLeader    bool
}

// Next returns the state following s under the given observation.
func Next(s State, obs Observation) State {
	switch s {
	case Uninitialized:
		if obs.Initialized {
			return Unsealing
		}
		return Initializing
	case Initializing:
		if obs.Initialized {
			return Unsealing
		}
		return Initializing
	case Unsealing:
		if obs.SeedUnsealed {
			return FormingRaft
		}
		return Unsealing
	case FormingRaft:
		if obs.JoinedVoters >= obs.Quorum {
			return Active
		}
		return FormingRaft
	case Active:
		if !obs.HasLeader || obs.JoinedVoters < obs.Quorum {
			return Degraded
		}
		return Active
	case Degraded:
		if obs.HasLeader && obs.JoinedVoters >= obs.Quorum {
			return Active
		}
		return Degraded
	default:
		return s
	}
}

// JoinStatus tracks one node's raft join handshake.
type JoinStatus string

const (
	JoinPending JoinStatus = "pending"
	JoinJoined  JoinStatus = "joined"
	JoinFailed  JoinStatus = "failed"
)

// NodeResult reports a single node's bootstrap outcome.
type NodeResult struct {
	Addr     string
	Seed     bool
	Status   JoinStatus
	Attempts int
	Err      error
}

// Outcome summarizes the whole bootstrap: fully active, usable but
// missing voters, or failed to reach quorum. The zero value is
// FailedToForm so a result abandoned partway through bootstrap never
// reads as success.
type Outcome int

const (
	FailedToForm Outcome = iota
	DegradedUsable
	FullyActive
)

func (o Outcome) String() string {
	switch o {
	case FullyActive:
		return "fully-active"
	case DegradedUsable:
		return "degraded-but-usable"
	case FailedToForm:
		return "failed-to-form"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RecoveryKeySet is the split recovery material captured at first
// initialization. Persisted outside the cluster: if these are lost and
// transit is also unavailable, the cluster cannot be recovered.
type RecoveryKeySet struct {
	Shares    []string `json:"shares"`
	Threshold int      `json:"threshold"`
}

// Result is the structured bootstrap report. Partial failure is a
// first-class outcome, not an abort: an operator can retry a single
// failed node without redoing the rest.
type Result struct {
	State   State
	Outcome Outcome
	Nodes   []NodeResult

	// Recovery is set only on the run that performed first-time
	// initialization.
	Recovery *RecoveryKeySet

	// Verified is true when bootstrap found the cluster already formed
	// and only confirmed its state.
	Verified bool
}

// Joined counts nodes that reached the joined status.
func (r *Result) Joined() int {
	n := 0
	for _, node := range r.Nodes {
		if node.Status == JoinJoined {
			n++
		}
	}
	return n
}

// Failed returns the addresses of nodes whose join terminally failed.
func (r *Result) Failed() []string {
	var failed []string
	for _, node := range r.Nodes {
		if node.Status == JoinFailed {
			failed = append(failed, node.Addr)
		}
	}
	return failed
}
