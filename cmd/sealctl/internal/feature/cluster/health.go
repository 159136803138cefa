package cluster

import (
	"context"
	"fmt"
)

// Health is a point-in-time cluster health read, usable by the
// snapshot scheduler's leader-affinity check and by `sealctl status`.
type Health struct {
	State      State
	HasLeader  bool
	IsLeader   bool
	LeaderAddr string
	Voters     int
	Quorum     int
}

// HealthCheck reads leader-election status and voter count through
// one node and reduces them to Active or Degraded.
func HealthCheck(ctx context.Context, node NodeAPI, quorum int) (*Health, error) {
	leader, err := node.Leader(ctx)
	if err != nil {
		return nil, fmt.Errorf("health check %q: %w", node.Address(), err)
	}

	voters, err := node.RaftVoterCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("health check %q: %w", node.Address(), err)
	}

	h := &Health{
		HasLeader:  leader.LeaderAddress != "",
		IsLeader:   leader.IsSelf,
		LeaderAddr: leader.LeaderAddress,
		Voters:     voters,
		Quorum:     quorum,
	}
	h.State = Next(Active, Observation{
		HasLeader:    h.HasLeader,
		JoinedVoters: voters,
		Quorum:       quorum,
	})
	return h, nil
}
