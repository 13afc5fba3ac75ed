package mcp

import (
	"sync/atomic"

	"github.com/countygis/agentcore/api/schemas"
)

// RewardFunc scores a dispatch outcome for the experience buffer.
type RewardFunc func(resp *schemas.AgentResponse) float64

// DefaultReward is +1 for a successful response and -0.5 otherwise.
func DefaultReward(resp *schemas.AgentResponse) float64 {
	if resp != nil && resp.Success {
		return 1
	}
	return -0.5
}

// Selector picks one agent from the active candidates of the resolved type.
// candidates is never empty and is in registration order. Returning nil is
// treated as no agent available.
type Selector func(candidates []schemas.Agent, req schemas.AgentRequest) schemas.Agent

// FirstActive selects the first candidate. There is no load balancing.
func FirstActive(candidates []schemas.Agent, _ schemas.AgentRequest) schemas.Agent {
	return candidates[0]
}

// RoundRobin returns a selector that rotates through the candidates.
func RoundRobin() Selector {
	var next atomic.Uint64
	return func(candidates []schemas.Agent, _ schemas.AgentRequest) schemas.Agent {
		i := next.Add(1) - 1
		return candidates[i%uint64(len(candidates))]
	}
}
