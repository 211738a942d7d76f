package work

import (
	"math/rand"
	"sync"
	"time"
)

// Algorithm names a task-to-agent selection strategy.
type Algorithm string

const (
	AlgorithmRoundRobin  Algorithm = "round_robin"
	AlgorithmLeastLoaded Algorithm = "least_loaded"
	AlgorithmWeighted    Algorithm = "weighted"
	AlgorithmCapacity    Algorithm = "capacity"
	AlgorithmAdaptive    Algorithm = "adaptive"
)

// LoadBalancer tracks per-agent load, capabilities, and weight, and
// selects the best candidate agent for a task under a chosen Algorithm.
type LoadBalancer struct {
	mu              sync.Mutex
	loads           map[string]AgentLoad
	capabilities    map[string][]string
	weights         map[string]float64
	roundRobinIndex int
}

// NewLoadBalancer returns an empty LoadBalancer.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		loads:        make(map[string]AgentLoad),
		capabilities: make(map[string][]string),
		weights:      make(map[string]float64),
	}
}

// UpdateAgentLoad records a fresh load snapshot for agentID.
func (lb *LoadBalancer) UpdateAgentLoad(agentID string, load AgentLoad) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.loads[agentID] = load
}

// UpdateAgentCapabilities replaces the capability set advertised by agentID.
func (lb *LoadBalancer) UpdateAgentCapabilities(agentID string, capabilities []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.capabilities[agentID] = capabilities
}

// SetAgentWeight sets the relative weight used by the weighted and
// adaptive algorithms. Defaults to 1.0 if never set.
func (lb *LoadBalancer) SetAgentWeight(agentID string, weight float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.weights[agentID] = weight
}

// RemoveAgent forgets everything known about agentID.
func (lb *LoadBalancer) RemoveAgent(agentID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.loads, agentID)
	delete(lb.capabilities, agentID)
	delete(lb.weights, agentID)
}

func (lb *LoadBalancer) hasCapabilitiesLocked(agentID string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	available := make(map[string]bool, len(lb.capabilities[agentID]))
	for _, c := range lb.capabilities[agentID] {
		available[c] = true
	}
	for _, need := range required {
		if !available[need] {
			return false
		}
	}
	return true
}

// SelectAgent narrows availableAgents to those with task's required
// capabilities, then applies algorithm. Returns "" if no agent qualifies.
func (lb *LoadBalancer) SelectAgent(task *Task, availableAgents []string, algorithm Algorithm) string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	capable := make([]string, 0, len(availableAgents))
	for _, agentID := range availableAgents {
		if lb.hasCapabilitiesLocked(agentID, task.Requirements.Capabilities) {
			capable = append(capable, agentID)
		}
	}
	if len(capable) == 0 {
		return ""
	}

	switch algorithm {
	case AlgorithmRoundRobin:
		return lb.roundRobinLocked(capable)
	case AlgorithmLeastLoaded:
		return lb.leastLoadedLocked(capable)
	case AlgorithmWeighted:
		return lb.weightedLocked(capable)
	case AlgorithmCapacity:
		return lb.capacityBasedLocked(capable)
	default:
		return lb.adaptiveLocked(capable)
	}
}

func (lb *LoadBalancer) roundRobinLocked(agents []string) string {
	idx := lb.roundRobinIndex % len(agents)
	lb.roundRobinIndex++
	return agents[idx]
}

func (lb *LoadBalancer) leastLoadedLocked(agents []string) string {
	best := agents[0]
	bestLoad := lb.loadScoreLocked(best)
	for _, agentID := range agents[1:] {
		if score := lb.loadScoreLocked(agentID); score < bestLoad {
			best, bestLoad = agentID, score
		}
	}
	return best
}

func (lb *LoadBalancer) loadScoreLocked(agentID string) int {
	load, ok := lb.loads[agentID]
	if !ok {
		return 0
	}
	return load.ActiveTasks + load.QueuedTasks
}

func (lb *LoadBalancer) weightedLocked(agents []string) string {
	total := 0.0
	weights := make([]float64, len(agents))
	for i, agentID := range agents {
		w := lb.weightLocked(agentID)
		weights[i] = w
		total += w
	}

	r := rand.Float64() * total
	cumulative := 0.0
	for i, agentID := range agents {
		cumulative += weights[i]
		if r <= cumulative {
			return agentID
		}
	}
	return agents[len(agents)-1]
}

func (lb *LoadBalancer) weightLocked(agentID string) float64 {
	if w, ok := lb.weights[agentID]; ok {
		return w
	}
	return 1.0
}

func (lb *LoadBalancer) capacityBasedLocked(agents []string) string {
	bestAgent := agents[0]
	bestScore := -1.0
	for _, agentID := range agents {
		load, ok := lb.loads[agentID]
		score := 1.0
		if ok {
			cpuAvailable := 1.0 - load.CPUUtilization
			memAvailable := 1.0 - load.MemoryUtilization
			score = (cpuAvailable + memAvailable) / 2.0
			score /= 1 + float64(load.ActiveTasks)
		}
		if score > bestScore {
			bestAgent, bestScore = agentID, score
		}
	}
	return bestAgent
}

// adaptiveLocked blends load, configured weight, and recency of the last
// heartbeat into a single score: up to 40 points for low active-task
// count, 20 points per unit of configured weight (20 at the default
// weight of 1.0, with no upper cap), and up to 10 points for having
// reported load within the last 10 seconds. There is no task-type term;
// on equal scores the agent listed first wins.
func (lb *LoadBalancer) adaptiveLocked(agents []string) string {
	bestAgent := agents[0]
	bestScore := -1.0
	now := time.Now()
	for _, agentID := range agents {
		score := 0.0
		load, hasLoad := lb.loads[agentID]
		if hasLoad {
			loadScore := 40 * (1.0 - float64(load.ActiveTasks)/10.0)
			if loadScore < 0 {
				loadScore = 0
			}
			score += loadScore
		} else {
			score += 40
		}

		score += 20 * lb.weightLocked(agentID)

		if hasLoad {
			recency := 10 - now.Sub(load.LastUpdated).Seconds()
			if recency < 0 {
				recency = 0
			}
			score += recency
		}

		if score > bestScore {
			bestAgent, bestScore = agentID, score
		}
	}
	return bestAgent
}
