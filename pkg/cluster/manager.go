package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindalpha/MindAlpha/internal/log"
	"github.com/mindalpha/MindAlpha/internal/metrics"
)

// NodeManager is the coordinator's membership bookkeeping: id assignment
// from AddNode requests, the resulting roster, group-local barrier
// counting, and heartbeat-timeout dead-node detection. A single mutex
// guards every membership transition, matching the concurrency model's
// "NodeManager state is guarded by a single mutex held across membership
// transitions" rule.
type NodeManager struct {
	mu sync.Mutex

	serverCount int
	workerCount int

	nodes        map[int]NodeInfo
	nextRank     map[NodeRole]int
	barrierCount map[int]int
	lastSeen     map[int]time.Time
	dead         map[int]bool

	heartbeatTimeout time.Duration
	log              *log.Logger
}

// NewNodeManager creates a NodeManager expecting exactly serverCount
// servers and workerCount workers to join before the cluster is Ready.
func NewNodeManager(serverCount, workerCount int, heartbeatTimeout time.Duration) *NodeManager {
	return &NodeManager{
		serverCount:      serverCount,
		workerCount:      workerCount,
		nodes:            make(map[int]NodeInfo),
		nextRank:         make(map[NodeRole]int),
		barrierCount:     make(map[int]int),
		lastSeen:         make(map[int]time.Time),
		dead:             make(map[int]bool),
		heartbeatTimeout: heartbeatTimeout,
		log:              log.Default().Module("cluster"),
	}
}

// roleCapacity returns how many nodes of role this cluster expects.
func (nm *NodeManager) roleCapacity(role NodeRole) int {
	switch role {
	case Server:
		return nm.serverCount
	case Worker:
		return nm.workerCount
	default:
		return 0
	}
}

// Join assigns the next free rank of role to a newly arriving node and
// records it in the roster.
func (nm *NodeManager) Join(role NodeRole, uri string, port int) (NodeInfo, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	rank := nm.nextRank[role]
	if rank >= nm.roleCapacity(role) {
		return NodeInfo{}, fmt.Errorf("cluster: role %s is already at capacity %d", role, nm.roleCapacity(role))
	}
	nm.nextRank[role] = rank + 1

	info := NodeInfo{ID: RankToNodeID(role, rank), Role: role, Rank: rank, URI: uri, Port: port}
	nm.nodes[info.ID] = info
	nm.lastSeen[info.ID] = time.Now()
	nm.log.Info("node joined", zap.String("node", NodeIDToString(info.ID)), zap.String("uri", uri), zap.Int("port", port))
	metrics.NodesAlive.WithLabelValues(role.String()).Set(float64(rank + 1))
	return info, nil
}

// AllJoined reports whether every expected server and worker has joined.
func (nm *NodeManager) AllJoined() bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.nextRank[Server] >= nm.serverCount && nm.nextRank[Worker] >= nm.workerCount
}

// Roster returns every joined node, ordered by node id.
func (nm *NodeManager) Roster() []NodeInfo {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	out := make([]NodeInfo, 0, len(nm.nodes))
	for _, info := range nm.nodes {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordHeartbeat marks id as having been seen at now.
func (nm *NodeManager) RecordHeartbeat(id int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.lastSeen[id] = time.Now()
}

// DeadNodes scans every known node's last heartbeat against
// heartbeatTimeout and returns the ids that crossed the timeout since the
// last call (each id is only ever returned once, the first time it's
// found dead).
func (nm *NodeManager) DeadNodes(now time.Time) []int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	var newlyDead []int
	for id, seen := range nm.lastSeen {
		if nm.dead[id] {
			continue
		}
		if now.Sub(seen) > nm.heartbeatTimeout {
			nm.dead[id] = true
			newlyDead = append(newlyDead, id)
			metrics.DeadNodesDetected.Inc()
			metrics.NodesAlive.WithLabelValues(nm.nodes[id].Role.String()).Dec()
			nm.log.Warn("node marked dead", zap.String("node", NodeIDToString(id)), zap.Duration("silent_for", now.Sub(seen)))
		}
	}
	return newlyDead
}

// IsDead reports whether id has previously been marked dead.
func (nm *NodeManager) IsDead(id int) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.dead[id]
}

// groupSize returns how many nodes belong to group, a bitwise-OR of role
// group bits (CoordinatorGroup, ServerGroup, WorkerGroup).
func (nm *NodeManager) groupSize(group int) int {
	size := 0
	if group&ServerGroup != 0 {
		size += nm.serverCount
	}
	if group&WorkerGroup != 0 {
		size += nm.workerCount
	}
	if group&CoordinatorGroup != 0 {
		size++
	}
	return size
}

// EnterBarrier registers one member's arrival at group's barrier and
// reports whether this call was the one that completed it (every expected
// member of group has now arrived). The counter resets to zero
// immediately after completion, so the same group can be used again for
// the next epoch.
func (nm *NodeManager) EnterBarrier(group int) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.barrierCount[group]++
	if nm.barrierCount[group] >= nm.groupSize(group) {
		nm.barrierCount[group] = 0
		return true
	}
	return false
}
