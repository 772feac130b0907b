package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mindalpha/MindAlpha/internal/log"
	"github.com/mindalpha/MindAlpha/internal/metrics"
	"github.com/mindalpha/MindAlpha/pkg/cluster"
	"github.com/mindalpha/MindAlpha/pkg/transport"
	"github.com/mindalpha/MindAlpha/pkg/wire"
)

// DataHandler answers a data-plane message (wire.Empty command) addressed
// to this node, e.g. a PSAgent's Pull/Push/Init RPC dispatch. It returns
// the message to send back when the request expects a reply; a handler
// that never replies may return a zero Message.
type DataHandler func(from int, msg wire.Message) wire.Message

// ActorProcess runs one node's control-protocol state machine: Start
// executes the join handshake (bind its own socket, register with the
// coordinator, wait for the roster broadcast, connect to every peer) and
// starts the goroutine that dispatches control and data messages until
// Stop; Run drives the periodic heartbeat or dead-node scan.
//
// A single ActorProcess instance is used by exactly one node for its
// entire lifetime; it is not reusable across a second Start call.
type ActorProcess struct {
	cfg       Config
	transport *transport.Transport
	manager   *cluster.NodeManager // non-nil only for the coordinator

	selfID int

	rosterMu sync.RWMutex
	roster   []cluster.NodeInfo

	dataHandler DataHandler

	readyMu sync.Mutex
	ready   bool
	readyCh chan struct{}

	allJoinedOnce sync.Once
	allJoinedCh   chan struct{}

	pendingRosterMu sync.Mutex
	pendingRosterCh chan []cluster.NodeInfo

	barrierMu      sync.Mutex
	barrierWaiters map[int]chan struct{}

	deadMu   sync.Mutex
	deadIDs  map[int]bool

	messageCounter atomic.Int64
	sendBytes      atomic.Int64
	receiveBytes   atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	log *log.Logger
}

// NewActorProcess creates a process for cfg. It neither binds a socket nor
// contacts the coordinator until Start is called.
func NewActorProcess(cfg Config) *ActorProcess {
	return &ActorProcess{
		cfg:             cfg,
		readyCh:         make(chan struct{}),
		allJoinedCh:     make(chan struct{}),
		pendingRosterCh: make(chan []cluster.NodeInfo, 1),
		barrierWaiters:  make(map[int]chan struct{}),
		deadIDs:         make(map[int]bool),
		stopCh:          make(chan struct{}),
		log:             log.Default().Module("actor"),
	}
}

// SetDataHandler registers the handler invoked for inbound messages whose
// Command is wire.Empty. Must be called before Run.
func (p *ActorProcess) SetDataHandler(h DataHandler) { p.dataHandler = h }

// SelfID returns this node's assigned id. Only valid after Start returns
// without error.
func (p *ActorProcess) SelfID() int { return p.selfID }

// Roster returns the full cluster membership as broadcast by the
// coordinator. Only valid after Start returns without error.
func (p *ActorProcess) Roster() []cluster.NodeInfo {
	p.rosterMu.RLock()
	defer p.rosterMu.RUnlock()
	out := make([]cluster.NodeInfo, len(p.roster))
	copy(out, p.roster)
	return out
}

func (p *ActorProcess) setRoster(roster []cluster.NodeInfo) {
	p.rosterMu.Lock()
	p.roster = roster
	p.rosterMu.Unlock()
}

// GetMessageID returns a process-unique, monotonically increasing message
// id, mirroring the C++ ActorProcess's message_counter_.
func (p *ActorProcess) GetMessageID() int64 { return p.messageCounter.Add(1) }

// IsNodeDead reports whether the coordinator has broadcast id as having
// crossed its heartbeat timeout. On the coordinator itself it reports
// whether id has been marked dead there.
func (p *ActorProcess) IsNodeDead(id int) bool {
	if p.manager != nil {
		return p.manager.IsDead(id)
	}
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	return p.deadIDs[id]
}

func bindAddr(uri string, port int) string { return fmt.Sprintf("%s:%d", uri, port) }

func splitPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, err
	}
	return port, nil
}

// Start runs the join handshake: Start -> BindSocket -> SendAddNode ->
// AwaitAddNodeBroadcast -> ConnectAllPeers -> Ready. It blocks until the
// node is Ready, ctx is canceled, or the handshake fails.
func (p *ActorProcess) Start(ctx context.Context) error {
	p.transport = transport.New(-1, transport.Config{
		IsResendingEnabled: p.cfg.IsResendingEnabled,
		ResendingTimeout:   p.cfg.ResendingTimeout,
		ResendingRetry:     p.cfg.ResendingRetry,
		DropRate:           p.cfg.DropRate,
	})

	if p.cfg.NodeRole == cluster.Coordinator {
		return p.startCoordinator(ctx)
	}
	return p.startMember(ctx)
}

func (p *ActorProcess) startCoordinator(ctx context.Context) error {
	p.manager = cluster.NewNodeManager(p.cfg.ServerCount, p.cfg.WorkerCount, p.cfg.HeartbeatTimeout)
	addr, err := p.transport.Listen(bindAddr(p.cfg.NodeURI, p.cfg.RootPort))
	if err != nil {
		return fmt.Errorf("actor: coordinator bind failed: %w", err)
	}
	p.selfID = cluster.CoordinatorNodeID
	p.transport.SetSelfID(p.selfID)
	p.log.Info("coordinator bound", zap.String("addr", addr))

	p.wg.Add(1)
	go p.dispatchLoop()

	select {
	case <-p.allJoinedCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	roster := p.manager.Roster()
	p.setRoster(roster)
	body, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("actor: cannot marshal roster: %w", err)
	}
	for _, info := range roster {
		if err := p.transport.Send(info.ID, wire.Message{Meta: wire.MessageMeta{Command: wire.AddNode, Body: body}}); err != nil {
			p.log.Warn("failed to broadcast roster", zap.String("node", cluster.NodeIDToString(info.ID)), zap.Error(err))
		}
	}
	p.markReady()
	return nil
}

func (p *ActorProcess) startMember(ctx context.Context) error {
	listenAddr, err := p.transport.Listen(bindAddr(p.cfg.NodeURI, p.cfg.NodePort))
	if err != nil {
		return fmt.Errorf("actor: bind failed: %w", err)
	}
	actualPort, err := splitPort(listenAddr)
	if err != nil {
		return fmt.Errorf("actor: cannot parse bound address %q: %w", listenAddr, err)
	}

	if err := p.transport.Connect(cluster.CoordinatorNodeID, bindAddr(p.cfg.RootURI, p.cfg.RootPort)); err != nil {
		return fmt.Errorf("actor: cannot connect to coordinator: %w", err)
	}

	p.wg.Add(1)
	go p.dispatchLoop()

	reqBody, err := json.Marshal(addNodeRequest{Role: p.cfg.NodeRole.String(), URI: p.cfg.NodeURI, Port: actualPort})
	if err != nil {
		return fmt.Errorf("actor: cannot marshal add-node request: %w", err)
	}
	if err := p.transport.Send(cluster.CoordinatorNodeID, wire.Message{
		Meta: wire.MessageMeta{Command: wire.AddNode, IsRequest: true, Body: reqBody},
	}); err != nil {
		return fmt.Errorf("actor: cannot send add-node request: %w", err)
	}

	var roster []cluster.NodeInfo
	select {
	case roster = <-p.pendingRosterCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.setRoster(roster)

	self, ok := findSelf(roster, p.cfg.NodeRole, p.cfg.NodeURI, actualPort)
	if !ok {
		return fmt.Errorf("actor: could not find self (role=%s uri=%s port=%d) in broadcast roster", p.cfg.NodeRole, p.cfg.NodeURI, actualPort)
	}
	p.selfID = self.ID
	p.transport.SetSelfID(p.selfID)

	for _, info := range roster {
		if info.ID == p.selfID || info.ID == cluster.CoordinatorNodeID {
			continue
		}
		if err := p.transport.Connect(info.ID, bindAddr(info.URI, info.Port)); err != nil {
			return fmt.Errorf("actor: cannot connect to peer %s: %w", cluster.NodeIDToString(info.ID), err)
		}
	}
	p.markReady()
	return nil
}

func findSelf(roster []cluster.NodeInfo, role cluster.NodeRole, uri string, port int) (cluster.NodeInfo, bool) {
	for _, info := range roster {
		if info.Role == role && info.URI == uri && info.Port == port {
			return info, true
		}
	}
	return cluster.NodeInfo{}, false
}

func (p *ActorProcess) markReady() {
	p.readyMu.Lock()
	p.ready = true
	p.readyMu.Unlock()
	close(p.readyCh)
}

// WaitReady blocks until Start has completed, ctx is canceled, or the
// process is stopped first.
func (p *ActorProcess) WaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-p.stopCh:
		return fmt.Errorf("actor: stopped before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether Start has completed.
func (p *ActorProcess) IsReady() bool {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	return p.ready
}

func sliceBytes(slices [][]byte) int64 {
	var n int64
	for _, s := range slices {
		n += int64(len(s))
	}
	return n
}

// Send delivers msg to nodeID, applying reliable delivery if the process
// is configured for it, and accounts the bytes sent.
func (p *ActorProcess) Send(ctx context.Context, nodeID int, msg wire.Message) error {
	if msg.Meta.MessageID == 0 {
		msg.Meta.MessageID = uint64(p.GetMessageID())
	}
	var err error
	if p.cfg.IsResendingEnabled {
		err = p.transport.SendReliable(ctx, nodeID, msg)
	} else {
		err = p.transport.Send(nodeID, msg)
	}
	if err == nil {
		p.sendBytes.Add(int64(len(msg.Meta.Body)) + sliceBytes(msg.Slices))
	}
	return err
}

// Barrier blocks the calling goroutine until every member of group has
// also called Barrier for the same group. The coordinator does not call
// Barrier; it only relays completions.
func (p *ActorProcess) Barrier(ctx context.Context, group int) error {
	if p.cfg.NodeRole == cluster.Coordinator {
		return fmt.Errorf("actor: coordinator does not participate in Barrier")
	}

	start := time.Now()
	ch := make(chan struct{})
	p.barrierMu.Lock()
	p.barrierWaiters[group] = ch
	p.barrierMu.Unlock()

	body, err := json.Marshal(barrierBody{Group: group})
	if err != nil {
		return fmt.Errorf("actor: cannot marshal barrier body: %w", err)
	}
	if err := p.Send(ctx, cluster.CoordinatorNodeID, wire.Message{
		Meta: wire.MessageMeta{Command: wire.Barrier, IsRequest: true, Body: body},
	}); err != nil {
		return fmt.Errorf("actor: cannot send barrier request: %w", err)
	}

	select {
	case <-ch:
		metrics.BarrierWaitLatency.WithLabelValues(fmt.Sprintf("0x%x", group)).Observe(float64(time.Since(start).Milliseconds()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the heartbeat ticker (members) or dead-node scanner
// (coordinator) until ctx is canceled or Stop is called. Inbound control
// and data messages are dispatched by the goroutine Start launched,
// whether or not Run is running.
func (p *ActorProcess) Run(ctx context.Context) error {
	if p.cfg.NodeRole == cluster.Coordinator {
		return p.runCoordinatorLoop(ctx)
	}
	return p.runMemberLoop(ctx)
}

func (p *ActorProcess) runMemberLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hb := wire.Message{Meta: wire.MessageMeta{Command: wire.Heartbeat}}
			if err := p.transport.Send(cluster.CoordinatorNodeID, hb); err != nil {
				p.log.Warn("heartbeat send failed", zap.Error(err))
			}
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *ActorProcess) runCoordinatorLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dead := p.manager.DeadNodes(time.Now())
			if len(dead) == 0 {
				continue
			}
			body, err := json.Marshal(reportDeadNodesBody{NodeIDs: dead})
			if err != nil {
				p.log.Warn("cannot marshal dead-node report", zap.Error(err))
				continue
			}
			for _, info := range p.manager.Roster() {
				if p.manager.IsDead(info.ID) {
					continue
				}
				if err := p.transport.Send(info.ID, wire.Message{Meta: wire.MessageMeta{Command: wire.ReportDeadNodes, Body: body}}); err != nil {
					p.log.Warn("failed to report dead nodes", zap.String("to", cluster.NodeIDToString(info.ID)), zap.Error(err))
				}
			}
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *ActorProcess) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case recv, ok := <-p.transport.Received():
			if !ok {
				return
			}
			p.receiveBytes.Add(int64(len(recv.Msg.Meta.Body)) + sliceBytes(recv.Msg.Slices))
			p.dispatch(recv.From, recv.Msg)
		case <-p.stopCh:
			return
		}
	}
}

func (p *ActorProcess) dispatch(from int, msg wire.Message) {
	switch msg.Meta.Command {
	case wire.AddNode:
		p.handleAddNode(from, msg)
	case wire.Barrier:
		p.handleBarrier(from, msg)
	case wire.Heartbeat:
		p.handleHeartbeat(from, msg)
	case wire.ReportDeadNodes:
		p.handleReportDeadNodes(msg)
	case wire.Terminate:
		p.handleTerminate()
	case wire.Empty:
		p.handleData(from, msg)
	default:
		p.log.Warn("dropping message with unknown command", zap.String("command", msg.Meta.Command.String()))
		metrics.ProtocolErrors.WithLabelValues("actor").Inc()
	}
}

func (p *ActorProcess) handleAddNode(from int, msg wire.Message) {
	if p.cfg.NodeRole == cluster.Coordinator {
		if !msg.Meta.IsRequest {
			return
		}
		var req addNodeRequest
		if err := json.Unmarshal(msg.Meta.Body, &req); err != nil {
			p.log.Warn("malformed add-node request", zap.Error(err))
			metrics.ProtocolErrors.WithLabelValues("actor").Inc()
			return
		}
		role, ok := cluster.RoleFromString(req.Role)
		if !ok {
			p.log.Warn("add-node request names unknown role", zap.String("role", req.Role))
			return
		}
		info, err := p.manager.Join(role, req.URI, req.Port)
		if err != nil {
			p.log.Warn("add-node request rejected", zap.Error(err))
			return
		}
		if err := p.transport.Connect(info.ID, bindAddr(req.URI, req.Port)); err != nil {
			p.log.Warn("cannot connect back to joining node", zap.String("node", cluster.NodeIDToString(info.ID)), zap.Error(err))
			return
		}
		if p.manager.AllJoined() {
			p.allJoinedOnce.Do(func() { close(p.allJoinedCh) })
		}
		return
	}

	// Members only ever receive this as the coordinator's roster broadcast.
	var roster []cluster.NodeInfo
	if err := json.Unmarshal(msg.Meta.Body, &roster); err != nil {
		p.log.Warn("malformed roster broadcast", zap.Error(err))
		metrics.ProtocolErrors.WithLabelValues("actor").Inc()
		return
	}
	select {
	case p.pendingRosterCh <- roster:
	default:
	}
}

func (p *ActorProcess) handleBarrier(from int, msg wire.Message) {
	var b barrierBody
	if err := json.Unmarshal(msg.Meta.Body, &b); err != nil {
		p.log.Warn("malformed barrier message", zap.Error(err))
		metrics.ProtocolErrors.WithLabelValues("actor").Inc()
		return
	}

	if p.cfg.NodeRole == cluster.Coordinator {
		if !p.manager.EnterBarrier(b.Group) {
			return
		}
		for _, info := range p.manager.Roster() {
			if !groupContainsRole(b.Group, info.Role) {
				continue
			}
			if err := p.transport.Send(info.ID, wire.Message{Meta: wire.MessageMeta{Command: wire.Barrier, Body: msg.Meta.Body}}); err != nil {
				p.log.Warn("failed to release barrier", zap.String("to", cluster.NodeIDToString(info.ID)), zap.Error(err))
			}
		}
		return
	}

	// This is the coordinator's release broadcast for a barrier we're
	// waiting on.
	p.barrierMu.Lock()
	ch, ok := p.barrierWaiters[b.Group]
	delete(p.barrierWaiters, b.Group)
	p.barrierMu.Unlock()
	if ok {
		close(ch)
	}
}

func groupContainsRole(group int, role cluster.NodeRole) bool {
	return group&(1<<role) != 0
}

func (p *ActorProcess) handleHeartbeat(from int, msg wire.Message) {
	if p.manager != nil {
		p.manager.RecordHeartbeat(from)
	}
}

func (p *ActorProcess) handleReportDeadNodes(msg wire.Message) {
	var b reportDeadNodesBody
	if err := json.Unmarshal(msg.Meta.Body, &b); err != nil {
		p.log.Warn("malformed dead-node report", zap.Error(err))
		metrics.ProtocolErrors.WithLabelValues("actor").Inc()
		return
	}
	p.deadMu.Lock()
	for _, id := range b.NodeIDs {
		p.deadIDs[id] = true
	}
	p.deadMu.Unlock()
}

func (p *ActorProcess) handleTerminate() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *ActorProcess) handleData(from int, msg wire.Message) {
	if p.dataHandler == nil {
		p.log.Warn("dropping data message: no handler registered")
		return
	}
	resp := p.dataHandler(from, msg)
	if !msg.Meta.IsRequest {
		return
	}
	resp.Meta.MessageID = msg.Meta.MessageID
	if err := p.transport.Send(from, resp); err != nil {
		p.log.Warn("failed to send data response", zap.Int("to", from), zap.Error(err))
	}
}

// Stop signals shutdown: members notify the coordinator and the
// coordinator notifies every member, then the transport and background
// goroutines are torn down. Safe to call more than once.
func (p *ActorProcess) Stop() error {
	p.stopOnce.Do(func() {
		if p.cfg.NodeRole == cluster.Coordinator {
			if p.manager != nil {
				for _, info := range p.manager.Roster() {
					p.transport.Send(info.ID, wire.Message{Meta: wire.MessageMeta{Command: wire.Terminate}})
				}
			}
		} else if p.selfID != 0 {
			p.transport.Send(cluster.CoordinatorNodeID, wire.Message{Meta: wire.MessageMeta{Command: wire.Terminate}})
		}
		close(p.stopCh)
	})
	err := p.transport.Close()
	p.wg.Wait()
	return err
}

// Stats returns the running send/receive byte counters, mirroring the
// C++ ActorProcess's send_bytes_/receive_bytes_ atomics.
func (p *ActorProcess) Stats() (sendBytes, receiveBytes int64) {
	return p.sendBytes.Load(), p.receiveBytes.Load()
}
