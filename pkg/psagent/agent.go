package psagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mindalpha/MindAlpha/internal/log"
	"github.com/mindalpha/MindAlpha/pkg/actor"
	"github.com/mindalpha/MindAlpha/pkg/cluster"
	"github.com/mindalpha/MindAlpha/pkg/tensor"
	"github.com/mindalpha/MindAlpha/pkg/wire"
)

// Agent is the partition-routing client half of PSAgent: it addresses
// servers by rank (cluster.RankToNodeID(cluster.Server, rank)), fans a call
// out to every server a tensor touches using golang.org/x/sync/errgroup,
// and reassembles the responses. One Agent is owned by each worker
// ActorProcess, wired in as that process's DataHandler.
type Agent struct {
	proc        *actor.ActorProcess
	serverCount int

	pendingMu sync.Mutex
	pending   map[uint64]chan wire.Message

	log *log.Logger
}

// NewAgent creates an Agent bound to proc, addressing serverCount server
// ranks. It registers itself as proc's DataHandler.
func NewAgent(proc *actor.ActorProcess, serverCount int) *Agent {
	a := &Agent{
		proc:        proc,
		serverCount: serverCount,
		pending:     make(map[uint64]chan wire.Message),
		log:         log.Default().Module("psagent_client"),
	}
	proc.SetDataHandler(a.handleResponse)
	return a
}

func (a *Agent) handleResponse(from int, msg wire.Message) wire.Message {
	a.pendingMu.Lock()
	ch, ok := a.pending[msg.Meta.MessageID]
	if ok {
		delete(a.pending, msg.Meta.MessageID)
	}
	a.pendingMu.Unlock()
	if !ok {
		a.log.Warn("response matched no pending request", zap.Uint64("message_id", msg.Meta.MessageID))
		return wire.Message{}
	}
	ch <- msg
	return wire.Message{}
}

// request sends req to the server at rank and blocks for its response.
func (a *Agent) request(ctx context.Context, rank int, req wire.Message) (wire.Message, error) {
	req.Meta.IsRequest = true
	req.Meta.MessageID = uint64(a.proc.GetMessageID())

	ch := make(chan wire.Message, 1)
	a.pendingMu.Lock()
	a.pending[req.Meta.MessageID] = ch
	a.pendingMu.Unlock()

	nodeID := cluster.RankToNodeID(cluster.Server, rank)
	if err := a.proc.Send(ctx, nodeID, req); err != nil {
		a.pendingMu.Lock()
		delete(a.pending, req.Meta.MessageID)
		a.pendingMu.Unlock()
		return wire.Message{}, err
	}

	select {
	case resp := <-ch:
		var env responseEnvelope
		if err := json.Unmarshal(resp.Meta.Body, &env); err != nil {
			return wire.Message{}, fmt.Errorf("psagent: malformed response: %w", err)
		}
		if !env.OK {
			return wire.Message{}, fmt.Errorf("psagent: server %d: %s", rank, env.Error)
		}
		return resp, nil
	case <-ctx.Done():
		a.pendingMu.Lock()
		delete(a.pending, req.Meta.MessageID)
		a.pendingMu.Unlock()
		return wire.Message{}, ctx.Err()
	}
}

func requestMessage(env requestEnvelope, slices ...[]byte) (wire.Message, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return wire.Message{}, fmt.Errorf("psagent: cannot marshal request: %w", err)
	}
	return wire.Message{Meta: wire.MessageMeta{Body: body}, Slices: slices}, nil
}

// Init creates tensor name on every server, each building its shard from
// the factory it has registered locally for that name.
func (a *Agent) Init(ctx context.Context, name string, meta tensor.Meta, kind TensorKind) error {
	env := requestEnvelope{Op: opInit, Tensor: name, Meta: &meta, Kind: kind}
	msg, err := requestMessage(env)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < a.serverCount; rank++ {
		rank := rank
		g.Go(func() error {
			_, err := a.request(gctx, rank, msg)
			return err
		})
	}
	return g.Wait()
}

// partitionByServer groups keys (and their positions in the original
// call) by key mod serverCount, the sparse tensor routing rule.
func (a *Agent) partitionByServer(keys []uint64) map[int][]int {
	groups := make(map[int][]int, a.serverCount)
	for i, k := range keys {
		rank := int(k % uint64(a.serverCount))
		groups[rank] = append(groups[rank], i)
	}
	return groups
}

// PullSparse pulls keys' data regions from the sparse tensor name, routing
// each key to its owning server by key mod the agent's server count and
// reassembling the response in the original key order.
func (a *Agent) PullSparse(ctx context.Context, name string, keys []uint64, readOnly bool, dataBytesPerKey uint64) ([]byte, error) {
	groups := a.partitionByServer(keys)
	out := make([]byte, uint64(len(keys))*dataBytesPerKey)

	g, gctx := errgroup.WithContext(ctx)
	for rank, idxs := range groups {
		rank, idxs := rank, idxs
		g.Go(func() error {
			partKeys := make([]uint64, len(idxs))
			for j, idx := range idxs {
				partKeys[j] = keys[idx]
			}
			env := requestEnvelope{Op: opPull, Tensor: name, ReadOnly: readOnly}
			msg, err := requestMessage(env, encodeKeys(partKeys))
			if err != nil {
				return err
			}
			resp, err := a.request(gctx, rank, msg)
			if err != nil {
				return err
			}
			if len(resp.Slices) == 0 {
				return fmt.Errorf("psagent: pull response from server %d carries no values", rank)
			}
			values := resp.Slices[0]
			for j, idx := range idxs {
				copy(out[uint64(idx)*dataBytesPerKey:uint64(idx+1)*dataBytesPerKey], values[uint64(j)*dataBytesPerKey:uint64(j+1)*dataBytesPerKey])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PushSparse pushes keys/values (one dataBytesPerKey-wide chunk per key) to
// the sparse tensor name, routing each key to its owning server.
func (a *Agent) PushSparse(ctx context.Context, name string, keys []uint64, values []byte, isValue bool, dataBytesPerKey uint64) error {
	groups := a.partitionByServer(keys)

	g, gctx := errgroup.WithContext(ctx)
	for rank, idxs := range groups {
		rank, idxs := rank, idxs
		g.Go(func() error {
			partKeys := make([]uint64, len(idxs))
			partValues := make([]byte, uint64(len(idxs))*dataBytesPerKey)
			for j, idx := range idxs {
				partKeys[j] = keys[idx]
				copy(partValues[uint64(j)*dataBytesPerKey:uint64(j+1)*dataBytesPerKey], values[uint64(idx)*dataBytesPerKey:uint64(idx+1)*dataBytesPerKey])
			}
			env := requestEnvelope{Op: opPush, Tensor: name, IsValue: isValue}
			msg, err := requestMessage(env, encodeKeys(partKeys), partValues)
			if err != nil {
				return err
			}
			_, err = a.request(gctx, rank, msg)
			return err
		})
	}
	return g.Wait()
}

// PullDense pulls every server rank's whole buffer for the dense tensor
// name, returned in rank order.
func (a *Agent) PullDense(ctx context.Context, name string, isState bool) ([][]byte, error) {
	out := make([][]byte, a.serverCount)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < a.serverCount; rank++ {
		rank := rank
		g.Go(func() error {
			env := requestEnvelope{Op: opPull, Tensor: name, IsState: isState}
			msg, err := requestMessage(env)
			if err != nil {
				return err
			}
			resp, err := a.request(gctx, rank, msg)
			if err != nil {
				return err
			}
			if len(resp.Slices) == 0 {
				return fmt.Errorf("psagent: pull response from server %d carries no values", rank)
			}
			out[rank] = resp.Slices[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PushDense pushes values to server rank's whole buffer for the dense
// tensor name.
func (a *Agent) PushDense(ctx context.Context, name string, rank int, values []byte, isValue, isState bool) error {
	env := requestEnvelope{Op: opPush, Tensor: name, IsValue: isValue, IsState: isState}
	msg, err := requestMessage(env, values)
	if err != nil {
		return err
	}
	_, err = a.request(ctx, rank, msg)
	return err
}

// Save instructs every server to checkpoint its shard of the named tensor
// to dir.
func (a *Agent) Save(ctx context.Context, name, dir string) error {
	return a.fanOutDirOp(ctx, opSave, name, dir, false)
}

// Load instructs every server to restore its shard of the named tensor
// from dir.
func (a *Agent) Load(ctx context.Context, name, dir string, keepMeta bool) error {
	return a.fanOutDirOp(ctx, opLoad, name, dir, keepMeta)
}

func (a *Agent) fanOutDirOp(ctx context.Context, o op, name, dir string, keepMeta bool) error {
	env := requestEnvelope{Op: o, Tensor: name, Dir: dir, KeepMeta: keepMeta}
	msg, err := requestMessage(env)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < a.serverCount; rank++ {
		rank := rank
		g.Go(func() error {
			_, err := a.request(gctx, rank, msg)
			return err
		})
	}
	return g.Wait()
}
