package psagent

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mindalpha/MindAlpha/internal/log"
	"github.com/mindalpha/MindAlpha/pkg/wire"
)

// Server is one server node's share of every tensor in the job: it holds
// one Shard per named tensor and answers Pull/Push/Init/Save/Load requests
// routed to it by an Agent. Wire it in as an ActorProcess's DataHandler via
// HandleRequest.
type Server struct {
	rank int

	factoriesMu sync.RWMutex
	factories   map[string]ShardFactory

	shardsMu sync.RWMutex
	shards   map[string]Shard

	log *log.Logger
}

// NewServer creates a Server for partition rank.
func NewServer(rank int) *Server {
	return &Server{
		rank:      rank,
		factories: make(map[string]ShardFactory),
		shards:    make(map[string]Shard),
		log:       log.Default().Module("psagent_server"),
	}
}

// RegisterFactory associates name with the shard constructor used the next
// time an Init request for name arrives. Must be called before the cluster
// starts accepting Init calls for that tensor.
func (s *Server) RegisterFactory(name string, factory ShardFactory) {
	s.factoriesMu.Lock()
	defer s.factoriesMu.Unlock()
	s.factories[name] = factory
}

func (s *Server) shard(name string) (Shard, bool) {
	s.shardsMu.RLock()
	defer s.shardsMu.RUnlock()
	sh, ok := s.shards[name]
	return sh, ok
}

// HandleRequest implements actor.DataHandler: it decodes req's envelope,
// performs the named tensor operation against this rank's shard, and
// returns the reply message (ignored by the caller when req is not
// IsRequest).
func (s *Server) HandleRequest(from int, req wire.Message) wire.Message {
	var env requestEnvelope
	if err := json.Unmarshal(req.Meta.Body, &env); err != nil {
		return errorResponse(fmt.Errorf("psagent: malformed request: %w", err))
	}

	switch env.Op {
	case opInit:
		return s.handleInit(env)
	case opPull:
		return s.handlePull(env, req)
	case opPush:
		return s.handlePush(env, req)
	case opSave:
		return s.handleSave(env)
	case opLoad:
		return s.handleLoad(env)
	default:
		return errorResponse(fmt.Errorf("psagent: unknown op %q", env.Op))
	}
}

func (s *Server) handleInit(env requestEnvelope) wire.Message {
	if env.Meta == nil {
		return errorResponse(fmt.Errorf("psagent: init request for %q carries no meta", env.Tensor))
	}
	s.factoriesMu.RLock()
	factory, ok := s.factories[env.Tensor]
	s.factoriesMu.RUnlock()
	if !ok {
		return errorResponse(fmt.Errorf("psagent: no shard factory registered for tensor %q", env.Tensor))
	}

	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	if _, exists := s.shards[env.Tensor]; exists {
		return okResponse(nil)
	}
	sh := factory(*env.Meta, s.rank)
	if sh.Kind() != env.Kind {
		return errorResponse(fmt.Errorf("psagent: tensor %q registered as %s, init requested %s", env.Tensor, sh.Kind(), env.Kind))
	}
	s.shards[env.Tensor] = sh
	s.log.Info("initialized tensor shard", zap.String("tensor", env.Tensor), zap.Int("partition", s.rank))
	return okResponse(nil)
}

func (s *Server) handlePull(env requestEnvelope, req wire.Message) wire.Message {
	sh, ok := s.shard(env.Tensor)
	if !ok {
		return errorResponse(fmt.Errorf("psagent: tensor %q not initialized on this server", env.Tensor))
	}
	var keys []uint64
	if len(req.Slices) > 0 {
		decoded, err := decodeKeys(req.Slices[0])
		if err != nil {
			return errorResponse(err)
		}
		keys = decoded
	}
	values := sh.Pull(keys, env.ReadOnly, env.IsState)
	return okResponse([][]byte{values})
}

func (s *Server) handlePush(env requestEnvelope, req wire.Message) wire.Message {
	sh, ok := s.shard(env.Tensor)
	if !ok {
		return errorResponse(fmt.Errorf("psagent: tensor %q not initialized on this server", env.Tensor))
	}
	var keys []uint64
	var values []byte
	switch len(req.Slices) {
	case 1:
		values = req.Slices[0]
	case 2:
		decoded, err := decodeKeys(req.Slices[0])
		if err != nil {
			return errorResponse(err)
		}
		keys, values = decoded, req.Slices[1]
	default:
		return errorResponse(fmt.Errorf("psagent: push request carries %d slices, want 1 or 2", len(req.Slices)))
	}
	if err := sh.Push(keys, values, env.IsValue, env.IsState); err != nil {
		return errorResponse(err)
	}
	return okResponse(nil)
}

func (s *Server) handleSave(env requestEnvelope) wire.Message {
	sh, ok := s.shard(env.Tensor)
	if !ok {
		return errorResponse(fmt.Errorf("psagent: tensor %q not initialized on this server", env.Tensor))
	}
	if err := sh.Save(env.Dir); err != nil {
		return errorResponse(err)
	}
	return okResponse(nil)
}

func (s *Server) handleLoad(env requestEnvelope) wire.Message {
	sh, ok := s.shard(env.Tensor)
	if !ok {
		return errorResponse(fmt.Errorf("psagent: tensor %q not initialized on this server", env.Tensor))
	}
	if err := sh.Load(env.Dir, env.KeepMeta); err != nil {
		return errorResponse(err)
	}
	return okResponse(nil)
}

func okResponse(slices [][]byte) wire.Message {
	body, _ := json.Marshal(responseEnvelope{OK: true})
	return wire.Message{Meta: wire.MessageMeta{Body: body}, Slices: slices}
}

func errorResponse(err error) wire.Message {
	body, _ := json.Marshal(responseEnvelope{OK: false, Error: err.Error()})
	return wire.Message{Meta: wire.MessageMeta{IsException: true, Body: body}}
}
