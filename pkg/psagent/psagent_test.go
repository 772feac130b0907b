package psagent

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mindalpha/MindAlpha/pkg/actor"
	"github.com/mindalpha/MindAlpha/pkg/cluster"
	"github.com/mindalpha/MindAlpha/pkg/datatype"
	"github.com/mindalpha/MindAlpha/pkg/tensor"
)

func float32Bytes(f float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
	return buf
}

func bytesToFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func zeroInit(key uint64, data, state []byte) {}

func sgdUpdate(key uint64, data, state, gradient []byte) {
	d := bytesToFloat32(data)
	g := bytesToFloat32(gradient)
	copy(data, float32Bytes(d-0.1*g))
}

func baseActorConfig(role cluster.NodeRole, rootPort int) actor.Config {
	cfg := actor.DefaultConfig()
	cfg.NodeRole = role
	cfg.RootURI = "127.0.0.1"
	cfg.RootPort = rootPort
	cfg.NodeURI = "127.0.0.1"
	cfg.NodePort = 0
	cfg.ServerCount = 2
	cfg.WorkerCount = 1
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	return cfg
}

// startTestCluster brings up a coordinator, two servers (each running a
// psagent.Server as its data handler, with a sparse shard factory
// registered for "embedding") and one worker (running a psagent.Agent),
// all fully joined and connected.
func startTestCluster(t *testing.T) (coord *actor.ActorProcess, servers []*actor.ActorProcess, worker *actor.ActorProcess, agent *Agent) {
	t.Helper()
	const rootPort = 19100

	coord = actor.NewActorProcess(baseActorConfig(cluster.Coordinator, rootPort))
	s0 := actor.NewActorProcess(baseActorConfig(cluster.Server, rootPort))
	s1 := actor.NewActorProcess(baseActorConfig(cluster.Server, rootPort))
	worker = actor.NewActorProcess(baseActorConfig(cluster.Worker, rootPort))
	servers = []*actor.ActorProcess{s0, s1}

	srv0 := NewServer(0)
	srv1 := NewServer(1)
	srv0.RegisterFactory("embedding", NewSparseShardFactory(zeroInit, sgdUpdate))
	srv1.RegisterFactory("embedding", NewSparseShardFactory(zeroInit, sgdUpdate))
	s0.SetDataHandler(srv0.HandleRequest)
	s1.SetDataHandler(srv1.HandleRequest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	start := func(p *actor.ActorProcess) {
		defer wg.Done()
		errs <- p.Start(ctx)
	}
	wg.Add(4)
	go start(coord)
	time.Sleep(50 * time.Millisecond)
	go start(s0)
	go start(s1)
	go start(worker)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	agent = NewAgent(worker, len(servers))

	runCtx, runCancel := context.WithCancel(context.Background())
	go coord.Run(runCtx)
	go s0.Run(runCtx)
	go s1.Run(runCtx)
	go worker.Run(runCtx)

	t.Cleanup(func() {
		runCancel()
		coord.Stop()
		s0.Stop()
		s1.Stop()
		worker.Stop()
	})
	return coord, servers, worker, agent
}

func embeddingMeta() tensor.Meta {
	return tensor.Meta{
		Name:           "embedding",
		DataType:       datatype.Float32,
		DataShape:      []uint64{4},
		PartitionCount: 2,
	}
}

func TestAgentPullAfterPushRoutesByKeyModServerCount(t *testing.T) {
	_, _, _, agent := startTestCluster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := agent.Init(ctx, "embedding", embeddingMeta(), Sparse); err != nil {
		t.Fatalf("Init: %v", err)
	}

	keys := []uint64{0, 1, 2, 3, 4, 5}
	const dataBytesPerKey = 4 * 4 // 4 float32s
	values := make([]byte, uint64(len(keys))*dataBytesPerKey)
	for i := range keys {
		for d := 0; d < 4; d++ {
			copy(values[uint64(i)*dataBytesPerKey+uint64(d)*4:], float32Bytes(float32(i)+float32(d)*0.01))
		}
	}
	if err := agent.PushSparse(ctx, "embedding", keys, values, true, dataBytesPerKey); err != nil {
		t.Fatalf("PushSparse: %v", err)
	}

	got, err := agent.PullSparse(ctx, "embedding", keys, true, dataBytesPerKey)
	if err != nil {
		t.Fatalf("PullSparse: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("pulled %d bytes, want %d", len(got), len(values))
	}
	for i := range keys {
		for d := 0; d < 4; d++ {
			want := float32(i) + float32(d)*0.01
			gotVal := bytesToFloat32(got[uint64(i)*dataBytesPerKey+uint64(d)*4:])
			if gotVal != want {
				t.Fatalf("key %d dim %d = %v, want %v", keys[i], d, gotVal, want)
			}
		}
	}
}

func TestAgentInitRejectsKindMismatchedWithRegisteredFactory(t *testing.T) {
	_, _, _, agent := startTestCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// "embedding" is registered on every server via NewSparseShardFactory;
	// requesting Dense must be rejected rather than silently honored.
	if err := agent.Init(ctx, "embedding", embeddingMeta(), Dense); err == nil {
		t.Fatalf("expected Init to reject a kind mismatch against the registered factory")
	}
}

func TestAgentPullReadOnlyMissingKeyReturnsZero(t *testing.T) {
	_, _, _, agent := startTestCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := agent.Init(ctx, "embedding", embeddingMeta(), Sparse); err != nil {
		t.Fatalf("Init: %v", err)
	}

	got, err := agent.PullSparse(ctx, "embedding", []uint64{42}, true, 16)
	if err != nil {
		t.Fatalf("PullSparse: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected all-zero bytes for missing key, got %v", got)
		}
	}
}

func TestAgentSaveLoadRoundTrip(t *testing.T) {
	_, _, _, agent := startTestCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := agent.Init(ctx, "embedding", embeddingMeta(), Sparse); err != nil {
		t.Fatalf("Init: %v", err)
	}

	keys := []uint64{10, 11}
	const dataBytesPerKey = 16
	values := make([]byte, uint64(len(keys))*dataBytesPerKey)
	for i := range keys {
		copy(values[uint64(i)*dataBytesPerKey:], float32Bytes(float32(i)+1))
	}
	if err := agent.PushSparse(ctx, "embedding", keys, values, true, dataBytesPerKey); err != nil {
		t.Fatalf("PushSparse: %v", err)
	}

	dir := t.TempDir()
	if err := agent.Save(ctx, "embedding", dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(dir + "/embedding/meta.json"); err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}

	// Loading the checkpoint back into the same servers should reproduce
	// identical pulled values.
	if err := agent.Load(ctx, "embedding", dir, true); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := agent.PullSparse(ctx, "embedding", keys, true, dataBytesPerKey)
	if err != nil {
		t.Fatalf("PullSparse after Load: %v", err)
	}
	if !equalBytes(got, values) {
		t.Fatalf("PullSparse after Load = %v, want %v", got, values)
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
