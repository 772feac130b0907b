package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mindalpha/MindAlpha/pkg/cluster"
	"github.com/mindalpha/MindAlpha/pkg/wire"
)

func baseConfig(role cluster.NodeRole, rootPort int) Config {
	cfg := DefaultConfig()
	cfg.NodeRole = role
	cfg.RootURI = "127.0.0.1"
	cfg.RootPort = rootPort
	cfg.NodeURI = "127.0.0.1"
	cfg.NodePort = 0
	cfg.ServerCount = 1
	cfg.WorkerCount = 2
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	return cfg
}

// startCluster brings up one coordinator, one server and two workers, all
// fully joined and connected, and returns them for the caller to drive.
func startCluster(t *testing.T) (coord, server, w0, w1 *ActorProcess) {
	t.Helper()
	const rootPort = 18900

	coord = NewActorProcess(baseConfig(cluster.Coordinator, rootPort))
	server = NewActorProcess(baseConfig(cluster.Server, rootPort))
	w0 = NewActorProcess(baseConfig(cluster.Worker, rootPort))
	w1 = NewActorProcess(baseConfig(cluster.Worker, rootPort))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	start := func(p *ActorProcess) {
		defer wg.Done()
		errs <- p.Start(ctx)
	}
	wg.Add(4)
	go start(coord)
	// Give the coordinator a moment to bind before members dial it.
	time.Sleep(50 * time.Millisecond)
	go start(server)
	go start(w0)
	go start(w1)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	t.Cleanup(func() {
		coord.Stop()
		server.Stop()
		w0.Stop()
		w1.Stop()
	})
	return coord, server, w0, w1
}

func TestStartAssignsDistinctIDsAndRoster(t *testing.T) {
	coord, server, w0, w1 := startCluster(t)

	if coord.SelfID() != cluster.CoordinatorNodeID {
		t.Fatalf("coordinator SelfID = %d, want %d", coord.SelfID(), cluster.CoordinatorNodeID)
	}
	ids := map[int]bool{coord.SelfID(): true, server.SelfID(): true, w0.SelfID(): true, w1.SelfID(): true}
	if len(ids) != 4 {
		t.Fatalf("expected 4 distinct node ids, got %v", ids)
	}
	if len(coord.Roster()) != 4 {
		t.Fatalf("coordinator roster has %d entries, want 4", len(coord.Roster()))
	}
	if len(w0.Roster()) != 4 {
		t.Fatalf("worker roster has %d entries, want 4", len(w0.Roster()))
	}
}

func TestBarrierReleasesAllWorkersTogether(t *testing.T) {
	coord, _, w0, w1 := startCluster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go coord.Run(ctx)

	done := make(chan string, 2)
	go func() {
		if err := w0.Barrier(ctx, cluster.WorkerGroup); err != nil {
			t.Errorf("w0 barrier: %v", err)
		}
		done <- "w0"
	}()

	select {
	case <-done:
		t.Fatal("w0 returned from Barrier before w1 arrived")
	case <-time.After(100 * time.Millisecond):
	}

	go func() {
		if err := w1.Barrier(ctx, cluster.WorkerGroup); err != nil {
			t.Errorf("w1 barrier: %v", err)
		}
		done <- "w1"
	}()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case who := <-done:
			seen[who] = true
		case <-time.After(2 * time.Second):
			t.Fatal("barrier never released both workers")
		}
	}
	if !seen["w0"] || !seen["w1"] {
		t.Fatalf("expected both workers released, got %v", seen)
	}
}

func TestDataHandlerRoundTrip(t *testing.T) {
	coord, server, w0, _ := startCluster(t)
	_ = coord

	server.SetDataHandler(func(from int, msg wire.Message) wire.Message {
		return wire.Message{
			Meta:   wire.MessageMeta{Body: append([]byte("echo:"), msg.Meta.Body...)},
			Slices: msg.Slices,
		}
	})

	// w0's dispatch goroutine consumes its transport's inbound channel, so
	// the echo reply is observed through w0's own data handler.
	replies := make(chan wire.Message, 1)
	w0.SetDataHandler(func(from int, msg wire.Message) wire.Message {
		replies <- msg
		return wire.Message{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.Run(ctx)
	go w0.Run(ctx)

	if err := w0.Send(ctx, server.SelfID(), wire.Message{
		Meta: wire.MessageMeta{IsRequest: true, Body: []byte("ping")},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case recv := <-replies:
		if string(recv.Meta.Body) != "echo:ping" {
			t.Fatalf("response body = %q, want %q", recv.Meta.Body, "echo:ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo response")
	}
}

func TestHeartbeatKeepsNodeAlive(t *testing.T) {
	coord, server, _, _ := startCluster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go coord.Run(ctx)
	go server.Run(ctx)

	time.Sleep(300 * time.Millisecond)
	if coord.IsNodeDead(server.SelfID()) {
		t.Fatalf("server should still be alive while sending heartbeats")
	}
}
