package transport

import (
	"context"
	"testing"
	"time"

	"github.com/mindalpha/MindAlpha/pkg/wire"
)

func connectPair(t *testing.T, cfgA, cfgB Config) (a, b *Transport) {
	t.Helper()
	a = New(1, cfgA)
	b = New(2, cfgB)

	addrA, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("a.Listen: %v", err)
	}
	addrB, err := b.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("b.Listen: %v", err)
	}
	if err := a.Connect(2, addrB); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	if err := b.Connect(1, addrA); err != nil {
		t.Fatalf("b.Connect: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendDeliversMessage(t *testing.T) {
	a, b := connectPair(t, DefaultConfig(), DefaultConfig())

	if err := a.Send(2, wire.Message{Meta: wire.MessageMeta{Command: wire.Empty, Body: []byte("hello")}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case recv := <-b.Received():
		if string(recv.Msg.Meta.Body) != "hello" {
			t.Fatalf("Body = %q, want %q", recv.Msg.Meta.Body, "hello")
		}
		if recv.From != 1 {
			t.Fatalf("From = %d, want 1", recv.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendReliableGetsAcked(t *testing.T) {
	cfg := Config{IsResendingEnabled: true, ResendingTimeout: 200 * time.Millisecond, ResendingRetry: 3}
	a, b := connectPair(t, cfg, cfg)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- a.SendReliable(ctx, 2, wire.Message{Meta: wire.MessageMeta{Command: wire.Empty, Body: []byte("reliable")}})
	}()

	select {
	case recv := <-b.Received():
		if string(recv.Msg.Meta.Body) != "reliable" {
			t.Fatalf("Body = %q", recv.Msg.Meta.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never saw the message")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendReliable: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("SendReliable never returned")
	}
}

func TestSendReliableUnderDropRateEventuallyDelivers(t *testing.T) {
	cfg := Config{IsResendingEnabled: true, ResendingTimeout: 50 * time.Millisecond, ResendingRetry: 50, DropRate: 0.5}
	a, b := connectPair(t, cfg, Config{IsResendingEnabled: true, ResendingTimeout: 50 * time.Millisecond, ResendingRetry: 50})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.SendReliable(ctx, 2, wire.Message{Meta: wire.MessageMeta{Command: wire.Empty, Body: []byte("flaky")}})
	}()

	received := 0
	timeout := time.After(5 * time.Second)
	for received == 0 {
		select {
		case <-b.Received():
			received++
		case <-timeout:
			t.Fatal("never received the flaky message")
		}
	}

	if err := <-errCh; err != nil {
		t.Fatalf("SendReliable under drop_rate: %v", err)
	}
}

func TestDuplicateDeliveryIsSuppressed(t *testing.T) {
	cfg := Config{IsResendingEnabled: true, ResendingTimeout: time.Second, ResendingRetry: 3}
	a, b := connectPair(t, cfg, cfg)

	msg := wire.Message{Meta: wire.MessageMeta{MessageID: 77, Command: wire.Empty, Body: []byte("dup")}}
	if err := a.Send(2, msg); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.Send(2, msg); err != nil {
		t.Fatalf("second send: %v", err)
	}

	count := 0
	timeout := time.After(1 * time.Second)
loop:
	for {
		select {
		case <-b.Received():
			count++
		case <-timeout:
			break loop
		}
	}
	if count != 1 {
		t.Fatalf("delivered %d times, want exactly 1", count)
	}
}
