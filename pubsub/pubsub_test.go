package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/mistcool/unitcooler/model"
)

func TestPublishAndSubscribe(t *testing.T) {
	pub, err := Listen("127.0.0.1:0", "cooler")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pub.Close()
	addr := pub.listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := Dial(ctx, addr, "cooler", 0, nil)
	defer sub.Close()

	time.Sleep(50 * time.Millisecond) // allow connection to establish
	pub.Publish(model.ControlMessage{ModeIndex: 2, State: model.StateRunning})

	select {
	case <-sub.Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	got, ok := sub.Latest()
	if !ok || got.ModeIndex != 2 {
		t.Fatalf("expected mode 2, got %+v (ok=%v)", got, ok)
	}
}

func TestSubscriberIgnoresOlderMessageID(t *testing.T) {
	pub, err := Listen("127.0.0.1:0", "cooler")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pub.Close()
	addr := pub.listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := Dial(ctx, addr, "cooler", 0, nil)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	pub.Publish(model.ControlMessage{ModeIndex: 3})
	<-sub.Notify()

	sub.accept(model.ControlMessage{MessageID: 0, ModeIndex: 9})
	got, _ := sub.Latest()
	if got.ModeIndex == 9 {
		t.Fatalf("subscriber accepted an older message id")
	}
}

func TestProxyReplaysCachedMessageToNewSubscriber(t *testing.T) {
	pub, err := Listen("127.0.0.1:0", "cooler")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pub.Close()
	upstreamAddr := pub.listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy, err := NewProxy(ctx, upstreamAddr, "127.0.0.1:0", "cooler", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	defer proxy.Close()
	downstreamAddr := proxy.downstream.Addr().String()

	time.Sleep(50 * time.Millisecond)
	pub.Publish(model.ControlMessage{ModeIndex: 4, State: model.StateRunning})
	time.Sleep(100 * time.Millisecond) // let proxy ingest and cache it

	sub := Dial(ctx, downstreamAddr, "cooler", 0, nil)
	defer sub.Close()

	select {
	case <-sub.Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed message")
	}

	got, ok := sub.Latest()
	if !ok || got.ModeIndex != 4 {
		t.Fatalf("expected replayed mode 4, got %+v (ok=%v)", got, ok)
	}
}
