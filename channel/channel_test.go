package channel

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/relaywire/pubsub-go/events"
	"github.com/relaywire/pubsub-go/internal/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
}

func (f *fakeSender) Send(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) actions(t *testing.T) []wire.Action {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Action, 0, len(f.sent))
	for _, raw := range f.sent {
		env, err := wire.PeekEnvelope(raw)
		if err != nil {
			t.Fatalf("peek sent frame: %v", err)
		}
		out = append(out, env.Action)
	}
	return out
}

func TestSubscribeCatchAllSendsSubscribeFrame(t *testing.T) {
	sender := &fakeSender{connected: true}
	bus := events.New()
	ch := newChannel("news", sender, bus)

	var got Message
	if err := ch.Subscribe(func(m Message) { got = m }, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if acts := sender.actions(t); len(acts) != 1 || acts[0] != wire.ActionSubscribe {
		t.Fatalf("expected one SUBSCRIBE frame, got %v", acts)
	}

	ch.HandleSubscribed("sub-1")
	ch.HandleMessage([]Message{{ID: "1", Channel: "news", Data: json.RawMessage(`{"x":1}`)}})
	if string(got.Data) != `{"x":1}` {
		t.Fatalf("unexpected dispatched message: %+v", got)
	}
}

func TestSubscribeWhenNotConnectedSetsPendingAndErrors(t *testing.T) {
	sender := &fakeSender{connected: false}
	ch := newChannel("news", sender, nil)

	err := ch.Subscribe(func(Message) {}, nil)
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if !ch.pendingSubscribe {
		t.Fatal("expected pendingSubscribe to be set immediately, per the redesigned semantics")
	}
}

func TestEventFilterOnlyRoutesMatchingMessages(t *testing.T) {
	sender := &fakeSender{connected: true}
	ch := newChannel("news", sender, nil)

	var gotE, gotCatchAll []Message
	if err := ch.Subscribe(func(m Message) { gotCatchAll = append(gotCatchAll, m) }, nil); err != nil {
		t.Fatalf("subscribe catch-all: %v", err)
	}
	if err := ch.Subscribe(func(m Message) { gotE = append(gotE, m) }, &SubscribeOptions{Event: "e"}); err != nil {
		t.Fatalf("subscribe event: %v", err)
	}
	ch.HandleSubscribed("sub-1")

	ch.HandleMessage([]Message{
		{ID: "1", Event: "e", Data: json.RawMessage(`1`)},
		{ID: "2", Event: "other", Data: json.RawMessage(`2`)},
		{ID: "3", Data: json.RawMessage(`3`)},
	})

	if len(gotE) != 1 || string(gotE[0].Data) != "1" {
		t.Fatalf("expected exactly one event-matched message, got %+v", gotE)
	}
	if len(gotCatchAll) != 0 {
		t.Fatalf("expected no catch-all deliveries when event routing is active, got %+v", gotCatchAll)
	}
}

func TestBatchExpansionSuffixesIDForMultipleMessages(t *testing.T) {
	frame := wire.IncomingDataMessage{
		ID:      "abc",
		Channel: "news",
		Messages: []wire.DataMessage{
			{Data: json.RawMessage(`1`)},
			{Data: json.RawMessage(`2`)},
		},
	}
	msgs := ExpandIncoming(frame)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "abc-0" || msgs[1].ID != "abc-1" {
		t.Fatalf("unexpected ids: %q, %q", msgs[0].ID, msgs[1].ID)
	}

	single := wire.IncomingDataMessage{ID: "xyz", Messages: []wire.DataMessage{{Data: json.RawMessage(`1`)}}}
	msgs = ExpandIncoming(single)
	if len(msgs) != 1 || msgs[0].ID != "xyz" {
		t.Fatalf("expected bare id for a single-message batch, got %+v", msgs)
	}
}

func TestPauseBufferThenResumeDeliversFIFO(t *testing.T) {
	sender := &fakeSender{connected: true}
	ch := newChannel("news", sender, nil)

	var delivered []string
	if err := ch.Subscribe(func(m Message) { delivered = append(delivered, string(m.Data)) }, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch.HandleSubscribed("sub-1")

	ch.Pause(true)
	ch.HandleMessage([]Message{{Data: json.RawMessage(`1`)}, {Data: json.RawMessage(`2`)}})
	if len(delivered) != 0 {
		t.Fatalf("expected no delivery while paused, got %v", delivered)
	}

	ch.Resume()
	if len(delivered) != 2 || delivered[0] != "1" || delivered[1] != "2" {
		t.Fatalf("expected FIFO delivery of buffered messages, got %v", delivered)
	}
}

func TestPauseWithoutBufferingDropsMessages(t *testing.T) {
	sender := &fakeSender{connected: true}
	ch := newChannel("news", sender, nil)

	var delivered int
	if err := ch.Subscribe(func(Message) { delivered++ }, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch.HandleSubscribed("sub-1")

	ch.Pause(false)
	ch.HandleMessage([]Message{{Data: json.RawMessage(`1`)}})
	ch.Resume()

	if delivered != 0 {
		t.Fatalf("expected dropped messages to never be delivered, got %d deliveries", delivered)
	}
}

// TestOperationQueueOrdersHandshakes: subscribe A, then immediately after
// SUBSCRIBED call unsubscribe() and subscribe(B, {event:"e"}). The wire
// order must be SUBSCRIBE, UNSUBSCRIBE, SUBSCRIBE (queued until
// UNSUBSCRIBED arrives), and B must only ever see event "e".
func TestOperationQueueOrdersHandshakes(t *testing.T) {
	sender := &fakeSender{connected: true}
	ch := newChannel("news", sender, nil)

	var aFired int
	if err := ch.Subscribe(func(Message) { aFired++ }, nil); err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	ch.HandleSubscribed("sub-1")
	if acts := sender.actions(t); len(acts) != 1 || acts[0] != wire.ActionSubscribe {
		t.Fatalf("expected one SUBSCRIBE after SUBSCRIBED, got %v", acts)
	}

	if err := ch.Unsubscribe(nil, nil); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	var bFired []string
	if err := ch.Subscribe(func(m Message) { bFired = append(bFired, m.Event) }, &SubscribeOptions{Event: "e"}); err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	if acts := sender.actions(t); len(acts) != 2 || acts[1] != wire.ActionUnsubscribe {
		t.Fatalf("expected UNSUBSCRIBE to have been sent and B's subscribe queued, got %v", acts)
	}

	ch.HandleUnsubscribed("sub-1")
	if acts := sender.actions(t); len(acts) != 3 || acts[2] != wire.ActionSubscribe {
		t.Fatalf("expected the queued SUBSCRIBE for B to drain after UNSUBSCRIBED, got %v", acts)
	}

	ch.HandleSubscribed("sub-2")
	ch.HandleMessage([]Message{
		{Event: "e", Data: json.RawMessage(`1`)},
		{Event: "other", Data: json.RawMessage(`2`)},
	})
	if len(bFired) != 1 || bFired[0] != "e" {
		t.Fatalf("expected B to receive only event=\"e\" messages, got %v", bFired)
	}
	if aFired != 0 {
		t.Fatalf("expected A to never fire again after the channel was torn down, got %d", aFired)
	}
}

func TestRegistryRefCountRetentionAndRelease(t *testing.T) {
	sender := &fakeSender{connected: true}
	reg := NewRegistry(sender, nil)

	ch := reg.Get("news")
	if err := ch.Subscribe(func(Message) {}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	reg.Release("news")

	again := reg.Get("news")
	if again != ch {
		t.Fatal("expected the retained channel (with callbacks) to be reused, not recreated")
	}
}

func TestRegistryDropsChannelWithoutCallbacksAtZeroRefs(t *testing.T) {
	sender := &fakeSender{connected: true}
	reg := NewRegistry(sender, nil)

	ch := reg.Get("news")
	reg.Release("news")

	again := reg.Get("news")
	if again == ch {
		t.Fatal("expected a fresh channel once the callback-less one was released")
	}
}
