package wiretest

import (
	"testing"

	"github.com/relaywire/pubsub-go/internal/wire"
)

func TestSetAction(t *testing.T) {
	raw := []byte(`{"action":1,"channel":"news"}`)
	out, err := SetAction(raw, wire.ActionSubscribe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env, err := wire.PeekEnvelope(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Action != wire.ActionSubscribe {
		t.Fatalf("expected ActionSubscribe, got %v", env.Action)
	}
}
