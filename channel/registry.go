package channel

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relaywire/pubsub-go/events"
	"github.com/relaywire/pubsub-go/internal/wire"
)

// Registry is the reference-counted channel directory. A channel whose count
// drops to zero survives as long as it still holds a registered callback, so
// a later reconnect can resubscribe it. Registry also demultiplexes inbound
// channel-scoped frames by the wire "channel" field.
type Registry struct {
	sender Sender
	bus    *events.Bus

	mu       sync.Mutex
	channels map[string]*entry
}

type entry struct {
	ch       *Channel
	refCount int
}

// NewRegistry builds an empty registry bound to sender for outbound frames.
func NewRegistry(sender Sender, bus *events.Bus) *Registry {
	return &Registry{
		sender:   sender,
		bus:      bus,
		channels: make(map[string]*entry),
	}
}

// Get returns the named channel, creating it lazily on first access and
// incrementing its reference count.
func (r *Registry) Get(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[name]
	if !ok {
		e = &entry{ch: newChannel(name, r.sender, r.bus)}
		r.channels[name] = e
	}
	e.refCount++
	return e.ch
}

// Release decrements name's reference count. A channel with at least one
// registered callback survives at refCount=0 for auto-resubscribe; a
// channel with none is reset and removed.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	e, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	removed := e.refCount == 0 && !e.ch.HasCallbacks()
	if removed {
		delete(r.channels, name)
	}
	r.mu.Unlock()

	if removed {
		e.ch.Reset()
	}
}

// MarkAllPendingSubscribe flags every retained channel as needing
// resubscription; the connection module calls this when the transport
// drops.
func (r *Registry) MarkAllPendingSubscribe() {
	r.mu.Lock()
	snapshot := make([]*Channel, 0, len(r.channels))
	for _, e := range r.channels {
		snapshot = append(snapshot, e.ch)
	}
	r.mu.Unlock()

	for _, ch := range snapshot {
		ch.MarkPendingSubscribe()
	}
}

// ResubscribeAll re-subscribes every retained channel that still has
// callbacks, concurrently, once a new session opens.
func (r *Registry) ResubscribeAll(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*Channel, 0, len(r.channels))
	for _, e := range r.channels {
		if e.ch.HasCallbacks() {
			snapshot = append(snapshot, e.ch)
		}
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, ch := range snapshot {
		ch := ch
		g.Go(func() error {
			ch.Resubscribe()
			return nil
		})
	}
	_ = g.Wait()
}

// Remove forcibly evicts name from the registry regardless of reference
// count, resetting the evicted channel first.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	e, ok := r.channels[name]
	if ok {
		delete(r.channels, name)
	}
	r.mu.Unlock()

	if ok {
		e.ch.Reset()
	}
}

// Reset resets every retained channel and clears the registry entirely,
// used when the whole client is torn down.
func (r *Registry) Reset() {
	r.mu.Lock()
	snapshot := make([]*Channel, 0, len(r.channels))
	for _, e := range r.channels {
		snapshot = append(snapshot, e.ch)
	}
	r.channels = make(map[string]*entry)
	r.mu.Unlock()

	for _, ch := range snapshot {
		ch.Reset()
	}
}

// Dispatch routes one inbound frame to the channel it names, or is a no-op
// if no such channel is retained.
func (r *Registry) Dispatch(action wire.Action, raw []byte) {
	channelName := wire.PeekChannel(raw)
	if channelName == "" {
		return
	}

	r.mu.Lock()
	e, ok := r.channels[channelName]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch action {
	case wire.ActionMessage:
		frame, err := wire.DecodeMessage(raw)
		if err != nil {
			e.ch.HandleParseError(err)
			return
		}
		e.ch.HandleMessage(ExpandIncoming(frame))
	case wire.ActionSubscribed:
		_, subscriptionID, err := wire.DecodeSubscribed(raw)
		if err != nil {
			e.ch.HandleParseError(err)
			return
		}
		e.ch.HandleSubscribed(subscriptionID)
	case wire.ActionUnsubscribed:
		_, subscriptionID, err := wire.DecodeUnsubscribed(raw)
		if err != nil {
			e.ch.HandleParseError(err)
			return
		}
		e.ch.HandleUnsubscribed(subscriptionID)
	case wire.ActionError:
		_, wireErr, err := wire.DecodeError(raw)
		if err != nil {
			e.ch.HandleParseError(err)
			return
		}
		e.ch.HandleError(wireErr)
	}
}
