// Package channel implements the per-channel subscribe/unsubscribe state
// machine and message routing, plus a reference-counted registry of channels
// (registry.go).
package channel

import (
	"errors"
	"reflect"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/relaywire/pubsub-go/events"
	"github.com/relaywire/pubsub-go/internal/wire"
)

// ErrNotConnected is returned by Subscribe and Publish when the transport is
// not OPEN. Unsubscribe never returns it: while disconnected it marks the
// channel unsubscribed locally and returns nil.
var ErrNotConnected = errors.New("channel: not connected")

// Callback receives one consumer-facing Message.
type Callback func(Message)

// SubscribeOptions narrows a subscribe/unsubscribe call to a single event
// name; the zero value addresses the catch-all slot.
type SubscribeOptions struct {
	Event string
}

// PublishOptions carries the optional event/alias tag on an outbound message.
type PublishOptions struct {
	Event string
	Alias string
}

// Sender is the slice of the connection module a channel needs: write a raw
// wire frame, and know whether that would currently succeed.
type Sender interface {
	Send(raw []byte) error
	IsConnected() bool
}

// Event names emitted on the bus, each payload carrying at least
// {ChannelName}.
const (
	EventSubscribing   = "subscribing"
	EventSubscribed    = "subscribed"
	EventUnsubscribing = "unsubscribing"
	EventUnsubscribed  = "unsubscribed"
	EventPaused        = "paused"
	EventResumed       = "resumed"
	// EventChannelFailed is distinct from connection.EventFailed ("failed"):
	// both packages share one bus, and a connection-level failure and a
	// channel-level one are not the same event.
	EventChannelFailed = "channel_failed"
)

// SubscribedPayload accompanies "subscribed".
type SubscribedPayload struct {
	ChannelName    string
	SubscriptionID string
}

// UnsubscribedPayload accompanies "unsubscribed".
type UnsubscribedPayload struct {
	ChannelName    string
	SubscriptionID string
}

// PausedPayload accompanies "paused".
type PausedPayload struct {
	ChannelName string
	Buffering   bool
}

// ResumedPayload accompanies "resumed".
type ResumedPayload struct {
	ChannelName               string
	BufferedMessagesDelivered int
}

// FailedPayload accompanies "channel_failed".
type FailedPayload struct {
	ChannelName string
	Error       error
	Action      string
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
)

type operation struct {
	kind opKind
	cb   Callback
	opts SubscribeOptions
}

// Channel is the per-channel state machine: one subscription handshake in
// flight at a time, later requests queued until it settles.
type Channel struct {
	name   string
	sender Sender
	bus    *events.Bus

	mu                 sync.Mutex
	subscribed         bool
	pendingSubscribe   bool
	pendingUnsubscribe bool
	subscriptionID     string

	catchAll       Callback
	eventCallbacks map[string][]Callback

	paused            bool
	bufferWhilePaused bool
	buffered          []Message

	opQueue []operation
}

// newChannel constructs a channel bound to name; called only from the
// registry's get().
func newChannel(name string, sender Sender, bus *events.Bus) *Channel {
	return &Channel{
		name:           name,
		sender:         sender,
		bus:            bus,
		eventCallbacks: make(map[string][]Callback),
	}
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

func (c *Channel) emit(name string, payload any) {
	if c.bus != nil {
		c.bus.Emit(name, payload)
	}
}

// HasCallbacks reports whether any catch-all or per-event callback is
// registered; the registry uses this to decide retention at refCount=0.
func (c *Channel) HasCallbacks() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catchAll != nil || len(c.eventCallbacks) > 0
}

// Subscribe registers cb: a catch-all subscribe when opts is nil or
// opts.Event is empty, otherwise an event-scoped subscribe.
func (c *Channel) Subscribe(cb Callback, opts *SubscribeOptions) error {
	log.Debugf("channel %q: subscribe called", c.name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sender.IsConnected() {
		// pendingSubscribe is set immediately, even though the SUBSCRIBE
		// frame cannot be sent yet, so the operation queue gates correctly.
		c.pendingSubscribe = true
		return ErrNotConnected
	}

	if opts != nil && opts.Event != "" {
		return c.subscribeEventLocked(cb, opts.Event)
	}
	return c.subscribeCatchAllLocked(cb)
}

func (c *Channel) subscribeEventLocked(cb Callback, event string) error {
	if c.pendingUnsubscribe {
		c.opQueue = append(c.opQueue, operation{kind: opSubscribe, cb: cb, opts: SubscribeOptions{Event: event}})
		return nil
	}
	if c.subscribed || c.pendingSubscribe {
		c.eventCallbacks[event] = append(c.eventCallbacks[event], cb)
		return nil
	}
	// Fall through to the full-channel path: install a demultiplexing
	// catch-all, then register this event callback.
	c.eventCallbacks[event] = append(c.eventCallbacks[event], cb)
	return c.subscribeCatchAllLocked(nil)
}

func (c *Channel) subscribeCatchAllLocked(cb Callback) error {
	if c.pendingUnsubscribe || c.pendingSubscribe {
		c.opQueue = append(c.opQueue, operation{kind: opSubscribe, cb: cb})
		return nil
	}
	if c.subscribed {
		if cb != nil {
			c.catchAll = cb
			c.eventCallbacks = make(map[string][]Callback)
		}
		return nil
	}

	c.emit(EventSubscribing, c.name)
	if cb != nil {
		c.catchAll = cb
		c.eventCallbacks = make(map[string][]Callback)
	}
	c.pendingSubscribe = true

	raw, err := wire.MarshalSubscribe(c.name)
	if err != nil {
		return err
	}
	return c.sender.Send(raw)
}

// Unsubscribe removes cb (or the whole event entry when cb is nil); a nil
// opts or empty opts.Event tears down the full subscription.
func (c *Channel) Unsubscribe(cb Callback, opts *SubscribeOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts != nil && opts.Event != "" {
		return c.unsubscribeEventLocked(cb, opts.Event)
	}
	return c.unsubscribeFullLocked()
}

func (c *Channel) unsubscribeEventLocked(cb Callback, event string) error {
	if c.subscribed && !c.pendingUnsubscribe {
		if cb == nil {
			delete(c.eventCallbacks, event)
		} else {
			c.eventCallbacks[event] = removeCallback(c.eventCallbacks[event], cb)
			if len(c.eventCallbacks[event]) == 0 {
				delete(c.eventCallbacks, event)
			}
		}
		if len(c.eventCallbacks) == 0 && c.subscribed {
			return c.unsubscribeFullLocked()
		}
		return nil
	}
	if c.pendingSubscribe || c.pendingUnsubscribe {
		c.opQueue = append(c.opQueue, operation{kind: opUnsubscribe, cb: cb, opts: SubscribeOptions{Event: event}})
	}
	return nil
}

func (c *Channel) unsubscribeFullLocked() error {
	if !c.subscribed {
		return nil
	}
	if !c.sender.IsConnected() {
		c.subscribed = false
		c.emit(EventUnsubscribed, UnsubscribedPayload{ChannelName: c.name})
		return nil
	}

	c.emit(EventUnsubscribing, c.name)
	c.pendingUnsubscribe = true

	raw, err := wire.MarshalUnsubscribe(c.name)
	if err != nil {
		return err
	}
	return c.sender.Send(raw)
}

func removeCallback(list []Callback, target Callback) []Callback {
	out := list[:0:0]
	targetPtr := callbackIdentity(target)
	for _, cb := range list {
		if callbackIdentity(cb) == targetPtr {
			continue
		}
		out = append(out, cb)
	}
	return out
}

func callbackIdentity(cb Callback) uintptr {
	if cb == nil {
		return 0
	}
	return reflect.ValueOf(cb).Pointer()
}

// HandleSubscribed processes an inbound SUBSCRIBED frame scoped to this
// channel.
func (c *Channel) HandleSubscribed(subscriptionID string) {
	c.mu.Lock()
	c.subscribed = true
	c.pendingSubscribe = false
	c.subscriptionID = subscriptionID
	c.mu.Unlock()

	c.emit(EventSubscribed, SubscribedPayload{ChannelName: c.name, SubscriptionID: subscriptionID})
	c.drainQueue()
}

// HandleUnsubscribed processes an inbound UNSUBSCRIBED frame scoped to this
// channel.
func (c *Channel) HandleUnsubscribed(subscriptionID string) {
	c.mu.Lock()
	c.subscribed = false
	c.pendingSubscribe = false
	c.pendingUnsubscribe = false
	c.catchAll = nil
	c.eventCallbacks = make(map[string][]Callback)
	c.buffered = nil
	c.mu.Unlock()

	c.emit(EventUnsubscribed, UnsubscribedPayload{ChannelName: c.name, SubscriptionID: subscriptionID})
	c.drainQueue()
}

// HandleError processes an inbound ERROR frame scoped to this channel.
func (c *Channel) HandleError(err error) {
	c.emit(EventChannelFailed, FailedPayload{ChannelName: c.name, Error: err, Action: "channel_operation"})
}

// HandleParseError reports a decode failure for a frame the registry has
// already matched to this channel by name, but could not parse further.
func (c *Channel) HandleParseError(err error) {
	c.emit(EventChannelFailed, FailedPayload{ChannelName: c.name, Error: err, Action: "message_parsing"})
}

// HandleMessage processes an inbound MESSAGE frame scoped to this channel:
// dropped when not subscribed, buffered or dropped while paused, otherwise
// dispatched to the registered callbacks.
func (c *Channel) HandleMessage(msgs []Message) {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	if c.paused {
		if c.bufferWhilePaused {
			c.buffered = append(c.buffered, msgs...)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	for _, msg := range msgs {
		c.dispatch(msg)
	}
}

// dispatch routes one message: a demultiplexing catch-all forwards to the
// event-specific set only (messages without an event never reach it);
// a plain catch-all receives every message regardless of event.
func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	catchAll := c.catchAll
	var targets []Callback
	if msg.Event != "" {
		targets = append(targets, c.eventCallbacks[msg.Event]...)
	}
	hasEventRouting := len(c.eventCallbacks) > 0
	c.mu.Unlock()

	if hasEventRouting {
		for _, cb := range targets {
			cb(msg)
		}
		return
	}
	if catchAll != nil {
		catchAll(msg)
	}
}

func (c *Channel) drainQueue() {
	for {
		c.mu.Lock()
		if c.pendingSubscribe || c.pendingUnsubscribe || len(c.opQueue) == 0 {
			c.mu.Unlock()
			return
		}
		op := c.opQueue[0]
		c.opQueue = c.opQueue[1:]

		var err error
		switch {
		case op.kind == opSubscribe && op.opts.Event != "":
			err = c.subscribeEventLocked(op.cb, op.opts.Event)
		case op.kind == opSubscribe:
			err = c.subscribeCatchAllLocked(op.cb)
		case op.kind == opUnsubscribe && op.opts.Event != "":
			err = c.unsubscribeEventLocked(op.cb, op.opts.Event)
		default:
			err = c.unsubscribeFullLocked()
		}
		c.mu.Unlock()

		if err != nil {
			log.WithError(err).Warnf("channel %q: queued operation failed", c.name)
		}
	}
}

// Publish sends a data message on this channel.
func (c *Channel) Publish(data []byte, opts *PublishOptions) error {
	if !c.sender.IsConnected() {
		return ErrNotConnected
	}
	event, alias := "", ""
	if opts != nil {
		event, alias = opts.Event, opts.Alias
	}
	raw, err := wire.MarshalPublish(c.name, data, event, alias)
	if err != nil {
		c.emit(EventChannelFailed, FailedPayload{ChannelName: c.name, Error: err, Action: "publish"})
		return err
	}
	if err := c.sender.Send(raw); err != nil {
		c.emit(EventChannelFailed, FailedPayload{ChannelName: c.name, Error: err, Action: "publish"})
		return err
	}
	return nil
}

// Resubscribe re-runs the subscribe path for every retained callback after a
// reconnect, since the server has forgotten this channel's prior state.
func (c *Channel) Resubscribe() {
	c.mu.Lock()
	catchAll := c.catchAll
	retainedEvents := make(map[string][]Callback, len(c.eventCallbacks))
	for k, v := range c.eventCallbacks {
		retainedEvents[k] = append([]Callback(nil), v...)
	}
	if catchAll == nil && len(retainedEvents) == 0 {
		c.mu.Unlock()
		return
	}
	c.pendingSubscribe = false
	c.pendingUnsubscribe = false
	c.subscribed = false
	c.catchAll = nil
	c.eventCallbacks = make(map[string][]Callback)
	c.mu.Unlock()

	if catchAll != nil {
		if err := c.Subscribe(catchAll, nil); err != nil {
			log.WithError(err).Warnf("channel %q: resubscribe failed", c.name)
		}
	}
	for event, cbs := range retainedEvents {
		for _, cb := range cbs {
			if err := c.Subscribe(cb, &SubscribeOptions{Event: event}); err != nil {
				log.WithError(err).Warnf("channel %q: resubscribe to event %q failed", c.name, event)
			}
		}
	}
}

// MarkPendingSubscribe flags the channel as needing resubscription; the
// connection module calls this on every channel when the transport drops.
func (c *Channel) MarkPendingSubscribe() {
	c.mu.Lock()
	if c.catchAll != nil || len(c.eventCallbacks) > 0 {
		c.pendingSubscribe = true
	}
	c.subscribed = false
	c.mu.Unlock()
}

// Pause stops delivery: with bufferMessages, inbound messages accumulate for
// a later Resume; without it they are dropped. Pausing twice is a no-op.
func (c *Channel) Pause(bufferMessages bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.bufferWhilePaused = bufferMessages
	c.emit(EventPaused, PausedPayload{ChannelName: c.name, Buffering: bufferMessages})
}

// Resume restores delivery: buffered messages are delivered FIFO to the
// currently-installed callback(s), then the buffer is cleared.
func (c *Channel) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	buffered := c.buffered
	c.buffered = nil
	c.mu.Unlock()

	for _, msg := range buffered {
		c.dispatch(msg)
	}
	c.emit(EventResumed, ResumedPayload{ChannelName: c.name, BufferedMessagesDelivered: len(buffered)})
}

// ClearBufferedMessages discards any buffered messages without delivering
// them.
func (c *Channel) ClearBufferedMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered = nil
}

// Reset clears all channel state: it attempts a polite unsubscribe iff
// still connected, removes the registered message handler
// (catch-all and per-event callbacks alike), drops any queued operations and
// buffered messages, and leaves the channel unsubscribed.
func (c *Channel) Reset() {
	c.mu.Lock()
	if c.subscribed {
		_ = c.unsubscribeFullLocked()
	}
	c.catchAll = nil
	c.eventCallbacks = make(map[string][]Callback)
	c.opQueue = nil
	c.buffered = nil
	c.paused = false
	c.bufferWhilePaused = false
	c.pendingSubscribe = false
	c.pendingUnsubscribe = false
	c.subscribed = false
	c.subscriptionID = ""
	c.mu.Unlock()
}
