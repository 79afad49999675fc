package channel

import (
	"encoding/json"
	"strconv"

	"github.com/relaywire/pubsub-go/internal/wire"
)

// Message is the consumer-facing view of one logical data message delivered
// on a channel: a MESSAGE frame's "messages" array expands into one Message
// per entry.
type Message struct {
	ID      string
	Channel string
	Event   string
	Alias   string
	Data    json.RawMessage
}

// ExpandIncoming turns a decoded MESSAGE frame into its N consumer messages.
// A batch of length 1 keeps the frame's bare id; a batch of length N>1
// suffixes "-{index}" onto it so every Message carries a unique id.
func ExpandIncoming(frame wire.IncomingDataMessage) []Message {
	out := make([]Message, 0, len(frame.Messages))
	for i, dm := range frame.Messages {
		id := frame.ID
		if len(frame.Messages) > 1 {
			id = frame.ID + "-" + strconv.Itoa(i)
		}
		out = append(out, Message{
			ID:      id,
			Channel: frame.Channel,
			Event:   dm.Event,
			Alias:   dm.Alias,
			Data:    dm.Data,
		})
	}
	return out
}
