package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Envelope is the outer shape of every frame. Peek uses gjson to read the
// action and a handful of routing fields without paying for a full unmarshal
// of the payload.
type Envelope struct {
	Action Action
}

// PeekEnvelope extracts just the action tag and returns it, or an error if
// the frame is not a JSON object or has no numeric "action" field.
func PeekEnvelope(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fmt.Errorf("wire: invalid json frame")
	}
	result := gjson.GetBytes(raw, "action")
	if !result.Exists() {
		return Envelope{}, fmt.Errorf("wire: frame missing action field")
	}
	if result.Type != gjson.Number {
		return Envelope{}, fmt.Errorf("wire: frame action field is not a number")
	}
	return Envelope{Action: Action(result.Int())}, nil
}

// PeekChannel reads the "channel" field without a full unmarshal, used by
// channels to cheaply filter frames that aren't addressed to them.
func PeekChannel(raw []byte) string {
	return gjson.GetBytes(raw, "channel").String()
}

// DataMessage is one entry of an inbound or outbound "messages" array.
type DataMessage struct {
	Data  json.RawMessage `json:"data"`
	Event string          `json:"event,omitempty"`
	Alias string          `json:"alias,omitempty"`
}

// PublishFrame is the outbound PUBLISH frame.
type PublishFrame struct {
	Action   Action        `json:"action"`
	Channel  string        `json:"channel"`
	Messages []DataMessage `json:"messages"`
}

// SubscribeFrame is the outbound SUBSCRIBE frame.
type SubscribeFrame struct {
	Action  Action `json:"action"`
	Channel string `json:"channel"`
}

// UnsubscribeFrame is the outbound UNSUBSCRIBE frame.
type UnsubscribeFrame struct {
	Action  Action `json:"action"`
	Channel string `json:"channel"`
}

// PingFrame is the outbound application-level PING frame; Timestamp carries
// the ping id, not a wall-clock time, per the wire protocol.
type PingFrame struct {
	Action    Action `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// connectedOnWire mirrors the broker's snake_case field names for the
// CONNECTED frame. snake_case is the wire contract; ConnectionDetails below
// normalizes to camelCase for consumers.
type connectedOnWire struct {
	Action           Action `json:"action"`
	ConnectionID     string `json:"connection_id"`
	ConnectionDetail struct {
		Alias    string `json:"alias"`
		ClientID string `json:"client_id"`
		ServerID string `json:"server_id"`
	} `json:"connection_details"`
}

// ConnectionDetails is the consumer-facing, camelCase view of a session's
// metadata.
type ConnectionDetails struct {
	Alias    string `json:"alias,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	ServerID string `json:"serverId,omitempty"`
}

// DecodeConnected parses a CONNECTED frame and normalizes it to camelCase.
func DecodeConnected(raw []byte) (connectionID string, details ConnectionDetails, err error) {
	var onWire connectedOnWire
	if err = json.Unmarshal(raw, &onWire); err != nil {
		return "", ConnectionDetails{}, fmt.Errorf("wire: decode CONNECTED: %w", err)
	}
	return onWire.ConnectionID, ConnectionDetails{
		Alias:    onWire.ConnectionDetail.Alias,
		ClientID: onWire.ConnectionDetail.ClientID,
		ServerID: onWire.ConnectionDetail.ServerID,
	}, nil
}

type subscribedOnWire struct {
	Action         Action `json:"action"`
	Channel        string `json:"channel"`
	SubscriptionID string `json:"subscription_id"`
}

// DecodeSubscribed parses a SUBSCRIBED frame.
func DecodeSubscribed(raw []byte) (channel, subscriptionID string, err error) {
	var onWire subscribedOnWire
	if err = json.Unmarshal(raw, &onWire); err != nil {
		return "", "", fmt.Errorf("wire: decode SUBSCRIBED: %w", err)
	}
	return onWire.Channel, onWire.SubscriptionID, nil
}

type unsubscribedOnWire struct {
	Action         Action `json:"action"`
	Channel        string `json:"channel"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// DecodeUnsubscribed parses an UNSUBSCRIBED frame.
func DecodeUnsubscribed(raw []byte) (channel, subscriptionID string, err error) {
	var onWire unsubscribedOnWire
	if err = json.Unmarshal(raw, &onWire); err != nil {
		return "", "", fmt.Errorf("wire: decode UNSUBSCRIBED: %w", err)
	}
	return onWire.Channel, onWire.SubscriptionID, nil
}

// IncomingDataMessage is an inbound MESSAGE frame's payload: one server-side
// envelope batching 1..N logical messages for a channel.
type IncomingDataMessage struct {
	Action    Action        `json:"action"`
	ID        string        `json:"id"`
	Timestamp int64         `json:"timestamp"`
	Channel   string        `json:"channel"`
	Messages  []DataMessage `json:"messages"`
}

// DecodeMessage parses an inbound MESSAGE frame.
func DecodeMessage(raw []byte) (IncomingDataMessage, error) {
	var msg IncomingDataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return IncomingDataMessage{}, fmt.Errorf("wire: decode MESSAGE: %w", err)
	}
	return msg, nil
}

// ServerError is the payload of an inbound ERROR frame.
type ServerError struct {
	Code       string `json:"code,omitempty"`
	Href       string `json:"href,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func (e *ServerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

type errorOnWire struct {
	Action  Action      `json:"action"`
	Channel string      `json:"channel,omitempty"`
	Error   ServerError `json:"error"`
}

// DecodeError parses an inbound ERROR frame.
func DecodeError(raw []byte) (channel string, wireErr *ServerError, err error) {
	var onWire errorOnWire
	if err = json.Unmarshal(raw, &onWire); err != nil {
		return "", nil, fmt.Errorf("wire: decode ERROR: %w", err)
	}
	return onWire.Channel, &onWire.Error, nil
}

// PongPayload is the payload of an inbound PONG frame; Timestamp echoes the
// ping id sent in the PingFrame.
type PongPayload struct {
	Action    Action `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// DecodePong parses an inbound PONG frame.
func DecodePong(raw []byte) (pingID int64, err error) {
	var onWire PongPayload
	if err = json.Unmarshal(raw, &onWire); err != nil {
		return 0, fmt.Errorf("wire: decode PONG: %w", err)
	}
	return onWire.Timestamp, nil
}

// MarshalPublish builds an outbound PUBLISH frame for a single data message.
func MarshalPublish(channel string, data json.RawMessage, event, alias string) ([]byte, error) {
	frame := PublishFrame{
		Action:  ActionPublish,
		Channel: channel,
		Messages: []DataMessage{
			{Data: data, Event: event, Alias: alias},
		},
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal PUBLISH: %w", err)
	}
	return out, nil
}

// MarshalSubscribe builds an outbound SUBSCRIBE frame.
func MarshalSubscribe(channel string) ([]byte, error) {
	out, err := json.Marshal(SubscribeFrame{Action: ActionSubscribe, Channel: channel})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal SUBSCRIBE: %w", err)
	}
	return out, nil
}

// MarshalUnsubscribe builds an outbound UNSUBSCRIBE frame.
func MarshalUnsubscribe(channel string) ([]byte, error) {
	out, err := json.Marshal(UnsubscribeFrame{Action: ActionUnsubscribe, Channel: channel})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal UNSUBSCRIBE: %w", err)
	}
	return out, nil
}

// MarshalPing builds an outbound application-level PING frame.
func MarshalPing(pingID int64) ([]byte, error) {
	out, err := json.Marshal(PingFrame{Action: ActionPing, Timestamp: pingID})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal PING: %w", err)
	}
	return out, nil
}
