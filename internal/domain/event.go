package domain

import "encoding/json"

// Well-known channel names.
const (
	ChannelDefault = "default"
	ChannelCancel  = "cancel"
	ChannelRestart = "restart"
	// ChannelModelHandler prefixes channels routed by entity-method lookup.
	ChannelModelHandler = "tq_model_handler"
	ChannelHook         = "tq_hook"
)

// IsControlChannel reports whether channel carries control messages rather
// than task dispatch notifications.
func IsControlChannel(channel string) bool {
	return channel == ChannelCancel || channel == ChannelRestart
}

// DispatchEvent is broadcast on a task's channel when it becomes runnable.
// Trace carries propagated OpenTelemetry context.
type DispatchEvent struct {
	TaskID       int64             `json:"task_id"`
	Namespace    string            `json:"namespace"`
	FunctionName string            `json:"function_name"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Trace        map[string]string `json:"trace,omitempty"`
}

// CancelEvent is broadcast on ChannelCancel.
type CancelEvent struct {
	TaskID int64             `json:"task_id"`
	Reason string            `json:"reason"`
	Trace  map[string]string `json:"trace,omitempty"`
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Data    []byte
}
