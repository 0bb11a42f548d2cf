package wire

import "encoding/json"

// NewCommand builds a type=command message for one of the six local
// file actions.
func NewCommand(action, path string, content json.RawMessage, origin string, sequence int) *Message {
	return &Message{
		Type:      TypeCommand,
		Action:    action,
		Path:      path,
		Content:   content,
		Origin:    origin,
		Timestamp: Now(),
		Sequence:  sequence,
	}
}

// NewSync builds a type=sync message.
func NewSync(action, path string, content json.RawMessage, origin string) *Message {
	return &Message{
		Type:      TypeSync,
		Action:    action,
		Path:      path,
		Content:   content,
		Origin:    origin,
		Timestamp: Now(),
	}
}

// NewHeartbeat builds a type=heartbeat message.
func NewHeartbeat(action string, content json.RawMessage, origin string) *Message {
	return &Message{
		Type:      TypeHeartbeat,
		Action:    action,
		Content:   content,
		Origin:    origin,
		Timestamp: Now(),
	}
}

// NewDiscovery builds a type=discovery/announce message.
func NewDiscovery(content json.RawMessage, origin string) *Message {
	return &Message{
		Type:      TypeDiscovery,
		Action:    ActionAnnounce,
		Content:   content,
		Origin:    origin,
		Timestamp: Now(),
	}
}

// NewResponse builds a type=response message answering action.
func NewResponse(action string, success bool, message string, data json.RawMessage, origin string) *Message {
	payload := ResponsePayload{Success: success, Message: message, Data: data}
	return &Message{
		Type:      TypeResponse,
		Action:    action,
		Content:   payload.Encode(),
		Origin:    origin,
		Timestamp: Now(),
	}
}

// NewErrorResponse builds a type=response/error message carrying a
// kind-coded message, per the error-propagation policy: client-facing
// errors are reported inline rather than surfaced as transport failures.
func NewErrorResponse(kind Kind, detail string, origin string) *Message {
	return NewResponse(ActionError, false, string(kind)+": "+detail, nil, origin)
}
