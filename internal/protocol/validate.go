package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionRestart:          true,
	TypeSessionLogout:           true,
	TypeSessionRequestStatus:    true,
	TypeSessionRequestArtifacts: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Only restart carries data; the rest may omit the payload.
	if msg.Type == TypeSessionRestart && len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		var p SessionRestartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if len(p.Reason) > MaxReasonLength {
			return nil, fmt.Errorf("field 'reason' in %s payload exceeds %d bytes", msg.Type, MaxReasonLength)
		}
	}

	return &msg, nil
}

// RestartReason extracts the optional reason from a validated restart message.
func RestartReason(msg *Message) string {
	var p SessionRestartPayload
	if len(msg.Payload) == 0 {
		return ""
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return ""
	}
	return p.Reason
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
