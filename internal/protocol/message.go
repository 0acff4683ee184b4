package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionStatus    = "session.status"
	TypeSessionArtifacts = "session.artifacts"
	TypeRestartAccepted  = "session.restartAccepted"
	TypeError            = "error"
)

// Client → Server message types.
const (
	TypeSessionRestart          = "session.restart"
	TypeSessionLogout           = "session.logout"
	TypeSessionRequestStatus    = "session.requestStatus"
	TypeSessionRequestArtifacts = "session.requestArtifacts"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrNotReady       = "NOT_READY"
	ErrUnavailable    = "UNAVAILABLE"
	ErrInternal       = "INTERNAL"
)

// MaxReasonLength bounds the free-text reason a client may attach to a restart.
const MaxReasonLength = 200

// Server → Client payloads.

type LoginTokenPayload struct {
	Token    string `json:"token"`
	Image    string `json:"image,omitempty"`
	IssuedAt string `json:"issuedAt"`
}

type SessionStatusPayload struct {
	SessionKey    string             `json:"sessionKey"`
	Generation    string             `json:"generation,omitempty"`
	State         string             `json:"state"`
	Reason        string             `json:"reason,omitempty"`
	Authenticated bool               `json:"authenticated"`
	Ready         bool               `json:"ready"`
	Restarting    bool               `json:"restarting"`
	Degraded      bool               `json:"degraded"`
	LoginToken    *LoginTokenPayload `json:"loginToken,omitempty"`
	BackoffMS     int64              `json:"backoffMs"`
	Attempts      int                `json:"attempts"`
	UpdatedAt     string             `json:"updatedAt"`
}

type SessionArtifactsPayload struct {
	SessionKey string         `json:"sessionKey"`
	Present    bool           `json:"present"`
	FileCount  int            `json:"fileCount"`
	TotalBytes int64          `json:"totalBytes"`
	Tree       []ArtifactNode `json:"tree,omitempty"`
}

type RestartAcceptedPayload struct {
	Started bool `json:"started"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionRestartPayload struct {
	Reason string `json:"reason"`
}

// ArtifactNode is a file or directory inside the session credential store.
type ArtifactNode struct {
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	IsDir    bool           `json:"isDir"`
	Children []ArtifactNode `json:"children,omitempty"`
	Size     int64          `json:"size,omitempty"`
}
