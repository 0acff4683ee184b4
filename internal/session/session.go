package session

import "time"

// State is the lifecycle state of the managed client session.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateAwaitingLogin  State = "awaiting_login"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateFailed         State = "failed"
	StateRestarting     State = "restarting"
)

var allStates = []State{
	StateUninitialized,
	StateAwaitingLogin,
	StateAuthenticating,
	StateReady,
	StateFailed,
	StateRestarting,
}

// LoginToken is a login token waiting to be scanned.
type LoginToken struct {
	Raw      string    `json:"token"`
	Image    string    `json:"image,omitempty"` // data URL; empty if encoding failed
	IssuedAt time.Time `json:"issuedAt"`
}

// Status is a point-in-time view of the manager for the façade.
type Status struct {
	SessionKey    string      `json:"sessionKey"`
	Generation    string      `json:"generation,omitempty"`
	State         State       `json:"state"`
	Authenticated bool        `json:"authenticated"`
	Ready         bool        `json:"ready"`
	Restarting    bool        `json:"restarting"`
	Degraded      bool        `json:"degraded"`
	LoginToken    *LoginToken `json:"loginToken,omitempty"`
	BackoffMS     int64       `json:"backoffMs"`
	Attempts      int         `json:"attempts"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Change records one status change. From and To are equal when only the
// login token or flags changed.
type Change struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	Status Status    `json:"status"`
}
