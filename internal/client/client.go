// Package client describes the external messaging client the session manager
// drives: an event-emitting handle to an authenticated remote connection that
// is bootstrapped by scanning a login token.
//
// Two implementations live here. Bridge runs the real client in a helper
// process and talks to it over JSON lines. Mock simulates the client in
// process for development.
package client

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by client implementations.
var (
	ErrClosed     = errors.New("client: closed")
	ErrNotStarted = errors.New("client: not initialized")
)

// EventKind identifies a lifecycle event emitted by the client.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventStateChanged  EventKind = "state_changed"
	EventError         EventKind = "error"
)

// Event is a single lifecycle notification. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind   EventKind
	Token  string          // EventQR
	Reason string          // EventDisconnected, EventAuthFailure
	State  ConnectionState // EventStateChanged
	Err    error           // EventError
}

// EventHandler receives events in the order the client emits them.
type EventHandler func(Event)

// ConnectionState is the client's own view of its connection.
type ConnectionState string

const (
	StateConnected  ConnectionState = "CONNECTED"
	StateOpening    ConnectionState = "OPENING"
	StatePairing    ConnectionState = "PAIRING"
	StateUnpaired   ConnectionState = "UNPAIRED"
	StateConflict   ConnectionState = "CONFLICT"
	StateTimeout    ConnectionState = "TIMEOUT"
	StateUnlaunched ConnectionState = "UNLAUNCHED"
)

// Receipt acknowledges a sent message.
type Receipt struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a chat known to the client.
type Conversation struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	IsGroup       bool      `json:"isGroup"`
	UnreadCount   int       `json:"unreadCount"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
}

// Client is the capability the session manager owns. Implementations must
// tolerate Destroy being called at any point, including before Initialize
// returns.
type Client interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	Logout(ctx context.Context) error
	State(ctx context.Context) (ConnectionState, error)
	SendMessage(ctx context.Context, to, body string) (Receipt, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// ProcessWatcher is implemented by clients backed by an automation process.
// Exited is closed once that process has gone away.
type ProcessWatcher interface {
	Exited() <-chan struct{}
}

// Options configures a client instance for one session.
type Options struct {
	SessionKey  string
	SessionDir  string   // credential directory owned by the session manager
	BrowserPath string   // empty lets the client pick its bundled browser
	Headless    bool
	BrowserArgs []string // automation flags passed to the browser

	// InitTimeout bounds Initialize for clients that wait on an external
	// process. Zero means the client's default.
	InitTimeout time.Duration
}

// Factory creates a client bound to opts. Events are delivered to handler
// for the lifetime of the returned client.
type Factory func(opts Options, handler EventHandler) (Client, error)
