package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-process stand-in for the messaging client. Initialize emits
// a login token; Pair completes the login as if the token had been scanned.
// It keeps an in-memory conversation list so the façade can be exercised
// without a browser.
type Mock struct {
	opts     Options
	handler  EventHandler
	autoPair time.Duration

	mu            sync.Mutex
	initialized   bool
	destroyed     bool
	ready         bool
	token         string
	conversations map[string]*Conversation
	exited        chan struct{}
}

// NewMockFactory returns a Factory producing Mock clients. When autoPair is
// positive each client pairs itself that long after emitting its token.
func NewMockFactory(autoPair time.Duration) Factory {
	return func(opts Options, handler EventHandler) (Client, error) {
		m := NewMock(opts, handler)
		m.autoPair = autoPair
		return m, nil
	}
}

// NewMock creates an uninitialized mock client.
func NewMock(opts Options, handler EventHandler) *Mock {
	if handler == nil {
		handler = func(Event) {}
	}
	return &Mock{
		opts:          opts,
		handler:       handler,
		conversations: make(map[string]*Conversation),
		exited:        make(chan struct{}),
	}
}

// Exited is closed by Destroy.
func (m *Mock) Exited() <-chan struct{} {
	return m.exited
}

func (m *Mock) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.initialized = true
	m.token = fmt.Sprintf("%s@%s", m.opts.SessionKey, uuid.NewString())
	token := m.token
	m.mu.Unlock()

	m.handler(Event{Kind: EventQR, Token: token})

	if m.autoPair > 0 {
		go func() {
			select {
			case <-time.After(m.autoPair):
				m.Pair()
			case <-m.exited:
			}
		}()
	}
	return nil
}

// Pair completes authentication for the outstanding token.
func (m *Mock) Pair() {
	m.mu.Lock()
	if !m.initialized || m.destroyed || m.ready {
		m.mu.Unlock()
		return
	}
	m.ready = true
	m.token = ""
	m.mu.Unlock()

	m.handler(Event{Kind: EventAuthenticated})
	m.handler(Event{Kind: EventReady})
}

// Disconnect simulates the remote side dropping the session.
func (m *Mock) Disconnect(reason string) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.ready = false
	m.mu.Unlock()

	m.handler(Event{Kind: EventDisconnected, Reason: reason})
}

func (m *Mock) Destroy(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.destroyed {
		m.destroyed = true
		m.ready = false
		close(m.exited)
	}
	return nil
}

func (m *Mock) Logout(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrClosed
	}
	m.ready = false
	return nil
}

func (m *Mock) State(context.Context) (ConnectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.destroyed:
		return "", ErrClosed
	case !m.initialized:
		return StateUnlaunched, nil
	case m.ready:
		return StateConnected, nil
	default:
		return StateUnpaired, nil
	}
}

func (m *Mock) SendMessage(_ context.Context, to, body string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return Receipt{}, ErrClosed
	}
	if !m.ready {
		return Receipt{}, ErrNotStarted
	}

	now := time.Now().UTC()
	conv, ok := m.conversations[to]
	if !ok {
		conv = &Conversation{ID: to, Name: to}
		m.conversations[to] = conv
	}
	conv.LastMessageAt = now

	return Receipt{ID: uuid.NewString(), To: to, Timestamp: now}, nil
}

func (m *Mock) ListConversations(context.Context) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, ErrClosed
	}
	if !m.ready {
		return nil, ErrNotStarted
	}

	result := make([]Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		result = append(result, *c)
	}
	return result, nil
}
