package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"chatlink/internal/client"
	"chatlink/internal/loginqr"
	"chatlink/internal/metrics"
)

const (
	defaultExitTimeout      = 15 * time.Second
	defaultInitialBackoff   = 2 * time.Second
	defaultMaxBackoff       = 5 * time.Minute
	defaultHistorySize      = 200
	defaultSubscriberBufCap = 64
)

// Restart triggers, used as the metrics label.
const (
	triggerDisconnect = "disconnected"
	triggerError      = "error"
	triggerInit       = "init_failure"
	triggerRetry      = "retry"
	triggerExplicit   = "explicit"
	triggerLogout     = "logout"
)

var (
	// ErrNotReady is returned by forwarded operations while the client is
	// not authenticated and ready.
	ErrNotReady = errors.New("session: client not ready")
	// ErrUnavailable is returned once restart attempts are exhausted.
	ErrUnavailable = errors.New("session: unavailable, restart attempts exhausted")

	errManagerClosed = errors.New("session: manager closed")
)

// Config holds the static session settings.
type Config struct {
	SessionKey  string
	DataDir     string
	BrowserPath string
	Headless    bool
	BrowserArgs []string

	Backoff        Backoff
	ExitTimeout    time.Duration
	InitTimeout    time.Duration // passed to the client; zero keeps its default
	MaxAttempts    int // consecutive failed restarts before degraded mode; 0 retries forever
	RestartOnError bool

	ArtifactRetries    int
	ArtifactRetryDelay time.Duration
	HistorySize        int
}

// TokenEncoder renders a login token into a displayable form.
type TokenEncoder func(token string) (string, error)

// Options holds the manager's collaborators. Only Factory is required.
type Options struct {
	Factory        client.Factory
	Encode         TokenEncoder
	Clock          clockwork.Clock
	Logger         *slog.Logger
	ResolveBrowser func(explicit string) (string, bool)
}

// Manager owns the messaging client and drives its lifecycle: it reacts to
// client events, tears the client down and rebuilds it on disconnect or
// failure, and backs off between failed rebuilds.
type Manager struct {
	cfg            Config
	factory        client.Factory
	encode         TokenEncoder
	clock          clockwork.Clock
	logger         *slog.Logger
	resolveBrowser func(string) (string, bool)
	artifacts      *ArtifactStore
	history        *history

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	client          client.Client
	generation      string
	state           State
	token           *LoginToken
	restartInFlight bool
	pendingLogout   bool
	backoff         time.Duration
	attempts        int
	degraded        bool
	retryTimer      clockwork.Timer
	retrySeq        uint64
	updatedAt       time.Time
	closed          bool

	subMu       sync.RWMutex
	subscribers map[string]chan Change
}

// NewManager creates a manager. Nothing runs until Start.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	if opts.Factory == nil {
		return nil, errors.New("session: client factory is required")
	}
	if cfg.SessionKey == "" {
		return nil, errors.New("session: session key is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".chatlink_auth"
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = defaultInitialBackoff
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = max(defaultMaxBackoff, cfg.Backoff.Initial)
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = defaultExitTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	if opts.Encode == nil {
		opts.Encode = loginqr.DataURL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResolveBrowser == nil {
		opts.ResolveBrowser = func(explicit string) (string, bool) {
			return client.ResolveBrowser(client.Finder{Explicit: explicit})
		}
	}

	logger := opts.Logger.With("session_key", cfg.SessionKey)
	artifacts := NewArtifactStore(cfg.DataDir, cfg.SessionKey, opts.Clock, logger)
	if cfg.ArtifactRetries > 0 {
		artifacts.Retries = cfg.ArtifactRetries
	}
	if cfg.ArtifactRetryDelay > 0 {
		artifacts.RetryDelay = cfg.ArtifactRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:            cfg,
		factory:        opts.Factory,
		encode:         opts.Encode,
		clock:          opts.Clock,
		logger:         logger,
		resolveBrowser: opts.ResolveBrowser,
		artifacts:      artifacts,
		history:        newHistory(cfg.HistorySize),
		ctx:            ctx,
		cancel:         cancel,
		state:          StateUninitialized,
		backoff:        cfg.Backoff.Floor(),
		updatedAt:      opts.Clock.Now(),
		subscribers:    make(map[string]chan Change),
	}
	metrics.RestartBackoffSeconds.Set(m.backoff.Seconds())
	recordState(m.state)
	return m, nil
}

// Start creates the first client and initializes it in the background.
// Failures are logged and handed to the restart loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.spawn(m.ctx); err != nil {
			m.logger.Error("client initialization failed", "error", err)
			m.mu.Lock()
			m.startRestartLocked(triggerInit, err.Error())
			m.mu.Unlock()
		}
	}()
}

// Artifacts exposes the credential store, mainly for inventory.
func (m *Manager) Artifacts() *ArtifactStore {
	return m.artifacts
}

func (m *Manager) clientOptions() client.Options {
	opts := client.Options{
		SessionKey:  m.cfg.SessionKey,
		SessionDir:  m.artifacts.Dir(),
		Headless:    m.cfg.Headless,
		BrowserArgs: m.cfg.BrowserArgs,
		InitTimeout: m.cfg.InitTimeout,
	}
	if opts.BrowserArgs == nil {
		opts.BrowserArgs = client.DefaultBrowserArgs
	}
	if path, ok := m.resolveBrowser(m.cfg.BrowserPath); ok {
		opts.BrowserPath = path
	} else {
		m.logger.Warn("no browser binary found, client will use its bundled browser")
	}
	return opts
}

// spawn creates a new client generation and initializes it. Events from the
// new client are tagged with its generation so a late event from a
// destroyed client cannot move the state machine.
func (m *Manager) spawn(ctx context.Context) error {
	gen := uuid.NewString()
	c, err := m.factory(m.clientOptions(), func(ev client.Event) {
		m.dispatch(gen, ev)
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Destroy(ctx)
		return errManagerClosed
	}
	m.client = c
	m.generation = gen
	m.mu.Unlock()

	m.logger.Info("initializing client", "generation", gen)
	if err := c.Initialize(ctx); err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.client = nil
			m.generation = ""
		}
		m.mu.Unlock()
		if derr := c.Destroy(context.WithoutCancel(ctx)); derr != nil {
			m.logger.Debug("destroy after failed initialize", "generation", gen, "error", derr)
		}
		return fmt.Errorf("initialize client: %w", err)
	}
	return nil
}

// dispatch applies one client event.
func (m *Manager) dispatch(gen string, ev client.Event) {
	var image string
	if ev.Kind == client.EventQR {
		var err error
		if image, err = m.encode(ev.Token); err != nil {
			m.logger.Warn("login token encoding failed", "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.generation {
		metrics.LifecycleEventsTotal.WithLabelValues(string(ev.Kind), "stale").Inc()
		m.logger.Debug("dropping event from stale client", "event", ev.Kind, "generation", gen)
		return
	}
	metrics.LifecycleEventsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()

	switch ev.Kind {
	case client.EventQR:
		metrics.LoginTokensIssued.Inc()
		m.token = &LoginToken{Raw: ev.Token, Image: image, IssuedAt: m.clock.Now()}
		m.setStateLocked(StateAwaitingLogin, "login token issued")

	case client.EventAuthenticated:
		m.token = nil
		m.setStateLocked(StateAuthenticating, "authenticated")

	case client.EventReady:
		m.token = nil
		m.attempts = 0
		m.setStateLocked(StateReady, "ready")

	case client.EventAuthFailure:
		m.token = nil
		m.logger.Warn("authentication failed", "reason", ev.Reason)
		m.setStateLocked(StateFailed, "auth failure: "+ev.Reason)

	case client.EventDisconnected:
		m.logger.Warn("client disconnected", "reason", ev.Reason)
		if m.restartInFlight {
			return
		}
		m.setStateLocked(StateFailed, "disconnected: "+ev.Reason)
		m.startRestartLocked(triggerDisconnect, ev.Reason)

	case client.EventStateChanged:
		m.logger.Info("client connection state changed", "connection_state", ev.State)

	case client.EventError:
		m.logger.Error("client error", "error", ev.Err)
		if m.cfg.RestartOnError && !m.restartInFlight && m.state != StateReady {
			m.startRestartLocked(triggerError, fmt.Sprint(ev.Err))
		}

	default:
		m.logger.Debug("ignoring unknown client event", "event", ev.Kind)
	}
}

// startRestartLocked begins a restart sequence unless one is in flight.
// Caller holds m.mu.
func (m *Manager) startRestartLocked(trigger, reason string) bool {
	if m.closed {
		return false
	}
	if m.restartInFlight {
		metrics.RestartsDropped.Inc()
		m.logger.Debug("restart already in flight, dropping request", "trigger", trigger)
		return false
	}

	m.restartInFlight = true
	m.stopRetryLocked()
	old := m.client
	m.client = nil
	m.generation = ""
	m.token = nil
	m.setStateLocked(StateRestarting, trigger+": "+reason)

	// A scheduled retry has already waited out the backoff.
	gate := trigger != triggerRetry

	m.wg.Add(1)
	go m.runRestart(trigger, old, gate)
	return true
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retrySeq++
}

func (m *Manager) runRestart(trigger string, old client.Client, gate bool) {
	defer m.wg.Done()

	start := m.clock.Now()
	m.logger.Info("restarting client", "trigger", trigger)
	err := m.rebuild(m.ctx, old, gate)
	metrics.RestartDuration.Observe(m.clock.Since(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.restartInFlight = false
	if m.closed {
		return
	}

	if err == nil {
		metrics.RestartsTotal.WithLabelValues(trigger, "success").Inc()
		m.backoff = m.cfg.Backoff.Floor()
		metrics.RestartBackoffSeconds.Set(m.backoff.Seconds())
		if m.state == StateRestarting {
			m.setStateLocked(StateUninitialized, "restarted")
		}
	} else {
		metrics.RestartsTotal.WithLabelValues(trigger, "failure").Inc()
		m.backoff = m.cfg.Backoff.Next(m.backoff)
		m.attempts++
		metrics.RestartBackoffSeconds.Set(m.backoff.Seconds())
		m.logger.Warn("restart failed", "error", err, "attempts", m.attempts, "backoff", m.backoff)
	}

	// The client this sequence built may predate the logout; replace it.
	if m.pendingLogout {
		m.pendingLogout = false
		m.clearDegradedLocked()
		m.startRestartLocked(triggerLogout, "logout requested during restart")
		return
	}
	if err == nil {
		return
	}

	if m.cfg.MaxAttempts > 0 && m.attempts >= m.cfg.MaxAttempts {
		m.degraded = true
		metrics.SessionDegraded.Set(1)
		m.logger.Error("restart attempts exhausted, entering degraded mode", "attempts", m.attempts)
		m.setStateLocked(StateFailed, "restart attempts exhausted")
		return
	}

	m.setStateLocked(StateUninitialized, "restart failed, retry scheduled")
	seq := m.retrySeq
	m.retryTimer = m.clock.AfterFunc(m.backoff, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if seq != m.retrySeq {
			return
		}
		m.retryTimer = nil
		m.startRestartLocked(triggerRetry, "backoff elapsed")
	})
}

// rebuild tears down old and creates the next generation. Only failing to
// bring up the new client is an error; teardown problems are logged.
func (m *Manager) rebuild(ctx context.Context, old client.Client, gate bool) error {
	if old != nil {
		if err := old.Destroy(ctx); err != nil {
			m.logger.Warn("client destroy failed", "error", err)
		}
		if pw, ok := old.(client.ProcessWatcher); ok {
			m.waitForExit(ctx, pw)
		}
	}

	if err := m.artifacts.Remove(ctx); err != nil {
		m.logger.Warn("session artifact removal failed", "error", err)
	}

	if gate {
		m.mu.Lock()
		delay := m.backoff
		m.mu.Unlock()
		if err := sleep(ctx, m.clock, delay); err != nil {
			return err
		}
	}

	return m.spawn(ctx)
}

func (m *Manager) waitForExit(ctx context.Context, pw client.ProcessWatcher) {
	t := m.clock.NewTimer(m.cfg.ExitTimeout)
	defer t.Stop()
	select {
	case <-pw.Exited():
	case <-t.Chan():
		m.logger.Warn("client process did not exit in time", "timeout", m.cfg.ExitTimeout)
	case <-ctx.Done():
	}
}

// Restart tears the client down and rebuilds it. It reports false when a
// restart is already in flight. An explicit restart also leaves degraded
// mode and starts counting attempts from zero; the backoff keeps its value
// until a restart succeeds.
func (m *Manager) Restart(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearDegradedLocked()
	return m.startRestartLocked(triggerExplicit, reason)
}

func (m *Manager) clearDegradedLocked() {
	if m.restartInFlight {
		return
	}
	m.attempts = 0
	if m.degraded {
		m.degraded = false
		metrics.SessionDegraded.Set(0)
	}
}

// Logout signs the session out and always ends with a fresh client. The
// client's own logout is best effort. While a restart is in flight the
// client and its artifacts belong to that restart, so the logout is queued
// and one more restart runs once it finishes. It reports false only when
// the manager is closed.
func (m *Manager) Logout(ctx context.Context) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.token = nil
	if m.restartInFlight {
		queued := m.queueLogoutLocked()
		m.mu.Unlock()
		return queued
	}
	c := m.client
	m.setStateLocked(StateUninitialized, "logout")
	m.mu.Unlock()

	if c != nil {
		if err := c.Logout(ctx); err != nil {
			m.logger.Warn("client logout failed", "error", err)
		}
	}
	if err := m.artifacts.Remove(ctx); err != nil {
		m.logger.Warn("session artifact removal failed", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restartInFlight {
		// A disconnect raced the logout and may already hold a new client.
		return m.queueLogoutLocked()
	}
	m.clearDegradedLocked()
	return m.startRestartLocked(triggerLogout, "logout requested")
}

func (m *Manager) queueLogoutLocked() bool {
	if m.closed {
		return false
	}
	m.pendingLogout = true
	m.logger.Info("logout queued behind in-flight restart")
	return true
}

// IsAuthenticated reports whether no login is pending and the client is ready.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token == nil && m.state == StateReady
}

// IsReady reports whether forwarded operations may be attempted.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyLocked()
}

func (m *Manager) readyLocked() bool {
	return m.state == StateReady && m.client != nil && !m.restartInFlight && !m.degraded
}

// IsConnected asks the client for its connection state. Any failure reads
// as not connected.
func (m *Manager) IsConnected(ctx context.Context) bool {
	m.mu.Lock()
	if !m.readyLocked() {
		m.mu.Unlock()
		return false
	}
	c := m.client
	m.mu.Unlock()

	state, err := c.State(ctx)
	if err != nil {
		m.logger.Debug("client state query failed", "error", err)
		return false
	}
	return state == client.StateConnected
}

// LoginToken returns the pending login token, if any.
func (m *Manager) LoginToken() (LoginToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return LoginToken{}, false
	}
	return *m.token, true
}

// Backoff returns the current restart delay.
func (m *Manager) Backoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	s := Status{
		SessionKey:    m.cfg.SessionKey,
		Generation:    m.generation,
		State:         m.state,
		Authenticated: m.token == nil && m.state == StateReady,
		Ready:         m.readyLocked(),
		Restarting:    m.restartInFlight,
		Degraded:      m.degraded,
		BackoffMS:     m.backoff.Milliseconds(),
		Attempts:      m.attempts,
		UpdatedAt:     m.updatedAt,
	}
	if m.token != nil {
		t := *m.token
		s.LoginToken = &t
	}
	return s
}

// History returns recent changes, oldest first.
func (m *Manager) History() []Change {
	return m.history.snapshot()
}

func (m *Manager) readyClient() (client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		return nil, ErrUnavailable
	}
	if !m.readyLocked() {
		return nil, ErrNotReady
	}
	return m.client, nil
}

// SendMessage forwards to the client when it is ready.
func (m *Manager) SendMessage(ctx context.Context, to, body string) (client.Receipt, error) {
	c, err := m.readyClient()
	if err != nil {
		metrics.ClientOperationsTotal.WithLabelValues("send", "rejected").Inc()
		return client.Receipt{}, err
	}
	r, err := c.SendMessage(ctx, to, body)
	if err != nil {
		metrics.ClientOperationsTotal.WithLabelValues("send", "error").Inc()
		return client.Receipt{}, fmt.Errorf("send message: %w", err)
	}
	metrics.ClientOperationsTotal.WithLabelValues("send", "ok").Inc()
	return r, nil
}

// ListConversations forwards to the client when it is ready.
func (m *Manager) ListConversations(ctx context.Context) ([]client.Conversation, error) {
	c, err := m.readyClient()
	if err != nil {
		metrics.ClientOperationsTotal.WithLabelValues("list", "rejected").Inc()
		return nil, err
	}
	convs, err := c.ListConversations(ctx)
	if err != nil {
		metrics.ClientOperationsTotal.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	metrics.ClientOperationsTotal.WithLabelValues("list", "ok").Inc()
	return convs, nil
}

// Subscribe registers for status changes. It returns the subscriber id, the
// channel, and the retained history so the caller can catch up.
func (m *Manager) Subscribe() (string, <-chan Change, []Change) {
	id := uuid.NewString()
	ch := make(chan Change, defaultSubscriberBufCap)

	m.subMu.Lock()
	m.subscribers[id] = ch
	m.subMu.Unlock()

	return id, ch, m.history.snapshot()
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Manager) Unsubscribe(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// setStateLocked moves to state and notifies subscribers. Caller holds m.mu.
func (m *Manager) setStateLocked(state State, reason string) {
	from := m.state
	m.state = state
	m.updatedAt = m.clock.Now()
	recordState(state)

	if from != state {
		m.logger.Info("session state changed", "from", from, "to", state, "reason", reason)
	}

	change := Change{From: from, To: state, Reason: reason, At: m.updatedAt, Status: m.statusLocked()}
	m.history.add(change)
	m.fanOut(change)
}

// fanOut never blocks: a subscriber that is not keeping up misses changes.
func (m *Manager) fanOut(c Change) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for id, ch := range m.subscribers {
		select {
		case ch <- c:
		default:
			m.logger.Debug("subscriber buffer full, dropping change", "subscriber", id)
		}
	}
}

func recordState(current State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.SessionState.WithLabelValues(string(s)).Set(v)
	}
}

// Close stops retries, waits for in-flight work and destroys the client.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopRetryLocked()
	c := m.client
	m.client = nil
	m.generation = ""
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for restart: %w", ctx.Err())
	}

	var err error
	if c != nil {
		if derr := c.Destroy(ctx); derr != nil {
			err = fmt.Errorf("destroy client: %w", derr)
		}
	}

	m.subMu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subMu.Unlock()

	return err
}
