package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultScannerBufSize  = 1024 * 1024 // 1 MB
	defaultGracefulTimeout = 5 * time.Second
	destroyRequestTimeout  = 3 * time.Second

	// DefaultInitTimeout bounds the initialize request when Options leaves
	// InitTimeout unset.
	DefaultInitTimeout = 2 * time.Minute
)

// Environment variables passed to the bridge helper process.
const (
	EnvSessionKey  = "CHATLINK_SESSION_KEY"
	EnvSessionDir  = "CHATLINK_SESSION_DIR"
	EnvBrowserPath = "CHATLINK_BROWSER_PATH"
	EnvHeadless    = "CHATLINK_HEADLESS"
	EnvBrowserArgs = "CHATLINK_BROWSER_ARGS"
)

// Bridge methods understood by the helper process.
const (
	methodInitialize        = "initialize"
	methodDestroy           = "destroy"
	methodLogout            = "logout"
	methodGetState          = "getState"
	methodSendMessage       = "sendMessage"
	methodListConversations = "listConversations"
)

// bridgeRequest is one line written to the helper's stdin.
type bridgeRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// bridgeFrame is one line read from the helper's stdout. Type is "event" or
// "reply".
type bridgeFrame struct {
	Type string `json:"type"`

	// event fields
	Event  EventKind       `json:"event,omitempty"`
	Token  string          `json:"token,omitempty"`
	Reason string          `json:"reason,omitempty"`
	State  ConnectionState `json:"state,omitempty"`

	// reply fields
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Error string `json:"error,omitempty"`
}

type sendMessageParams struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// Bridge drives the messaging client running inside a helper process. The
// helper owns the browser automation; Bridge speaks JSON lines with it:
// requests on stdin, events and replies on stdout. stderr is logged.
type Bridge struct {
	command string
	args    []string
	opts    Options
	handler EventHandler
	logger  *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdin     *stdinWriter
	pending   map[string]chan bridgeFrame
	started   bool
	destroyed bool

	exited chan struct{}
}

// NewBridgeFactory returns a Factory that starts command with args for every
// client generation.
func NewBridgeFactory(command string, args []string, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(opts Options, handler EventHandler) (Client, error) {
		if command == "" {
			return nil, errors.New("bridge command is empty")
		}
		if handler == nil {
			handler = func(Event) {}
		}
		return &Bridge{
			command: command,
			args:    append([]string(nil), args...),
			opts:    opts,
			handler: handler,
			logger:  logger.With("session_key", opts.SessionKey),
			pending: make(map[string]chan bridgeFrame),
			exited:  make(chan struct{}),
		}, nil
	}
}

// Exited is closed once the helper process has exited.
func (b *Bridge) Exited() <-chan struct{} {
	return b.exited
}

// Initialize starts the helper process and asks it to bring the client up.
// Login tokens and readiness arrive as events while this call is pending or
// afterwards. A helper that stays alive without replying fails the call once
// the init timeout passes.
func (b *Bridge) Initialize(ctx context.Context) error {
	if err := b.start(); err != nil {
		return err
	}

	timeout := b.opts.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := b.call(reqCtx, methodInitialize, nil, nil)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("bridge initialize: no reply within %s: %w", timeout, err)
	}
	return err
}

func (b *Bridge) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	binaryPath, err := exec.LookPath(b.command)
	if err != nil {
		return fmt.Errorf("bridge command %q not found: %w", b.command, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, b.args...)
	cmd.Env = append(os.Environ(),
		EnvSessionKey+"="+b.opts.SessionKey,
		EnvSessionDir+"="+b.opts.SessionDir,
		EnvBrowserPath+"="+b.opts.BrowserPath,
		EnvHeadless+"="+strconv.FormatBool(b.opts.Headless),
		EnvBrowserArgs+"="+strings.Join(b.opts.BrowserArgs, " "),
	)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	b.cmd = cmd
	b.cancel = cancel
	b.stdin = &stdinWriter{writer: stdinPipe}
	b.started = true

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		b.scanStdout(stdoutPipe)
	}()
	go func() {
		defer readers.Done()
		b.scanStderr(stderrPipe)
	}()

	// Wait must not run until both pipes are drained.
	go b.waitForExit(&readers)

	b.logger.Info("bridge started", "pid", cmd.Process.Pid)
	return nil
}

// scanStdout decodes frames from the helper and routes them.
func (b *Bridge) scanStdout(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			b.logger.Debug("bridge: ignoring non-JSON stdout line", "line", string(line))
			continue
		}

		switch frame.Type {
		case "event":
			b.handler(frame.event())
		case "reply":
			b.resolve(frame)
		default:
			b.logger.Warn("bridge: unknown frame type", "type", frame.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		b.logger.Warn("bridge: stdout scanner error", "error", err)
	}
}

func (b *Bridge) scanStderr(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)
	for scanner.Scan() {
		b.logger.Debug("bridge stderr", "line", scanner.Text())
	}
}

func (f bridgeFrame) event() Event {
	ev := Event{Kind: f.Event, Token: f.Token, Reason: f.Reason, State: f.State}
	if f.Error != "" {
		ev.Err = errors.New(f.Error)
	}
	return ev
}

func (b *Bridge) resolve(frame bridgeFrame) {
	b.mu.Lock()
	ch, ok := b.pending[frame.ID]
	if ok {
		delete(b.pending, frame.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("bridge: reply for unknown request", "id", frame.ID)
		return
	}
	ch <- frame
}

// waitForExit reaps the helper and reports an unexpected exit as a
// disconnect.
func (b *Bridge) waitForExit(readers *sync.WaitGroup) {
	readers.Wait()
	err := b.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	b.stdin.Close()

	b.mu.Lock()
	destroyed := b.destroyed
	b.pending = make(map[string]chan bridgeFrame)
	b.mu.Unlock()

	b.cancel()
	close(b.exited)

	b.logger.Info("bridge exited", "exit_code", exitCode, "destroyed", destroyed)

	if !destroyed {
		b.handler(Event{Kind: EventDisconnected, Reason: fmt.Sprintf("PROCESS_EXITED:%d", exitCode)})
	}
}

// call sends one request and waits for its reply. result may be nil.
func (b *Bridge) call(ctx context.Context, method string, params any, result any) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	select {
	case <-b.exited:
		b.mu.Unlock()
		return ErrClosed
	default:
	}

	id := uuid.NewString()
	ch := make(chan bridgeFrame, 1)
	b.pending[id] = ch
	stdin := b.stdin
	b.mu.Unlock()

	data, err := json.Marshal(bridgeRequest{ID: id, Method: method, Params: params})
	if err != nil {
		b.forget(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := stdin.Write(append(data, '\n')); err != nil {
		b.forget(id)
		return fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case frame := <-ch:
		if !frame.OK {
			msg := frame.Error
			if msg == "" {
				msg = "unknown error"
			}
			return fmt.Errorf("bridge %s: %s", method, msg)
		}
		if result != nil && len(frame.Result) > 0 {
			if err := json.Unmarshal(frame.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-b.exited:
		return ErrClosed
	case <-ctx.Done():
		b.forget(id)
		return ctx.Err()
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Destroy asks the helper to shut the client down, then interrupts it and
// kills it after a grace period. It does not wait for the exit; callers that
// care use Exited.
func (b *Bridge) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	started := b.started
	b.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-b.exited:
		return nil
	default:
	}

	reqCtx, cancel := context.WithTimeout(ctx, destroyRequestTimeout)
	err := b.call(reqCtx, methodDestroy, nil, nil)
	cancel()
	if err != nil && !errors.Is(err, ErrClosed) {
		b.logger.Warn("bridge: destroy request failed", "error", err)
	}

	b.stdin.Close()
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Signal(os.Interrupt)

		// Give it time to exit gracefully, then force kill.
		go func() {
			select {
			case <-b.exited:
			case <-time.After(defaultGracefulTimeout):
				b.cancel()
			}
		}()
	}
	return nil
}

func (b *Bridge) Logout(ctx context.Context) error {
	return b.call(ctx, methodLogout, nil, nil)
}

func (b *Bridge) State(ctx context.Context) (ConnectionState, error) {
	var state ConnectionState
	if err := b.call(ctx, methodGetState, nil, &state); err != nil {
		return "", err
	}
	return state, nil
}

func (b *Bridge) SendMessage(ctx context.Context, to, body string) (Receipt, error) {
	var receipt Receipt
	err := b.call(ctx, methodSendMessage, sendMessageParams{To: to, Body: body}, &receipt)
	return receipt, err
}

func (b *Bridge) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := b.call(ctx, methodListConversations, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}
