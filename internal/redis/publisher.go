package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"chatlink/internal/metrics"
	"chatlink/internal/session"
)

const (
	keyPrefix      = "chatlink:session:"
	publishTimeout = 5 * time.Second
)

// StatusKey holds the latest status JSON for a session.
func StatusKey(sessionKey string) string {
	return keyPrefix + sessionKey + ":status"
}

// ChangesChannel carries one message per status change.
func ChangesChannel(sessionKey string) string {
	return keyPrefix + sessionKey + ":changes"
}

// StatusUpdate is the JSON document stored and published.
type StatusUpdate struct {
	Status session.Status `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

// StatusSource is the part of the session manager the publisher follows.
type StatusSource interface {
	Status() session.Status
	Subscribe() (string, <-chan session.Change, []session.Change)
	Unsubscribe(id string)
}

// Publisher mirrors session status into Redis.
type Publisher struct {
	rdb    *goredis.Client
	ttl    time.Duration
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewPublisher creates a publisher. The status key expires after ttl unless
// refreshed, so a dead process does not leave a stale "ready" behind.
func NewPublisher(client *Client, ttl time.Duration, clock clockwork.Clock, logger *slog.Logger) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{rdb: client.rdb, ttl: ttl, clock: clock, logger: logger}
}

// Publish stores the status and announces it on the changes channel.
func (p *Publisher) Publish(ctx context.Context, st session.Status, reason string) error {
	data, err := json.Marshal(StatusUpdate{Status: st, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, StatusKey(st.SessionKey), data, p.ttl)
		pipe.Publish(ctx, ChangesChannel(st.SessionKey), data)
		return nil
	})
	if err != nil {
		metrics.StatusPublishErrors.Inc()
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// Run publishes every change from src until ctx is cancelled or the source
// closes the subscription. The key is refreshed at half its TTL between
// changes.
func (p *Publisher) Run(ctx context.Context, src StatusSource) {
	id, ch, _ := src.Subscribe()
	defer src.Unsubscribe(id)

	p.publish(ctx, src.Status(), "publisher started")

	refresh := p.ttl / 2
	if refresh <= 0 {
		refresh = time.Minute
	}
	ticker := p.clock.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			p.publish(ctx, change.Status, change.Reason)
		case <-ticker.Chan():
			p.publish(ctx, src.Status(), "")
		}
	}
}

func (p *Publisher) publish(ctx context.Context, st session.Status, reason string) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, st, reason); err != nil {
		p.logger.Warn("status publish failed", "error", err)
	}
}

// ErrNoStatus is returned by Latest when nothing is stored for the session,
// either because no server published yet or because the entry expired.
var ErrNoStatus = errors.New("no status stored")

// Latest reads the stored status for sessionKey.
func (p *Publisher) Latest(ctx context.Context, sessionKey string) (StatusUpdate, error) {
	var u StatusUpdate
	data, err := p.rdb.Get(ctx, StatusKey(sessionKey)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return u, ErrNoStatus
	}
	if err != nil {
		return u, fmt.Errorf("failed to read status: %w", err)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return u, nil
}

// Subscription follows published changes for one session.
type Subscription struct {
	sub    *goredis.PubSub
	Ch     <-chan StatusUpdate
	cancel context.CancelFunc
}

// Close unsubscribes and closes the subscription.
func (s *Subscription) Close() {
	s.cancel()
	_ = s.sub.Close()
}

// Follow subscribes to status changes for sessionKey. Call Close when done.
func (p *Publisher) Follow(ctx context.Context, sessionKey string) *Subscription {
	sub := p.rdb.Subscribe(ctx, ChangesChannel(sessionKey))

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan StatusUpdate, 16)

	go func() {
		defer close(ch)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var u StatusUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					p.logger.Warn("failed to unmarshal status message", "error", err)
					continue
				}
				select {
				case ch <- u:
				default:
					// Drop if receiver is slow
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &Subscription{sub: sub, Ch: ch, cancel: cancel}
}
