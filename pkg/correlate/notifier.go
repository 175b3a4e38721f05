package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis pub/sub channel completion events go to.
const DefaultChannel = "chainfetch:responses"

// Event announces that a request finished.
type Event struct {
	Nonce    uint64    `json:"nonce"`
	Origin   string    `json:"origin"`
	Expired  bool      `json:"expired,omitempty"`
	Entities int       `json:"entities"`
	Errors   int       `json:"errors"`
	At       time.Time `json:"at"`
}

// Notifier publishes completion events.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifiers publishes to every notifier in order and joins their errors.
type Notifiers []Notifier

// Publish implements Notifier.
func (ns Notifiers) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range ns {
		if err := n.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocalNotifier fans events out to in-process subscribers. Slow
// subscribers miss events instead of blocking the publisher.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that ends the
// subscription.
func (l *LocalNotifier) Subscribe(buffer int) (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	ch := make(chan Event, buffer)
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Notifier.
func (l *LocalNotifier) Publish(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// RedisNotifier publishes events on a Redis pub/sub channel so that other
// processes learn about completions. Each notifier tags its events with a
// process-unique origin.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	origin  string
	logger  zerolog.Logger
}

// NewRedisNotifier creates a notifier publishing on channel (DefaultChannel
// when empty).
func NewRedisNotifier(client *redis.Client, channel string, logger zerolog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Origin returns the id this notifier stamps on its events.
func (r *RedisNotifier) Origin() string {
	return r.origin
}

// Publish implements Notifier.
func (r *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	if ev.Origin == "" {
		ev.Origin = r.origin
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers events published by any process until ctx is done.
// Set skipOwn to drop events this notifier published itself.
func (r *RedisNotifier) Subscribe(ctx context.Context, skipOwn bool) (<-chan Event, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn().Err(err).Msg("Dropping malformed event")
					continue
				}
				if skipOwn && ev.Origin == r.origin {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
