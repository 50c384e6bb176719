package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisProvider implements the Provider interface using Redis Pub/Sub.
type RedisProvider struct {
	client redis.UniversalClient
}

// NewRedisProvider constructs a Provider backed by a Redis client.
func NewRedisProvider(client redis.UniversalClient) (*RedisProvider, error) {
	if client == nil {
		return nil, errors.New("pubsub: redis client is nil")
	}
	return &RedisProvider{client: client}, nil
}

func (p *RedisProvider) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return errors.New("pubsub: channel is empty")
	}
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisProvider) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if channel == "" {
		return nil, errors.New("pubsub: channel is empty")
	}
	pubsub := p.client.Subscribe(ctx, channel)
	// Force the subscribe round-trip so a dead broker fails here, not on
	// the first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		pubsub:   pubsub,
		cancel:   cancel,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}
	go sub.pump(subCtx)
	return sub, nil
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	messages chan Message
	done     chan struct{}
	err      error
	errMu    sync.Mutex
	once     sync.Once
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.done)
	defer close(s.messages)
	in := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			copied := make([]byte, len(msg.Payload))
			copy(copied, msg.Payload)
			select {
			case s.messages <- Message{Payload: copied}:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
	}
}

func (s *redisSubscription) setErr(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.messages
}

func (s *redisSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *redisSubscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}
