package pubsub

import (
	"context"
	"errors"
	"sync"
)

// MemoryProvider is an in-process Provider used in development mode and
// tests. Delivery is best-effort: slow subscribers drop messages instead of
// blocking publishers, matching the advisory nature of the channel.
type MemoryProvider struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (p *MemoryProvider) Publish(_ context.Context, channel string, payload []byte) error {
	if channel == "" {
		return errors.New("pubsub: channel is empty")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("pubsub: provider closed")
	}
	for sub := range p.subs[channel] {
		copied := make([]byte, len(payload))
		copy(copied, payload)
		select {
		case sub.messages <- Message{Payload: copied}:
		default:
		}
	}
	return nil
}

func (p *MemoryProvider) Subscribe(_ context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, errors.New("pubsub: channel is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pubsub: provider closed")
	}
	sub := &memorySubscription{
		provider: p,
		channel:  channel,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[*memorySubscription]struct{})
	}
	p.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Close detaches every subscription and refuses further use.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]map[*memorySubscription]struct{})
	p.closed = true
	p.mu.Unlock()
	for _, channelSubs := range subs {
		for sub := range channelSubs {
			sub.detach()
		}
	}
	return nil
}

type memorySubscription struct {
	provider *MemoryProvider
	channel  string
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.messages }

func (s *memorySubscription) Done() <-chan struct{} { return s.done }

func (s *memorySubscription) Err() error { return nil }

func (s *memorySubscription) Close() error {
	s.provider.mu.Lock()
	if set, ok := s.provider.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.provider.subs, s.channel)
		}
	}
	s.provider.mu.Unlock()
	s.detach()
	return nil
}

func (s *memorySubscription) detach() {
	s.once.Do(func() {
		close(s.done)
		close(s.messages)
	})
}
