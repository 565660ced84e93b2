package memory

import (
	"context"
	"sync"

	"github.com/narwhalmedia/switchboard/internal/substrate"
)

// subscriptionBuffer bounds each subscriber; a full buffer drops messages
// the way a slow pub/sub client would lose them.
const subscriptionBuffer = 1024

type subscription struct {
	c *Client

	mu       sync.Mutex
	channels map[string]struct{}
	ch       chan substrate.Message
	closed   bool
}

// Publish delivers payload to every current subscriber of channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	if err := c.check(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	msg := substrate.Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}

// Subscribe opens a subscription on the given channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (substrate.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	s := &subscription{
		c:        c,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan substrate.Message, subscriptionBuffer),
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	c.subs[s] = struct{}{}
	return s, nil
}

func (s *subscription) deliver(msg substrate.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.channels[msg.Channel]; !ok {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *subscription) Channel() <-chan substrate.Message {
	return s.ch
}

func (s *subscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return substrate.ErrClosed
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.c.mu.Lock()
	delete(s.c.subs, s)
	s.c.mu.Unlock()
	return nil
}
