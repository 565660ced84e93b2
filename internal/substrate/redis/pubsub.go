package redis

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v9"

	"github.com/narwhalmedia/switchboard/internal/substrate"
)

// Publish sends payload on a prefixed channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return mapErr(c.rdb.Publish(ctx, c.key(channel), payload).Err())
}

// Subscribe opens a dedicated pub/sub connection.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (substrate.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, c.keys(channels)...)
	// Wait for the subscription confirmation so publishes made right
	// after Subscribe returns are not missed.
	if len(channels) > 0 {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, mapErr(err)
		}
	}

	s := &subscription{
		c:    c,
		ps:   ps,
		out:  make(chan substrate.Message, 256),
		done: make(chan struct{}),
	}
	go s.forward()
	return s, nil
}

type subscription struct {
	c    *Client
	ps   *redis.PubSub
	out  chan substrate.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) forward() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- substrate.Message{Channel: s.c.unkey(msg.Channel), Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Channel() <-chan substrate.Message {
	return s.out
}

func (s *subscription) Subscribe(ctx context.Context, channels ...string) error {
	return mapErr(s.ps.Subscribe(ctx, s.c.keys(channels)...))
}

func (s *subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return mapErr(s.ps.Unsubscribe(ctx, s.c.keys(channels)...))
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
