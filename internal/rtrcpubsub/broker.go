// Package rtrcpubsub fans values out to dynamic sets of subscribers.
package rtrcpubsub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrAlreadySubscribed is returned when a channel is subscribed twice.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotSubscribed is returned when unsubscribing an unknown channel.
	ErrNotSubscribed = errors.New("not subscribed")
)

// Broker publishes values to subscribers. Publishing never blocks: values that
// can't be delivered immediately are dropped for that subscriber.
type Broker[T any] struct {
	mtx         sync.Mutex
	subscribers map[chan<- T]*subscriber[T]
	active      atomic.Bool
}

type subscriber[T any] struct {
	allow func(T) bool
	stats Stats
}

// NewBroker returns an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: map[chan<- T]*subscriber[T]{},
	}
}

// Publish sends val to every subscriber which allows it.
func (b *Broker[T]) Publish(val T) {
	if !b.active.Load() {
		return // fast path
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	for ch, sub := range b.subscribers {
		if sub.allow != nil && !sub.allow(val) {
			sub.stats.Skips++
			continue
		}
		select {
		case ch <- val:
			sub.stats.Sends++
		default:
			sub.stats.Drops++
		}
	}
}

// Subscribe delivers published values which pass allow to ch, until ch is
// unsubscribed. A nil allow function allows every value.
func (b *Broker[T]) Subscribe(allow func(T) bool, ch chan<- T) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		return ErrAlreadySubscribed
	}

	b.subscribers[ch] = &subscriber[T]{allow: allow}
	b.active.Store(true)
	return nil
}

// Unsubscribe stops delivery to ch, and returns the stats of its subscription.
func (b *Broker[T]) Unsubscribe(ch chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subscribers[ch]
	if !ok {
		return Stats{}, ErrNotSubscribed
	}

	delete(b.subscribers, ch)
	b.active.Store(len(b.subscribers) > 0)
	return sub.stats, nil
}

// Len returns the current number of subscribers.
func (b *Broker[T]) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.subscribers)
}

// Stats describe the values published to a single subscriber.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}
