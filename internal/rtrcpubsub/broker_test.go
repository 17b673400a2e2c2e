package rtrcpubsub_test

import (
	"errors"
	"testing"

	"github.com/peterbourgon/rtrc/internal/rtrcpubsub"
)

func TestBroker(t *testing.T) {
	t.Parallel()

	var (
		broker = rtrcpubsub.NewBroker[int]()
		evens  = make(chan int, 10)
	)

	broker.Publish(0) // no subscribers, dropped silently

	if err := broker.Subscribe(func(i int) bool { return i%2 == 0 }, evens); err != nil {
		t.Fatal(err)
	}
	if err := broker.Subscribe(nil, evens); !errors.Is(err, rtrcpubsub.ErrAlreadySubscribed) {
		t.Errorf("want %v, have %v", rtrcpubsub.ErrAlreadySubscribed, err)
	}

	for i := 1; i <= 4; i++ {
		broker.Publish(i)
	}

	if want, have := 2, <-evens; want != have {
		t.Errorf("want %d, have %d", want, have)
	}
	if want, have := 4, <-evens; want != have {
		t.Errorf("want %d, have %d", want, have)
	}

	stats, err := broker.Unsubscribe(evens)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := (rtrcpubsub.Stats{Skips: 2, Sends: 2}), stats; want != have {
		t.Errorf("want %s, have %s", want, have)
	}
	if want, have := 0, broker.Len(); want != have {
		t.Errorf("want %d subscribers, have %d", want, have)
	}

	if _, err := broker.Unsubscribe(evens); !errors.Is(err, rtrcpubsub.ErrNotSubscribed) {
		t.Errorf("want %v, have %v", rtrcpubsub.ErrNotSubscribed, err)
	}
}

func TestBrokerDrops(t *testing.T) {
	t.Parallel()

	var (
		broker = rtrcpubsub.NewBroker[string]()
		full   = make(chan string) // unbuffered, never read
	)

	if err := broker.Subscribe(nil, full); err != nil {
		t.Fatal(err)
	}

	broker.Publish("a")
	broker.Publish("b")

	stats, err := broker.Unsubscribe(full)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := (rtrcpubsub.Stats{Drops: 2}), stats; want != have {
		t.Errorf("want %s, have %s", want, have)
	}
}
