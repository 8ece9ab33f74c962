package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/farmgate/checkout-backend/internal/domain/outbox"
)

type testEvent struct {
	name string
}

func (e testEvent) EventName() string { return e.name }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	var mu sync.Mutex
	var got []string
	bus.Subscribe("thing.happened", func(_ context.Context, e domoutbox.Event) error {
		mu.Lock()
		got = append(got, e.EventName())
		mu.Unlock()
		return nil
	})

	if err := bus.Publish(context.Background(), testEvent{"thing.happened"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}

func TestBusFansOutToAllHandlers(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	var mu sync.Mutex
	delivered := 0
	for i := 0; i < 3; i++ {
		bus.Subscribe("thing.happened", func(context.Context, domoutbox.Event) error {
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}

	_ = bus.Publish(context.Background(), testEvent{"thing.happened"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 3
	})
}

func TestBusIgnoresUnsubscribedEvents(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	if err := bus.Publish(context.Background(), testEvent{"nobody.cares"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// One panicking or failing handler must not starve its siblings.
func TestBusSurvivesHandlerFailures(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	var mu sync.Mutex
	healthyRuns := 0
	bus.Subscribe("thing.happened", func(context.Context, domoutbox.Event) error {
		panic("handler bug")
	})
	bus.Subscribe("thing.happened", func(context.Context, domoutbox.Event) error {
		return errors.New("transient")
	})
	bus.Subscribe("thing.happened", func(context.Context, domoutbox.Event) error {
		mu.Lock()
		healthyRuns++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 2; i++ {
		_ = bus.Publish(context.Background(), testEvent{"thing.happened"})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthyRuns == 2
	})
}

// Stop racing in-flight publishes must never panic; late publishers get
// ErrBusClosed or a quiet drop, not a send on a closed channel.
func TestBusStopDuringPublish(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	bus.Subscribe("thing.happened", func(context.Context, domoutbox.Event) error { return nil })

	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := bus.Publish(context.Background(), testEvent{"thing.happened"}); err != nil {
					if !errors.Is(err, ErrBusClosed) {
						t.Errorf("unexpected publish error: %v", err)
					}
					return
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	bus.Stop(context.Background())
	wg.Wait()

	if err := bus.Publish(context.Background(), testEvent{"thing.happened"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("publish after stop: expected ErrBusClosed, got %v", err)
	}
}

func TestBusPublishHonorsContext(t *testing.T) {
	bus := NewBus(nil)
	// Never started: the queue fills and publish must respect cancellation.
	for i := 0; i < 1024; i++ {
		if err := bus.Publish(context.Background(), testEvent{"fill"}); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, testEvent{"overflow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
