package stream

import (
	"sync"
	"testing"
)

func TestCurrentStartsEmpty(t *testing.T) {
	s := New[int]()
	if _, ok := s.Current(); ok {
		t.Fatalf("expected no current value")
	}
	s.Publish(4)
	if v, ok := s.Current(); !ok || v != 4 {
		t.Fatalf("current = %d, %v", v, ok)
	}
}

func TestSubscribersRunInOrder(t *testing.T) {
	var s Stream[string]
	var got []string
	s.Subscribe(func(v string) { got = append(got, "a:"+v) })
	s.Subscribe(func(v string) { got = append(got, "b:"+v) })
	s.Subscribe(func(v string) { got = append(got, "c:"+v) })

	s.Publish("1")
	s.Publish("2")

	want := []string{"a:1", "b:1", "c:1", "a:2", "b:2", "c:2"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLateSubscriberCanPullCurrent(t *testing.T) {
	s := New[int]()
	s.Publish(7)

	var pushed []int
	s.Subscribe(func(v int) { pushed = append(pushed, v) })
	if v, ok := s.Current(); !ok || v != 7 {
		t.Fatalf("expected to pull 7, got %d %v", v, ok)
	}
	if len(pushed) != 0 {
		t.Fatalf("subscribe must not replay, got %v", pushed)
	}
	s.Publish(8)
	if len(pushed) != 1 || pushed[0] != 8 {
		t.Fatalf("pushed %v", pushed)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := New[int]()
	calls := 0
	unsub := s.Subscribe(func(int) { calls++ })
	s.Publish(1)
	unsub()
	unsub()
	s.Publish(2)
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", s.Subscribers())
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	s := New[int]()
	var unsubA func()
	var a, b int
	unsubA = s.Subscribe(func(int) { a++; unsubA() })
	s.Subscribe(func(int) { b++ })

	s.Publish(1)
	s.Publish(2)
	if a != 1 || b != 2 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

func TestConcurrentPublishersKeepSubscribersConsistent(t *testing.T) {
	s := New[int]()
	var first, second []int
	s.Subscribe(func(v int) { first = append(first, v) })
	s.Subscribe(func(v int) { second = append(second, v) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Publish(base*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if len(first) != 400 || len(second) != 400 {
		t.Fatalf("lengths %d %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("subscribers disagree at %d: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestWatchDeliversCurrentThenUpdates(t *testing.T) {
	s := New[int]()
	s.Publish(1)

	ch, stop := Watch[int](s, 4)
	s.Publish(2)
	s.Publish(3)

	for _, want := range []int{1, 2, 3} {
		if got := <-ch; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}
	stop()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	s.Publish(4)
	stop()
}

func TestWatchDropsWhenFull(t *testing.T) {
	s := New[int]()
	ch, stop := Watch[int](s, 1)
	defer stop()

	s.Publish(1)
	s.Publish(2)
	if got := <-ch; got != 1 {
		t.Fatalf("got %d", got)
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestFollowDeliversCurrentThenUpdates(t *testing.T) {
	s := New[int]()
	s.Publish(3)
	var got []int
	unsub := s.Follow(func(v int) { got = append(got, v) })
	s.Publish(4)
	unsub()
	s.Publish(5)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("got %v", got)
	}
}

func TestFollowNeverSeesOlderValueAfterNewer(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := New[int]()
		s.Publish(0)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 1; i <= 500; i++ {
				s.Publish(i)
			}
		}()

		var (
			mu  sync.Mutex
			got []int
		)
		unsub := s.Follow(func(v int) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
		<-done
		unsub()

		mu.Lock()
		for i := 1; i < len(got); i++ {
			if got[i] <= got[i-1] {
				mu.Unlock()
				t.Fatalf("round %d: %d delivered after %d", round, got[i], got[i-1])
			}
		}
		mu.Unlock()
	}
}
