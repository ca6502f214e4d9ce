package hwqueue_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scopie/internal/hwqueue"
	"scopie/internal/hwqueue/hwqueuetest"
)

type stubReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *stubReporter) Report(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, source+": "+err.Error())
}

func (r *stubReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitTimer(t *testing.T, c *hwqueuetest.Clock, want time.Duration) {
	t.Helper()
	select {
	case d := <-c.Created:
		if d != want {
			t.Fatalf("timer for %v, want %v", d, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no timer created")
	}
}

func dispose(t *testing.T, q *hwqueue.Queue) {
	t.Helper()
	if _, err := q.Dispose(nil).Wait(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	<-q.Done()
}

func TestIdlePolicyTiming(t *testing.T) {
	clock := hwqueuetest.NewClock()
	var calls atomic.Int64
	idle := func() (hwqueue.Policy, error) {
		if calls.Add(1)%2 == 1 {
			return hwqueue.LoopImmediately(), nil
		}
		return hwqueue.WaitFor(time.Second), nil
	}
	q := hwqueue.New("cam", idle, clock, nil, nil)

	// loop, then wait: two back-to-back calls before the first timer
	waitTimer(t, clock, time.Second)
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 idle calls before waiting, got %d", n)
	}

	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 2 {
		t.Fatalf("idle action ran while waiting: %d calls", n)
	}

	clock.Advance(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 2 {
		t.Fatalf("idle action ran before the timeout: %d calls", n)
	}

	clock.Advance(time.Millisecond)
	waitTimer(t, clock, time.Second)
	if n := calls.Load(); n != 4 {
		t.Fatalf("expected 4 idle calls after one timeout, got %d", n)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		waitTimer(t, clock, time.Second)
	}
	if n := calls.Load(); n != 10 {
		t.Fatalf("expected 10 idle calls, got %d", n)
	}
	dispose(t, q)
}

func TestCommandInterruptsTimedWait(t *testing.T) {
	clock := hwqueuetest.NewClock()
	var calls atomic.Int64
	q := hwqueue.New("mount", func() (hwqueue.Policy, error) {
		calls.Add(1)
		return hwqueue.WaitFor(time.Hour), nil
	}, clock, nil, nil)
	waitTimer(t, clock, time.Hour)

	v, err := hwqueue.Do(q, func() (string, error) { return "slewed", nil }).Wait(context.Background())
	if err != nil || v != "slewed" {
		t.Fatalf("got %q %v", v, err)
	}
	// the idle action runs again once the queue drains
	waitTimer(t, clock, time.Hour)
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 idle calls, got %d", n)
	}
	dispose(t, q)
}

func TestWaitForCommandSleepsUntilSubmit(t *testing.T) {
	var calls atomic.Int64
	q := hwqueue.New("idle", func() (hwqueue.Policy, error) {
		calls.Add(1)
		return hwqueue.WaitForCommand(), nil
	}, nil, nil, nil)

	eventually(t, "first idle call", func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("idle action ran without a command: %d", n)
	}

	if _, err := q.Submit(func() error { return nil }).Result(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	eventually(t, "idle call after command", func() bool { return calls.Load() == 2 })
	dispose(t, q)
}

func TestCommandsRunInOrderOneAtATime(t *testing.T) {
	q := hwqueue.New("order", nil, nil, nil, nil)

	var (
		got     []int
		running int32
	)
	futures := make([]*hwqueue.Future[int], 0, 200)
	var wg sync.WaitGroup
	var submitMu sync.Mutex
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				submitMu.Lock()
				n := len(futures)
				futures = append(futures, hwqueue.Do(q, func() (int, error) {
					if atomic.AddInt32(&running, 1) != 1 {
						t.Errorf("commands overlapped")
					}
					got = append(got, n)
					atomic.AddInt32(&running, -1)
					return n, nil
				}))
				submitMu.Unlock()
			}
		}()
	}
	wg.Wait()

	for i, f := range futures {
		v, err := f.Result()
		if err != nil || v != i {
			t.Fatalf("future %d = %d %v", i, v, err)
		}
	}
	dispose(t, q)
	for i, v := range got {
		if v != i {
			t.Fatalf("commands ran out of order: %v", got)
		}
	}
}

func TestCommandFailureOnlyAffectsItsFuture(t *testing.T) {
	rep := &stubReporter{}
	q := hwqueue.New("fail", nil, nil, rep, nil)

	errFuture := q.Submit(func() error { return errors.New("not connected") })
	panicFuture := hwqueue.Do(q, func() (int, error) { panic("driver crashed") })
	okFuture := hwqueue.Do(q, func() (int, error) { return 42, nil })

	if _, err := errFuture.Result(); err == nil || err.Error() != "not connected" {
		t.Fatalf("expected command error, got %v", err)
	}
	if _, err := panicFuture.Result(); err == nil || !strings.Contains(err.Error(), "driver crashed") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if v, err := okFuture.Result(); err != nil || v != 42 {
		t.Fatalf("later command affected: %d %v", v, err)
	}
	if rep.count() != 0 {
		t.Fatalf("command failures must not be reported globally")
	}
	dispose(t, q)
}

func TestIdleFailureIsReportedAndDegradesToWaiting(t *testing.T) {
	rep := &stubReporter{}
	var calls atomic.Int64
	q := hwqueue.New("flaky", func() (hwqueue.Policy, error) {
		if calls.Add(1) == 1 {
			return hwqueue.LoopImmediately(), errors.New("status read failed")
		}
		panic("status exploded")
	}, nil, rep, nil)

	eventually(t, "first report", func() bool { return rep.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("failed idle action should wait for a command, got %d calls", n)
	}

	q.Submit(func() error { return nil }).Result()
	eventually(t, "second report", func() bool { return rep.count() == 2 })
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d", n)
	}
	dispose(t, q)
}

func TestSetIdleActionIsOrdered(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	add := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	idleA := func() (hwqueue.Policy, error) { add("A"); return hwqueue.WaitForCommand(), nil }
	idleB := func() (hwqueue.Policy, error) { add("B"); return hwqueue.WaitForCommand(), nil }

	q := hwqueue.New("swap", idleA, nil, nil, nil)
	release := make(chan struct{})
	q.Submit(func() error { <-release; return nil })
	q.Submit(func() error { add("cmd1"); return nil })
	q.SetIdleAction(idleB)
	last := q.Submit(func() error { add("cmd2"); return nil })
	close(release)
	last.Result()

	eventually(t, "idle B", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[len(events)-1] == "B"
	})

	mu.Lock()
	defer mu.Unlock()
	i := 0
	for i < len(events) && events[i] == "A" {
		i++
	}
	rest := strings.Join(events[i:], ",")
	if rest != "cmd1,cmd2,B" {
		t.Fatalf("events after blocker: %v", events)
	}
	dispose(t, q)
}

func TestDisposeRunsTeardownLast(t *testing.T) {
	q := hwqueue.New("dev", nil, nil, nil, nil)
	var order []string
	q.Submit(func() error { order = append(order, "cmd"); return nil })
	f := q.Dispose(func() error {
		order = append(order, "teardown")
		return errors.New("close failed")
	})

	if _, err := f.Result(); err == nil || err.Error() != "close failed" {
		t.Fatalf("teardown error not delivered: %v", err)
	}
	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("owner goroutine did not exit")
	}
	if strings.Join(order, ",") != "cmd,teardown" {
		t.Fatalf("order %v", order)
	}

	if _, err := q.Submit(func() error { return nil }).Result(); !errors.Is(err, hwqueue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := q.Dispose(nil).Result(); !errors.Is(err, hwqueue.ErrClosed) {
		t.Fatalf("expected ErrClosed on second dispose, got %v", err)
	}
	if _, err := q.SetIdleAction(nil).Result(); !errors.Is(err, hwqueue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFutureWaitHonoursContext(t *testing.T) {
	q := hwqueue.New("slow", nil, nil, nil, nil)
	release := make(chan struct{})
	f := q.Submit(func() error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	if _, err := f.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	dispose(t, q)
}

func TestPolicyString(t *testing.T) {
	if s := hwqueue.WaitFor(2 * time.Second).String(); s != "wait 2s" {
		t.Fatalf("got %q", s)
	}
	if hwqueue.WaitFor(0) != hwqueue.LoopImmediately() {
		t.Fatalf("non-positive wait should loop")
	}
	if (hwqueue.Policy{}) != hwqueue.WaitForCommand() {
		t.Fatalf("zero policy should wait for a command")
	}
}
