package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"scopie/internal/frame"
)

func TestSortStretch16SpreadsRanks(t *testing.T) {
	in, _ := frame.NewGray16(2, 2, []uint16{1000, 10, 500, 20})
	out, err := SortStretch(context.Background(), in)
	if err != nil {
		t.Fatalf("stretch: %v", err)
	}
	// ranks: 10->0, 20->1, 500->2, 1000->3; scaled by 65535/4
	want := []uint16{49151, 0, 32767, 16383}
	for i, v := range out.Pix16() {
		if v != want[i] {
			t.Fatalf("pix = %v, want %v", out.Pix16(), want)
		}
	}
	if in.Pix16()[0] != 1000 {
		t.Fatalf("input was modified")
	}
}

func TestSortStretch8KeepsOrderOfTies(t *testing.T) {
	in, _ := frame.NewGray8(4, 1, []uint8{7, 7, 3, 7})
	out, err := SortStretch(context.Background(), in)
	if err != nil {
		t.Fatalf("stretch: %v", err)
	}
	// 3->rank0, then the three 7s in index order
	want := []uint8{63, 127, 0, 191}
	for i, v := range out.Pix8() {
		if v != want[i] {
			t.Fatalf("pix = %v, want %v", out.Pix8(), want)
		}
	}
	if out.Kind() != frame.Gray8 {
		t.Fatalf("kind changed to %v", out.Kind())
	}
}

func TestSortStretchHonoursCancellation(t *testing.T) {
	in, _ := frame.NewGray8(2, 1, []uint8{1, 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := SortStretch(ctx, in); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestStretcherToggle(t *testing.T) {
	s := NewStretcher(2, false, nil, nil)
	defer s.Close()

	results := make(chan frame.Frame, 4)
	s.Subscribe(func(f frame.Frame) { results <- f })

	in, _ := frame.NewGray8(2, 1, []uint8{200, 100})
	s.Submit(in)
	got := receive(t, results)
	if got.Pix8()[0] != 200 {
		t.Fatalf("disabled stretcher changed the frame: %v", got.Pix8())
	}

	s.SetEnabled(true)
	if !s.Enabled() {
		t.Fatalf("expected enabled")
	}
	s.Submit(in)
	got = receive(t, results)
	if got.Pix8()[0] != 127 || got.Pix8()[1] != 0 {
		t.Fatalf("stretched = %v", got.Pix8())
	}
}

func receive(t *testing.T, ch <-chan frame.Frame) frame.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame published")
	}
	return frame.Frame{}
}
