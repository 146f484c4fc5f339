package msg

import (
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	typeGreet Type = iota
	typeCount
)

type greeting struct {
	Text string
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFifoDeliveryExactlyOnce(t *testing.T) {
	sys := NewSystem(time.Millisecond)
	defer sys.Stop()

	id, err := sys.StartQueue("test", 50)
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}

	var mu sync.Mutex
	var got []string
	err = sys.AddHandler(id, typeGreet, func(payload any) {
		g := payload.(greeting)
		mu.Lock()
		got = append(got, g.Text)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	want := []string{"one", "two", "three", "four", "five"}
	for _, text := range want {
		if _, err := sys.Push(id, typeGreet, greeting{Text: text}); err != nil {
			t.Fatalf("Push(%q): %v", text, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, "all messages handled")

	mu.Lock()
	defer mu.Unlock()
	for i, text := range want {
		if got[i] != text {
			t.Errorf("message %d: got %q, want %q", i, got[i], text)
		}
	}
}

func TestPushBeyondCapacityFails(t *testing.T) {
	// A worker on a very long tick never drains, so pending counts
	// are deterministic.
	sys := NewSystem(time.Hour)
	defer sys.Stop()

	id, err := sys.StartQueue("test", 2)
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}
	if err := sys.AddHandler(id, typeCount, func(any) {}, nil); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	if length, err := sys.Push(id, typeCount, 1); err != nil || length != 1 {
		t.Fatalf("first Push: length %d, err %v", length, err)
	}
	if length, err := sys.Push(id, typeCount, 2); err != nil || length != 2 {
		t.Fatalf("second Push: length %d, err %v", length, err)
	}
	if _, err := sys.Push(id, typeCount, 3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Push: got %v, want ErrQueueFull", err)
	}
	if length, _ := sys.Length(id); length != 2 {
		t.Errorf("pending count grew on a rejected push: %d", length)
	}
}

func TestStopReleasesPending(t *testing.T) {
	sys := NewSystem(time.Hour)

	id, err := sys.StartQueue("test", 10)
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}

	handled := 0
	released := 0
	err = sys.AddHandler(id, typeCount,
		func(any) { handled++ },
		func(any) { released++ })
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	const n = 7
	for i := 0; i < n; i++ {
		if _, err := sys.Push(id, typeCount, i); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	if err := sys.StopQueue(id); err != nil {
		t.Fatalf("StopQueue: %v", err)
	}
	if handled != 0 {
		t.Errorf("handler ran %d time(s) on a never-woken queue", handled)
	}
	if released != n {
		t.Errorf("released %d message(s), want %d", released, n)
	}

	if _, err := sys.Push(id, typeCount, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Push after stop: got %v, want ErrNotFound", err)
	}
}

func TestPushFromHandler(t *testing.T) {
	sys := NewSystem(time.Millisecond)
	defer sys.Stop()

	first, err := sys.StartQueue("first", 10)
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}
	second, err := sys.StartQueue("second", 10)
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}

	var mu sync.Mutex
	var forwarded []int
	if err := sys.AddHandler(second, typeCount, func(payload any) {
		mu.Lock()
		forwarded = append(forwarded, payload.(int))
		mu.Unlock()
	}, nil); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}
	if err := sys.AddHandler(first, typeCount, func(payload any) {
		if _, err := sys.Push(second, typeCount, payload.(int)*10); err != nil {
			t.Errorf("Push from handler: %v", err)
		}
	}, nil); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if _, err := sys.Push(first, typeCount, i); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(forwarded) == 3
	}, "forwarded messages")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []int{10, 20, 30} {
		if forwarded[i] != want {
			t.Errorf("forwarded[%d] = %d, want %d", i, forwarded[i], want)
		}
	}
}

func TestPushWithoutHandlerFails(t *testing.T) {
	sys := NewSystem(time.Hour)
	defer sys.Stop()

	id, err := sys.StartQueue("test", 5)
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}
	if _, err := sys.Push(id, typeGreet, greeting{}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("Push without handler: got %v, want ErrNoHandler", err)
	}
	if _, err := sys.Push(321, typeGreet, greeting{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Push to unknown queue: got %v, want ErrNotFound", err)
	}
}
