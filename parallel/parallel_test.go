package parallel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

func TestDoRunsEveryIndex(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)
	err := Do(context.Background(), 4, 20, func(ctx context.Context, i int) error {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(seen) != 20 {
		t.Fatalf("ran %v tasks, want 20", len(seen))
	}
	for i := 0; i < 20; i++ {
		if !seen[i] {
			t.Errorf("index %v never ran", i)
		}
	}
}

func TestDoRespectsLimit(t *testing.T) {
	var inFlight, peak int32
	err := Do(context.Background(), 3, 30, func(ctx context.Context, i int) error {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&peak)
			if current <= max || atomic.CompareAndSwapInt32(&peak, max, current) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := atomic.LoadInt32(&peak); got > 3 {
		t.Errorf("peak concurrency %v exceeds limit 3", got)
	}
}

func TestDoStopsLaunchingAfterError(t *testing.T) {
	boom := errors.New("boom")
	var launched int32
	err := Do(context.Background(), 1, 100, func(ctx context.Context, i int) error {
		atomic.AddInt32(&launched, 1)
		if i == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	// With limit 1 tasks run one at a time, so nothing far past the failing
	// index should have started.
	if got := atomic.LoadInt32(&launched); got > 4 {
		t.Errorf("%v tasks launched after error", got)
	}
}

func TestDoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var launched int32
	err := Do(ctx, 2, 10, func(ctx context.Context, i int) error {
		atomic.AddInt32(&launched, 1)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if got := atomic.LoadInt32(&launched); got != 0 {
		t.Errorf("%v tasks launched on a cancelled context", got)
	}
}

func TestDoZeroTasks(t *testing.T) {
	if err := Do(context.Background(), 4, 0, func(ctx context.Context, i int) error {
		t.Error("fn called for zero tasks")
		return nil
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
}
