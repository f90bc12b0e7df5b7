package checker

import (
	"context"
	"sync"
	"testing"
	"time"

	"stream-notify-bot/db"
	"stream-notify-bot/service"
)

// wedgeStore hands out the channel batch a fixed number of times and is
// safe for the polling goroutines.
type wedgeStore struct {
	mu        sync.Mutex
	channels  []db.Channel
	remaining int
	commits   int
}

func (f *wedgeStore) GetChannelsForSync(ctx context.Context, serviceId string, interval time.Duration, limit int) ([]db.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 {
		return nil, nil
	}
	f.remaining--
	return f.channels, nil
}

func (f *wedgeStore) SetChannelsSyncTimeoutExpiresAt(ctx context.Context, ids []string, expiresAt time.Time) error {
	return nil
}

func (f *wedgeStore) GetStreamsByChannelIds(ctx context.Context, channelIds []string) ([]db.Stream, error) {
	return nil, nil
}

func (f *wedgeStore) GetSubscribersByChannelIds(ctx context.Context, channelIds []string) ([]db.Subscriber, error) {
	return nil, nil
}

func (f *wedgeStore) PutStreams(ctx context.Context, delta db.StreamsDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *wedgeStore) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *wedgeStore) GetChannelIdsByService(ctx context.Context, serviceId string) ([]string, error) {
	return nil, nil
}

func (f *wedgeStore) DeleteChannelsByIds(ctx context.Context, ids []string) error { return nil }

func (f *wedgeStore) CleanOrphanChannels(ctx context.Context) (int, error) { return 0, nil }

var _ Store = (*wedgeStore)(nil)

// slowService parks GetStreams until release closes.
type slowService struct {
	fakeService
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (s *slowService) GetStreams(ctx context.Context, rawChannelIds []string) (service.StreamsResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.release
	return service.StreamsResult{}, nil
}

func (s *slowService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ service.Interface = (*slowService)(nil)

func (c *Checker) currentThread(id service.ID) *thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}

// A thread wedged inside a service call survives two stale observations and
// is disowned and replaced on the third. The stuck call finishes on its own
// and the old thread exits without touching the replacement.
func TestCheckRestartsLockedThread(t *testing.T) {
	svc := &slowService{fakeService: fakeService{id: "twitch"}, release: make(chan struct{})}
	store := &wedgeStore{
		channels:  []db.Channel{{Id: service.WrapId("twitch", "chan1"), Service: "twitch"}},
		remaining: 2,
	}
	cfg := testConfig()
	cfg.ThreadStale = 0
	c := New(store, []service.Interface{svc}, nil, cfg, nil)
	ctx := context.Background()

	c.Check(ctx)
	waitFor(t, "thread to wedge", func() bool { return svc.callCount() == 1 })

	first := c.currentThread("twitch")
	if first == nil {
		t.Fatal("no thread after first check")
	}
	for i := 0; i < threadLockLimit-1; i++ {
		c.Check(ctx)
		if c.currentThread("twitch") != first {
			t.Fatalf("thread replaced after %v observations", i+1)
		}
	}
	c.Check(ctx)
	second := c.currentThread("twitch")
	if second == first {
		t.Fatal("locked thread was not replaced after three stale observations")
	}
	first.mu.Lock()
	aborted := first.aborted
	first.mu.Unlock()
	if !aborted {
		t.Error("disowned thread was not aborted")
	}
	waitFor(t, "replacement thread to start polling", func() bool { return svc.callCount() == 2 })

	close(svc.release)
	waitFor(t, "threads to wind down", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.threads) == 0
	})
	waitFor(t, "released batches to commit", func() bool { return store.commitCount() == 2 })
}
