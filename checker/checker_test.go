package checker

import (
	"context"
	"testing"
	"time"

	"stream-notify-bot/db"
	"stream-notify-bot/service"
)

type fakeStore struct {
	channels    []db.Channel
	streams     []db.Stream
	subscribers []db.Subscriber

	leased  []string
	deltas  []db.StreamsDelta
	deleted []string
}

func (f *fakeStore) GetChannelsForSync(ctx context.Context, serviceId string, interval time.Duration, limit int) ([]db.Channel, error) {
	return f.channels, nil
}

func (f *fakeStore) SetChannelsSyncTimeoutExpiresAt(ctx context.Context, ids []string, expiresAt time.Time) error {
	f.leased = append(f.leased, ids...)
	return nil
}

func (f *fakeStore) GetStreamsByChannelIds(ctx context.Context, channelIds []string) ([]db.Stream, error) {
	return f.streams, nil
}

func (f *fakeStore) GetSubscribersByChannelIds(ctx context.Context, channelIds []string) ([]db.Subscriber, error) {
	return f.subscribers, nil
}

func (f *fakeStore) PutStreams(ctx context.Context, delta db.StreamsDelta) error {
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeStore) GetChannelIdsByService(ctx context.Context, serviceId string) ([]string, error) {
	var ids []string
	for _, c := range f.channels {
		ids = append(ids, c.Id)
	}
	return ids, nil
}

func (f *fakeStore) DeleteChannelsByIds(ctx context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeStore) CleanOrphanChannels(ctx context.Context) (int, error) {
	return 0, nil
}

var _ Store = (*fakeStore)(nil)

type fakeService struct {
	id     service.ID
	result service.StreamsResult
	exists []string
}

func (f *fakeService) ID() service.ID          { return f.id }
func (f *fakeService) Match(query string) bool { return false }

func (f *fakeService) FindChannel(ctx context.Context, query string) (service.Channel, error) {
	return service.Channel{}, service.ErrChannelNotFound
}

func (f *fakeService) GetStreams(ctx context.Context, rawChannelIds []string) (service.StreamsResult, error) {
	return f.result, nil
}

func (f *fakeService) GetExistsChannelIds(ctx context.Context, rawChannelIds []string) ([]string, error) {
	return f.exists, nil
}

func (f *fakeService) BatchSize() int                     { return 50 }
func (f *fakeService) NoCachePreview() bool               { return false }
func (f *fakeService) StreamPreviewHeadUnsupported() bool { return false }

var _ service.Interface = (*fakeService)(nil)

func testConfig() Config {
	return Config{
		CheckInterval: time.Minute,
		SyncLease:     5 * time.Minute,
		OfflineGrace:  15 * time.Minute,
		ThreadStale:   5 * time.Minute,
		ChannelsLimit: 50,
	}
}

func TestCheckBatchCommitsPlanAndFansOut(t *testing.T) {
	channelId := service.WrapId("twitch", "chan1")
	store := &fakeStore{
		channels:    []db.Channel{{Id: channelId, Service: "twitch"}},
		subscribers: []db.Subscriber{{ChatId: 1, ChannelId: channelId}},
	}
	svc := &fakeService{
		id: "twitch",
		result: service.StreamsResult{Streams: []service.Stream{{
			Id:        "s1",
			ChannelId: "chan1",
			Title:     "live",
			Url:       "https://www.twitch.tv/chan1",
		}}},
	}
	poked := false
	c := New(store, []service.Interface{svc}, nil, testConfig(), func() { poked = true })

	if err := c.checkBatch(context.Background(), svc, store.channels); err != nil {
		t.Fatalf("check batch: %v", err)
	}

	if len(store.leased) != 1 || store.leased[0] != channelId {
		t.Errorf("batch not leased: %v", store.leased)
	}
	if len(store.deltas) != 1 {
		t.Fatalf("got %v deltas, want 1", len(store.deltas))
	}
	delta := store.deltas[0]
	streamId := service.WrapId("twitch", "s1")
	if len(delta.UpsertStreams) != 1 || delta.UpsertStreams[0].Id != streamId {
		t.Errorf("unexpected upserts: %+v", delta.UpsertStreams)
	}
	if len(delta.NewDeliveries) != 1 || delta.NewDeliveries[0].ChatId != 1 || delta.NewDeliveries[0].StreamId != streamId {
		t.Errorf("unexpected deliveries: %+v", delta.NewDeliveries)
	}
	if len(delta.ChannelUpdates) != 1 {
		t.Errorf("channel not marked synced: %+v", delta.ChannelUpdates)
	}
	if !poked {
		t.Error("sender not poked after new deliveries")
	}
}

func TestCheckBatchNoWorkDoesNotPoke(t *testing.T) {
	channelId := service.WrapId("twitch", "chan1")
	store := &fakeStore{
		channels: []db.Channel{{Id: channelId, Service: "twitch"}},
	}
	svc := &fakeService{id: "twitch"}
	poked := false
	c := New(store, []service.Interface{svc}, nil, testConfig(), func() { poked = true })

	if err := c.checkBatch(context.Background(), svc, store.channels); err != nil {
		t.Fatalf("check batch: %v", err)
	}
	if poked {
		t.Error("sender poked without deliveries or changes")
	}
}

func TestCheckChannelsExistsRemovesGone(t *testing.T) {
	keep := service.WrapId("twitch", "keep")
	gone := service.WrapId("twitch", "gone")
	store := &fakeStore{
		channels: []db.Channel{{Id: keep, Service: "twitch"}, {Id: gone, Service: "twitch"}},
	}
	svc := &fakeService{id: "twitch", exists: []string{"keep"}}
	c := New(store, []service.Interface{svc}, nil, testConfig(), nil)

	c.CheckChannelsExists(context.Background())

	if len(store.deleted) != 1 || store.deleted[0] != gone {
		t.Errorf("deleted %v, want only %v", store.deleted, gone)
	}
}
