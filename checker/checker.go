// Package checker polls the streaming services, diffs their answers against
// the persisted stream state and commits one transition plan per batch.
package checker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"stream-notify-bot/db"
	"stream-notify-bot/metrics"
	"stream-notify-bot/mutex"
	"stream-notify-bot/service"
)

// Store is the subset of db operations the checker drives.
type Store interface {
	GetChannelsForSync(ctx context.Context, serviceId string, interval time.Duration, limit int) ([]db.Channel, error)
	SetChannelsSyncTimeoutExpiresAt(ctx context.Context, ids []string, expiresAt time.Time) error
	GetStreamsByChannelIds(ctx context.Context, channelIds []string) ([]db.Stream, error)
	GetSubscribersByChannelIds(ctx context.Context, channelIds []string) ([]db.Subscriber, error)
	PutStreams(ctx context.Context, delta db.StreamsDelta) error
	GetChannelIdsByService(ctx context.Context, serviceId string) ([]string, error)
	DeleteChannelsByIds(ctx context.Context, ids []string) error
	CleanOrphanChannels(ctx context.Context) (int, error)
}

var _ Store = (*db.DB)(nil)

type Config struct {
	CheckInterval time.Duration
	SyncLease     time.Duration
	OfflineGrace  time.Duration
	ThreadStale   time.Duration
	ChannelsLimit int
}

const threadLockLimit = 3

type Checker struct {
	store    Store
	services []service.Interface
	mb       *mutex.Builder
	cfg      Config
	// onNewWork pokes the sender after a batch produced deliveries or
	// message changes.
	onNewWork func()

	mu      sync.Mutex
	threads map[service.ID]*thread
}

type thread struct {
	mu             sync.Mutex
	lastActivityAt time.Time
	lockCount      int
	aborted        bool
}

func (t *thread) touch() {
	t.mu.Lock()
	t.lastActivityAt = time.Now()
	t.lockCount = 0
	t.mu.Unlock()
}

func (t *thread) isAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func New(store Store, services []service.Interface, mb *mutex.Builder, cfg Config, onNewWork func()) *Checker {
	if onNewWork == nil {
		onNewWork = func() {}
	}
	return &Checker{
		store:     store,
		services:  services,
		mb:        mb,
		cfg:       cfg,
		onNewWork: onNewWork,
		threads:   make(map[service.ID]*thread),
	}
}

func (c *Checker) Services() []service.Interface {
	return c.services
}

// Check makes sure every service has a running thread. A thread showing no
// progress for ThreadStale is counted as locked; after three observations it
// is disowned and a fresh one starts. The stuck call eventually finishes on
// its own and its result is discarded.
func (c *Checker) Check(ctx context.Context) {
	for _, svc := range c.services {
		c.ensureThread(ctx, svc)
	}
}

func (c *Checker) ensureThread(ctx context.Context, svc service.Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[svc.ID()]
	if ok {
		t.mu.Lock()
		stale := time.Since(t.lastActivityAt) > c.cfg.ThreadStale
		if stale {
			t.lockCount++
		}
		locked := t.lockCount >= threadLockLimit
		if locked {
			t.aborted = true
		}
		t.mu.Unlock()
		if !locked {
			return
		}
		log.Printf("checker thread %v is locked, disowning and restarting", svc.ID())
	}
	t = &thread{lastActivityAt: time.Now()}
	c.threads[svc.ID()] = t
	metrics.ActiveCheckers.Set(float64(len(c.threads)))
	go c.runThread(ctx, svc, t)
}

func (c *Checker) runThread(ctx context.Context, svc service.Interface, t *thread) {
	defer func() {
		c.mu.Lock()
		if c.threads[svc.ID()] == t {
			delete(c.threads, svc.ID())
			metrics.ActiveCheckers.Set(float64(len(c.threads)))
		}
		c.mu.Unlock()
	}()
	if c.mb != nil {
		lock := c.mb.CheckerService(string(svc.ID()))
		if err := lock.Lock(); err != nil {
			// Another replica is polling this service.
			return
		}
		defer func() {
			if _, err := lock.Unlock(); err != nil {
				log.Printf("checker: unable to release %v lock: %v", svc.ID(), err.Error())
			}
		}()
	}
	for {
		if t.isAborted() || ctx.Err() != nil {
			return
		}
		channels, err := c.store.GetChannelsForSync(ctx, string(svc.ID()), c.cfg.CheckInterval, c.cfg.ChannelsLimit)
		if err != nil {
			log.Printf("checker %v: unable to pull channels: %v", svc.ID(), err.Error())
			return
		}
		if len(channels) == 0 {
			return
		}
		if batchSize := svc.BatchSize(); len(channels) > batchSize {
			channels = channels[:batchSize]
		}
		if err := c.checkBatch(ctx, svc, channels); err != nil {
			metrics.CheckBatchErrors.Inc()
			log.Printf("checker %v: batch failed: %v", svc.ID(), err.Error())
			return
		}
		t.touch()
	}
}

func (c *Checker) checkBatch(ctx context.Context, svc service.Interface, channels []db.Channel) error {
	channelIds := make([]string, len(channels))
	rawIds := make([]string, len(channels))
	for i, channel := range channels {
		channelIds[i] = channel.Id
		_, rawIds[i] = service.UnwrapId(channel.Id)
	}
	// Lease the batch so a concurrent puller does not re-select it. Nothing
	// is committed before PutStreams, so a failed batch simply retries once
	// the lease expires.
	err := c.store.SetChannelsSyncTimeoutExpiresAt(ctx, channelIds, time.Now().Add(c.cfg.SyncLease))
	if err != nil {
		return err
	}
	result, err := svc.GetStreams(ctx, rawIds)
	if err != nil {
		return err
	}
	existing, err := c.store.GetStreamsByChannelIds(ctx, channelIds)
	if err != nil {
		return err
	}
	plan := buildPlan(batchInput{
		serviceId:    svc.ID(),
		channels:     channels,
		existing:     existing,
		result:       result,
		now:          time.Now(),
		offlineGrace: c.cfg.OfflineGrace,
	})
	deliveries, err := c.fanOut(ctx, plan.newStreams)
	if err != nil {
		return err
	}
	err = c.store.PutStreams(ctx, db.StreamsDelta{
		ChannelUpdates:    plan.channelUpdates,
		RemovedChannelIds: plan.removedChannelIds,
		Migrations:        plan.migrations,
		UpsertStreams:     plan.upserts,
		ChangedStreamIds:  plan.changedStreamIds,
		RemovedStreamIds:  plan.removedStreamIds,
		NewDeliveries:     deliveries,
	})
	if err != nil {
		return err
	}
	metrics.CheckBatches.Inc()
	for _, tr := range plan.transitions {
		if tr.kind == transitionUpdated {
			continue
		}
		metrics.StreamTransitions.WithLabelValues(string(svc.ID()), string(tr.kind)).Inc()
		if tr.kind == transitionMigrate {
			log.Printf("checker %v: migrate stream %v -> %v", svc.ID(), tr.fromId, tr.streamId)
			continue
		}
		log.Printf("checker %v: %v stream %v", svc.ID(), tr.kind, tr.streamId)
	}
	if len(deliveries) > 0 || len(plan.changedStreamIds) > 0 {
		c.onNewWork()
	}
	return nil
}

// fanOut enqueues one delivery per subscribing chat for every new stream.
// Records never notify a chat that muted them; a muted chat routes only to
// its linked broadcast channel.
func (c *Checker) fanOut(ctx context.Context, newStreams []db.Stream) ([]db.Delivery, error) {
	if len(newStreams) == 0 {
		return nil, nil
	}
	channelIds := make([]string, 0, len(newStreams))
	seen := make(map[string]bool)
	for _, s := range newStreams {
		if !seen[s.ChannelId] {
			seen[s.ChannelId] = true
			channelIds = append(channelIds, s.ChannelId)
		}
	}
	subscribers, err := c.store.GetSubscribersByChannelIds(ctx, channelIds)
	if err != nil {
		return nil, err
	}
	return buildDeliveries(newStreams, subscribers), nil
}

func buildDeliveries(newStreams []db.Stream, subscribers []db.Subscriber) []db.Delivery {
	byChannel := make(map[string][]db.Subscriber)
	for _, sub := range subscribers {
		byChannel[sub.ChannelId] = append(byChannel[sub.ChannelId], sub)
	}
	var deliveries []db.Delivery
	dedup := make(map[string]bool)
	add := func(chatId int64, streamId string) {
		key := fmt.Sprintf("%v:%v", chatId, streamId)
		if dedup[key] {
			return
		}
		dedup[key] = true
		deliveries = append(deliveries, db.Delivery{ChatId: chatId, StreamId: streamId})
	}
	for _, s := range newStreams {
		for _, sub := range byChannel[s.ChannelId] {
			if s.IsRecord && sub.IsMutedRecords {
				continue
			}
			if !sub.IsMuted {
				add(sub.ChatId, s.Id)
			}
			if sub.BroadcastId != nil {
				add(*sub.BroadcastId, s.Id)
			}
		}
	}
	return deliveries
}

// CheckChannelsExists removes channels the services no longer recognize.
// Lower-frequency idempotent sweep.
func (c *Checker) CheckChannelsExists(ctx context.Context) {
	for _, svc := range c.services {
		ids, err := c.store.GetChannelIdsByService(ctx, string(svc.ID()))
		if err != nil {
			log.Printf("exists sweep %v: unable to list channels: %v", svc.ID(), err.Error())
			continue
		}
		if len(ids) == 0 {
			continue
		}
		rawIds := make([]string, len(ids))
		for i, id := range ids {
			_, rawIds[i] = service.UnwrapId(id)
		}
		existsRaw, err := svc.GetExistsChannelIds(ctx, rawIds)
		if err != nil {
			log.Printf("exists sweep %v: %v", svc.ID(), err.Error())
			continue
		}
		exists := make(map[string]bool, len(existsRaw))
		for _, rawId := range existsRaw {
			exists[service.WrapId(svc.ID(), rawId)] = true
		}
		var gone []string
		for _, id := range ids {
			if !exists[id] {
				gone = append(gone, id)
			}
		}
		if len(gone) == 0 {
			continue
		}
		if err := c.store.DeleteChannelsByIds(ctx, gone); err != nil {
			log.Printf("exists sweep %v: unable to delete channels: %v", svc.ID(), err.Error())
			continue
		}
		log.Printf("exists sweep %v: removed %v channels", svc.ID(), len(gone))
	}
}

// Clean removes channels without subscribers.
func (c *Checker) Clean(ctx context.Context) (int, error) {
	return c.store.CleanOrphanChannels(ctx)
}

type ThreadInfo struct {
	Key string
	Age time.Duration
}

func (c *Checker) GetActiveThreads() []ThreadInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]ThreadInfo, 0, len(c.threads))
	for id, t := range c.threads {
		t.mu.Lock()
		infos = append(infos, ThreadInfo{Key: string(id), Age: time.Since(t.lastActivityAt)})
		t.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}
