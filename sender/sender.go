// Package sender discovers chats with outstanding notification work and
// drains them through a bounded pool of per-chat state machines.
package sender

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"

	"stream-notify-bot/db"
	"stream-notify-bot/metrics"
	"stream-notify-bot/mutex"
	"stream-notify-bot/service"
)

type Config struct {
	ThreadLimit     int
	Batch           int
	DiscoverLimit   int
	SendTimeout     time.Duration
	AutoCleanMaxAge time.Duration
	ThreadStale     time.Duration
}

const workerLockLimit = 3

type Sender struct {
	store    Store
	tg       Telegram
	services map[service.ID]service.Interface
	mb       *mutex.Builder
	cfg      Config

	trigger chan struct{}

	mu      sync.Mutex
	active  map[int64]*chatWorker
	pending []*chatWorker
	runners int
	// lost counts runner slots wedged inside a Telegram call whose worker
	// was disowned. ensureRunners spawns past them so the pool keeps its
	// effective capacity.
	lost int
}

type chatWorker struct {
	chatId int64
	cs     *ChatSender
	lock   *redsync.Mutex

	mu             sync.Mutex
	lastActivityAt time.Time
	lockCount      int
	aborted        bool
	inFlight       bool
	slotFreed      bool
}

func New(store Store, tg Telegram, services []service.Interface, mb *mutex.Builder, cfg Config) *Sender {
	if cfg.DiscoverLimit == 0 {
		cfg.DiscoverLimit = 100
	}
	byId := make(map[service.ID]service.Interface, len(services))
	for _, svc := range services {
		byId[svc.ID()] = svc
	}
	return &Sender{
		store:    store,
		tg:       tg,
		services: byId,
		mb:       mb,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
		active:   make(map[int64]*chatWorker),
	}
}

// Trigger asks for an early Check; the checker debounces new-work signals
// through the buffered channel.
func (s *Sender) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run invokes Check on the interval and on every trigger until the context
// ends.
func (s *Sender) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.Check(ctx)
	}
}

// Check discovers chats with pending deliveries, changed messages or
// messages awaiting auto-clean, queues a worker per chat and makes sure up
// to ThreadLimit runners are draining the queue. A worker showing no
// progress for ThreadStale is counted; after three observations it is
// disowned so the chat can be rediscovered, and the runner slot it holds
// is written off so a replacement starts.
func (s *Sender) Check(ctx context.Context) {
	s.sweepStale()
	chatIds, err := s.store.GetChatIdsForSend(ctx, s.cfg.DiscoverLimit)
	if err != nil {
		log.Printf("sender: unable to discover chats: %v", err.Error())
		return
	}
	for _, chatId := range chatIds {
		s.mu.Lock()
		_, busy := s.active[chatId]
		s.mu.Unlock()
		if busy {
			continue
		}
		chat, err := s.store.GetChat(ctx, chatId)
		if err != nil {
			log.Printf("sender: unable to load chat %v: %v", chatId, err.Error())
			continue
		}
		worker := &chatWorker{
			chatId:         chatId,
			cs:             NewChatSender(s.store, s.tg, s.services, s.cfg, chat),
			lastActivityAt: time.Now(),
		}
		if s.mb != nil {
			lock := s.mb.SenderChat(chatId)
			if err := lock.Lock(); err != nil {
				// Another replica is draining this chat.
				continue
			}
			worker.lock = lock
		}
		s.mu.Lock()
		s.active[chatId] = worker
		s.pending = append(s.pending, worker)
		metrics.ActiveChatSenders.Set(float64(len(s.active)))
		s.mu.Unlock()
	}
	s.ensureRunners(ctx)
}

func (s *Sender) sweepStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatId, worker := range s.active {
		worker.mu.Lock()
		stale := time.Since(worker.lastActivityAt) > s.cfg.ThreadStale
		if stale {
			worker.lockCount++
		}
		disown := worker.lockCount >= workerLockLimit
		if disown {
			worker.aborted = true
			if worker.inFlight && !worker.slotFreed {
				// The runner is wedged inside a Telegram call. Write off its
				// slot so ensureRunners starts a replacement.
				worker.slotFreed = true
				s.lost++
			}
		}
		worker.mu.Unlock()
		if disown {
			log.Printf("sender: chat %v worker is locked, disowning", chatId)
			delete(s.active, chatId)
		}
	}
	metrics.ActiveChatSenders.Set(float64(len(s.active)))
}

func (s *Sender) ensureRunners(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	need := len(s.pending)
	for s.runners-s.lost < s.cfg.ThreadLimit && need > 0 {
		s.runners++
		need--
		go s.runner(ctx)
	}
}

// runner round-robins Next calls across queued workers: one unit of work,
// then back to the queue unless the chat is drained.
func (s *Sender) runner(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.runners--
		s.mu.Unlock()
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		worker := s.pop()
		if worker == nil {
			return
		}
		// Flag the worker in flight under its own lock so sweepStale either
		// sees the flag or aborts it before Next starts.
		worker.mu.Lock()
		if worker.aborted {
			worker.mu.Unlock()
			s.retire(worker)
			continue
		}
		worker.inFlight = true
		worker.mu.Unlock()
		done, err := worker.cs.Next(ctx)
		worker.mu.Lock()
		worker.inFlight = false
		worker.lastActivityAt = time.Now()
		worker.lockCount = 0
		freed := worker.slotFreed
		worker.mu.Unlock()
		if freed {
			// A replacement took over this slot while the call hung. Exit so
			// the pool does not run above its limit.
			s.mu.Lock()
			s.lost--
			s.mu.Unlock()
			s.retire(worker)
			return
		}
		if err != nil {
			s.logWorkerStop(worker.chatId, err)
			s.retire(worker)
			continue
		}
		if done {
			s.retire(worker)
			continue
		}
		s.mu.Lock()
		s.pending = append(s.pending, worker)
		s.mu.Unlock()
	}
}

func (s *Sender) pop() *chatWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	worker := s.pending[0]
	s.pending = s.pending[1:]
	return worker
}

func (s *Sender) retire(worker *chatWorker) {
	s.mu.Lock()
	if s.active[worker.chatId] == worker {
		delete(s.active, worker.chatId)
	}
	metrics.ActiveChatSenders.Set(float64(len(s.active)))
	s.mu.Unlock()
	if worker.lock != nil {
		if _, err := worker.lock.Unlock(); err != nil {
			log.Printf("sender: unable to release chat %v lock: %v", worker.chatId, err.Error())
		}
	}
}

func (s *Sender) logWorkerStop(chatId int64, err error) {
	switch {
	case err == ErrChatDeleted || err == ErrChatMigrated || err == ErrNoPhotoRights:
		log.Printf("sender: chat %v stopped: %v", chatId, err.Error())
	default:
		log.Printf("sender: chat %v failed, cooling down: %v", chatId, err.Error())
	}
}

type ThreadInfo struct {
	ChatId int64
	Age    time.Duration
}

func (s *Sender) GetActiveThreads() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ThreadInfo, 0, len(s.active))
	for chatId, worker := range s.active {
		worker.mu.Lock()
		infos = append(infos, ThreadInfo{ChatId: chatId, Age: time.Since(worker.lastActivityAt)})
		worker.mu.Unlock()
	}
	return infos
}

var _ Store = (*db.DB)(nil)
