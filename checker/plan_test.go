package checker

import (
	"testing"
	"time"

	"stream-notify-bot/db"
	"stream-notify-bot/service"
)

func twitchChannel(rawId string) db.Channel {
	return db.Channel{Id: service.WrapId("twitch", rawId), Service: "twitch"}
}

func liveStream(rawId, rawChannelId, title, game string) service.Stream {
	return service.Stream{
		Id:        rawId,
		ChannelId: rawChannelId,
		Title:     title,
		Game:      game,
		Url:       "https://www.twitch.tv/" + rawChannelId,
	}
}

func countTransitions(plan batchPlan) map[transitionKind]int {
	counts := make(map[transitionKind]int)
	for _, tr := range plan.transitions {
		counts[tr.kind]++
	}
	return counts
}

// applyPlan replays a plan onto the existing rows the way the store would.
func applyPlan(existing []db.Stream, plan batchPlan) []db.Stream {
	byId := make(map[string]db.Stream)
	for _, s := range existing {
		byId[s.Id] = s
	}
	for _, m := range plan.migrations {
		s := byId[m.FromId]
		delete(byId, m.FromId)
		s.Id = m.ToId
		byId[m.ToId] = s
	}
	for _, s := range plan.upserts {
		byId[s.Id] = s
	}
	for _, id := range plan.removedStreamIds {
		delete(byId, id)
	}
	var out []db.Stream
	for _, s := range byId {
		out = append(out, s)
	}
	return out
}

func TestNewStreamClassification(t *testing.T) {
	now := time.Now()
	plan := buildPlan(batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		result:       service.StreamsResult{Streams: []service.Stream{liveStream("s1", "chan1", "A", "G")}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	})
	counts := countTransitions(plan)
	if counts[transitionNew] != 1 {
		t.Fatalf("expected 1 new transition, got %v", counts)
	}
	if len(plan.newStreams) != 1 || plan.newStreams[0].Id != service.WrapId("twitch", "s1") {
		t.Fatalf("unexpected new streams: %+v", plan.newStreams)
	}
	if len(plan.channelUpdates) != 1 {
		t.Fatalf("expected channel update, got %v", len(plan.channelUpdates))
	}
}

func TestRepeatBatchIsIdempotent(t *testing.T) {
	now := time.Now()
	in := batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		result:       service.StreamsResult{Streams: []service.Stream{liveStream("s1", "chan1", "A", "G")}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	first := buildPlan(in)
	in.existing = applyPlan(nil, first)
	in.now = now.Add(time.Minute)
	second := buildPlan(in)
	counts := countTransitions(second)
	for _, kind := range []transitionKind{transitionNew, transitionChanged, transitionOffline, transitionRemoved, transitionMigrate} {
		if counts[kind] != 0 {
			t.Errorf("second run produced %v %v transitions", counts[kind], kind)
		}
	}
	if len(second.newStreams) != 0 {
		t.Errorf("second run fanned out %v new streams", len(second.newStreams))
	}
}

func TestOfflineGraceWindow(t *testing.T) {
	now := time.Now()
	in := batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		existing:     []db.Stream{{Id: service.WrapId("twitch", "s1"), ChannelId: service.WrapId("twitch", "chan1"), Title: "A"}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	first := buildPlan(in)
	if counts := countTransitions(first); counts[transitionOffline] != 1 || counts[transitionRemoved] != 0 {
		t.Fatalf("first miss should mark offline, got %v", counts)
	}

	offline := applyPlan(in.existing, first)
	in.existing = offline
	in.now = now.Add(14 * time.Minute)
	within := buildPlan(in)
	if counts := countTransitions(within); counts[transitionRemoved] != 0 {
		t.Fatalf("stream removed before grace expired: %v", counts)
	}

	in.now = now.Add(16 * time.Minute)
	expired := buildPlan(in)
	counts := countTransitions(expired)
	if counts[transitionRemoved] != 1 {
		t.Fatalf("stream should be removed after grace, got %v", counts)
	}
	if len(expired.removedStreamIds) != 1 || expired.removedStreamIds[0] != service.WrapId("twitch", "s1") {
		t.Fatalf("unexpected removed ids: %v", expired.removedStreamIds)
	}
}

func TestMigrationOnMatchingFingerprint(t *testing.T) {
	now := time.Now()
	s1 := service.WrapId("twitch", "s1")
	s2 := service.WrapId("twitch", "s2")
	in := batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		existing:     []db.Stream{{Id: s1, ChannelId: service.WrapId("twitch", "chan1"), Title: "A", Game: "G"}},
		result:       service.StreamsResult{Streams: []service.Stream{liveStream("s2", "chan1", "A", "G")}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	plan := buildPlan(in)
	counts := countTransitions(plan)
	if counts[transitionMigrate] != 1 {
		t.Fatalf("expected a migration, got %v", counts)
	}
	if counts[transitionNew] != 0 || counts[transitionOffline] != 0 {
		t.Fatalf("migration must not double as new/offline: %v", counts)
	}
	if len(plan.migrations) != 1 || plan.migrations[0].FromId != s1 || plan.migrations[0].ToId != s2 {
		t.Fatalf("unexpected migrations: %+v", plan.migrations)
	}
	if len(plan.newStreams) != 0 {
		t.Fatalf("migrated stream must not fan out as new: %+v", plan.newStreams)
	}
}

func TestDifferentFingerprintIsOfflinePlusNew(t *testing.T) {
	now := time.Now()
	in := batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		existing:     []db.Stream{{Id: service.WrapId("twitch", "s1"), ChannelId: service.WrapId("twitch", "chan1"), Title: "A", Game: "G"}},
		result:       service.StreamsResult{Streams: []service.Stream{liveStream("s2", "chan1", "B", "G")}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	counts := countTransitions(buildPlan(in))
	if counts[transitionMigrate] != 0 || counts[transitionNew] != 1 || counts[transitionOffline] != 1 {
		t.Fatalf("expected offline+new without migration, got %v", counts)
	}
}

func TestSkippedChannelMeansTimeout(t *testing.T) {
	now := time.Now()
	in := batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		existing:     []db.Stream{{Id: service.WrapId("twitch", "s1"), ChannelId: service.WrapId("twitch", "chan1"), Title: "A"}},
		result:       service.StreamsResult{SkippedChannelIds: []string{"chan1"}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	first := buildPlan(in)
	counts := countTransitions(first)
	if counts[transitionTimeout] != 1 || counts[transitionOffline] != 0 {
		t.Fatalf("skipped channel should yield timeout, got %v", counts)
	}
	var timedOut db.Stream
	for _, s := range first.upserts {
		if s.Id == service.WrapId("twitch", "s1") {
			timedOut = s
		}
	}
	if !timedOut.IsTimeout || timedOut.IsOffline {
		t.Fatalf("expected isTimeout without isOffline, got %+v", timedOut)
	}
	// A skipped channel keeps its sync lease.
	if len(first.channelUpdates) != 0 {
		t.Fatalf("skipped channel must not be marked synced: %+v", first.channelUpdates)
	}

	// Skipped again: stays timeout, no new transition.
	in.existing = applyPlan(in.existing, first)
	second := buildPlan(in)
	if counts := countTransitions(second); counts[transitionTimeout] != 0 {
		t.Fatalf("repeated skip should not re-flag timeout: %v", counts)
	}

	// Re-observed live: reverts cleanly without passing through new.
	in.result = service.StreamsResult{Streams: []service.Stream{liveStream("s1", "chan1", "A", "")}}
	third := buildPlan(in)
	counts = countTransitions(third)
	if counts[transitionNew] != 0 || counts[transitionChanged] != 1 {
		t.Fatalf("revived stream should be changed, not new: %v", counts)
	}
	for _, s := range third.upserts {
		if s.Id == service.WrapId("twitch", "s1") && (s.IsTimeout || s.IsOffline) {
			t.Fatalf("revived stream still flagged: %+v", s)
		}
	}
}

func TestTimeoutAfterOfflineClearsOfflineMark(t *testing.T) {
	now := time.Now()
	offlineFrom := now.Add(-5 * time.Minute)
	in := batchInput{
		serviceId: "twitch",
		channels:  []db.Channel{twitchChannel("chan1")},
		existing: []db.Stream{{
			Id:          service.WrapId("twitch", "s1"),
			ChannelId:   service.WrapId("twitch", "chan1"),
			Title:       "A",
			IsOffline:   true,
			OfflineFrom: &offlineFrom,
		}},
		result:       service.StreamsResult{SkippedChannelIds: []string{"chan1"}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	plan := buildPlan(in)
	counts := countTransitions(plan)
	if counts[transitionTimeout] != 1 || counts[transitionRemoved] != 0 {
		t.Fatalf("skipped channel should flip offline stream to timeout, got %v", counts)
	}
	var timedOut db.Stream
	for _, s := range plan.upserts {
		if s.Id == service.WrapId("twitch", "s1") {
			timedOut = s
		}
	}
	if !timedOut.IsTimeout || timedOut.TimeoutFrom == nil {
		t.Fatalf("expected timeout mark, got %+v", timedOut)
	}
	if timedOut.IsOffline || timedOut.OfflineFrom != nil {
		t.Fatalf("offline mark must not survive the timeout flip: %+v", timedOut)
	}
}

func TestRemovedChannelCascades(t *testing.T) {
	now := time.Now()
	in := batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		existing:     []db.Stream{{Id: service.WrapId("twitch", "s1"), ChannelId: service.WrapId("twitch", "chan1")}},
		result:       service.StreamsResult{RemovedChannelIds: []string{"chan1"}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	plan := buildPlan(in)
	if len(plan.removedChannelIds) != 1 || plan.removedChannelIds[0] != service.WrapId("twitch", "chan1") {
		t.Fatalf("unexpected removed channels: %v", plan.removedChannelIds)
	}
	if counts := countTransitions(plan); counts[transitionOffline] != 0 || counts[transitionRemoved] != 0 {
		t.Fatalf("cascaded streams must not be classified: %v", counts)
	}
}

func TestForeignStreamsAreDiscarded(t *testing.T) {
	now := time.Now()
	in := batchInput{
		serviceId:    "twitch",
		channels:     []db.Channel{twitchChannel("chan1")},
		result:       service.StreamsResult{Streams: []service.Stream{liveStream("s9", "other", "A", "G")}},
		now:          now,
		offlineGrace: 15 * time.Minute,
	}
	plan := buildPlan(in)
	if len(plan.upserts) != 0 {
		t.Fatalf("stream for unchecked channel must be dropped: %+v", plan.upserts)
	}
}

func TestBuildDeliveriesMuteSemantics(t *testing.T) {
	streamId := service.WrapId("twitch", "s1")
	recordId := service.WrapId("twitch", "s2")
	channelId := service.WrapId("twitch", "chan1")
	streams := []db.Stream{
		{Id: streamId, ChannelId: channelId},
		{Id: recordId, ChannelId: channelId, IsRecord: true},
	}
	broadcast := int64(200)
	subscribers := []db.Subscriber{
		{ChatId: 1, ChannelId: channelId},
		{ChatId: 2, ChannelId: channelId, IsMutedRecords: true},
		{ChatId: 3, ChannelId: channelId, IsMuted: true, BroadcastId: &broadcast},
	}
	deliveries := buildDeliveries(streams, subscribers)
	got := make(map[int64]map[string]bool)
	for _, d := range deliveries {
		if got[d.ChatId] == nil {
			got[d.ChatId] = make(map[string]bool)
		}
		got[d.ChatId][d.StreamId] = true
	}
	if !got[1][streamId] || !got[1][recordId] {
		t.Errorf("chat 1 should get both streams: %v", got[1])
	}
	if !got[2][streamId] || got[2][recordId] {
		t.Errorf("record-muted chat should skip records only: %v", got[2])
	}
	if len(got[3]) != 0 {
		t.Errorf("muted chat must not be notified directly: %v", got[3])
	}
	if !got[broadcast][streamId] || !got[broadcast][recordId] {
		t.Errorf("broadcast channel of muted chat should get both: %v", got[broadcast])
	}
}
