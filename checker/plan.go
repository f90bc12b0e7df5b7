package checker

import (
	"time"

	"stream-notify-bot/db"
	"stream-notify-bot/service"
)

type transitionKind string

const (
	transitionNew     transitionKind = "new"
	transitionUpdated transitionKind = "updated"
	transitionChanged transitionKind = "changed"
	transitionMigrate transitionKind = "migrate"
	transitionTimeout transitionKind = "timeout"
	transitionOffline transitionKind = "offline"
	transitionRemoved transitionKind = "removed"
)

type transition struct {
	kind     transitionKind
	streamId string
	// fromId is set for migrations only.
	fromId string
}

// batchInput is one checker batch before classification: the checked
// channels, their persisted streams and the adapter result (raw ids).
type batchInput struct {
	serviceId    service.ID
	channels     []db.Channel
	existing     []db.Stream
	result       service.StreamsResult
	now          time.Time
	offlineGrace time.Duration
}

// batchPlan is the classified outcome. NewStreams is the subset of upserts
// that fans out to subscribers; everything else feeds db.StreamsDelta.
type batchPlan struct {
	channelUpdates    []db.Channel
	removedChannelIds []string
	migrations        []db.Migration
	upserts           []db.Stream
	changedStreamIds  []string
	removedStreamIds  []string
	newStreams        []db.Stream
	transitions       []transition
}

// buildPlan diffs the adapter result against persisted streams and decides a
// transition for every stream involved. Pure function, no I/O.
func buildPlan(in batchInput) batchPlan {
	var plan batchPlan

	checked := make(map[string]db.Channel, len(in.channels))
	for _, c := range in.channels {
		checked[c.Id] = c
	}
	skipped := make(map[string]bool, len(in.result.SkippedChannelIds))
	for _, rawId := range in.result.SkippedChannelIds {
		skipped[service.WrapId(in.serviceId, rawId)] = true
	}
	removed := make(map[string]bool, len(in.result.RemovedChannelIds))
	for _, rawId := range in.result.RemovedChannelIds {
		id := service.WrapId(in.serviceId, rawId)
		if _, ok := checked[id]; !ok {
			continue
		}
		removed[id] = true
		plan.removedChannelIds = append(plan.removedChannelIds, id)
	}

	existingById := make(map[string]db.Stream, len(in.existing))
	for _, s := range in.existing {
		existingById[s.Id] = s
	}

	// The adapter must not return streams for channels outside the batch;
	// drop anything that slips through, and anything for a channel that was
	// skipped or reported gone this round.
	observed := make([]db.Stream, 0, len(in.result.Streams))
	channelTitles := make(map[string]service.Stream)
	for _, s := range in.result.Streams {
		channelId := service.WrapId(in.serviceId, s.ChannelId)
		if _, ok := checked[channelId]; !ok {
			continue
		}
		if skipped[channelId] || removed[channelId] {
			continue
		}
		channelTitles[channelId] = s
		observed = append(observed, db.Stream{
			Id:        service.WrapId(in.serviceId, s.Id),
			ChannelId: channelId,
			Url:       s.Url,
			Title:     s.Title,
			Game:      s.Game,
			IsRecord:  s.IsRecord,
			Previews:  s.Previews,
			Viewers:   s.Viewers,
			UpdatedAt: in.now,
		})
	}

	observedIds := make(map[string]bool, len(observed))
	newByChannel := make(map[string][]int)
	for _, s := range observed {
		observedIds[s.Id] = true
	}
	for _, s := range observed {
		prev, ok := existingById[s.Id]
		if !ok {
			s.CreatedAt = in.now
			plan.upserts = append(plan.upserts, s)
			newByChannel[s.ChannelId] = append(newByChannel[s.ChannelId], len(plan.upserts)-1)
			continue
		}
		changed := prev.IsOffline || prev.IsTimeout || prev.Title != s.Title || prev.Game != s.Game
		plan.upserts = append(plan.upserts, s)
		if changed {
			plan.changedStreamIds = append(plan.changedStreamIds, s.Id)
			plan.transitions = append(plan.transitions, transition{kind: transitionChanged, streamId: s.Id})
		} else {
			plan.transitions = append(plan.transitions, transition{kind: transitionUpdated, streamId: s.Id})
		}
	}

	// A missing stream is a timeout when its channel was unreachable, a
	// migration when the channel re-issued an id for the same broadcast, an
	// offline mark on the first miss and a removal once the grace window is
	// spent.
	migratedTo := make(map[int]bool)
	for _, prev := range in.existing {
		if observedIds[prev.Id] {
			continue
		}
		if removed[prev.ChannelId] {
			// Channel delete cascades its streams.
			continue
		}
		if skipped[prev.ChannelId] {
			if !prev.IsTimeout {
				s := prev
				s.IsTimeout = true
				from := in.now
				s.TimeoutFrom = &from
				s.IsOffline = false
				s.OfflineFrom = nil
				s.UpdatedAt = in.now
				plan.upserts = append(plan.upserts, s)
				plan.changedStreamIds = append(plan.changedStreamIds, s.Id)
				plan.transitions = append(plan.transitions, transition{kind: transitionTimeout, streamId: s.Id})
			}
			continue
		}
		if idx, ok := findMigration(plan.upserts, newByChannel[prev.ChannelId], migratedTo, prev); ok {
			migratedTo[idx] = true
			to := plan.upserts[idx].Id
			plan.migrations = append(plan.migrations, db.Migration{FromId: prev.Id, ToId: to})
			plan.changedStreamIds = append(plan.changedStreamIds, to)
			plan.transitions = append(plan.transitions, transition{kind: transitionMigrate, streamId: to, fromId: prev.Id})
			continue
		}
		if !prev.IsOffline {
			s := prev
			s.IsOffline = true
			from := in.now
			s.OfflineFrom = &from
			s.IsTimeout = false
			s.TimeoutFrom = nil
			s.UpdatedAt = in.now
			plan.upserts = append(plan.upserts, s)
			plan.changedStreamIds = append(plan.changedStreamIds, s.Id)
			plan.transitions = append(plan.transitions, transition{kind: transitionOffline, streamId: s.Id})
			continue
		}
		if prev.OfflineFrom != nil && in.now.Sub(*prev.OfflineFrom) > in.offlineGrace {
			plan.removedStreamIds = append(plan.removedStreamIds, prev.Id)
			plan.transitions = append(plan.transitions, transition{kind: transitionRemoved, streamId: prev.Id})
		}
	}

	// Streams claimed by a migration update the renamed row instead of
	// fanning out as new.
	for idx, s := range plan.upserts {
		if migratedTo[idx] {
			continue
		}
		if isUpsertNew(idx, newByChannel, s.ChannelId) {
			plan.newStreams = append(plan.newStreams, s)
			plan.transitions = append(plan.transitions, transition{kind: transitionNew, streamId: s.Id})
		}
	}

	for _, c := range in.channels {
		if skipped[c.Id] || removed[c.Id] {
			// A skipped channel keeps its lease; its expiry retries the batch.
			continue
		}
		update := c
		update.LastSyncAt = in.now
		update.SyncTimeoutExpiresAt = in.now
		if s, ok := channelTitles[c.Id]; ok {
			if s.ChannelTitle != "" {
				update.Title = s.ChannelTitle
			}
			if s.ChannelUrl != "" {
				update.Url = s.ChannelUrl
			}
			last := in.now
			update.LastStreamAt = &last
		}
		plan.channelUpdates = append(plan.channelUpdates, update)
	}

	return plan
}

// findMigration looks for an unclaimed newly observed stream on the same
// channel whose content fingerprint matches the vanished one.
func findMigration(upserts []db.Stream, candidates []int, claimed map[int]bool, prev db.Stream) (int, bool) {
	for _, idx := range candidates {
		if claimed[idx] {
			continue
		}
		s := upserts[idx]
		if s.Title == prev.Title && s.Game == prev.Game && s.IsRecord == prev.IsRecord {
			return idx, true
		}
	}
	return 0, false
}

func isUpsertNew(idx int, newByChannel map[string][]int, channelId string) bool {
	for _, i := range newByChannel[channelId] {
		if i == idx {
			return true
		}
	}
	return false
}
