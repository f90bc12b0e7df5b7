package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

const (
	putStreamsAttempts = 3
	deadlockBackoff    = 250 * time.Millisecond
)

// GetChannelsForSync returns up to limit channels of one service that are
// due for a poll: sync lease expired and last sync older than the check
// interval, oldest first.
func (d *DB) GetChannelsForSync(ctx context.Context, serviceId string, interval time.Duration, limit int) ([]Channel, error) {
	var channels []Channel
	now := time.Now()
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model(&channels).
		Where("channel.service = ?", serviceId).
		Where("channel.sync_timeout_expires_at < ?", now).
		Where("channel.last_sync_at < ?", now.Add(-interval)).
		Order("channel.last_sync_at ASC").
		Limit(limit).
		Scan(ctx)
	return channels, errors.Wrap(err, "error during querying channels for sync")
}

// SetChannelsSyncTimeoutExpiresAt leases the channels to the current batch so
// a concurrent puller does not re-select them.
func (d *DB) SetChannelsSyncTimeoutExpiresAt(ctx context.Context, ids []string, expiresAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model((*Channel)(nil)).
		Set("sync_timeout_expires_at = ?", expiresAt).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return errors.Wrap(err, "error during leasing channels")
}

func (d *DB) GetStreamsByChannelIds(ctx context.Context, channelIds []string) ([]Stream, error) {
	if len(channelIds) == 0 {
		return nil, nil
	}
	var streams []Stream
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model(&streams).
		Where("channel_id IN (?)", bun.In(channelIds)).
		Scan(ctx)
	return streams, errors.Wrap(err, "error during querying streams")
}

func (d *DB) GetStreamById(ctx context.Context, id string) (Stream, error) {
	s := Stream{Id: id}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().Model(&s).WherePK().Scan(ctx)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return Stream{}, ErrNotFound
	}
	if err != nil {
		return Stream{}, errors.Wrap(err, "error during querying stream")
	}
	return s, nil
}

func (d *DB) SetStreamTelegramPreviewFileId(ctx context.Context, id string, fileId string) error {
	s := Stream{Id: id, TelegramPreviewFileId: &fileId}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model(&s).Column("telegram_preview_file_id").WherePK().Exec(ctx)
	return err
}

func (d *DB) GetChannelIdsByService(ctx context.Context, serviceId string) ([]string, error) {
	var ids []string
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model((*Channel)(nil)).
		Column("id").
		Where("service = ?", serviceId).
		Scan(ctx, &ids)
	return ids, err
}

func (d *DB) DeleteChannelsByIds(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewDelete().Model((*Channel)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return errors.Wrap(err, "error during deleting channels")
}

// Migration renames a stream row to a freshly issued platform id while
// keeping its subscriber links and message history.
type Migration struct {
	FromId string
	ToId   string
}

// StreamsDelta is one checker batch: everything it decided, committed as a
// single transaction.
type StreamsDelta struct {
	ChannelUpdates    []Channel
	RemovedChannelIds []string
	Migrations        []Migration
	UpsertStreams     []Stream
	ChangedStreamIds  []string
	RemovedStreamIds  []string
	NewDeliveries     []Delivery
}

// PutStreams commits a checker batch atomically. The transaction is retried
// on a detected deadlock with a short backoff before the error surfaces.
func (d *DB) PutStreams(ctx context.Context, delta StreamsDelta) error {
	var err error
	for attempt := 1; attempt <= putStreamsAttempts; attempt++ {
		err = d.putStreamsTx(ctx, delta)
		if err == nil || !isDeadlock(err) {
			return err
		}
		log.Printf("put streams deadlock, attempt %v/%v: %v", attempt, putStreamsAttempts, err.Error())
		time.Sleep(deadlockBackoff)
	}
	return err
}

func (d *DB) putStreamsTx(ctx context.Context, delta StreamsDelta) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, c := range delta.ChannelUpdates {
			_, err := tx.NewUpdate().Model(&c).
				Column("title", "url", "last_stream_at", "last_sync_at", "sync_timeout_expires_at").
				WherePK().
				Exec(ctx)
			if err != nil {
				return errors.Wrapf(err, "cannot update channel %v", c.Id)
			}
		}
		if len(delta.RemovedChannelIds) > 0 {
			_, err := tx.NewDelete().Model((*Channel)(nil)).
				Where("id IN (?)", bun.In(delta.RemovedChannelIds)).
				Exec(ctx)
			if err != nil {
				return errors.Wrap(err, "cannot delete removed channels")
			}
		}
		for _, m := range delta.Migrations {
			_, err := tx.NewUpdate().Model((*Stream)(nil)).
				Set("id = ?", m.ToId).
				Where("id = ?", m.FromId).
				Exec(ctx)
			if err != nil {
				return errors.Wrapf(err, "cannot migrate stream %v -> %v", m.FromId, m.ToId)
			}
		}
		if len(delta.UpsertStreams) > 0 {
			streams := delta.UpsertStreams
			_, err := tx.NewInsert().Model(&streams).
				On("CONFLICT (id) DO UPDATE").
				Set("channel_id = EXCLUDED.channel_id").
				Set("url = EXCLUDED.url").
				Set("title = EXCLUDED.title").
				Set("game = EXCLUDED.game").
				Set("is_record = EXCLUDED.is_record").
				Set("previews = EXCLUDED.previews").
				Set("viewers = EXCLUDED.viewers").
				Set("is_offline = EXCLUDED.is_offline").
				Set("offline_from = EXCLUDED.offline_from").
				Set("is_timeout = EXCLUDED.is_timeout").
				Set("timeout_from = EXCLUDED.timeout_from").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return errors.Wrap(err, "cannot upsert streams")
			}
		}
		if len(delta.ChangedStreamIds) > 0 {
			_, err := tx.NewUpdate().Model((*Message)(nil)).
				Set("has_changes = TRUE").
				Where("stream_id IN (?)", bun.In(delta.ChangedStreamIds)).
				Exec(ctx)
			if err != nil {
				return errors.Wrap(err, "cannot flag changed messages")
			}
		}
		if len(delta.RemovedStreamIds) > 0 {
			_, err := tx.NewDelete().Model((*Stream)(nil)).
				Where("id IN (?)", bun.In(delta.RemovedStreamIds)).
				Exec(ctx)
			if err != nil {
				return errors.Wrap(err, "cannot delete removed streams")
			}
		}
		if len(delta.NewDeliveries) > 0 {
			deliveries := delta.NewDeliveries
			_, err := tx.NewInsert().Model(&deliveries).
				On("CONFLICT (chat_id, stream_id) DO NOTHING").
				Exec(ctx)
			if err != nil {
				return errors.Wrap(err, "cannot enqueue deliveries")
			}
		}
		return nil
	})
}
