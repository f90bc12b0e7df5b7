package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// GetChatIdsForSend returns chats that have outstanding sender work: a
// pending delivery, a changed message, or a message detached from its stream
// (pending deletion). Chats inside a send cooldown are excluded.
func (d *DB) GetChatIdsForSend(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model((*Chat)(nil)).
		Column("id").
		Where("send_timeout_expires_at < ?", time.Now()).
		Where(
			"(EXISTS (SELECT 1 FROM deliveries d WHERE d.chat_id = chat.id) "+
				"OR EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = chat.id "+
				"AND (m.has_changes OR m.stream_id IS NULL)))",
		).
		Limit(limit).
		Scan(ctx, &ids)
	return ids, errors.Wrap(err, "error during querying chats for send")
}

func (d *DB) GetDeliveriesByChatId(ctx context.Context, chatId int64, limit int) ([]Delivery, error) {
	var deliveries []Delivery
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model(&deliveries).
		Where("chat_id = ?", chatId).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	return deliveries, errors.Wrap(err, "error during querying deliveries")
}

func (d *DB) DeleteDelivery(ctx context.Context, chatId int64, streamId string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewDelete().Model((*Delivery)(nil)).
		Where("chat_id = ?", chatId).
		Where("stream_id = ?", streamId).
		Exec(ctx)
	return errors.Wrap(err, "error during deleting delivery")
}

func (d *DB) PutMessage(ctx context.Context, m Message) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewInsert().Model(&m).
		On("CONFLICT (id) DO UPDATE").
		Set("text = EXCLUDED.text").
		Set("has_changes = EXCLUDED.has_changes").
		Exec(ctx)
	return errors.Wrap(err, "error during adding message")
}

// GetChangedMessagesByChatId returns messages whose stream changed since the
// message was sent or last edited, oldest first.
func (d *DB) GetChangedMessagesByChatId(ctx context.Context, chatId int64, limit int) ([]Message, error) {
	var messages []Message
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model(&messages).
		Where("chat_id = ?", chatId).
		Where("has_changes = TRUE").
		Where("stream_id IS NOT NULL").
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	return messages, errors.Wrap(err, "error during querying changed messages")
}

// GetMessagesForDeleteByChatId returns messages detached from their stream,
// oldest first.
func (d *DB) GetMessagesForDeleteByChatId(ctx context.Context, chatId int64, limit int) ([]Message, error) {
	var messages []Message
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model(&messages).
		Where("chat_id = ?", chatId).
		Where("stream_id IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	return messages, errors.Wrap(err, "error during querying messages for delete")
}

func (d *DB) SetMessageText(ctx context.Context, id string, text string) error {
	m := Message{Id: id, Text: text}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model(&m).
		Set("text = ?text").
		Set("has_changes = FALSE").
		WherePK().
		Exec(ctx)
	return errors.Wrap(err, "error during updating message text")
}

func (d *DB) ClearMessageChanges(ctx context.Context, id string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model((*Message)(nil)).
		Set("has_changes = FALSE").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) DeleteMessageById(ctx context.Context, id string) error {
	m := Message{Id: id}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewDelete().Model(&m).WherePK().Exec(ctx)
	return errors.Wrap(err, "error during deleting message")
}
