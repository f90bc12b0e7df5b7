package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

var (
	ErrNotFound    = errors.New("entity not found")
	ErrChatIdTaken = errors.New("target chat id already exists")
)

type DB struct {
	db      *bun.DB
	timeout time.Duration
}

const defaultTimeout = time.Minute

func New(address, user, password, database string) *DB {
	connector := pgdriver.NewConnector(
		pgdriver.WithInsecure(true),
		pgdriver.WithAddr(address),
		pgdriver.WithUser(user),
		pgdriver.WithPassword(password),
		pgdriver.WithDatabase(database),
	)
	sqldb := sql.OpenDB(connector)
	db := bun.NewDB(sqldb, pgdialect.New())
	return &DB{db: db, timeout: defaultTimeout}
}

func (d *DB) SetTimeout(duration time.Duration) {
	d.timeout = duration
}

func (d *DB) EnableDebug() {
	d.db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
}

// Init creates the schema. Stream renames propagate to deliveries and
// messages (ON UPDATE CASCADE); removing a stream drops its deliveries but
// only detaches its messages, which marks them for auto-clean.
func (d *DB) Init(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewCreateTable().Model((*Chat)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create chats table")
	}
	_, err = d.db.NewCreateTable().Model((*Channel)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create channels table")
	}
	_, err = d.db.NewCreateTable().Model((*Stream)(nil)).IfNotExists().
		ForeignKey(`("channel_id") REFERENCES "channels" ("id") ON DELETE CASCADE ON UPDATE CASCADE`).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create streams table")
	}
	_, err = d.db.NewCreateTable().Model((*Subscription)(nil)).IfNotExists().
		ForeignKey(`("chat_id") REFERENCES "chats" ("id") ON DELETE CASCADE ON UPDATE CASCADE`).
		ForeignKey(`("channel_id") REFERENCES "channels" ("id") ON DELETE CASCADE ON UPDATE CASCADE`).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create subscriptions table")
	}
	_, err = d.db.NewCreateTable().Model((*Delivery)(nil)).IfNotExists().
		ForeignKey(`("chat_id") REFERENCES "chats" ("id") ON DELETE CASCADE ON UPDATE CASCADE`).
		ForeignKey(`("stream_id") REFERENCES "streams" ("id") ON DELETE CASCADE ON UPDATE CASCADE`).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create deliveries table")
	}
	_, err = d.db.NewCreateTable().Model((*Message)(nil)).IfNotExists().
		ForeignKey(`("chat_id") REFERENCES "chats" ("id") ON DELETE CASCADE ON UPDATE CASCADE`).
		ForeignKey(`("stream_id") REFERENCES "streams" ("id") ON DELETE SET NULL ON UPDATE CASCADE`).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create messages table")
	}
	_, err = d.db.NewCreateIndex().Model((*Subscription)(nil)).IfNotExists().
		Index("subscriptions_chat_channel_idx").
		Unique().
		Column("chat_id", "channel_id").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create subscriptions index")
	}
	_, err = d.db.NewCreateIndex().Model((*Delivery)(nil)).IfNotExists().
		Index("deliveries_chat_stream_idx").
		Unique().
		Column("chat_id", "stream_id").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot create deliveries index")
	}
	return nil
}

func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func (d *DB) GetChat(ctx context.Context, id int64) (Chat, error) {
	c := Chat{Id: id}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().Model(&c).WherePK().Scan(ctx)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, errors.Wrap(err, "error during querying chat")
	}
	return c, nil
}

func (d *DB) EnsureChat(ctx context.Context, id int64) (Chat, error) {
	c, err := d.GetChat(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Chat{}, err
	}
	c = Chat{Id: id, IsEnabledAutoClean: true}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err = d.db.NewInsert().Model(&c).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	if err != nil {
		return Chat{}, errors.Wrap(err, "error during adding chat")
	}
	return c, nil
}

func (d *DB) SetChatOptions(ctx context.Context, c Chat) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model(&c).
		Column("is_hide_preview", "is_muted_records", "is_enabled_auto_clean", "is_muted").
		WherePK().
		Exec(ctx)
	return errors.Wrap(err, "error during updating chat options")
}

// LinkChatChannel routes a chat's notifications also into a broadcast
// channel. The channel gets its own Chat row (with the owning chat as
// parent) so deliveries and messages can attach to it.
func (d *DB) LinkChatChannel(ctx context.Context, chatId, broadcastId int64) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	target := Chat{Id: broadcastId, ParentChatId: &chatId, IsEnabledAutoClean: true}
	_, err := d.db.NewInsert().Model(&target).
		On("CONFLICT (id) DO UPDATE").
		Set("parent_chat_id = EXCLUDED.parent_chat_id").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "error during adding broadcast chat")
	}
	c := Chat{Id: chatId, ChannelId: &broadcastId}
	_, err = d.db.NewUpdate().Model(&c).Column("channel_id").WherePK().Exec(ctx)
	return errors.Wrap(err, "error during linking chat to channel")
}

func (d *DB) UnlinkChatChannel(ctx context.Context, chatId int64) error {
	c := Chat{Id: chatId}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model(&c).Column("channel_id").WherePK().Exec(ctx)
	return errors.Wrap(err, "error during unlinking chat channel")
}

func (d *DB) SetChatHidePreview(ctx context.Context, chatId int64, hide bool) error {
	c := Chat{Id: chatId, IsHidePreview: hide}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model(&c).Column("is_hide_preview").WherePK().Exec(ctx)
	return err
}

func (d *DB) SetChatSendTimeoutExpiresAt(ctx context.Context, chatId int64, expiresAt time.Time) error {
	c := Chat{Id: chatId, SendTimeoutExpiresAt: expiresAt}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model(&c).Column("send_timeout_expires_at").WherePK().Exec(ctx)
	return err
}

// ChangeChatId renames a chat after a Telegram-side migration. Linked rows
// follow via ON UPDATE CASCADE. ErrChatIdTaken means the new id is already
// a known chat; the caller treats the old chat as blocked.
func (d *DB) ChangeChatId(ctx context.Context, oldId, newId int64) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewUpdate().Model((*Chat)(nil)).
		Set("id = ?", newId).
		Where("id = ?", oldId).
		Exec(ctx)
	if isUniqueViolation(err) {
		return ErrChatIdTaken
	}
	return errors.Wrapf(err, "error during changing chat id %v -> %v", oldId, newId)
}

func (d *DB) DeleteChatById(ctx context.Context, id int64) error {
	c := Chat{Id: id}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewDelete().Model(&c).WherePK().Exec(ctx)
	return errors.Wrapf(err, "error during deleting chat %v", id)
}

func (d *DB) GetChannel(ctx context.Context, id string) (Channel, error) {
	c := Channel{Id: id}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().Model(&c).WherePK().Scan(ctx)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, errors.Wrap(err, "error during querying channel")
	}
	return c, nil
}

func (d *DB) ChannelExists(ctx context.Context, id string) (bool, error) {
	c := Channel{Id: id}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.db.NewSelect().Model(&c).WherePK().Exists(ctx)
}

func (d *DB) AddChannel(ctx context.Context, c Channel) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewInsert().Model(&c).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	return errors.Wrap(err, "error during adding channel")
}

func (d *DB) AddSubscription(ctx context.Context, chatId int64, channelId string) error {
	sub := Subscription{ChatId: chatId, ChannelId: channelId}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewInsert().Model(&sub).
		On("CONFLICT (chat_id, channel_id) DO NOTHING").
		Exec(ctx)
	return errors.Wrap(err, "error during adding subscription")
}

func (d *DB) RemoveSubscription(ctx context.Context, chatId int64, channelId string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewDelete().Model((*Subscription)(nil)).
		Where("chat_id = ?", chatId).
		Where("channel_id = ?", channelId).
		Exec(ctx)
	return err
}

func (d *DB) RemoveAllSubscriptions(ctx context.Context, chatId int64) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	_, err := d.db.NewDelete().Model((*Subscription)(nil)).
		Where("chat_id = ?", chatId).
		Exec(ctx)
	return err
}

func (d *DB) GetSubscribedChannels(ctx context.Context, chatId int64) ([]Channel, error) {
	var channels []Channel
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model(&channels).
		Join("JOIN subscriptions AS s ON s.channel_id = channel.id").
		Where("s.chat_id = ?", chatId).
		Order("channel.title ASC").
		Scan(ctx)
	return channels, err
}

// GetSubscribersByChannelIds returns the fan-out rows for the given channels:
// each subscribing chat with the flags that drive mute routing.
func (d *DB) GetSubscribersByChannelIds(ctx context.Context, channelIds []string) ([]Subscriber, error) {
	if len(channelIds) == 0 {
		return nil, nil
	}
	var subscribers []Subscriber
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model((*Subscription)(nil)).
		ColumnExpr("subscription.chat_id AS chat_id").
		ColumnExpr("subscription.channel_id AS channel_id").
		ColumnExpr("c.is_muted AS is_muted").
		ColumnExpr("c.is_muted_records AS is_muted_records").
		ColumnExpr("c.channel_id AS broadcast_id").
		Join("JOIN chats AS c ON c.id = subscription.chat_id").
		Where("subscription.channel_id IN (?)", bun.In(channelIds)).
		Scan(ctx, &subscribers)
	return subscribers, errors.Wrap(err, "error during querying subscribers")
}

// CleanOrphanChannels removes channels nobody subscribes to, cascading their
// streams. Returns the number of removed channels.
func (d *DB) CleanOrphanChannels(ctx context.Context) (int, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	res, err := d.db.NewDelete().Model((*Channel)(nil)).
		Where("NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.channel_id = channel.id)").
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "error during cleaning orphan channels")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}

func isDeadlock(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		code := pgErr.Field('C')
		return code == "40P01" || code == "40001"
	}
	return false
}
