package db

import "time"

type Chat struct {
	Id int64 `bun:",pk"`
	// ChannelId links the chat to another Chat row used as its broadcast
	// target (a Telegram channel owned by this chat).
	ChannelId            *int64
	ParentChatId         *int64
	IsHidePreview        bool
	IsMutedRecords       bool
	IsEnabledAutoClean   bool
	IsMuted              bool
	SendTimeoutExpiresAt time.Time
	CreatedAt            time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type Channel struct {
	Id                   string `bun:",pk"`
	Service              string
	Title                string
	Url                  string
	LastStreamAt         *time.Time
	LastSyncAt           time.Time
	SyncTimeoutExpiresAt time.Time
	CreatedAt            time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type Stream struct {
	Id                    string `bun:",pk"`
	ChannelId             string
	Url                   string
	Title                 string
	Game                  string
	IsRecord              bool
	Previews              []string `bun:",array"`
	Viewers               int
	TelegramPreviewFileId *string
	IsOffline             bool
	OfflineFrom           *time.Time
	IsTimeout             bool
	TimeoutFrom           *time.Time
	CreatedAt             time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time
}

type Subscription struct {
	Id        int64 `bun:",pk,autoincrement"`
	ChatId    int64
	ChannelId string
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Delivery records that a chat owes a notification for a stream. Rows are
// consumed by the sender once the message goes out.
type Delivery struct {
	Id        int64 `bun:",pk,autoincrement"`
	ChatId    int64
	StreamId  string
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

const (
	MessageTypeText  = "text"
	MessageTypePhoto = "photo"
)

// Message is a delivered notification. StreamId == nil marks the message as
// pending deletion (the stream row was removed).
type Message struct {
	Id         string `bun:",pk"`
	ChatId     int64
	StreamId   *string
	Type       string
	Text       string
	HasChanges bool
	CreatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Subscriber is a fan-out row: one subscribing chat for one channel, with the
// chat flags the checker needs to apply mute routing.
type Subscriber struct {
	ChatId         int64  `bun:"chat_id"`
	ChannelId      string `bun:"channel_id"`
	IsMuted        bool   `bun:"is_muted"`
	IsMutedRecords bool   `bun:"is_muted_records"`
	BroadcastId    *int64 `bun:"broadcast_id"`
}
