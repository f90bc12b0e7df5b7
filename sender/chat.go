package sender

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"stream-notify-bot/db"
	"stream-notify-bot/metrics"
	"stream-notify-bot/parallel"
	"stream-notify-bot/service"
)

// Store is the subset of db operations the sender drives.
type Store interface {
	GetChatIdsForSend(ctx context.Context, limit int) ([]int64, error)
	GetChat(ctx context.Context, id int64) (db.Chat, error)
	GetDeliveriesByChatId(ctx context.Context, chatId int64, limit int) ([]db.Delivery, error)
	DeleteDelivery(ctx context.Context, chatId int64, streamId string) error
	GetStreamById(ctx context.Context, id string) (db.Stream, error)
	SetStreamTelegramPreviewFileId(ctx context.Context, id string, fileId string) error
	PutMessage(ctx context.Context, m db.Message) error
	GetChangedMessagesByChatId(ctx context.Context, chatId int64, limit int) ([]db.Message, error)
	GetMessagesForDeleteByChatId(ctx context.Context, chatId int64, limit int) ([]db.Message, error)
	SetMessageText(ctx context.Context, id string, text string) error
	ClearMessageChanges(ctx context.Context, id string) error
	DeleteMessageById(ctx context.Context, id string) error
	DeleteChatById(ctx context.Context, id int64) error
	ChangeChatId(ctx context.Context, oldId, newId int64) error
	SetChatHidePreview(ctx context.Context, chatId int64, hide bool) error
	SetChatSendTimeoutExpiresAt(ctx context.Context, chatId int64, expiresAt time.Time) error
}

const (
	phaseSend = iota
	phaseUpdate
	phaseDelete
	phaseCount
)

const previewHeadLimit = 4

var headClient = &http.Client{Timeout: time.Second * 10}

// ChatSender drains one chat's outstanding work: pending deliveries, changed
// messages, messages awaiting auto-clean. One phase advances per Next call.
type ChatSender struct {
	store    Store
	tg       Telegram
	services map[service.ID]service.Interface
	cfg      Config
	chat     db.Chat
	cursor   int
}

func NewChatSender(store Store, tg Telegram, services map[service.ID]service.Interface, cfg Config, chat db.Chat) *ChatSender {
	return &ChatSender{
		store:    store,
		tg:       tg,
		services: services,
		cfg:      cfg,
		chat:     chat,
	}
}

// Next runs one unit of work. It reports done only once a full cycle over
// send, update and delete finds every phase empty; the cursor ensures a
// phase that produced work is not the one probed first forever.
func (c *ChatSender) Next(ctx context.Context) (bool, error) {
	for i := 0; i < phaseCount; i++ {
		phase := (c.cursor + i) % phaseCount
		var (
			worked bool
			err    error
		)
		switch phase {
		case phaseSend:
			worked, err = c.send(ctx)
		case phaseUpdate:
			worked, err = c.update(ctx)
		case phaseDelete:
			worked, err = c.delete(ctx)
		}
		if err != nil {
			return true, err
		}
		if worked {
			c.cursor = (phase + 1) % phaseCount
			return false, nil
		}
	}
	return true, nil
}

func (c *ChatSender) send(ctx context.Context) (bool, error) {
	deliveries, err := c.store.GetDeliveriesByChatId(ctx, c.chat.Id, c.cfg.Batch)
	if err != nil {
		return false, err
	}
	if len(deliveries) == 0 {
		return false, nil
	}
	for _, delivery := range deliveries {
		stream, err := c.store.GetStreamById(ctx, delivery.StreamId)
		if errors.Is(err, db.ErrNotFound) {
			// The stream went away between enqueue and delivery.
			if err := c.store.DeleteDelivery(ctx, c.chat.Id, delivery.StreamId); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		if err := c.sendStream(ctx, stream); err != nil {
			return true, c.onSendMessageError(ctx, err)
		}
	}
	return true, nil
}

func (c *ChatSender) sendStream(ctx context.Context, stream db.Stream) error {
	text := streamText(stream)
	messageId, messageType, fileId, err := c.deliver(ctx, stream, text)
	if err != nil {
		return err
	}
	if fileId != "" && stream.TelegramPreviewFileId == nil {
		if err := c.store.SetStreamTelegramPreviewFileId(ctx, stream.Id, fileId); err != nil {
			log.Printf("chat %v: unable to cache preview file id for stream %v: %v", c.chat.Id, stream.Id, err.Error())
		}
	}
	if err := c.store.DeleteDelivery(ctx, c.chat.Id, stream.Id); err != nil {
		return err
	}
	metrics.MessagesSent.Inc()
	streamId := stream.Id
	return c.store.PutMessage(ctx, db.Message{
		Id:       messageId,
		ChatId:   c.chat.Id,
		StreamId: &streamId,
		Type:     messageType,
		Text:     text,
	})
}

// deliver picks the message shape: cached photo, fresh photo by URL with a
// text fallback, or plain text.
func (c *ChatSender) deliver(ctx context.Context, stream db.Stream, text string) (messageId, messageType, fileId string, err error) {
	if c.chat.IsHidePreview || len(stream.Previews) == 0 {
		messageId, err = c.tg.SendText(c.chat.Id, text)
		return messageId, db.MessageTypeText, "", err
	}
	svc := c.services[serviceOf(stream.Id)]
	if stream.TelegramPreviewFileId != nil && (svc == nil || !svc.NoCachePreview()) {
		messageId, err = c.tg.SendPhotoByFileId(c.chat.Id, *stream.TelegramPreviewFileId, text)
		if err == nil {
			return messageId, db.MessageTypePhoto, "", nil
		}
		if isBlockedError(err) || isMigratedError(err) || isNoPhotoRightsError(err) {
			return "", "", "", err
		}
		log.Printf("chat %v: cached preview send failed, falling back to url: %v", c.chat.Id, err.Error())
	}
	previewURL := pickPreview(ctx, stream.Previews, svc)
	messageId, fileId, err = c.tg.SendPhoto(c.chat.Id, previewURL, text)
	if err == nil {
		return messageId, db.MessageTypePhoto, fileId, nil
	}
	if isBlockedError(err) || isMigratedError(err) || isNoPhotoRightsError(err) {
		return "", "", "", err
	}
	log.Printf("chat %v: photo send failed, falling back to text: %v", c.chat.Id, err.Error())
	messageId, err = c.tg.SendText(c.chat.Id, text)
	return messageId, db.MessageTypeText, "", err
}

// pickPreview returns the first preview candidate answering 200 to a HEAD
// probe, or the first candidate when the platform's CDN rejects HEAD.
func pickPreview(ctx context.Context, previews []string, svc service.Interface) string {
	if svc != nil && svc.StreamPreviewHeadUnsupported() {
		return previews[0]
	}
	statuses := make([]int, len(previews))
	_ = parallel.Do(ctx, previewHeadLimit, len(previews), func(ctx context.Context, i int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, previews[i], nil)
		if err != nil {
			return nil
		}
		response, err := headClient.Do(req)
		if err != nil {
			return nil
		}
		_ = response.Body.Close()
		statuses[i] = response.StatusCode
		return nil
	})
	for i, status := range statuses {
		if status == http.StatusOK {
			return previews[i]
		}
	}
	return previews[0]
}

func (c *ChatSender) update(ctx context.Context) (bool, error) {
	messages, err := c.store.GetChangedMessagesByChatId(ctx, c.chat.Id, c.cfg.Batch)
	if err != nil {
		return false, err
	}
	if len(messages) == 0 {
		return false, nil
	}
	for _, message := range messages {
		if message.StreamId == nil {
			continue
		}
		stream, err := c.store.GetStreamById(ctx, *message.StreamId)
		if errors.Is(err, db.ErrNotFound) {
			// Removed concurrently; the row is about to be detached.
			if err := c.store.ClearMessageChanges(ctx, message.Id); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		text := streamText(stream)
		if text == message.Text {
			if err := c.store.ClearMessageChanges(ctx, message.Id); err != nil {
				return false, err
			}
			continue
		}
		if message.Type == db.MessageTypePhoto {
			err = c.tg.EditCaption(c.chat.Id, message.Id, text)
		} else {
			err = c.tg.EditText(c.chat.Id, message.Id, text)
		}
		switch {
		case err == nil || isNotModifiedError(err):
			if err := c.store.SetMessageText(ctx, message.Id, text); err != nil {
				return false, err
			}
			metrics.MessagesUpdated.Inc()
		case isEditGoneError(err):
			if err := c.store.DeleteMessageById(ctx, message.Id); err != nil {
				return false, err
			}
		default:
			return true, c.onSendMessageError(ctx, err)
		}
	}
	return true, nil
}

func (c *ChatSender) delete(ctx context.Context) (bool, error) {
	messages, err := c.store.GetMessagesForDeleteByChatId(ctx, c.chat.Id, 1)
	if err != nil {
		return false, err
	}
	if len(messages) == 0 {
		return false, nil
	}
	for _, message := range messages {
		age := time.Since(message.CreatedAt)
		// Messages beyond the auto-clean window are reaped without an API
		// call; Telegram rejects old deletes anyway.
		if c.chat.IsEnabledAutoClean && age <= c.cfg.AutoCleanMaxAge {
			err := c.tg.DeleteMessage(c.chat.Id, message.Id)
			if err != nil && !isDeleteToleratedError(err) {
				return true, c.onSendMessageError(ctx, err)
			}
			metrics.MessagesDeleted.Inc()
		}
		if err := c.store.DeleteMessageById(ctx, message.Id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// onSendMessageError is the shared taxonomy of messaging failures. Blocked
// chats are removed from the store, migrated chats renamed, missing photo
// rights flip the chat to text-only; everything else puts the chat on a send
// cooldown so it is not retried in a tight loop.
func (c *ChatSender) onSendMessageError(ctx context.Context, sendErr error) error {
	if newId, ok := migratedTarget(sendErr); ok {
		err := c.store.ChangeChatId(ctx, c.chat.Id, newId)
		if errors.Is(err, db.ErrChatIdTaken) {
			log.Printf("chat %v: migrated to already known chat %v, deleting", c.chat.Id, newId)
			if err := c.store.DeleteChatById(ctx, c.chat.Id); err != nil {
				return err
			}
			metrics.ChatsDeleted.Inc()
			return ErrChatDeleted
		}
		if err != nil {
			return err
		}
		log.Printf("chat %v: migrated to %v", c.chat.Id, newId)
		metrics.ChatsMigrated.Inc()
		return ErrChatMigrated
	}
	if isBlockedError(sendErr) {
		log.Printf("chat %v: blocked (%v), deleting", c.chat.Id, errorDescription(sendErr))
		if err := c.store.DeleteChatById(ctx, c.chat.Id); err != nil {
			return err
		}
		metrics.ChatsDeleted.Inc()
		return ErrChatDeleted
	}
	if isNoPhotoRightsError(sendErr) {
		log.Printf("chat %v: no photo rights, switching to text", c.chat.Id)
		if err := c.store.SetChatHidePreview(ctx, c.chat.Id, true); err != nil {
			return err
		}
		c.chat.IsHidePreview = true
		return ErrNoPhotoRights
	}
	metrics.SendErrors.Inc()
	if err := c.store.SetChatSendTimeoutExpiresAt(ctx, c.chat.Id, time.Now().Add(c.cfg.SendTimeout)); err != nil {
		log.Printf("chat %v: unable to set send cooldown: %v", c.chat.Id, err.Error())
	}
	return sendErr
}

func serviceOf(streamId string) service.ID {
	id, _ := service.UnwrapId(streamId)
	return id
}
