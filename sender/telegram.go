package sender

import (
	"strconv"

	tele "gopkg.in/telebot.v3"
)

// Telegram is the slice of the messaging API the sender calls. Message ids
// are the platform's, stringified.
type Telegram interface {
	SendText(chatId int64, text string) (messageId string, err error)
	// SendPhoto delivers by public URL and returns the platform's cached
	// file id for reuse on later sends.
	SendPhoto(chatId int64, photoURL, caption string) (messageId, fileId string, err error)
	SendPhotoByFileId(chatId int64, fileId, caption string) (messageId string, err error)
	EditText(chatId int64, messageId, text string) error
	EditCaption(chatId int64, messageId, caption string) error
	DeleteMessage(chatId int64, messageId string) error
}

type telegramBot struct {
	bot *tele.Bot
}

// NewTelegram wraps a telebot instance into the sender's messaging surface.
func NewTelegram(bot *tele.Bot) Telegram {
	return &telegramBot{bot: bot}
}

func (t *telegramBot) SendText(chatId int64, text string) (string, error) {
	message, err := t.bot.Send(tele.ChatID(chatId), text, tele.NoPreview)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(message.ID), nil
}

func (t *telegramBot) SendPhoto(chatId int64, photoURL, caption string) (string, string, error) {
	photo := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	message, err := t.bot.Send(tele.ChatID(chatId), photo)
	if err != nil {
		return "", "", err
	}
	var fileId string
	if message.Photo != nil {
		fileId = message.Photo.FileID
	}
	return strconv.Itoa(message.ID), fileId, nil
}

func (t *telegramBot) SendPhotoByFileId(chatId int64, fileId, caption string) (string, error) {
	photo := &tele.Photo{File: tele.File{FileID: fileId}, Caption: caption}
	message, err := t.bot.Send(tele.ChatID(chatId), photo)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(message.ID), nil
}

func (t *telegramBot) EditText(chatId int64, messageId, text string) error {
	_, err := t.bot.Edit(storedMessage(chatId, messageId), text, tele.NoPreview)
	return err
}

func (t *telegramBot) EditCaption(chatId int64, messageId, caption string) error {
	_, err := t.bot.EditCaption(storedMessage(chatId, messageId), caption)
	return err
}

func (t *telegramBot) DeleteMessage(chatId int64, messageId string) error {
	return t.bot.Delete(storedMessage(chatId, messageId))
}

func storedMessage(chatId int64, messageId string) tele.StoredMessage {
	return tele.StoredMessage{ChatID: chatId, MessageID: messageId}
}
