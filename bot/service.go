package bot

import (
	ctx "context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	tele "gopkg.in/telebot.v3"

	"stream-notify-bot/checker"
	"stream-notify-bot/db"
	"stream-notify-bot/sender"
	"stream-notify-bot/service"
	"stream-notify-bot/templates"
)

type Service struct {
	db          *db.DB
	services    []service.Interface
	checker     *checker.Checker
	sender      *sender.Sender
	bot         *tele.Bot
	adminChatId int64
}

var (
	removeCallbackPattern  = regexp.MustCompile("\f/remove (.+)")
	removePatternIdIndex   = 1
	optionCallbackPattern  = regexp.MustCompile("\f/option (\\w+)")
	optionPatternNameIndex = 1
)

func NewService(
	db *db.DB,
	services []service.Interface,
	checker *checker.Checker,
	sender *sender.Sender,
	bot *tele.Bot,
	adminChatId int64,
) *Service {
	return &Service{
		db:          db,
		services:    services,
		checker:     checker,
		sender:      sender,
		bot:         bot,
		adminChatId: adminChatId,
	}
}

func (s *Service) Start(context tele.Context) error {
	id := context.Chat().ID
	_, err := s.db.EnsureChat(ctx.Background(), id)
	if err != nil {
		return err
	}
	return context.Send(templates.Hello)
}

func (s *Service) AddSubscription(context tele.Context) error {
	id := context.Chat().ID
	if _, err := s.db.EnsureChat(ctx.Background(), id); err != nil {
		return err
	}
	query := strings.TrimSpace(context.Data())
	if len(query) == 0 {
		return context.Send(templates.EmptyAdd)
	}
	svc := s.matchService(query)
	if svc == nil {
		return context.Send(templates.ChannelNotFound)
	}
	channel, err := svc.FindChannel(ctx.Background(), query)
	if err != nil && (errors.Is(err, service.ErrChannelNotFound) || errors.Is(err, service.ErrBadQuery)) {
		return context.Send(templates.ChannelNotFound)
	}
	if err != nil {
		return err
	}
	channelId := service.WrapId(svc.ID(), channel.Id)
	exists, err := s.db.ChannelExists(ctx.Background(), channelId)
	if err != nil {
		return errors.Wrapf(err, "cannot check if channel %v exists", channelId)
	}
	if !exists {
		err := s.db.AddChannel(ctx.Background(), db.Channel{
			Id:      channelId,
			Service: string(svc.ID()),
			Title:   channel.Title,
			Url:     channel.Url,
		})
		if err != nil {
			return errors.Wrap(err, "cannot add channel to db")
		}
	}
	if err := s.db.AddSubscription(ctx.Background(), id, channelId); err != nil {
		return errors.Wrap(err, "cannot add chat-channel link")
	}
	return context.Send(templates.AddSuccess)
}

// matchService returns the first adapter that recognizes the query.
func (s *Service) matchService(query string) service.Interface {
	for _, svc := range s.services {
		if svc.Match(query) {
			return svc
		}
	}
	return nil
}

func (s *Service) ListSubscribedChannels(context tele.Context) error {
	id := context.Chat().ID
	channels, err := s.db.GetSubscribedChannels(ctx.Background(), id)
	if err != nil {
		return errors.Wrap(err, "cannot get added channels")
	}
	if len(channels) == 0 {
		return context.Send(templates.NoChannels)
	}
	var lines []string
	for _, channel := range channels {
		lines = append(lines, fmt.Sprintf(templates.ChannelList, channel.Title, channel.Url))
	}
	return context.Send(strings.Join(lines, "\r\n"))
}

func (s *Service) ShowRemoveSubscription(context tele.Context) error {
	id := context.Chat().ID
	channels, err := s.db.GetSubscribedChannels(ctx.Background(), id)
	if err != nil {
		return errors.Wrap(err, "cannot get added channels")
	}
	if len(channels) == 0 {
		return context.Send(templates.NoChannels)
	}
	selector := &tele.ReplyMarkup{}
	var rows []tele.Row
	for _, channel := range channels {
		// Callback data is size-limited, so it carries the id only; the
		// title is looked up again on click.
		data := selector.Data(channel.Title, "/remove "+channel.Id)
		rows = append(rows, selector.Row(data))
	}
	selector.Inline(rows...)
	return context.Send("Select channel to remove:", selector)
}

// LinkChannel routes the chat's notifications also into a broadcast channel.
// The user forwards any post from the channel into the chat and replies to
// that forward with /link.
func (s *Service) LinkChannel(context tele.Context) error {
	if err := s.requireManager(context); err != nil {
		return err
	}
	id := context.Chat().ID
	if _, err := s.db.EnsureChat(ctx.Background(), id); err != nil {
		return err
	}
	reply := context.Message().ReplyTo
	if reply == nil || reply.OriginalChat == nil {
		return context.Send(templates.LinkHelp)
	}
	broadcastId := reply.OriginalChat.ID
	if err := s.db.LinkChatChannel(ctx.Background(), id, broadcastId); err != nil {
		return errors.Wrap(err, "cannot link chat to channel")
	}
	return context.Send(fmt.Sprintf(templates.LinkSuccess, reply.OriginalChat.Title))
}

func (s *Service) UnlinkChannel(context tele.Context) error {
	if err := s.requireManager(context); err != nil {
		return err
	}
	if err := s.db.UnlinkChatChannel(ctx.Background(), context.Chat().ID); err != nil {
		return err
	}
	return context.Send(templates.UnlinkSuccess)
}

func (s *Service) Clear(context tele.Context) error {
	if err := s.requireManager(context); err != nil {
		return err
	}
	id := context.Chat().ID
	if err := s.db.RemoveAllSubscriptions(ctx.Background(), id); err != nil {
		return err
	}
	return context.Send(templates.ClearSuccess)
}

func (s *Service) ShowOptions(context tele.Context) error {
	if err := s.requireManager(context); err != nil {
		return err
	}
	chat, err := s.db.EnsureChat(ctx.Background(), context.Chat().ID)
	if err != nil {
		return err
	}
	return context.Send("Notification settings:", optionsKeyboard(chat))
}

var errNotManager = errors.New("sender is not a chat administrator")

// requireManager gates settings-level commands: anyone in a private chat,
// administrators only in groups. Replies to the user itself and returns
// errNotManager so callers just stop.
func (s *Service) requireManager(context tele.Context) error {
	chat := context.Chat()
	if chat.Type == tele.ChatPrivate {
		return nil
	}
	admins, err := s.bot.AdminsOf(chat)
	if err != nil {
		return errors.Wrap(err, "cannot list chat administrators")
	}
	sender := context.Sender()
	for _, admin := range admins {
		if admin.User != nil && sender != nil && admin.User.ID == sender.ID {
			return nil
		}
	}
	if err := context.Send(templates.AdminsOnly); err != nil {
		return err
	}
	return errNotManager
}

func optionsKeyboard(chat db.Chat) *tele.ReplyMarkup {
	selector := &tele.ReplyMarkup{}
	row := func(label string, enabled bool, name string) tele.Row {
		mark := "✅"
		if !enabled {
			mark = "☑️"
		}
		return selector.Row(selector.Data(fmt.Sprintf("%v %v", mark, label), "/option "+name))
	}
	selector.Inline(
		row("Hide preview", chat.IsHidePreview, "hide_preview"),
		row("Mute records", chat.IsMutedRecords, "mute_records"),
		row("Auto clean", chat.IsEnabledAutoClean, "auto_clean"),
		row("Mute chat", chat.IsMuted, "mute"),
	)
	return selector
}

func (s *Service) ProcessCallback(context tele.Context) error {
	chatId := context.Chat().ID
	data := context.Callback().Data
	if submatch := removeCallbackPattern.FindStringSubmatch(data); submatch != nil {
		channelId := submatch[removePatternIdIndex]
		title := channelId
		if channel, err := s.db.GetChannel(ctx.Background(), channelId); err == nil {
			title = channel.Title
		}
		if err := s.db.RemoveSubscription(ctx.Background(), chatId, channelId); err != nil {
			return err
		}
		return context.Send(fmt.Sprintf(templates.RemoveSuccess, title))
	}
	if submatch := optionCallbackPattern.FindStringSubmatch(data); submatch != nil {
		return s.toggleOption(context, chatId, submatch[optionPatternNameIndex])
	}
	return errors.New("couldn't parse callback data")
}

func (s *Service) toggleOption(context tele.Context, chatId int64, name string) error {
	if err := s.requireManager(context); err != nil {
		return err
	}
	chat, err := s.db.GetChat(ctx.Background(), chatId)
	if err != nil {
		return err
	}
	switch name {
	case "hide_preview":
		chat.IsHidePreview = !chat.IsHidePreview
	case "mute_records":
		chat.IsMutedRecords = !chat.IsMutedRecords
	case "auto_clean":
		chat.IsEnabledAutoClean = !chat.IsEnabledAutoClean
	case "mute":
		chat.IsMuted = !chat.IsMuted
	default:
		return errors.Errorf("unknown option %v", name)
	}
	if err := s.db.SetChatOptions(ctx.Background(), chat); err != nil {
		return err
	}
	return context.Edit("Notification settings:", optionsKeyboard(chat))
}

// Admin surface: direct access to the checker and sender loops for
// operational visibility.

func (s *Service) isAdmin(context tele.Context) bool {
	return s.adminChatId != 0 && context.Chat().ID == s.adminChatId
}

func (s *Service) AdminCheck(context tele.Context) error {
	if !s.isAdmin(context) {
		return context.Send(templates.NotAdmin)
	}
	s.checker.Check(ctx.Background())
	return context.Send("Check started.")
}

func (s *Service) AdminClean(context tele.Context) error {
	if !s.isAdmin(context) {
		return context.Send(templates.NotAdmin)
	}
	removed, err := s.checker.Clean(ctx.Background())
	if err != nil {
		return err
	}
	return context.Send(fmt.Sprintf("Removed %v orphan channels.", removed))
}

func (s *Service) AdminCheckChannelsExists(context tele.Context) error {
	if !s.isAdmin(context) {
		return context.Send(templates.NotAdmin)
	}
	go s.checker.CheckChannelsExists(ctx.Background())
	return context.Send("Existence sweep started.")
}

func (s *Service) AdminThreads(context tele.Context) error {
	if !s.isAdmin(context) {
		return context.Send(templates.NotAdmin)
	}
	var lines []string
	for _, info := range s.checker.GetActiveThreads() {
		lines = append(lines, fmt.Sprintf("checker %v: active %v ago", info.Key, info.Age.Round(time.Second)))
	}
	for _, info := range s.sender.GetActiveThreads() {
		lines = append(lines, fmt.Sprintf("sender chat %v: active %v ago", info.ChatId, info.Age.Round(time.Second)))
	}
	if len(lines) == 0 {
		return context.Send("No active threads.")
	}
	return context.Send(strings.Join(lines, "\n"))
}

func logCallbackRespondError(context tele.Context) {
	if err := context.Respond(); err != nil {
		log.Print(err)
	}
}
