package bot

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	tele "gopkg.in/telebot.v3"

	"stream-notify-bot/checker"
	"stream-notify-bot/config"
	"stream-notify-bot/db"
	botmutex "stream-notify-bot/mutex"
	"stream-notify-bot/sender"
	"stream-notify-bot/service"
	"stream-notify-bot/templates"
	"stream-notify-bot/twitch"
	"stream-notify-bot/youtube"
)

const (
	existsSweepInterval = time.Hour * 6
	cleanInterval       = time.Hour * 24
)

func Start(ctx context.Context, c config.Config, confirm chan<- struct{}) error {
	dbService := db.New(c.DBAddress, c.DBUser, c.DBPassword, c.DBName)
	if c.Debug {
		dbService.EnableDebug()
	}
	if err := dbService.Init(ctx); err != nil {
		return errors.Wrap(err, "unable to init database schema")
	}

	services, err := buildServices(c)
	if err != nil {
		return err
	}

	var mutexBuilder *botmutex.Builder
	if c.RedisAddress != "" {
		mutexBuilder = botmutex.NewBuilder(c.RedisAddress)
	}

	s := tele.Settings{
		Token: c.TelegramBotToken,
		Poller: &tele.LongPoller{
			Timeout: time.Second * 10,
		},
		// Must stay above the long-poll timeout. Without it telebot falls
		// back to http.DefaultClient and a dead connection hangs forever.
		Client: &http.Client{Timeout: time.Minute},
	}
	bot, err := tele.NewBot(s)
	if err != nil {
		return errors.Wrap(err, "error during creation of a new bot")
	}

	senderService := sender.New(
		dbService,
		sender.NewTelegram(bot),
		services,
		mutexBuilder,
		sender.Config{
			ThreadLimit:     c.SenderThreadLimit,
			Batch:           c.DeliveryBatchSize,
			SendTimeout:     c.SendTimeout(),
			AutoCleanMaxAge: c.AutoCleanMaxAge(),
			ThreadStale:     c.ThreadStale(),
		},
	)
	checkerService := checker.New(
		dbService,
		services,
		mutexBuilder,
		checker.Config{
			CheckInterval: c.CheckInterval(),
			SyncLease:     c.SyncLease(),
			OfflineGrace:  c.OfflineGrace(),
			ThreadStale:   c.ThreadStale(),
			ChannelsLimit: c.ChannelsForSyncLimit,
		},
		senderService.Trigger,
	)

	botService := NewService(dbService, services, checkerService, senderService, bot, c.AdminChatId)

	bot.Handle("/start", botService.Start)
	bot.Handle("/help", func(context tele.Context) error {
		return context.Send(templates.Hello)
	})
	bot.Handle("/add", botService.AddSubscription)
	bot.Handle("/list", botService.ListSubscribedChannels)
	bot.Handle("/remove", botService.ShowRemoveSubscription)
	bot.Handle("/clear", botService.Clear)
	bot.Handle("/link", botService.LinkChannel)
	bot.Handle("/unlink", botService.UnlinkChannel)
	bot.Handle("/options", botService.ShowOptions)
	bot.Handle("/check", botService.AdminCheck)
	bot.Handle("/clean", botService.AdminClean)
	bot.Handle("/check_exists", botService.AdminCheckChannelsExists)
	bot.Handle("/threads", botService.AdminThreads)
	bot.Handle(tele.OnCallback, func(context tele.Context) error {
		defer logCallbackRespondError(context)
		return botService.ProcessCallback(context)
	})

	bot.OnError = func(err error, context tele.Context) {
		if errors.Is(err, errNotManager) {
			return
		}
		log.Print(err.Error())
		if context == nil || context.Chat() == nil {
			return
		}
		if err := context.Send(templates.UnexpectedError); err != nil {
			log.Print(err)
		}
	}

	go func() {
		<-ctx.Done()
		bot.Stop()
		confirm <- struct{}{}
	}()

	everyInterval(ctx, c.CheckInterval(), func() { checkerService.Check(ctx) })
	everyInterval(ctx, existsSweepInterval, func() { checkerService.CheckChannelsExists(ctx) })
	everyInterval(ctx, cleanInterval, func() {
		if _, err := checkerService.Clean(ctx); err != nil {
			log.Printf("clean failed: %v", err.Error())
		}
	})
	go senderService.Run(ctx, c.SendInterval())

	router := mux.NewRouter()
	router.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		if err := http.ListenAndServe(c.HTTPAddress, router); err != nil {
			log.Printf("http server stopped: %v", err.Error())
		}
	}()

	log.Println("Started")
	// Blocks until stop
	bot.Start()
	return nil
}

func buildServices(c config.Config) ([]service.Interface, error) {
	var services []service.Interface
	if c.TwitchClientId != "" {
		services = append(services, twitch.NewService(c.TwitchClientId, c.TwitchClientSecret))
	}
	if c.YoutubeAPIKey != "" {
		ytService, err := youtube.NewService(c.YoutubeAPIKey)
		if err != nil {
			return nil, errors.Wrap(err, "unable to create youtube service")
		}
		services = append(services, ytService)
	}
	if len(services) == 0 {
		return nil, errors.New("no streaming services configured")
	}
	return services, nil
}

// everyInterval runs fn on the interval until the context ends. The first
// run happens after one interval, not immediately.
func everyInterval(ctx context.Context, interval time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
