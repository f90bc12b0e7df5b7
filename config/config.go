// Package config loads the bot configuration from a JSON file with
// environment overrides for credentials, so a config file can be committed
// without secrets.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	TelegramBotToken string
	AdminChatId      int64

	DBAddress  string
	DBUser     string
	DBPassword string
	DBName     string

	RedisAddress string
	HTTPAddress  string

	TwitchClientId     string
	TwitchClientSecret string
	YoutubeAPIKey      string

	// Tunable windows, JSON values in seconds.
	CheckIntervalSec     int
	SendIntervalSec      int
	SyncLeaseSec         int
	OfflineGraceSec      int
	ThreadStaleSec       int
	SendTimeoutSec       int
	AutoCleanMaxAgeSec   int
	SenderThreadLimit    int
	DeliveryBatchSize    int
	ChannelsForSyncLimit int

	Debug bool
}

// Load reads the JSON config and applies env overrides and defaults.
// A .env file next to the binary is honored when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	var c Config
	file, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(file, &c); err != nil {
			return Config{}, errors.Wrap(err, "unable to unmarshal config file")
		}
	} else if !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "unable to read config file")
	}

	overrideString(&c.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	overrideString(&c.DBAddress, "DB_ADDRESS")
	overrideString(&c.DBUser, "DB_USER")
	overrideString(&c.DBPassword, "DB_PASSWORD")
	overrideString(&c.DBName, "DB_NAME")
	overrideString(&c.RedisAddress, "REDIS_ADDRESS")
	overrideString(&c.TwitchClientId, "TWITCH_CLIENT_ID")
	overrideString(&c.TwitchClientSecret, "TWITCH_CLIENT_SECRET")
	overrideString(&c.YoutubeAPIKey, "YT_API_KEY")

	applyDefaults(&c)
	if c.TelegramBotToken == "" {
		return Config{}, errors.New("telegram bot token is not set")
	}
	return c, nil
}

func applyDefaults(c *Config) {
	if c.DBAddress == "" {
		c.DBAddress = ":5432"
	}
	if c.DBUser == "" {
		c.DBUser = "bot"
	}
	if c.DBName == "" {
		c.DBName = "bot"
	}
	if c.RedisAddress == "" {
		c.RedisAddress = ":6379"
	}
	if c.HTTPAddress == "" {
		c.HTTPAddress = ":8080"
	}
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = 60
	}
	if c.SendIntervalSec == 0 {
		c.SendIntervalSec = 30
	}
	if c.SyncLeaseSec == 0 {
		c.SyncLeaseSec = 300
	}
	if c.OfflineGraceSec == 0 {
		c.OfflineGraceSec = 15 * 60
	}
	if c.ThreadStaleSec == 0 {
		c.ThreadStaleSec = 5 * 60
	}
	if c.SendTimeoutSec == 0 {
		c.SendTimeoutSec = 5 * 60
	}
	if c.AutoCleanMaxAgeSec == 0 {
		c.AutoCleanMaxAgeSec = 48 * 3600
	}
	if c.SenderThreadLimit == 0 {
		c.SenderThreadLimit = 10
	}
	if c.DeliveryBatchSize == 0 {
		c.DeliveryBatchSize = 10
	}
	if c.ChannelsForSyncLimit == 0 {
		c.ChannelsForSyncLimit = 50
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c Config) CheckInterval() time.Duration   { return seconds(c.CheckIntervalSec) }
func (c Config) SendInterval() time.Duration    { return seconds(c.SendIntervalSec) }
func (c Config) SyncLease() time.Duration       { return seconds(c.SyncLeaseSec) }
func (c Config) OfflineGrace() time.Duration    { return seconds(c.OfflineGraceSec) }
func (c Config) ThreadStale() time.Duration     { return seconds(c.ThreadStaleSec) }
func (c Config) SendTimeout() time.Duration     { return seconds(c.SendTimeoutSec) }
func (c Config) AutoCleanMaxAge() time.Duration { return seconds(c.AutoCleanMaxAgeSec) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
