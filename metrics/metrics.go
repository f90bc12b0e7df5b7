// Package metrics registers the Prometheus instruments for the checker and
// sender loops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamTransitions counts checker classifications by kind:
	// new, changed, migrate, timeout, offline, removed.
	StreamTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_stream_transitions_total",
		Help: "Stream state transitions observed by the checker",
	}, []string{"service", "kind"})

	CheckBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_check_batches_total",
		Help: "Checker batches committed",
	})
	CheckBatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_check_batch_errors_total",
		Help: "Checker batches aborted by an error",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_messages_sent_total",
		Help: "Notification messages delivered",
	})
	MessagesUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_messages_updated_total",
		Help: "Notification messages edited after a stream change",
	})
	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_messages_deleted_total",
		Help: "Notification messages removed by auto-clean",
	})
	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Messaging API errors outside the tolerated classes",
	})
	ChatsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_chats_deleted_total",
		Help: "Chats removed after a blocked-class error",
	})
	ChatsMigrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_chats_migrated_total",
		Help: "Chats renamed after a Telegram-side migration",
	})
	ActiveCheckers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_active_checker_threads",
		Help: "Running per-service checker threads",
	})
	ActiveChatSenders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_active_chat_senders",
		Help: "Chats currently being drained by the sender",
	})
)
