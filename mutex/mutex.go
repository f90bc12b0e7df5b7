// Package mutex builds redis-backed worker tokens. They keep concurrent bot
// replicas from double-polling a service or double-draining a chat; losing a
// token race only skips redundant work, the store writes stay idempotent.
package mutex

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis"
)

const (
	checkerLockExpiration = time.Minute * 10
	senderLockExpiration  = time.Minute * 5
	checkerKeyPattern     = "checker:service:%v"
	senderKeyPattern      = "sender:chat:%v"
)

type Builder struct {
	rs *redsync.Redsync
}

func NewBuilder(address string) *Builder {
	client := redis.NewClient(&redis.Options{Addr: address})
	pool := goredis.NewPool(client)
	rs := redsync.New(pool)
	return &Builder{rs: rs}
}

// CheckerService locks one service's polling loop.
func (b *Builder) CheckerService(serviceId string) *redsync.Mutex {
	key := fmt.Sprintf(checkerKeyPattern, serviceId)
	return b.rs.NewMutex(key, redsync.WithExpiry(checkerLockExpiration), redsync.WithTries(1))
}

// SenderChat locks one chat's delivery loop.
func (b *Builder) SenderChat(chatId int64) *redsync.Mutex {
	key := fmt.Sprintf(senderKeyPattern, chatId)
	return b.rs.NewMutex(key, redsync.WithExpiry(senderLockExpiration), redsync.WithTries(1))
}
