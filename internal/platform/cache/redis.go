// Package cache connects to the Redis instance that backs sessions, the
// token denylist and the asynq queue.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout = 5 * time.Second
	pingTimeout        = 5 * time.Second
)

// Options addresses one Redis database. Zero DialTimeout means five seconds.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return defaultDialTimeout
}

// New returns a client that has answered PING. The client is closed when
// the ping fails.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.dialTimeout(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// QueueOpt points asynq at the same database.
func (o Options) QueueOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		DialTimeout: o.dialTimeout(),
	}
}
