// Package redis reserves id blocks from a Redis counter so several processes
// can share one sequence without a relational database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"internline/internal/indexer"
)

const DefaultKeyPrefix = "internline:seq:"

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects and pings.
func Dial(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, Classify(err))
	}
	return client, nil
}

// Reserver implements idgen.Reserver with INCRBY.
type Reserver struct {
	Client    goredis.UniversalClient
	KeyPrefix string
}

func (r Reserver) key(name string) string {
	prefix := r.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + name
}

func (r Reserver) Reserve(ctx context.Context, name string, n uint64) (uint64, error) {
	v, err := r.Client.IncrBy(ctx, r.key(name), int64(n)).Result()
	if err != nil {
		return 0, Classify(err)
	}
	return uint64(v), nil
}

// Classify marks connection failures as indexer.ErrUnavailable.
func Classify(err error) error {
	if err == nil || errors.Is(err, goredis.Nil) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, goredis.ErrClosed) || errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
	}
	return err
}
