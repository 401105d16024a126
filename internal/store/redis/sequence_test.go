package redis_test

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"internline/internal/indexer"
	"internline/internal/store/redis"
)

func TestClosedClientIsUnavailable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	require.NoError(t, client.Close())

	_, err := redis.Reserver{Client: client}.Reserve(context.Background(), "ids", 10)
	assert.ErrorIs(t, err, indexer.ErrUnavailable)
}

func TestClassifyPassesThroughNil(t *testing.T) {
	assert.NoError(t, redis.Classify(nil))
	assert.Equal(t, goredis.Nil, redis.Classify(goredis.Nil))
}
