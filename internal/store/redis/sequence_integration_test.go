//go:build integration

package redis_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"internline/internal/idgen"
	"internline/internal/store/redis"
)

func TestReserverSharedAcrossGenerators(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client, err := redis.Dial(ctx, redis.Options{Addr: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	r := redis.Reserver{Client: client, KeyPrefix: "test:"}
	hi, err := r.Reserve(ctx, "ids", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), hi)

	seen := sync.Map{}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		gen, err := idgen.New(idgen.DefaultVersion, idgen.NewBlockSequence(r, "ids", 16))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id, err := gen.NextID(ctx)
				if !assert.NoError(t, err) {
					return
				}
				_, dup := seen.LoadOrStore(id, struct{}{})
				assert.False(t, dup, "duplicate id %d", id)
			}
		}()
	}
	wg.Wait()
}
