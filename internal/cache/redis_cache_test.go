package cache

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live redis only when OFFLINE_PROXY_TEST_REDIS holds its URL
func TestRedisBackendIntegration(t *testing.T) {
	redisURL := os.Getenv("OFFLINE_PROXY_TEST_REDIS")
	if redisURL == "" {
		t.Skip("OFFLINE_PROXY_TEST_REDIS not set")
	}

	prefix := "offline-proxy-test-" + uuid.NewString()
	backend, err := DialRedisBackend(redisURL, prefix)
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	part, err := backend.Open("app-v1")
	require.NoError(t, err)
	require.NoError(t, part.Set("example.com/GET.bin", []byte("hello")))

	data, err := part.Get("example.com/GET.bin")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	keys, err := part.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com/GET.bin"}, keys)

	names, err := backend.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1"}, names)

	require.NoError(t, backend.Remove("app-v1"))
	assert.ErrorIs(t, backend.Remove("app-v1"), ErrPartitionNotFound)

	data, err = part.Get("example.com/GET.bin")
	require.NoError(t, err)
	assert.Nil(t, data)
}

// failingDel makes every DEL command fail while enabled
type failingDel struct {
	enabled atomic.Bool
}

func (h *failingDel) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *failingDel) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.enabled.Load() && cmd.Name() == "del" {
			return errors.New("del rejected")
		}
		return next(ctx, cmd)
	}
}

func (h *failingDel) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisBackendRemoveKeepsRegistryOnFailure(t *testing.T) {
	redisURL := os.Getenv("OFFLINE_PROXY_TEST_REDIS")
	if redisURL == "" {
		t.Skip("OFFLINE_PROXY_TEST_REDIS not set")
	}

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()
	hook := &failingDel{}
	rdb.AddHook(hook)

	backend := NewRedisBackend(rdb, "offline-proxy-test-"+uuid.NewString())
	part, err := backend.Open("app-v1")
	require.NoError(t, err)
	require.NoError(t, part.Set("example.com/GET.bin", []byte("hello")))

	hook.enabled.Store(true)
	assert.Error(t, backend.Remove("app-v1"))

	// Still listed, so a later purge can retry
	names, err := backend.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1"}, names)

	hook.enabled.Store(false)
	require.NoError(t, backend.Remove("app-v1"))
	names, err = backend.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}
