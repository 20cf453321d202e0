package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const redisHost = "localhost:6379"

func requireRedis(t *testing.T) {
	conn, err := net.DialTimeout("tcp", redisHost, 200*time.Millisecond)
	if err != nil {
		t.Skipf("redis not available at %s: %v", redisHost, err)
	}
	conn.Close()
}

// 等待订阅生效，之前发布的消息会丢失
func awaitSubscribed[T any](t *testing.T, registry *RedisRegistry[T]) {
	require.Eventually(t, registry.Subscribed, 5*time.Second, 10*time.Millisecond)
}

func TestRedisRegistry(t *testing.T) {
	requireRedis(t)

	registry, err := NewRedisRegistry(
		"test-redis-registry",
		WithHost[int](redisHost),
		WithMarshal(func(i int) ([]byte, error) {
			return []byte(fmt.Sprintf("%d", i)), nil
		}),
		WithUnmarshal(func(b []byte, t *int) error {
			var err error
			*t, err = strconv.Atoi(string(b))
			return err
		}),
	)
	require.Nil(t, err)
	defer func() { assert.Nil(t, registry.Close()) }()
	awaitSubscribed(t, registry)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		idx := i
		op := New[int]()
		require.Nil(t, registry.Track(op))

		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			val, err := op.Await(ctx)
			assert.Nil(t, err)
			assert.Equal(t, idx, val)
		}()

		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(1+rand.Intn(20)) * time.Millisecond)
			assert.Nil(t, registry.Resolve(op.ID(), idx))
		}()
	}

	wg.Wait()
}

func TestRedisRegistryReject(t *testing.T) {
	requireRedis(t)

	registry, err := NewRedisRegistry[string]("test-redis-registry-reject", WithHost[string](redisHost))
	require.Nil(t, err)
	defer func() { assert.Nil(t, registry.Close()) }()
	awaitSubscribed(t, registry)

	op := New[string]()
	require.Nil(t, registry.Track(op))
	require.Nil(t, registry.Reject(op.ID(), "PermissionDenied", "not allowed"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = op.Await(ctx)
	var opErr *Error
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "PermissionDenied", opErr.Code)
	assert.Equal(t, "not allowed", opErr.Message)

	assert.ErrorIs(t, registry.Reject(op.ID(), "", ""), ErrEmptyErrorCode)
}

func TestRedisRegistryUndecodableValue(t *testing.T) {
	requireRedis(t)

	registry, err := NewRedisRegistry[int]("test-redis-registry-decode", WithHost[int](redisHost))
	require.Nil(t, err)
	defer func() { assert.Nil(t, registry.Close()) }()
	awaitSubscribed(t, registry)

	op := New[int]()
	require.Nil(t, registry.Track(op))
	require.Nil(t, registry.publish(&redisEnvelope{Ticket: op.ID(), Value: []byte("not a number")}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = op.Await(ctx)
	require.ErrorIs(t, err, ErrOperationFailed)
	assert.Equal(t, DecodeErrorCode, op.ErrorCode())
}

func TestRedisRegistryCloseTwice(t *testing.T) {
	registry, err := NewRedisRegistry[int]("test-redis-registry-close",
		WithHost[int]("127.0.0.1:1"),
		WithRetryDelay[int](10*time.Millisecond))
	require.Nil(t, err)
	assert.Nil(t, registry.Close())
	assert.Nil(t, registry.Close())
}

func TestNewRedisRegistryRequiresName(t *testing.T) {
	_, err := NewRedisRegistry[int]("")
	assert.NotNil(t, err)
}

// 不连接 redis，只用于直接调用 dispatch
func newDispatchRegistry[T any](t *testing.T) (*RedisRegistry[T], *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	options := defaultRedisRegistryOptions[T]()
	options.logger = zap.New(core)
	return &RedisRegistry[T]{
		name:    "dispatch",
		options: options,
		local:   NewLocalRegistry[T](),
	}, logs
}

func envelopeBytes(t *testing.T, envelope *redisEnvelope) []byte {
	t.Helper()
	data, err := json.Marshal(envelope)
	require.Nil(t, err)
	return data
}

func TestDispatchResolve(t *testing.T) {
	registry, logs := newDispatchRegistry[int](t)
	op := New[int]()
	require.Nil(t, registry.Track(op))

	registry.dispatch(envelopeBytes(t, &redisEnvelope{Ticket: op.ID(), Value: []byte("12")}))

	value, err := op.Value()
	assert.Nil(t, err)
	assert.Equal(t, 12, value)
	assert.Equal(t, 0, registry.local.Len())
	assert.Equal(t, 0, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestDispatchReject(t *testing.T) {
	registry, logs := newDispatchRegistry[int](t)
	op := New[int]()
	require.Nil(t, registry.Track(op))

	registry.dispatch(envelopeBytes(t, &redisEnvelope{Ticket: op.ID(), Code: "Busy", Message: "line busy"}))

	assert.True(t, op.IsError())
	assert.Equal(t, "Busy", op.ErrorCode())
	assert.Equal(t, "line busy", op.ErrorMessage())
	assert.Equal(t, 0, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestDispatchMalformedEnvelope(t *testing.T) {
	registry, logs := newDispatchRegistry[int](t)
	op := New[int]()
	require.Nil(t, registry.Track(op))

	registry.dispatch([]byte("{not json"))

	assert.False(t, op.IsFinished())
	assert.Equal(t, 1, registry.local.Len())
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed envelope").Len())
}

func TestDispatchUndecodableValue(t *testing.T) {
	registry, logs := newDispatchRegistry[int](t)
	op := New[int]()
	require.Nil(t, registry.Track(op))

	registry.dispatch(envelopeBytes(t, &redisEnvelope{Ticket: op.ID(), Value: []byte("not a number")}))

	require.True(t, op.IsError())
	assert.Equal(t, DecodeErrorCode, op.ErrorCode())
	entries := logs.FilterMessage("dropping undecodable value").All()
	require.Len(t, entries, 1)
	assert.Equal(t, op.ID(), entries[0].ContextMap()["ticket"])
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestDispatchIgnoresOtherTickets(t *testing.T) {
	registry, logs := newDispatchRegistry[int](t)
	op := New[int]()
	require.Nil(t, registry.Track(op))

	registry.dispatch(envelopeBytes(t, &redisEnvelope{Ticket: "someone-else", Value: []byte("not a number")}))
	registry.dispatch(envelopeBytes(t, &redisEnvelope{Ticket: "someone-else", Value: []byte("1")}))
	registry.dispatch(envelopeBytes(t, &redisEnvelope{Ticket: "someone-else", Code: "Busy"}))

	assert.False(t, op.IsFinished())
	assert.Equal(t, 1, registry.local.Len())
	assert.Equal(t, 0, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestSubscribedBeforeConnect(t *testing.T) {
	registry, _ := newDispatchRegistry[int](t)
	assert.False(t, registry.Subscribed())
}
