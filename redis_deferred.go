package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gomodule/redigo/redis"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 通过 redis 发布订阅完成操作的登记表
// 任意进程都可以 Resolve/Reject，登记了此凭证的进程负责完成操作
type RedisRegistry[T any] struct {
	name       string
	options    *RedisRegistryOptions[T]
	redisPool  *redis.Pool
	ownPool    bool
	local      *LocalRegistry[T]
	ctx        context.Context
	cancel     context.CancelFunc
	psc        *redis.PubSubConn
	subscribed bool
	closed     bool
	stopped    chan struct{}
	lock       sync.Mutex
}

var _ Registry[int] = (*RedisRegistry[int])(nil)

type RedisRegistryOptions[T any] struct {
	marshal     MarshalFunc[T]   // 将 struct 序列化为字节数组
	unmarshal   UnmarshalFunc[T] // 将字节数组反序列化为 struct
	host        string           // redis连接
	password    string           // redis 认证密码
	maxIdle     int              // redis 连接池最大空闲连接
	maxActive   int              // redis 连接池最大连接数
	idleTimeout time.Duration    // redis 连接池空闲超时时间，超时后连接被回收
	db          int              // redis 选择的 db
	redisPool   *redis.Pool      // redis 连接池实例
	retryDelay  time.Duration    // 重新订阅的间隔
	logger      *zap.Logger
}

type RedisRegistryOption[T any] func(*RedisRegistryOptions[T])

// 设置序列化函数
func WithMarshal[T any](marshal MarshalFunc[T]) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.marshal = marshal
	}
}

// 设置反序列化函数
func WithUnmarshal[T any](unmarshal UnmarshalFunc[T]) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.unmarshal = unmarshal
	}
}

// 设置 redis 连接地址
func WithHost[T any](host string) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.host = host
	}
}

// 设置 redis 认证密码
func WithPassword[T any](password string) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.password = password
	}
}

// 设置 redis 选择的 db
func WithDB[T any](db int) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.db = db
	}
}

// 设置连接池，将直接使用此连接池，而不是自己创建
// Close 不会关闭外部传入的连接池
func WithPool[T any](redisPool *redis.Pool) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.redisPool = redisPool
	}
}

// 设置连接池配置
func WithPoolOptions[T any](maxIdle, maxActive int, idleTimeout time.Duration) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.maxIdle = maxIdle
		o.maxActive = maxActive
		o.idleTimeout = idleTimeout
	}
}

func WithRetryDelay[T any](delay time.Duration) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		o.retryDelay = delay
	}
}

func WithRedisLogger[T any](logger *zap.Logger) RedisRegistryOption[T] {
	return func(o *RedisRegistryOptions[T]) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func NewRedisRegistry[T any](name string, options ...RedisRegistryOption[T]) (*RedisRegistry[T], error) {
	if name == "" {
		return nil, errors.New("redis registry name must not be empty")
	}
	r := &RedisRegistry[T]{
		name:    name,
		options: defaultRedisRegistryOptions[T](),
		local:   NewLocalRegistry[T](),
		stopped: make(chan struct{}),
	}
	for _, opt := range options {
		opt(r.options)
	}
	if r.options.redisPool == nil {
		r.newPool()
		r.ownPool = true
	} else {
		r.redisPool = r.options.redisPool
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.poll()
	return r, nil
}

func defaultRedisRegistryOptions[T any]() *RedisRegistryOptions[T] {
	return &RedisRegistryOptions[T]{
		marshal: func(t T) ([]byte, error) {
			return json.Marshal(t)
		},
		unmarshal: func(b []byte, t *T) error {
			return json.Unmarshal(b, t)
		},
		host:        "localhost:6379",
		maxIdle:     5,
		maxActive:   20,
		idleTimeout: 10 * time.Minute,
		retryDelay:  time.Second,
		logger:      zap.NewNop(),
	}
}

func (r *RedisRegistry[T]) newPool() {
	r.redisPool = &redis.Pool{
		MaxIdle:     r.options.maxIdle,
		MaxActive:   r.options.maxActive,
		IdleTimeout: r.options.idleTimeout,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			conn, err := redis.Dial("tcp", r.options.host)
			if err != nil {
				return nil, err
			}
			if r.options.password != "" {
				if _, err := conn.Do("AUTH", r.options.password); err != nil {
					conn.Close()
					return nil, err
				}
			}
			if r.options.db > 0 {
				if _, err = conn.Do("SELECT", r.options.db); err != nil {
					conn.Close()
					return nil, err
				}
			}
			return conn, nil
		},
		TestOnBorrow: func(conn redis.Conn, t time.Time) error {
			if _, err := conn.Do("PING"); err != nil {
				return err
			}
			return nil
		}}
}

func (r *RedisRegistry[T]) poll() {
	go func() {
		defer close(r.stopped)
		err := retry.Do(
			r.subscribe,
			retry.Attempts(0),
			retry.Delay(r.options.retryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.Context(r.ctx),
			retry.OnRetry(func(n uint, err error) {
				r.options.logger.Warn("redis registry resubscribing",
					zap.String("channel", r.name),
					zap.Uint("attempt", n),
					zap.Error(err))
			}),
		)
		r.options.logger.Debug("redis registry stopped", zap.String("channel", r.name), zap.Error(err))
	}()
}

func (r *RedisRegistry[T]) subscribe() error {
	conn := r.redisPool.Get()
	defer conn.Close()

	psc := redis.PubSubConn{Conn: conn}
	// 订阅和 Close 中的取消订阅都要持锁，保证同一时刻只有一个写入者
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return retry.Unrecoverable(context.Canceled)
	}
	if err := psc.Subscribe(redis.Args{}.Add(r.name)...); err != nil {
		r.lock.Unlock()
		return err
	}
	r.psc = &psc
	r.lock.Unlock()

	defer func() {
		r.lock.Lock()
		r.psc = nil
		r.subscribed = false
		r.lock.Unlock()
	}()

	for {
		switch n := psc.Receive().(type) {
		case error:
			// 连接错误了，重新订阅
			return n
		case redis.Subscription:
			if n.Count == 0 {
				// 取消了订阅，需要重新订阅
				return fmt.Errorf("unsubscribe %s", r.name)
			}
			r.lock.Lock()
			r.subscribed = true
			r.lock.Unlock()
		case redis.Message:
			r.dispatch(n.Data)
		}
	}
}

// 发布在 redis 上的完成消息
type redisEnvelope struct {
	Ticket  string `json:"ticket,omitempty"`  // 操作凭证
	Code    string `json:"code,omitempty"`    // 错误标识，非空表示失败
	Message string `json:"message,omitempty"` // 错误描述
	Value   []byte `json:"value,omitempty"`   // 数据
}

func (r *RedisRegistry[T]) dispatch(data []byte) {
	envelope := &redisEnvelope{}
	if err := json.Unmarshal(data, envelope); err != nil {
		r.options.logger.Warn("dropping malformed envelope", zap.String("channel", r.name), zap.Error(err))
		return
	}

	op, ok := r.local.take(envelope.Ticket)
	if !ok {
		// 是其他进程登记的操作
		return
	}

	var err error
	if envelope.Code != "" {
		err = op.Fail(envelope.Code, envelope.Message)
	} else {
		var value T
		if value, err = castBytes(envelope.Value, r.options.unmarshal); err != nil {
			r.options.logger.Warn("dropping undecodable value",
				zap.String("channel", r.name),
				zap.String("ticket", envelope.Ticket),
				zap.Error(err))
			// 数据无法解析，以错误完成，避免等待者一直等待
			err = op.Fail(DecodeErrorCode, err.Error())
		} else {
			err = op.Succeed(value)
		}
	}

	if err != nil {
		r.options.logger.Warn("completing operation failed",
			zap.String("channel", r.name),
			zap.String("ticket", envelope.Ticket),
			zap.Error(err))
	}
}

// 收到的数据无法解析时使用的错误标识
const DecodeErrorCode = "deferred.Error.Decode"

func (r *RedisRegistry[T]) Track(op *Operation[T]) error {
	return r.local.Track(op)
}

// 发布数据，登记了此凭证的进程将会完成操作
// 凭证不存在时不会返回错误
func (r *RedisRegistry[T]) Resolve(ticket string, value T) error {
	valueBytes, err := r.options.marshal(value)
	if err != nil {
		return err
	}
	return r.publish(&redisEnvelope{
		Ticket: ticket,
		Value:  valueBytes,
	})
}

// 发布错误，登记了此凭证的进程将会以错误完成操作
func (r *RedisRegistry[T]) Reject(ticket string, code, message string) error {
	if code == "" {
		return ErrEmptyErrorCode
	}
	return r.publish(&redisEnvelope{
		Ticket:  ticket,
		Code:    code,
		Message: message,
	})
}

func (r *RedisRegistry[T]) publish(envelope *redisEnvelope) error {
	conn := r.redisPool.Get()
	defer conn.Close()

	data, _ := json.Marshal(envelope)
	_, err := conn.Do("PUBLISH", r.name, data)
	return err
}

// 是否已收到订阅确认，确认之前发布的消息收不到
func (r *RedisRegistry[T]) Subscribed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.subscribed
}

// 停止订阅，关闭自己创建的连接池
// 尚未完成的操作保持等待状态
func (r *RedisRegistry[T]) Close() error {
	var err error

	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	if r.psc != nil {
		err = r.psc.Unsubscribe()
	}
	r.lock.Unlock()

	<-r.stopped
	if r.ownPool {
		err = multierr.Append(err, r.redisPool.Close())
	}
	return err
}
