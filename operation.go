package deferred

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/reugn/async"
	"go.uber.org/zap"
)

// ForceCompletion 默认使用的合成错误
const (
	ForcedErrorCode    = "deferred.Error.Forced"
	ForcedErrorMessage = "operation was force-completed"
)

// 操作状态
type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// 操作完成时的回调，参数是完成的操作本身
type Observer[T any] func(op *Operation[T])

type outcome[T any] struct {
	value T
	err   *Error
}

// 异步操作的结果，只能完成一次
// 完成之前登记的观察者会在完成时按登记顺序同步调用
type Operation[T any] struct {
	id        string
	state     State
	result    outcome[T]
	forced    outcome[T]
	observers []Observer[T]
	promise   async.Promise[T] // 调用 Future 时才创建
	done      chan struct{}
	logger    *zap.Logger
	lock      sync.Mutex
}

type Option[T any] func(*Operation[T])

// 设置操作凭证，默认是随机 uuid
func WithID[T any](id string) Option[T] {
	return func(op *Operation[T]) {
		op.id = id
	}
}

func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(op *Operation[T]) {
		if logger != nil {
			op.logger = logger
		}
	}
}

// 设置 ForceCompletion 时的失败结果
func WithForcedFailure[T any](code, message string) Option[T] {
	return func(op *Operation[T]) {
		op.forced = outcome[T]{err: &Error{Code: code, Message: message}}
	}
}

// 设置 ForceCompletion 时的成功结果
func WithForcedSuccess[T any](value T) Option[T] {
	return func(op *Operation[T]) {
		op.forced = outcome[T]{value: value}
	}
}

func New[T any](options ...Option[T]) *Operation[T] {
	op := &Operation[T]{
		id: uuid.NewString(),
		forced: outcome[T]{
			err: &Error{Code: ForcedErrorCode, Message: ForcedErrorMessage},
		},
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
	for _, opt := range options {
		opt(op)
	}
	return op
}

func (op *Operation[T]) ID() string {
	return op.id
}

func (op *Operation[T]) State() State {
	op.lock.Lock()
	defer op.lock.Unlock()
	return op.state
}

func (op *Operation[T]) IsFinished() bool {
	return op.State() != Pending
}

// 未完成时返回 false，需要区分未完成请使用 Err
func (op *Operation[T]) IsError() bool {
	return op.State() == Failed
}

func (op *Operation[T]) ErrorCode() string {
	op.lock.Lock()
	defer op.lock.Unlock()
	if op.result.err == nil {
		return ""
	}
	return op.result.err.Code
}

func (op *Operation[T]) ErrorMessage() string {
	op.lock.Lock()
	defer op.lock.Unlock()
	if op.result.err == nil {
		return ""
	}
	return op.result.err.Message
}

// 未完成返回 ErrPending，成功返回 nil，失败返回 *Error
func (op *Operation[T]) Err() error {
	_, err := op.Value()
	return err
}

func (op *Operation[T]) Value() (value T, err error) {
	op.lock.Lock()
	defer op.lock.Unlock()
	switch op.state {
	case Pending:
		return value, ErrPending
	case Failed:
		return value, op.result.err
	default:
		return op.result.value, nil
	}
}

// 登记观察者，必须在操作完成之前登记
func (op *Operation[T]) OnFinished(observer Observer[T]) error {
	if observer == nil {
		return ErrNilObserver
	}
	op.lock.Lock()
	defer op.lock.Unlock()
	if op.state != Pending {
		return ErrAlreadyFinished
	}
	op.observers = append(op.observers, observer)
	return nil
}

func (op *Operation[T]) Succeed(value T) error {
	return op.finish(outcome[T]{value: value})
}

func (op *Operation[T]) Fail(code, message string) error {
	return op.finish(outcome[T]{err: &Error{Code: code, Message: message}})
}

// 以预设的结果完成操作，默认是合成错误
// 用于测试中主动触发完成
func (op *Operation[T]) ForceCompletion() error {
	return op.finish(op.forced)
}

// 操作完成后关闭
func (op *Operation[T]) Done() <-chan struct{} {
	return op.done
}

// 等待操作完成
func (op *Operation[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-op.done:
		return op.Value()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// 返回 async.Future，第一次调用时创建
// T 是接口类型且成功的数据为 nil 时，Get 返回 ErrNilFutureValue，数据请用 Value 读取
func (op *Operation[T]) Future() async.Future[T] {
	op.lock.Lock()
	defer op.lock.Unlock()
	if op.promise == nil {
		op.promise = async.NewPromise[T]()
		if op.state != Pending {
			completePromise(op.promise, op.result)
		}
	}
	return op.promise.Future()
}

// 完成 promise 后 async 会启动协程，直到有人 Get 才退出
// 所以只完成调用过 Future 的 promise
func completePromise[T any](promise async.Promise[T], result outcome[T]) {
	switch {
	case result.err != nil:
		promise.Failure(result.err)
	case any(result.value) == nil:
		promise.Failure(ErrNilFutureValue)
	default:
		promise.Success(result.value)
	}
}

func (op *Operation[T]) finish(result outcome[T]) error {
	if result.err != nil && result.err.Code == "" {
		return ErrEmptyErrorCode
	}

	op.lock.Lock()
	if op.state != Pending {
		op.lock.Unlock()
		return ErrAlreadyFinished
	}
	if result.err != nil {
		op.state = Failed
	} else {
		op.state = Succeeded
	}
	op.result = result
	observers := op.observers
	op.observers = nil
	promise := op.promise
	close(op.done)
	op.lock.Unlock()

	if promise != nil {
		completePromise(promise, result)
	}
	if result.err != nil {
		op.logger.Debug("operation failed",
			zap.String("ticket", op.id),
			zap.String("code", result.err.Code),
			zap.String("message", result.err.Message),
			zap.Int("observers", len(observers)))
	} else {
		op.logger.Debug("operation succeeded",
			zap.String("ticket", op.id),
			zap.Int("observers", len(observers)))
	}

	// 锁外调用，观察者可以读取操作的状态
	for _, observer := range observers {
		observer(op)
	}
	return nil
}
