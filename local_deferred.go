package deferred

import (
	"sync"
)

// 本地登记表
// 完成操作的协程需要和登记操作的协程在同一个进程内
type LocalRegistry[T any] struct {
	operations map[string]*Operation[T]
	lock       sync.Mutex
}

var _ Registry[int] = (*LocalRegistry[int])(nil)

func NewLocalRegistry[T any]() *LocalRegistry[T] {
	return &LocalRegistry[T]{
		operations: make(map[string]*Operation[T]),
	}
}

func (r *LocalRegistry[T]) Track(op *Operation[T]) error {
	if op == nil {
		return ErrNilOperation
	}
	ticket := op.ID()

	r.lock.Lock()
	if _, ok := r.operations[ticket]; ok {
		r.lock.Unlock()
		return ErrDuplicateTicket
	}
	r.operations[ticket] = op
	r.lock.Unlock()

	if err := op.OnFinished(func(*Operation[T]) { r.forget(ticket, op) }); err != nil {
		r.forget(ticket, op)
		return err
	}
	return nil
}

func (r *LocalRegistry[T]) Resolve(ticket string, value T) error {
	if op, ok := r.take(ticket); ok {
		return op.Succeed(value)
	}
	return ErrTicketNotFound
}

func (r *LocalRegistry[T]) Reject(ticket string, code, message string) error {
	if op, ok := r.take(ticket); ok {
		return op.Fail(code, message)
	}
	return ErrTicketNotFound
}

// 等待中的操作数量
func (r *LocalRegistry[T]) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.operations)
}

func (r *LocalRegistry[T]) take(ticket string) (*Operation[T], bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	op, ok := r.operations[ticket]
	if ok {
		delete(r.operations, ticket)
	}
	return op, ok
}

func (r *LocalRegistry[T]) forget(ticket string, op *Operation[T]) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.operations[ticket]; ok && current == op {
		delete(r.operations, ticket)
	}
}
