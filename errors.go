package deferred

import (
	"errors"
	"fmt"
)

var (
	// 操作尚未完成时读取结果
	ErrPending = errors.New("operation is still pending")
	// 操作已经完成，不能再次完成或登记观察者
	ErrAlreadyFinished = errors.New("operation already finished")
	ErrNilObserver     = errors.New("nil observer")
	ErrNilOperation    = errors.New("nil operation")
	ErrEmptyErrorCode  = errors.New("error code must not be empty")
	ErrTicketNotFound  = errors.New("ticket's operation not found")
	ErrDuplicateTicket = errors.New("ticket already tracked")
	// async.Future 无法传递接口类型的 nil
	ErrNilFutureValue = errors.New("nil interface value cannot be delivered through a future")

	// 所有 *Error 都满足 errors.Is(err, ErrOperationFailed)
	ErrOperationFailed = errors.New("operation failed")
)

// 操作失败的结果
// Code 是机器可读的错误标识，Message 是给人看的描述
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == ErrOperationFailed
}
