package contacts

import (
	deferred "github.com/fioman/deferred-ops"
)

// 请求的来源
type RequestKind int

const (
	RequestUnknown RequestKind = iota
	RequestHandles
	RequestIdentifiers
	RequestContacts
)

// 产生结果的请求
type Request struct {
	Kind        RequestKind
	Handles     []uint
	Identifiers []string
	Contacts    []*Contact
	Features    []Feature
}

// 获取联系人的异步结果
type Result struct {
	*deferred.Operation[[]*Contact]
	request Request
}

func NewResult(op *deferred.Operation[[]*Contact], request Request) *Result {
	return &Result{Operation: op, request: request}
}

// 成功完成后返回收集到的联系人，其余情况返回空切片
func (r *Result) Contacts() []*Contact {
	contacts, err := r.Value()
	if err != nil {
		return []*Contact{}
	}
	return append(make([]*Contact, 0, len(contacts)), contacts...)
}

// 完成时回调，参数是结果本身
func (r *Result) OnReady(fn func(*Result)) error {
	if fn == nil {
		return deferred.ErrNilObserver
	}
	return r.OnFinished(func(*deferred.Operation[[]*Contact]) {
		fn(r)
	})
}

func (r *Result) Features() []Feature {
	return append([]Feature(nil), r.request.Features...)
}

func (r *Result) IsForHandles() bool {
	return r.request.Kind == RequestHandles
}

func (r *Result) Handles() []uint {
	return append([]uint(nil), r.request.Handles...)
}

func (r *Result) IsForIdentifiers() bool {
	return r.request.Kind == RequestIdentifiers
}

func (r *Result) Identifiers() []string {
	return append([]string(nil), r.request.Identifiers...)
}

func (r *Result) IsForContacts() bool {
	return r.request.Kind == RequestContacts
}

// 需要刷新的联系人
func (r *Result) RequestedContacts() []*Contact {
	return append([]*Contact(nil), r.request.Contacts...)
}
