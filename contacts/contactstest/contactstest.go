// 在测试中构造处于已知状态的联系人结果和目录
package contactstest

import (
	"fmt"

	deferred "github.com/fioman/deferred-ops"
	"github.com/fioman/deferred-ops/contacts"
)

// 已成功完成、数据为 seed 的结果
func SeededResult(seed []*contacts.Contact) *contacts.Result {
	op := deferred.New[[]*contacts.Contact]()
	_ = op.Succeed(append(make([]*contacts.Contact, 0, len(seed)), seed...))
	return contacts.NewResult(op, contacts.Request{})
}

// 已以错误完成的结果
func FailedResult(code, message string) *contacts.Result {
	op := deferred.New(deferred.WithForcedFailure[[]*contacts.Contact](code, message))
	_ = op.ForceCompletion()
	return contacts.NewResult(op, contacts.Request{})
}

// 尚未完成的结果，ForceCompletion 时以 forced 为数据成功完成
func PendingResult(forced []*contacts.Contact) *contacts.Result {
	op := deferred.New(deferred.WithForcedSuccess(forced))
	return contacts.NewResult(op, contacts.Request{})
}

func NewDirectory(features ...contacts.Feature) *contacts.Directory {
	return contacts.NewDirectory(contacts.WithFeatures(features...))
}

// 生成 n 个联系人，handle 从 1 开始
func MakeContacts(n int) []*contacts.Contact {
	out := make([]*contacts.Contact, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, &contacts.Contact{ID: fmt.Sprintf("contact-%d@example.com", i), Handle: uint(i)})
	}
	return out
}
