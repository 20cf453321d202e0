package deferred

import (
	"fmt"
	"reflect"
)

type MarshalFunc[T any] func(T) ([]byte, error)
type UnmarshalFunc[T any] func([]byte, *T) error

// 将字节数组转为 T
// T 是接口类型时无法确定具体类型，只能将底层数据返回，交给业务自己处理
func castBytes[T any](data []byte, unmarshal UnmarshalFunc[T]) (T, error) {
	var value T
	if reflect.TypeOf(value) == nil {
		if v, ok := any(data).(T); ok {
			return v, nil
		}
		return value, fmt.Errorf("cannot cast %d bytes to %s", len(data), reflect.TypeOf(&value).Elem())
	}
	err := unmarshal(data, &value)
	return value, err
}
