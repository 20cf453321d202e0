package deferred

// 按凭证完成操作
type Registry[T any] interface {

	// 登记等待中的操作，凭证为 op.ID()
	// 操作完成后（无论经由何种途径）登记自动失效
	Track(op *Operation[T]) error

	// 以数据完成此凭证对应的操作
	Resolve(ticket string, value T) error

	// 以错误完成此凭证对应的操作
	Reject(ticket string, code, message string) error
}
