package errs

import "fmt"

const (
	AuthErrorCode       = 1001 // 握手凭证缺失/无效，连接不会建立
	ValidationErrorCode = 1002 // 入站事件格式不合法，静默丢弃
	StorageErrorCode    = 1003 // 持久化不可用
	TransportErrorCode  = 1004 // 客户端连接失败或断开
	NotFoundCode        = 1404
	ServerInternalError = 1500
)

var (
	ErrAuth       = NewCodeError(AuthErrorCode, "AuthError")
	ErrValidation = NewCodeError(ValidationErrorCode, "ValidationError")
	ErrStorage    = NewCodeError(StorageErrorCode, "StorageError")
	ErrTransport  = NewCodeError(TransportErrorCode, "TransportError")
	ErrNotFound   = NewCodeError(NotFoundCode, "NotFound")
	ErrInternal   = NewCodeError(ServerInternalError, "InternalError")
)

func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return ErrInternal.WrapMsg("panic error", "recovered", fmt.Sprint(r))
}
