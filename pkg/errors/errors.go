package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode 表示错误码类型
type ErrorCode int

// 定义应用程序的错误码
const (
	// 通用错误
	ErrUnknown ErrorCode = iota + 1000
	ErrInvalidParameter
	ErrNotImplemented

	// 帧格式错误
	ErrFrameTimeout
	ErrFrameInvalidSOF
	ErrFrameInvalidChecksum
	ErrFrameMalformed

	// 协议错误
	ErrProtocolUnexpectedCommand
	ErrProtocolInvalidLength
	ErrProtocolStatus
	ErrUnknownTopic

	// 传输错误
	ErrTransportNotOpen
	ErrTransportOpenFailed
	ErrTransportIO

	// 固件校验错误
	ErrVerificationFailed

	// 重试耗尽
	ErrRetriesExhausted

	// 配置与启动错误
	ErrConfigInvalid
	ErrGatewayIDUnavailable

	// Redis缓存相关错误
	ErrRedisConnectionFailed
	ErrRedisOperationFailed

	// 消息总线相关错误
	ErrBusConnectionFailed
	ErrBusPublishFailed
)

// AppError 应用程序自定义错误类型
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持Go 1.13+的错误包装
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New 创建一个新的AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装一个已有的错误
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsErrCode 检查错误链中是否存在指定错误码, 会沿Cause逐层查找
func IsErrCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// CodeOf 返回错误链中第一个AppError的错误码, 不存在时返回ErrUnknown
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrUnknown
}
