package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisposed 表示 Client 已释放，调用不会再触达传输层。
var ErrDisposed = errors.New("rpc client disposed")

// ErrTransportClosed 表示传输已被正常关闭。
var ErrTransportClosed = errors.New("rpc transport closed")

// TimeoutError 表示调用在期限内未收到响应，迟到的响应会被丢弃。
type TimeoutError struct {
	ID    uint64
	Kind  Kind
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc %s call %d timed out after %s", e.Kind, e.ID, e.After)
}

// Timeout 满足 net.Error 风格的判断。
func (e *TimeoutError) Timeout() bool { return true }

// TransportError 表示发送失败或读循环终止。读循环终止时所有挂起调用一并失败。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StateError 表示 worker 当前状态不允许该请求，例如未初始化或制品未加载。
type StateError struct {
	Kind   Kind
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// HandlerError 包装处理器返回的错误或 panic，以 error 响应回传给调用方。
type HandlerError struct {
	Kind Kind
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RemoteError 是调用方收到的 error 响应。
type RemoteError struct {
	ID     uint64
	Kind   Kind
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s call %d failed: %s", e.Kind, e.ID, e.Detail)
}
