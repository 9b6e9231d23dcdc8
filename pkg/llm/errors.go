package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind 是调用方关心的错误分类。
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate-limited"
	KindServer      ErrorKind = "server"
	KindNetwork     ErrorKind = "network"
	KindMalformed   ErrorKind = "malformed-response"
)

// Error 包装一次失败的 completion 调用。
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回 err 的分类；不是 *Error 时按网络错误处理。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}

func statusKind(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindServer
	}
}
