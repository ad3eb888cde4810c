// Package errs 定义持仓账本与缓存层共用的错误分类
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind 错误类别
type Kind string

const (
	KindInvalidQuantity  Kind = "INVALID_QUANTITY"
	KindInvalidPrice     Kind = "INVALID_PRICE"
	KindOverselling      Kind = "OVERSELLING"
	KindValidation       Kind = "VALIDATION"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindNetworkFailure   Kind = "NETWORK_FAILURE"
	KindServerFailure    Kind = "SERVER_FAILURE"
)

// Error 带类别的错误，Msg 为可直接展示给用户的原始信息
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Status int // HTTP 状态码，非 HTTP 来源为 0
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按类别匹配，使 errors.Is(err, errs.ErrOverselling) 成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Op == "" && t.Kind == e.Kind
}

// 仅用于 errors.Is 比较的哨兵
var (
	ErrInvalidQuantity  = &Error{Kind: KindInvalidQuantity}
	ErrInvalidPrice     = &Error{Kind: KindInvalidPrice}
	ErrOverselling      = &Error{Kind: KindOverselling}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrNetworkFailure   = &Error{Kind: KindNetworkFailure}
	ErrServerFailure    = &Error{Kind: KindServerFailure}
)

// New 创建指定类别的错误
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 用类别包装底层错误
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误类别，未分类的错误视为 ServerFailure
func KindOf(err error) Kind {
	k, _ := Classify(err)
	return k
}

// Classify 把任意错误映射到类别和是否可重试
// 乐观更新与离线重放都只通过这个函数判断重试
func Classify(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindNetworkFailure:
			return e.Kind, true
		case KindServerFailure:
			return e.Kind, e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
		default:
			return e.Kind, false
		}
	}

	if errors.Is(err, context.Canceled) {
		return KindNetworkFailure, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkFailure, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkFailure, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindNetworkFailure, true
	}

	return KindServerFailure, true
}

// Retryable 是否值得带退避重试
func Retryable(err error) bool {
	_, ok := Classify(err)
	return ok
}

// FromStatus 把 HTTP 响应转换为分类错误；kind 为服务端声明的类别，可为空
func FromStatus(status int, kind Kind, msg string) *Error {
	if kind != "" {
		return &Error{Kind: kind, Msg: msg, Status: status}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindPermissionDenied
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	case status == http.StatusTooManyRequests || status >= 500:
		kind = KindServerFailure
	case status >= 400:
		kind = KindValidation
	default:
		kind = KindServerFailure
	}
	return &Error{Kind: kind, Msg: msg, Status: status}
}

// Status 类别对应的 HTTP 状态码（服务端使用）
func Status(kind Kind) int {
	switch kind {
	case KindInvalidQuantity, KindInvalidPrice, KindOverselling, KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNetworkFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
