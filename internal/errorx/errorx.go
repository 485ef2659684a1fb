package errorx

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeError is an application error carrying a stable code, a client-facing
// message and the HTTP status it maps to. The wrapped cause is only logged.
type CodeError struct {
	Code   int
	Msg    string
	Status int
	cause  error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *CodeError) Unwrap() error {
	return e.cause
}

// Is matches on code so predefined errors work with errors.Is after wrapping.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg, Status: statusFor(code)}
}

func Newf(code int, format string, args ...any) *CodeError {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(err error, code int, msg string) *CodeError {
	e := New(code, msg)
	e.cause = err
	return e
}

func Wrapf(err error, code int, format string, args ...any) *CodeError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// GetCode extracts the code, defaulting to CodeServerBusy for foreign errors.
func GetCode(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return CodeServerBusy
}

// Status returns the HTTP status for err.
func Status(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Status
	}
	return http.StatusInternalServerError
}

const (
	CodeSuccess         = 1000
	CodeInvalidParam    = 1001
	CodeUserExist       = 1002
	CodeUserNotExist    = 1003
	CodeInvalidPassword = 1004
	CodeServerBusy      = 1005
	CodeUnauthorized    = 1006
	CodeForbidden       = 1007
	CodeNotFound        = 1008
	CodeTooManyRequests = 1009
	CodeDBError         = 1010
)

func statusFor(code int) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeUserExist:
		return http.StatusConflict
	case CodeUserNotExist, CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidPassword, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid request parameters")
	ErrServerBusy      = New(CodeServerBusy, "server busy")
	ErrUnauthorized    = New(CodeUnauthorized, "unauthorized")
	ErrForbidden       = New(CodeForbidden, "forbidden")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUserExist       = New(CodeUserExist, "user already exists")
	ErrUserNotExist    = New(CodeUserNotExist, "user does not exist")
	ErrInvalidPassword = New(CodeInvalidPassword, "invalid email or password")
	ErrTooManyRequests = New(CodeTooManyRequests, "too many requests")
)

// IsNotFound reports whether err is a not-found error of either kind.
func IsNotFound(err error) bool {
	code := 0
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		code = codeErr.Code
	}
	return code == CodeNotFound || code == CodeUserNotExist
}
