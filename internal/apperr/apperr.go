// Package apperr はコマンドとイベントで共通に使うエラー分類を定義する
package apperr

import (
	"errors"
	"fmt"
)

// Code はエラー分類
type Code string

const (
	CodePermissionDenied           Code = "PERMISSION_DENIED"
	CodeDeviceUnavailable          Code = "DEVICE_UNAVAILABLE"
	CodeSessionConfigurationFailed Code = "SESSION_CONFIGURATION_FAILED"
	CodeNotReady                   Code = "NOT_READY"
	CodeBroadcastError             Code = "BROADCAST_ERROR"
	CodeInvalidArgument            Code = "INVALID_ARGUMENT"
)

// errors.Is で分類を判定するための番兵
var (
	ErrPermissionDenied           = &Error{Code: CodePermissionDenied}
	ErrDeviceUnavailable          = &Error{Code: CodeDeviceUnavailable}
	ErrSessionConfigurationFailed = &Error{Code: CodeSessionConfigurationFailed}
	ErrNotReady                   = &Error{Code: CodeNotReady}
	ErrBroadcast                  = &Error{Code: CodeBroadcastError}
	ErrInvalidArgument            = &Error{Code: CodeInvalidArgument}
)

// Error は分類付きのエラー
type Error struct {
	Code   Code
	Detail string
	Err    error
}

// New は分類付きエラーを作成する
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap は下位のエラーを分類付きで包む
func Wrap(code Code, err error, detail string) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は分類が一致すれば真を返す
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Event はイベントストリームに載せる "<CODE>: <detail>" 形式の文字列を返す
func (e *Error) Event() string {
	detail := e.Detail
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code, detail)
}

// CodeOf はエラーの分類を返す。分類がなければ空文字
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
