// Package errs — таксономия ошибок ядра со стабильными машиночитаемыми кодами.
// Консоль показывает сообщение по коду, а не общее "request failed".
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	// реестр устройств
	CodeInvalidToken   Code = "invalid_token"
	CodeAlreadyClaimed Code = "already_claimed"
	CodeNotClaimed     Code = "not_claimed"

	// rollout
	CodeEmptyFleet        Code = "empty_fleet"
	CodeIllegalTransition Code = "illegal_transition"

	// artifact store (целостность)
	CodeChecksumMismatch Code = "checksum_mismatch"
	CodeSizeMismatch     Code = "size_mismatch"
	CodeCorrupt          Code = "corrupt"

	// общие
	CodeNotFound        Code = "not_found"
	CodeInvalidArgument Code = "invalid_argument"
	CodeTooLarge        Code = "too_large"
	CodeUnavailable     Code = "unavailable"
	CodeInternal        Code = "internal"
)

// Error — ошибка с кодом. errors.Is сравнивает по коду.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Сентинелы для errors.Is(err, errs.InvalidToken) и т.п.
var (
	InvalidToken      = &Error{Code: CodeInvalidToken, Message: "bootstrap token is not valid"}
	AlreadyClaimed    = &Error{Code: CodeAlreadyClaimed, Message: "device already claimed"}
	NotClaimed        = &Error{Code: CodeNotClaimed, Message: "device is not claimed"}
	EmptyFleet        = &Error{Code: CodeEmptyFleet, Message: "fleet has no provisioned devices"}
	IllegalTransition = &Error{Code: CodeIllegalTransition, Message: "transition not allowed"}
	ChecksumMismatch  = &Error{Code: CodeChecksumMismatch, Message: "checksum mismatch"}
	SizeMismatch      = &Error{Code: CodeSizeMismatch, Message: "size mismatch"}
	Corrupt           = &Error{Code: CodeCorrupt, Message: "stored artifact is corrupt"}
	NotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	InvalidArgument   = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	TooLarge          = &Error{Code: CodeTooLarge, Message: "payload too large"}
	Unavailable       = &Error{Code: CodeUnavailable, Message: "temporarily unavailable"}
)

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf возвращает код ошибки; для "чужих" ошибок — internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus — соответствие кода HTTP статусу.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeAlreadyClaimed, CodeNotClaimed, CodeEmptyFleet, CodeIllegalTransition:
		return http.StatusConflict
	case CodeChecksumMismatch, CodeSizeMismatch:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		// corrupt и internal — 500: оператор должен разобраться
		return http.StatusInternalServerError
	}
}

// Retryable: ошибки целостности и идентичности никогда не ретраятся.
func Retryable(err error) bool {
	return CodeOf(err) == CodeUnavailable
}
