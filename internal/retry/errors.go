package retry

import (
	"errors"
	"fmt"
	"net/http"
)

// Коды ошибок внешних сервисов.
const (
	CodeTimeout       = "timeout"
	CodeRateLimited   = "rate_limited"
	CodeUnavailable   = "unavailable"
	CodeCapacity      = "capacity_exhausted"
	CodeQuota         = "quota_exceeded"
	CodeUnauthorized  = "unauthorized"
	CodeForbidden     = "forbidden"
	CodeInvalidConfig = "invalid_config"
	CodeUnsupported   = "unsupported_format"
	CodeCorruptInput  = "corrupt_input"
	CodeInvalidInput  = "invalid_input"
)

// codeClasses — точное соответствие кода классу.
var codeClasses = map[string]Class{
	CodeTimeout:       ClassTransient,
	CodeRateLimited:   ClassTransient,
	CodeUnavailable:   ClassTransient,
	CodeCapacity:      ClassResource,
	CodeQuota:         ClassResource,
	CodeUnauthorized:  ClassConfiguration,
	CodeForbidden:     ClassConfiguration,
	CodeInvalidConfig: ClassConfiguration,
	CodeUnsupported:   ClassData,
	CodeCorruptInput:  ClassData,
	CodeInvalidInput:  ClassData,
}

// Error — ошибка внешнего вызова с явной классификацией.
type Error struct {
	// Class — класс; пустой, если класс выводится из Code или StatusCode.
	Class Class

	// Code — машинный код ошибки.
	Code string

	// StatusCode — HTTP статус ответа, если есть.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d): %v", e.Code, e.StatusCode, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprint(e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient оборачивает ошибку как RETRYABLE_TRANSIENT.
func Transient(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// Resource оборачивает ошибку как RETRYABLE_RESOURCE.
func Resource(err error) error {
	return &Error{Class: ClassResource, Err: err}
}

// Configuration оборачивает ошибку как FATAL_CONFIGURATION.
func Configuration(err error) error {
	return &Error{Class: ClassConfiguration, Err: err}
}

// Data оборачивает ошибку как FATAL_DATA.
func Data(err error) error {
	return &Error{Class: ClassData, Err: err}
}

// WithCode оборачивает ошибку с машинным кодом.
func WithCode(code string, err error) error {
	return &Error{Code: code, Err: err}
}

// FromHTTPStatus создаёт ошибку по HTTP статусу ответа.
func FromHTTPStatus(status int, body string) error {
	msg := http.StatusText(status)
	if body != "" {
		msg = body
	}
	return &Error{StatusCode: status, Err: errors.New(msg)}
}
