package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Fatal-подстроки сообщений. Проверяются только после точных кодов.
var (
	configurationPatterns = []string{
		"unauthorized",
		"invalid api key",
		"incorrect api key",
		"authentication failed",
		"permission denied",
		"access denied",
		"model not found",
		"missing credentials",
	}

	dataPatterns = []string{
		"unsupported format",
		"unsupported media type",
		"unsupported file type",
		"corrupt",
		"malformed",
		"invalid utf-8",
		"password protected",
		"encrypted document",
		"no pages",
	}
)

// Classify относит ошибку к одному классу.
//
// Порядок: явный класс или код *Error, HTTP статус, сетевые ошибки
// и errno, затем deny-list fatal-подстрок. По умолчанию FATAL_UNKNOWN.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	if class, ok := classifyCode(err); ok {
		return class
	}

	msg := strings.ToLower(err.Error())
	for _, p := range configurationPatterns {
		if strings.Contains(msg, p) {
			return ClassConfiguration
		}
	}
	for _, p := range dataPatterns {
		if strings.Contains(msg, p) {
			return ClassData
		}
	}

	return ClassUnknown
}

// classifyCode проверяет точные коды ошибок.
func classifyCode(err error) (Class, bool) {
	var re *Error
	if errors.As(err, &re) {
		if re.Class != "" {
			return re.Class, true
		}
		if class, ok := codeClasses[re.Code]; ok {
			return class, true
		}
		if re.StatusCode != 0 {
			if class, ok := classifyStatus(re.StatusCode); ok {
				return class, true
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient, true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassTransient, true
	}

	return "", false
}

// classifyStatus классифицирует HTTP статус.
func classifyStatus(status int) (Class, bool) {
	switch status {
	case 408, 429, 500, 502, 504:
		return ClassTransient, true
	case 503, 507:
		return ClassResource, true
	case 401, 403, 407:
		return ClassConfiguration, true
	case 400, 404, 413, 415, 422:
		return ClassData, true
	}
	if status >= 500 {
		return ClassTransient, true
	}
	return "", false
}
