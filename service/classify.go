package service

import "strings"

// Error classes reported alongside failures. They are for logs and callers
// only; no control flow depends on them.
const (
	ErrorPermissionDenied = "PERMISSION_DENIED"
	ErrorForbidden        = "FORBIDDEN"
	ErrorUnauthorized     = "UNAUTHORIZED"
	ErrorNotAllowed       = "NOT_ALLOWED"
	ErrorTimeout          = "TIMEOUT"
	ErrorOther            = "OTHER"
	ErrorUnknown          = "UNKNOWN"
)

// ClassifyError buckets err by the words in its message.
func ClassifyError(err error) string {
	if err == nil || err.Error() == "" {
		return ErrorUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"):
		return ErrorPermissionDenied
	case strings.Contains(msg, "forbidden"):
		return ErrorForbidden
	case strings.Contains(msg, "unauthorized"):
		return ErrorUnauthorized
	case strings.Contains(msg, "not allowed"):
		return ErrorNotAllowed
	case strings.Contains(msg, "timeout"):
		return ErrorTimeout
	default:
		return ErrorOther
	}
}
