package fetch

import (
	"bytes"
	"errors"
	"net/http"
)

// Class is the verdict on a single attempt.
type Class int

const (
	ClassSuccess Class = iota
	// ClassBlocked: rate limited or served a bot challenge. Retryable.
	ClassBlocked
	// ClassTransport: dial, timeout or read failure. Retryable.
	ClassTransport
	// ClassHTTPStatus: non-2xx status that does not look like a block. Retryable.
	ClassHTTPStatus
	// ClassInvalid: the request could not be built. Not retryable.
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassBlocked:
		return "blocked"
	case ClassTransport:
		return "transport_error"
	case ClassHTTPStatus:
		return "http_error"
	case ClassInvalid:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// ErrBlocked marks attempts that hit a block or challenge page.
var ErrBlocked = errors.New("captcha or block detected")

var blockMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("recaptcha"),
	[]byte("hcaptcha"),
	[]byte("please verify"),
	[]byte("are you human"),
}

// isBlocked reports whether a response looks like a block or a challenge page.
// A 200 carrying a challenge marker is still a block.
func isBlocked(status int, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return true
	}
	lowered := bytes.ToLower(body)
	for _, marker := range blockMarkers {
		if bytes.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// classify decides the class of an attempt that produced a response.
func classify(status int, body []byte) Class {
	if isBlocked(status, body) {
		return ClassBlocked
	}
	if status < 200 || status >= 300 {
		return ClassHTTPStatus
	}
	return ClassSuccess
}
