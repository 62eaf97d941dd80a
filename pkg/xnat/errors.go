package xnat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a non-2xx response from XNAT.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("xnat %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsNotFound reports whether err is a 404 from XNAT.
func IsNotFound(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying while XNAT starts up:
// transport failures, timeouts and any error status from the server. XNAT
// answers 401 and 404 until its webapp has finished initialising.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var xe *Error
	if errors.As(err, &xe) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
