package fetch

import (
	"fmt"
	"net/url"
	"time"
)

// NetworkError is returned when the request could not be made or the
// server answered with a non-2xx status.
type NetworkError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", redactURL(e.URL), e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", redactURL(e.URL), e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when the fetch did not finish within its deadline.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch %s: timed out after %s", redactURL(e.URL), e.Timeout)
}

// SizeExceededError is returned when the body is larger than the allowed limit.
type SizeExceededError struct {
	URL   string
	Limit int64
	Size  int64 // declared Content-Length, or -1 if discovered while streaming
}

func (e *SizeExceededError) Error() string {
	if e.Size >= 0 {
		return fmt.Sprintf("fetch %s: size %d exceeds limit of %d bytes", redactURL(e.URL), e.Size, e.Limit)
	}
	return fmt.Sprintf("fetch %s: body exceeds limit of %d bytes", redactURL(e.URL), e.Limit)
}

// redactURL drops query and fragment so tokens never reach logs.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
