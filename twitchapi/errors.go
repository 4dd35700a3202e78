package twitchapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ClientError is a 4xx answer from Twitch. It is never retried automatically.
type ClientError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("twitch client error: %s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// ServerError is a 5xx answer from Twitch. Callers decide whether to retry,
// usually by waiting for the next scheduled pass.
type ServerError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("twitch server error: %s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// TransportError wraps connection failures, timeouts and cancellations.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("twitch transport error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// statusError builds the typed error for a non-2xx status.
func statusError(method, url string, status int, body string) error {
	if status >= 500 {
		return &ServerError{Method: method, URL: url, StatusCode: status, Body: body}
	}
	return &ClientError{Method: method, URL: url, StatusCode: status, Body: body}
}

// IsClientError reports whether err is (or wraps) a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// IsUnauthorized reports whether err is a 401 from Twitch, which means the app
// token was revoked or expired early.
func IsUnauthorized(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.StatusCode == http.StatusUnauthorized
}

// IsTransient reports whether err is a server or transport failure, i.e. worth
// trying again on the next scheduled tick.
func IsTransient(err error) bool {
	var se *ServerError
	var te *TransportError
	return errors.As(err, &se) || errors.As(err, &te)
}
