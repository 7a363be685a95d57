package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

var (
	// ErrNoToken is returned before any network call when an
	// authenticated request is made without a token.
	ErrNoToken = errors.New("no agent token configured")
	// ErrInvalidToken is returned before any network call when the
	// token cannot be sent as a bearer credential.
	ErrInvalidToken = errors.New("agent token is malformed")
	// ErrUnauthorized wraps a 401 from the server. It is never retried.
	ErrUnauthorized = errors.New("agent token rejected by server")
	// ErrRateLimited wraps the last 429 once the retry budget is spent.
	ErrRateLimited = errors.New("rate limit retries exhausted")
)

// APIError is a non-success response, carried to the caller unchanged.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	// Code and Message come from the game's error envelope when present.
	Code     int
	Message  string
	Header   http.Header
	Body     []byte
	Attempts int
}

func newAPIError(method, url string, resp *Response) *APIError {
	e := &APIError{
		Method:     method,
		URL:        url,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Attempts:   resp.Attempts,
	}
	if gjson.ValidBytes(resp.Body) {
		env := gjson.GetBytes(resp.Body, "error")
		e.Code = int(env.Get("code").Int())
		e.Message = env.Get("message").String()
	}
	return e
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: %d (code %d): %s", e.Method, e.URL, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// StatusCode extracts the HTTP status from err, or 0 when err did not
// come from a server response.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
