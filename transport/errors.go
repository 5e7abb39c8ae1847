package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuth matches authentication and authorization failures (401/403).
	ErrAuth = errors.New("API key authentication failed")
	// ErrNetwork matches failed requests, error responses and undecodable
	// bodies.
	ErrNetwork = errors.New("network request failed")
	// ErrRequestTimeout matches requests that exceeded the client timeout.
	ErrRequestTimeout = errors.New("request timed out")
)

// AuthError is returned for 401 and 403 responses.
type AuthError struct {
	StatusCode int
	// Header the API key was sent in
	Header string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("API key authentication failed (%s, HTTP %d)", e.Header, e.StatusCode)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// APIError is returned for any other non-2xx response.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	// Error message from the response body, if any
	Detail string
	// Field errors from a validation failure (422)
	Validation []string
}

func (e *APIError) Error() string {
	switch {
	case len(e.Validation) > 0:
		return "Validation error: " + strings.Join(e.Validation, "; ")
	case e.Detail != "":
		return "API error: " + e.Detail
	default:
		return fmt.Sprintf("HTTP error: %d", e.StatusCode)
	}
}

func (e *APIError) Is(target error) bool { return target == ErrNetwork }

// NetworkError wraps a failure to complete a request or to decode its answer.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network request failed: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// RequestTimeoutError is returned when a request exceeded the client timeout.
type RequestTimeoutError struct {
	URL string
	Err error
}

func (e *RequestTimeoutError) Error() string {
	return "request timeout: " + e.URL
}

func (e *RequestTimeoutError) Unwrap() error { return e.Err }

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.StatusCode
	}
	return 0
}

// newAPIError extracts the message of an error body. FastAPI style
// {"detail": "..."} and {"detail": [{"loc": [...], "msg": "..."}]} are
// understood, as is the {"code", "message"} envelope.
func newAPIError(status int, method, path string, body []byte) *APIError {
	e := &APIError{StatusCode: status, Method: method, Path: path}

	var doc struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return e
	}

	detail := bytes.TrimSpace(doc.Detail)
	switch {
	case len(detail) > 0 && detail[0] == '"':
		_ = json.Unmarshal(detail, &e.Detail)
	case len(detail) > 0 && detail[0] == '[':
		var items []struct {
			Loc []any  `json:"loc"`
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(detail, &items); err == nil {
			for _, item := range items {
				e.Validation = append(e.Validation, fmt.Sprintf("%v: %s", item.Loc, item.Msg))
			}
		}
	}
	if e.Detail == "" && len(e.Validation) == 0 {
		e.Detail = doc.Message
	}
	return e
}
