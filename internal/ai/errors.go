package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	KindProvider ErrorKind = iota
	KindTransport
	KindAuthentication
	KindRateLimit
	KindEmptyResponse
	KindSchemaMismatch
	KindTruncated
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindEmptyResponse:
		return "empty_response"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindTruncated:
		return "truncated"
	default:
		return "provider"
	}
}

// Error is returned by every adapter operation on failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (%d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s error: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call site may retry.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindEmptyResponse, KindTransport:
		return true
	}
	return false
}

// IsRetryable reports whether err is an adapter error worth one retry.
func IsRetryable(err error) bool {
	var aerr *Error
	return errors.As(err, &aerr) && aerr.Retryable()
}

// KindOf returns the kind of an adapter error, or KindProvider.
func KindOf(err error) ErrorKind {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Kind
	}
	return KindProvider
}

// RetryDelay returns the vendor's retry hint when present, else fallback.
func RetryDelay(err error, fallback time.Duration) time.Duration {
	var aerr *Error
	if errors.As(err, &aerr) && aerr.RetryAfter > 0 {
		if aerr.RetryAfter > 30*time.Second {
			return 30 * time.Second
		}
		return aerr.RetryAfter
	}
	return fallback
}

// classifyStatus maps an HTTP failure onto an adapter error.
func classifyStatus(provider string, resp *http.Response, body []byte) *Error {
	e := &Error{Provider: provider, StatusCode: resp.StatusCode, Message: vendorMessage(body)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuthentication
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e.Kind = KindTransport
	default:
		e.Kind = KindProvider
	}
	return e
}

// classifyTransport wraps client-side failures.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindTransport, Provider: provider, Err: err}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func vendorMessage(body []byte) string {
	var doc struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Error.Message != "" {
		return doc.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
