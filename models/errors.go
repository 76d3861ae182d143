package models

import (
	"fmt"
	"time"
)

// ErrorClass categorizes fetch failures for retry decisions.
type ErrorClass string

const (
	// ErrorClassNetwork covers connection failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"
	// ErrorClassServer covers 5xx responses.
	ErrorClassServer ErrorClass = "server"
	// ErrorClassRateLimit covers explicit quota signals from the API.
	ErrorClassRateLimit ErrorClass = "rate_limit"
	// ErrorClassAuth covers rejected or missing credentials.
	ErrorClassAuth ErrorClass = "auth"
	// ErrorClassClient covers every other 4xx and undecodable bodies.
	ErrorClassClient ErrorClass = "client"
)

// FetchError is returned by page fetchers for every failed request.
type FetchError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch error (class=%s, status=%d): %s: %v", e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch error (class=%s, status=%d): %s", e.Class, e.StatusCode, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request may succeed.
func (e *FetchError) Transient() bool {
	switch e.Class {
	case ErrorClassNetwork, ErrorClassServer:
		return true
	default:
		return false
	}
}
