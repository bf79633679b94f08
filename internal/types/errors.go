// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrPoolExhausted  = errors.New("browser pool exhausted: no browsers available")
	ErrPoolClosed     = errors.New("browser pool is closed")
	ErrPoolTimeout    = errors.New("timeout waiting for browser from pool")
	ErrBrowserCrashed = errors.New("browser process crashed")

	// Fetch errors
	ErrFetchTimeout     = errors.New("fetch timed out")
	ErrBotChallenge     = errors.New("target served a bot challenge")
	ErrNotFound         = errors.New("page not found on target site")
	ErrMalformedContent = errors.New("page content could not be parsed")

	// Catalog errors
	ErrUnknownManufacturer = errors.New("unknown manufacturer")
	ErrUnknownModel        = errors.New("unknown model")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// FailReason classifies why a fetch terminally failed. It travels with
// FetchError so handlers can map failures to HTTP status codes without
// string matching.
type FailReason string

const (
	ReasonTimeout           FailReason = "timeout"
	ReasonBotChallenge      FailReason = "bot_challenge"
	ReasonNotFound          FailReason = "not_found"
	ReasonResourceExhausted FailReason = "resource_exhausted"
	ReasonMalformedContent  FailReason = "malformed_content"
)

// FetchError provides detailed information about fetch failures.
// It implements the error interface and supports error unwrapping.
type FetchError struct {
	Reason   FailReason // Terminal classification of the failure
	URL      string     // The URL where the error occurred
	Strategy string     // Strategy in effect when the failure became terminal
	Message  string     // Human-readable error message
	Err      error      // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates an error for a fetch that ran out of time.
func NewTimeoutError(url, strategy string) *FetchError {
	return &FetchError{
		Reason:   ReasonTimeout,
		URL:      url,
		Strategy: strategy,
		Message:  "Fetch timed out. The target site did not produce a usable page within the allowed time.",
		Err:      ErrFetchTimeout,
	}
}

// NewBotChallengeError creates an error for a page that is still a bot
// challenge after every available strategy.
func NewBotChallengeError(url string) *FetchError {
	return &FetchError{
		Reason:   ReasonBotChallenge,
		URL:      url,
		Strategy: StrategyRendered,
		Message:  "The target site served a bot challenge that rendered fetching could not get past.",
		Err:      ErrBotChallenge,
	}
}

// NewNotFoundError creates an error for a page the target site does not have.
func NewNotFoundError(url, strategy string) *FetchError {
	return &FetchError{
		Reason:   ReasonNotFound,
		URL:      url,
		Strategy: strategy,
		Message:  "The target site returned a not-found page for this URL.",
		Err:      ErrNotFound,
	}
}

// NewMalformedContentError creates an error for content that fetched but
// could not be interpreted.
func NewMalformedContentError(url, strategy, reason string) *FetchError {
	return &FetchError{
		Reason:   ReasonMalformedContent,
		URL:      url,
		Strategy: strategy,
		Message:  "Page content could not be parsed: " + reason,
		Err:      ErrMalformedContent,
	}
}

// PoolError provides detailed information about browser pool failures.
type PoolError struct {
	Operation string // The operation that failed
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolAcquireError creates an error for pool acquire failures.
func NewPoolAcquireError(reason string, err error) *PoolError {
	return &PoolError{
		Operation: "acquire",
		Message:   "Failed to acquire browser from pool: " + reason,
		Err:       err,
	}
}
