package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies why a council member failed to produce an answer.
// The kind travels with the response slot so downstream stages (consensus
// carry-through, synthesis, the HTTP layer) can branch without parsing
// error text.
type ErrorKind string

const (
	// ErrKindRateLimit means the backend kept returning 429 after all retries.
	ErrKindRateLimit ErrorKind = "rate_limit"
	// ErrKindNetwork covers transport failures and 5xx responses that
	// survived the retry budget.
	ErrKindNetwork ErrorKind = "network"
	// ErrKindValidation means the backend answered but the payload was
	// unusable: undecodable JSON, no choices, or empty content.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindRemoteAPI is a non-retryable HTTP error (4xx other than 429),
	// carrying the server-provided message.
	ErrKindRemoteAPI ErrorKind = "remote_api"
	// ErrKindCancelled means the caller's context was cancelled or expired.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindFirstN marks a slot that was never needed because enough
	// faster members already settled.
	ErrKindFirstN ErrorKind = "first_n_skipped"
	// ErrKindTimeLimit marks an answer that arrived but was culled for
	// exceeding the per-round latency budget.
	ErrKindTimeLimit ErrorKind = "time_limit"
	// ErrKindNoContent means synthesis was skipped because the final round
	// held no successful answers.
	ErrKindNoContent ErrorKind = "no_content"
)

// Sentinel slot messages. Carry-through and the tests rely on the exact
// wording, so these never change casually.
const (
	// ErrFirstNNotNeeded fills slots whose members lost the first-n race.
	ErrFirstNNotNeeded = "Response not needed (first-n limit reached)"

	// ErrTimeLimitPrefix starts every time-limit culling message; the full
	// message appends the measured latency and the budget.
	ErrTimeLimitPrefix = "Filtered: exceeded time limit"

	// ErrNoSynthesisContent is the synthesis slot message when every member
	// of the final round failed.
	ErrNoSynthesisContent = "No successful responses to synthesize"

	// ErrCancelledMessage fills slots whose requests were cancelled.
	ErrCancelledMessage = "Request cancelled"
)

// APIError is a classified failure from the chat-completion endpoint. The
// retry loop consults Retryable, and the fan-out materializes the terminal
// error into the slot's kind and message.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

// Error formats the failure for logs and response slots. The status code is
// included when one was received; transport failures have none.
func (e *APIError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	return msg
}

// Retryable reports whether another attempt could reasonably succeed.
// Rate limits and network-class failures retry; everything else is final
// on the first attempt.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case ErrKindRateLimit, ErrKindNetwork:
		return true
	}
	return false
}

// apiErrorBody is the error envelope OpenRouter returns on failures.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// classifyHTTPError turns a non-200 response into an APIError. 429 becomes a
// retryable rate limit carrying any Retry-After hint, 5xx is retried as a
// network-class failure, and the remaining statuses are final.
func classifyHTTPError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := extractErrorMessage(body)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{
			Kind:       ErrKindRateLimit,
			StatusCode: resp.StatusCode,
			Message:    message,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &APIError{
			Kind:       ErrKindNetwork,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	default:
		return &APIError{
			Kind:       ErrKindRemoteAPI,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}
}

// extractErrorMessage pulls the server's message out of the error envelope,
// falling back to the raw body when it isn't JSON.
func extractErrorMessage(body []byte) string {
	var decoded apiErrorBody
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Message != "" {
		return decoded.Error.Message
	}
	if len(body) > 0 {
		return string(body)
	}
	return ""
}

// parseRetryAfter reads a Retry-After header given in whole seconds.
// HTTP-date values are ignored; the backoff schedule covers that case.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
