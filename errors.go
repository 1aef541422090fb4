package confluence

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrLLM is a model-call failure reported by a provider.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a model endpoint. RetryAfter holds
// the parsed Retry-After header, or zero.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date. Invalid or past values yield zero.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrMaxDepth matches any DepthExceededError via errors.Is.
var ErrMaxDepth = errors.New("loop exceeded maximum depth")

// DepthExceededError is returned when a run requests tools more times than
// its configured maximum depth. It is fatal for the run and never retried.
type DepthExceededError struct {
	Max int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("loop exceeded maximum depth (%d)", e.Max)
}

func (e *DepthExceededError) Is(target error) bool { return target == ErrMaxDepth }

// ErrUnknownToolCall is returned by History.Append when a tool message
// answers a call id never requested earlier in the same history.
var ErrUnknownToolCall = errors.New("tool message answers unknown call id")

// ErrRunEnded is returned by History.Append once the writing run has ended.
var ErrRunEnded = errors.New("run ended")
