package capture

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingOutput is returned when a tool exits cleanly without producing its output file.
var ErrMissingOutput = errors.New("expected output file missing")

// StageError wraps a failure of one pipeline stage together with the tail of the tool output.
type StageError struct {
	Stage  string
	Err    error
	Output string
}

func (e *StageError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Stage, e.Err, e.Output)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorClass says whether a capture failure is likely to succeed on a later attempt.
type ErrorClass int

const (
	// ErrorClassRetryable covers transient network and server failures.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal covers failures a retry cannot fix (auth, missing content, bad input, missing binary).
	ErrorClassFatal
	// ErrorClassUnknown is everything else.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	serverPatterns = []string{
		"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable",
		"gateway timeout",
	}
	transientPatterns = []string{
		"429", "too many requests", "rate limit", "connection reset",
		"connection refused", "timed out", "timeout", "temporary failure", "no such host",
		"unable to download", "fragment", "incomplete", "eof",
	}
	fatalPatterns = []string{
		"subscriber-only", "only available to subscribers", "login required", "401", "403",
		"access denied", "404", "not found", "does not exist", "unsupported url", "invalid url",
		"drm", "executable file not found", "no such file or directory", "permission denied",
	}
)

// ClassifyError classifies a capture failure by matching known yt-dlp and ffmpeg messages.
// Server-side failures are checked before auth and not-found patterns, so "503" wins over "not found".
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrNoSuitableResolution) || errors.Is(err, ErrMissingOutput) {
		return ErrorClassFatal
	}
	lower := strings.ToLower(err.Error())
	for _, p := range serverPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	return ErrorClassUnknown
}
