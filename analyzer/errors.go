package analyzer

import (
	"errors"
	"net"
	"os"
	"strings"

	"github.com/prismnotes/ingest/llm"
	"github.com/prismnotes/ingest/urlnorm"
)

// Pipeline stages recorded on failure diagnostics. Anything else
// normalizes to StageUnknown.
const (
	StageFeedFetch    = "feed_fetch"
	StageFeedParse    = "feed_parse"
	StageContentFetch = "content_fetch"
	StageLLMRequest   = "llm_request"
	StageLLMParse     = "llm_parse"
	StageDBWrite      = "db_write"
	StageUnknown      = "unknown"
)

var allowedStages = map[string]bool{
	StageFeedFetch:    true,
	StageFeedParse:    true,
	StageContentFetch: true,
	StageLLMRequest:   true,
	StageLLMParse:     true,
	StageDBWrite:      true,
}

// StageError is a pipeline failure pinned to the stage that caused it.
// Retryable is decided where the error is classified, not inferred later
// by the consumer.
type StageError struct {
	Stage     string
	Retryable bool
	Class     string
	Message   string
}

func (e *StageError) Error() string {
	return e.Message
}

func newStageError(stage string, retryable bool, class, message string) *StageError {
	return &StageError{Stage: stage, Retryable: retryable, Class: class, Message: message}
}

// stageFromError wraps err into a StageError for the given stage,
// classifying retryability from the error text. An existing StageError
// passes through unchanged.
func stageFromError(err error, stage string) *StageError {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	message := errorMessage(err, "analysis failed")
	return newStageError(stage, retryableError(err), errorClass(err), message)
}

// normalizeStage collapses unknown stage names so diagnostics stay
// queryable.
func normalizeStage(stage string) string {
	normalized := strings.ToLower(strings.TrimSpace(stage))
	if allowedStages[normalized] {
		return normalized
	}
	return StageUnknown
}

// classifyFeedStage decides whether a feed failure was a transport or a
// parse problem, based on the error's own stage when it has one, or on
// its message otherwise.
func classifyFeedStage(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return normalizeStage(stageErr.Stage)
	}
	lowered := strings.ToLower(err.Error())
	if strings.Contains(lowered, "xml") || strings.Contains(lowered, "atom") || strings.Contains(lowered, "rss") {
		return StageFeedParse
	}
	return StageFeedFetch
}

// retryableHints marks errors worth retrying later: transient transport
// conditions and upstream pressure responses.
var retryableHints = []string{
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"connection aborted",
	"connection refused",
	"name or service not known",
	"no such host",
	"temporary failure",
	"try again",
	"429",
	"502",
	"503",
	"504",
	"rate limit",
	"overloaded",
}

func retryableError(err error) bool {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Retryable
	}
	return retryableMessage(err.Error())
}

func retryableMessage(message string) bool {
	lowered := strings.ToLower(strings.TrimSpace(message))
	if lowered == "" {
		return false
	}
	for _, hint := range retryableHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}

// errorClass names the kind of failure for diagnostics.
func errorClass(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Class
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return "LLMClientError"
	}
	var urlErr *urlnorm.Error
	if errors.As(err, &urlErr) {
		return "URLError"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "Timeout"
		}
		return "NetworkError"
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return "Timeout"
	}
	return "Error"
}

func errorMessage(err error, fallback string) string {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = fallback
	}
	return truncateRunes(message, 500)
}

func truncateRunes(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}
