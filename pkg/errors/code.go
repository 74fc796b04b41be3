package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission intake errors
// 13100-13199: Grading errors
// 13200-13299: Sandbox errors
// 13300-13399: Artifact errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	Canceled            ErrorCode = 10009

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// ========== Submission Errors (13000-13099) ==========

	SubmissionNotFound      ErrorCode = 13000
	SubmissionAlreadyActive ErrorCode = 13001
	LanguageNotSupported    ErrorCode = 13003

	// ========== Grading Errors (13100-13199) ==========

	GradingQueueFull   ErrorCode = 13100
	GradingSystemError ErrorCode = 13101
	CheckerFailed      ErrorCode = 13102

	// ========== Sandbox Errors (13200-13299) ==========

	SandboxSetupFailed  ErrorCode = 13200
	SandboxLaunchFailed ErrorCode = 13201
	SandboxMonitorError ErrorCode = 13202

	// ========== Artifact Errors (13300-13399) ==========

	ArtifactNotFound     ErrorCode = 13300
	ArtifactFetchFailed  ErrorCode = 13301
	ArtifactDecodeFailed ErrorCode = 13302
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	Canceled:            "Request canceled",

	CacheError:       "Cache operation failed",
	ValidationFailed: "Validation failed",

	// Submission
	SubmissionNotFound:      "Submission not found",
	SubmissionAlreadyActive: "Submission is already being graded",
	LanguageNotSupported:    "Programming language not supported",

	// Grading
	GradingQueueFull:   "Grading queue is full, please try again later",
	GradingSystemError: "Grading system error",
	CheckerFailed:      "Checker failed",

	// Sandbox
	SandboxSetupFailed:  "Sandbox setup failed",
	SandboxLaunchFailed: "Sandbox launch failed",
	SandboxMonitorError: "Sandbox monitor failed",

	// Artifact
	ArtifactNotFound:     "Source artifact not found",
	ArtifactFetchFailed:  "Failed to fetch source artifact",
	ArtifactDecodeFailed: "Failed to decode source artifact",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SubmissionNotFound, c == ArtifactNotFound:
		return 404
	case c == SubmissionAlreadyActive:
		return 409
	case c == GradingQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported:
		return 400
	default:
		return 500
	}
}
