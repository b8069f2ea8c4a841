package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches another DomainError with the same code and message, so wrapped
// sentinels still compare equal with errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeInvalidOperation = "INVALID_OPERATION"

	// Pipeline error codes
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeCorruptIndex  = "CORRUPT_INDEX"
	ErrCodeGeneration    = "GENERATION_ERROR"
	ErrCodeEmbedding     = "EMBEDDING_ERROR"
)

// Validation errors
var (
	ErrInvalidRole          = NewDomainError(ErrCodeValidation, "invalid message role")
	ErrEmptyQuestion        = NewDomainError(ErrCodeValidation, "question cannot be empty")
	ErrInvalidK             = NewDomainError(ErrCodeValidation, "k must be at least 1")
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
)

// Not found errors
var (
	ErrSessionNotFound = NewDomainError(ErrCodeNotFound, "session not found")
)

// Conflict errors
var (
	ErrTurnInProgress = NewDomainError(ErrCodeConflict, "a turn is already in progress for this session")
)

// Operation errors
var (
	ErrSystemMessageNotStored = NewDomainError(ErrCodeInvalidOperation, "system messages are never stored in history")
	ErrIndexNotReady          = NewDomainError(ErrCodeInvalidOperation, "knowledge base is not ready")
)

// Pipeline errors
var (
	ErrSourceDirMissing = NewDomainError(ErrCodeConfiguration, "source directory is missing")
	ErrNoSourceFiles    = NewDomainError(ErrCodeConfiguration, "no source documents found")
	ErrMissingAPIKey    = NewDomainError(ErrCodeConfiguration, "generation API key is not set")
)

// NewConfigurationError reports a terminal setup problem the operator must fix before restarting.
func NewConfigurationError(message string, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeConfiguration, message, err)
}

// NewCorruptIndexError reports a persisted index that cannot be trusted.
func NewCorruptIndexError(message string, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeCorruptIndex, message, err)
}

// NewGenerationError reports a failure of the completion service.
func NewGenerationError(message string, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeGeneration, message, err)
}

// NewEmbeddingError reports a failure of the embedding provider.
func NewEmbeddingError(message string, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeEmbedding, message, err)
}

// ErrorCode returns the code of the first DomainError in err's chain, or "".
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsConfigurationError(err error) bool { return ErrorCode(err) == ErrCodeConfiguration }
func IsCorruptIndexError(err error) bool  { return ErrorCode(err) == ErrCodeCorruptIndex }
func IsGenerationError(err error) bool    { return ErrorCode(err) == ErrCodeGeneration }
func IsEmbeddingError(err error) bool     { return ErrorCode(err) == ErrCodeEmbedding }
