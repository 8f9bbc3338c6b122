package model

import "fmt"

// ErrorCode is the machine-readable part of an EnvelopeError.
type ErrorCode string

const (
	CodeInternal     ErrorCode = "INTERNAL_SERVER_ERROR"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
)

// CodedError lets handlers choose the code surfaced to the sender.
type CodedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func NewCodedError(code ErrorCode, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }
