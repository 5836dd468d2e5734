package app

import "fmt"

// DomainError is a failure of the conversation surface that maps directly
// onto an HTTP response. The codes form a small fixed taxonomy:
//
//	UNAUTHORIZED        bad or expired bearer token
//	FORBIDDEN           viewer is no party to the claim, or the live session
//	                    belongs to someone else
//	NOT_FOUND           claim, message, attachment or live session
//	VALIDATION_ERROR    empty message, claim mismatch, malformed query
//	CONVERSATION_LOCKED send against a purge-eligible conversation
//	SESSION_CLOSED      send against an already closed live session
//
// Status carries the matching HTTP status so handlers never re-derive it
// from the code.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
