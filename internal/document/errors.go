package document

import (
	"errors"
	"fmt"
)

// MergeError reports a remote payload that could not be applied. A batch
// failing validation is rejected as a whole: no partial state from a
// malformed payload ever becomes visible.
type MergeError struct {
	// Code identifies the error category.
	Code MergeErrorCode

	// Message is a human-readable description.
	Message string

	// Collection names the offending collection, when known.
	Collection string

	// Err is the underlying decode error, if any.
	Err error
}

// MergeErrorCode categorizes merge errors.
type MergeErrorCode string

const (
	// ErrCodeMalformed indicates the payload was not a decodable envelope.
	ErrCodeMalformed MergeErrorCode = "MALFORMED_PAYLOAD"

	// ErrCodeUnknownKind indicates an envelope kind this version does not speak.
	ErrCodeUnknownKind MergeErrorCode = "UNKNOWN_KIND"

	// ErrCodeUnknownCollection indicates an op referencing a collection
	// that does not exist in the document.
	ErrCodeUnknownCollection MergeErrorCode = "UNKNOWN_COLLECTION"

	// ErrCodeBadOp indicates an op with a missing id, undecodable record,
	// or unrecognized op name.
	ErrCodeBadOp MergeErrorCode = "BAD_OP"
)

// Error implements the error interface.
func (e *MergeError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("%s: %s (collection=%s)", e.Code, e.Message, e.Collection)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying decode error for errors.Is/As.
func (e *MergeError) Unwrap() error { return e.Err }

// IsMergeError reports whether err is (or wraps) a MergeError.
func IsMergeError(err error) bool {
	var me *MergeError
	return errors.As(err, &me)
}

func newMergeError(code MergeErrorCode, collection, msg string, err error) *MergeError {
	return &MergeError{Code: code, Message: msg, Collection: collection, Err: err}
}
