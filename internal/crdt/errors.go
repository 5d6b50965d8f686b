package crdt

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes storage errors.
type ErrorCode string

const (
	// ErrCodeUnknownDataset indicates a message or read names a dataset that
	// is not registered with the store.
	ErrCodeUnknownDataset ErrorCode = "UNKNOWN_DATASET"

	// ErrCodeRowNotFound indicates an update or read of a row that does not exist.
	ErrCodeRowNotFound ErrorCode = "ROW_NOT_FOUND"

	// ErrCodeInvalidMessage indicates a structurally malformed message.
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
)

// StorageError is returned for messages and requests the store refuses.
// These are not transient: retrying the same input fails the same way.
type StorageError struct {
	Code    ErrorCode
	Dataset string
	Row     string
	Err     error
}

func (e *StorageError) Error() string {
	switch {
	case e.Row != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s/%s: %v", e.Code, e.Dataset, e.Row, e.Err)
	case e.Row != "":
		return fmt.Sprintf("%s: %s/%s", e.Code, e.Dataset, e.Row)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Dataset, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Dataset)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches any storage error carrying the same code, so errors.Is finds
// every code inside a joined batch error.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == e.Code
}

func unknownDataset(dataset string) *StorageError {
	return &StorageError{Code: ErrCodeUnknownDataset, Dataset: dataset}
}

func rowNotFound(dataset, row string) *StorageError {
	return &StorageError{Code: ErrCodeRowNotFound, Dataset: dataset, Row: row}
}

func invalidMessage(dataset string, err error) *StorageError {
	return &StorageError{Code: ErrCodeInvalidMessage, Dataset: dataset, Err: err}
}

func hasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &StorageError{Code: code})
}

// IsUnknownDataset reports whether err is an UNKNOWN_DATASET storage error.
func IsUnknownDataset(err error) bool { return hasCode(err, ErrCodeUnknownDataset) }

// IsRowNotFound reports whether err is a ROW_NOT_FOUND storage error.
func IsRowNotFound(err error) bool { return hasCode(err, ErrCodeRowNotFound) }

// IsInvalidMessage reports whether err is an INVALID_MESSAGE storage error.
func IsInvalidMessage(err error) bool { return hasCode(err, ErrCodeInvalidMessage) }

// IsStorageError reports whether err carries any StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
