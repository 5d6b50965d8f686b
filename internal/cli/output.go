package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation was refused (missing row, protocol error)
	ExitCommandError = 2 // bad flags, config or database
	ExitOffline      = 3 // sync server unreachable; local data is intact
)

// Error codes of JSON error documents.
const (
	CodeConfig    = "E_CONFIG"
	CodeStorage   = "E_STORAGE"
	CodeNotFound  = "E_NOT_FOUND"
	CodeOffline   = "E_OFFLINE"
	CodeSync      = "E_SYNC"
	CodeArguments = "E_ARGS"
	CodeFailed    = "E_FAILED"
)

// ExitError is a command failure with the exit code the process ends with.
type ExitError struct {
	Code    int
	Reason  string // error code; derived from Err when empty
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns a failure without an underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns a failure caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

func (e *ExitError) withReason(reason string) *ExitError {
	e.Reason = reason
	return e
}

// GetExitCode returns the exit code carried by err, ExitFailure when there
// is none.
func GetExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// ErrorCode classifies err for JSON error documents.
func ErrorCode(err error) string {
	var ee *ExitError
	isExit := errors.As(err, &ee)
	if isExit && ee.Reason != "" {
		return ee.Reason
	}

	var se *crdt.StorageError
	var pe *syncer.ProtocolError
	switch {
	case crdt.IsRowNotFound(err):
		return CodeNotFound
	case errors.As(err, &se):
		return CodeStorage
	case syncer.IsTransportError(err):
		return CodeOffline
	case errors.As(err, &pe):
		return CodeSync
	case isExit && ee.Code == ExitCommandError:
		return CodeArguments
	}
	return CodeFailed
}

// textRenderer is implemented by results with a human-readable layout.
type textRenderer interface {
	RenderText(w io.Writer)
}

// OutputFormatter writes command results as text or as JSON documents.
// Diagnostics go to ErrWriter so that JSON on Writer stays parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON document every command prints with --format json.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

// Success prints a result. In text mode a textRenderer lays itself out and
// anything else goes through fmt.
func (f *OutputFormatter) Success(data any) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if r, ok := data.(textRenderer); ok {
		r.RenderText(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error prints a failure. Details are only shown in text mode with
// --verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a diagnostic line with --verbose.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.errWriter(), format+"\n", args...)
	}
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
