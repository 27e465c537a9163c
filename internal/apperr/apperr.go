// Package apperr defines the error categories used across the testbench.
//
// Error taxonomy
//
//	ConfigError    – unknown or invalid transform, algorithm, or parameter.
//	                 Raised before any execution; never partially applied.
//	ContractError  – a detector's output violated the shape/alignment/ordering
//	                 contract. The affected grid cell is marked failed.
//	IntegrityError – identity collision or non-monotonic input where monotonic
//	                 was guaranteed. Indicates a correctness bug; aborts the
//	                 experiment rather than being recovered.
//	ExecError      – a detector failed or timed out at runtime. Caught at cell
//	                 granularity; the experiment continues.
//
// Everything else is a plain Go error (I/O, SQL, parsing) propagated with
// fmt.Errorf("context: %w", err) wrapping.
package apperr

import (
	"errors"
	"fmt"
)

// ConfigError represents invalid configuration detected before execution.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// Config creates a ConfigError with the given message.
func Config(msg string) error { return &ConfigError{Message: msg} }

// Configf creates a formatted ConfigError.
func Configf(format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is (or wraps) a *ConfigError.
func IsConfig(err error) bool {
	var c *ConfigError
	return errors.As(err, &c)
}

// ContractError represents a detector output that violated the output
// contract (unordered events, misaligned signals).
type ContractError struct {
	Message string
}

func (e *ContractError) Error() string { return e.Message }

// Contractf creates a formatted ContractError.
func Contractf(format string, args ...any) error {
	return &ContractError{Message: fmt.Sprintf(format, args...)}
}

// IsContract reports whether err is (or wraps) a *ContractError.
func IsContract(err error) bool {
	var c *ContractError
	return errors.As(err, &c)
}

// IntegrityError represents a fatal correctness violation. It is never
// recovered per-cell; the whole experiment is aborted.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string { return e.Message }

// Integrityf creates a formatted IntegrityError.
func Integrityf(format string, args ...any) error {
	return &IntegrityError{Message: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err is (or wraps) a *IntegrityError.
func IsIntegrity(err error) bool {
	var i *IntegrityError
	return errors.As(err, &i)
}

// ExecError represents a runtime detector failure isolated to one cell.
type ExecError struct {
	Message string
	Cause   error
}

func (e *ExecError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ExecError) Unwrap() error { return e.Cause }

// Exec wraps a runtime failure as an ExecError.
func Exec(msg string, cause error) error { return &ExecError{Message: msg, Cause: cause} }

// IsExec reports whether err is (or wraps) a *ExecError.
func IsExec(err error) bool {
	var x *ExecError
	return errors.As(err, &x)
}
