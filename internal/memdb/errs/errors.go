// Package errs defines the typed error taxonomy for the memory engine.
// Low-level library errors are wrapped into one of these before crossing
// a component boundary; callers can match with errors.Is / errors.As.
package errs

import (
	"errors"
	"fmt"
)

// ErrMemorySystem is the sentinel root of the taxonomy. Every typed error
// below matches errors.Is(err, ErrMemorySystem).
var ErrMemorySystem = errors.New("memory system error")

// ConfigurationError indicates an invalid or unresolvable configuration.
type ConfigurationError struct {
	Key   string
	cause error
}

func NewConfigurationError(key string, cause error) *ConfigurationError {
	return &ConfigurationError{Key: key, cause: cause}
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: %v", e.cause)
	}
	return fmt.Sprintf("configuration error (%s): %v", e.Key, e.cause)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }

func (e *ConfigurationError) Is(target error) bool { return target == ErrMemorySystem }

// DatabaseError wraps a storage failure with the operation and table involved.
type DatabaseError struct {
	Op    string
	Table string
	cause error
}

func NewDatabaseError(op, table string, cause error) *DatabaseError {
	return &DatabaseError{Op: op, Table: table, cause: cause}
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error: %s on %s: %v", e.Op, e.Table, e.cause)
}

func (e *DatabaseError) Unwrap() error { return e.cause }

func (e *DatabaseError) Is(target error) bool { return target == ErrMemorySystem }

// VectorOperationError indicates a failed vector index operation.
type VectorOperationError struct {
	Op        string
	ChannelID string
	cause     error
}

func NewVectorOperationError(op, channelID string, cause error) *VectorOperationError {
	return &VectorOperationError{Op: op, ChannelID: channelID, cause: cause}
}

func (e *VectorOperationError) Error() string {
	return fmt.Sprintf("vector operation error: %s (channel %s): %v", e.Op, e.ChannelID, e.cause)
}

func (e *VectorOperationError) Unwrap() error { return e.cause }

func (e *VectorOperationError) Is(target error) bool { return target == ErrMemorySystem }

// SearchError indicates a failed search after all fallbacks were exhausted.
type SearchError struct {
	SearchType string
	Query      string
	cause      error
}

func NewSearchError(searchType, query string, cause error) *SearchError {
	return &SearchError{SearchType: searchType, Query: query, cause: cause}
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search error (%s): %q: %v", e.SearchType, e.Query, e.cause)
}

func (e *SearchError) Unwrap() error { return e.cause }

func (e *SearchError) Is(target error) bool { return target == ErrMemorySystem }

// HardwareIncompatibleError indicates that no performance profile fits the
// detected hardware. This is structural and always propagates.
type HardwareIncompatibleError struct {
	TotalRAMMB int
	CPUCount   int
}

func (e *HardwareIncompatibleError) Error() string {
	return fmt.Sprintf("no compatible performance profile for hardware (ram=%dMB cpus=%d)", e.TotalRAMMB, e.CPUCount)
}

func (e *HardwareIncompatibleError) Is(target error) bool { return target == ErrMemorySystem }
