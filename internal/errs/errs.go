// Package errs provides a structured error system for ShareBox with error
// codes, categories, and causal chaining compatible with errors.Is/As.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies the kind of error within its category.
type Code string

const (
	// Config errors
	CodeConfigMissing    Code = "CONFIG_MISSING"
	CodeConfigInvalid    Code = "CONFIG_INVALID"
	CodeConfigValidation Code = "CONFIG_VALIDATION"

	// Store errors
	CodeStoreNotFound     Code = "STORE_NOT_FOUND"
	CodeStoreUnauthorized Code = "STORE_UNAUTHORIZED"
	CodeStoreNetwork      Code = "STORE_NETWORK"
	CodeStoreOther        Code = "STORE_OTHER"

	// Crypto errors
	CodeCryptoMalformed      Code = "CRYPTO_MALFORMED_CIPHERTEXT"
	CodeCryptoAuthentication Code = "CRYPTO_AUTHENTICATION_FAILED"
	CodeCryptoNoPassword     Code = "CRYPTO_NO_PASSWORD"

	// Sync errors
	CodeSyncQueueClosed Code = "SYNC_QUEUE_CLOSED"
	CodeSyncTimeout     Code = "SYNC_TIMEOUT"

	// Internal
	CodeInternal Code = "INTERNAL_ERROR"
)

// Category groups related codes for coarse-grained handling.
type Category string

const (
	CategoryConfig   Category = "config"
	CategoryStore    Category = "store"
	CategoryCrypto   Category = "crypto"
	CategorySync     Category = "sync"
	CategoryInternal Category = "internal"
)

var categoryByCode = map[Code]Category{
	CodeConfigMissing:       CategoryConfig,
	CodeConfigInvalid:       CategoryConfig,
	CodeConfigValidation:    CategoryConfig,
	CodeStoreNotFound:       CategoryStore,
	CodeStoreUnauthorized:   CategoryStore,
	CodeStoreNetwork:        CategoryStore,
	CodeStoreOther:          CategoryStore,
	CodeCryptoMalformed:     CategoryCrypto,
	CodeCryptoAuthentication: CategoryCrypto,
	CodeCryptoNoPassword:    CategoryCrypto,
	CodeSyncQueueClosed:     CategorySync,
	CodeSyncTimeout:         CategorySync,
	CodeInternal:            CategoryInternal,
}

// retryableCodes lists the codes a caller should retry after backoff.
var retryableCodes = map[Code]bool{
	CodeStoreNetwork: true,
	CodeSyncTimeout:  true,
}

// Error is ShareBox's structured error type.
type Error struct {
	Code      Code
	Category  Category
	Message   string
	Component string
	Operation string
	Cause     error
	Timestamp time.Time
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is comparisons on Code, ignoring Message/Cause/Timestamp.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an Error, auto-populating Category and Retryable from Code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryByCode[code],
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableCodes[code],
	}
}

// Wrap creates an Error that chains an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithComponent attaches the originating component name (e.g. "store", "vfs").
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation attaches the operation name (e.g. "GetObject").
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// StoreError constructs a store-category error of the given code.
func StoreError(code Code, operation, key string, cause error) *Error {
	return Wrap(code, fmt.Sprintf("%s failed for %q", operation, key), cause).
		WithComponent("store").WithOperation(operation)
}

// CryptoError constructs a crypto-category error.
func CryptoError(code Code, message string, cause error) *Error {
	return Wrap(code, message, cause).WithComponent("crypto")
}

// ConfigError constructs a config-category error.
func ConfigError(code Code, message string, cause error) *Error {
	return Wrap(code, message, cause).WithComponent("config")
}

// SyncError constructs a sync-category error.
func SyncError(code Code, message string, cause error) *Error {
	return Wrap(code, message, cause).WithComponent("sync")
}

// IsNotFound reports whether err is (or wraps) a store not-found error.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeStoreNotFound
	}
	return false
}

// IsRetryable reports whether err carries the Retryable flag.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
