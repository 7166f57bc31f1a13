package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Validation Errors (VALIDATION_*)
	ErrorCodeValidationFailed       ErrorCode = "VALIDATION_FAILED"
	ErrorCodeValidationMissingField ErrorCode = "VALIDATION_MISSING_FIELD"

	// Not Found Errors
	ErrorCodePlanNotFound         ErrorCode = "PLAN_NOT_FOUND"
	ErrorCodeCustomerNotFound     ErrorCode = "CUSTOMER_NOT_FOUND"
	ErrorCodeSubscriptionNotFound ErrorCode = "SUB_NOT_FOUND"
	ErrorCodeInvoiceNotFound      ErrorCode = "INVOICE_NOT_FOUND"
	ErrorCodePMNotFound           ErrorCode = "PM_NOT_FOUND"

	// Conflict Errors
	ErrorCodePlanInactive          ErrorCode = "PLAN_INACTIVE"
	ErrorCodeDuplicateSubscription ErrorCode = "SUB_DUPLICATE"
	ErrorCodeSubscriptionCanceled  ErrorCode = "SUB_CANCELED"
	ErrorCodeAlreadyCanceled       ErrorCode = "SUB_ALREADY_CANCELED"
	ErrorCodeInvalidTransition     ErrorCode = "SUB_INVALID_TRANSITION"
	ErrorCodeInvoiceAlreadyExists  ErrorCode = "INVOICE_ALREADY_EXISTS"
	ErrorCodeInvoiceFinalized      ErrorCode = "INVOICE_FINALIZED"

	// Configuration defect, never retried
	ErrorCodeUnsupportedInterval ErrorCode = "INTERVAL_UNSUPPORTED"

	// Payment Gateway Errors (GATEWAY_*)
	ErrorCodeGatewayDeclined ErrorCode = "GATEWAY_DECLINED"
	ErrorCodeGatewayError    ErrorCode = "GATEWAY_ERROR"
	ErrorCodeGatewayTimeout  ErrorCode = "GATEWAY_TIMEOUT"

	// Internal Errors (INTERNAL_*)
	ErrorCodeDatabaseError ErrorCode = "INTERNAL_DATABASE_ERROR"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
	// Transient marks gateway failures that may succeed on a later attempt
	Transient bool
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches another DomainError by code so sentinel values work with errors.Is
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// NewDeclinedError reports a charge the processor refused
func NewDeclinedError(reason string) *DomainError {
	return NewDomainError(ErrorCodeGatewayDeclined, reason)
}

// NewGatewayError reports a processor failure that is not a decline
func NewGatewayError(message string, transient bool, err error) *DomainError {
	e := WrapError(ErrorCodeGatewayError, message, err)
	e.Transient = transient
	return e
}

// NewGatewayTimeoutError reports a charge that did not complete within its deadline
func NewGatewayTimeoutError(err error) *DomainError {
	e := WrapError(ErrorCodeGatewayTimeout, "payment gateway timeout", err)
	e.Transient = true
	return e
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsNotFoundError checks if an error represents a "not found" condition
func IsNotFoundError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodePlanNotFound ||
		code == ErrorCodeCustomerNotFound ||
		code == ErrorCodeSubscriptionNotFound ||
		code == ErrorCodeInvoiceNotFound ||
		code == ErrorCodePMNotFound
}

// IsConflictError checks if an error conflicts with the current state of a resource
func IsConflictError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeDuplicateSubscription ||
		code == ErrorCodeSubscriptionCanceled ||
		code == ErrorCodeAlreadyCanceled ||
		code == ErrorCodeInvalidTransition ||
		code == ErrorCodeInvoiceAlreadyExists ||
		code == ErrorCodeInvoiceFinalized ||
		code == ErrorCodePlanInactive
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeValidationFailed ||
		code == ErrorCodeValidationMissingField
}

// IsGatewayError checks if an error is a payment gateway error
func IsGatewayError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeGatewayError ||
		code == ErrorCodeGatewayTimeout ||
		code == ErrorCodeGatewayDeclined
}

// IsTransient reports whether a failed charge may be retried without counting as a decline
func IsTransient(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Transient
	}
	return false
}

// Sentinel errors, matched with errors.Is by code
var (
	ErrValidationFailed = NewDomainError(ErrorCodeValidationFailed, "validation failed")

	ErrPlanNotFound         = NewDomainError(ErrorCodePlanNotFound, "plan not found")
	ErrCustomerNotFound     = NewDomainError(ErrorCodeCustomerNotFound, "customer not found")
	ErrSubscriptionNotFound = NewDomainError(ErrorCodeSubscriptionNotFound, "subscription not found")
	ErrInvoiceNotFound      = NewDomainError(ErrorCodeInvoiceNotFound, "invoice not found")
	ErrPMNotFound           = NewDomainError(ErrorCodePMNotFound, "payment method not found")

	ErrPlanInactive          = NewDomainError(ErrorCodePlanInactive, "plan is not active")
	ErrDuplicateSubscription = NewDomainError(ErrorCodeDuplicateSubscription, "customer already has an active subscription to this plan")
	ErrCannotUpdateCanceled  = NewDomainError(ErrorCodeSubscriptionCanceled, "cannot update a canceled subscription")
	ErrAlreadyCanceled       = NewDomainError(ErrorCodeAlreadyCanceled, "subscription is already canceled")
	ErrInvalidTransition     = NewDomainError(ErrorCodeInvalidTransition, "invalid subscription status transition")
	ErrInvoiceAlreadyExists  = NewDomainError(ErrorCodeInvoiceAlreadyExists, "invoice already exists for this billing period")
	ErrInvoiceFinalized      = NewDomainError(ErrorCodeInvoiceFinalized, "invoice is paid or void")
	ErrUnsupportedInterval   = NewDomainError(ErrorCodeUnsupportedInterval, "unsupported billing interval")

	ErrDatabaseError = NewDomainError(ErrorCodeDatabaseError, "database error")
)

// NewValidationError reports a malformed request field
func NewValidationError(field, message string) *DomainError {
	return NewDomainError(ErrorCodeValidationFailed, message).WithDetail("field", field)
}
