// Package errors defines the categorized error type crossing the API
// boundary. Every failure a handler can return maps to a ServiceError
// with a stable code and HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category on the wire.
type Code string

const (
	CodeInvalidRequest     Code = "invalid_request"
	CodeInvalidPlan        Code = "invalid_plan"
	CodeUnsupportedNetwork Code = "unsupported_network"
	CodeInvalidTxHash      Code = "invalid_tx_hash"
	CodeInvalidTier        Code = "invalid_tier"
	CodeInvalidSubject     Code = "invalid_subject_id"
	CodeInvalidDuration    Code = "invalid_duration"

	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"

	CodeTxNotFound Code = "tx_not_found"
	CodeTxPending  Code = "tx_pending"
	CodeTxFailed   Code = "tx_failed"

	CodeInvalidReceiver    Code = "invalid_receiver"
	CodePriceUnavailable   Code = "price_unavailable"
	CodeAmountInsufficient Code = "amount_insufficient"

	CodeMissingPricing Code = "missing_pricing"
	CodeStoreFailure   Code = "store_failure"
	CodeUpstreamError  Code = "upstream_error"
	CodeInternal       Code = "internal_error"
	CodeNotFound       Code = "not_found"
	CodeRateLimited    Code = "rate_limited"
)

// ServiceError is the structured error crossing the HTTP boundary.
type ServiceError struct {
	Code       Code                   `json:"error"`
	Message    string                 `json:"message,omitempty"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	cause      error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a key/value pair and returns the same error for
// chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retriable reports whether the caller should retry later without
// changing the request.
func (e *ServiceError) Retriable() bool {
	return e.Code == CodeTxPending || e.Code == CodePriceUnavailable || e.Code == CodeUpstreamError
}

func newError(code Code, status int, message string, cause error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, cause: cause}
}

// GetServiceError extracts a ServiceError from err, or nil if the chain
// contains none.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Client-input validation ----------------------------------------------------

func InvalidRequest(message string) *ServiceError {
	return newError(CodeInvalidRequest, http.StatusBadRequest, message, nil)
}

func InvalidPlan(plan string) *ServiceError {
	return newError(CodeInvalidPlan, http.StatusBadRequest, "plan must be pro or ultra", nil).
		WithDetails("plan", plan)
}

func UnsupportedNetwork(network string) *ServiceError {
	return newError(CodeUnsupportedNetwork, http.StatusBadRequest, "network is not configured", nil).
		WithDetails("network", network)
}

func InvalidTxHash() *ServiceError {
	return newError(CodeInvalidTxHash, http.StatusBadRequest, "tx_hash must be a 0x-prefixed 32-byte hex string", nil)
}

func InvalidTier(tier string) *ServiceError {
	return newError(CodeInvalidTier, http.StatusBadRequest, "tier must be basic, pro or ultra", nil).
		WithDetails("tier", tier)
}

func InvalidSubject() *ServiceError {
	return newError(CodeInvalidSubject, http.StatusBadRequest, "subject_id is missing or malformed", nil)
}

func InvalidDuration() *ServiceError {
	return newError(CodeInvalidDuration, http.StatusBadRequest, "credited duration must be positive", nil)
}

// Authentication -------------------------------------------------------------

// Unauthorized is deliberately opaque: token failures never explain
// themselves to the caller.
func Unauthorized() *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, "unauthorized", nil)
}

func Forbidden() *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, "forbidden", nil)
}

// Payment verification -------------------------------------------------------

func TxNotFound(hash string) *ServiceError {
	return newError(CodeTxNotFound, http.StatusNotFound, "transaction not found on chain", nil).
		WithDetails("tx_hash", hash)
}

// TxPending is non-terminal; the transaction exists but is not yet mined.
func TxPending() *ServiceError {
	return newError(CodeTxPending, http.StatusAccepted, "transaction is not yet confirmed", nil)
}

func TxFailed() *ServiceError {
	return newError(CodeTxFailed, http.StatusBadRequest, "transaction execution failed", nil)
}

func InvalidReceiver(expected, actual string) *ServiceError {
	return newError(CodeInvalidReceiver, http.StatusBadRequest, "transaction does not pay the receiving address", nil).
		WithDetails("expected_receiver", expected).
		WithDetails("actual_receiver", actual)
}

func PriceUnavailable(asset string, cause error) *ServiceError {
	return newError(CodePriceUnavailable, http.StatusBadGateway, "spot price unavailable", cause).
		WithDetails("asset", asset)
}

func AmountInsufficient(amountUSD, thresholdUSD float64) *ServiceError {
	return newError(CodeAmountInsufficient, http.StatusBadRequest, "payment below plan price", nil).
		WithDetails("amount_usd", amountUSD).
		WithDetails("threshold_usd", thresholdUSD)
}

// Configuration / infrastructure --------------------------------------------

func MissingPricing(plan string) *ServiceError {
	return newError(CodeMissingPricing, http.StatusInternalServerError, "no pricing configured for plan", nil).
		WithDetails("plan", plan)
}

func StoreFailure(cause error) *ServiceError {
	return newError(CodeStoreFailure, http.StatusInternalServerError, "durable store unavailable", cause)
}

func Upstream(operation string, cause error) *ServiceError {
	return newError(CodeUpstreamError, http.StatusBadGateway, "upstream call failed", cause).
		WithDetails("operation", operation)
}

func Internal(message string, cause error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, cause)
}

func NotFound(message string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, message, nil)
}

func RateLimitExceeded() *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded", nil)
}
