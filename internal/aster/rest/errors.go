package rest

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a rejection returned by the exchange, as opposed to a
// transport failure. Code follows the Binance-style negative code scheme.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aster api error: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

func (e *APIError) RateLimited() bool {
	return e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus == 418 || e.Code == -1003
}

func (e *APIError) AuthFailure() bool {
	if e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden {
		return true
	}
	switch e.Code {
	case -1022, -2014, -2015:
		return true
	}
	return false
}

func (e *APIError) InsufficientBalance() bool {
	return e.Code == -2010 || e.Code == -2019
}

func (e *APIError) OrderNotFound() bool {
	return e.Code == -2013 || e.Code == -2011
}

// Retryable reports whether a fresh attempt can plausibly succeed.
// Rejections are final; only server-side and rate-limit conditions retry.
func (e *APIError) Retryable() bool {
	if e.AuthFailure() {
		return false
	}
	if e.RateLimited() {
		return true
	}
	return e.HTTPStatus >= http.StatusInternalServerError
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func IsAuthError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.AuthFailure()
}

func IsInsufficientBalance(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.InsufficientBalance()
}

func IsOrderNotFound(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.OrderNotFound()
}
