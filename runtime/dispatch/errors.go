package dispatch

import (
	"errors"
	"net/http"

	goa "goa.design/goa/v3/pkg"
)

// Service error names produced by the dispatcher.
const (
	// ErrNameInvalidRequest identifies malformed round invocations.
	ErrNameInvalidRequest = "invalid_request"
	// ErrNameNotFound identifies unknown function ids.
	ErrNameNotFound = "not_found"
	// ErrNameSerialization identifies values that could not be encoded.
	ErrNameSerialization = "serialization_error"
	// ErrNameFault identifies handler panics and internal failures.
	ErrNameFault = "fault"
	// ErrNameCanceled identifies rounds abandoned because the request context
	// ended before the handler ran.
	ErrNameCanceled = "canceled"
)

// MakeInvalidRequest wraps err into an invalid_request service error.
func MakeInvalidRequest(err error) *goa.ServiceError {
	return goa.NewServiceError(err, ErrNameInvalidRequest, false, false, false)
}

// MakeNotFound wraps err into a not_found service error.
func MakeNotFound(err error) *goa.ServiceError {
	return goa.NewServiceError(err, ErrNameNotFound, false, false, false)
}

// MakeSerialization wraps err into a serialization_error service error.
func MakeSerialization(err error) *goa.ServiceError {
	return goa.NewServiceError(err, ErrNameSerialization, false, false, true)
}

// MakeFault wraps err into a fault service error.
func MakeFault(err error) *goa.ServiceError {
	return goa.NewServiceError(err, ErrNameFault, false, false, true)
}

// MakeCanceled wraps err into a temporary canceled service error.
func MakeCanceled(err error) *goa.ServiceError {
	return goa.NewServiceError(err, ErrNameCanceled, false, true, false)
}

// StatusOf returns the HTTP status used to report err.
func StatusOf(err error) int {
	var se *goa.ServiceError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Name {
	case ErrNameInvalidRequest:
		return http.StatusBadRequest
	case ErrNameNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
