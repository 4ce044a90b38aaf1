package model

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrTransientService = errors.New("transient service error")
	ErrPermanentService = errors.New("permanent service error")
	ErrLedgerRead       = errors.New("ledger read failed")
	ErrLedgerWrite      = errors.New("ledger write failed")
	ErrLedgerCorrupt    = errors.New("ledger corrupt")
)

// Capability error kinds. Each maps onto ErrTransientService or
// ErrPermanentService through ServiceError.Is.
var (
	ErrAuth       = errors.New("authentication failed")
	ErrRateLimit  = errors.New("rate limited")
	ErrPermission = errors.New("permission denied")
	ErrTransport  = errors.New("transport failure")
	ErrMalformed  = errors.New("malformed request")
	ErrServer     = errors.New("server error")
)

// ServiceError is returned by calendar and messaging capabilities.
type ServiceError struct {
	Op   string
	Kind error
	Err  error
}

func NewServiceError(op string, kind, err error) *ServiceError {
	return &ServiceError{Op: op, Kind: kind, Err: err}
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	switch target {
	case ErrTransientService:
		return isTransientKind(e.Kind)
	case ErrPermanentService:
		return !isTransientKind(e.Kind)
	}
	return false
}

// Transient reports whether the error should be retried.
func (e *ServiceError) Transient() bool {
	return isTransientKind(e.Kind)
}

func isTransientKind(kind error) bool {
	return kind == ErrRateLimit || kind == ErrTransport || kind == ErrServer
}

// IsTransient classifies an arbitrary error. Errors that carry no
// ServiceError are treated as permanent.
func IsTransient(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return errors.Is(err, ErrTransientService)
}

// KindForHTTPStatus maps a non-2xx HTTP status onto a service error kind.
func KindForHTTPStatus(code int) error {
	switch {
	case code == 429:
		return ErrRateLimit
	case code >= 500:
		return ErrServer
	case code == 401:
		return ErrAuth
	case code == 403:
		return ErrPermission
	case code == 408:
		return ErrTransport
	default:
		return ErrMalformed
	}
}
