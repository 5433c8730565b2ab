package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// categorized errors carry the label used in logs and the errors_total metric.
type categorized interface {
	error
	Category() string
}

// ErrTimeout is a request that hit its deadline.
type ErrTimeout struct{ Err error }

func (e ErrTimeout) Error() string    { return describe("timeout", e.Err) }
func (e ErrTimeout) Unwrap() error    { return e.Err }
func (e ErrTimeout) Category() string { return "timeout" }

// ErrConnection is a dial or transport failure.
type ErrConnection struct{ Err error }

func (e ErrConnection) Error() string    { return describe("connection", e.Err) }
func (e ErrConnection) Unwrap() error    { return e.Err }
func (e ErrConnection) Category() string { return "connection" }

// ErrForbidden is HTTP 401 or 403: a wrong x-api-key, or the site blocking us.
type ErrForbidden struct{ Err error }

func (e ErrForbidden) Error() string    { return describe("forbidden", e.Err) }
func (e ErrForbidden) Unwrap() error    { return e.Err }
func (e ErrForbidden) Category() string { return "forbidden" }

// ErrNotFound is HTTP 404, typically an item page that no longer exists.
type ErrNotFound struct{ Err error }

func (e ErrNotFound) Error() string    { return describe("not_found", e.Err) }
func (e ErrNotFound) Unwrap() error    { return e.Err }
func (e ErrNotFound) Category() string { return "not_found" }

// ErrRateLimited is HTTP 429.
type ErrRateLimited struct{ Err error }

func (e ErrRateLimited) Error() string    { return describe("rate_limited", e.Err) }
func (e ErrRateLimited) Unwrap() error    { return e.Err }
func (e ErrRateLimited) Category() string { return "rate_limited" }

// ErrStatus is any other non-2xx response.
type ErrStatus struct{ Code int }

func (e ErrStatus) Error() string    { return fmt.Sprintf("http status %d", e.Code) }
func (e ErrStatus) Category() string { return "status" }

func describe(label string, err error) string {
	if err == nil {
		return label
	}
	return label + ": " + err.Error()
}

// ClassifyError maps a transport error or an HTTP status onto the typed
// errors above. No error with a 2xx (or absent) status classifies as nil.
// Errors it cannot place are returned unchanged.
func ClassifyError(err error, statusCode int) error {
	failedStatus := statusCode != 0 && (statusCode < 200 || statusCode >= 300)
	if err == nil && !failedStatus {
		return nil
	}

	if err != nil {
		var netErr net.Error
		var opErr *net.OpError
		switch {
		case errors.Is(err, context.DeadlineExceeded),
			errors.As(err, &netErr) && netErr.Timeout():
			return ErrTimeout{Err: err}
		case errors.As(err, &opErr):
			return ErrConnection{Err: err}
		}
	}
	if !failedStatus {
		return err
	}

	if err == nil {
		err = ErrStatus{Code: statusCode}
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrForbidden{Err: err}
	case http.StatusNotFound:
		return ErrNotFound{Err: err}
	case http.StatusTooManyRequests:
		return ErrRateLimited{Err: err}
	}
	return err
}

// ErrorTypeLabel returns the category of a classified error: "unknown" for
// nil, "canceled" for a cancelled context and "other" for anything unclassified.
func ErrorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var c categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}

// CheckResponse classifies a completed HTTP call, returning nil for 2xx.
func CheckResponse(resp *http.Response, err error) error {
	if err != nil {
		return ClassifyError(err, 0)
	}
	return ClassifyError(nil, resp.StatusCode)
}
