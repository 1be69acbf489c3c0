package gerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrInvalidQuery     = status.Error(codes.InvalidArgument, "invalid query")
	ErrInvalidRecord    = status.Error(codes.InvalidArgument, "invalid record")
	ErrCanceled         = status.Error(codes.Canceled, "canceled")
	ErrDeadlineExceeded = status.Error(codes.DeadlineExceeded, "deadline exceeded")
	ErrNoEngine         = status.Error(codes.Unavailable, "no engine can answer the query")
	ErrRebuildInFlight  = status.Error(codes.Aborted, "cache rebuild in flight for window")
	ErrOrderNotFound    = status.Error(codes.NotFound, "order not found")
	// ErrColumnarWrite means orders reached the row store but not the columnar store.
	ErrColumnarWrite = status.Error(codes.Internal, "orders stored in row store, columnar write failed")
)

// InconsistentOrderFieldsError reports an order-level field that differs across the
// lines of one order.
type InconsistentOrderFieldsError struct {
	OrderID string
	Field   string
	First   string
	Other   string
	// Line is the position of the disagreeing line within the input batch.
	Line int
}

func (e *InconsistentOrderFieldsError) Error() string {
	return fmt.Sprintf("order %s: field %s differs across lines (%s vs %s at line %d)",
		e.OrderID, e.Field, e.First, e.Other, e.Line)
}

// NewInconsistentAmount builds the error for a monetary field.
func NewInconsistentAmount(orderID, field string, first, other decimal.Decimal, line int) *InconsistentOrderFieldsError {
	return &InconsistentOrderFieldsError{
		OrderID: orderID,
		Field:   field,
		First:   first.String(),
		Other:   other.String(),
		Line:    line,
	}
}

// EngineUnavailableError wraps a failure of one backing engine.
type EngineUnavailableError struct {
	Engine string
	Err    error
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("engine %s unavailable: %v", e.Engine, e.Err)
}

func (e *EngineUnavailableError) Unwrap() error {
	return e.Err
}

// CacheStaleError reports that a fresh answer was required but the covering cache
// windows have not been rebuilt since their source data changed.
type CacheStaleError struct {
	Windows []string
	Age     time.Duration
}

func (e *CacheStaleError) Error() string {
	return fmt.Sprintf("cache stale for windows [%s] (age %s)", strings.Join(e.Windows, ", "), e.Age.Round(time.Second))
}

// FromContext maps context errors to Canceled / DeadlineExceeded while keeping the
// original error in the chain. Other errors are returned unchanged.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCanceled), errors.Is(err, ErrDeadlineExceeded):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	default:
		return err
	}
}

// IsContext reports whether err comes from cancellation or a deadline.
func IsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCanceled) || errors.Is(err, ErrDeadlineExceeded)
}

// Code returns the grpc code describing err.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ie *InconsistentOrderFieldsError
	var eu *EngineUnavailableError
	var cs *CacheStaleError
	switch {
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.As(err, &ie):
		return codes.InvalidArgument
	case errors.As(err, &eu):
		return codes.Unavailable
	case errors.As(err, &cs):
		return codes.FailedPrecondition
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	for _, sentinel := range []error{ErrInvalidQuery, ErrInvalidRecord, ErrNoEngine, ErrRebuildInFlight, ErrOrderNotFound, ErrColumnarWrite} {
		if errors.Is(err, sentinel) {
			return status.Code(sentinel)
		}
	}
	return codes.Internal
}

// EngineOf returns the name of the failing engine if err carries one.
func EngineOf(err error) string {
	var eu *EngineUnavailableError
	if errors.As(err, &eu) {
		return eu.Engine
	}
	return ""
}
