package upload

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a job did not produce a vendor source.
type FailureKind string

const (
	FailureConfiguration FailureKind = "configuration"
	FailureTransport     FailureKind = "transport"
	FailureVendor        FailureKind = "vendor"
	FailureProcessing    FailureKind = "processing"
	FailureTimeout       FailureKind = "timeout"
	FailureCanceled      FailureKind = "canceled"
	FailureCatalog       FailureKind = "catalog"
	FailureInternal      FailureKind = "internal"
)

var (
	// ErrUnsupported is returned by stream operations a forward-only reader cannot perform.
	ErrUnsupported = errors.New("operation not supported")
	// ErrUnknownSourceType is returned when no provider is registered for a source type.
	ErrUnknownSourceType = errors.New("unknown source type")
)

// Failure is the typed error carried by an unsuccessful Result.
type Failure struct {
	Kind   FailureKind
	Op     string
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	msg := string(f.Kind)
	if f.Op != "" {
		msg += ": " + f.Op
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fail builds a Failure with a formatted detail.
func Fail(kind FailureKind, op, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a Failure around err.
func Wrap(kind FailureKind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Err: err}
}

// FromError classifies err raised while performing op. Only a done ctx makes
// a canceled failure; a per-request deadline or network timeout while ctx is
// still live is a transport failure like any other.
func FromError(ctx context.Context, op string, err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	if ctx != nil && ctx.Err() != nil {
		return Wrap(FailureCanceled, op, ctx.Err())
	}
	return Wrap(FailureTransport, op, err)
}

// KindOf returns the failure kind carried by err, or FailureInternal when err
// is not a Failure.
func KindOf(err error) FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	return FailureInternal
}
