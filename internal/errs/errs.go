// Package errs defines the error taxonomy shared across the data plane.
//
// Kinds reuse google.golang.org/grpc/codes.Code rather than inventing a
// parallel enum: a gRPC control surface is external to this core, but its
// finite code vocabulary is still the natural fit for "surfaced to caller
// unchanged" vs. "converted to an internal reply" at whatever boundary
// eventually wraps this package.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error for both logging and caller-facing translation.
type Kind = codes.Code

const (
	KindInvalidArgument Kind = codes.InvalidArgument
	KindNotFound        Kind = codes.NotFound
	KindAlreadyExists   Kind = codes.AlreadyExists
	KindOpenBdev        Kind = codes.Unavailable
	KindDispatch        Kind = codes.Aborted
	KindNvmeStatus      Kind = codes.Aborted
	KindTimeout         Kind = codes.DeadlineExceeded
	KindFrontendGone    Kind = codes.Canceled
	KindInternal        Kind = codes.Internal
)

// New builds an error carrying Kind k, retrievable with KindOf.
func New(k Kind, format string, args ...any) error {
	return status.Error(k, fmt.Sprintf(format, args...))
}

// Wrap attaches Kind k to an existing error, preserving it for errors.Is/As.
func Wrap(k Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: %w", status.Error(k, msg), err)
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err was
// not produced by this package.
func KindOf(err error) Kind {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return KindInternal
}

// Sentinel errors referenced by name throughout the core.
var (
	ErrNoDevicesAvailable = errors.New("no devices available")
	ErrNotSupported       = errors.New("operation not supported")
	ErrFrontendGone       = errors.New("rebuild frontend gone")
	ErrAlreadyPresent     = errors.New("already registered")
	ErrShutdown           = errors.New("channel is shut down")
	ErrDropped            = errors.New("qpair is dropped")
)
