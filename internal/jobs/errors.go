package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// FatalError marks a failure that retrying cannot fix
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the runner fails the job without retrying. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// Kind is the retry class of a job error
type Kind int

const (
	KindUnclassified Kind = iota
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unclassified"
	}
}

// transient is implemented by upstream client errors that may succeed on retry
type transient interface {
	Transient() bool
}

// Classify sorts err into fatal, transient or unclassified
func Classify(err error) Kind {
	if err == nil {
		return KindUnclassified
	}

	var fe *FatalError
	if errors.As(err, &fe) {
		return KindFatal
	}

	var te transient
	if errors.As(err, &te) {
		if te.Transient() {
			return KindTransient
		}
		return KindFatal
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransient
	}

	return KindUnclassified
}
