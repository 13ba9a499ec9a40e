package subscription

import (
	"context"
	"errors"
	"io"
	"time"

	"pricestream/pkg/retry"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorClass selects the backoff base for a stream termination
type ErrorClass int

const (
	// ClassTransient covers network, timeout and overload failures
	ClassTransient ErrorClass = iota
	// ClassPermanent covers every other failure
	ClassPermanent
	// ClassCompleted is a clean end of stream
	ClassCompleted
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Classify maps a stream termination to its class. A nil error or io.EOF is
// a clean completion.
func Classify(err error) ErrorClass {
	if err == nil || errors.Is(err, io.EOF) {
		return ClassCompleted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return ClassTransient
		}
	}
	return ClassPermanent
}

// Policy is the reconnect backoff policy
type Policy struct {
	TransientBase time.Duration
	PermanentBase time.Duration
	CompletedBase time.Duration
	MaxDelay      time.Duration
	CapExponent   int
	JitterMax     time.Duration
}

// DefaultPolicy returns 500ms/1000ms bases, a 30s ceiling, exponent cap 10
// and up to 250ms of jitter
func DefaultPolicy() Policy {
	return Policy{
		TransientBase: 500 * time.Millisecond,
		PermanentBase: 1000 * time.Millisecond,
		CompletedBase: 500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		CapExponent:   10,
		JitterMax:     250 * time.Millisecond,
	}
}

// Base returns the base delay for class
func (p Policy) Base(class ErrorClass) time.Duration {
	switch class {
	case ClassTransient:
		return p.TransientBase
	case ClassCompleted:
		return p.CompletedBase
	default:
		return p.PermanentBase
	}
}

// Delay returns the delay before jitter after the given number of consecutive failures
func (p Policy) Delay(class ErrorClass, failures int) time.Duration {
	b := retry.Backoff{Base: p.Base(class), Max: p.MaxDelay, CapExponent: p.CapExponent}
	return b.Delay(failures)
}
