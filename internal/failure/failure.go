// Package failure attaches a transient/permanent classification to errors
// raised by object access, decoding and shipment.
package failure

import (
	"context"
	"errors"
)

type Signal int

const (
	SignalTransient Signal = iota
	SignalPermanent
)

func (s Signal) String() string {
	if s == SignalPermanent {
		return "permanent"
	}
	return "transient"
}

type classified struct {
	err    error
	signal Signal
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, signal: SignalTransient}
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, signal: SignalPermanent}
}

// Classify returns the outermost classification found in the chain.
// Unclassified errors, including context cancellation, are transient.
func Classify(err error) Signal {
	var c *classified
	if errors.As(err, &c) {
		return c.signal
	}
	return SignalTransient
}

func IsPermanent(err error) bool {
	return err != nil && Classify(err) == SignalPermanent
}

func IsTransient(err error) bool {
	return err != nil && Classify(err) == SignalTransient
}

// IsCanceled reports whether err comes from a cancelled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
