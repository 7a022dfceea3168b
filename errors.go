package main

import "errors"

// Error kinds. Every error returned by Encoder is an *OpError that matches
// exactly one of these with errors.Is.
var (
	// ErrInvalidState is returned when an operation is called out of order,
	// e.g. AddFrame before Start or after Finish.
	ErrInvalidState = errors.New("gif: invalid encoder state")

	// ErrIO is returned when the output sink is missing or a write, flush or
	// close on it fails. Output written so far must be discarded.
	ErrIO = errors.New("gif: output failed")

	// ErrInvalidFrame is returned for a nil frame or a pixel buffer that does
	// not match the frame dimensions.
	ErrInvalidFrame = errors.New("gif: invalid frame")
)

var errNoSink = errors.New("nil writer")

// OpError records the encoder operation that failed, the error kind and the
// underlying cause, if any.
type OpError struct {
	Op   string // "start", "add frame", "finish"
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Kind.Error() + " (" + e.Op + ")"
	}
	return e.Kind.Error() + " (" + e.Op + "): " + e.Err.Error()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}
