package deepz

import (
	"errors"
	"fmt"

	"zonocert/nn/layers"
)

// Code categorizes verification failures. A Code is itself an error so the
// exported sentinels below can be matched with errors.Is.
type Code string

const (
	// CodeInvalidInput: negative eps, empty layers, bad image, label out of range.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeUnsupportedLayer: a layer kind with no registered transformer.
	CodeUnsupportedLayer Code = "UNSUPPORTED_LAYER"

	// CodeShapeMismatch: layer parameters incompatible with the incoming neurons.
	CodeShapeMismatch Code = "SHAPE_MISMATCH"

	// CodeInternal: a transformer broke an invariant (lower > upper, NaN).
	CodeInternal Code = "INTERNAL"
)

func (c Code) Error() string { return string(c) }

var (
	ErrInvalidInput     error = CodeInvalidInput
	ErrUnsupportedLayer error = CodeUnsupportedLayer
	ErrShapeMismatch    error = CodeShapeMismatch
	ErrInternal         error = CodeInternal
)

// Error is a verification failure. None of these are verdicts: a run that
// returns an Error proved nothing either way.
type Error struct {
	Code Code

	// Layer is the index of the offending layer, -1 when not tied to one.
	Layer int

	// Kind of the offending layer, empty when Layer is -1.
	Kind layers.Kind

	Message string

	// Err is the underlying cause (optional).
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Layer >= 0 {
		return fmt.Sprintf("%s: layer %d (%s): %s", e.Code, e.Layer, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Code sentinels.
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// CodeOf returns the Code carried by err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Layer: -1, Message: fmt.Sprintf(format, args...), Err: err}
}

func invalidInput(format string, args ...interface{}) *Error {
	return newError(CodeInvalidInput, nil, format, args...)
}

// exhaustedError aborts propagation when a resource cap is hit. The verifier
// turns it into a ResourceExhausted verdict; it never reaches callers.
type exhaustedError struct {
	reason string
}

func (e *exhaustedError) Error() string { return "resource exhausted: " + e.reason }

func exhausted(format string, args ...interface{}) error {
	return &exhaustedError{reason: fmt.Sprintf(format, args...)}
}
