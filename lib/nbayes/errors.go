package nbayes

import "errors"

// errors returned by the classifier, match with errors.Is
var (
	ErrInvalidConstruction = errors.New("invalid construction")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAlreadyFitted       = errors.New("classifier already fitted")
	ErrNotFitted           = errors.New("classifier not fitted")
	ErrLengthMismatch      = errors.New("length mismatch")
	ErrCorruptModel        = errors.New("corrupt model")
	ErrUnsupportedVersion  = errors.New("unsupported model version")
)
