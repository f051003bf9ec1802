package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReasonedError carries a reason code alongside the error it wraps.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches reason to err. The reason closest to the cause wins, so an
// already reasoned error is returned unchanged.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Newf formats an error like fmt.Errorf, %w included, and attaches reason.
func Newf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the reason code carried by err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Attrs appends the reason_code and error attributes every failure log line
// carries to attrs, for use as slog arguments.
func Attrs(err error, attrs ...any) []any {
	if err == nil {
		return attrs
	}
	return append(attrs,
		slog.String("reason_code", string(Reason(err))),
		slog.String("error", err.Error()))
}
