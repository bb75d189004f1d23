// Package errs defines the router's tagged-union error carrier: a short
// machine-readable Kind plus a human Message and an optional wrapped Cause.
package errs

import "fmt"

// Kind enumerates the error kinds the router surfaces, per the error
// handling design: propagation always keeps the kind so callers can branch
// on it with errors.As without parsing strings.
type Kind string

const (
	MissingConfig         Kind = "MissingConfig"
	UnknownWorkClass      Kind = "UnknownWorkClass"
	UnknownNotifyClass    Kind = "UnknownNotifyClass"
	NotExchangeClass      Kind = "NotExchangeClass"
	MissingInput          Kind = "MissingInput"
	NoProcessRoute        Kind = "NoProcessRoute"
	OutOfSequence         Kind = "OutOfSequence"
	HistoryDriftedPastRoute Kind = "HistoryDriftedPastRoute"
	MissingLastInRoute    Kind = "MissingLastInRoute"
	JSONEncodeError       Kind = "JsonEncodeError"
	JSONDecodeError       Kind = "JsonDecodeError"
	BrokerDeclareFailed   Kind = "BrokerDeclareFailed"
	BrokerPublishFailed   Kind = "BrokerPublishFailed"
	ConsumerFailed        Kind = "ConsumerFailed"
	TransactionAborted    Kind = "TransactionAborted"
	TimeZoneInvalid       Kind = "TimeZoneInvalid"
	TimeParseError        Kind = "TimeParseError"
	BatchNotGo            Kind = "BatchNotGo"
	StageError            Kind = "StageError"
)

// RouterError is the router's standard error shape: Kind for programmatic
// branching, Message for operators, Cause for the underlying error (if any).
type RouterError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *RouterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RouterError) Unwrap() error { return e.Cause }

// New builds a RouterError with no wrapped cause.
func New(kind Kind, message string) *RouterError {
	return &RouterError{Kind: kind, Message: message}
}

// Wrap builds a RouterError carrying an underlying cause.
func Wrap(kind Kind, message string, cause error) *RouterError {
	return &RouterError{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *RouterError of the given kind.
func Is(err error, kind Kind) bool {
	var re *RouterError
	if ok := asRouterError(err, &re); !ok {
		return false
	}
	return re.Kind == kind
}

func asRouterError(err error, target **RouterError) bool {
	for err != nil {
		if re, ok := err.(*RouterError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
