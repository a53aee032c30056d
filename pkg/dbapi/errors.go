package dbapi

import (
	"errors"
	"fmt"
)

// Kind classifies a database error following the DBAPI exception hierarchy.
type Kind int

const (
	// KindError is the root of the hierarchy.
	KindError Kind = iota
	KindWarning
	KindInterface
	KindDatabase
	KindData
	KindOperational
	KindIntegrity
	KindInternal
	KindProgramming
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "Error"
	case KindWarning:
		return "Warning"
	case KindInterface:
		return "InterfaceError"
	case KindDatabase:
		return "DatabaseError"
	case KindData:
		return "DataError"
	case KindOperational:
		return "OperationalError"
	case KindIntegrity:
		return "IntegrityError"
	case KindInternal:
		return "InternalError"
	case KindProgramming:
		return "ProgrammingError"
	case KindNotSupported:
		return "NotSupportedError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// parent returns the kind this kind specializes.
func (k Kind) parent() (Kind, bool) {
	switch k {
	case KindInterface, KindDatabase:
		return KindError, true
	case KindData, KindOperational, KindIntegrity, KindInternal, KindProgramming, KindNotSupported:
		return KindDatabase, true
	default:
		return k, false
	}
}

// IsA reports whether k is target or one of its descendants.
func (k Kind) IsA(target Kind) bool {
	for {
		if k == target {
			return true
		}
		p, ok := k.parent()
		if !ok {
			return false
		}
		k = p
	}
}

// Error is a driver error normalized into the DBAPI hierarchy. The original
// driver error stays reachable through Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, honouring the hierarchy, so that
// errors.Is(err, ErrDatabase) holds for an OperationalError.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return e.Kind.IsA(t.Kind)
}

// Sentinels for errors.Is checks.
var (
	ErrError        = &Error{Kind: KindError}
	ErrWarning      = &Error{Kind: KindWarning}
	ErrInterface    = &Error{Kind: KindInterface}
	ErrDatabase     = &Error{Kind: KindDatabase}
	ErrData         = &Error{Kind: KindData}
	ErrOperational  = &Error{Kind: KindOperational}
	ErrIntegrity    = &Error{Kind: KindIntegrity}
	ErrInternal     = &Error{Kind: KindInternal}
	ErrProgramming  = &Error{Kind: KindProgramming}
	ErrNotSupported = &Error{Kind: KindNotSupported}
)

// ErrConnectionClosed is the normalized "use of closed connection" condition.
// Drivers wrap it so disconnect detection does not depend on message text.
var ErrConnectionClosed = errors.New("connection is closed")

// Errorf builds an *Error of the given kind wrapping err.
func Errorf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Wrap builds an *Error of the given kind around err, keeping err as the message.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsConnectionClosed reports whether err signals a closed connection.
func IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// IsOperational reports whether err is an OperationalError.
func IsOperational(err error) bool {
	return errors.Is(err, ErrOperational)
}
