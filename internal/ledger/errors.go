package ledger

import "errors"

// Code classifies ledger failures for callers and the HTTP layer.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeForbidden     Code = "FORBIDDEN"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeRaceLost      Code = "RACE_LOST"
	CodeExpired       Code = "EXPIRED"
	CodeDependency    Code = "DEPENDENCY_FAILURE"
)

// Error is a typed domain error. All ledger operations return either an
// *Error, a *ClaimError, or a wrapped storage error.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func Validation(msg string) *Error    { return &Error{Code: CodeValidation, Message: msg} }
func NotFound(msg string) *Error      { return &Error{Code: CodeNotFound, Message: msg} }
func Forbidden(msg string) *Error     { return &Error{Code: CodeForbidden, Message: msg} }
func StateConflict(msg string) *Error { return &Error{Code: CodeStateConflict, Message: msg} }
func Dependency(msg string) *Error    { return &Error{Code: CodeDependency, Message: msg} }

// CodeOf extracts the taxonomy code from any error chain. Claim errors
// map onto the shared taxonomy; anything else is a dependency failure.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	var ce *ClaimError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case ClaimNotFound:
			return CodeNotFound
		case ClaimNotAutoAccept:
			return CodeStateConflict
		case ClaimExpired:
			return CodeExpired
		default:
			return CodeRaceLost
		}
	}
	return CodeDependency
}

// ClaimErrorKind is the closed set of ways an instant-accept claim fails.
type ClaimErrorKind int

const (
	ClaimNotFound ClaimErrorKind = iota
	ClaimNotAutoAccept
	ClaimAlreadyTaken
	ClaimExpired
)

// ClaimError is returned by ClaimJob when the atomic claim does not go
// through. AlreadyTaken means the conditional update matched zero rows:
// another carrier won first.
type ClaimError struct {
	Kind ClaimErrorKind
}

func (e *ClaimError) Error() string {
	switch e.Kind {
	case ClaimNotFound:
		return "job not found"
	case ClaimNotAutoAccept:
		return "job requires bidding, not instant accept"
	case ClaimExpired:
		return "listing expired"
	default:
		return "already taken by another driver"
	}
}
