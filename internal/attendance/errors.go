package attendance

import (
	"github.com/pkg/errors"

	"qrattend/internal/securetoken"
)

// Kind classifies a caller-visible failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindPolicy
	KindConflict
	KindUnauthorized
)

// Error is a caller-visible rejection. Code is the stable reason string
// clients switch on. Anything that is not an *Error is a storage failure.
type Error struct {
	Code  string
	Kind  Kind
	cause error
}

func (e *Error) Error() string { return e.Code }

func (e *Error) Unwrap() error { return e.cause }

var (
	ErrMissingQR          = &Error{Code: "missing_qr", Kind: KindValidation}
	ErrMissingCourse      = &Error{Code: "missing_course", Kind: KindValidation}
	ErrInvalidStatus      = &Error{Code: "invalid_status", Kind: KindValidation}
	ErrMissingMode        = &Error{Code: "missing_mode", Kind: KindValidation}
	ErrCourseNotFound     = &Error{Code: "course_not_found", Kind: KindNotFound}
	ErrStudentNotFound    = &Error{Code: "student_not_found", Kind: KindNotFound}
	ErrRecordNotFound     = &Error{Code: "record_not_found", Kind: KindNotFound}
	ErrSecureRequired     = &Error{Code: "secure_required", Kind: KindPolicy, cause: securetoken.ErrSecureRequired}
	ErrExpired            = &Error{Code: "expired", Kind: KindPolicy, cause: securetoken.ErrExpired}
	ErrInvalidToken       = &Error{Code: "invalid_token", Kind: KindPolicy, cause: securetoken.ErrInvalidToken}
	ErrModeInactive       = &Error{Code: "mode_inactive", Kind: KindPolicy}
	ErrNotEnrolled        = &Error{Code: "not_enrolled", Kind: KindPolicy}
	ErrAlreadyLogged      = &Error{Code: "already_logged", Kind: KindConflict}
	ErrInvalidCredentials = &Error{Code: "invalid_credentials", Kind: KindUnauthorized}
)

// ErrDuplicateDay is returned by Store.InsertRecord when the student already
// has a record for the course on that day.
var ErrDuplicateDay = errors.New("attendance record exists for day")

func tokenRejection(err error) error {
	switch {
	case errors.Is(err, securetoken.ErrExpired):
		return ErrExpired
	case errors.Is(err, securetoken.ErrSecureRequired):
		return ErrSecureRequired
	case errors.Is(err, securetoken.ErrInvalidToken):
		return ErrInvalidToken
	}
	return err
}

// AsError extracts the caller-visible rejection from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
