package attendance

import (
	"context"

	"qrattend/internal/audit"
)

// Store is the persistence the attendance core needs. Lookups return
// (nil, nil) when the row does not exist.
type Store interface {
	// User directory.
	UserByIdentifier(ctx context.Context, identifier string) (*User, error)
	UserByID(ctx context.Context, id int64) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, u *User) error

	// Course directory.
	CourseByCode(ctx context.Context, code string) (*Course, error)
	CourseByID(ctx context.Context, id int64) (*Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	CreateCourse(ctx context.Context, c *Course) error
	UpdateCourseModes(ctx context.Context, id int64, isOnline, secureQR *bool) (*Course, error)
	Enroll(ctx context.Context, studentID, courseID int64) error
	IsEnrolled(ctx context.Context, studentID, courseID int64) (bool, error)

	// Attendance records. InsertRecord is atomic with respect to the
	// (student, course, day) key and returns ErrDuplicateDay on conflict.
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	CourseRecords(ctx context.Context, courseID int64) ([]Record, error)
	StudentRecords(ctx context.Context, studentID int64, limit int) ([]Record, error)
	UpdateRecordReview(ctx context.Context, id int64, status Status, remarks string) (*Record, error)

	// Audit log.
	audit.Appender
	ListAuditEvents(ctx context.Context, limit int) ([]audit.Event, error)

	// WithTx runs fn so that either all of its writes persist or none do.
	WithTx(ctx context.Context, fn func(Store) error) error
}
