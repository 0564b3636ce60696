package attendance

import (
	"context"
	"database/sql"
	"log"
	"strings"

	"github.com/pkg/errors"

	"qrattend/internal/audit"
)

// dbExecutor is satisfied by both *sql.DB and *sql.Tx.
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository persists attendance data in Postgres.
type Repository struct {
	db   dbExecutor
	pool *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, pool: db}
}

// WithTx runs fn against a repository bound to one transaction. The
// transaction commits only when fn returns nil. Nested calls join the
// outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(Store) error) error {
	if r.pool == nil {
		return fn(r)
	}
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&Repository{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

const userColumns = `id, identifier, username, password_hash, role, full_name`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Identifier, &u.Username, &u.PasswordHash, &u.Role, &u.FullName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// UserByIdentifier looks a user up by external identifier.
func (r *Repository) UserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE identifier = $1`, identifier))
	return u, errors.Wrap(err, "user by identifier")
}

// UserByID looks a user up by internal id.
func (r *Repository) UserByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, errors.Wrap(err, "user by id")
}

// UserByUsername looks a user up by login name.
func (r *Repository) UserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	return u, errors.Wrap(err, "user by username")
}

// CountUsers returns the number of users.
func (r *Repository) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, errors.Wrap(err, "count users")
}

// CreateUser inserts u and sets its id.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (identifier, username, password_hash, role, full_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, u.Identifier, u.Username, u.PasswordHash, u.Role, u.FullName).Scan(&u.ID)
	return errors.Wrap(err, "create user")
}

const courseColumns = `id, code, name, is_online, secure_qr_mode`

func scanCourse(row interface{ Scan(...any) error }) (*Course, error) {
	var c Course
	if err := row.Scan(&c.ID, &c.Code, &c.Name, &c.IsOnline, &c.SecureQRMode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// CourseByCode looks a course up by its code, ignoring case.
func (r *Repository) CourseByCode(ctx context.Context, code string) (*Course, error) {
	c, err := scanCourse(r.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE UPPER(code) = UPPER($1)`, code))
	return c, errors.Wrap(err, "course by code")
}

// CourseByID looks a course up by id.
func (r *Repository) CourseByID(ctx context.Context, id int64) (*Course, error) {
	c, err := scanCourse(r.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id))
	return c, errors.Wrap(err, "course by id")
}

// ListCourses returns all courses ordered by code.
func (r *Repository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY code`)
	if err != nil {
		return nil, errors.Wrap(err, "list courses")
	}
	defer rows.Close()
	var res []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan course")
		}
		res = append(res, *c)
	}
	return res, rows.Err()
}

// CreateCourse inserts c and sets its id.
func (r *Repository) CreateCourse(ctx context.Context, c *Course) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO courses (code, name, is_online, secure_qr_mode)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, c.Code, c.Name, c.IsOnline, c.SecureQRMode).Scan(&c.ID)
	return errors.Wrap(err, "create course")
}

// UpdateCourseModes sets the flags that are non-nil and returns the course.
func (r *Repository) UpdateCourseModes(ctx context.Context, id int64, isOnline, secureQR *bool) (*Course, error) {
	c, err := scanCourse(r.db.QueryRowContext(ctx, `
		UPDATE courses
		SET is_online = COALESCE($2, is_online),
		    secure_qr_mode = COALESCE($3, secure_qr_mode)
		WHERE id = $1
		RETURNING `+courseColumns, id, isOnline, secureQR))
	return c, errors.Wrap(err, "update course modes")
}

// Enroll links a student to a course.
func (r *Repository) Enroll(ctx context.Context, studentID, courseID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (student_id, course_id)
		VALUES ($1, $2)
		ON CONFLICT (student_id, course_id) DO NOTHING
	`, studentID, courseID)
	return errors.Wrap(err, "enroll")
}

// IsEnrolled reports whether the student is enrolled in the course.
func (r *Repository) IsEnrolled(ctx context.Context, studentID, courseID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2)
	`, studentID, courseID).Scan(&ok)
	return ok, errors.Wrap(err, "is enrolled")
}

// InsertRecord writes a new record. The unique (student_id, course_id, day)
// index decides races: the losing insert returns no row.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_logs (student_id, course_id, submitted_code, occurred_at, day, status, remarks)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (student_id, course_id, day) DO NOTHING
		RETURNING id
	`, rec.StudentID, rec.CourseID, rec.SubmittedCode, rec.OccurredAt, rec.Day, string(rec.Status), rec.Remarks).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrDuplicateDay
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "insert attendance")
	}
	return rec, nil
}

const recordSelect = `
	SELECT a.id, a.student_id, u.full_name, a.course_id, a.submitted_code, a.occurred_at,
	       to_char(a.day, 'YYYY-MM-DD'), a.status, a.remarks
	FROM attendance_logs a
	JOIN users u ON u.id = a.student_id`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.StudentName, &rec.CourseID, &rec.SubmittedCode,
			&rec.OccurredAt, &rec.Day, &status, &rec.Remarks); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		rec.OccurredAt = rec.OccurredAt.In(Zone)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CourseRecords returns every record of a course, oldest first.
func (r *Repository) CourseRecords(ctx context.Context, courseID int64) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, recordSelect+`
		WHERE a.course_id = $1
		ORDER BY a.occurred_at ASC, a.id ASC
	`, courseID)
	if err != nil {
		return nil, errors.Wrap(err, "course records")
	}
	res, err := scanRecords(rows)
	return res, errors.Wrap(err, "scan course records")
}

// StudentRecords returns a student's most recent records.
func (r *Repository) StudentRecords(ctx context.Context, studentID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, recordSelect+`
		WHERE a.student_id = $1
		ORDER BY a.occurred_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "student records")
	}
	res, err := scanRecords(rows)
	return res, errors.Wrap(err, "scan student records")
}

// UpdateRecordReview changes status and remarks of a record.
func (r *Repository) UpdateRecordReview(ctx context.Context, id int64, status Status, remarks string) (*Record, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_logs SET status = $2, remarks = $3 WHERE id = $1
	`, id, string(status), remarks)
	if err != nil {
		return nil, errors.Wrap(err, "review attendance")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, recordSelect+` WHERE a.id = $1`, id)
	if err != nil {
		return nil, errors.Wrap(err, "reload attendance")
	}
	recs, err := scanRecords(rows)
	if err != nil || len(recs) == 0 {
		return nil, errors.Wrap(err, "scan attendance")
	}
	return &recs[0], nil
}

// AppendAuditEvent stores evt once; a redelivered UID is ignored.
func (r *Repository) AppendAuditEvent(ctx context.Context, evt audit.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_uid, actor_id, actor_name, action, details, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_uid) DO NOTHING
	`, evt.UID, evt.ActorID, evt.ActorName, evt.Action, evt.Details, evt.At)
	return errors.Wrap(err, "append audit event")
}

// ListAuditEvents returns the newest audit events first.
func (r *Repository) ListAuditEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_uid::text, actor_id, actor_name, action, details, at
		FROM audit_events
		ORDER BY at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list audit events")
	}
	defer rows.Close()
	var res []audit.Event
	for rows.Next() {
		var evt audit.Event
		if err := rows.Scan(&evt.UID, &evt.ActorID, &evt.ActorName, &evt.Action, &evt.Details, &evt.At); err != nil {
			return nil, errors.Wrap(err, "scan audit event")
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
